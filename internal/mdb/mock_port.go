package mdb

import (
	"fmt"
	"sync"
)

// MockPort 内存模拟外设。实现Port接口并按方言剧本应答，
// 用于mock_mode运行和单元测试。
type MockPort struct {
	dialect Dialect

	mu            sync.Mutex
	pending       []byte   // 待读取的响应
	writes        [][]byte // 写入历史
	closed        bool
	sessionActive bool

	// 待上报的售货请求队列，下次POLL时返回
	vendQueue []vendRequest

	// 故障注入
	silent      bool // 不再应答任何命令
	corruptNext bool // 下一条响应校验和损坏
	failWrites  bool
}

type vendRequest struct {
	amount int64
	item   byte
}

// NewMockPort 创建模拟外设
func NewMockPort(dialect Dialect) *MockPort {
	return &MockPort{dialect: dialect}
}

// InjectVendRequest 注入一次投售请求，下次轮询时上报
func (m *MockPort) InjectVendRequest(amount int64, item byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vendQueue = append(m.vendQueue, vendRequest{amount: amount, item: item})
}

// SetSilent 控制外设是否停止应答（模拟链路中断）
func (m *MockPort) SetSilent(silent bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.silent = silent
}

// CorruptNext 下一条响应注入校验和错误
func (m *MockPort) CorruptNext() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.corruptNext = true
}

// Writes 返回写入历史副本
func (m *MockPort) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.writes))
	copy(out, m.writes)
	return out
}

// WriteCount 写入次数
func (m *MockPort) WriteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writes)
}

// SessionActive 外设侧是否认为有进行中的投售会话
func (m *MockPort) SessionActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionActive
}

// Write 接收命令并按剧本准备响应
func (m *MockPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, fmt.Errorf("port closed")
	}
	if m.failWrites {
		return 0, fmt.Errorf("write error")
	}

	frame := make([]byte, len(p))
	copy(frame, p)
	m.writes = append(m.writes, frame)

	if m.silent {
		return len(p), nil
	}

	resp := m.respond(frame)
	if m.corruptNext && len(resp) > 1 {
		resp[len(resp)-1] ^= 0xFF
		m.corruptNext = false
	}
	m.pending = append(m.pending, resp...)

	return len(p), nil
}

// respond 根据收到的命令生成应答
func (m *MockPort) respond(frame []byte) []byte {
	// 解码自己方言下的命令
	decoded := Decode(frame, m.dialect)

	switch decoded.Opcode {
	case OpPoll:
		if len(m.vendQueue) > 0 {
			req := m.vendQueue[0]
			m.vendQueue = m.vendQueue[1:]
			m.sessionActive = true
			return m.encodeVendRequest(req)
		}
		return m.ackFor(OpPoll)
	case OpVendApprove:
		return m.ackFor(OpVendApprove)
	case OpVendDeny:
		return m.ackFor(OpVendDeny)
	case OpSessionComplete:
		// 会话结束幂等：无活动会话时同样确认
		m.sessionActive = false
		return m.ackFor(OpSessionComplete)
	case OpSetup:
		return m.ackFor(OpSetup)
	case OpReset:
		m.sessionActive = false
		m.vendQueue = nil
		return m.ackFor(OpReset)
	case OpExpansionRequest:
		if m.dialect == DialectText {
			return []byte("v,4.0.2.0,a1b2c3d4\n")
		}
		return m.ackFor(OpExpansionRequest)
	}

	if m.dialect == DialectText {
		return []byte("e,ERR\n")
	}
	return []byte{nackByte}
}

func (m *MockPort) ackFor(op Opcode) []byte {
	if m.dialect == DialectText {
		switch op {
		case OpPoll:
			return []byte("p,ACK\n")
		case OpSetup:
			return []byte("s,ACK\n")
		case OpReset:
			return []byte("r,ACK\n")
		case OpVendApprove:
			return []byte("a,ACK\n")
		case OpVendDeny:
			return []byte("d,ACK\n")
		case OpSessionComplete:
			return []byte("c,ACK\n")
		}
		return []byte("e,ERR\n")
	}
	return Encode(op, nil, DialectBinary)
}

func (m *MockPort) encodeVendRequest(req vendRequest) []byte {
	if m.dialect == DialectText {
		return []byte(fmt.Sprintf("q,%d,%d\n", req.amount, req.item))
	}
	payload := []byte{byte(req.amount >> 8), byte(req.amount), req.item}
	return Encode(OpVendRequest, payload, DialectBinary)
}

// Read 读取已准备好的响应。响应在Write时已同步生成，
// 无数据时立即返回0，模拟带ReadTimeout的真实端口。
func (m *MockPort) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, fmt.Errorf("port closed")
	}
	if len(m.pending) == 0 {
		return 0, nil
	}
	n := copy(p, m.pending)
	m.pending = m.pending[n:]
	return n, nil
}

// Flush 丢弃未读取的响应
func (m *MockPort) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = nil
	return nil
}

// Close 关闭端口
func (m *MockPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
