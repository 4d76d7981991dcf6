package mdb

import (
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/GianGuaz256/pow-vending-machine/internal/errors"
	"github.com/GianGuaz256/pow-vending-machine/internal/logger"
)

// Bus 总线会话接口。状态机依赖此接口，测试用假实现替换。
type Bus interface {
	Send(op Opcode, payload []byte) (*Response, error)
	Profile() TransportProfile
	Broken() bool
	Close() error
}

// CommandRecorder 命令流水回调，用于落库审计
type CommandRecorder func(op Opcode, request, response []byte, status Status)

// Session 串口会话。同一时刻只允许一条命令在途，
// 瞬态失败按配置次数重试，连续耗尽后进入不可用状态。
type Session struct {
	port       Port
	reader     *portReader
	profile    TransportProfile
	reset      ResetLine
	retryTimes int

	mu       sync.Mutex
	broken   bool
	recorder CommandRecorder
	logger   *zap.Logger
}

// NewSession 在已探测成功的端口上建立会话
func NewSession(port Port, profile TransportProfile, reset ResetLine, retryTimes int) *Session {
	return newSessionWithReader(port, newPortReader(port), profile, reset, retryTimes)
}

// newSessionWithReader 复用探测阶段已启动的读取协程建立会话，
// 保证同一端口上始终只有一个读取方
func newSessionWithReader(port Port, reader *portReader, profile TransportProfile, reset ResetLine, retryTimes int) *Session {
	if retryTimes <= 0 {
		retryTimes = 3
	}
	return &Session{
		port:       port,
		reader:     reader,
		profile:    profile,
		reset:      reset,
		retryTimes: retryTimes,
		logger:     logger.GetLogger(),
	}
}

// SetRecorder 注册命令流水回调
func (s *Session) SetRecorder(recorder CommandRecorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorder = recorder
}

// Profile 返回会话使用的传输档位
func (s *Session) Profile() TransportProfile {
	return s.profile
}

// Broken 会话是否已不可用
func (s *Session) Broken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broken
}

// Send 发送一条命令并等待分类响应。超时和校验错误立即重试，
// 重试次数耗尽后会话进入不可用状态，后续调用快速失败，
// 不再触碰串口，由上层重新探测建立新会话。
func (s *Session) Send(op Opcode, payload []byte) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken {
		return nil, apperrors.New(apperrors.ErrSessionFatal, "串口会话已不可用")
	}

	frame := Encode(op, payload, s.profile.Dialect)

	var resp *Response
	for attempt := 1; attempt <= s.retryTimes; attempt++ {
		resp = s.exchange(frame)

		if s.recorder != nil {
			s.recorder(op, frame, resp.Raw, resp.Status)
		}

		if resp.IsValid() {
			return resp, nil
		}

		s.logger.Warn("串口命令失败",
			zap.String("opcode", string(op)),
			zap.String("status", string(resp.Status)),
			zap.Int("attempt", attempt),
			zap.Int("max", s.retryTimes))
	}

	// 同一条命令连续失败，判定链路损坏
	s.broken = true
	s.logger.Error("串口会话失败次数耗尽，标记为不可用",
		zap.String("opcode", string(op)),
		zap.Int("retry_times", s.retryTimes))

	return nil, apperrors.Newf(apperrors.ErrSessionFatal,
		"命令%s连续%d次无有效响应", op, s.retryTimes)
}

// exchange 一次写入+读取，结果交给解码器分类
func (s *Session) exchange(frame []byte) *Response {
	if err := s.port.Flush(); err != nil {
		s.logger.Debug("清空串口缓冲失败", zap.Error(err))
	}
	// 上一条命令超时后迟到的字节属于旧命令，发新命令前丢弃
	s.reader.drain()

	if _, err := s.port.Write(frame); err != nil {
		s.logger.Warn("串口写入失败", zap.Error(err))
		return &Response{Dialect: s.profile.Dialect, Opcode: OpUnknown, Status: StatusTimeout}
	}

	raw := readResponse(s.reader, s.profile)
	return Decode(raw, s.profile.Dialect)
}

// ResetDevice 通过复位线重启外设
func (s *Session) ResetDevice(holdLow, settle time.Duration) error {
	s.logger.Info("拉复位线重启外设")
	return Pulse(s.reset, holdLow, settle)
}

// Close 关闭底层端口
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broken = true
	err := s.port.Close()
	s.reader.close()
	return err
}

// readResult 读取协程的单次结果
type readResult struct {
	data []byte
	err  error
}

// portReader 端口唯一的读取协程。命令超时后迟到的字节留在
// 通道里，由下一条命令发出前统一丢弃，不会被残留的一次性
// 读取协程吞掉后续命令的响应。
type portReader struct {
	ch   chan readResult
	stop chan struct{}
}

func newPortReader(port Port) *portReader {
	r := &portReader{
		ch:   make(chan readResult, 8),
		stop: make(chan struct{}),
	}
	go r.loop(port)
	return r
}

func (r *portReader) loop(port Port) {
	for {
		select {
		case <-r.stop:
			return
		default:
		}

		buf := make([]byte, 256)
		n, err := port.Read(buf)
		if n == 0 && err == nil {
			// 驱动读超时的空返回，稍后再试
			time.Sleep(time.Millisecond)
			continue
		}

		select {
		case r.ch <- readResult{data: buf[:n], err: err}:
		case <-r.stop:
			return
		}
		if err != nil {
			return
		}
	}
}

// drain 丢弃尚未被消费的残留字节
func (r *portReader) drain() {
	for {
		select {
		case <-r.ch:
		default:
			return
		}
	}
}

func (r *portReader) close() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
}

// readResponse 按方言读取一条响应。文本方言读到换行符为止，
// 二进制方言以字节间空闲间隔判定帧结束。整体受命令超时约束，
// 超时返回已收到的字节（可能为空）交由解码器分类。
func readResponse(reader *portReader, profile TransportProfile) []byte {
	var received []byte
	deadline := time.Now().Add(profile.CommandTimeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return received
		}

		// 尚无内容时等满命令超时，有内容后按字节间隔判帧
		wait := profile.InterByteTimeout
		if len(received) == 0 || wait > remaining {
			wait = remaining
		}

		select {
		case result := <-reader.ch:
			received = append(received, result.data...)
			if result.err != nil {
				return received
			}
			if profile.Dialect == DialectText && len(received) > 0 &&
				received[len(received)-1] == '\n' {
				return received
			}
		case <-time.After(wait):
			if len(received) > 0 {
				return received
			}
		}
	}
}
