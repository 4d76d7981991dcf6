package mdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksum(t *testing.T) {
	t.Run("空数据校验和为0", func(t *testing.T) {
		assert.Equal(t, byte(0), Checksum(nil))
	})

	t.Run("校验和为字节之和的低8位", func(t *testing.T) {
		assert.Equal(t, byte(0x06), Checksum([]byte{0x01, 0x02, 0x03}))
		assert.Equal(t, byte(0xFE), Checksum([]byte{0xFF, 0xFF}))
	})
}

func TestBinaryRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		op      Opcode
		payload []byte
	}{
		{"初始化命令", OpSetup, nil},
		{"轮询命令", OpPoll, nil},
		{"复位命令", OpReset, nil},
		{"扩展查询命令", OpExpansionRequest, nil},
		{"批准投售", OpVendApprove, nil},
		{"拒绝投售", OpVendDeny, nil},
		{"会话结束", OpSessionComplete, nil},
		{"售货请求帧", OpVendRequest, []byte{0x00, 0x64, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := Encode(tt.op, tt.payload, DialectBinary)
			require.GreaterOrEqual(t, len(frame), 2)

			// 末字节应为前序内容的校验和
			assert.Equal(t, Checksum(frame[:len(frame)-1]), frame[len(frame)-1])

			resp := Decode(frame, DialectBinary)
			assert.Equal(t, StatusAck, resp.Status)
			assert.Equal(t, tt.op, resp.Opcode)
		})
	}
}

func TestBinaryCorruptionDetection(t *testing.T) {
	t.Run("任意单字节翻转都被识别为校验错误或单字节应答", func(t *testing.T) {
		frame := Encode(OpVendApprove, nil, DialectBinary)

		for pos := 0; pos < len(frame); pos++ {
			corrupted := make([]byte, len(frame))
			copy(corrupted, frame)
			corrupted[pos] ^= 0xA5

			resp := Decode(corrupted, DialectBinary)
			// 损坏帧绝不能解出原命令本身
			if resp.Status == StatusAck {
				assert.NotEqual(t, OpVendApprove, resp.Opcode,
					"位置%d翻转后仍解码为原命令", pos)
			}
		}
	})

	t.Run("校验和不匹配归为校验错误", func(t *testing.T) {
		frame := Encode(OpPoll, nil, DialectBinary)
		frame[len(frame)-1]++

		resp := Decode(frame, DialectBinary)
		assert.Equal(t, StatusChecksumError, resp.Status)
	})
}

func TestBinaryDecode(t *testing.T) {
	t.Run("空输入归为超时", func(t *testing.T) {
		resp := Decode(nil, DialectBinary)
		assert.Equal(t, StatusTimeout, resp.Status)
		assert.Equal(t, OpUnknown, resp.Opcode)
	})

	t.Run("单字节0x00为确认", func(t *testing.T) {
		resp := Decode([]byte{0x00}, DialectBinary)
		assert.Equal(t, StatusAck, resp.Status)
	})

	t.Run("单字节0xFF为否认", func(t *testing.T) {
		resp := Decode([]byte{0xFF}, DialectBinary)
		assert.Equal(t, StatusNack, resp.Status)
	})

	t.Run("售货请求帧解析出金额和货道号", func(t *testing.T) {
		// 金额250分、货道3
		payload := []byte{0x00, 0xFA, 0x03}
		frame := Encode(OpVendRequest, payload, DialectBinary)

		resp := Decode(frame, DialectBinary)
		assert.Equal(t, StatusAck, resp.Status)
		assert.Equal(t, OpVendRequest, resp.Opcode)
		assert.Equal(t, int64(250), resp.Amount)
		assert.Equal(t, byte(3), resp.ItemNumber)
	})

	t.Run("无数据的0x01帧是初始化应答而非售货请求", func(t *testing.T) {
		frame := Encode(OpSetup, nil, DialectBinary)
		resp := Decode(frame, DialectBinary)
		assert.Equal(t, OpSetup, resp.Opcode)
	})

	t.Run("模式位被屏蔽", func(t *testing.T) {
		// 外设应答的命令字节可能带最高位
		body := []byte{0x82}
		frame := append(body, Checksum(body))
		resp := Decode(frame, DialectBinary)
		assert.Equal(t, StatusAck, resp.Status)
		assert.Equal(t, OpPoll, resp.Opcode)
	})
}

func TestTextEncode(t *testing.T) {
	t.Run("命令以换行符结尾", func(t *testing.T) {
		frame := Encode(OpPoll, nil, DialectText)
		assert.Equal(t, "P\n", string(frame))
	})

	t.Run("扩展查询映射为版本命令", func(t *testing.T) {
		frame := Encode(OpExpansionRequest, nil, DialectText)
		assert.Equal(t, "V\n", string(frame))
	})

	t.Run("参数以逗号拼接", func(t *testing.T) {
		frame := Encode(OpVendApprove, []byte("1"), DialectText)
		assert.Equal(t, "A,1\n", string(frame))
	})
}

func TestTextDecode(t *testing.T) {
	t.Run("版本行解析", func(t *testing.T) {
		resp := Decode([]byte("v,4.0.2.0,a1b2c3d4\n"), DialectText)
		assert.Equal(t, StatusAck, resp.Status)
		assert.Equal(t, OpExpansionRequest, resp.Opcode)
		assert.Equal(t, "4.0.2.0", resp.Version())
	})

	t.Run("售货请求行解析出金额和货道号", func(t *testing.T) {
		resp := Decode([]byte("q,150,2\n"), DialectText)
		assert.Equal(t, OpVendRequest, resp.Opcode)
		assert.Equal(t, int64(150), resp.Amount)
		assert.Equal(t, byte(2), resp.ItemNumber)
	})

	t.Run("错误行归为否认", func(t *testing.T) {
		resp := Decode([]byte("e,ERR\n"), DialectText)
		assert.Equal(t, StatusNack, resp.Status)
	})

	t.Run("空行归为超时", func(t *testing.T) {
		resp := Decode([]byte("\n"), DialectText)
		assert.Equal(t, StatusTimeout, resp.Status)
	})

	t.Run("乱码不会解出版本行", func(t *testing.T) {
		resp := Decode([]byte{0xFE, 0x80, 0x13, '\n'}, DialectText)
		assert.NotEqual(t, OpExpansionRequest, resp.Opcode)
	})

	t.Run("响应前缀区分大小写", func(t *testing.T) {
		resp := Decode([]byte("V,4.0.2.0\n"), DialectText)
		assert.Equal(t, OpUnknown, resp.Opcode)
	})
}
