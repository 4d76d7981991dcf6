package mdb

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/GianGuaz256/pow-vending-machine/internal/errors"
)

// deadPort 任何读取都不返回数据的端口
type deadPort struct{}

func (deadPort) Write(p []byte) (int, error) { return len(p), nil }
func (deadPort) Read(p []byte) (int, error)  { return 0, nil }
func (deadPort) Flush() error                { return nil }
func (deadPort) Close() error                { return nil }

func fastCandidates() []TransportProfile {
	return []TransportProfile{
		{Dialect: DialectBinary, BaudRate: 9600, CommandTimeout: 30 * time.Millisecond, InterByteTimeout: 5 * time.Millisecond},
		{Dialect: DialectBinary, BaudRate: 19200, CommandTimeout: 30 * time.Millisecond, InterByteTimeout: 5 * time.Millisecond},
		{Dialect: DialectText, BaudRate: 115200, CommandTimeout: 30 * time.Millisecond, InterByteTimeout: 5 * time.Millisecond},
	}
}

func TestDetectorSelectsResponder(t *testing.T) {
	t.Run("前两个档位无响应时选中第三个文本档位", func(t *testing.T) {
		candidates := fastCandidates()
		openCount := 0

		opener := func(device string, baud int, readTimeout time.Duration) (Port, error) {
			openCount++
			// 只有115200文本档位下外设应答
			if baud == 115200 {
				return NewMockPort(DialectText), nil
			}
			return deadPort{}, nil
		}

		detector := NewDetector("/dev/ttyACM0", opener, NoopResetLine{}, candidates, 3)
		session, err := detector.Detect()
		require.NoError(t, err)
		defer session.Close()

		assert.Equal(t, 3, openCount)
		assert.Equal(t, DialectText, session.Profile().Dialect)
		assert.Equal(t, 115200, session.Profile().BaudRate)
	})

	t.Run("探测成功后的会话立即可用", func(t *testing.T) {
		port := NewMockPort(DialectText)
		opener := func(device string, baud int, readTimeout time.Duration) (Port, error) {
			return port, nil
		}
		candidates := []TransportProfile{
			{Dialect: DialectText, BaudRate: 115200, CommandTimeout: 30 * time.Millisecond, InterByteTimeout: 5 * time.Millisecond},
		}

		detector := NewDetector("/dev/ttyACM0", opener, NoopResetLine{}, candidates, 3)
		session, err := detector.Detect()
		require.NoError(t, err)

		resp, err := session.Send(OpPoll, nil)
		require.NoError(t, err)
		assert.Equal(t, StatusAck, resp.Status)
	})
}

func TestDetectorExhaustion(t *testing.T) {
	t.Run("候选表耗尽返回探测失败", func(t *testing.T) {
		opener := func(device string, baud int, readTimeout time.Duration) (Port, error) {
			return deadPort{}, nil
		}

		detector := NewDetector("/dev/ttyACM0", opener, NoopResetLine{}, fastCandidates(), 3)
		session, err := detector.Detect()

		assert.Nil(t, session)
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrTransportDetection))
	})

	t.Run("端口打开失败跳过该档位继续探测", func(t *testing.T) {
		opener := func(device string, baud int, readTimeout time.Duration) (Port, error) {
			if baud != 115200 {
				return nil, fmt.Errorf("device busy")
			}
			return NewMockPort(DialectText), nil
		}

		detector := NewDetector("/dev/ttyACM0", opener, NoopResetLine{}, fastCandidates(), 3)
		session, err := detector.Detect()
		require.NoError(t, err)
		assert.Equal(t, 115200, session.Profile().BaudRate)
	})
}

func TestDetectorRejectsGarbage(t *testing.T) {
	t.Run("文本档位下的乱码不会当成有效应答", func(t *testing.T) {
		// 错误波特率下读到的随机字节
		opener := func(device string, baud int, readTimeout time.Duration) (Port, error) {
			return &garbagePort{}, nil
		}
		candidates := []TransportProfile{
			{Dialect: DialectText, BaudRate: 115200, CommandTimeout: 30 * time.Millisecond, InterByteTimeout: 5 * time.Millisecond},
		}

		detector := NewDetector("/dev/ttyACM0", opener, NoopResetLine{}, candidates, 3)
		session, err := detector.Detect()

		assert.Nil(t, session)
		assert.Error(t, err)
	})
}

// garbagePort 每次读取返回固定乱码
type garbagePort struct{ reads int }

func (g *garbagePort) Write(p []byte) (int, error) { return len(p), nil }
func (g *garbagePort) Read(p []byte) (int, error) {
	g.reads++
	if g.reads > 1 {
		return 0, nil
	}
	return copy(p, []byte{0xFE, 0x80, 0x13, '\n'}), nil
}
func (g *garbagePort) Flush() error { return nil }
func (g *garbagePort) Close() error { return nil }
