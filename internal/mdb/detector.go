package mdb

import (
	"time"

	"go.uber.org/zap"

	apperrors "github.com/GianGuaz256/pow-vending-machine/internal/errors"
	"github.com/GianGuaz256/pow-vending-machine/internal/logger"
)

// 复位脉冲参数
const (
	resetHoldLow = 100 * time.Millisecond
	resetSettle  = 200 * time.Millisecond
)

// 各方言的探测命令。任一探测命令得到有效响应即判定档位可用。
var binaryProbes = []Opcode{OpSetup, OpPoll, OpReset, OpExpansionRequest}
var textProbes = []Opcode{OpExpansionRequest}

// Detector 传输档位探测器。按候选表顺序逐个尝试，
// 每个候选重开端口、复位外设、发探测命令，
// 第一个应答有效的档位胜出。
type Detector struct {
	device     string
	opener     PortOpener
	reset      ResetLine
	candidates []TransportProfile
	retryTimes int
	logger     *zap.Logger
}

// NewDetector 创建探测器
func NewDetector(device string, opener PortOpener, reset ResetLine, candidates []TransportProfile, retryTimes int) *Detector {
	if len(candidates) == 0 {
		candidates = DefaultCandidates()
	}
	return &Detector{
		device:     device,
		opener:     opener,
		reset:      reset,
		candidates: candidates,
		retryTimes: retryTimes,
		logger:     logger.GetLogger(),
	}
}

// Detect 执行探测，成功时返回绑定了胜出档位的会话。
// 候选表耗尽仍无响应时返回探测失败错误。
func (d *Detector) Detect() (*Session, error) {
	for i, profile := range d.candidates {
		d.logger.Info("尝试传输档位",
			zap.Int("candidate", i+1),
			zap.Int("total", len(d.candidates)),
			zap.String("profile", profile.String()))

		port, err := d.opener(d.device, profile.BaudRate, profile.InterByteTimeout)
		if err != nil {
			d.logger.Warn("打开端口失败，跳过该档位",
				zap.String("profile", profile.String()),
				zap.Error(err))
			continue
		}

		// 复位外设，保证从已知状态开始应答
		if err := Pulse(d.reset, resetHoldLow, resetSettle); err != nil {
			d.logger.Warn("复位外设失败", zap.Error(err))
		}

		reader := newPortReader(port)
		if resp := d.probe(port, reader, profile); resp != nil {
			d.logger.Info("传输档位探测成功",
				zap.String("profile", profile.String()),
				zap.String("opcode", string(resp.Opcode)),
				zap.String("version", resp.Version()))
			// 胜出档位的读取协程交给会话继续使用
			return newSessionWithReader(port, reader, profile, d.reset, d.retryTimes), nil
		}

		port.Close()
		reader.close()
	}

	return nil, apperrors.Newf(apperrors.ErrTransportDetection,
		"全部%d个传输档位均无响应", len(d.candidates))
}

// probe 在指定档位上发探测命令，返回第一个有效响应
func (d *Detector) probe(port Port, reader *portReader, profile TransportProfile) *Response {
	probes := binaryProbes
	if profile.Dialect == DialectText {
		probes = textProbes
	}

	for _, op := range probes {
		frame := Encode(op, nil, profile.Dialect)

		if err := port.Flush(); err != nil {
			d.logger.Debug("清空串口缓冲失败", zap.Error(err))
		}
		reader.drain()
		if _, err := port.Write(frame); err != nil {
			d.logger.Debug("探测命令写入失败",
				zap.String("opcode", string(op)),
				zap.Error(err))
			continue
		}

		raw := readResponse(reader, profile)
		resp := Decode(raw, profile.Dialect)

		d.logger.Debug("探测命令结果",
			zap.String("profile", profile.String()),
			zap.String("opcode", string(op)),
			zap.String("status", string(resp.Status)))

		// 文本方言要求能解析出版本行，避免把错误波特率下的
		// 乱码当成应答
		if profile.Dialect == DialectText {
			if resp.Status == StatusAck && resp.Opcode == OpExpansionRequest {
				return resp
			}
			continue
		}

		if resp.Status == StatusAck {
			return resp
		}
	}

	return nil
}
