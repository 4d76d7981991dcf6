package mdb

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tarm/serial"
	"go.uber.org/zap"

	apperrors "github.com/GianGuaz256/pow-vending-machine/internal/errors"
	"github.com/GianGuaz256/pow-vending-machine/internal/logger"
)

// Port 串口抽象，测试和模拟模式替换为内存实现
type Port interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Flush() error
	Close() error
}

// PortOpener 按波特率打开设备。探测器每换一个候选档位重开一次。
type PortOpener func(device string, baudRate int, readTimeout time.Duration) (Port, error)

// OpenSerialPort 默认实现，基于tarm/serial
func OpenSerialPort(device string, baudRate int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{
		Name:        device,
		Baud:        baudRate,
		ReadTimeout: readTimeout,
	}

	port, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrSerialPortOpen,
			"打开串口失败: %s@%d", device, baudRate)
	}
	return port, nil
}

// 自动扫描时依次尝试的设备模式
var devicePatterns = []string{
	"/dev/ttyACM*",
	"/dev/ttyUSB*",
	"/dev/ttyAMA*",
	"/dev/serial0",
}

// FindDevice 解析设备路径。配置为"auto"时扫描常见适配器节点，
// 返回找到的第一个。
func FindDevice(configured string) (string, error) {
	if configured != "" && configured != "auto" {
		return configured, nil
	}

	log := logger.GetLogger()
	for _, pattern := range devicePatterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, m := range matches {
			if _, err := os.Stat(m); err == nil {
				log.Info("自动发现串口设备", zap.String("device", m))
				return m, nil
			}
		}
	}

	return "", apperrors.New(apperrors.ErrSerialPortOpen, "未找到串口设备")
}

// ResetLine 复位线抽象。高电平为正常运行，低电平复位外设。
type ResetLine interface {
	Set(high bool) error
	Close() error
}

// Pulse 拉低复位线并恢复，让外设重新上电初始化
func Pulse(line ResetLine, holdLow, settleAfter time.Duration) error {
	if err := line.Set(false); err != nil {
		return err
	}
	time.Sleep(holdLow)
	if err := line.Set(true); err != nil {
		return err
	}
	time.Sleep(settleAfter)
	return nil
}

// SysfsResetLine 通过sysfs GPIO控制复位线
type SysfsResetLine struct {
	pin     int
	baseDir string
	logger  *zap.Logger
}

// NewSysfsResetLine 导出并配置GPIO引脚为输出、初始高电平
func NewSysfsResetLine(pin int) (*SysfsResetLine, error) {
	line := &SysfsResetLine{
		pin:     pin,
		baseDir: "/sys/class/gpio",
		logger:  logger.GetLogger(),
	}

	pinDir := fmt.Sprintf("%s/gpio%d", line.baseDir, pin)
	if _, err := os.Stat(pinDir); os.IsNotExist(err) {
		exportPath := line.baseDir + "/export"
		if err := os.WriteFile(exportPath, []byte(fmt.Sprintf("%d", pin)), 0644); err != nil {
			return nil, apperrors.Wrapf(err, apperrors.ErrResetLine, "导出GPIO %d失败", pin)
		}
		// sysfs节点创建有延迟
		time.Sleep(100 * time.Millisecond)
	}

	directionPath := fmt.Sprintf("%s/direction", pinDir)
	if err := os.WriteFile(directionPath, []byte("out"), 0644); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrResetLine, "设置GPIO %d方向失败", pin)
	}

	if err := line.Set(true); err != nil {
		return nil, err
	}

	line.logger.Info("复位线初始化完成", zap.Int("pin", pin))
	return line, nil
}

// Set 写电平
func (l *SysfsResetLine) Set(high bool) error {
	value := "0"
	if high {
		value = "1"
	}
	valuePath := fmt.Sprintf("%s/gpio%d/value", l.baseDir, l.pin)
	if err := os.WriteFile(valuePath, []byte(value), 0644); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrResetLine, "写GPIO %d电平失败", l.pin)
	}
	return nil
}

// Close 释放引脚，保持高电平退出
func (l *SysfsResetLine) Close() error {
	if err := l.Set(true); err != nil {
		l.logger.Warn("退出时恢复复位线失败", zap.Error(err))
	}
	unexportPath := l.baseDir + "/unexport"
	return os.WriteFile(unexportPath, []byte(fmt.Sprintf("%d", l.pin)), 0644)
}

// NoopResetLine 无复位线硬件时的空实现
type NoopResetLine struct{}

func (NoopResetLine) Set(bool) error { return nil }
func (NoopResetLine) Close() error   { return nil }
