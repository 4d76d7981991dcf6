package display

import (
	"go.uber.org/zap"

	"github.com/GianGuaz256/pow-vending-machine/internal/logger"
)

// Notification 推送给买家显示屏的内容
type Notification struct {
	State            string `json:"state"`
	Amount           int64  `json:"amount,omitempty"`
	Currency         string `json:"currency,omitempty"`
	PaymentRequest   string `json:"payment_request,omitempty"`
	RemainingSeconds int    `json:"remaining_seconds,omitempty"`
	Message          string `json:"message,omitempty"`
}

// Notifier 显示屏抽象。状态机在每次状态变化时调用，
// 推送失败不影响交易流程。
type Notifier interface {
	Notify(n Notification)
}

// LogNotifier 仅写日志的显示屏实现，无外接屏幕时使用
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier 创建日志显示屏
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: logger.GetLogger()}
}

func (n *LogNotifier) Notify(notification Notification) {
	n.logger.Info("显示屏更新",
		zap.String("state", notification.State),
		zap.Int64("amount", notification.Amount),
		zap.String("payment_request", notification.PaymentRequest),
		zap.Int("remaining_seconds", notification.RemainingSeconds))
}

// MultiNotifier 广播到多个显示通道
type MultiNotifier struct {
	targets []Notifier
}

// NewMultiNotifier 组合多个显示通道
func NewMultiNotifier(targets ...Notifier) *MultiNotifier {
	return &MultiNotifier{targets: targets}
}

func (m *MultiNotifier) Notify(n Notification) {
	for _, t := range m.targets {
		t.Notify(n)
	}
}
