package vend

import (
	"time"
)

// State 交易状态机状态
type State string

const (
	StateIdle            State = "idle"
	StateAwaitingInvoice State = "awaiting_invoice"
	StateAwaitingPayment State = "awaiting_payment"
	StateApproving       State = "approving"
	StateDenying         State = "denying"
)

// Session 一次投售会话。从外设上报投售请求开始，
// 到批准或拒绝的串口命令发出为止。
type Session struct {
	ID         string    `json:"id"`
	OrderNo    string    `json:"order_no"`
	ItemNumber int       `json:"item_number"`
	Amount     int64     `json:"amount"` // 分
	Currency   string    `json:"currency"`
	StartedAt  time.Time `json:"started_at"`
	Deadline   time.Time `json:"deadline"`

	InvoiceID      string `json:"invoice_id,omitempty"`
	PaymentRequest string `json:"payment_request,omitempty"`
}

// RemainingSeconds 距支付截止还剩多少秒
func (s *Session) RemainingSeconds() int {
	remaining := int(time.Until(s.Deadline).Seconds())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// 终局结论
type outcome string

const (
	outcomeApprove outcome = "approve"
	outcomeDeny    outcome = "deny"
)

// decision 支付协程对一次会话的结论
type decision struct {
	sessionID string
	outcome   outcome
	reason    string
}

// Status 状态机快照，供状态API查询
type Status struct {
	State          State    `json:"state"`
	Session        *Session `json:"session,omitempty"`
	Profile        string   `json:"profile,omitempty"`
	BusHealthy     bool     `json:"bus_healthy"`
	TotalVends     int64    `json:"total_vends"`
	TotalDenied    int64    `json:"total_denied"`
	TotalUncertain int64    `json:"total_uncertain"`
}
