package models

import (
	"time"
)

// 投售交易状态
const (
	VendStatusPending           = "pending"            // 发票已创建，等待支付
	VendStatusApproved          = "approved"           // 已批准并出货
	VendStatusDenied            = "denied"             // 已拒绝
	VendStatusDeliveryUncertain = "delivery_uncertain" // 已收款但出货结果未知，需人工对账
)

// 拒绝原因
const (
	VendReasonPaymentExpired   = "payment_expired"
	VendReasonPaymentCancelled = "payment_cancelled"
	VendReasonInvoiceFailed    = "invoice_failed"
	VendReasonAmountOutOfRange = "amount_out_of_range"
	VendReasonShutdown         = "shutdown"
	VendReasonBusy             = "busy"
)

// VendTransaction 投售交易记录表
type VendTransaction struct {
	BaseModel
	OrderNo    string `gorm:"uniqueIndex;size:64;not null" json:"order_no"`
	SessionID  string `gorm:"size:64;index;not null" json:"session_id"`
	ItemNumber int    `gorm:"not null" json:"item_number"`
	Amount     int64  `gorm:"not null" json:"amount"` // 分
	Currency   string `gorm:"size:10;default:'EUR'" json:"currency"`

	// 支付侧
	InvoiceID      string `gorm:"size:100;index" json:"invoice_id"`
	PaymentRequest string `gorm:"size:500" json:"payment_request,omitempty"`

	// 结果
	Status string `gorm:"size:30;default:'pending';index" json:"status"`
	Reason string `gorm:"size:100" json:"reason,omitempty"`

	// 传输环境
	Dialect  string `gorm:"size:10" json:"dialect"`
	BaudRate int    `json:"baud_rate"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TableName 指定表名
func (VendTransaction) TableName() string {
	return "vend_transactions"
}

// IsReconciliationNeeded 是否需要人工对账
func (t *VendTransaction) IsReconciliationNeeded() bool {
	return t.Status == VendStatusDeliveryUncertain
}
