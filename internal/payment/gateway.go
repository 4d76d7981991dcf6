package payment

import (
	"context"
	"time"
)

// InvoiceStatus 发票状态。网关侧的细分状态统一收敛为四种。
type InvoiceStatus string

const (
	StatusPending   InvoiceStatus = "pending"
	StatusPaid      InvoiceStatus = "paid"
	StatusExpired   InvoiceStatus = "expired"
	StatusCancelled InvoiceStatus = "cancelled"
)

// IsTerminal 状态是否不会再变化
func (s InvoiceStatus) IsTerminal() bool {
	return s == StatusPaid || s == StatusExpired || s == StatusCancelled
}

// Invoice 支付发票
type Invoice struct {
	ID             string        `json:"id"`
	Amount         int64         `json:"amount"` // 最小货币单位（分）
	Currency       string        `json:"currency"`
	PaymentRequest string        `json:"payment_request"` // 展示给买家的支付串
	Status         InvoiceStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Gateway 支付网关。交易控制器只通过该接口接触支付侧，
// 具体网关适配器由部署方注入。
type Gateway interface {
	// CreateInvoice 为一次投售创建发票
	CreateInvoice(ctx context.Context, amount int64, currency, description string) (*Invoice, error)

	// GetInvoiceStatus 查询发票当前状态
	GetInvoiceStatus(ctx context.Context, invoiceID string) (InvoiceStatus, error)

	// CancelInvoice 尽力取消发票。取消失败只记录不报错，
	// 发票最终会自行过期。
	CancelInvoice(ctx context.Context, invoiceID string)

	// CheckConnection 启动时的连通性检查
	CheckConnection(ctx context.Context) error
}
