package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/GianGuaz256/pow-vending-machine/internal/errors"
	"github.com/GianGuaz256/pow-vending-machine/internal/logger"
)

// MockGateway 模拟支付网关，用于mock_mode运行和测试。
// 默认行为：发票创建即pending，查询若干次后自动结清。
type MockGateway struct {
	mu       sync.Mutex
	invoices map[string]*mockInvoice
	logger   *zap.Logger

	// SettleAfterPolls 查询多少次后自动转为已支付，
	// <0 表示永不自动结清
	SettleAfterPolls int

	// 故障注入
	failCreate  bool
	failStatus  int // 接下来多少次状态查询返回错误
	createCalls int
	cancelCalls []string
}

type mockInvoice struct {
	invoice *Invoice
	polls   int
}

// NewMockGateway 创建模拟网关
func NewMockGateway() *MockGateway {
	return &MockGateway{
		invoices:         make(map[string]*mockInvoice),
		logger:           logger.GetLogger(),
		SettleAfterPolls: 2,
	}
}

// FailCreate 控制发票创建是否失败
func (g *MockGateway) FailCreate(fail bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failCreate = fail
}

// FailNextStatusPolls 接下来n次状态查询返回网关错误
func (g *MockGateway) FailNextStatusPolls(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failStatus = n
}

// MarkPaid 手动将发票置为已支付
func (g *MockGateway) MarkPaid(invoiceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if entry, ok := g.invoices[invoiceID]; ok {
		entry.invoice.Status = StatusPaid
	}
}

// MarkExpired 手动将发票置为已过期
func (g *MockGateway) MarkExpired(invoiceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if entry, ok := g.invoices[invoiceID]; ok {
		entry.invoice.Status = StatusExpired
	}
}

// CreateCalls 发票创建调用次数
func (g *MockGateway) CreateCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.createCalls
}

// CancelledInvoices 被取消的发票ID列表
func (g *MockGateway) CancelledInvoices() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.cancelCalls))
	copy(out, g.cancelCalls)
	return out
}

// CreateInvoice 创建模拟发票
func (g *MockGateway) CreateInvoice(ctx context.Context, amount int64, currency, description string) (*Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.createCalls++
	if g.failCreate {
		return nil, apperrors.New(apperrors.ErrGatewayUnavailable, "模拟网关不可用")
	}
	if amount <= 0 {
		return nil, apperrors.Newf(apperrors.ErrInvalidAmount, "无效金额: %d", amount)
	}

	id := uuid.New().String()
	invoice := &Invoice{
		ID:             id,
		Amount:         amount,
		Currency:       currency,
		PaymentRequest: fmt.Sprintf("lnbc-mock-%s", id[:8]),
		Status:         StatusPending,
		CreatedAt:      time.Now(),
	}
	g.invoices[id] = &mockInvoice{invoice: invoice}

	g.logger.Info("模拟发票已创建",
		zap.String("invoice_id", id),
		zap.Int64("amount", amount),
		zap.String("currency", currency))

	return invoice, nil
}

// GetInvoiceStatus 查询模拟发票状态
func (g *MockGateway) GetInvoiceStatus(ctx context.Context, invoiceID string) (InvoiceStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failStatus > 0 {
		g.failStatus--
		return "", apperrors.New(apperrors.ErrGatewayUnavailable, "模拟网关查询失败")
	}

	entry, ok := g.invoices[invoiceID]
	if !ok {
		return "", apperrors.Newf(apperrors.ErrInvoiceNotFound, "发票不存在: %s", invoiceID)
	}

	entry.polls++
	if entry.invoice.Status == StatusPending &&
		g.SettleAfterPolls >= 0 && entry.polls > g.SettleAfterPolls {
		entry.invoice.Status = StatusPaid
	}

	return entry.invoice.Status, nil
}

// CancelInvoice 取消模拟发票
func (g *MockGateway) CancelInvoice(ctx context.Context, invoiceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.cancelCalls = append(g.cancelCalls, invoiceID)
	if entry, ok := g.invoices[invoiceID]; ok {
		if !entry.invoice.Status.IsTerminal() {
			entry.invoice.Status = StatusCancelled
		}
	}
}

// CheckConnection 模拟网关始终在线
func (g *MockGateway) CheckConnection(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failCreate {
		return apperrors.New(apperrors.ErrGatewayUnavailable, "模拟网关不可用")
	}
	return nil
}
