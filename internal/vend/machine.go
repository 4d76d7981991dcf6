package vend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GianGuaz256/pow-vending-machine/internal/display"
	apperrors "github.com/GianGuaz256/pow-vending-machine/internal/errors"
	"github.com/GianGuaz256/pow-vending-machine/internal/logger"
	"github.com/GianGuaz256/pow-vending-machine/internal/mdb"
	"github.com/GianGuaz256/pow-vending-machine/internal/models"
	"github.com/GianGuaz256/pow-vending-machine/internal/payment"
	"github.com/GianGuaz256/pow-vending-machine/internal/repository"
)

// Options 状态机参数
type Options struct {
	PollInterval        time.Duration // 总线轮询间隔
	InvoicePollInterval time.Duration // 发票状态查询间隔
	TransactionTimeout  time.Duration // 支付窗口
	GatewayRetryTimes   int           // 发票查询瞬态错误容忍次数
	Currency            string
	MinAmount           int64
	MaxAmount           int64
}

func (o *Options) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.InvoicePollInterval <= 0 {
		o.InvoicePollInterval = 2 * time.Second
	}
	if o.TransactionTimeout <= 0 {
		o.TransactionTimeout = 5 * time.Minute
	}
	if o.GatewayRetryTimes <= 0 {
		o.GatewayRetryTimes = 3
	}
	if o.Currency == "" {
		o.Currency = "EUR"
	}
}

// Machine 投售交易状态机。单协程驱动总线轮询和串口命令，
// 每个会话的支付流程在独立协程中跟进，结论通过通道送回
// 主循环执行，保证串口上同一时刻只有一条命令在途。
type Machine struct {
	bus      mdb.Bus
	gateway  payment.Gateway
	notifier display.Notifier
	txRepo   repository.VendTransactionRepository
	opts     Options

	mu             sync.RWMutex
	state          State
	current        *Session
	cancelPay      context.CancelFunc
	totalVends     int64
	totalDenied    int64
	totalUncertain int64

	decisionCh chan decision
	logger     *zap.Logger
}

// NewMachine 创建状态机。txRepo可为nil（无持久化运行）。
func NewMachine(bus mdb.Bus, gateway payment.Gateway, notifier display.Notifier,
	txRepo repository.VendTransactionRepository, opts Options) *Machine {
	opts.applyDefaults()
	if notifier == nil {
		notifier = display.NewLogNotifier()
	}
	return &Machine{
		bus:        bus,
		gateway:    gateway,
		notifier:   notifier,
		txRepo:     txRepo,
		opts:       opts,
		state:      StateIdle,
		decisionCh: make(chan decision, 1),
		logger:     logger.GetLogger(),
	}
}

// Run 驱动状态机直到上下文取消或总线会话失败。
// 总线会话失败时返回错误，由调用方重新探测后再启动。
func (m *Machine) Run(ctx context.Context) error {
	m.logger.Info("交易状态机启动",
		zap.String("profile", m.bus.Profile().String()),
		zap.Duration("poll_interval", m.opts.PollInterval))

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil

		case d := <-m.decisionCh:
			if err := m.finish(d); err != nil {
				return err
			}

		case <-ticker.C:
			if err := m.poll(ctx); err != nil {
				return err
			}
		}
	}
}

// poll 轮询总线一次，处理上报的投售请求
func (m *Machine) poll(ctx context.Context) error {
	resp, err := m.bus.Send(mdb.OpPoll, nil)
	if err != nil {
		m.logger.Error("总线轮询失败", zap.Error(err))
		return err
	}

	if resp.Opcode != mdb.OpVendRequest {
		return nil
	}

	m.mu.RLock()
	busy := m.current != nil
	m.mu.RUnlock()

	if busy {
		// 外设在被应答前会在每次轮询重复上报同一请求，
		// 忽略即可。会话进行中绝不能发拒绝命令，
		// 否则会终止正在支付的买家会话。
		m.logger.Debug("会话进行中收到投售请求，忽略",
			zap.Int64("amount", resp.Amount),
			zap.Uint8("item", resp.ItemNumber),
			zap.String("reason", models.VendReasonBusy))
		return nil
	}

	return m.startSession(ctx, resp)
}

// startSession 受理投售请求
func (m *Machine) startSession(ctx context.Context, resp *mdb.Response) error {
	now := time.Now()
	session := &Session{
		ID:         uuid.New().String(),
		OrderNo:    uuid.New().String(),
		ItemNumber: int(resp.ItemNumber),
		Amount:     resp.Amount,
		Currency:   m.opts.Currency,
		StartedAt:  now,
		Deadline:   now.Add(m.opts.TransactionTimeout),
	}

	logger.LogVendEvent("vend_request", session.ID,
		zap.Int64("amount", session.Amount),
		zap.Int("item", session.ItemNumber))

	// 售价超出配置范围的直接拒绝，不触碰支付网关
	if session.Amount < m.opts.MinAmount || session.Amount > m.opts.MaxAmount {
		m.logger.Warn("售价超出允许范围",
			zap.Int64("amount", session.Amount),
			zap.Int64("min", m.opts.MinAmount),
			zap.Int64("max", m.opts.MaxAmount))

		m.setCurrent(session, nil)
		return m.finish(decision{
			sessionID: session.ID,
			outcome:   outcomeDeny,
			reason:    models.VendReasonAmountOutOfRange,
		})
	}

	payCtx, cancel := context.WithDeadline(ctx, session.Deadline.Add(10*time.Second))
	m.setCurrent(session, cancel)
	m.transition(StateAwaitingInvoice, session)

	go m.runPayment(payCtx, session)
	return nil
}

// runPayment 跟进一次会话的发票生命周期，结论写入decisionCh
func (m *Machine) runPayment(ctx context.Context, session *Session) {
	description := fmt.Sprintf("货道%d 订单%s", session.ItemNumber, session.OrderNo[:8])
	invoice, err := m.gateway.CreateInvoice(ctx, session.Amount, session.Currency, description)
	if err != nil {
		logger.LogInvoiceEvent("create_failed", "", string(payment.StatusPending))
		m.logger.Error("创建发票失败", zap.Error(err))
		m.submit(decision{sessionID: session.ID, outcome: outcomeDeny, reason: models.VendReasonInvoiceFailed})
		return
	}

	m.mu.Lock()
	session.InvoiceID = invoice.ID
	session.PaymentRequest = invoice.PaymentRequest
	m.mu.Unlock()

	logger.LogInvoiceEvent("created", invoice.ID, string(invoice.Status))
	m.transition(StateAwaitingPayment, session)

	ticker := time.NewTicker(m.opts.InvoicePollInterval)
	defer ticker.Stop()

	transientFailures := 0
	cancelled := false

	for {
		select {
		case <-ctx.Done():
			reason := models.VendReasonShutdown
			if time.Now().After(session.Deadline) {
				reason = models.VendReasonPaymentExpired
			}
			m.cancelInvoiceOnce(ctx, invoice.ID, &cancelled)
			m.submit(decision{sessionID: session.ID, outcome: outcomeDeny, reason: reason})
			return

		case <-ticker.C:
			status, err := m.gateway.GetInvoiceStatus(ctx, invoice.ID)
			if err != nil {
				transientFailures++
				m.logger.Warn("发票状态查询失败",
					zap.String("invoice_id", invoice.ID),
					zap.Int("failures", transientFailures),
					zap.Error(err))
				if transientFailures >= m.opts.GatewayRetryTimes {
					m.cancelInvoiceOnce(ctx, invoice.ID, &cancelled)
					m.submit(decision{sessionID: session.ID, outcome: outcomeDeny, reason: models.VendReasonPaymentExpired})
					return
				}
				continue
			}
			transientFailures = 0

			logger.LogInvoiceEvent("polled", invoice.ID, string(status))

			// 先判支付结果再判截止时间：已收款的交易
			// 即便压线到账也必须出货
			switch status {
			case payment.StatusPaid:
				m.submit(decision{sessionID: session.ID, outcome: outcomeApprove})
				return
			case payment.StatusExpired:
				m.submit(decision{sessionID: session.ID, outcome: outcomeDeny, reason: models.VendReasonPaymentExpired})
				return
			case payment.StatusCancelled:
				m.submit(decision{sessionID: session.ID, outcome: outcomeDeny, reason: models.VendReasonPaymentCancelled})
				return
			}

			if time.Now().After(session.Deadline) {
				m.cancelInvoiceOnce(ctx, invoice.ID, &cancelled)
				m.submit(decision{sessionID: session.ID, outcome: outcomeDeny, reason: models.VendReasonPaymentExpired})
				return
			}

			m.notify(StateAwaitingPayment, session)
		}
	}
}

// cancelInvoiceOnce 尽力取消发票，同一会话只取消一次
func (m *Machine) cancelInvoiceOnce(ctx context.Context, invoiceID string, done *bool) {
	if *done {
		return
	}
	*done = true
	// 父上下文可能已取消，取消动作给独立的短超时
	cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.gateway.CancelInvoice(cancelCtx, invoiceID)
	logger.LogInvoiceEvent("cancelled", invoiceID, string(payment.StatusCancelled))
}

// submit 把支付结论送回主循环
func (m *Machine) submit(d decision) {
	select {
	case m.decisionCh <- d:
	default:
		m.logger.Warn("结论通道已满，丢弃过期结论",
			zap.String("session_id", d.sessionID))
	}
}

// finish 在主循环中执行终局串口命令并落库
func (m *Machine) finish(d decision) error {
	m.mu.RLock()
	session := m.current
	m.mu.RUnlock()

	if session == nil || session.ID != d.sessionID {
		// 过期结论（会话已被关停流程处理）
		return nil
	}

	op := mdb.OpVendDeny
	finalState := StateDenying
	status := models.VendStatusDenied
	if d.outcome == outcomeApprove {
		op = mdb.OpVendApprove
		finalState = StateApproving
		status = models.VendStatusApproved
	}

	m.transition(finalState, session)

	_, cmdErr := m.bus.Send(op, nil)
	if cmdErr == nil {
		_, cmdErr = m.bus.Send(mdb.OpSessionComplete, nil)
	}

	if cmdErr != nil {
		// 终局命令失败：外设是否收到指令未知，批准路径上
		// 钱可能已收、货未必出，拒绝路径上外设可能仍在等待
		// 应答。两种情况都标记为待对账而不是简单判终态。
		status = models.VendStatusDeliveryUncertain
		if d.outcome == outcomeApprove {
			d.reason = ""
			m.logger.Error("批准命令未送达，出货结果未知，转人工对账",
				zap.String("session_id", session.ID),
				zap.String("invoice_id", session.InvoiceID),
				zap.Error(cmdErr))
		} else {
			m.logger.Error("拒绝命令未送达，会话终态未知，转人工对账",
				zap.String("session_id", session.ID),
				zap.String("reason", d.reason),
				zap.Error(cmdErr))
		}
	}

	m.record(session, status, d.reason)
	m.closeSession(status)

	logger.LogVendEvent("vend_"+status, session.ID,
		zap.String("reason", d.reason),
		zap.String("invoice_id", session.InvoiceID))

	// 串口层失败向上冒泡，触发重新探测
	if cmdErr != nil && apperrors.Is(cmdErr, apperrors.ErrSessionFatal) {
		return cmdErr
	}
	return nil
}

// shutdown 关停时拒绝在途会话，不留悬挂状态
func (m *Machine) shutdown() {
	m.mu.Lock()
	session := m.current
	cancel := m.cancelPay
	m.mu.Unlock()

	if session == nil {
		m.logger.Info("交易状态机已停止")
		return
	}

	m.logger.Warn("关停时存在进行中的会话，执行拒绝",
		zap.String("session_id", session.ID))

	if cancel != nil {
		// 支付协程经由ctx.Done分支自行取消发票
		cancel()
	}

	m.transition(StateDenying, session)
	if _, err := m.bus.Send(mdb.OpVendDeny, nil); err == nil {
		m.bus.Send(mdb.OpSessionComplete, nil)
	}

	m.record(session, models.VendStatusDenied, models.VendReasonShutdown)
	m.closeSession(models.VendStatusDenied)
	m.logger.Info("交易状态机已停止")
}

// record 写交易流水，失败只记日志不阻断交易
func (m *Machine) record(session *Session, status, reason string) {
	if m.txRepo == nil {
		return
	}

	tx := &models.VendTransaction{
		OrderNo:        session.OrderNo,
		SessionID:      session.ID,
		ItemNumber:     session.ItemNumber,
		Amount:         session.Amount,
		Currency:       session.Currency,
		InvoiceID:      session.InvoiceID,
		PaymentRequest: session.PaymentRequest,
		Dialect:        string(m.bus.Profile().Dialect),
		BaudRate:       m.bus.Profile().BaudRate,
	}
	repository.MarkCompleted(tx, status, reason)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.txRepo.Create(ctx, tx); err != nil {
		m.logger.Error("交易流水写入失败",
			zap.String("order_no", tx.OrderNo),
			zap.Error(err))
	}
}

// setCurrent 绑定当前会话
func (m *Machine) setCurrent(session *Session, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = session
	m.cancelPay = cancel
}

// closeSession 清理会话并回到空闲态
func (m *Machine) closeSession(status string) {
	m.mu.Lock()
	if m.cancelPay != nil {
		m.cancelPay()
		m.cancelPay = nil
	}
	m.current = nil
	m.state = StateIdle
	switch status {
	case models.VendStatusApproved:
		m.totalVends++
	case models.VendStatusDeliveryUncertain:
		m.totalUncertain++
	default:
		m.totalDenied++
	}
	m.mu.Unlock()

	m.notifier.Notify(display.Notification{State: string(StateIdle)})
}

// transition 切换状态并推送显示
func (m *Machine) transition(to State, session *Session) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.mu.Unlock()

	if from != to {
		logger.LogStateChange(string(from), string(to), session.ID)
	}
	m.notify(to, session)
}

// notify 推送当前会话内容到显示屏
func (m *Machine) notify(state State, session *Session) {
	n := display.Notification{State: string(state)}
	if session != nil {
		n.Amount = session.Amount
		n.Currency = session.Currency
		n.PaymentRequest = session.PaymentRequest
		n.RemainingSeconds = session.RemainingSeconds()
	}
	m.notifier.Notify(n)
}

// State 当前状态
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Snapshot 状态快照
func (m *Machine) Snapshot() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := Status{
		State:          m.state,
		Profile:        m.bus.Profile().String(),
		BusHealthy:     !m.bus.Broken(),
		TotalVends:     m.totalVends,
		TotalDenied:    m.totalDenied,
		TotalUncertain: m.totalUncertain,
	}
	if m.current != nil {
		copySession := *m.current
		status.Session = &copySession
	}
	return status
}
