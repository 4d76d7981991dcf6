package vend

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/GianGuaz256/pow-vending-machine/internal/errors"
	"github.com/GianGuaz256/pow-vending-machine/internal/mdb"
	"github.com/GianGuaz256/pow-vending-machine/internal/models"
	"github.com/GianGuaz256/pow-vending-machine/internal/payment"
	"github.com/GianGuaz256/pow-vending-machine/internal/repository"
)

func fastOptions() Options {
	return Options{
		PollInterval:        5 * time.Millisecond,
		InvoicePollInterval: 5 * time.Millisecond,
		TransactionTimeout:  300 * time.Millisecond,
		GatewayRetryTimes:   3,
		Currency:            "EUR",
		MinAmount:           50,
		MaxAmount:           10000,
	}
}

func testBus(t *testing.T, port *mdb.MockPort) *mdb.Session {
	t.Helper()
	profile := mdb.TransportProfile{
		Dialect:          mdb.DialectText,
		BaudRate:         115200,
		CommandTimeout:   30 * time.Millisecond,
		InterByteTimeout: 5 * time.Millisecond,
	}
	return mdb.NewSession(port, profile, mdb.NoopResetLine{}, 3)
}

// waitFor 轮询等待条件成立
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func sentOpcodes(port *mdb.MockPort) []mdb.Opcode {
	var ops []mdb.Opcode
	for _, frame := range port.Writes() {
		ops = append(ops, mdb.Decode(frame, mdb.DialectText).Opcode)
	}
	return ops
}

func countOpcode(port *mdb.MockPort, op mdb.Opcode) int {
	n := 0
	for _, sent := range sentOpcodes(port) {
		if sent == op {
			n++
		}
	}
	return n
}

func TestMachineApprovesPaidVend(t *testing.T) {
	port := mdb.NewMockPort(mdb.DialectText)
	bus := testBus(t, port)
	gateway := payment.NewMockGateway()
	gateway.SettleAfterPolls = 1
	repo := repository.NewVendTransactionRepository(repository.SetupTestDB())

	machine := NewMachine(bus, gateway, nil, repo, fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- machine.Run(ctx) }()

	port.InjectVendRequest(250, 3)

	ok := waitFor(t, 2*time.Second, func() bool {
		count, _ := repo.CountByStatus(context.Background(), models.VendStatusApproved)
		return count == 1
	})
	require.True(t, ok, "交易未在预期时间内完成")

	// 终局命令顺序：批准后结束会话
	assert.Equal(t, 1, countOpcode(port, mdb.OpVendApprove))
	assert.Equal(t, 1, countOpcode(port, mdb.OpSessionComplete))
	assert.Zero(t, countOpcode(port, mdb.OpVendDeny))

	tx, err := repo.List(context.Background(), repository.NewPagination(1, 1))
	require.NoError(t, err)
	require.Len(t, tx, 1)
	assert.Equal(t, int64(250), tx[0].Amount)
	assert.Equal(t, 3, tx[0].ItemNumber)
	assert.NotEmpty(t, tx[0].InvoiceID)
	assert.NotNil(t, tx[0].CompletedAt)
	assert.Equal(t, "text", tx[0].Dialect)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StateIdle, machine.State())
}

func TestMachineDeniesExpiredPayment(t *testing.T) {
	port := mdb.NewMockPort(mdb.DialectText)
	bus := testBus(t, port)
	gateway := payment.NewMockGateway()
	gateway.SettleAfterPolls = -1 // 永不支付
	repo := repository.NewVendTransactionRepository(repository.SetupTestDB())

	opts := fastOptions()
	opts.TransactionTimeout = 50 * time.Millisecond
	machine := NewMachine(bus, gateway, nil, repo, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go machine.Run(ctx)

	port.InjectVendRequest(250, 1)

	ok := waitFor(t, 2*time.Second, func() bool {
		count, _ := repo.CountByStatus(context.Background(), models.VendStatusDenied)
		return count == 1
	})
	require.True(t, ok)

	assert.Equal(t, 1, countOpcode(port, mdb.OpVendDeny))
	assert.Equal(t, 1, countOpcode(port, mdb.OpSessionComplete))
	assert.Zero(t, countOpcode(port, mdb.OpVendApprove))

	// 超时路径必须尽力取消发票，且只取消一次
	assert.Len(t, gateway.CancelledInvoices(), 1)

	tx, err := repo.List(context.Background(), repository.NewPagination(1, 1))
	require.NoError(t, err)
	assert.Equal(t, models.VendReasonPaymentExpired, tx[0].Reason)
}

func TestMachineRejectsOutOfRangeAmount(t *testing.T) {
	port := mdb.NewMockPort(mdb.DialectText)
	bus := testBus(t, port)
	gateway := payment.NewMockGateway()
	repo := repository.NewVendTransactionRepository(repository.SetupTestDB())

	machine := NewMachine(bus, gateway, nil, repo, fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go machine.Run(ctx)

	// 超过上限10000分
	port.InjectVendRequest(99999, 1)

	ok := waitFor(t, 2*time.Second, func() bool {
		count, _ := repo.CountByStatus(context.Background(), models.VendStatusDenied)
		return count == 1
	})
	require.True(t, ok)

	// 范围检查在触碰支付网关之前
	assert.Zero(t, gateway.CreateCalls())
	assert.Equal(t, 1, countOpcode(port, mdb.OpVendDeny))

	tx, _ := repo.List(context.Background(), repository.NewPagination(1, 1))
	assert.Equal(t, models.VendReasonAmountOutOfRange, tx[0].Reason)
}

func TestMachineBoundaryAmounts(t *testing.T) {
	t.Run("下限金额可受理", func(t *testing.T) {
		port := mdb.NewMockPort(mdb.DialectText)
		gateway := payment.NewMockGateway()
		gateway.SettleAfterPolls = 0
		repo := repository.NewVendTransactionRepository(repository.SetupTestDB())
		machine := NewMachine(testBus(t, port), gateway, nil, repo, fastOptions())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go machine.Run(ctx)

		port.InjectVendRequest(50, 1)

		ok := waitFor(t, 2*time.Second, func() bool {
			count, _ := repo.CountByStatus(context.Background(), models.VendStatusApproved)
			return count == 1
		})
		assert.True(t, ok)
		assert.Equal(t, 1, gateway.CreateCalls())
	})
}

func TestMachineSessionCompleteIdempotent(t *testing.T) {
	port := mdb.NewMockPort(mdb.DialectText)
	bus := testBus(t, port)
	gateway := payment.NewMockGateway()
	gateway.SettleAfterPolls = 0
	repo := repository.NewVendTransactionRepository(repository.SetupTestDB())

	machine := NewMachine(bus, gateway, nil, repo, fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go machine.Run(ctx)

	port.InjectVendRequest(250, 2)

	ok := waitFor(t, 2*time.Second, func() bool {
		count, _ := repo.CountByStatus(context.Background(), models.VendStatusApproved)
		return count == 1
	})
	require.True(t, ok)
	assert.False(t, port.SessionActive())

	// 重复的会话结束命令被外设平静确认，不产生新会话
	resp, err := bus.Send(mdb.OpSessionComplete, nil)
	require.NoError(t, err)
	assert.Equal(t, mdb.StatusAck, resp.Status)
	assert.False(t, port.SessionActive())

	count, _ := repo.CountByStatus(context.Background(), models.VendStatusApproved)
	assert.Equal(t, int64(1), count)
}

func TestMachineIgnoresRepeatedVendRequest(t *testing.T) {
	port := mdb.NewMockPort(mdb.DialectText)
	bus := testBus(t, port)
	gateway := payment.NewMockGateway()
	gateway.SettleAfterPolls = -1 // 等测试手动标记支付
	repo := repository.NewVendTransactionRepository(repository.SetupTestDB())

	opts := fastOptions()
	opts.TransactionTimeout = 2 * time.Second
	machine := NewMachine(bus, gateway, nil, repo, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go machine.Run(ctx)

	port.InjectVendRequest(250, 3)

	var invoiceID string
	ok := waitFor(t, 2*time.Second, func() bool {
		snap := machine.Snapshot()
		if snap.Session != nil && snap.Session.InvoiceID != "" {
			invoiceID = snap.Session.InvoiceID
			return true
		}
		return false
	})
	require.True(t, ok, "会话未进入等待支付")

	// 外设在被应答前会在后续轮询里重复上报同一请求
	port.InjectVendRequest(250, 3)
	time.Sleep(50 * time.Millisecond)

	// 重复上报不得打断进行中的会话，更不能发拒绝命令
	assert.Zero(t, countOpcode(port, mdb.OpVendDeny))
	snap := machine.Snapshot()
	require.NotNil(t, snap.Session)
	assert.Equal(t, invoiceID, snap.Session.InvoiceID)

	gateway.MarkPaid(invoiceID)

	ok = waitFor(t, 2*time.Second, func() bool {
		count, _ := repo.CountByStatus(context.Background(), models.VendStatusApproved)
		return count == 1
	})
	require.True(t, ok)

	assert.Equal(t, 1, countOpcode(port, mdb.OpVendApprove))
	assert.Zero(t, countOpcode(port, mdb.OpVendDeny))

	denied, _ := repo.CountByStatus(context.Background(), models.VendStatusDenied)
	assert.Zero(t, denied)
}

func TestMachineDeniesWhenInvoiceCreationFails(t *testing.T) {
	port := mdb.NewMockPort(mdb.DialectText)
	bus := testBus(t, port)
	gateway := payment.NewMockGateway()
	gateway.FailCreate(true)
	repo := repository.NewVendTransactionRepository(repository.SetupTestDB())

	machine := NewMachine(bus, gateway, nil, repo, fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go machine.Run(ctx)

	port.InjectVendRequest(250, 1)

	ok := waitFor(t, 2*time.Second, func() bool {
		count, _ := repo.CountByStatus(context.Background(), models.VendStatusDenied)
		return count == 1
	})
	require.True(t, ok)

	assert.Equal(t, 1, gateway.CreateCalls())
	assert.Equal(t, 1, countOpcode(port, mdb.OpVendDeny))
	assert.Zero(t, countOpcode(port, mdb.OpVendApprove))

	tx, err := repo.List(context.Background(), repository.NewPagination(1, 1))
	require.NoError(t, err)
	assert.Equal(t, models.VendReasonInvoiceFailed, tx[0].Reason)
}

func TestMachineGatewayStatusErrors(t *testing.T) {
	t.Run("预算内的查询错误重试后照常批准", func(t *testing.T) {
		port := mdb.NewMockPort(mdb.DialectText)
		gateway := payment.NewMockGateway()
		gateway.SettleAfterPolls = 0
		gateway.FailNextStatusPolls(2) // 预算3次，前两次失败
		repo := repository.NewVendTransactionRepository(repository.SetupTestDB())
		machine := NewMachine(testBus(t, port), gateway, nil, repo, fastOptions())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go machine.Run(ctx)

		port.InjectVendRequest(250, 1)

		ok := waitFor(t, 2*time.Second, func() bool {
			count, _ := repo.CountByStatus(context.Background(), models.VendStatusApproved)
			return count == 1
		})
		require.True(t, ok)
		assert.Empty(t, gateway.CancelledInvoices())
	})

	t.Run("连续错误耗尽预算后取消发票并拒绝", func(t *testing.T) {
		port := mdb.NewMockPort(mdb.DialectText)
		gateway := payment.NewMockGateway()
		gateway.SettleAfterPolls = 0
		gateway.FailNextStatusPolls(50)
		repo := repository.NewVendTransactionRepository(repository.SetupTestDB())
		machine := NewMachine(testBus(t, port), gateway, nil, repo, fastOptions())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go machine.Run(ctx)

		port.InjectVendRequest(250, 1)

		ok := waitFor(t, 2*time.Second, func() bool {
			count, _ := repo.CountByStatus(context.Background(), models.VendStatusDenied)
			return count == 1
		})
		require.True(t, ok)

		assert.Zero(t, countOpcode(port, mdb.OpVendApprove))
		assert.Len(t, gateway.CancelledInvoices(), 1)

		tx, err := repo.List(context.Background(), repository.NewPagination(1, 1))
		require.NoError(t, err)
		assert.Equal(t, models.VendReasonPaymentExpired, tx[0].Reason)
	})
}

func TestMachineDeniesTerminalInvoice(t *testing.T) {
	// 驱动到等待支付并返回发票ID
	start := func(t *testing.T, port *mdb.MockPort, gateway *payment.MockGateway, repo repository.VendTransactionRepository) string {
		t.Helper()
		opts := fastOptions()
		opts.TransactionTimeout = 2 * time.Second
		machine := NewMachine(testBus(t, port), gateway, nil, repo, opts)

		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		go machine.Run(ctx)

		port.InjectVendRequest(250, 1)

		var invoiceID string
		ok := waitFor(t, 2*time.Second, func() bool {
			snap := machine.Snapshot()
			if snap.Session != nil && snap.Session.InvoiceID != "" {
				invoiceID = snap.Session.InvoiceID
				return true
			}
			return false
		})
		require.True(t, ok, "会话未进入等待支付")
		return invoiceID
	}

	t.Run("发票过期按支付过期拒绝", func(t *testing.T) {
		port := mdb.NewMockPort(mdb.DialectText)
		gateway := payment.NewMockGateway()
		gateway.SettleAfterPolls = -1
		repo := repository.NewVendTransactionRepository(repository.SetupTestDB())

		invoiceID := start(t, port, gateway, repo)
		gateway.MarkExpired(invoiceID)

		ok := waitFor(t, 2*time.Second, func() bool {
			count, _ := repo.CountByStatus(context.Background(), models.VendStatusDenied)
			return count == 1
		})
		require.True(t, ok)

		assert.Equal(t, 1, countOpcode(port, mdb.OpVendDeny))
		// 已到终态的发票无需再取消
		assert.Empty(t, gateway.CancelledInvoices())

		tx, _ := repo.List(context.Background(), repository.NewPagination(1, 1))
		assert.Equal(t, models.VendReasonPaymentExpired, tx[0].Reason)
	})

	t.Run("发票被取消按支付取消拒绝", func(t *testing.T) {
		port := mdb.NewMockPort(mdb.DialectText)
		gateway := payment.NewMockGateway()
		gateway.SettleAfterPolls = -1
		repo := repository.NewVendTransactionRepository(repository.SetupTestDB())

		invoiceID := start(t, port, gateway, repo)
		gateway.CancelInvoice(context.Background(), invoiceID)

		ok := waitFor(t, 2*time.Second, func() bool {
			count, _ := repo.CountByStatus(context.Background(), models.VendStatusDenied)
			return count == 1
		})
		require.True(t, ok)

		tx, _ := repo.List(context.Background(), repository.NewPagination(1, 1))
		assert.Equal(t, models.VendReasonPaymentCancelled, tx[0].Reason)
	})
}

func TestMachinePaidBeatsDeadline(t *testing.T) {
	port := mdb.NewMockPort(mdb.DialectText)
	gateway := payment.NewMockGateway()
	gateway.SettleAfterPolls = 0 // 首次查询即已支付
	repo := repository.NewVendTransactionRepository(repository.SetupTestDB())

	opts := fastOptions()
	// 截止时间在首次状态查询之前就已越过
	opts.TransactionTimeout = time.Millisecond
	machine := NewMachine(testBus(t, port), gateway, nil, repo, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go machine.Run(ctx)

	port.InjectVendRequest(250, 1)

	// 压线到账的交易必须出货而不是按超时拒绝
	ok := waitFor(t, 2*time.Second, func() bool {
		count, _ := repo.CountByStatus(context.Background(), models.VendStatusApproved)
		return count == 1
	})
	require.True(t, ok)

	assert.Equal(t, 1, countOpcode(port, mdb.OpVendApprove))
	assert.Zero(t, countOpcode(port, mdb.OpVendDeny))
	assert.Empty(t, gateway.CancelledInvoices())
}

// fatalBus 在指定命令上返回会话失败的假总线
type fatalBus struct {
	mu      sync.Mutex
	failOn  mdb.Opcode
	vendArm bool
	sent    []mdb.Opcode
	profile mdb.TransportProfile
}

func newFatalBus(failOn mdb.Opcode) *fatalBus {
	return &fatalBus{
		failOn: failOn,
		profile: mdb.TransportProfile{
			Dialect:  mdb.DialectText,
			BaudRate: 115200,
		},
	}
}

func (b *fatalBus) armVendRequest() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.vendArm = true
}

func (b *fatalBus) sentOps() []mdb.Opcode {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]mdb.Opcode, len(b.sent))
	copy(out, b.sent)
	return out
}

func (b *fatalBus) Send(op mdb.Opcode, payload []byte) (*mdb.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, op)

	if op == b.failOn {
		return nil, apperrors.New(apperrors.ErrSessionFatal, "链路中断")
	}
	if op == mdb.OpPoll && b.vendArm {
		b.vendArm = false
		return &mdb.Response{Opcode: mdb.OpVendRequest, Status: mdb.StatusAck, Amount: 250, ItemNumber: 1}, nil
	}
	return &mdb.Response{Opcode: op, Status: mdb.StatusAck}, nil
}

func (b *fatalBus) Profile() mdb.TransportProfile { return b.profile }
func (b *fatalBus) Broken() bool                  { return false }
func (b *fatalBus) Close() error                  { return nil }

func TestMachineDeliveryUncertain(t *testing.T) {
	t.Run("批准命令失败转待对账并向上冒泡", func(t *testing.T) {
		bus := newFatalBus(mdb.OpVendApprove)
		gateway := payment.NewMockGateway()
		gateway.SettleAfterPolls = 0
		repo := repository.NewVendTransactionRepository(repository.SetupTestDB())

		machine := NewMachine(bus, gateway, nil, repo, fastOptions())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- machine.Run(ctx) }()

		bus.armVendRequest()

		select {
		case err := <-done:
			// 串口失败必须让Run退出以触发重新探测
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrSessionFatal))
		case <-time.After(2 * time.Second):
			t.Fatal("状态机未因串口失败退出")
		}

		count, err := repo.CountByStatus(context.Background(), models.VendStatusDeliveryUncertain)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count, "已收款未确认出货的交易必须进入对账队列")
	})

	t.Run("拒绝命令失败同样转待对账", func(t *testing.T) {
		bus := newFatalBus(mdb.OpVendDeny)
		gateway := payment.NewMockGateway()
		gateway.SettleAfterPolls = -1 // 永不支付，走超时拒绝路径
		repo := repository.NewVendTransactionRepository(repository.SetupTestDB())

		opts := fastOptions()
		opts.TransactionTimeout = 30 * time.Millisecond
		machine := NewMachine(bus, gateway, nil, repo, opts)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- machine.Run(ctx) }()

		bus.armVendRequest()

		select {
		case err := <-done:
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrSessionFatal))
		case <-time.After(2 * time.Second):
			t.Fatal("状态机未因串口失败退出")
		}

		// 外设未必收到拒绝指令，会话终态未知，不能记成普通拒绝
		uncertain, err := repo.CountByStatus(context.Background(), models.VendStatusDeliveryUncertain)
		require.NoError(t, err)
		assert.Equal(t, int64(1), uncertain)

		denied, err := repo.CountByStatus(context.Background(), models.VendStatusDenied)
		require.NoError(t, err)
		assert.Zero(t, denied)

		// 拒绝缘由保留在流水里供人工对账
		tx, err := repo.List(context.Background(), repository.NewPagination(1, 1))
		require.NoError(t, err)
		require.Len(t, tx, 1)
		assert.Equal(t, models.VendReasonPaymentExpired, tx[0].Reason)
	})
}

func TestMachineSnapshot(t *testing.T) {
	port := mdb.NewMockPort(mdb.DialectText)
	machine := NewMachine(testBus(t, port), payment.NewMockGateway(), nil, nil, fastOptions())

	status := machine.Snapshot()
	assert.Equal(t, StateIdle, status.State)
	assert.True(t, status.BusHealthy)
	assert.Nil(t, status.Session)
	assert.Equal(t, "text@115200", status.Profile)
}
