package repository

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GianGuaz256/pow-vending-machine/internal/models"
)

func newTestTransaction(status string) *models.VendTransaction {
	return &models.VendTransaction{
		OrderNo:    uuid.New().String(),
		SessionID:  uuid.New().String(),
		ItemNumber: 1,
		Amount:     250,
		Currency:   "EUR",
		InvoiceID:  uuid.New().String(),
		Status:     status,
		Dialect:    "text",
		BaudRate:   115200,
	}
}

func TestVendTransactionRepository(t *testing.T) {
	db := SetupTestDB()
	repo := NewVendTransactionRepository(db)
	ctx := context.Background()

	t.Run("创建并按订单号查询", func(t *testing.T) {
		tx := newTestTransaction(models.VendStatusPending)
		require.NoError(t, repo.Create(ctx, tx))
		assert.NotZero(t, tx.ID)

		found, err := repo.GetByOrderNo(ctx, tx.OrderNo)
		require.NoError(t, err)
		assert.Equal(t, tx.SessionID, found.SessionID)
		assert.Equal(t, int64(250), found.Amount)
	})

	t.Run("更新状态到终态", func(t *testing.T) {
		tx := newTestTransaction(models.VendStatusPending)
		require.NoError(t, repo.Create(ctx, tx))

		MarkCompleted(tx, models.VendStatusApproved, "")
		require.NoError(t, repo.Update(ctx, tx))

		found, err := repo.GetBySessionID(ctx, tx.SessionID)
		require.NoError(t, err)
		assert.Equal(t, models.VendStatusApproved, found.Status)
		assert.NotNil(t, found.CompletedAt)
	})

	t.Run("按状态统计对账记录", func(t *testing.T) {
		db := SetupTestDB()
		repo := NewVendTransactionRepository(db)

		require.NoError(t, repo.Create(ctx, newTestTransaction(models.VendStatusApproved)))
		require.NoError(t, repo.Create(ctx, newTestTransaction(models.VendStatusDeliveryUncertain)))
		require.NoError(t, repo.Create(ctx, newTestTransaction(models.VendStatusDeliveryUncertain)))

		count, err := repo.CountByStatus(ctx, models.VendStatusDeliveryUncertain)
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)

		p := NewPagination(1, 10)
		list, err := repo.ListByStatus(ctx, models.VendStatusDeliveryUncertain, p)
		require.NoError(t, err)
		assert.Len(t, list, 2)
		assert.Equal(t, int64(2), p.Total)
	})

	t.Run("分页倒序列表", func(t *testing.T) {
		db := SetupTestDB()
		repo := NewVendTransactionRepository(db)

		for i := 0; i < 15; i++ {
			require.NoError(t, repo.Create(ctx, newTestTransaction(models.VendStatusDenied)))
		}

		p := NewPagination(2, 10)
		list, err := repo.List(ctx, p)
		require.NoError(t, err)
		assert.Len(t, list, 5)
		assert.Equal(t, int64(15), p.Total)
	})
}
