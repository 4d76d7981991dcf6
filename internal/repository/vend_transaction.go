package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/GianGuaz256/pow-vending-machine/internal/models"
)

// vendTransactionRepo 投售交易仓储实现
type vendTransactionRepo struct {
	db *gorm.DB
}

// NewVendTransactionRepository 创建投售交易仓储
func NewVendTransactionRepository(db *gorm.DB) VendTransactionRepository {
	return &vendTransactionRepo{db: db}
}

// Create 创建交易记录
func (r *vendTransactionRepo) Create(ctx context.Context, tx *models.VendTransaction) error {
	return r.db.WithContext(ctx).Create(tx).Error
}

// Update 更新交易记录
func (r *vendTransactionRepo) Update(ctx context.Context, tx *models.VendTransaction) error {
	return r.db.WithContext(ctx).Save(tx).Error
}

// GetByOrderNo 根据订单号查询
func (r *vendTransactionRepo) GetByOrderNo(ctx context.Context, orderNo string) (*models.VendTransaction, error) {
	var tx models.VendTransaction
	err := r.db.WithContext(ctx).Where("order_no = ?", orderNo).First(&tx).Error
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// GetBySessionID 根据会话ID查询
func (r *vendTransactionRepo) GetBySessionID(ctx context.Context, sessionID string) (*models.VendTransaction, error) {
	var tx models.VendTransaction
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&tx).Error
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// List 按时间倒序分页查询
func (r *vendTransactionRepo) List(ctx context.Context, p *Pagination) ([]*models.VendTransaction, error) {
	var txs []*models.VendTransaction

	db := r.db.WithContext(ctx).Model(&models.VendTransaction{})
	if err := db.Count(&p.Total).Error; err != nil {
		return nil, err
	}

	err := db.Order("created_at DESC").
		Scopes(Paginate(p)).
		Find(&txs).Error
	return txs, err
}

// ListByStatus 按状态分页查询
func (r *vendTransactionRepo) ListByStatus(ctx context.Context, status string, p *Pagination) ([]*models.VendTransaction, error) {
	var txs []*models.VendTransaction

	db := r.db.WithContext(ctx).Model(&models.VendTransaction{}).Where("status = ?", status)
	if err := db.Count(&p.Total).Error; err != nil {
		return nil, err
	}

	err := db.Order("created_at DESC").
		Scopes(Paginate(p)).
		Find(&txs).Error
	return txs, err
}

// CountByStatus 统计指定状态的交易数
func (r *vendTransactionRepo) CountByStatus(ctx context.Context, status string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.VendTransaction{}).
		Where("status = ?", status).
		Count(&count).Error
	return count, err
}

// MarkCompleted 填入终态并记录完成时间
func MarkCompleted(tx *models.VendTransaction, status, reason string) {
	now := time.Now()
	tx.Status = status
	tx.Reason = reason
	tx.CompletedAt = &now
}
