package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/GianGuaz256/pow-vending-machine/internal/models"
)

// VendTransactionRepository 投售交易仓储接口
type VendTransactionRepository interface {
	Create(ctx context.Context, tx *models.VendTransaction) error
	Update(ctx context.Context, tx *models.VendTransaction) error
	GetByOrderNo(ctx context.Context, orderNo string) (*models.VendTransaction, error)
	GetBySessionID(ctx context.Context, sessionID string) (*models.VendTransaction, error)
	List(ctx context.Context, p *Pagination) ([]*models.VendTransaction, error)
	ListByStatus(ctx context.Context, status string, p *Pagination) ([]*models.VendTransaction, error)
	CountByStatus(ctx context.Context, status string) (int64, error)
}

// SerialLogRepository 串口日志仓储接口
type SerialLogRepository interface {
	Create(log *models.SerialLog) error
	CreateBatch(logs []*models.SerialLog) error
	GetBySessionID(sessionID string) ([]*models.SerialLog, error)
	Recent(limit int) ([]*models.SerialLog, error)
	DeleteBefore(days int) (int64, error)
}

// Pagination 分页参数
type Pagination struct {
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Total    int64 `json:"total"`
}

// NewPagination 创建分页参数
func NewPagination(page, pageSize int) *Pagination {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 10
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return &Pagination{
		Page:     page,
		PageSize: pageSize,
	}
}

// Offset 计算偏移量
func (p *Pagination) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// Paginate 分页查询
func Paginate(p *Pagination) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Offset(p.Offset()).Limit(p.PageSize)
	}
}
