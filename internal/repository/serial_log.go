package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/GianGuaz256/pow-vending-machine/internal/models"
)

// serialLogRepo 串口日志仓储实现
type serialLogRepo struct {
	db *gorm.DB
}

// NewSerialLogRepository 创建串口日志仓储
func NewSerialLogRepository(db *gorm.DB) SerialLogRepository {
	return &serialLogRepo{db: db}
}

// Create 创建日志记录
func (r *serialLogRepo) Create(log *models.SerialLog) error {
	return r.db.Create(log).Error
}

// CreateBatch 批量创建日志记录
func (r *serialLogRepo) CreateBatch(logs []*models.SerialLog) error {
	if len(logs) == 0 {
		return nil
	}
	return r.db.CreateInBatches(logs, 100).Error
}

// GetBySessionID 根据会话ID获取日志
func (r *serialLogRepo) GetBySessionID(sessionID string) ([]*models.SerialLog, error) {
	var logs []*models.SerialLog
	err := r.db.Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&logs).Error
	return logs, err
}

// Recent 最近的日志记录
func (r *serialLogRepo) Recent(limit int) ([]*models.SerialLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var logs []*models.SerialLog
	err := r.db.Order("created_at DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}

// DeleteBefore 清理指定天数之前的日志
func (r *serialLogRepo) DeleteBefore(days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	result := r.db.Unscoped().
		Where("created_at < ?", cutoff).
		Delete(&models.SerialLog{})
	return result.RowsAffected, result.Error
}
