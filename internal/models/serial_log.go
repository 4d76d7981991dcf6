package models

import (
	"time"

	"gorm.io/gorm"
)

// 串口日志方向
const (
	SerialDirectionSend    = "SEND"
	SerialDirectionReceive = "RECEIVE"
)

// SerialLog 串口命令流水
type SerialLog struct {
	ID        uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time      `gorm:"index;not null" json:"created_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Direction string `gorm:"type:varchar(10);index;not null" json:"direction"`
	Dialect   string `gorm:"type:varchar(10)" json:"dialect"`
	Opcode    string `gorm:"type:varchar(30);index" json:"opcode"`
	HexData   string `gorm:"type:text" json:"hex_data,omitempty"` // 原始帧的十六进制
	Status    string `gorm:"type:varchar(20);index" json:"status"`

	SessionID string `gorm:"type:varchar(100);index" json:"session_id,omitempty"`
	Timestamp int64  `gorm:"index" json:"timestamp"` // Unix毫秒
}

// TableName 指定表名
func (SerialLog) TableName() string {
	return "serial_logs"
}

// BeforeCreate 创建前的钩子
func (s *SerialLog) BeforeCreate(tx *gorm.DB) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	if s.Timestamp == 0 {
		s.Timestamp = time.Now().UnixMilli()
	}
	return nil
}
