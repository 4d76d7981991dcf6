package database

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/GianGuaz256/pow-vending-machine/internal/logger"
	"github.com/GianGuaz256/pow-vending-machine/internal/models"
)

// AutoMigrate 执行数据库迁移。sqlite下用文件锁避免
// 多进程同时迁移。
func AutoMigrate() error {
	if DB == nil {
		return fmt.Errorf("数据库未初始化")
	}

	var lockFile *os.File
	if dbPath := sqliteDBPath(); dbPath != "" {
		var err error
		lockFile, err = acquireMigrationLock(dbPath)
		if err != nil {
			return err
		}
		defer releaseMigrationLock(lockFile)
	}

	start := time.Now()
	err := DB.AutoMigrate(
		&models.VendTransaction{},
		&models.SerialLog{},
	)
	if err != nil {
		return fmt.Errorf("数据库迁移失败: %w", err)
	}

	logger.Info("数据库迁移完成", zap.Duration("elapsed", time.Since(start)))
	return nil
}

// acquireMigrationLock 获取迁移锁
func acquireMigrationLock(dbPath string) (*os.File, error) {
	lockPath := dbPath + ".migration.lock"

	for i := 0; i < 30; i++ {
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
		if err == nil {
			logger.Debug("获取迁移锁成功", zap.String("lock", lockPath))
			return lockFile, nil
		}

		// 过期锁直接清理
		if info, err := os.Stat(lockPath); err == nil {
			if time.Since(info.ModTime()) > 5*time.Minute {
				logger.Warn("迁移锁文件过期，尝试删除", zap.String("lock", lockPath))
				os.Remove(lockPath)
				continue
			}
		}

		logger.Debug("等待迁移锁...", zap.Int("attempt", i+1))
		time.Sleep(1 * time.Second)
	}

	return nil, fmt.Errorf("无法获取迁移锁，可能有其他进程正在执行迁移")
}

// releaseMigrationLock 释放迁移锁
func releaseMigrationLock(lockFile *os.File) {
	if lockFile == nil {
		return
	}

	lockPath := lockFile.Name()
	lockFile.Close()
	os.Remove(lockPath)
	logger.Debug("释放迁移锁", zap.String("lock", lockPath))
}

// sqliteDBPath sqlite驱动下的数据库文件路径，其他驱动返回空
func sqliteDBPath() string {
	if DB == nil {
		return ""
	}

	switch DB.Dialector.Name() {
	case "sqlite", "sqlite3":
		if sqlDB, err := DB.DB(); err == nil {
			row := sqlDB.QueryRow("PRAGMA database_list")
			var seq int
			var name, file string
			if err := row.Scan(&seq, &name, &file); err == nil && file != "" {
				return file
			}
		}
	}
	return ""
}
