package database

import (
	"fmt"
	"log"
	"time"

	"marketpay/internal/config"
	"marketpay/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// InitMySQL 初始化 MySQL 连接
func InitMySQL(cfg *config.MySQLConfig) *gorm.DB {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		log.Fatalf("连接 MySQL 失败: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("获取底层 DB 失败: %v", err)
	}

	// 连接池配置
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := Migrate(db); err != nil {
		log.Fatalf("自动迁移表结构失败: %v", err)
	}

	DB = db
	log.Println("MySQL 连接成功")
	return db
}

// Migrate 迁移全部核心表
// 账本表的 insert-only 约束在库侧还应配触发器，应用侧由模型钩子兜底
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Wallet{},
		&model.LedgerEntry{},
		&model.EscrowLock{},
		&model.UserTier{},
		&model.TransactionLimit{},
		&model.UserTransactionLimit{},
		&model.TierChange{},
		&model.TierViolation{},
		&model.TransactionMonitoringRule{},
		&model.SuspiciousActivityAlert{},
		&model.UserRiskProfile{},
		&model.TransactionEvent{},
		&model.OutboxMessage{},
	)
}
