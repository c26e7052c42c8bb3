// Package repository 提供数据访问层的实现
package repository

import (
	"fmt"
	"log"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"nexusvoice-server/internal/config"
	"nexusvoice-server/internal/model"
)

// OpenDatabase 根据配置打开数据库连接
// database.driver 为 mysql 时连接 MySQL，为 sqlite 时打开本地文件或内存库
func OpenDatabase(cfg *config.Config) (*gorm.DB, error) {
	// 配置 GORM logger
	gormLogger := logger.Default.LogMode(logger.Info)
	if cfg.Server.Mode == "release" {
		gormLogger = logger.Default.LogMode(logger.Warn)
	}
	gormConfig := &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true, // 唯一索引冲突转换为 gorm.ErrDuplicatedKey
	}

	switch cfg.Database.Driver {
	case "sqlite":
		db, err := OpenSQLite(cfg.Database.SQLitePath, gormConfig)
		if err != nil {
			return nil, err
		}
		log.Printf("SQLite database opened: %s", cfg.Database.SQLitePath)
		return db, nil

	case "mysql", "":
		return openMySQL(cfg, gormConfig)

	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}

// OpenSQLite 打开 SQLite 数据库
// SQLite 只允许单个写连接，这里把连接池限制为 1
func OpenSQLite(path string, gormConfig *gorm.Config) (*gorm.DB, error) {
	if gormConfig == nil {
		gormConfig = &gorm.Config{
			Logger:         logger.Default.LogMode(logger.Silent),
			TranslateError: true,
		}
	}
	db, err := gorm.Open(sqlite.Open(path), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// openMySQL 连接 MySQL 并配置连接池
func openMySQL(cfg *config.Config, gormConfig *gorm.Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
		cfg.MySQL.Username,
		cfg.MySQL.Password,
		cfg.MySQL.Host,
		cfg.MySQL.Port,
		cfg.MySQL.Database,
		cfg.MySQL.Charset,
	)

	db, err := gorm.Open(mysql.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.MySQL.MaxLifetime) * time.Second)

	log.Println("Database connected successfully")
	return db, nil
}

// AutoMigrate 自动迁移数据库表
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.Conversation{},
		&model.ConversationMessage{},
	); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}
