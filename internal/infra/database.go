// Package infra は外部サービスとの接続を提供する。
package infra

import (
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"wgfleet/config"
)

// NewDB はgormによるデータベース接続を初期化する。
// DSNが "sqlite:" または "file:" で始まる場合はSQLite、それ以外はMySQLとして扱う。
func NewDB(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(dialector(cfg.DatabaseURL), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	if cfg.OtelEnabled {
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			return nil, err
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	if isSQLite(cfg.DatabaseURL) {
		// SQLiteは単一ライターのため接続を1本に絞る
		sqlDB.SetMaxOpenConns(1)
		return db, nil
	}

	// 接続プール設定
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return db, nil
}

func dialector(dsn string) gorm.Dialector {
	if isSQLite(dsn) {
		return sqlite.Open(strings.TrimPrefix(dsn, "sqlite:"))
	}
	return mysql.Open(dsn)
}

func isSQLite(dsn string) bool {
	return strings.HasPrefix(dsn, "sqlite:") || strings.HasPrefix(dsn, "file:")
}
