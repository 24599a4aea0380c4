package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AliAkbar852/ScentSymphony/internal/config"
	"github.com/AliAkbar852/ScentSymphony/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// Open 按配置打开数据库。
//
// MaxIdleConns 默认为 0：每次操作获取连接、完成后立即释放，
// 不在批次间休眠期间持有连接，也不受服务端空闲超时影响。
//
// 参数:
//
//	cfg: 数据库配置
//	logger: 日志器
//
// 返回值:
//
//	*gorm.DB: 数据库句柄
//	error: 驱动不支持或连接失败时返回错误
func Open(cfg config.DatabaseConfig, logger *slog.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case config.DriverMySQL:
		dialector = mysql.Open(cfg.DSN)
	case config.DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	case config.DriverSQLite:
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetimeSec > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeSec) * time.Second)
	}

	if logger != nil {
		logger.Info("database opened",
			slog.String("driver", cfg.Driver),
			slog.Int("max_idle_conns", cfg.MaxIdleConns))
	}
	return db, nil
}

// Migrate 创建或更新全部表结构。
func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(model.AllModels()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
