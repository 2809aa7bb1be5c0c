package db

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"studyplan/internal/config"
	"studyplan/internal/model"
)

// InitDB 按驱动打开连接并自动迁移
func InitDB(cfg config.DatabaseConfig, log *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	dsn := cfg.ConnString()
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql", "":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	conn, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	if err := Migrate(conn); err != nil {
		return nil, err
	}

	log.Info("数据库初始化成功", zap.String("driver", cfg.Driver))
	return conn, nil
}

// Migrate 自动迁移全部表
func Migrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(
		&model.Student{},
		&model.Enrollment{},
		&model.Deadline{},
		&model.Commitment{},
		&model.TestResult{},
		&model.PerformanceLog{},
		&model.DailyPlan{},
		&model.DecisionRuleSet{},
		&model.RuleSetHistory{},
	); err != nil {
		return fmt.Errorf("数据库迁移失败: %w", err)
	}
	return nil
}

func notFound(err error) error {
	if err == gorm.ErrRecordNotFound {
		return model.ErrNotFound
	}
	return err
}
