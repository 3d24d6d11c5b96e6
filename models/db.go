package models

import (
	"fmt"
	"log/slog"
	"time"

	"StoryToComic-server/logger"

	mysqldsn "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// schemaVersion 变更时直接重建表（本地存储，不做迁移）
const schemaVersion = 2

type schemaMeta struct {
	ID      int `gorm:"primaryKey"`
	Version int
}

func (schemaMeta) TableName() string { return "schema_meta" }

// OpenDB 按 driver 打开数据库：sqlite（默认，本地嵌入式）| mysql | postgres
func OpenDB(driver, dsn string) (*gorm.DB, error) {
	l := logger.WithOperation(logger.WithComponent("models"), "open_db").With(slog.String("driver", driver))

	var dialector gorm.Dialector
	switch driver {
	case "", "sqlite":
		dialector = sqlite.Open(sqliteDSN(dsn))
	case "mysql":
		cfg, err := mysqldsn.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("invalid mysql dsn: %w", err)
		}
		cfg.ParseTime = true
		l = l.With(slog.String("database", cfg.DBName))
		dialector = mysql.Open(cfg.FormatDSN())
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.New(
			slog.NewLogLogger(logger.L().Handler(), slog.LevelWarn),
			gormlogger.Config{SlowThreshold: time.Second, LogLevel: gormlogger.Warn, IgnoreRecordNotFoundError: true},
		),
	})
	if err != nil {
		l.Error("open database failed", slog.Any("err", err))
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if driver == "" || driver == "sqlite" {
		// sqlite 单写者
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := ensureSchema(db); err != nil {
		l.Error("ensure schema failed", slog.Any("err", err))
		return nil, err
	}
	l.Info("数据库连接成功")
	return db, nil
}

func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = "storyboard.db"
	}
	return "file:" + dsn + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}

func ensureSchema(db *gorm.DB) error {
	if err := db.AutoMigrate(&schemaMeta{}); err != nil {
		return fmt.Errorf("migrate schema_meta: %w", err)
	}
	var meta schemaMeta
	err := db.Where("id = ?", 1).Limit(1).Find(&meta).Error
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	m := db.Migrator()
	if meta.Version != schemaVersion {
		for _, t := range []any{&ProjectRecord{}, &BatchJob{}} {
			if m.HasTable(t) {
				if err := m.DropTable(t); err != nil {
					return fmt.Errorf("drop outdated table: %w", err)
				}
			}
		}
	}
	if err := db.AutoMigrate(&ProjectRecord{}, &BatchJob{}); err != nil {
		return fmt.Errorf("migrate tables: %w", err)
	}
	return db.Save(&schemaMeta{ID: 1, Version: schemaVersion}).Error
}
