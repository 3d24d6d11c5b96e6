package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"StoryToComic-server/config"
	"StoryToComic-server/logger"
	"StoryToComic-server/models"
	"StoryToComic-server/provider"
	"StoryToComic-server/service"
	"StoryToComic-server/workflow"

	"gorm.io/gorm"
)

// app 组装好的运行时依赖
type app struct {
	cfg     *config.Config
	db      *gorm.DB
	manager *workflow.Manager
	closers []func()
}

// newApp 读取配置、初始化日志与数据库并选择 AI 后端。
// withWorker 为 true 且配置了 Redis 时，同时启动批任务消费者。
func newApp(withWorker bool) (*app, error) {
	if err := config.InitConfig(cfgFile); err != nil {
		return nil, err
	}
	cfg := config.AppConfig
	logger.Init(logger.Options{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.Source,
		File:      cfg.Logging.File,
	})
	l := logger.WithComponent("app")

	db, err := models.OpenDB(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, db: db}
	a.closers = append(a.closers, func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	prefs, err := config.LoadPreferences(cfg.PreferencesFile)
	if err != nil {
		l.Warn("preferences unavailable, using defaults", slog.Any("err", err))
		prefs = config.DefaultPreferences()
	}
	kind := strings.ToLower(strings.TrimSpace(prefs.Provider))
	if kind == "" {
		kind = cfg.AI.Provider
	}

	opts := provider.Options{
		Kind:        provider.Kind(kind),
		BaseURL:     cfg.AI.BaseURL,
		APIKey:      prefs.APIKey,
		Timeout:     time.Duration(cfg.AI.TimeoutMs) * time.Millisecond,
		Concurrency: cfg.AI.BatchConcurrency,
		Jobs:        models.NewBatchJobStore(db),
	}
	if cfg.Redis.Addr != "" {
		q := service.NewQueue(cfg.Redis.Addr, cfg.Redis.Password)
		opts.Dispatcher = q
		a.closers = append(a.closers, func() { _ = q.Close() })
	}
	if provider.Kind(kind) == provider.KindAsync {
		store, err := service.NewMinIOStore(cfg.MinIO.Endpoint, cfg.MinIO.AccessKey, cfg.MinIO.SecretKey, cfg.MinIO.Bucket, cfg.MinIO.UseSSL)
		if err != nil {
			a.Close()
			return nil, err
		}
		opts.Objects = store
	}
	prov, err := provider.New(opts)
	if err != nil {
		a.Close()
		return nil, err
	}

	if runner, ok := prov.(provider.JobRunner); ok && withWorker && cfg.Redis.Addr != "" {
		proc := service.NewProcessor(runner)
		proc.StartProcessor(cfg.Redis.Addr, cfg.Redis.Password, cfg.AI.BatchConcurrency)
		a.closers = append(a.closers, proc.Shutdown)
	}

	// 只有长期运行的 serve 进程接手中断的任务，一次性命令不执行
	if r, ok := prov.(provider.Resumer); ok && withWorker {
		n, err := r.Resume(context.Background())
		if err != nil {
			l.Error("resume unfinished batch jobs failed", slog.Any("err", err))
		} else if n > 0 {
			l.Info("unfinished batch jobs resumed", slog.Int("jobs", n))
		}
	}

	a.manager = workflow.NewManager(workflow.Deps{
		Store:        models.NewProjectStore(db),
		Provider:     prov,
		Prefs:        prefs,
		QuietPeriod:  time.Duration(cfg.Autosave.QuietMs) * time.Millisecond,
		FrameTimeout: time.Duration(cfg.Capture.FrameTimeoutMs) * time.Millisecond,
	}, nil)
	l.Info("app ready", slog.String("provider", kind), slog.String("database", cfg.Database.Driver),
		slog.Bool("queue", cfg.Redis.Addr != ""))
	return a, nil
}

// Close flushes open sessions and releases resources in reverse order.
func (a *app) Close() {
	if a.manager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		a.manager.CloseAll(ctx)
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) session(ctx context.Context, id string) (*workflow.Session, error) {
	s, err := a.manager.Get(ctx, id)
	if workflow.IsNotFound(err) {
		return nil, fmt.Errorf("project %s not found", id)
	}
	return s, err
}
