package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"StoryToComic-server/logger"
	"StoryToComic-server/models"
	"StoryToComic-server/provider"

	"github.com/hibiken/asynq"
)

// Processor 消费队列中的批处理任务
type Processor struct {
	Runner provider.JobRunner
	srv    *asynq.Server
	log    *slog.Logger
}

func NewProcessor(runner provider.JobRunner) *Processor {
	return &Processor{Runner: runner, log: logger.WithComponent("processor")}
}

// StartProcessor 启动任务消费者
func (p *Processor) StartProcessor(addr, password string, concurrency int) {
	p.srv = asynq.NewServer(
		asynq.RedisClientOpt{Addr: addr, Password: password},
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"default": 1,
			},
			Logger: asynqLogger{p.log},
		},
	)
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeRunBatchJob, p.HandleRunBatchJob)

	p.log.Info("starting batch processor", slog.Int("concurrency", concurrency))
	go func() {
		if err := p.srv.Run(mux); err != nil {
			p.log.Error("could not run processor", slog.Any("err", err))
		}
	}()
}

func (p *Processor) Shutdown() {
	if p.srv != nil {
		p.srv.Shutdown()
	}
}

// HandleRunBatchJob 核心处理逻辑
func (p *Processor) HandleRunBatchJob(ctx context.Context, t *asynq.Task) error {
	var payload BatchJobPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	l := p.log.With(slog.String("job", payload.JobID))
	l.Info("processing batch job")

	err := p.Runner.RunJob(ctx, payload.JobID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrJobNotFound):
		// 记录已不存在，不再重试
		l.Warn("batch job record missing")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	default:
		l.Error("batch job failed", slog.Any("err", err))
		return err
	}
}

// asynqLogger 把 asynq 内部日志接到 slog
type asynqLogger struct{ l *slog.Logger }

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }
