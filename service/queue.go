package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"StoryToComic-server/logger"

	"github.com/hibiken/asynq"
)

const (
	TypeRunBatchJob = "batch:run"
)

type BatchJobPayload struct {
	JobID string `json:"job_id"`
}

// AsynqDispatcher 通过 Redis 队列分发模拟批处理任务
type AsynqDispatcher struct {
	client *asynq.Client
	log    *slog.Logger
}

// NewQueue 初始化队列客户端
func NewQueue(addr, password string) *AsynqDispatcher {
	return &AsynqDispatcher{
		client: asynq.NewClient(asynq.RedisClientOpt{Addr: addr, Password: password}),
		log:    logger.WithComponent("queue"),
	}
}

// Dispatch 入队；失败由调用方把任务标记为 failed
func (q *AsynqDispatcher) Dispatch(ctx context.Context, jobID string) error {
	payload, err := json.Marshal(BatchJobPayload{JobID: jobID})
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(TypeRunBatchJob, payload,
		asynq.MaxRetry(3),
		asynq.Timeout(30*time.Minute),
		asynq.Retention(24*time.Hour),
		// 同一个 job 只入队一次
		asynq.TaskID(jobID),
	)

	info, err := q.client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		// 队列中已有该任务（重启后重新分发时常见）
		q.log.Info("batch job already queued", slog.String("job", jobID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}

	q.log.Info("batch job enqueued", slog.String("job", jobID), slog.String("queue", info.Queue))
	return nil
}

func (q *AsynqDispatcher) Close() error {
	return q.client.Close()
}
