package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"StoryToComic-server/logger"
	"StoryToComic-server/models"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Dispatcher hands a persisted batch job to whatever executes it.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// JobRunner executes a persisted batch job to completion.
type JobRunner interface {
	RunJob(ctx context.Context, jobID string) error
}

// Resumer picks up batch jobs left unfinished by a previous process.
type Resumer interface {
	Resume(ctx context.Context) (int, error)
}

// Simulated 模拟批处理：一次提交落一条 BatchJob 记录，执行时并发调用同步接口
type Simulated struct {
	gen         Generator
	jobs        *models.BatchJobStore
	dispatcher  Dispatcher
	concurrency int
	log         *slog.Logger
}

type simulatedPayload struct {
	Config   GenerateConfig `json:"config"`
	Requests []BatchRequest `json:"requests"`
}

// NewSimulated builds the simulated backend. A nil dispatcher runs jobs in-process.
func NewSimulated(gen Generator, jobs *models.BatchJobStore, d Dispatcher, concurrency int) *Simulated {
	if concurrency <= 0 {
		concurrency = 4
	}
	s := &Simulated{gen: gen, jobs: jobs, concurrency: concurrency, log: logger.WithComponent("provider.simulated")}
	if d == nil {
		d = &LocalDispatcher{Runner: s}
	}
	s.dispatcher = d
	return s
}

func (s *Simulated) Kind() Kind { return KindSimulated }

func (s *Simulated) GenerateContent(ctx context.Context, model string, messages []Message, cfg GenerateConfig) (*GenerateResult, error) {
	return s.gen.GenerateContent(ctx, model, messages, cfg)
}

func (s *Simulated) GenerateContentBatch(ctx context.Context, model string, requests []BatchRequest, cfg GenerateConfig) (string, error) {
	if len(requests) == 0 {
		return "", errors.New("empty batch")
	}
	payload, err := json.Marshal(simulatedPayload{Config: cfg, Requests: requests})
	if err != nil {
		return "", fmt.Errorf("marshal batch payload: %w", err)
	}
	job := &models.BatchJob{
		ID:        "sim-" + uuid.NewString(),
		Provider:  string(KindSimulated),
		Model:     model,
		ItemCount: len(requests),
		Payload:   payload,
	}
	if pid, ok := ProjectIDFrom(ctx); ok {
		job.ProjectID = pid
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return "", err
	}
	if err := s.dispatcher.Dispatch(ctx, job.ID); err != nil {
		if ferr := s.jobs.Fail(context.WithoutCancel(ctx), job.ID, err.Error()); ferr != nil {
			s.log.Warn("mark job failed", slog.String("job", job.ID), slog.Any("err", ferr))
		}
		return "", fmt.Errorf("dispatch batch job: %w", err)
	}
	s.log.Info("batch job submitted", slog.String("job", job.ID), slog.Int("items", len(requests)))
	return job.ID, nil
}

func (s *Simulated) GetBatchStatus(ctx context.Context, jobID string) (*BatchStatus, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if errors.Is(err, models.ErrJobNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case models.BatchJobSucceeded:
		st := &BatchStatus{State: BatchSucceeded}
		for _, r := range job.Results {
			st.Results = append(st.Results, BatchItemResult{Index: r.Index, Text: r.Text, Images: r.Images, Error: r.Error})
		}
		return st, nil
	case models.BatchJobFailed:
		return &BatchStatus{State: BatchFailed, Error: job.Error}, nil
	default:
		return &BatchStatus{State: BatchRunning}, nil
	}
}

// Resume 进程重启后重新分发未结束的任务；分发失败的任务直接标记为 failed，
// 避免面板一直停留在生成中
func (s *Simulated) Resume(ctx context.Context) (int, error) {
	jobs, err := s.jobs.ListUnfinished(ctx)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, job := range jobs {
		l := s.log.With(slog.String("job", job.ID), slog.String("status", job.Status))
		if err := s.dispatcher.Dispatch(ctx, job.ID); err != nil {
			l.Error("re-dispatch failed, marking job failed", slog.Any("err", err))
			if ferr := s.jobs.Fail(ctx, job.ID, fmt.Sprintf("interrupted and could not be resumed: %v", err)); ferr != nil {
				return resumed, ferr
			}
			continue
		}
		l.Info("unfinished batch job re-dispatched")
		resumed++
	}
	return resumed, nil
}

// RunJob 执行任务：每个条目独立调用同步接口，单条失败只记录在该条结果中
func (s *Simulated) RunJob(ctx context.Context, jobID string) error {
	l := s.log.With(slog.String("job", jobID))
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		l.Info("job already finished, skipping", slog.String("status", job.Status))
		return nil
	}
	if err := s.jobs.MarkProcessing(ctx, jobID); err != nil {
		return err
	}

	var payload simulatedPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		msg := fmt.Sprintf("invalid job payload: %v", err)
		if ferr := s.jobs.Fail(ctx, jobID, msg); ferr != nil {
			return ferr
		}
		return nil
	}

	results := make(models.BatchJobResults, len(payload.Requests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, req := range payload.Requests {
		i, req := i, req
		g.Go(func() error {
			res := models.BatchJobResult{Index: req.Index}
			out, err := s.gen.GenerateContent(gctx, job.Model, req.Messages, payload.Config)
			if err != nil {
				res.Error = err.Error()
			} else {
				res.Text = out.Text
				res.Images = out.Images
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		// 被取消的任务保持 processing，交由重试重新执行
		return ctx.Err()
	}
	sort.Slice(results, func(a, b int) bool { return results[a].Index < results[b].Index })
	if err := s.jobs.Complete(ctx, jobID, results); err != nil {
		return err
	}
	l.Info("batch job finished", slog.Int("items", len(results)))
	return nil
}

// LocalDispatcher runs jobs on a goroutine of this process.
type LocalDispatcher struct {
	Runner JobRunner
}

func (d *LocalDispatcher) Dispatch(ctx context.Context, jobID string) error {
	go func() {
		if err := d.Runner.RunJob(context.WithoutCancel(ctx), jobID); err != nil {
			logger.WithComponent("provider.simulated").Error("run job failed", slog.String("job", jobID), slog.Any("err", err))
		}
	}()
	return nil
}

type projectIDKey struct{}

// WithProjectID tags ctx with the project a batch belongs to, recorded on the job.
func WithProjectID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, projectIDKey{}, id)
}

func ProjectIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(projectIDKey{}).(string)
	return id, ok && id != ""
}
