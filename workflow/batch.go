package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"StoryToComic-server/logger"
	"StoryToComic-server/models"
	"StoryToComic-server/provider"
)

// SubmitBatch 把指定面板作为一个批任务提交。提交前清除旧的 batchJobId 并置为 pending；
// 提交失败时这些面板全部置为 error，batchStatus=failed，不会写入 job id。
func (s *Session) SubmitBatch(ctx context.Context, indices []int) (string, error) {
	l := logger.WithOperation(s.log, "submit_batch")
	if err := s.begin(); err != nil {
		return "", err
	}
	if len(indices) == 0 {
		defer s.mu.Unlock()
		return "", s.fail(fmt.Errorf("%w: no panels to submit", ErrInvalid))
	}
	reqs := make([]provider.BatchRequest, 0, len(indices))
	for _, i := range indices {
		if s.project.PanelByIndex(i) == nil {
			defer s.mu.Unlock()
			return "", s.fail(fmt.Errorf("%w: %d", ErrPanelIndex, i))
		}
		msgs, err := s.panelMessages(i)
		if err != nil {
			defer s.mu.Unlock()
			return "", s.fail(err)
		}
		reqs = append(reqs, provider.BatchRequest{Index: i, Messages: msgs})
	}
	for _, i := range indices {
		s.project.SetPanel(i, models.PanelGenerating, "")
	}
	s.project.BatchJobID = ""
	s.project.BatchStatus = models.BatchPending
	epoch := s.epochs[StageRefine]
	cfg := s.imageConfig()
	model := s.prefs.ImageModel
	id := s.project.ID
	s.changed()
	s.mu.Unlock()

	jobID, err := s.deps.Provider.GenerateContentBatch(provider.WithProjectID(ctx, id), model, reqs, cfg)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epochs[StageRefine] != epoch {
		return "", ErrSuperseded
	}
	if err != nil {
		l.Error("batch submission failed", slog.Any("err", err))
		for _, i := range indices {
			if sp := s.project.PanelByIndex(i); sp != nil && sp.Status == models.PanelGenerating {
				s.project.SetPanel(i, models.PanelError, "")
			}
		}
		s.project.BatchStatus = models.BatchFailed
		s.changed()
		return "", s.fail(fmt.Errorf("%w: %v", ErrProvider, err))
	}
	s.project.BatchJobID = jobID
	s.changed()
	l.Info("batch submitted", slog.String("job", jobID), slog.Int("panels", len(indices)))
	return jobID, nil
}

// PollBatch 查询批任务状态并对账到面板。可重复调用：只会修改仍处于 generating 的面板。
// jobID 为空时使用项目当前的任务；与当前任务不一致时返回 ErrStaleJob。
func (s *Session) PollBatch(ctx context.Context, jobID string) (models.BatchStatus, error) {
	l := logger.WithOperation(s.log, "poll_batch")
	if err := s.begin(); err != nil {
		return "", err
	}
	if jobID == "" {
		jobID = s.project.BatchJobID
	}
	if jobID == "" {
		defer s.mu.Unlock()
		return s.project.BatchStatus, s.fail(ErrNoJob)
	}
	if jobID != s.project.BatchJobID {
		defer s.mu.Unlock()
		return s.project.BatchStatus, fmt.Errorf("%w: %s", ErrStaleJob, jobID)
	}
	s.mu.Unlock()

	st, err := s.deps.Provider.GetBatchStatus(ctx, jobID)
	if err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if errors.Is(err, provider.ErrUnknownJob) && s.project.BatchJobID == jobID {
			// 任务不存在（id 错误或已过期），不会再有结果
			l.Error("batch job unknown to provider", slog.String("job", jobID), slog.Any("err", err))
			s.failGenerating()
			s.project.BatchStatus = models.BatchFailed
			s.changed()
			return s.project.BatchStatus, s.fail(fmt.Errorf("%w: %w", ErrBatchFailed, err))
		}
		l.Warn("batch status query failed", slog.String("job", jobID), slog.Any("err", err))
		return s.project.BatchStatus, s.fail(fmt.Errorf("%w: %w", ErrProvider, err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project.BatchJobID != jobID {
		return s.project.BatchStatus, fmt.Errorf("%w: %s", ErrStaleJob, jobID)
	}
	switch st.State {
	case provider.BatchSucceeded:
		completed, failed := s.reconcile(st.Results)
		s.project.BatchStatus = models.BatchCompleted
		l.Info("batch completed", slog.String("job", jobID), slog.Int("completed", completed), slog.Int("failed", failed))
		s.changed()
	case provider.BatchFailed:
		s.failGenerating()
		s.project.BatchStatus = models.BatchFailed
		s.changed()
		msg := st.Error
		if msg == "" {
			msg = "no reason given"
		}
		return s.project.BatchStatus, s.fail(fmt.Errorf("%w: %s", ErrBatchFailed, msg))
	default:
		if s.project.BatchStatus != models.BatchPending {
			s.project.BatchStatus = models.BatchPending
			s.changed()
		}
	}
	return s.project.BatchStatus, nil
}

// reconcile applies a terminal result set. Results are matched to panels by the index
// they carry; results without an index fall back to their position in the response.
// A panel still generating without a usable result ends in error. Panels being
// regenerated on their own are left to that call. Caller holds mu.
func (s *Session) reconcile(results []provider.BatchItemResult) (completed, failed int) {
	byIndex := make(map[int]provider.BatchItemResult, len(results))
	var unkeyed []int
	maxIndex := -1
	for pos, r := range results {
		if r.Index >= 0 {
			if _, dup := byIndex[r.Index]; !dup {
				byIndex[r.Index] = r
			}
			maxIndex = max(maxIndex, r.Index)
			continue
		}
		unkeyed = append(unkeyed, pos)
	}
	for _, pos := range unkeyed {
		if _, taken := byIndex[pos]; !taken {
			byIndex[pos] = results[pos]
			maxIndex = max(maxIndex, pos)
		}
	}

	for i := range s.project.SubPanels {
		sp := &s.project.SubPanels[i]
		if sp.Status != models.PanelGenerating || s.regenerating[sp.Index] {
			continue
		}
		r, ok := byIndex[sp.Index]
		if ok && r.Error == "" && len(r.Images) > 0 && r.Images[0] != "" {
			sp.Status = models.PanelCompleted
			sp.ImageURL = r.Images[0]
			completed++
			continue
		}
		sp.Status = models.PanelError
		sp.ImageURL = ""
		failed++
	}
	if maxIndex >= len(s.project.SubPanels) {
		s.log.Warn("batch returned results for unknown panels", slog.Int("max_index", maxIndex))
	}
	return completed, failed
}

// failGenerating ends every panel still waiting on the batch job in error. Caller holds mu.
func (s *Session) failGenerating() {
	for i := range s.project.SubPanels {
		sp := &s.project.SubPanels[i]
		if sp.Status == models.PanelGenerating && !s.regenerating[sp.Index] {
			sp.Status = models.PanelError
			sp.ImageURL = ""
		}
	}
}

// RecoverBatch 用外部提供的 job id 重新挂接批任务：按 panelCount（未设置时 10）生成
// 全部为 generating 的占位面板，然后立即查询一次
func (s *Session) RecoverBatch(ctx context.Context, jobID string) (models.BatchStatus, error) {
	if err := s.begin(); err != nil {
		return "", err
	}
	if jobID == "" {
		defer s.mu.Unlock()
		return s.project.BatchStatus, s.fail(ErrNoJob)
	}
	n := s.project.PanelCount
	if n <= 0 {
		n = models.DefaultPanelCount
	}
	s.invalidate(StageRefine)
	s.project.PanelCount = n
	s.project.SubPanels = models.NewSubPanels(n, models.PanelGenerating)
	s.project.BatchJobID = jobID
	s.project.BatchStatus = models.BatchPending
	s.project.WorkflowStep = models.StepRefineMode
	s.advanceView(models.ViewRefine)
	s.changed()
	s.mu.Unlock()

	s.log.Info("batch recovered", slog.String("job", jobID), slog.Int("panels", n))
	return s.PollBatch(ctx, jobID)
}

// PollUntilDone polls the current job every interval until it is no longer pending.
// Transient query errors are logged and retried on the next tick.
func (s *Session) PollUntilDone(ctx context.Context, interval time.Duration) (models.BatchStatus, error) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := s.PollBatch(ctx, "")
		switch {
		case errors.Is(err, ErrProvider):
			// 网络错误，下次重试
		case err != nil:
			return st, err
		case st != models.BatchPending:
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, fmt.Errorf("polling canceled: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
