// Package workflow 驱动单个项目的生成流水线：阶段校验、级联失效、批处理对账、自动保存与恢复。
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"StoryToComic-server/config"
	"StoryToComic-server/logger"
	"StoryToComic-server/media"
	"StoryToComic-server/models"
	"StoryToComic-server/provider"
	"StoryToComic-server/strategy"

	"github.com/google/uuid"
)

// MaxPanelCount bounds the refine fan-out.
const MaxPanelCount = 20

// Deps are the collaborators of a session.
type Deps struct {
	Store        *models.ProjectStore
	Provider     provider.Provider
	Prefs        config.Preferences
	Capturer     media.Capturer
	Clock        Clock
	QuietPeriod  time.Duration
	FrameTimeout time.Duration
}

// Session 持有一个项目的内存状态。所有变更在 mu 下进行，AI 调用期间不持锁。
type Session struct {
	mu        sync.Mutex
	deps      Deps
	prefs     config.Preferences
	project   *models.Project
	restoring bool
	captured  bool
	lastErr   string
	// epochs[s] 在 s 的产物被失效时递增，用于丢弃过期的异步结果
	epochs [numStages]uint64
	// regenerating 正在单独重新生成的面板，批任务对账时跳过
	regenerating map[int]bool
	autosave     *Autosaver
	log          *slog.Logger
}

// New creates a session for id in the restoring state. Call Restore before use.
func New(deps Deps, id string) *Session {
	s := &Session{
		deps:      deps,
		prefs:     deps.Prefs,
		project:   models.NewProject(id),
		restoring: true,
		log:       logger.WithComponent("workflow").With(slog.String("project", id)),
	}
	s.autosave = NewAutosaver(deps.Clock, deps.QuietPeriod, func(ctx context.Context, snap *models.Project) error {
		_, err := deps.Store.Update(ctx, snap.ID, models.SnapshotPatch(snap))
		return err
	}, s.log)
	return s
}

// Open loads the project and returns a ready session.
func Open(ctx context.Context, deps Deps, id string) (*Session, error) {
	s := New(deps, id)
	if err := s.Restore(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Restore 从存储中逐字段恢复状态；完成前其它操作返回 ErrRestoring，自动保存不启用
func (s *Session) Restore(ctx context.Context) error {
	l := logger.WithOperation(s.log, "restore")
	id := s.ID()
	p, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		l.Error("load project failed", slog.Any("err", err))
		return err
	}
	if p == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	s.mu.Lock()
	cur := s.project
	cur.SourceType = p.SourceType
	cur.OriginalSource = p.OriginalSource
	cur.StorageKey = p.StorageKey
	cur.VideoURL = p.VideoURL
	cur.Title = p.Title
	cur.Tags = p.Tags
	cur.SourceFrames = p.SourceFrames
	cur.StepDescriptions = p.StepDescriptions
	cur.BaseArt = p.BaseArt
	cur.GeneratedArt = p.GeneratedArt
	cur.AvatarImage = p.AvatarImage
	cur.WatermarkText = p.WatermarkText
	cur.PanelCount = p.PanelCount
	cur.SubPanels = p.SubPanels
	cur.CaptionOptions = p.CaptionOptions
	cur.SelectedCaption = p.SelectedCaption
	cur.CoverImage = p.CoverImage
	cur.WorkflowStep = p.WorkflowStep
	cur.ViewStep = p.ViewStep
	cur.BatchJobID = p.BatchJobID
	cur.BatchStatus = p.BatchStatus
	cur.AspectRatio = p.AspectRatio
	cur.LastUpdated = p.LastUpdated
	// 项目没有时沿用全局偏好
	if cur.AvatarImage == "" {
		cur.AvatarImage = s.prefs.AvatarImage
	}
	if cur.WatermarkText == "" {
		cur.WatermarkText = s.prefs.WatermarkText
	}
	cur.Normalize()
	s.restoring = false
	s.mu.Unlock()

	s.autosave.Enable()
	l.Info("project restored", slog.Int("frames", len(p.SourceFrames)), slog.Int("panels", len(p.SubPanels)),
		slog.String("state", string(DerivedState(p))))
	return nil
}

// Close writes any pending autosave.
func (s *Session) Close(ctx context.Context) {
	s.autosave.Flush(ctx)
}

// Discard drops pending writes and stops autosaving (used when the project is deleted).
func (s *Session) Discard() {
	s.autosave.Disable()
}

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.project.ID
}

// Snapshot returns a deep copy of the current state.
func (s *Session) Snapshot() *models.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.project.Clone()
}

// State returns the derived pipeline position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return DerivedState(s.project)
}

// LastError is the user-facing message of the most recent failure, or "".
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) ClearError() {
	s.mu.Lock()
	s.lastErr = ""
	s.mu.Unlock()
}

// Preferences returns the session's copy of the user preferences.
func (s *Session) Preferences() config.Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs
}

// Autosaver exposes the scheduler, mainly for Flush in tests and shutdown.
func (s *Session) Autosaver() *Autosaver { return s.autosave }

// begin 加锁并检查恢复状态；返回 nil 时调用方持有锁
func (s *Session) begin() error {
	s.mu.Lock()
	if s.restoring {
		s.mu.Unlock()
		return ErrRestoring
	}
	return nil
}

// changed schedules an autosave of the current state. Caller holds mu.
func (s *Session) changed() {
	s.autosave.Schedule(s.project.Clone())
}

// fail records err as the user-facing error and returns it. Caller holds mu.
func (s *Session) fail(err error) error {
	s.lastErr = err.Error()
	return err
}

func (s *Session) failUnlocked(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fail(err)
}

// invalidate runs the cascade and bumps the epochs of every cleared stage. Caller holds mu.
func (s *Session) invalidate(stage Stage) {
	Invalidate(s.project, stage)
	for st := stage; st < numStages; st++ {
		s.epochs[st]++
	}
}

func (s *Session) strategy() (strategy.Strategy, error) {
	st, ok := strategy.Lookup(s.prefs.Strategy)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoStrategy, s.prefs.Strategy)
	}
	return st, nil
}

func (s *Session) strategyContext() strategy.Context {
	p := s.project
	return strategy.Context{
		Title:        p.Title,
		SourceText:   p.OriginalSource,
		Descriptions: append([]string(nil), p.StepDescriptions...),
		FrameCount:   len(p.SourceFrames),
		PanelCount:   p.PanelCount,
		AspectRatio:  p.AspectRatio,
		Watermark:    p.WatermarkText,
	}
}

func (s *Session) advanceView(v int) {
	if s.project.ViewStep < v {
		s.project.ViewStep = v
	}
}

// ---- data model edits ----

// AddTag inserts a tag keeping tags ordered by timestamp.
func (s *Session) AddTag(timestamp float64, label string) (models.Tag, error) {
	if err := s.begin(); err != nil {
		return models.Tag{}, err
	}
	defer s.mu.Unlock()
	if timestamp < 0 {
		return models.Tag{}, s.fail(fmt.Errorf("%w: negative timestamp", ErrInvalid))
	}
	tag := models.Tag{ID: uuid.NewString(), Timestamp: timestamp, Label: strings.TrimSpace(label), CreatedAt: time.Now().UTC().Round(0)}
	tags := append(s.project.Tags, tag)
	sort.SliceStable(tags, func(i, j int) bool { return tags[i].Timestamp < tags[j].Timestamp })
	s.project.Tags = tags
	s.changed()
	return tag, nil
}

// RemoveTag removes the tag and the frame captured for it, with its description.
func (s *Session) RemoveTag(id string) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	i := s.project.TagIndex(id)
	if i < 0 {
		return s.fail(fmt.Errorf("%w: unknown tag %s", ErrInvalid, id))
	}
	s.project.Tags = append(s.project.Tags[:i:i], s.project.Tags[i+1:]...)
	if fi := s.project.FrameIndexForTag(id); fi >= 0 {
		s.project.RemoveFrameAt(fi)
	}
	s.changed()
	return nil
}

// SetFrames replaces the frames (image mode uploads). Frames without a tag get one whose
// timestamp is their position. Analysis and everything after it is invalidated.
func (s *Session) SetFrames(frames []models.SourceFrame) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.setFramesLocked(frames)
	s.changed()
	return nil
}

func (s *Session) setFramesLocked(frames []models.SourceFrame) {
	out := make([]models.SourceFrame, len(frames))
	copy(out, frames)
	for i := range out {
		if out[i].TagID != "" {
			continue
		}
		tag := models.Tag{ID: uuid.NewString(), Timestamp: float64(i), CreatedAt: time.Now().UTC().Round(0)}
		s.project.Tags = append(s.project.Tags, tag)
		out[i].TagID = tag.ID
		out[i].Timestamp = float64(i)
	}
	s.project.SourceFrames = out
	s.captured = true
	s.invalidate(StageAnalyze)
}

func (s *Session) MoveFrame(from, to int) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if !s.project.MoveFrame(from, to) {
		return s.fail(fmt.Errorf("%w: cannot move frame %d to %d", ErrInvalid, from, to))
	}
	s.changed()
	return nil
}

func (s *Session) RemoveFrame(i int) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if !s.project.RemoveFrameAt(i) {
		return s.fail(fmt.Errorf("%w: no frame %d", ErrInvalid, i))
	}
	s.changed()
	return nil
}

// SetDescription edits the description of frame i.
func (s *Session) SetDescription(i int, text string) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.project.SyncDescriptions()
	if i < 0 || i >= len(s.project.SourceFrames) {
		return s.fail(fmt.Errorf("%w: no frame %d", ErrInvalid, i))
	}
	s.project.StepDescriptions[i] = text
	s.changed()
	return nil
}

func (s *Session) SetPanelCount(n int) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if n < 1 || n > MaxPanelCount {
		return s.fail(fmt.Errorf("%w: panel count must be between 1 and %d", ErrInvalid, MaxPanelCount))
	}
	s.project.PanelCount = n
	s.changed()
	return nil
}

// SetAvatar sets the character image on the project and in the preferences.
func (s *Session) SetAvatar(image string) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.project.AvatarImage = image
	s.prefs.AvatarImage = image
	s.changed()
	return nil
}

func (s *Session) SetWatermark(text string) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.project.WatermarkText = text
	s.prefs.WatermarkText = text
	s.changed()
	return nil
}

func (s *Session) SetAspectRatio(ratio string) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	w, h, ok := strings.Cut(ratio, ":")
	if !ok || w == "" || h == "" {
		return s.fail(fmt.Errorf("%w: aspect ratio %q", ErrInvalid, ratio))
	}
	s.project.AspectRatio = ratio
	s.changed()
	return nil
}

// SetVideoURL replaces the playable media URL. Captured frames are kept.
func (s *Session) SetVideoURL(url string) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.project.VideoURL = strings.TrimSpace(url)
	s.changed()
	return nil
}

func (s *Session) SetTitle(title string) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.project.Title = strings.TrimSpace(title)
	s.changed()
	return nil
}

func (s *Session) SetViewStep(v int) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if v < models.ViewFrames || v > models.ViewCover {
		return s.fail(fmt.Errorf("%w: view step %d", ErrInvalid, v))
	}
	s.project.ViewStep = v
	if v == models.ViewCharacter && s.project.BaseArt != "" && stepRank(s.project.WorkflowStep) < stepRank(models.StepAvatarMode) {
		s.project.WorkflowStep = models.StepAvatarMode
	}
	s.changed()
	return nil
}

// SetStrategy selects the platform strategy for later prompts.
func (s *Session) SetStrategy(name string) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if _, ok := strategy.Lookup(name); !ok {
		return s.fail(fmt.Errorf("%w: %q", ErrNoStrategy, name))
	}
	s.prefs.Strategy = strings.ToLower(strings.TrimSpace(name))
	return nil
}

// SetUseBatch toggles batch submission for refine.
func (s *Session) SetUseBatch(on bool) {
	s.mu.Lock()
	s.prefs.UseBatch = on
	s.mu.Unlock()
}

// CaptureFrames 从媒体中截取所有标记对应的帧。每个会话最多执行一次，
// 已有帧（恢复得到或已填充）时不执行。ran 表示是否真正执行了截取。
func (s *Session) CaptureFrames(ctx context.Context) (ran bool, err error) {
	if err := s.begin(); err != nil {
		return false, err
	}
	if s.captured || len(s.project.SourceFrames) > 0 {
		s.captured = true
		s.mu.Unlock()
		return false, nil
	}
	if s.deps.Capturer == nil || s.project.VideoURL == "" || len(s.project.Tags) == 0 {
		s.mu.Unlock()
		return false, s.failUnlocked(ErrNoFrames)
	}
	s.captured = true
	url := s.project.VideoURL
	reqs := make([]media.FrameRequest, len(s.project.Tags))
	for i, t := range s.project.Tags {
		reqs[i] = media.FrameRequest{ID: t.ID, Timestamp: t.Timestamp}
	}
	s.mu.Unlock()

	timeout := s.deps.FrameTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	res, err := media.CaptureWithTimeout(ctx, s.deps.Capturer, url, reqs, timeout)
	if err != nil {
		return true, s.failUnlocked(fmt.Errorf("capture frames: %w", err))
	}
	for id, ferr := range res.Failed {
		s.log.Warn("frame capture skipped", slog.String("tag", id), slog.Any("err", ferr))
	}

	frames := make([]models.SourceFrame, len(res.Frames))
	for i, f := range res.Frames {
		frames[i] = models.SourceFrame{TagID: f.ID, Timestamp: f.Timestamp, Data: f.Data}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.project.SourceFrames) > 0 {
		return true, nil
	}
	s.setFramesLocked(frames)
	s.changed()
	return true, nil
}

// IsValidation reports whether err is an input validation error.
func IsValidation(err error) bool {
	for _, v := range []error{ErrNoFrames, ErrNoBaseArt, ErrNoAvatar, ErrNoCaption, ErrNoStrategy, ErrPanelIndex, ErrInvalid, ErrNoJob} {
		if errors.Is(err, v) {
			return true
		}
	}
	return false
}
