package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"StoryToComic-server/logger"
	"StoryToComic-server/models"
	"StoryToComic-server/provider"

	"golang.org/x/sync/errgroup"
)

func (s *Session) textConfig() provider.GenerateConfig {
	return provider.GenerateConfig{ResponseMIMEType: "application/json"}
}

func (s *Session) imageConfig() provider.GenerateConfig {
	return provider.GenerateConfig{
		ResponseModalities: []string{"IMAGE", "TEXT"},
		AspectRatio:        s.project.AspectRatio,
	}
}

func framesParts(frames []models.SourceFrame) []provider.Part {
	parts := make([]provider.Part, 0, len(frames))
	for _, f := range frames {
		parts = append(parts, provider.ImagePart(f.Data))
	}
	return parts
}

func firstImage(res *provider.GenerateResult) (string, error) {
	if res == nil || len(res.Images) == 0 || res.Images[0] == "" {
		return "", ErrNoImage
	}
	return res.Images[0], nil
}

// Analyze 让模型把帧分组为步骤并写入 stepDescriptions；成功后失效 base 及之后的产物
func (s *Session) Analyze(ctx context.Context) error {
	l := logger.WithOperation(s.log, "analyze")
	if err := s.begin(); err != nil {
		return err
	}
	if len(s.project.SourceFrames) == 0 {
		defer s.mu.Unlock()
		return s.fail(ErrNoFrames)
	}
	st, err := s.strategy()
	if err != nil {
		defer s.mu.Unlock()
		return s.fail(err)
	}
	frames := append([]models.SourceFrame(nil), s.project.SourceFrames...)
	msgs := provider.UserMessage(append([]provider.Part{provider.TextPart(st.AnalysisPrompt(s.strategyContext()))}, framesParts(frames)...)...)
	cfg := s.textConfig()
	epoch := s.epochs[StageAnalyze]
	model := s.prefs.TextModel
	s.mu.Unlock()

	l.Info("analyzing frames", slog.Int("frames", len(frames)))
	res, err := s.deps.Provider.GenerateContent(ctx, model, msgs, cfg)
	if err != nil {
		l.Error("analysis call failed", slog.Any("err", err))
		return s.failUnlocked(fmt.Errorf("%w: %v", ErrProvider, err))
	}
	descs, err := parseSteps(res.Text, len(frames))
	if err != nil {
		l.Warn("analysis response unparseable", slog.Any("err", err))
		return s.failUnlocked(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epochs[StageAnalyze] != epoch || len(s.project.SourceFrames) != len(frames) {
		return ErrSuperseded
	}
	s.invalidate(StageBase)
	s.project.StepDescriptions = descs
	s.lastErr = ""
	s.changed()
	return nil
}

// GenerateBase 生成整张分镜底图。调用前先失效 base 及之后的产物，避免生成期间展示过期结果。
// prompt 为空时使用平台策略的提示词。
func (s *Session) GenerateBase(ctx context.Context, prompt string) error {
	l := logger.WithOperation(s.log, "generate_base")
	if err := s.begin(); err != nil {
		return err
	}
	if len(s.project.SourceFrames) == 0 {
		defer s.mu.Unlock()
		return s.fail(ErrNoFrames)
	}
	st, err := s.strategy()
	if err != nil {
		defer s.mu.Unlock()
		return s.fail(err)
	}
	s.invalidate(StageBase)
	s.changed()
	if prompt == "" {
		prompt = st.BaseImagePrompt(s.strategyContext())
	}
	msgs := provider.UserMessage(append([]provider.Part{provider.TextPart(prompt)}, framesParts(s.project.SourceFrames)...)...)
	cfg := s.imageConfig()
	epoch := s.epochs[StageBase]
	model := s.prefs.ImageModel
	s.mu.Unlock()

	res, err := s.deps.Provider.GenerateContent(ctx, model, msgs, cfg)
	if err != nil {
		l.Error("base generation failed", slog.Any("err", err))
		return s.failUnlocked(fmt.Errorf("%w: %v", ErrProvider, err))
	}
	img, err := firstImage(res)
	if err != nil {
		return s.failUnlocked(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epochs[StageBase] != epoch {
		return ErrSuperseded
	}
	s.project.BaseArt = img
	s.project.GeneratedArt = img
	s.project.WorkflowStep = models.StepBaseGenerated
	s.advanceView(models.ViewStoryboard)
	s.lastErr = ""
	s.changed()
	l.Info("base storyboard generated")
	return nil
}

// IntegrateCharacter 把角色图融合进底图。失败时 generatedArt 保持不变。
func (s *Session) IntegrateCharacter(ctx context.Context) error {
	l := logger.WithOperation(s.log, "integrate_character")
	if err := s.begin(); err != nil {
		return err
	}
	if s.project.BaseArt == "" {
		defer s.mu.Unlock()
		return s.fail(ErrNoBaseArt)
	}
	if s.project.AvatarImage == "" {
		defer s.mu.Unlock()
		return s.fail(ErrNoAvatar)
	}
	st, err := s.strategy()
	if err != nil {
		defer s.mu.Unlock()
		return s.fail(err)
	}
	s.invalidate(StageRefine)
	s.project.WorkflowStep = models.StepAvatarMode
	s.changed()
	msgs := provider.UserMessage(
		provider.TextPart(st.CharacterPrompt(s.strategyContext())),
		provider.ImagePart(s.project.BaseArt),
		provider.ImagePart(s.project.AvatarImage),
	)
	cfg := s.imageConfig()
	epoch := s.epochs[StageCharacter]
	model := s.prefs.ImageModel
	s.mu.Unlock()

	res, err := s.deps.Provider.GenerateContent(ctx, model, msgs, cfg)
	if err != nil {
		l.Error("character integration failed", slog.Any("err", err))
		return s.failUnlocked(fmt.Errorf("%w: %v", ErrProvider, err))
	}
	img, err := firstImage(res)
	if err != nil {
		return s.failUnlocked(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epochs[StageCharacter] != epoch {
		return ErrSuperseded
	}
	s.project.GeneratedArt = img
	s.project.WorkflowStep = models.StepFinalGenerated
	s.lastErr = ""
	s.changed()
	return nil
}

// SkipCharacter uses the base storyboard as the final art. Downstream artifacts are only
// invalidated when generatedArt actually changes.
func (s *Session) SkipCharacter() error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if s.project.BaseArt == "" {
		return s.fail(ErrNoBaseArt)
	}
	if s.project.GeneratedArt != s.project.BaseArt {
		s.invalidate(StageCharacter)
	}
	if stepRank(s.project.WorkflowStep) < stepRank(models.StepFinalGenerated) {
		s.project.WorkflowStep = models.StepFinalGenerated
	}
	s.changed()
	return nil
}

// StartRefine 分配 panelCount 个面板并立即生成：批处理模式下提交一个批任务，
// 否则每个面板独立并发生成，单个失败只影响该面板。非批处理模式下阻塞到全部完成。
func (s *Session) StartRefine(ctx context.Context, panelCount int) error {
	l := logger.WithOperation(s.log, "start_refine")
	if err := s.begin(); err != nil {
		return err
	}
	if s.project.GeneratedArt == "" {
		defer s.mu.Unlock()
		return s.fail(ErrNoBaseArt)
	}
	if _, err := s.strategy(); err != nil {
		defer s.mu.Unlock()
		return s.fail(err)
	}
	n := panelCount
	if n <= 0 {
		n = s.project.PanelCount
	}
	if n <= 0 {
		n = len(s.project.SourceFrames)
	}
	if n > MaxPanelCount {
		defer s.mu.Unlock()
		return s.fail(fmt.Errorf("%w: panel count must be between 1 and %d", ErrInvalid, MaxPanelCount))
	}
	if n <= 0 {
		n = models.DefaultPanelCount
	}

	s.invalidate(StageRefine)
	s.project.PanelCount = n
	s.project.SubPanels = models.NewSubPanels(n, models.PanelPending)
	s.project.WorkflowStep = models.StepRefineMode
	s.advanceView(models.ViewRefine)
	useBatch := s.prefs.UseBatch
	concurrency := s.prefs.Concurrency
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	s.changed()
	s.mu.Unlock()

	l.Info("refine started", slog.Int("panels", n), slog.Bool("batch", useBatch))
	if useBatch {
		_, err := s.SubmitBatch(ctx, indices)
		return err
	}

	s.mu.Lock()
	epoch := s.epochs[StageRefine]
	for _, i := range indices {
		s.project.SetPanel(i, models.PanelGenerating, "")
	}
	s.changed()
	s.mu.Unlock()

	if concurrency <= 0 {
		concurrency = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, i := range indices {
		i := i
		g.Go(func() error {
			// 单个面板失败不影响其它面板
			_ = s.generatePanel(gctx, i, epoch)
			return nil
		})
	}
	_ = g.Wait()
	return nil
}

// RegeneratePanel regenerates one panel through the synchronous path, leaving every other
// panel and any batch job untouched.
func (s *Session) RegeneratePanel(ctx context.Context, index int) error {
	if err := s.begin(); err != nil {
		return err
	}
	if s.project.PanelByIndex(index) == nil {
		defer s.mu.Unlock()
		return s.fail(fmt.Errorf("%w: %d", ErrPanelIndex, index))
	}
	if _, err := s.strategy(); err != nil {
		defer s.mu.Unlock()
		return s.fail(err)
	}
	s.project.SetPanel(index, models.PanelGenerating, "")
	if s.regenerating == nil {
		s.regenerating = map[int]bool{}
	}
	s.regenerating[index] = true
	epoch := s.epochs[StageRefine]
	s.changed()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.regenerating, index)
		s.mu.Unlock()
	}()
	return s.generatePanel(ctx, index, epoch)
}

// panelMessages builds the request for one panel. Caller holds mu.
func (s *Session) panelMessages(index int) ([]provider.Message, error) {
	st, err := s.strategy()
	if err != nil {
		return nil, err
	}
	parts := []provider.Part{
		provider.TextPart(st.PanelPrompt(s.strategyContext(), index)),
		provider.ImagePart(s.project.GeneratedArt),
	}
	if index < len(s.project.SourceFrames) {
		parts = append(parts, provider.ImagePart(s.project.SourceFrames[index].Data))
	}
	return provider.UserMessage(parts...), nil
}

func (s *Session) generatePanel(ctx context.Context, index int, epoch uint64) error {
	s.mu.Lock()
	msgs, err := s.panelMessages(index)
	cfg := s.imageConfig()
	model := s.prefs.ImageModel
	s.mu.Unlock()
	if err != nil {
		return s.failUnlocked(err)
	}

	res, err := s.deps.Provider.GenerateContent(ctx, model, msgs, cfg)
	var img string
	if err == nil {
		img, err = firstImage(res)
	} else {
		err = fmt.Errorf("%w: %v", ErrProvider, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epochs[StageRefine] != epoch {
		return ErrSuperseded
	}
	if err != nil {
		s.log.Warn("panel generation failed", slog.Int("panel", index), slog.Any("err", err))
		s.project.SetPanel(index, models.PanelError, "")
		s.changed()
		return s.fail(fmt.Errorf("panel %d: %w", index+1, err))
	}
	s.project.SetPanel(index, models.PanelCompleted, img)
	s.changed()
	return nil
}

// GenerateCaptions 生成文案候选。优先使用已完成的精修面板（按序号），部分成功也可以；
// 没有面板时退回到 generatedArt + 原始帧。
func (s *Session) GenerateCaptions(ctx context.Context) error {
	l := logger.WithOperation(s.log, "generate_captions")
	if err := s.begin(); err != nil {
		return err
	}
	st, err := s.strategy()
	if err != nil {
		defer s.mu.Unlock()
		return s.fail(err)
	}
	var images []provider.Part
	for _, sp := range s.project.CompletedPanels() {
		images = append(images, provider.ImagePart(sp.ImageURL))
	}
	if len(images) == 0 {
		if s.project.GeneratedArt != "" {
			images = append(images, provider.ImagePart(s.project.GeneratedArt))
		}
		images = append(images, framesParts(s.project.SourceFrames)...)
	}
	if len(images) == 0 {
		defer s.mu.Unlock()
		return s.fail(ErrNoFrames)
	}
	s.invalidate(StageCaptions)
	s.changed()
	msgs := provider.UserMessage(append([]provider.Part{provider.TextPart(st.CaptionPrompt(s.strategyContext()))}, images...)...)
	epoch := s.epochs[StageCaptions]
	model := s.prefs.TextModel
	s.mu.Unlock()

	res, err := s.deps.Provider.GenerateContent(ctx, model, msgs, s.textConfig())
	if err != nil {
		l.Error("caption generation failed", slog.Any("err", err))
		return s.failUnlocked(fmt.Errorf("%w: %v", ErrProvider, err))
	}
	caps, err := parseCaptions(res.Text)
	if err != nil {
		return s.failUnlocked(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epochs[StageCaptions] != epoch {
		return ErrSuperseded
	}
	s.project.CaptionOptions = caps
	s.advanceView(models.ViewCaptions)
	s.lastErr = ""
	s.changed()
	return nil
}

// SelectCaption picks one of the caption options; the cover is invalidated.
func (s *Session) SelectCaption(i int) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.project.CaptionOptions) {
		return s.fail(fmt.Errorf("%w: option %d does not exist", ErrNoCaption, i))
	}
	c := s.project.CaptionOptions[i]
	c.Tags = append([]string(nil), c.Tags...)
	s.invalidate(StageCover)
	s.project.SelectedCaption = &c
	s.changed()
	return nil
}

// EditSelectedCaption replaces the selected caption with user-edited text.
func (s *Session) EditSelectedCaption(c models.Caption) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if c.Title == "" && c.Content == "" {
		return s.fail(fmt.Errorf("%w: empty caption", ErrInvalid))
	}
	c.Tags = append([]string(nil), c.Tags...)
	s.invalidate(StageCover)
	s.project.SelectedCaption = &c
	s.changed()
	return nil
}

// coverFrames returns the first two and last two frame positions, deduplicated.
func coverFrames(n int) []int {
	var out []int
	seen := map[int]bool{}
	for _, i := range []int{0, 1, n - 2, n - 1} {
		if i >= 0 && i < n && !seen[i] {
			seen[i] = true
			out = append(out, i)
		}
	}
	return out
}

// GenerateCover 用选中的文案、首尾各两帧以及角色图生成封面
func (s *Session) GenerateCover(ctx context.Context) error {
	l := logger.WithOperation(s.log, "generate_cover")
	if err := s.begin(); err != nil {
		return err
	}
	if s.project.SelectedCaption == nil {
		defer s.mu.Unlock()
		return s.fail(ErrNoCaption)
	}
	if len(s.project.SourceFrames) == 0 {
		defer s.mu.Unlock()
		return s.fail(ErrNoFrames)
	}
	st, err := s.strategy()
	if err != nil {
		defer s.mu.Unlock()
		return s.fail(err)
	}
	s.invalidate(StageCover)
	s.changed()
	sel := s.project.SelectedCaption
	parts := []provider.Part{provider.TextPart(st.CoverPrompt(s.strategyContext(), sel.Title, sel.Content))}
	for _, i := range coverFrames(len(s.project.SourceFrames)) {
		parts = append(parts, provider.ImagePart(s.project.SourceFrames[i].Data))
	}
	if s.project.AvatarImage != "" {
		parts = append(parts, provider.ImagePart(s.project.AvatarImage))
	}
	msgs := provider.UserMessage(parts...)
	cfg := s.imageConfig()
	epoch := s.epochs[StageCover]
	model := s.prefs.ImageModel
	s.mu.Unlock()

	res, err := s.deps.Provider.GenerateContent(ctx, model, msgs, cfg)
	if err != nil {
		l.Error("cover generation failed", slog.Any("err", err))
		return s.failUnlocked(fmt.Errorf("%w: %v", ErrProvider, err))
	}
	img, err := firstImage(res)
	if err != nil {
		return s.failUnlocked(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epochs[StageCover] != epoch {
		return ErrSuperseded
	}
	s.project.CoverImage = img
	s.project.WorkflowStep = models.StepCoverMode
	s.advanceView(models.ViewCover)
	s.lastErr = ""
	s.changed()
	return nil
}
