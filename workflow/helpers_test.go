package workflow

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"StoryToComic-server/config"
	"StoryToComic-server/models"
	"StoryToComic-server/provider"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock and runs due timers on the calling goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

// fakeProvider records calls; generate decides the synchronous result.
type fakeProvider struct {
	mu        sync.Mutex
	generate  func(model string, msgs []provider.Message) (*provider.GenerateResult, error)
	calls     [][]provider.Message
	submitErr error
	jobID     string
	submitted [][]provider.BatchRequest
	status    *provider.BatchStatus
	statusErr error
	polls     int
}

func (f *fakeProvider) Kind() provider.Kind { return provider.KindSimulated }

func (f *fakeProvider) GenerateContent(_ context.Context, model string, msgs []provider.Message, _ provider.GenerateConfig) (*provider.GenerateResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, msgs)
	gen := f.generate
	f.mu.Unlock()
	if gen == nil {
		return &provider.GenerateResult{Images: []string{"data:image/png;base64,IMG"}}, nil
	}
	return gen(model, msgs)
}

func (f *fakeProvider) GenerateContentBatch(_ context.Context, _ string, reqs []provider.BatchRequest, _ provider.GenerateConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, reqs)
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.jobID, nil
}

func (f *fakeProvider) GetBatchStatus(_ context.Context, _ string) (*provider.BatchStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if f.status == nil {
		return &provider.BatchStatus{State: provider.BatchRunning}, nil
	}
	st := *f.status
	return &st, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func promptOf(msgs []provider.Message) string {
	return msgs[0].Parts[0].Text
}

func imagesOf(msgs []provider.Message) []string {
	var out []string
	for _, p := range msgs[0].Parts {
		if p.ImageData != "" {
			out = append(out, p.ImageData)
		}
	}
	return out
}

type testEnv struct {
	store *models.ProjectStore
	clock *fakeClock
	fp    *fakeProvider
	deps  Deps
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := models.OpenDB("sqlite", filepath.Join(t.TempDir(), "wf.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	env := &testEnv{store: models.NewProjectStore(db), clock: newFakeClock(), fp: &fakeProvider{jobID: "job-1"}}
	env.deps = Deps{
		Store:    env.store,
		Provider: env.fp,
		Prefs:    config.DefaultPreferences(),
		Clock:    env.clock,
	}
	return env
}

func (e *testEnv) open(t *testing.T, p *models.Project) *Session {
	t.Helper()
	if err := e.store.Save(context.Background(), p); err != nil {
		t.Fatalf("save: %v", err)
	}
	s, err := Open(context.Background(), e.deps, p.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func projectWithFrames(id string, n int) *models.Project {
	p := models.NewProject(id)
	for i := 0; i < n; i++ {
		tid := "tag-" + string(rune('a'+i))
		p.Tags = append(p.Tags, models.Tag{ID: tid, Timestamp: float64(i)})
		p.SourceFrames = append(p.SourceFrames, models.SourceFrame{TagID: tid, Timestamp: float64(i), Data: "frame-" + string(rune('a'+i))})
	}
	p.SyncDescriptions()
	return p
}

// fullProject has an artifact at every stage.
func fullProject(id string) *models.Project {
	p := projectWithFrames(id, 4)
	p.StepDescriptions = []string{"A", "A", "B", "C"}
	p.BaseArt = "base"
	p.GeneratedArt = "merged"
	p.PanelCount = 3
	p.SubPanels = []models.SubPanel{
		{Index: 0, ImageURL: "p0", Status: models.PanelCompleted},
		{Index: 1, ImageURL: "p1", Status: models.PanelCompleted},
		{Index: 2, ImageURL: "p2", Status: models.PanelCompleted},
	}
	p.BatchJobID = "old-job"
	p.BatchStatus = models.BatchCompleted
	p.CaptionOptions = []models.Caption{{Title: "t1", Content: "c1"}, {Title: "t2", Content: "c2"}}
	sel := p.CaptionOptions[0]
	p.SelectedCaption = &sel
	p.CoverImage = "cover"
	p.WorkflowStep = models.StepCoverMode
	p.ViewStep = models.ViewCover
	return p
}

func statuses(p *models.Project) string {
	var b strings.Builder
	for i, sp := range p.SubPanels {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(string(sp.Status))
	}
	return b.String()
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}
