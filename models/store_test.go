package models

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenDB("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func sampleProject(id string) *Project {
	p := NewProject(id)
	p.SourceType = SourceWeb
	p.OriginalSource = "look https://www.example.com/v/1?x=2"
	p.VideoURL = "https://cdn.example.com/1.mp4"
	p.Title = "Noodles"
	p.Tags = []Tag{{ID: "t1", Timestamp: 1.5, Label: "boil", CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}}
	p.SourceFrames = []SourceFrame{{TagID: "t1", Timestamp: 1.5, Data: "data:image/png;base64,AAA"}}
	p.StepDescriptions = []string{"boil water"}
	p.BaseArt = "base"
	p.GeneratedArt = "base"
	p.PanelCount = 2
	p.SubPanels = []SubPanel{{Index: 0, ImageURL: "img0", Status: PanelCompleted}, {Index: 1, Status: PanelError}}
	p.CaptionOptions = []Caption{{Title: "T", Content: "C", Tags: []string{"food"}}}
	sel := p.CaptionOptions[0]
	p.SelectedCaption = &sel
	p.WorkflowStep = StepRefineMode
	p.ViewStep = ViewCaptions
	p.BatchJobID = "job-1"
	p.BatchStatus = BatchCompleted
	return p
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestSaveGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewProjectStore(setupTestDB(t))

	p := sampleProject("p1")
	if err := store.Save(ctx, p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.Get(ctx, "p1")
	if err != nil || got == nil {
		t.Fatalf("Get: %v %v", got, err)
	}
	if mustJSON(t, got) != mustJSON(t, p) {
		t.Fatalf("round trip mismatch:\n got %s\nwant %s", mustJSON(t, got), mustJSON(t, p))
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	store := NewProjectStore(setupTestDB(t))
	got, err := store.Get(context.Background(), "nope")
	if err != nil || got != nil {
		t.Fatalf("expected nil, nil; got %v, %v", got, err)
	}
}

func TestUpdateMergesOnlyGivenFields(t *testing.T) {
	ctx := context.Background()
	clock := &stepClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewProjectStore(setupTestDB(t)).WithClock(clock.Now)

	p := sampleProject("p1")
	if err := store.Save(ctx, p); err != nil {
		t.Fatal(err)
	}
	before, _ := store.Get(ctx, "p1")

	title := "Ramen"
	if _, err := store.Update(ctx, "p1", ProjectPatch{Title: &title}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	after, _ := store.Get(ctx, "p1")
	if !after.LastUpdated.After(before.LastUpdated) {
		t.Fatalf("lastUpdated not advanced: %v -> %v", before.LastUpdated, after.LastUpdated)
	}
	want := before.Clone()
	want.Title = "Ramen"
	want.LastUpdated = after.LastUpdated
	if mustJSON(t, after) != mustJSON(t, want) {
		t.Fatalf("update changed more than title:\n got %s\nwant %s", mustJSON(t, after), mustJSON(t, want))
	}
}

func TestUpdateCreatesMissingProject(t *testing.T) {
	ctx := context.Background()
	store := NewProjectStore(setupTestDB(t))
	count := 7
	got, err := store.Update(ctx, "fresh", ProjectPatch{PanelCount: &count})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.PanelCount != 7 || got.AspectRatio != DefaultAspectRatio || got.BatchStatus != BatchIdle {
		t.Fatalf("unexpected created project: %+v", got)
	}
	stored, _ := store.Get(ctx, "fresh")
	if stored == nil || stored.PanelCount != 7 {
		t.Fatalf("project not persisted: %+v", stored)
	}
}

func TestUpdateClearsSelectedCaption(t *testing.T) {
	ctx := context.Background()
	store := NewProjectStore(setupTestDB(t))
	if err := store.Save(ctx, sampleProject("p1")); err != nil {
		t.Fatal(err)
	}
	var none *Caption
	if _, err := store.Update(ctx, "p1", ProjectPatch{SelectedCaption: &none}); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get(ctx, "p1")
	if got.SelectedCaption != nil || len(got.CaptionOptions) != 1 {
		t.Fatalf("unexpected captions: %+v / %+v", got.SelectedCaption, got.CaptionOptions)
	}
}

func TestListAllSortedByLastUpdated(t *testing.T) {
	ctx := context.Background()
	clock := &stepClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewProjectStore(setupTestDB(t)).WithClock(clock.Now)

	for _, id := range []string{"a", "b", "c"} {
		if err := store.Save(ctx, NewProject(id)); err != nil {
			t.Fatal(err)
		}
	}
	title := "touched"
	if _, err := store.Update(ctx, "a", ProjectPatch{Title: &title}); err != nil {
		t.Fatal(err)
	}
	all, err := store.ListAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, p := range all {
		ids = append(ids, p.ID)
	}
	if fmt.Sprint(ids) != "[a c b]" {
		t.Fatalf("order = %v", ids)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	store := NewProjectStore(setupTestDB(t))
	if err := store.Save(ctx, NewProject("gone")); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, "gone"); err != nil {
		t.Fatal(err)
	}
	if got, _ := store.Get(ctx, "gone"); got != nil {
		t.Fatalf("still present: %+v", got)
	}
}

func TestConcurrentMutateSameIDDoesNotLoseWrites(t *testing.T) {
	ctx := context.Background()
	store := NewProjectStore(setupTestDB(t))
	if err := store.Save(ctx, NewProject("p")); err != nil {
		t.Fatal(err)
	}

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Mutate(ctx, "p", func(p *Project) {
				p.Tags = append(p.Tags, Tag{ID: fmt.Sprintf("t%d", i)})
			})
			if err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := store.Get(ctx, "p")
	if len(got.Tags) != n {
		t.Fatalf("lost updates: %d tags, want %d", len(got.Tags), n)
	}
}
