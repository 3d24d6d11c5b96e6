package models

import (
	"context"
	"errors"
	"testing"
)

func framesProject(n int) *Project {
	p := NewProject("p")
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		p.Tags = append(p.Tags, Tag{ID: id, Timestamp: float64(i)})
		p.SourceFrames = append(p.SourceFrames, SourceFrame{TagID: id, Timestamp: float64(i), Data: "img-" + id})
	}
	p.SyncDescriptions()
	return p
}

func TestSyncDescriptionsPadsNeverTruncates(t *testing.T) {
	p := framesProject(3)
	if len(p.StepDescriptions) != 3 {
		t.Fatalf("len = %d", len(p.StepDescriptions))
	}
	p.StepDescriptions = append(p.StepDescriptions, "extra")
	p.SyncDescriptions()
	if len(p.StepDescriptions) != 4 {
		t.Fatalf("SyncDescriptions truncated: %v", p.StepDescriptions)
	}
}

func TestRemoveFrameAtDropsPairedDescription(t *testing.T) {
	p := framesProject(3)
	p.StepDescriptions = []string{"A", "B", "C"}
	if !p.RemoveFrameAt(1) {
		t.Fatal("RemoveFrameAt returned false")
	}
	if len(p.SourceFrames) != 2 || p.SourceFrames[1].TagID != "c" {
		t.Fatalf("frames = %+v", p.SourceFrames)
	}
	if len(p.StepDescriptions) != 2 || p.StepDescriptions[1] != "C" {
		t.Fatalf("descriptions = %v", p.StepDescriptions)
	}
	if p.RemoveFrameAt(5) {
		t.Fatal("out of range removal succeeded")
	}
}

func TestMoveFrameKeepsAlignment(t *testing.T) {
	p := framesProject(4)
	p.StepDescriptions = []string{"A", "B", "C", "D"}
	if !p.MoveFrame(0, 2) {
		t.Fatal("MoveFrame returned false")
	}
	wantTags := []string{"b", "c", "a", "d"}
	for i, id := range wantTags {
		if p.SourceFrames[i].TagID != id || p.Tags[i].ID != id {
			t.Fatalf("position %d: frame %s tag %s, want %s", i, p.SourceFrames[i].TagID, p.Tags[i].ID, id)
		}
	}
	if p.StepDescriptions[2] != "A" || p.StepDescriptions[0] != "B" {
		t.Fatalf("descriptions not moved: %v", p.StepDescriptions)
	}
}

func TestMoveFrameFollowsTagIDWhenNotAligned(t *testing.T) {
	p := framesProject(3)
	// 标签 x 没有截到帧，y 是截帧之后新加的
	p.Tags = []Tag{{ID: "a"}, {ID: "x"}, {ID: "b"}, {ID: "c"}, {ID: "y"}}
	p.StepDescriptions = []string{"A", "B", "C"}
	if !p.MoveFrame(2, 0) {
		t.Fatal("MoveFrame returned false")
	}
	frames := ""
	for _, f := range p.SourceFrames {
		frames += f.TagID
	}
	tags := ""
	for _, tg := range p.Tags {
		tags += tg.ID
	}
	if frames != "cab" || tags != "cxaby" {
		t.Fatalf("frames %s tags %s", frames, tags)
	}
	if p.StepDescriptions[0] != "C" || p.StepDescriptions[1] != "A" {
		t.Fatalf("descriptions = %v", p.StepDescriptions)
	}
	// 有帧的标签与帧的相对顺序一致
	var owned []string
	for _, tg := range p.Tags {
		if p.FrameIndexForTag(tg.ID) >= 0 {
			owned = append(owned, tg.ID)
		}
	}
	for i, id := range owned {
		if p.SourceFrames[i].TagID != id {
			t.Fatalf("tag %s out of step with frame %d", id, i)
		}
	}
}

func TestSubPanelIndexIdentity(t *testing.T) {
	p := NewProject("p")
	p.SubPanels = NewSubPanels(4, PanelGenerating)
	for i, sp := range p.SubPanels {
		if sp.Index != i {
			t.Fatalf("panel %d has index %d", i, sp.Index)
		}
	}
	if !p.SetPanel(2, PanelCompleted, "img") {
		t.Fatal("SetPanel(2) failed")
	}
	if p.SetPanel(9, PanelCompleted, "img") {
		t.Fatal("SetPanel(9) should fail")
	}
	done := p.CompletedPanels()
	if len(done) != 1 || done[0].Index != 2 {
		t.Fatalf("completed = %+v", done)
	}
	if p.CountPanels(PanelGenerating) != 3 {
		t.Fatalf("generating = %d", p.CountPanels(PanelGenerating))
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	p := sampleProject("p")
	c := p.Clone()
	c.SubPanels[0].Status = PanelError
	c.SelectedCaption.Tags[0] = "changed"
	c.StepDescriptions[0] = "changed"
	if p.SubPanels[0].Status != PanelCompleted || p.SelectedCaption.Tags[0] != "food" || p.StepDescriptions[0] != "boil water" {
		t.Fatal("clone aliases the original")
	}
}

func TestSnapshotPatchReproducesProject(t *testing.T) {
	src := sampleProject("p")
	dst := NewProject("p")
	SnapshotPatch(src).Apply(dst)
	dst.LastUpdated = src.LastUpdated
	if mustJSON(t, dst) != mustJSON(t, src) {
		t.Fatalf("snapshot mismatch:\n got %s\nwant %s", mustJSON(t, dst), mustJSON(t, src))
	}
}

func TestBatchJobStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewBatchJobStore(setupTestDB(t))
	job := &BatchJob{ID: "job-1", ProjectID: "p", Provider: "simulated", Model: "m", ItemCount: 2}
	if err := store.Create(ctx, job); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkProcessing(ctx, "job-1"); err != nil {
		t.Fatal(err)
	}
	results := BatchJobResults{{Index: 1, Images: []string{"b"}}, {Index: 0, Error: "boom"}}
	if err := store.Complete(ctx, "job-1", results); err != nil {
		t.Fatal(err)
	}
	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Terminal() || got.Status != BatchJobSucceeded || len(got.Results) != 2 || got.Results[0].Images[0] != "b" {
		t.Fatalf("unexpected job: %+v", got)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Fatalf("timestamps not set: %+v", got)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if err := store.Fail(ctx, "missing", "x"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}
