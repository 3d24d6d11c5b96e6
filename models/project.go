package models

import (
	"sort"
	"time"
)

type SourceType string

// 项目来源类型，决定恢复时如何重新取得可播放的媒体
const (
	SourceLocal  SourceType = "local"
	SourceWeb    SourceType = "web"
	SourceImages SourceType = "images"
)

type WorkflowStep string

// 工作流阶段标签（仅用于展示，真正的位置由产物是否存在 + ViewStep 决定）
const (
	StepInput          WorkflowStep = "input"
	StepBaseGenerated  WorkflowStep = "base_generated"
	StepAvatarMode     WorkflowStep = "avatar_mode"
	StepFinalGenerated WorkflowStep = "final_generated"
	StepRefineMode     WorkflowStep = "refine_mode"
	StepCoverMode      WorkflowStep = "cover_mode"
)

// 界面游标 1..6
const (
	ViewFrames = iota + 1
	ViewStoryboard
	ViewCharacter
	ViewRefine
	ViewCaptions
	ViewCover
)

type BatchStatus string

const (
	BatchIdle      BatchStatus = "idle"
	BatchPending   BatchStatus = "pending"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

const (
	DefaultAspectRatio = "9:16"
	// DefaultPanelCount 恢复批处理任务且没有面板数量时使用
	DefaultPanelCount = 10
)

// Tag 用户标记的关键时刻；图片模式下 Timestamp 为序号
type Tag struct {
	ID        string    `json:"id"`
	Timestamp float64   `json:"timestamp"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// SourceFrame 从媒体中截取的帧（或直接上传的图片）
type SourceFrame struct {
	TagID     string  `json:"tagId"`
	Timestamp float64 `json:"timestamp"`
	Data      string  `json:"data"`
}

type Caption struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

// Project 项目文档。StorageKey 为网页来源的归一化地址（host+path），用于找回同一来源的项目
type Project struct {
	ID               string        `json:"id"`
	SourceType       SourceType    `json:"sourceType"`
	OriginalSource   string        `json:"originalSource"`
	StorageKey       string        `json:"storageKey,omitempty"`
	VideoURL         string        `json:"videoUrl"`
	Title            string        `json:"title"`
	Tags             []Tag         `json:"tags"`
	SourceFrames     []SourceFrame `json:"sourceFrames"`
	StepDescriptions []string      `json:"stepDescriptions"`
	BaseArt          string        `json:"baseArt"`
	GeneratedArt     string        `json:"generatedArt"`
	AvatarImage      string        `json:"avatarImage"`
	WatermarkText    string        `json:"watermarkText"`
	PanelCount       int           `json:"panelCount"`
	SubPanels        []SubPanel    `json:"subPanels"`
	CaptionOptions   []Caption     `json:"captionOptions"`
	SelectedCaption  *Caption      `json:"selectedCaption"`
	CoverImage       string        `json:"coverImage"`
	WorkflowStep     WorkflowStep  `json:"workflowStep"`
	ViewStep         int           `json:"viewStep"`
	BatchJobID       string        `json:"batchJobId"`
	BatchStatus      BatchStatus   `json:"batchStatus"`
	AspectRatio      string        `json:"aspectRatio"`
	LastUpdated      time.Time     `json:"lastUpdated"`
}

// NewProject 创建只包含默认值的最小项目记录
func NewProject(id string) *Project {
	p := &Project{
		ID:           id,
		SourceType:   SourceLocal,
		WorkflowStep: StepInput,
		ViewStep:     ViewFrames,
		BatchStatus:  BatchIdle,
		AspectRatio:  DefaultAspectRatio,
	}
	p.Normalize()
	return p
}

// Normalize replaces nil collections with empty ones, fills zero-valued enums and keeps
// stepDescriptions aligned with sourceFrames.
func (p *Project) Normalize() {
	if p.Tags == nil {
		p.Tags = []Tag{}
	}
	if p.SourceFrames == nil {
		p.SourceFrames = []SourceFrame{}
	}
	if p.StepDescriptions == nil {
		p.StepDescriptions = []string{}
	}
	if p.SubPanels == nil {
		p.SubPanels = []SubPanel{}
	}
	if p.CaptionOptions == nil {
		p.CaptionOptions = []Caption{}
	}
	if p.WorkflowStep == "" {
		p.WorkflowStep = StepInput
	}
	if p.ViewStep < ViewFrames || p.ViewStep > ViewCover {
		p.ViewStep = ViewFrames
	}
	if p.BatchStatus == "" {
		p.BatchStatus = BatchIdle
	}
	if p.AspectRatio == "" {
		p.AspectRatio = DefaultAspectRatio
	}
	p.SyncDescriptions()
}

// SyncDescriptions pads stepDescriptions with empty strings up to len(sourceFrames).
// It never truncates.
func (p *Project) SyncDescriptions() {
	for len(p.StepDescriptions) < len(p.SourceFrames) {
		p.StepDescriptions = append(p.StepDescriptions, "")
	}
}

// HasDescriptions reports whether any step description is non-empty.
func (p *Project) HasDescriptions() bool {
	for _, d := range p.StepDescriptions {
		if d != "" {
			return true
		}
	}
	return false
}

// RemoveFrameAt 删除一帧及其对应的描述
func (p *Project) RemoveFrameAt(i int) bool {
	if i < 0 || i >= len(p.SourceFrames) {
		return false
	}
	p.SyncDescriptions()
	p.SourceFrames = append(p.SourceFrames[:i:i], p.SourceFrames[i+1:]...)
	p.StepDescriptions = append(p.StepDescriptions[:i:i], p.StepDescriptions[i+1:]...)
	return true
}

// MoveFrame moves the frame at from to position to, carrying its description. Tags that
// belong to a frame (by TagID) are reordered to follow the frames; other tags keep their
// positions.
func (p *Project) MoveFrame(from, to int) bool {
	n := len(p.SourceFrames)
	if from < 0 || from >= n || to < 0 || to >= n {
		return false
	}
	if from == to {
		return true
	}
	p.SyncDescriptions()
	p.SourceFrames = moveItem(p.SourceFrames, from, to)
	p.StepDescriptions = moveItem(p.StepDescriptions, from, to)
	p.alignTags()
	return true
}

// alignTags 把有对应帧的标签按帧的顺序重排，只占用这些标签原来的位置
func (p *Project) alignTags() {
	framePos := make(map[string]int, len(p.SourceFrames))
	for i, f := range p.SourceFrames {
		if _, dup := framePos[f.TagID]; f.TagID != "" && !dup {
			framePos[f.TagID] = i
		}
	}
	var slots []int
	var owned []Tag
	for i, t := range p.Tags {
		if _, ok := framePos[t.ID]; ok {
			slots = append(slots, i)
			owned = append(owned, t)
		}
	}
	sort.SliceStable(owned, func(a, b int) bool { return framePos[owned[a].ID] < framePos[owned[b].ID] })
	tags := append([]Tag(nil), p.Tags...)
	for k, i := range slots {
		tags[i] = owned[k]
	}
	p.Tags = tags
}

// TagIndex returns the position of the tag with id, or -1.
func (p *Project) TagIndex(id string) int {
	for i, t := range p.Tags {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// FrameIndexForTag returns the position of the frame captured for tag id, or -1.
func (p *Project) FrameIndexForTag(id string) int {
	for i, f := range p.SourceFrames {
		if f.TagID == id {
			return i
		}
	}
	return -1
}

func moveItem[T any](s []T, from, to int) []T {
	out := make([]T, 0, len(s))
	item := s[from]
	for i, v := range s {
		if i == from {
			continue
		}
		out = append(out, v)
	}
	out = append(out[:to], append([]T{item}, out[to:]...)...)
	return out
}

// Clone returns a deep copy; snapshots handed to autosave must not alias live state.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	c := *p
	c.Tags = append([]Tag(nil), p.Tags...)
	c.SourceFrames = append([]SourceFrame(nil), p.SourceFrames...)
	c.StepDescriptions = append([]string(nil), p.StepDescriptions...)
	c.SubPanels = append([]SubPanel(nil), p.SubPanels...)
	c.CaptionOptions = make([]Caption, len(p.CaptionOptions))
	for i, cap := range p.CaptionOptions {
		c.CaptionOptions[i] = cap.clone()
	}
	if p.SelectedCaption != nil {
		sc := p.SelectedCaption.clone()
		c.SelectedCaption = &sc
	}
	c.Normalize()
	return &c
}

func (c Caption) clone() Caption {
	c.Tags = append([]string(nil), c.Tags...)
	return c
}
