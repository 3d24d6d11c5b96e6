package models

// ProjectPatch 部分更新：nil 字段表示保持原值。ID 不可修改，因此不在 patch 中。
type ProjectPatch struct {
	SourceType       *SourceType    `json:"sourceType,omitempty"`
	OriginalSource   *string        `json:"originalSource,omitempty"`
	VideoURL         *string        `json:"videoUrl,omitempty"`
	Title            *string        `json:"title,omitempty"`
	Tags             *[]Tag         `json:"tags,omitempty"`
	SourceFrames     *[]SourceFrame `json:"sourceFrames,omitempty"`
	StepDescriptions *[]string      `json:"stepDescriptions,omitempty"`
	BaseArt          *string        `json:"baseArt,omitempty"`
	GeneratedArt     *string        `json:"generatedArt,omitempty"`
	AvatarImage      *string        `json:"avatarImage,omitempty"`
	WatermarkText    *string        `json:"watermarkText,omitempty"`
	PanelCount       *int           `json:"panelCount,omitempty"`
	SubPanels        *[]SubPanel    `json:"subPanels,omitempty"`
	CaptionOptions   *[]Caption     `json:"captionOptions,omitempty"`
	// SelectedCaption 使用双层指针：外层 nil 表示不修改，内层 nil 表示清空
	SelectedCaption **Caption     `json:"selectedCaption,omitempty"`
	CoverImage      *string       `json:"coverImage,omitempty"`
	WorkflowStep    *WorkflowStep `json:"workflowStep,omitempty"`
	ViewStep        *int          `json:"viewStep,omitempty"`
	BatchJobID      *string       `json:"batchJobId,omitempty"`
	BatchStatus     *BatchStatus  `json:"batchStatus,omitempty"`
	AspectRatio     *string       `json:"aspectRatio,omitempty"`
}

// Apply merges the set fields of the patch onto p.
func (pt ProjectPatch) Apply(p *Project) {
	if pt.SourceType != nil {
		p.SourceType = *pt.SourceType
	}
	if pt.OriginalSource != nil {
		p.OriginalSource = *pt.OriginalSource
	}
	if pt.VideoURL != nil {
		p.VideoURL = *pt.VideoURL
	}
	if pt.Title != nil {
		p.Title = *pt.Title
	}
	if pt.Tags != nil {
		p.Tags = append([]Tag(nil), (*pt.Tags)...)
	}
	if pt.SourceFrames != nil {
		p.SourceFrames = append([]SourceFrame(nil), (*pt.SourceFrames)...)
	}
	if pt.StepDescriptions != nil {
		p.StepDescriptions = append([]string(nil), (*pt.StepDescriptions)...)
	}
	if pt.BaseArt != nil {
		p.BaseArt = *pt.BaseArt
	}
	if pt.GeneratedArt != nil {
		p.GeneratedArt = *pt.GeneratedArt
	}
	if pt.AvatarImage != nil {
		p.AvatarImage = *pt.AvatarImage
	}
	if pt.WatermarkText != nil {
		p.WatermarkText = *pt.WatermarkText
	}
	if pt.PanelCount != nil {
		p.PanelCount = *pt.PanelCount
	}
	if pt.SubPanels != nil {
		p.SubPanels = append([]SubPanel(nil), (*pt.SubPanels)...)
	}
	if pt.CaptionOptions != nil {
		p.CaptionOptions = append([]Caption(nil), (*pt.CaptionOptions)...)
	}
	if pt.SelectedCaption != nil {
		if *pt.SelectedCaption == nil {
			p.SelectedCaption = nil
		} else {
			c := (**pt.SelectedCaption).clone()
			p.SelectedCaption = &c
		}
	}
	if pt.CoverImage != nil {
		p.CoverImage = *pt.CoverImage
	}
	if pt.WorkflowStep != nil {
		p.WorkflowStep = *pt.WorkflowStep
	}
	if pt.ViewStep != nil {
		p.ViewStep = *pt.ViewStep
	}
	if pt.BatchJobID != nil {
		p.BatchJobID = *pt.BatchJobID
	}
	if pt.BatchStatus != nil {
		p.BatchStatus = *pt.BatchStatus
	}
	if pt.AspectRatio != nil {
		p.AspectRatio = *pt.AspectRatio
	}
}

// SnapshotPatch builds a patch carrying every mutable field of p (autosave writes the
// whole in-memory state through the merge-update path).
func SnapshotPatch(p *Project) ProjectPatch {
	c := p.Clone()
	sel := c.SelectedCaption
	return ProjectPatch{
		SourceType:       &c.SourceType,
		OriginalSource:   &c.OriginalSource,
		VideoURL:         &c.VideoURL,
		Title:            &c.Title,
		Tags:             &c.Tags,
		SourceFrames:     &c.SourceFrames,
		StepDescriptions: &c.StepDescriptions,
		BaseArt:          &c.BaseArt,
		GeneratedArt:     &c.GeneratedArt,
		AvatarImage:      &c.AvatarImage,
		WatermarkText:    &c.WatermarkText,
		PanelCount:       &c.PanelCount,
		SubPanels:        &c.SubPanels,
		CaptionOptions:   &c.CaptionOptions,
		SelectedCaption:  &sel,
		CoverImage:       &c.CoverImage,
		WorkflowStep:     &c.WorkflowStep,
		ViewStep:         &c.ViewStep,
		BatchJobID:       &c.BatchJobID,
		BatchStatus:      &c.BatchStatus,
		AspectRatio:      &c.AspectRatio,
	}
}
