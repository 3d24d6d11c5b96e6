package workflow

import "StoryToComic-server/models"

// Stage 流水线阶段，顺序即依赖顺序
type Stage int

const (
	StageCapture Stage = iota
	StageAnalyze
	StageBase
	StageCharacter
	StageRefine
	StageCaptions
	StageCover
	numStages
)

var stageNames = [...]string{"capture", "analyze", "base", "character", "refine", "captions", "cover"}

func (s Stage) String() string {
	if s < 0 || s >= numStages {
		return "unknown"
	}
	return stageNames[s]
}

// Invalidate clears the outputs of stage and of every stage after it. It is the only
// place downstream artifacts are reset.
//
//	capture   -> sourceFrames, stepDescriptions
//	analyze   -> stepDescriptions (blanked, length kept)
//	base      -> baseArt, generatedArt
//	character -> generatedArt reverts to baseArt
//	refine    -> subPanels, batchJobId, batchStatus
//	captions  -> captionOptions, selectedCaption
//	cover     -> coverImage
func Invalidate(p *models.Project, stage Stage) {
	if stage <= StageCapture {
		p.SourceFrames = []models.SourceFrame{}
		p.StepDescriptions = []string{}
	}
	if stage <= StageAnalyze {
		p.StepDescriptions = make([]string, len(p.SourceFrames))
	}
	if stage <= StageBase {
		p.BaseArt = ""
		p.GeneratedArt = ""
	}
	if stage <= StageCharacter {
		p.GeneratedArt = p.BaseArt
	}
	if stage <= StageRefine {
		p.SubPanels = []models.SubPanel{}
		p.BatchJobID = ""
		p.BatchStatus = models.BatchIdle
	}
	if stage <= StageCaptions {
		p.CaptionOptions = []models.Caption{}
		p.SelectedCaption = nil
	}
	if stage <= StageCover {
		p.CoverImage = ""
	}

	ceiling := stepBefore(stage)
	if stepRank(p.WorkflowStep) > stepRank(ceiling) {
		p.WorkflowStep = ceiling
	}
}

// stepBefore is the coarse step a project is in once stage's outputs are gone.
func stepBefore(stage Stage) models.WorkflowStep {
	switch {
	case stage <= StageBase:
		return models.StepInput
	case stage == StageCharacter:
		return models.StepBaseGenerated
	case stage == StageRefine:
		return models.StepFinalGenerated
	default:
		return models.StepRefineMode
	}
}

func stepRank(s models.WorkflowStep) int {
	switch s {
	case models.StepBaseGenerated:
		return 1
	case models.StepAvatarMode:
		return 2
	case models.StepFinalGenerated:
		return 3
	case models.StepRefineMode:
		return 4
	case models.StepCoverMode:
		return 5
	default:
		return 0
	}
}

// State 由产物推导出的位置
type State string

const (
	StateInput          State = "input"
	StateAnalyzed       State = "analyzed"
	StateBaseGenerated  State = "base_generated"
	StateFinalGenerated State = "final_generated"
	StateRefineMode     State = "refine_mode"
	StateCaptionsReady  State = "captions_ready"
	StateCoverMode      State = "cover_mode"
)

// DerivedState reports the furthest stage whose artifacts are present.
func DerivedState(p *models.Project) State {
	switch {
	case p.CoverImage != "":
		return StateCoverMode
	case len(p.CaptionOptions) > 0:
		return StateCaptionsReady
	case len(p.SubPanels) > 0:
		return StateRefineMode
	case p.GeneratedArt != "" && stepRank(p.WorkflowStep) >= stepRank(models.StepFinalGenerated):
		return StateFinalGenerated
	case p.BaseArt != "":
		return StateBaseGenerated
	case p.HasDescriptions():
		return StateAnalyzed
	default:
		return StateInput
	}
}
