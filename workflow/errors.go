package workflow

import "errors"

// 输入校验错误：在任何 AI 调用前返回，不修改状态
var (
	ErrNoFrames   = errors.New("at least one source frame is required")
	ErrNoBaseArt  = errors.New("the storyboard has not been generated yet")
	ErrNoAvatar   = errors.New("a character image is required")
	ErrNoCaption  = errors.New("a caption must be selected first")
	ErrNoStrategy = errors.New("no platform strategy selected")
	ErrPanelIndex = errors.New("panel index out of range")
	ErrNoJob      = errors.New("no batch job to poll")
	ErrInvalid    = errors.New("invalid argument")
)

var (
	ErrRestoring = errors.New("project is still being restored")
	ErrNotFound  = errors.New("project not found")
	// ErrStaleJob is returned when polling a job id that is no longer the project's job.
	ErrStaleJob = errors.New("batch job is not the current job of this project")
	// ErrSuperseded means a newer run of the same stage replaced this result.
	ErrSuperseded = errors.New("result discarded: the stage was restarted")
)

// AI 调用相关错误
var (
	ErrProvider    = errors.New("AI provider call failed")
	ErrFormat      = errors.New("AI response format error")
	ErrNoImage     = errors.New("AI returned no image")
	ErrBatchFailed = errors.New("batch job failed")
)
