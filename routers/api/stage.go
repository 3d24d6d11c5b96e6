package api

import (
	"StoryToComic-server/workflow"

	"github.com/gin-gonic/gin"
)

// 分析帧：POST /v1/api/projects/:project_id/analyze
func Analyze(c *gin.Context) {
	run(c, func(s *workflow.Session) error { return s.Analyze(c.Request.Context()) })
}

// 生成分镜底图：POST /v1/api/projects/:project_id/base，prompt 可选
func GenerateBase(c *gin.Context) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if !bindOptionalJSON(c, &req) {
		return
	}
	run(c, func(s *workflow.Session) error { return s.GenerateBase(c.Request.Context(), req.Prompt) })
}

func IntegrateCharacter(c *gin.Context) {
	run(c, func(s *workflow.Session) error { return s.IntegrateCharacter(c.Request.Context()) })
}

func SkipCharacter(c *gin.Context) {
	run(c, func(s *workflow.Session) error { return s.SkipCharacter() })
}
