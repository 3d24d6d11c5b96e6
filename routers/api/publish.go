package api

import (
	"net/http"

	"StoryToComic-server/models"
	"StoryToComic-server/workflow"

	"github.com/gin-gonic/gin"
)

// 生成文案候选：POST /v1/api/projects/:project_id/captions
func GenerateCaptions(c *gin.Context) {
	run(c, func(s *workflow.Session) error { return s.GenerateCaptions(c.Request.Context()) })
}

func SelectCaption(c *gin.Context) {
	var req struct {
		Index *int `json:"index" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	run(c, func(s *workflow.Session) error { return s.SelectCaption(*req.Index) })
}

// 编辑选中的文案：PUT /v1/api/projects/:project_id/captions/selected
func EditCaption(c *gin.Context) {
	var req models.Caption
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	run(c, func(s *workflow.Session) error { return s.EditSelectedCaption(req) })
}

// 生成封面：POST /v1/api/projects/:project_id/cover
func GenerateCover(c *gin.Context) {
	run(c, func(s *workflow.Session) error { return s.GenerateCover(c.Request.Context()) })
}
