package api

import (
	"net/http"

	"StoryToComic-server/workflow"

	"github.com/gin-gonic/gin"
)

// 开始精修：POST /v1/api/projects/:project_id/refine
// 非批处理模式下阻塞到所有面板完成；批处理模式下提交后立即返回，进度通过 wss 推送
func StartRefine(c *gin.Context) {
	var req struct {
		PanelCount int   `json:"panelCount"`
		UseBatch   *bool `json:"useBatch"`
	}
	if !bindOptionalJSON(c, &req) {
		return
	}
	run(c, func(s *workflow.Session) error {
		if req.UseBatch != nil {
			s.SetUseBatch(*req.UseBatch)
		}
		return s.StartRefine(c.Request.Context(), req.PanelCount)
	})
}

// 获取面板列表：GET /v1/api/projects/:project_id/panels
func GetPanels(c *gin.Context) {
	s, ok := session(c)
	if !ok {
		return
	}
	p := s.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"panels":      p.SubPanels,
		"panelCount":  p.PanelCount,
		"batchJobId":  p.BatchJobID,
		"batchStatus": p.BatchStatus,
	})
}

// 重新生成单个面板：POST /v1/api/projects/:project_id/panels/:index/regenerate
func RegeneratePanel(c *gin.Context) {
	i, ok := intParam(c, "index")
	if !ok {
		return
	}
	run(c, func(s *workflow.Session) error { return s.RegeneratePanel(c.Request.Context(), i) })
}
