package api

import (
	"net/http"

	"StoryToComic-server/models"
	"StoryToComic-server/workflow"

	"github.com/gin-gonic/gin"
)

// 创建项目：POST /v1/api/projects
// 网页来源以规范化链接作为项目 id，重复创建会回到原项目
func CreateProject(c *gin.Context) {
	var req workflow.CreateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, err := manager.Create(c.Request.Context(), req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	projectResponse(c, http.StatusCreated, s)
}

type projectSummary struct {
	ID          string              `json:"id"`
	Title       string              `json:"title"`
	SourceType  models.SourceType   `json:"sourceType"`
	StorageKey  string              `json:"storageKey,omitempty"`
	State       workflow.State      `json:"state"`
	Step        models.WorkflowStep `json:"workflowStep"`
	Frames      int                 `json:"frames"`
	Panels      int                 `json:"panels"`
	BatchStatus models.BatchStatus  `json:"batchStatus"`
	LastUpdated string              `json:"lastUpdated"`
}

// 项目列表：GET /v1/api/projects（最近更新在前，不含图片数据）
func ListProjects(c *gin.Context) {
	projects, err := manager.List(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	out := make([]projectSummary, 0, len(projects))
	for _, p := range projects {
		out = append(out, projectSummary{
			ID:          p.ID,
			Title:       p.Title,
			SourceType:  p.SourceType,
			StorageKey:  p.StorageKey,
			State:       workflow.DerivedState(p),
			Step:        p.WorkflowStep,
			Frames:      len(p.SourceFrames),
			Panels:      len(p.SubPanels),
			BatchStatus: p.BatchStatus,
			LastUpdated: p.LastUpdated.Format("2006-01-02T15:04:05.000000Z07:00"),
		})
	}
	c.JSON(http.StatusOK, gin.H{"projects": out})
}

// 获取项目详情：GET /v1/api/projects/:project_id
func GetProject(c *gin.Context) {
	s, ok := session(c)
	if !ok {
		return
	}
	projectResponse(c, http.StatusOK, s)
}

type updateProjectRequest struct {
	Title       *string `json:"title"`
	VideoURL    *string `json:"videoUrl"`
	PanelCount  *int    `json:"panelCount"`
	AspectRatio *string `json:"aspectRatio"`
	Avatar      *string `json:"avatarImage"`
	Watermark   *string `json:"watermarkText"`
	ViewStep    *int    `json:"viewStep"`
	Strategy    *string `json:"strategy"`
	UseBatch    *bool   `json:"useBatch"`
}

// 更新项目设置：PUT /v1/api/projects/:project_id，只修改请求中出现的字段
func UpdateProject(c *gin.Context) {
	var req updateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	run(c, func(s *workflow.Session) error {
		if req.Title != nil {
			if err := s.SetTitle(*req.Title); err != nil {
				return err
			}
		}
		if req.VideoURL != nil {
			if err := s.SetVideoURL(*req.VideoURL); err != nil {
				return err
			}
		}
		if req.PanelCount != nil {
			if err := s.SetPanelCount(*req.PanelCount); err != nil {
				return err
			}
		}
		if req.AspectRatio != nil {
			if err := s.SetAspectRatio(*req.AspectRatio); err != nil {
				return err
			}
		}
		if req.Avatar != nil {
			if err := s.SetAvatar(*req.Avatar); err != nil {
				return err
			}
		}
		if req.Watermark != nil {
			if err := s.SetWatermark(*req.Watermark); err != nil {
				return err
			}
		}
		if req.Strategy != nil {
			if err := s.SetStrategy(*req.Strategy); err != nil {
				return err
			}
		}
		if req.UseBatch != nil {
			s.SetUseBatch(*req.UseBatch)
		}
		if req.ViewStep != nil {
			if err := s.SetViewStep(*req.ViewStep); err != nil {
				return err
			}
		}
		return nil
	})
}

// 删除项目：DELETE /v1/api/projects/:project_id
func DeleteProject(c *gin.Context) {
	if err := manager.Delete(c.Request.Context(), c.Param("project_id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "项目已删除"})
}

// ---- 标记与帧 ----

func AddTag(c *gin.Context) {
	var req struct {
		Timestamp float64 `json:"timestamp"`
		Label     string  `json:"label"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	run(c, func(s *workflow.Session) error {
		_, err := s.AddTag(req.Timestamp, req.Label)
		return err
	})
}

func DeleteTag(c *gin.Context) {
	run(c, func(s *workflow.Session) error { return s.RemoveTag(c.Param("tag_id")) })
}

// 截帧：POST /v1/api/projects/:project_id/capture，每个会话只执行一次
func CaptureFrames(c *gin.Context) {
	s, ok := session(c)
	if !ok {
		return
	}
	ran, err := s.CaptureFrames(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"captured": ran, "project": s.Snapshot(), "state": s.State()})
}

// 上传图片作为帧：PUT /v1/api/projects/:project_id/frames
func SetFrames(c *gin.Context) {
	var req struct {
		Images []string `json:"images" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	frames := make([]models.SourceFrame, len(req.Images))
	for i, img := range req.Images {
		frames[i] = models.SourceFrame{Data: img}
	}
	run(c, func(s *workflow.Session) error { return s.SetFrames(frames) })
}

func MoveFrame(c *gin.Context) {
	var req struct {
		From int `json:"from"`
		To   int `json:"to"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	run(c, func(s *workflow.Session) error { return s.MoveFrame(req.From, req.To) })
}

func DeleteFrame(c *gin.Context) {
	i, ok := intParam(c, "index")
	if !ok {
		return
	}
	run(c, func(s *workflow.Session) error { return s.RemoveFrame(i) })
}

func UpdateDescription(c *gin.Context) {
	i, ok := intParam(c, "index")
	if !ok {
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	run(c, func(s *workflow.Session) error { return s.SetDescription(i, req.Text) })
}
