package routers

import (
	"StoryToComic-server/routers/api"
	"StoryToComic-server/workflow"

	"github.com/gin-gonic/gin"
)

func InitRouter(m *workflow.Manager, preferencesFile string) *gin.Engine {
	api.Setup(m, preferencesFile)

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	v1 := r.Group("/v1/api")
	{
		v1.POST("/projects", api.CreateProject)
		v1.GET("/projects", api.ListProjects)
		v1.GET("/projects/:project_id", api.GetProject)
		v1.PUT("/projects/:project_id", api.UpdateProject)
		v1.DELETE("/projects/:project_id", api.DeleteProject)

		v1.POST("/projects/:project_id/tags", api.AddTag)
		v1.DELETE("/projects/:project_id/tags/:tag_id", api.DeleteTag)
		v1.POST("/projects/:project_id/capture", api.CaptureFrames)
		v1.PUT("/projects/:project_id/frames", api.SetFrames)
		v1.POST("/projects/:project_id/frames/move", api.MoveFrame)
		v1.DELETE("/projects/:project_id/frames/:index", api.DeleteFrame)
		v1.PUT("/projects/:project_id/descriptions/:index", api.UpdateDescription)

		v1.POST("/projects/:project_id/analyze", api.Analyze)
		v1.POST("/projects/:project_id/base", api.GenerateBase)
		v1.POST("/projects/:project_id/character", api.IntegrateCharacter)
		v1.POST("/projects/:project_id/character/skip", api.SkipCharacter)

		v1.POST("/projects/:project_id/refine", api.StartRefine)
		v1.GET("/projects/:project_id/panels", api.GetPanels)
		v1.POST("/projects/:project_id/panels/:index/regenerate", api.RegeneratePanel)
		v1.POST("/projects/:project_id/batch/poll", api.PollBatch)
		v1.POST("/projects/:project_id/batch/recover", api.RecoverBatch)

		v1.POST("/projects/:project_id/captions", api.GenerateCaptions)
		v1.POST("/projects/:project_id/captions/select", api.SelectCaption)
		v1.PUT("/projects/:project_id/captions/selected", api.EditCaption)
		v1.POST("/projects/:project_id/cover", api.GenerateCover)

		v1.GET("/preferences", api.GetPreferences)
		v1.PUT("/preferences", api.UpdatePreferences)
	}
	r.GET("/projects/:project_id/batch/wss", api.BatchProgressWebSocket)
	return r
}
