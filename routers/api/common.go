package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"StoryToComic-server/logger"
	"StoryToComic-server/workflow"

	"github.com/gin-gonic/gin"
)

var (
	manager *workflow.Manager
	// preferencesFile 为空时使用用户目录下的默认位置
	preferencesFile string
)

// Setup 注入处理器使用的会话管理器与偏好文件位置
func Setup(m *workflow.Manager, prefsFile string) {
	manager = m
	preferencesFile = prefsFile
}

// session 取路径中的项目会话；失败时已写出响应
func session(c *gin.Context) (*workflow.Session, bool) {
	s, err := manager.Get(c.Request.Context(), c.Param("project_id"))
	if err != nil {
		abortWithError(c, err)
		return nil, false
	}
	return s, true
}

func statusFor(err error) int {
	switch {
	case workflow.IsNotFound(err):
		return http.StatusNotFound
	case workflow.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrRestoring), errors.Is(err, workflow.ErrStaleJob), errors.Is(err, workflow.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrProvider), errors.Is(err, workflow.ErrFormat),
		errors.Is(err, workflow.ErrNoImage), errors.Is(err, workflow.ErrBatchFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		logger.WithComponent("api").Error("request failed",
			slog.String("path", c.FullPath()), slog.String("project", c.Param("project_id")), slog.Any("err", err))
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

// projectResponse 返回项目快照、派生状态和最近一次错误
func projectResponse(c *gin.Context, code int, s *workflow.Session) {
	c.JSON(code, gin.H{
		"project":   s.Snapshot(),
		"state":     s.State(),
		"lastError": s.LastError(),
	})
}

// run 执行一个会话操作并返回项目快照
func run(c *gin.Context, op func(s *workflow.Session) error) {
	s, ok := session(c)
	if !ok {
		return
	}
	if err := op(s); err != nil {
		abortWithError(c, err)
		return
	}
	projectResponse(c, http.StatusOK, s)
}

func intParam(c *gin.Context, name string) (int, bool) {
	v, err := strconv.Atoi(c.Param(name))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": name + " must be an integer"})
		return 0, false
	}
	return v, true
}

// bindOptionalJSON 允许空请求体
func bindOptionalJSON(c *gin.Context, v any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}
