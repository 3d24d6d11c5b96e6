package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"StoryToComic-server/logger"
	"StoryToComic-server/models"
	"StoryToComic-server/workflow"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type batchRequest struct {
	JobID string `json:"jobId"`
}

func batchResponse(c *gin.Context, s *workflow.Session, st models.BatchStatus) {
	c.JSON(http.StatusOK, gin.H{"batchStatus": st, "project": s.Snapshot(), "state": s.State()})
}

// 查询批任务：POST /v1/api/projects/:project_id/batch/poll，jobId 为空时查询当前任务
func PollBatch(c *gin.Context) {
	var req batchRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	s, ok := session(c)
	if !ok {
		return
	}
	st, err := s.PollBatch(c.Request.Context(), req.JobID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	batchResponse(c, s, st)
}

// 用已有的 job id 恢复批任务：POST /v1/api/projects/:project_id/batch/recover
func RecoverBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, ok := session(c)
	if !ok {
		return
	}
	st, err := s.RecoverBatch(c.Request.Context(), req.JobID)
	if err != nil && !errors.Is(err, workflow.ErrProvider) {
		abortWithError(c, err)
		return
	}
	// 恢复后的首次查询失败不影响挂接，下次轮询再试
	batchResponse(c, s, st)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type panelProgress struct {
	Index  int                `json:"index"`
	Status models.PanelStatus `json:"status"`
}

// progressMessage 只推送状态，不含图片数据
type progressMessage struct {
	ProjectID   string             `json:"projectId"`
	BatchJobID  string             `json:"batchJobId"`
	BatchStatus models.BatchStatus `json:"batchStatus"`
	Panels      []panelProgress    `json:"panels"`
	Completed   int                `json:"completed"`
	Total       int                `json:"total"`
	Error       string             `json:"error,omitempty"`
}

func progressOf(s *workflow.Session) progressMessage {
	p := s.Snapshot()
	msg := progressMessage{
		ProjectID:   p.ID,
		BatchJobID:  p.BatchJobID,
		BatchStatus: p.BatchStatus,
		Panels:      make([]panelProgress, len(p.SubPanels)),
		Completed:   len(p.CompletedPanels()),
		Total:       len(p.SubPanels),
		Error:       s.LastError(),
	}
	for i, sp := range p.SubPanels {
		msg.Panels[i] = panelProgress{Index: sp.Index, Status: sp.Status}
	}
	return msg
}

func (m progressMessage) same(o progressMessage) bool {
	if m.BatchStatus != o.BatchStatus || m.BatchJobID != o.BatchJobID || len(m.Panels) != len(o.Panels) || m.Error != o.Error {
		return false
	}
	for i := range m.Panels {
		if m.Panels[i] != o.Panels[i] {
			return false
		}
	}
	return true
}

// finished 没有批任务在跑且没有面板在生成
func (m progressMessage) finished() bool {
	if m.BatchStatus == models.BatchPending {
		return false
	}
	for _, p := range m.Panels {
		if p.Status == models.PanelGenerating || p.Status == models.PanelPending {
			return false
		}
	}
	return true
}

// pollInterval 批任务查询间隔，推送检查每秒一次
var pollInterval = 3 * time.Second

// 面板进度 WebSocket 推送：GET /projects/:project_id/batch/wss
// 先推送当前状态，之后每秒检查一次，有变化时推送；批任务未结束时按 pollInterval 查询一次。
func BatchProgressWebSocket(c *gin.Context) {
	s, ok := session(c)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WithComponent("api").Warn("websocket upgrade failed", slog.Any("err", err))
		return
	}
	defer conn.Close()
	l := logger.WithOperation(logger.WithComponent("api"), "batch_wss").With(slog.String("project", s.ID()))
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	// 读取客户端消息以感知断开
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	prev := progressOf(s)
	if err := conn.WriteJSON(prev); err != nil {
		return
	}
	if prev.finished() {
		return
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	lastPoll := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if prev.BatchStatus == models.BatchPending && prev.BatchJobID != "" && time.Since(lastPoll) >= pollInterval {
			lastPoll = time.Now()
			if _, err := s.PollBatch(ctx, prev.BatchJobID); err != nil && !errors.Is(err, workflow.ErrProvider) {
				l.Info("batch poll ended", slog.Any("err", err))
			}
		}
		cur := progressOf(s)
		if !cur.same(prev) {
			if err := conn.WriteJSON(cur); err != nil {
				return
			}
			prev = cur
		}
		if cur.finished() {
			return
		}
	}
}
