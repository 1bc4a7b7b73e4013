package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/QingMing-Bot/fleet-orchestrator/internal/backend"
	"github.com/QingMing-Bot/fleet-orchestrator/internal/domain"
	"github.com/QingMing-Bot/fleet-orchestrator/internal/repository"
	"github.com/QingMing-Bot/fleet-orchestrator/internal/service"
	"github.com/QingMing-Bot/fleet-orchestrator/pkg/importexport"
)

// Message 统一响应信封
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type Handler struct {
	Backend *backend.Backend
	Log     *slog.Logger

	started   time.Time
	keepAlive time.Duration
}

type errorPayload struct {
	Error    string                `json:"error"`
	Problems []domain.FieldProblem `json:"problems,omitempty"`
}

// fail 把领域错误映射为 HTTP 状态码
func (h *Handler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	p := errorPayload{Error: err.Error()}
	var (
		ve      *domain.ValidationError
		missing *repository.MissingTargetsError
	)
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
		p.Problems = ve.Problems
	case errors.As(err, &missing), errors.Is(err, backend.ErrNoTargets):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrJobNotFound), errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		h.Log.ErrorContext(c.Request.Context(), "request failed", "path", c.FullPath(), "err", err)
	}
	c.JSON(status, Message{Type: "error", Payload: p})
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, Message{Type: "health_check", Payload: gin.H{
		"status":   "Healthy",
		"uptime_s": int64(time.Since(h.started).Seconds()),
		"jobs":     len(h.Backend.Jobs()),
	}})
}

func (h *Handler) ListTargets(c *gin.Context) {
	list, err := h.Backend.ListTargets(c.Query("group"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Message{Type: "target_list", Payload: list})
}

// ImportTargets 请求体为目标清单；默认 JSON 数组
func (h *Handler) ImportTargets(c *gin.Context) {
	format := importexport.Format(c.DefaultQuery("format", string(importexport.FormatJSON)))
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 8<<20))
	if err != nil {
		h.fail(c, err)
		return
	}
	n, err := h.Backend.ImportTargets(body, format)
	if err != nil {
		c.JSON(http.StatusBadRequest, Message{Type: "error", Payload: errorPayload{Error: err.Error()}})
		return
	}
	c.JSON(http.StatusOK, Message{Type: "targets_imported", Payload: gin.H{"count": n}})
}

func (h *Handler) ExportTargets(c *gin.Context) {
	format := importexport.Format(c.DefaultQuery("format", string(importexport.FormatJSON)))
	out, err := h.Backend.ExportTargets(format, c.Query("secrets") == "true")
	if err != nil {
		c.JSON(http.StatusBadRequest, Message{Type: "error", Payload: errorPayload{Error: err.Error()}})
		return
	}
	ct := map[importexport.Format]string{
		importexport.FormatJSON: "application/json",
		importexport.FormatCSV:  "text/csv",
		importexport.FormatYAML: "application/yaml",
	}[format]
	c.Data(http.StatusOK, ct, out)
}

func (h *Handler) DeleteTarget(c *gin.Context) {
	if err := h.Backend.DeleteTarget(c.Param("alias")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, Message{Type: "job_list", Payload: h.Backend.Jobs()})
}

func (h *Handler) SubmitJob(c *gin.Context) {
	var spec backend.JobSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, Message{Type: "error", Payload: errorPayload{Error: err.Error()}})
		return
	}
	hd, err := h.Backend.SubmitJob(spec)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, Message{Type: "job_submitted", Payload: gin.H{
		"id":     hd.ID,
		"total":  hd.Summary().Total,
		"events": "/api/v1/jobs/" + hd.ID + "/events",
	}})
}

func (h *Handler) GetJob(c *gin.Context) {
	v, err := h.Backend.Job(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Message{Type: "job", Payload: v})
}

func (h *Handler) CancelJob(c *gin.Context) {
	fired, err := h.Backend.CancelJob(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, Message{Type: "job_cancel", Payload: gin.H{"id": c.Param("id"), "canceled": fired}})
}

// StreamJob 以 SSE 推送作业生命周期事件：先回放历史，job_finished 后结束
func (h *Handler) StreamJob(c *gin.Context) {
	hd, err := h.Backend.Handle(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	events, unsubscribe := hd.Subscribe()
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // 禁用 nginx 缓冲
	c.Status(http.StatusOK)

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.Log.Warn("encode event", "err", err)
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Type, data)
			c.Writer.Flush()
		case <-ticker.C:
			fmt.Fprintf(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (h *Handler) ListAudit(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	evs, err := h.Backend.RecentAudit(repository.AuditFilter{
		JobID:  c.Query("job_id"),
		Target: c.Query("target"),
		Level:  domain.AuditLevel(c.Query("level")),
		Limit:  limit,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Message{Type: "audit_list", Payload: evs})
}

func (h *Handler) VerifyAudit(c *gin.Context) {
	rep, err := h.Backend.VerifyAudit()
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusOK
	if !rep.OK() {
		status = http.StatusConflict
	}
	c.JSON(status, Message{Type: "audit_verify", Payload: rep})
}
