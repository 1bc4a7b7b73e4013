package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/QingMing-Bot/fleet-orchestrator/internal/backend"
	"github.com/QingMing-Bot/fleet-orchestrator/pkg/logger"
)

// NewRouter 组装 HTTP 作业控制接口
func NewRouter(b *backend.Backend, log *slog.Logger) *gin.Engine {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{Backend: b, Log: log, started: time.Now(), keepAlive: 30 * time.Second}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log), corsMiddleware())

	router.GET("/health", h.HealthCheck)

	v1 := router.Group("/api/v1")
	{
		targets := v1.Group("/targets")
		{
			targets.GET("", h.ListTargets)            // ?group=
			targets.POST("", h.ImportTargets)         // JSON 数组，或 ?format=csv|yaml 原文
			targets.DELETE("/:alias", h.DeleteTarget) // 删除一个目标
			targets.GET("/export", h.ExportTargets)   // ?format=&secrets=true
		}

		jobs := v1.Group("/jobs")
		{
			jobs.GET("", h.ListJobs)
			jobs.POST("", h.SubmitJob)
			jobs.GET("/:id", h.GetJob)
			jobs.POST("/:id/cancel", h.CancelJob)
			jobs.GET("/:id/events", h.StreamJob) // SSE
		}

		audit := v1.Group("/audit")
		{
			audit.GET("", h.ListAudit)
			audit.GET("/verify", h.VerifyAudit)
		}
	}
	return router
}

// requestLogger 为每个请求分配 request_id 并写入日志上下文
func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		rid := uuid.NewString()
		ctx := logger.ContextAttrs(c.Request.Context(), slog.String("request_id", rid))
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", rid)
		c.Next()
		log.InfoContext(ctx, "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, Cache-Control")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
