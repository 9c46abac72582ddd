package handler

import (
	"context"
	"errors"
	"net/http"

	"signal-desk/internal/domain"
	"signal-desk/internal/job"
	"signal-desk/internal/service"
	"signal-desk/internal/snapshot"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

type Handler struct {
	tracer    trace.Tracer
	baseCtx   context.Context
	signals   *service.SignalService
	control   *service.ControlService
	snapshots *snapshot.Bus
	scheduler *job.RefreshScheduler
	hub       *Hub
}

// New wires the HTTP surface. baseCtx outlives requests and bounds the auto-refresh loop.
func New(
	baseCtx context.Context,
	tracer trace.Tracer,
	signals *service.SignalService,
	control *service.ControlService,
	snapshots *snapshot.Bus,
	scheduler *job.RefreshScheduler,
	hub *Hub,
) *Handler {
	return &Handler{
		tracer:    tracer,
		baseCtx:   baseCtx,
		signals:   signals,
		control:   control,
		snapshots: snapshots,
		scheduler: scheduler,
		hub:       hub,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)

	api := r.Group("/api")
	api.POST("/signals", h.PostSignal)
	api.GET("/signals", h.GetSignals)

	api.GET("/operations", h.GetOperations)
	api.POST("/operations/close-all", h.CloseAll)
	api.GET("/operations/:id", h.GetOperation)
	api.POST("/operations/:id/close", h.CloseOperation)
	api.POST("/operations/:id/redrive", h.RedriveOperation)

	api.GET("/jobs", h.ListJobs)
	api.GET("/jobs/:id", h.GetJob)
	api.POST("/jobs/:id/cancel", h.CancelJob)

	api.GET("/market-reading", h.GetMarketReading)
	api.GET("/metrics", h.GetMetrics)
	api.GET("/snapshot", h.GetSnapshot)

	api.GET("/refresh", h.GetRefresh)
	api.POST("/refresh", h.RunRefresh)
	api.POST("/refresh/start", h.StartRefresh)
	api.POST("/refresh/stop", h.StopRefresh)

	if h.hub != nil {
		r.GET("/ws/snapshots", h.hub.Serve)
	}
}

// Health godoc
// @Summary      Health check
// @Tags         health
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /health [get]
func (h *Handler) Health(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if h.snapshots != nil {
		if latest, ok := h.snapshots.Latest(); ok {
			resp["snapshotSequence"] = latest.Sequence
			resp["snapshotAt"] = latest.PublishedAt
		}
	}
	if h.scheduler != nil {
		resp["autoRefresh"] = h.scheduler.Enabled()
	}
	c.JSON(http.StatusOK, resp)
}

// latestSnapshot writes 503 and returns false when nothing has been published yet.
func (h *Handler) latestSnapshot(c *gin.Context) (domain.Snapshot, bool) {
	if h.snapshots == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "snapshot bus unavailable"})
		return domain.Snapshot{}, false
	}
	snap, ok := h.snapshots.Latest()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no snapshot published yet"})
		return domain.Snapshot{}, false
	}
	return snap, true
}

func writeError(c *gin.Context, err error) {
	var (
		validation *domain.ValidationError
		conflict   *domain.ConflictError
		transient  *domain.TransientError
	)
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "field": validation.Field, "detail": validation.Reason})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"error": conflict.Reason, "detail": conflict.Message})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found", "detail": err.Error()})
	case errors.As(err, &transient):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable", "detail": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
