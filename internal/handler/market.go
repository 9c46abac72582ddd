package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetMarketReading godoc
// @Summary      Latest market reading
// @Tags         market
// @Produce      json
// @Success      200  {object}  domain.MarketReading
// @Failure      404  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /api/market-reading [get]
func (h *Handler) GetMarketReading(c *gin.Context) {
	snap, ok := h.latestSnapshot(c)
	if !ok {
		return
	}
	if snap.MarketReading == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no market reading yet"})
		return
	}
	c.JSON(http.StatusOK, snap.MarketReading)
}

// GetMetrics godoc
// @Summary      System metrics
// @Tags         market
// @Produce      json
// @Success      200  {object}  domain.SystemMetrics
// @Failure      503  {object}  map[string]string
// @Router       /api/metrics [get]
func (h *Handler) GetMetrics(c *gin.Context) {
	snap, ok := h.latestSnapshot(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, snap.Metrics)
}

// GetSnapshot godoc
// @Summary      Latest published snapshot
// @Tags         market
// @Produce      json
// @Success      200  {object}  domain.Snapshot
// @Failure      503  {object}  map[string]string
// @Router       /api/snapshot [get]
func (h *Handler) GetSnapshot(c *gin.Context) {
	snap, ok := h.latestSnapshot(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, snap)
}

// GetRefresh godoc
// @Summary      Auto-refresh state
// @Tags         refresh
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/refresh [get]
func (h *Handler) GetRefresh(c *gin.Context) {
	if h.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "refresh scheduler unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": h.scheduler.Enabled()})
}

// RunRefresh godoc
// @Summary      Run one refresh tick now
// @Tags         refresh
// @Produce      json
// @Success      200  {object}  domain.Snapshot
// @Router       /api/refresh [post]
func (h *Handler) RunRefresh(c *gin.Context) {
	if h.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "refresh scheduler unavailable"})
		return
	}
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.run-refresh")
	defer span.End()
	c.JSON(http.StatusOK, h.scheduler.RunOnce(ctx))
}

// StartRefresh godoc
// @Summary      Enable auto-refresh
// @Tags         refresh
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/refresh/start [post]
func (h *Handler) StartRefresh(c *gin.Context) {
	if h.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "refresh scheduler unavailable"})
		return
	}
	changed := h.scheduler.Enable(h.baseCtx)
	c.JSON(http.StatusOK, gin.H{"enabled": true, "changed": changed})
}

// StopRefresh godoc
// @Summary      Disable auto-refresh
// @Description  Stops scheduling ticks; a tick in progress completes
// @Tags         refresh
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/refresh/stop [post]
func (h *Handler) StopRefresh(c *gin.Context) {
	if h.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "refresh scheduler unavailable"})
		return
	}
	changed := h.scheduler.Disable()
	c.JSON(http.StatusOK, gin.H{"enabled": false, "changed": changed})
}
