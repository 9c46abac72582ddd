package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"signal-desk/internal/domain"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

// GetOperations godoc
// @Summary      List operations
// @Description  Returns operations from the latest snapshot. CLOSE_FAILED and CLOSED are served from the failed and recently closed lists.
// @Tags         operations
// @Produce      json
// @Param        status  query  string  false  "PENDING, ACTIVE, CLOSING, CLOSE_FAILED or CLOSED"
// @Param        symbol  query  string  false  "Symbol (e.g. BTCUSDT)"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /api/operations [get]
func (h *Handler) GetOperations(c *gin.Context) {
	status := domain.OperationStatus(strings.ToUpper(strings.TrimSpace(c.Query("status"))))
	if status != "" && !status.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown operation status: " + string(status)})
		return
	}
	symbol := ""
	if raw := strings.TrimSpace(c.Query("symbol")); raw != "" {
		symbol = domain.NormalizeSymbol(raw)
	}

	snap, ok := h.latestSnapshot(c)
	if !ok {
		return
	}

	source := snap.Operations
	switch status {
	case domain.OperationCloseFailed:
		source = snap.FailedOperations
	case domain.OperationClosed:
		source = snap.RecentClosed
	case "":
		source = make([]domain.Operation, 0, len(snap.Operations)+len(snap.FailedOperations))
		source = append(source, snap.Operations...)
		source = append(source, snap.FailedOperations...)
	}

	ops := make([]domain.Operation, 0, len(source))
	for _, op := range source {
		if status != "" && op.Status != status {
			continue
		}
		if symbol != "" && op.Symbol != symbol {
			continue
		}
		ops = append(ops, op)
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops, "sequence": snap.Sequence})
}

// GetOperation godoc
// @Summary      Get one operation
// @Tags         operations
// @Produce      json
// @Param        id  path  string  true  "Operation ID"
// @Success      200  {object}  domain.Operation
// @Failure      404  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /api/operations/{id} [get]
func (h *Handler) GetOperation(c *gin.Context) {
	snap, ok := h.latestSnapshot(c)
	if !ok {
		return
	}
	op, found := snap.FindOperation(c.Param("id"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "operation not found"})
		return
	}
	c.JSON(http.StatusOK, op)
}

// CloseOperation godoc
// @Summary      Close one operation
// @Description  Moves the operation to CLOSING and completes the closure in the background
// @Tags         operations
// @Produce      json
// @Param        id  path  string  true  "Operation ID"
// @Success      202  {object}  domain.CloseJob
// @Failure      404  {object}  map[string]string
// @Failure      409  {object}  map[string]string
// @Router       /api/operations/{id}/close [post]
func (h *Handler) CloseOperation(c *gin.Context) {
	if h.control == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "control service unavailable"})
		return
	}
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.close-operation")
	defer span.End()
	span.SetAttributes(attribute.String("operation.id", c.Param("id")))

	job, err := h.control.CloseOne(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// CloseAll godoc
// @Summary      Close all matching operations
// @Description  Closes ACTIVE and PENDING operations matching the optional filter with bounded concurrency
// @Tags         operations
// @Accept       json
// @Produce      json
// @Param        filter  body  domain.CloseFilter  false  "Optional filter"
// @Success      202  {object}  domain.CloseJob
// @Failure      400  {object}  map[string]string
// @Router       /api/operations/close-all [post]
func (h *Handler) CloseAll(c *gin.Context) {
	if h.control == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "control service unavailable"})
		return
	}
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.close-all")
	defer span.End()

	var filter domain.CloseFilter
	if err := c.ShouldBindJSON(&filter); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed filter", "detail": err.Error()})
		return
	}
	filter.Direction = domain.Direction(strings.ToUpper(strings.TrimSpace(string(filter.Direction))))

	job, err := h.control.CloseAll(ctx, filter)
	if err != nil {
		writeError(c, err)
		return
	}
	span.SetAttributes(attribute.Int("close.requested", job.Requested))
	c.JSON(http.StatusAccepted, job)
}

// RedriveOperation godoc
// @Summary      Redrive a CLOSE_FAILED operation
// @Description  Returns the operation to ACTIVE with a fresh retry budget
// @Tags         operations
// @Produce      json
// @Param        id  path  string  true  "Operation ID"
// @Success      200  {object}  domain.Operation
// @Failure      404  {object}  map[string]string
// @Failure      409  {object}  map[string]string
// @Router       /api/operations/{id}/redrive [post]
func (h *Handler) RedriveOperation(c *gin.Context) {
	if h.control == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "control service unavailable"})
		return
	}
	op, err := h.control.Redrive(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, op)
}

// ListJobs godoc
// @Summary      List close jobs
// @Tags         jobs
// @Produce      json
// @Param        limit  query  int  false  "Number of jobs (default 20)"
// @Success      200  {object}  map[string]interface{}
// @Router       /api/jobs [get]
func (h *Handler) ListJobs(c *gin.Context) {
	if h.control == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "control service unavailable"})
		return
	}
	limit := 20
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, gin.H{"jobs": h.control.ListJobs(limit)})
}

// GetJob godoc
// @Summary      Get a close job
// @Tags         jobs
// @Produce      json
// @Param        id  path  string  true  "Job ID"
// @Success      200  {object}  domain.CloseJob
// @Failure      404  {object}  map[string]string
// @Router       /api/jobs/{id} [get]
func (h *Handler) GetJob(c *gin.Context) {
	if h.control == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "control service unavailable"})
		return
	}
	job, err := h.control.GetJob(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// CancelJob godoc
// @Summary      Cancel a running close job
// @Description  Stops dispatching further closures; closures already started finish
// @Tags         jobs
// @Produce      json
// @Param        id  path  string  true  "Job ID"
// @Success      202  {object}  domain.CloseJob
// @Failure      404  {object}  map[string]string
// @Router       /api/jobs/{id}/cancel [post]
func (h *Handler) CancelJob(c *gin.Context) {
	if h.control == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "control service unavailable"})
		return
	}
	job, err := h.control.CancelJob(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}
