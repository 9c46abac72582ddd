package handler

import (
	"net/http"
	"strconv"
	"strings"

	"signal-desk/internal/domain"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultSignalLimit = 50
	maxSignalLimit     = 500
)

// PostSignal godoc
// @Summary      Ingest a trading signal
// @Description  Validates and records the signal, then classifies it asynchronously
// @Tags         signals
// @Accept       json
// @Produce      json
// @Param        signal  body  domain.RawSignal  true  "Signal payload"
// @Success      202  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /api/signals [post]
func (h *Handler) PostSignal(c *gin.Context) {
	if h.signals == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "signal service unavailable"})
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "handler.post-signal")
	defer span.End()

	var raw domain.RawSignal
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed signal payload", "detail": err.Error()})
		return
	}

	sig, err := h.signals.Submit(ctx, raw)
	if err != nil {
		span.RecordError(err)
		writeError(c, err)
		return
	}
	span.SetAttributes(attribute.Int64("signal.id", sig.ID))
	c.JSON(http.StatusAccepted, gin.H{"id": sig.ID, "status": sig.Status})
}

// GetSignals godoc
// @Summary      List recent signals
// @Description  Returns signals from the latest published snapshot, newest first
// @Tags         signals
// @Produce      json
// @Param        symbol  query  string  false  "Symbol (e.g. BTCUSDT)"
// @Param        status  query  string  false  "PROCESSING, EXECUTED or REJECTED"
// @Param        limit   query  int     false  "Number of signals (default 50, max 500)"  default(50)
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /api/signals [get]
func (h *Handler) GetSignals(c *gin.Context) {
	_, span := h.tracer.Start(c.Request.Context(), "handler.get-signals")
	defer span.End()

	symbol := ""
	if raw := strings.TrimSpace(c.Query("symbol")); raw != "" {
		symbol = domain.NormalizeSymbol(raw)
		span.SetAttributes(attribute.String("symbol", symbol))
	}

	status := domain.SignalStatus(strings.ToUpper(strings.TrimSpace(c.Query("status"))))
	if status != "" && !status.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be PROCESSING, EXECUTED or REJECTED"})
		return
	}

	limit := defaultSignalLimit
	if rawLimit := strings.TrimSpace(c.Query("limit")); rawLimit != "" {
		n, err := strconv.Atoi(rawLimit)
		if err != nil || n <= 0 || n > maxSignalLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	snap, ok := h.latestSnapshot(c)
	if !ok {
		return
	}

	signals := make([]domain.Signal, 0, limit)
	for _, sig := range snap.Signals {
		if symbol != "" && sig.Symbol != symbol {
			continue
		}
		if status != "" && sig.Status != status {
			continue
		}
		signals = append(signals, sig)
		if len(signals) == limit {
			break
		}
	}
	c.JSON(http.StatusOK, gin.H{"signals": signals, "sequence": snap.Sequence})
}
