package job

import (
	"context"
	"time"

	"signal-desk/internal/logger"

	"go.opentelemetry.io/otel/trace"
)

const (
	defaultRetention = 7 * 24 * time.Hour
	retentionTick    = time.Hour
)

type ReadingPruner interface {
	DeleteReadingsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type AuditPruner interface {
	DeleteAuditBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Retention trims stored market readings and signal audit rows older than the retention window.
type Retention struct {
	tracer   trace.Tracer
	readings ReadingPruner
	audit    AuditPruner
	keep     time.Duration
	tick     time.Duration
	now      func() time.Time
}

func NewRetention(tracer trace.Tracer, readings ReadingPruner, audit AuditPruner, keep time.Duration) *Retention {
	if keep <= 0 {
		keep = defaultRetention
	}
	return &Retention{
		tracer:   tracer,
		readings: readings,
		audit:    audit,
		keep:     keep,
		tick:     retentionTick,
		now:      time.Now,
	}
}

// Start blocks until ctx is cancelled.
func (j *Retention) Start(ctx context.Context) {
	if j == nil || (j.readings == nil && j.audit == nil) {
		<-ctx.Done()
		return
	}

	logger.Infof("retention job starting (keep %s)", j.keep)
	ticker := time.NewTicker(j.tick)
	defer ticker.Stop()

	j.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Infof("retention job stopped")
			return
		case <-ticker.C:
			j.runOnce(ctx)
		}
	}
}

func (j *Retention) runOnce(ctx context.Context) {
	ctx, span := j.tracer.Start(ctx, "retention-job.prune")
	defer span.End()

	cutoff := j.now().Add(-j.keep).UTC()
	if j.readings != nil {
		n, err := j.readings.DeleteReadingsBefore(ctx, cutoff)
		if err != nil {
			logger.Warnf("prune market readings: %v", err)
		} else if n > 0 {
			logger.Infof("pruned %d market reading(s) before %s", n, cutoff.Format(time.RFC3339))
		}
	}
	if j.audit != nil {
		n, err := j.audit.DeleteAuditBefore(ctx, cutoff)
		if err != nil {
			logger.Warnf("prune signal audit: %v", err)
		} else if n > 0 {
			logger.Infof("pruned %d audit record(s) before %s", n, cutoff.Format(time.RFC3339))
		}
	}
}
