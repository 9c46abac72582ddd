package service

import (
	"context"
	"time"

	"signal-desk/internal/domain"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
)

type OperationLister interface {
	List(filter domain.OperationFilter) []domain.Operation
}

type SignalCounter interface {
	SignalsOn(day time.Time) int
}

type PresenceCounter interface {
	Online() int
}

type MetricsService struct {
	tracer   trace.Tracer
	ops      OperationLister
	signals  SignalCounter
	presence PresenceCounter
	now      func() time.Time
}

func NewMetricsService(tracer trace.Tracer, ops OperationLister, signals SignalCounter, presence PresenceCounter) *MetricsService {
	return &MetricsService{
		tracer:   tracer,
		ops:      ops,
		signals:  signals,
		presence: presence,
		now:      time.Now,
	}
}

// Compute derives the metrics from current state. "Today" is the current UTC day: realized PnL of
// operations closed today plus unrealized PnL of open ones.
func (s *MetricsService) Compute(ctx context.Context) domain.SystemMetrics {
	_, span := s.tracer.Start(ctx, "metrics-service.compute")
	defer span.End()

	now := s.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	m := domain.SystemMetrics{TotalPnLToday: decimal.Zero, ComputedAt: now}
	if s.ops != nil {
		for _, op := range s.ops.List(domain.OperationFilter{}) {
			switch {
			case op.Status.IsOpen():
				m.ActiveOperationsCount++
				m.TotalPnLToday = m.TotalPnLToday.Add(op.PnL)
			case op.Status == domain.OperationCloseFailed:
				m.CloseFailedCount++
			case op.Status == domain.OperationClosed:
				if op.RealizedPnL != nil && op.ClosedAt != nil && !op.ClosedAt.Before(dayStart) {
					m.TotalPnLToday = m.TotalPnLToday.Add(*op.RealizedPnL)
				}
			}
		}
	}
	if s.signals != nil {
		m.SignalsToday = s.signals.SignalsOn(now)
	}
	if s.presence != nil {
		m.UsersOnline = s.presence.Online()
	}
	return m
}
