package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"signal-desk/internal/domain"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/shopspring/decimal"
)

type stubSnapshots struct {
	snap domain.Snapshot
	ok   bool
}

func (s *stubSnapshots) Latest() (domain.Snapshot, bool) { return s.snap, s.ok }

type stubJobs struct {
	jobs      map[string]domain.CloseJob
	lastLimit int
}

func (s *stubJobs) GetJob(id string) (domain.CloseJob, error) {
	job, ok := s.jobs[id]
	if !ok {
		return domain.CloseJob{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return job, nil
}

func (s *stubJobs) ListJobs(limit int) []domain.CloseJob {
	s.lastLimit = limit
	out := make([]domain.CloseJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	return out
}

type stubAudit struct {
	records   []domain.AuditRecord
	lastLimit int
}

func (s *stubAudit) Audit(limit int) []domain.AuditRecord {
	s.lastLimit = limit
	return append([]domain.AuditRecord(nil), s.records...)
}

func sampleSnapshot() domain.Snapshot {
	now := time.Unix(1_700_000_000, 0).UTC()
	return domain.Snapshot{
		Sequence: 3,
		Operations: []domain.Operation{
			{ID: "op-btc", Symbol: "BTCUSDT", Direction: domain.DirectionLong, Status: domain.OperationActive, EntryPrice: decimal.NewFromInt(45000), Quantity: decimal.NewFromInt(1), OpenedAt: now},
			{ID: "op-eth", Symbol: "ETHUSDT", Direction: domain.DirectionShort, Status: domain.OperationActive, EntryPrice: decimal.NewFromInt(3000), Quantity: decimal.NewFromInt(2), OpenedAt: now},
		},
		FailedOperations: []domain.Operation{
			{ID: "op-sol", Symbol: "SOLUSDT", Direction: domain.DirectionLong, Status: domain.OperationCloseFailed, CloseAttempts: 3, LastError: "timeout"},
		},
		Signals: []domain.Signal{
			{ID: 3, Kind: "OPEN_LONG", Symbol: "BTCUSDT", Status: domain.SignalRejected, Reason: domain.ReasonDuplicatePosition, ReceivedAt: now},
			{ID: 2, Kind: "OPEN_SHORT", Symbol: "ETHUSDT", Status: domain.SignalExecuted, OperationID: "op-eth", ReceivedAt: now},
			{ID: 1, Kind: "OPEN_LONG", Symbol: "BTCUSDT", Status: domain.SignalExecuted, OperationID: "op-btc", ReceivedAt: now},
		},
		MarketReading: &domain.MarketReading{FearGreedIndex: 65, BreadthDirection: domain.BreadthBullish, AIDirection: domain.AIDirectionLong, Confidence: 55, CapturedAt: now},
		Metrics:       domain.SystemMetrics{ActiveOperationsCount: 2, CloseFailedCount: 1, SignalsToday: 3, TotalPnLToday: decimal.Zero},
	}
}

type testDeps struct {
	snapshots *stubSnapshots
	jobs      *stubJobs
	audit     *stubAudit
}

func testServer() (*sdkmcp.Server, *testDeps) {
	deps := &testDeps{
		snapshots: &stubSnapshots{snap: sampleSnapshot(), ok: true},
		jobs: &stubJobs{jobs: map[string]domain.CloseJob{
			"job-1": {ID: "job-1", Kind: domain.JobBulk, Status: domain.JobCompleted, Requested: 2, Succeeded: 2},
		}},
		audit: &stubAudit{records: []domain.AuditRecord{
			{SignalID: 3, Kind: "OPEN_LONG", Outcome: domain.SignalRejected, Reason: domain.ReasonDuplicatePosition},
		}},
	}
	srv := NewServer(nil, deps.snapshots, deps.jobs, deps.audit, ServerConfig{RequestTimeout: time.Second})
	return srv, deps
}

func connectInMemory(ctx context.Context, srv *sdkmcp.Server) (*sdkmcp.ClientSession, context.CancelFunc, error) {
	clientTransport, serverTransport := sdkmcp.NewInMemoryTransports()
	runCtx, cancel := context.WithCancel(ctx)
	go func() { _ = srv.Run(runCtx, serverTransport) }()

	client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "mcp-test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return session, cancel, nil
}

func decodeResourceJSON(result *sdkmcp.ReadResourceResult, out any) error {
	if len(result.Contents) == 0 {
		return nil
	}
	return json.Unmarshal([]byte(result.Contents[0].Text), out)
}

// decodeStructured reads a typed tool result back from the wire.
func decodeStructured(res *sdkmcp.CallToolResult, out any) error {
	body, err := json.Marshal(res.StructuredContent)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}
