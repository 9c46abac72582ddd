package mcp

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"signal-desk/internal/domain"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/shopspring/decimal"
)

var errNoSnapshot = errors.New("no snapshot published yet")

// Decimals travel as JSON strings; the inferred struct schema would reject them.
var schemaOverrides = map[reflect.Type]*jsonschema.Schema{
	reflect.TypeFor[decimal.Decimal]():                {Type: "string"},
	reflect.TypeFor[map[string]domain.CloseOutcome](): {Types: []string{"null", "object"}, AdditionalProperties: &jsonschema.Schema{Type: "string"}},
}

func outputSchema[T any]() *jsonschema.Schema {
	schema, err := jsonschema.For[T](&jsonschema.ForOptions{TypeSchemas: schemaOverrides})
	if err != nil {
		panic(fmt.Sprintf("mcp output schema: %v", err))
	}
	return schema
}

func registerTools(server *mcp.Server, snapshots SnapshotReader, jobs JobReader, audit AuditReader, symbols symbolSet) {
	mcp.AddTool(server, &mcp.Tool{
		Name:         "operations_list",
		Description:  "List operations from the latest snapshot with optional status, symbol and direction filters",
		OutputSchema: outputSchema[operationsListOutput](),
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in operationsListInput) (*mcp.CallToolResult, operationsListOutput, error) {
		snap, err := latestSnapshot(snapshots)
		if err != nil {
			return nil, operationsListOutput{}, err
		}
		filter, err := normalizeOperationFilter(symbols, in)
		if err != nil {
			return nil, operationsListOutput{}, err
		}
		return nil, operationsListOutput{Sequence: snap.Sequence, Operations: operationsFrom(snap, filter)}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:         "operations_get",
		Description:  "Get one operation by id from the latest snapshot",
		OutputSchema: outputSchema[operationGetOutput](),
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in operationGetInput) (*mcp.CallToolResult, operationGetOutput, error) {
		snap, err := latestSnapshot(snapshots)
		if err != nil {
			return nil, operationGetOutput{}, err
		}
		id := strings.TrimSpace(in.ID)
		if id == "" {
			return nil, operationGetOutput{}, fmt.Errorf("id is required")
		}
		op, ok := snap.FindOperation(id)
		if !ok {
			return nil, operationGetOutput{}, fmt.Errorf("operation %s not found", id)
		}
		return nil, operationGetOutput{Operation: op}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:         "signals_list",
		Description:  "List recent signals with optional symbol and status filters",
		OutputSchema: outputSchema[signalsListOutput](),
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in signalsListInput) (*mcp.CallToolResult, signalsListOutput, error) {
		snap, err := latestSnapshot(snapshots)
		if err != nil {
			return nil, signalsListOutput{}, err
		}
		filter, err := normalizeSignalFilter(symbols, in)
		if err != nil {
			return nil, signalsListOutput{}, err
		}
		return nil, signalsListOutput{Signals: signalsFrom(snap, filter)}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:         "signals_audit",
		Description:  "List signal classification decisions, newest first",
		OutputSchema: outputSchema[auditListOutput](),
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in auditListInput) (*mcp.CallToolResult, auditListOutput, error) {
		if audit == nil {
			return nil, auditListOutput{}, fmt.Errorf("signal service unavailable")
		}
		return nil, auditListOutput{Records: audit.Audit(clampLimit(in.Limit, defaultAuditLimit, maxAuditLimit))}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:         "market_reading_latest",
		Description:  "Get the latest market reading (fear/greed, BTC dominance, breadth, directional bias)",
		OutputSchema: outputSchema[marketReadingOutput](),
	}, func(ctx context.Context, _ *mcp.CallToolRequest, _ emptyInput) (*mcp.CallToolResult, marketReadingOutput, error) {
		snap, err := latestSnapshot(snapshots)
		if err != nil {
			return nil, marketReadingOutput{}, err
		}
		if snap.MarketReading == nil {
			return nil, marketReadingOutput{}, fmt.Errorf("no market reading yet")
		}
		return nil, marketReadingOutput{Reading: snap.MarketReading}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:         "metrics_latest",
		Description:  "Get system metrics from the latest snapshot",
		OutputSchema: outputSchema[metricsOutput](),
	}, func(ctx context.Context, _ *mcp.CallToolRequest, _ emptyInput) (*mcp.CallToolResult, metricsOutput, error) {
		snap, err := latestSnapshot(snapshots)
		if err != nil {
			return nil, metricsOutput{}, err
		}
		return nil, metricsOutput{Metrics: snap.Metrics}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:         "jobs_list",
		Description:  "List recent close jobs, newest first",
		OutputSchema: outputSchema[jobsListOutput](),
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in jobsListInput) (*mcp.CallToolResult, jobsListOutput, error) {
		if jobs == nil {
			return nil, jobsListOutput{}, fmt.Errorf("control service unavailable")
		}
		return nil, jobsListOutput{Jobs: jobs.ListJobs(clampLimit(in.Limit, defaultJobLimit, maxJobLimit))}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:         "jobs_get",
		Description:  "Get progress of one close job",
		OutputSchema: outputSchema[jobGetOutput](),
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in jobGetInput) (*mcp.CallToolResult, jobGetOutput, error) {
		if jobs == nil {
			return nil, jobGetOutput{}, fmt.Errorf("control service unavailable")
		}
		id := strings.TrimSpace(in.ID)
		if id == "" {
			return nil, jobGetOutput{}, fmt.Errorf("id is required")
		}
		job, err := jobs.GetJob(id)
		if err != nil {
			return nil, jobGetOutput{}, err
		}
		return nil, jobGetOutput{Job: job}, nil
	})
}

func latestSnapshot(snapshots SnapshotReader) (domain.Snapshot, error) {
	if snapshots == nil {
		return domain.Snapshot{}, fmt.Errorf("snapshot bus unavailable")
	}
	snap, ok := snapshots.Latest()
	if !ok {
		return domain.Snapshot{}, errNoSnapshot
	}
	return snap, nil
}
