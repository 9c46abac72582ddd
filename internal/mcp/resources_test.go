package mcp

import (
	"context"
	"testing"
	"time"

	"signal-desk/internal/domain"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestResourcesStaticAndTemplated(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	srv, _ := testServer()
	session, shutdown, err := connectInMemory(ctx, srv)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer shutdown()
	defer session.Close()

	list, err := session.ListResources(ctx, &sdkmcp.ListResourcesParams{})
	if err != nil {
		t.Fatalf("list resources failed: %v", err)
	}
	if len(list.Resources) != 2 {
		t.Fatalf("expected 2 static resources, got %d", len(list.Resources))
	}

	templates, err := session.ListResourceTemplates(ctx, &sdkmcp.ListResourceTemplatesParams{})
	if err != nil {
		t.Fatalf("list templates failed: %v", err)
	}
	if len(templates.ResourceTemplates) != 2 {
		t.Fatalf("expected 2 resource templates, got %d", len(templates.ResourceTemplates))
	}

	readRes, err := session.ReadResource(ctx, &sdkmcp.ReadResourceParams{URI: "market://supported-symbols"})
	if err != nil {
		t.Fatalf("read static resource failed: %v", err)
	}
	var symbols []string
	if err := decodeResourceJSON(readRes, &symbols); err != nil {
		t.Fatalf("decode symbols failed: %v", err)
	}
	if len(symbols) != len(domain.DefaultSupportedSymbols) || symbols[0] != "ADAUSDT" {
		t.Fatalf("unexpected symbols payload %v", symbols)
	}

	readRes, err = session.ReadResource(ctx, &sdkmcp.ReadResourceParams{URI: "snapshot://latest"})
	if err != nil {
		t.Fatalf("read snapshot failed: %v", err)
	}
	var snap domain.Snapshot
	if err := decodeResourceJSON(readRes, &snap); err != nil || snap.Sequence != 3 {
		t.Fatalf("unexpected snapshot %+v err=%v", snap.Sequence, err)
	}

	readRes, err = session.ReadResource(ctx, &sdkmcp.ReadResourceParams{URI: "operations://op-sol"})
	if err != nil {
		t.Fatalf("read operation failed: %v", err)
	}
	var op operationGetOutput
	if err := decodeResourceJSON(readRes, &op); err != nil || op.Operation.Status != domain.OperationCloseFailed {
		t.Fatalf("unexpected operation %+v err=%v", op, err)
	}

	readRes, err = session.ReadResource(ctx, &sdkmcp.ReadResourceParams{URI: "signals://latest?symbol=BTCUSDT&limit=1"})
	if err != nil {
		t.Fatalf("read signals resource failed: %v", err)
	}
	var out signalsListOutput
	if err := decodeResourceJSON(readRes, &out); err != nil {
		t.Fatalf("decode signal output failed: %v", err)
	}
	if len(out.Signals) != 1 || out.Signals[0].ID != 3 {
		t.Fatalf("expected newest BTC signal, got %+v", out.Signals)
	}
}

func TestUnknownOperationResource(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	srv, _ := testServer()
	session, shutdown, err := connectInMemory(ctx, srv)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer shutdown()
	defer session.Close()

	if _, err := session.ReadResource(ctx, &sdkmcp.ReadResourceParams{URI: "operations://missing"}); err == nil {
		t.Fatal("expected resource not found error for operations://missing")
	}
}
