package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func registerResources(server *mcp.Server, snapshots SnapshotReader, symbols symbolSet) {
	server.AddResource(&mcp.Resource{
		URI:         "market://supported-symbols",
		Name:        "supported-symbols",
		Description: "Symbols accepted by signal ingestion",
		MIMEType:    "application/json",
	}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		_ = ctx
		return jsonResource(req.Params.URI, symbols.list())
	})

	server.AddResource(&mcp.Resource{
		URI:         "snapshot://latest",
		Name:        "snapshot-latest",
		Description: "The latest published system snapshot",
		MIMEType:    "application/json",
	}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		snap, err := latestSnapshot(snapshots)
		if err != nil {
			return nil, err
		}
		return jsonResource(req.Params.URI, snap)
	})

	server.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: "operations://{id}",
		Name:        "operation-by-id",
		Description: "One operation from the latest snapshot",
		MIMEType:    "application/json",
	}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		parsed, err := url.Parse(req.Params.URI)
		if err != nil || parsed.Scheme != "operations" || parsed.Host == "" {
			return nil, mcp.ResourceNotFoundError(req.Params.URI)
		}
		snap, err := latestSnapshot(snapshots)
		if err != nil {
			return nil, err
		}
		op, ok := snap.FindOperation(parsed.Host)
		if !ok {
			return nil, mcp.ResourceNotFoundError(req.Params.URI)
		}
		return jsonResource(req.Params.URI, operationGetOutput{Operation: op})
	})

	server.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: "signals://latest{?symbol,status,limit}",
		Name:        "signals-latest",
		Description: "Recent signals with optional symbol/status/limit query params",
		MIMEType:    "application/json",
	}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		parsed, err := url.Parse(req.Params.URI)
		if err != nil {
			return nil, mcp.ResourceNotFoundError(req.Params.URI)
		}
		if parsed.Scheme != "signals" || parsed.Host != "latest" {
			return nil, mcp.ResourceNotFoundError(req.Params.URI)
		}

		input := signalsListInput{
			Symbol: parsed.Query().Get("symbol"),
			Status: parsed.Query().Get("status"),
			Limit:  defaultSignalLimit,
		}
		if rawLimit := strings.TrimSpace(parsed.Query().Get("limit")); rawLimit != "" {
			n, err := strconv.Atoi(rawLimit)
			if err != nil {
				return nil, fmt.Errorf("invalid limit: %s", rawLimit)
			}
			input.Limit = n
		}

		filter, err := normalizeSignalFilter(symbols, input)
		if err != nil {
			return nil, err
		}
		snap, err := latestSnapshot(snapshots)
		if err != nil {
			return nil, err
		}
		return jsonResource(req.Params.URI, signalsListOutput{Signals: signalsFrom(snap, filter)})
	})
}

func jsonResource(uri string, payload any) (*mcp.ReadResourceResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(body),
		}},
	}, nil
}
