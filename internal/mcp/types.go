package mcp

import (
	"fmt"
	"sort"
	"strings"

	"signal-desk/internal/domain"
)

const (
	defaultSignalLimit = 50
	maxSignalLimit     = 200
	defaultJobLimit    = 20
	maxJobLimit        = 100
	defaultAuditLimit  = 50
	maxAuditLimit      = 500
)

type emptyInput struct{}

type operationsListInput struct {
	Status    string `json:"status,omitempty" jsonschema:"optional status: PENDING, ACTIVE, CLOSING, CLOSED, CLOSE_FAILED"`
	Symbol    string `json:"symbol,omitempty" jsonschema:"optional symbol (e.g. BTCUSDT)"`
	Direction string `json:"direction,omitempty" jsonschema:"optional direction: LONG or SHORT"`
}

type operationsListOutput struct {
	Sequence   int64              `json:"sequence"`
	Operations []domain.Operation `json:"operations"`
}

type operationGetInput struct {
	ID string `json:"id" jsonschema:"operation id"`
}

type operationGetOutput struct {
	Operation domain.Operation `json:"operation"`
}

type signalsListInput struct {
	Symbol string `json:"symbol,omitempty" jsonschema:"optional symbol (e.g. BTCUSDT)"`
	Status string `json:"status,omitempty" jsonschema:"optional status: PROCESSING, EXECUTED, REJECTED"`
	Limit  int    `json:"limit,omitempty" jsonschema:"number of signals to return, max 200"`
}

type signalsListOutput struct {
	Signals []domain.Signal `json:"signals"`
}

type auditListInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"number of audit records to return, max 500"`
}

type auditListOutput struct {
	Records []domain.AuditRecord `json:"records"`
}

type marketReadingOutput struct {
	Reading *domain.MarketReading `json:"reading"`
}

type metricsOutput struct {
	Metrics domain.SystemMetrics `json:"metrics"`
}

type jobsListInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"number of jobs to return, max 100"`
}

type jobsListOutput struct {
	Jobs []domain.CloseJob `json:"jobs"`
}

type jobGetInput struct {
	ID string `json:"id" jsonschema:"close job id"`
}

type jobGetOutput struct {
	Job domain.CloseJob `json:"job"`
}

type symbolSet map[string]struct{}

func newSymbolSet(symbols []string) symbolSet {
	if len(symbols) == 0 {
		symbols = domain.DefaultSupportedSymbols
	}
	set := make(symbolSet, len(symbols))
	for _, s := range symbols {
		if n := domain.NormalizeSymbol(s); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

func (s symbolSet) list() []string {
	out := make([]string, 0, len(s))
	for sym := range s {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (s symbolSet) normalize(symbol string) (string, error) {
	symbol = domain.NormalizeSymbol(symbol)
	if symbol == "" {
		return "", fmt.Errorf("symbol is required")
	}
	if _, ok := s[symbol]; !ok {
		return "", fmt.Errorf("unsupported symbol: %s", symbol)
	}
	return symbol, nil
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

func normalizeOperationFilter(symbols symbolSet, in operationsListInput) (domain.OperationFilter, error) {
	var filter domain.OperationFilter
	if strings.TrimSpace(in.Symbol) != "" {
		symbol, err := symbols.normalize(in.Symbol)
		if err != nil {
			return domain.OperationFilter{}, err
		}
		filter.Symbol = symbol
	}
	if raw := strings.TrimSpace(in.Direction); raw != "" {
		dir := domain.Direction(strings.ToUpper(raw))
		if !dir.IsValid() {
			return domain.OperationFilter{}, fmt.Errorf("direction must be LONG or SHORT")
		}
		filter.Direction = dir
	}
	if raw := strings.TrimSpace(in.Status); raw != "" {
		status := domain.OperationStatus(strings.ToUpper(raw))
		if !status.IsValid() {
			return domain.OperationFilter{}, fmt.Errorf("unsupported status: %s", raw)
		}
		filter.Statuses = []domain.OperationStatus{status}
	}
	return filter, nil
}

func normalizeSignalFilter(symbols symbolSet, in signalsListInput) (domain.SignalFilter, error) {
	filter := domain.SignalFilter{Limit: clampLimit(in.Limit, defaultSignalLimit, maxSignalLimit)}

	if strings.TrimSpace(in.Symbol) != "" {
		symbol, err := symbols.normalize(in.Symbol)
		if err != nil {
			return domain.SignalFilter{}, err
		}
		filter.Symbol = symbol
	}
	if raw := strings.TrimSpace(in.Status); raw != "" {
		status := domain.SignalStatus(strings.ToUpper(raw))
		if !status.IsValid() {
			return domain.SignalFilter{}, fmt.Errorf("status must be PROCESSING, EXECUTED or REJECTED")
		}
		filter.Status = status
	}
	return filter, nil
}

// operationsFrom picks operations out of every snapshot list, open ones first.
func operationsFrom(snap domain.Snapshot, filter domain.OperationFilter) []domain.Operation {
	out := make([]domain.Operation, 0, len(snap.Operations))
	for _, list := range [][]domain.Operation{snap.Operations, snap.FailedOperations, snap.RecentClosed} {
		for _, op := range list {
			if filter.Matches(op) {
				out = append(out, op)
			}
		}
	}
	return out
}

func signalsFrom(snap domain.Snapshot, filter domain.SignalFilter) []domain.Signal {
	out := make([]domain.Signal, 0, filter.Limit)
	for _, sig := range snap.Signals {
		if filter.Symbol != "" && sig.Symbol != filter.Symbol {
			continue
		}
		if filter.Status != "" && sig.Status != filter.Status {
			continue
		}
		out = append(out, sig)
		if len(out) == filter.Limit {
			break
		}
	}
	return out
}
