package domain

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type SignalKind string

const (
	KindOpenLong        SignalKind = "OPEN_LONG"
	KindOpenLongStrong  SignalKind = "OPEN_LONG_STRONG"
	KindOpenShort       SignalKind = "OPEN_SHORT"
	KindOpenShortStrong SignalKind = "OPEN_SHORT_STRONG"
	KindCloseLong       SignalKind = "CLOSE_LONG"
	KindCloseShort      SignalKind = "CLOSE_SHORT"
)

var SignalKinds = []SignalKind{
	KindOpenLong,
	KindOpenLongStrong,
	KindOpenShort,
	KindOpenShortStrong,
	KindCloseLong,
	KindCloseShort,
}

func (k SignalKind) IsValid() bool {
	for _, known := range SignalKinds {
		if k == known {
			return true
		}
	}
	return false
}

func (k SignalKind) IsOpening() bool {
	return strings.HasPrefix(string(k), "OPEN_")
}

func (k SignalKind) IsClosing() bool {
	return strings.HasPrefix(string(k), "CLOSE_")
}

func (k SignalKind) IsStrong() bool {
	return strings.HasSuffix(string(k), "_STRONG")
}

// Direction maps a kind onto the position side it opens or closes.
func (k SignalKind) Direction() Direction {
	switch k {
	case KindOpenShort, KindOpenShortStrong, KindCloseShort:
		return DirectionShort
	default:
		return DirectionLong
	}
}

type SignalStatus string

const (
	SignalProcessing SignalStatus = "PROCESSING"
	SignalExecuted   SignalStatus = "EXECUTED"
	SignalRejected   SignalStatus = "REJECTED"
)

func (s SignalStatus) IsTerminal() bool {
	return s == SignalExecuted || s == SignalRejected
}

func (s SignalStatus) IsValid() bool {
	return s == SignalProcessing || s.IsTerminal()
}

const (
	ReasonDuplicatePosition    = "DUPLICATE_POSITION"
	ReasonNoMatchingOperation  = "NO_MATCHING_OPERATION"
	ReasonDispatchRejected     = "DISPATCH_REJECTED"
	ReasonLedgerFailure        = "LEDGER_FAILURE"
	ReasonOperationClosed      = "OPERATION_CLOSED"
	ReasonOperationNotClosable = "OPERATION_NOT_CLOSABLE"
)

// RawTime holds an unparsed timestamp. JSON strings and numbers are both accepted.
type RawTime string

func (r *RawTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*r = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = RawTime(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*r = RawTime(n.String())
	return nil
}

// RawSignal is the inbound payload before validation.
type RawSignal struct {
	Kind       string           `json:"kind"`
	Symbol     string           `json:"symbol"`
	Price      decimal.Decimal  `json:"price"`
	ReceivedAt RawTime          `json:"receivedAt"`
	Quantity   *decimal.Decimal `json:"quantity,omitempty"`
	AccountID  string           `json:"account,omitempty"`
}

type Signal struct {
	ID          int64           `json:"id"`
	Kind        SignalKind      `json:"kind"`
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	AccountID   string          `json:"account,omitempty"`
	ReceivedAt  time.Time       `json:"receivedAt"`
	Status      SignalStatus    `json:"status"`
	Reason      string          `json:"reason,omitempty"`
	OperationID string          `json:"operationId,omitempty"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
}

type SignalFilter struct {
	Symbol string
	Status SignalStatus
	Limit  int
}

type AuditRecord struct {
	SignalID    int64        `json:"signalId"`
	Kind        SignalKind   `json:"kind"`
	Outcome     SignalStatus `json:"outcome"`
	Reason      string       `json:"reason,omitempty"`
	OperationID string       `json:"operationId,omitempty"`
	RecordedAt  time.Time    `json:"recordedAt"`
}

type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

func (d Direction) IsValid() bool {
	return d == DirectionLong || d == DirectionShort
}

// Sign is +1 for LONG and -1 for SHORT.
func (d Direction) Sign() decimal.Decimal {
	if d == DirectionShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

type OperationStatus string

const (
	OperationPending     OperationStatus = "PENDING"
	OperationActive      OperationStatus = "ACTIVE"
	OperationClosing     OperationStatus = "CLOSING"
	OperationClosed      OperationStatus = "CLOSED"
	OperationCloseFailed OperationStatus = "CLOSE_FAILED"
)

// IsOpen reports whether the status still counts as exposure.
func (s OperationStatus) IsOpen() bool {
	return s == OperationPending || s == OperationActive || s == OperationClosing
}

func (s OperationStatus) IsValid() bool {
	switch s {
	case OperationPending, OperationActive, OperationClosing, OperationClosed, OperationCloseFailed:
		return true
	}
	return false
}

type Operation struct {
	ID                  string          `json:"id"`
	AccountID           string          `json:"account,omitempty"`
	Symbol              string          `json:"symbol"`
	Direction           Direction       `json:"direction"`
	EntryPrice          decimal.Decimal `json:"entryPrice"`
	Quantity            decimal.Decimal `json:"quantity"`
	OpenedAt            time.Time       `json:"openedAt"`
	OriginatingSignalID int64           `json:"originatingSignalId"`
	Status              OperationStatus `json:"status"`

	CurrentPrice decimal.Decimal `json:"currentPrice"`
	PnL          decimal.Decimal `json:"pnl"`
	PnLPercent   decimal.Decimal `json:"pnlPercent"`

	CloseAttempts int              `json:"closeAttempts"`
	LastError     string           `json:"lastError,omitempty"`
	ClosePrice    *decimal.Decimal `json:"closePrice,omitempty"`
	RealizedPnL   *decimal.Decimal `json:"realizedPnl,omitempty"`
	ClosedAt      *time.Time       `json:"closedAt,omitempty"`
	UpdatedAt     time.Time        `json:"updatedAt"`
	Version       int64            `json:"version"`
}

// Notional is entryPrice x quantity.
func (o Operation) Notional() decimal.Decimal {
	return o.EntryPrice.Mul(o.Quantity)
}

type OperationFilter struct {
	Symbol    string
	Direction Direction
	AccountID string
	Statuses  []OperationStatus
}

func (f OperationFilter) Matches(op Operation) bool {
	if f.Symbol != "" && !strings.EqualFold(f.Symbol, op.Symbol) {
		return false
	}
	if f.Direction != "" && f.Direction != op.Direction {
		return false
	}
	if f.AccountID != "" && f.AccountID != op.AccountID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if s == op.Status {
			return true
		}
	}
	return false
}

type BreadthDirection string

const (
	BreadthBullish BreadthDirection = "BULLISH"
	BreadthBearish BreadthDirection = "BEARISH"
	BreadthNeutral BreadthDirection = "NEUTRAL"
)

type AIDirection string

const (
	AIDirectionLong    AIDirection = "LONG"
	AIDirectionShort   AIDirection = "SHORT"
	AIDirectionNeutral AIDirection = "NEUTRAL"
)

// SentimentInputs is what an external sentiment source reports for one tick.
type SentimentInputs struct {
	FearGreedIndex   int
	BTCDominance     decimal.Decimal
	BreadthDirection BreadthDirection
	AIDirection      AIDirection
	Confidence       int
	Reasoning        string
}

type MarketReading struct {
	FearGreedIndex   int              `json:"fearGreedIndex"`
	BTCDominance     decimal.Decimal  `json:"btcDominance"`
	BreadthDirection BreadthDirection `json:"breadthDirection"`
	AIDirection      AIDirection      `json:"aiDirection"`
	Confidence       int              `json:"confidence"`
	Reasoning        string           `json:"reasoning"`
	Stale            bool             `json:"stale"`
	CapturedAt       time.Time        `json:"capturedAt"`
}

type SystemMetrics struct {
	UsersOnline           int             `json:"usersOnline"`
	ActiveOperationsCount int             `json:"activeOperationsCount"`
	CloseFailedCount      int             `json:"closeFailedCount"`
	TotalPnLToday         decimal.Decimal `json:"totalPnlToday"`
	SignalsToday          int             `json:"signalsToday"`
	ComputedAt            time.Time       `json:"computedAt"`
}

// Snapshot is the combined read model published once per refresh tick.
type Snapshot struct {
	Sequence         int64          `json:"sequence"`
	PublishedAt      time.Time      `json:"publishedAt"`
	Operations       []Operation    `json:"operations"`
	FailedOperations []Operation    `json:"failedOperations"`
	RecentClosed     []Operation    `json:"recentClosed"`
	Signals          []Signal       `json:"signals"`
	MarketReading    *MarketReading `json:"marketReading,omitempty"`
	Metrics          SystemMetrics  `json:"metrics"`
	AutoRefresh      bool           `json:"autoRefresh"`
}

// FindOperation looks an operation up across every list in the snapshot.
func (s Snapshot) FindOperation(id string) (Operation, bool) {
	for _, list := range [][]Operation{s.Operations, s.FailedOperations, s.RecentClosed} {
		for _, op := range list {
			if op.ID == id {
				return op, true
			}
		}
	}
	return Operation{}, false
}

type JobKind string

const (
	JobSingle JobKind = "single"
	JobBulk   JobKind = "bulk"
)

type JobStatus string

const (
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobCancelled JobStatus = "CANCELLED"
)

type CloseOutcome string

const (
	OutcomeQueued    CloseOutcome = "QUEUED"
	OutcomeClosing   CloseOutcome = "CLOSING"
	OutcomeClosed    CloseOutcome = "CLOSED"
	OutcomeFailed    CloseOutcome = "FAILED"
	OutcomeCancelled CloseOutcome = "CANCELLED"
)

type CloseFilter struct {
	Symbol    string    `json:"symbol,omitempty"`
	Direction Direction `json:"direction,omitempty"`
	AccountID string    `json:"account,omitempty"`
}

type CloseJob struct {
	ID           string                  `json:"id"`
	Kind         JobKind                 `json:"kind"`
	Filter       CloseFilter             `json:"filter"`
	Status       JobStatus               `json:"status"`
	Requested    int                     `json:"requested"`
	Succeeded    int                     `json:"succeeded"`
	Failed       int                     `json:"failed"`
	StillClosing int                     `json:"stillClosing"`
	Cancelled    int                     `json:"cancelled"`
	Outcomes     map[string]CloseOutcome `json:"outcomes"`
	CreatedAt    time.Time               `json:"createdAt"`
	FinishedAt   *time.Time              `json:"finishedAt,omitempty"`
}
