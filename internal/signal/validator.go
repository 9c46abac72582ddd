package signal

import (
	"math"
	"strconv"
	"strings"
	"time"

	"signal-desk/internal/domain"

	"github.com/shopspring/decimal"
)

// Epoch values at or above this are treated as milliseconds.
const epochMillisThreshold = 1_000_000_000_000

// maxEpochMillis is 9999-12-31T23:59:59.999Z.
const maxEpochMillis = 253_402_300_799_999

var kindReplacer = strings.NewReplacer("-", "_", " ", "_")

type Validator struct {
	symbols map[string]struct{}
}

func NewValidator(supportedSymbols []string) *Validator {
	if len(supportedSymbols) == 0 {
		supportedSymbols = domain.DefaultSupportedSymbols
	}
	allowed := make(map[string]struct{}, len(supportedSymbols))
	for _, s := range supportedSymbols {
		if n := domain.NormalizeSymbol(s); n != "" {
			allowed[n] = struct{}{}
		}
	}
	return &Validator{symbols: allowed}
}

func (v *Validator) Supports(symbol string) bool {
	_, ok := v.symbols[domain.NormalizeSymbol(symbol)]
	return ok
}

// Validate normalizes raw into a PROCESSING signal or returns a *domain.ValidationError.
func (v *Validator) Validate(raw domain.RawSignal) (domain.Signal, error) {
	kind := NormalizeKind(raw.Kind)
	if kind == "" {
		return domain.Signal{}, &domain.ValidationError{Field: "kind", Reason: "is required"}
	}
	if !kind.IsValid() {
		return domain.Signal{}, &domain.ValidationError{Field: "kind", Reason: "unrecognized kind " + strconv.Quote(raw.Kind)}
	}

	symbol := domain.NormalizeSymbol(raw.Symbol)
	if symbol == "" {
		return domain.Signal{}, &domain.ValidationError{Field: "symbol", Reason: "is required"}
	}
	if _, ok := v.symbols[symbol]; !ok {
		return domain.Signal{}, &domain.ValidationError{Field: "symbol", Reason: "unsupported symbol " + symbol}
	}

	if !raw.Price.IsPositive() {
		return domain.Signal{}, &domain.ValidationError{Field: "price", Reason: "must be greater than zero"}
	}

	quantity := decimal.Zero
	if raw.Quantity != nil {
		if !raw.Quantity.IsPositive() {
			return domain.Signal{}, &domain.ValidationError{Field: "quantity", Reason: "must be greater than zero"}
		}
		quantity = *raw.Quantity
	}

	receivedAt, err := ParseTimestamp(string(raw.ReceivedAt))
	if err != nil {
		return domain.Signal{}, err
	}

	return domain.Signal{
		Kind:       kind,
		Symbol:     symbol,
		Price:      raw.Price,
		Quantity:   quantity,
		AccountID:  strings.TrimSpace(raw.AccountID),
		ReceivedAt: receivedAt,
		Status:     domain.SignalProcessing,
	}, nil
}

func NormalizeKind(kind string) domain.SignalKind {
	return domain.SignalKind(strings.ToUpper(kindReplacer.Replace(strings.TrimSpace(kind))))
}

// ParseTimestamp accepts RFC3339, RFC3339Nano and unix epoch seconds or milliseconds.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, &domain.ValidationError{Field: "receivedAt", Reason: "is required"}
	}

	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}

	epoch, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(value, 64)
		if ferr != nil {
			return time.Time{}, &domain.ValidationError{Field: "receivedAt", Reason: "unparsable timestamp " + strconv.Quote(value)}
		}
		if math.IsNaN(f) || math.IsInf(f, 0) || f > maxEpochMillis {
			return time.Time{}, &domain.ValidationError{Field: "receivedAt", Reason: "epoch out of range " + strconv.Quote(value)}
		}
		if f <= 0 {
			return time.Time{}, &domain.ValidationError{Field: "receivedAt", Reason: "must be a positive epoch"}
		}
		epoch = int64(f)
	}
	if epoch <= 0 {
		return time.Time{}, &domain.ValidationError{Field: "receivedAt", Reason: "must be a positive epoch"}
	}
	if epoch > maxEpochMillis {
		return time.Time{}, &domain.ValidationError{Field: "receivedAt", Reason: "epoch out of range " + strconv.Quote(value)}
	}
	if epoch >= epochMillisThreshold {
		return time.UnixMilli(epoch).UTC(), nil
	}
	return time.Unix(epoch, 0).UTC(), nil
}
