package bot

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"signal-desk/internal/domain"
	"signal-desk/internal/logger"

	tele "gopkg.in/telebot.v3"
)

const (
	maxListedOperations = 10
	maxListedSignals    = 5
)

type SnapshotReader interface {
	Latest() (domain.Snapshot, bool)
}

// StartTelegramBot starts the read-only operator bot. It returns nil when no token is configured
// or the bot cannot be created.
func StartTelegramBot(token string, snapshots SnapshotReader) *AlertDispatcher {
	token = strings.TrimSpace(token)
	if token == "" {
		logger.Infof("TELEGRAM_BOT_TOKEN not set, skipping Telegram bot startup")
		return nil
	}
	pref := tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	}
	b, err := tele.NewBot(pref)
	if err != nil {
		logger.Errorf("failed to create Telegram bot: %v", err)
		return nil
	}
	alerts := NewAlertDispatcher(b)
	registerCommands(b, snapshots, alerts)

	logger.Infof("Telegram bot started")
	go b.Start()
	return alerts
}

type commandRouter interface {
	Handle(endpoint interface{}, h tele.HandlerFunc, m ...tele.MiddlewareFunc)
}

func registerCommands(b commandRouter, snapshots SnapshotReader, alerts *AlertDispatcher) {
	b.Handle("/ping", func(c tele.Context) error {
		return c.Send("pong")
	})

	b.Handle("/ops", func(c tele.Context) error {
		snap, ok := latest(snapshots)
		if !ok {
			return c.Send("No snapshot published yet.")
		}
		symbol, err := parseSymbolArg(c.Args())
		if err != nil {
			return c.Send("Usage: /ops | /ops BTCUSDT")
		}
		return c.Send(formatOperations(snap, symbol))
	})

	b.Handle("/failed", func(c tele.Context) error {
		snap, ok := latest(snapshots)
		if !ok {
			return c.Send("No snapshot published yet.")
		}
		if len(snap.FailedOperations) == 0 {
			return c.Send("No operations in CLOSE_FAILED.")
		}
		lines := []string{fmt.Sprintf("%d operation(s) need attention:", len(snap.FailedOperations))}
		for _, op := range snap.FailedOperations {
			lines = append(lines, formatOperation(op)+" | "+op.LastError)
		}
		return c.Send(strings.Join(lines, "\n"))
	})

	b.Handle("/signals", func(c tele.Context) error {
		snap, ok := latest(snapshots)
		if !ok {
			return c.Send("No snapshot published yet.")
		}
		symbol, err := parseSymbolArg(c.Args())
		if err != nil {
			return c.Send("Usage: /signals | /signals ETHUSDT")
		}
		return c.Send(formatSignals(snap.Signals, symbol))
	})

	b.Handle("/metrics", func(c tele.Context) error {
		snap, ok := latest(snapshots)
		if !ok {
			return c.Send("No snapshot published yet.")
		}
		return c.Send(formatMetrics(snap.Metrics))
	})

	b.Handle("/reading", func(c tele.Context) error {
		snap, ok := latest(snapshots)
		if !ok || snap.MarketReading == nil {
			return c.Send("No market reading yet.")
		}
		return c.Send(formatReading(*snap.MarketReading))
	})

	b.Handle("/alerts", func(c tele.Context) error {
		chat := c.Chat()
		if chat == nil {
			return c.Send("Unable to detect chat")
		}

		mode, err := parseAlertMode(c.Args())
		if err != nil {
			return c.Send("Usage: /alerts on | /alerts off | /alerts status")
		}

		switch mode {
		case "on":
			if alerts.Subscribe(chat.ID) {
				return c.Send("Close-failure alerts enabled for this chat.")
			}
			return c.Send("Close-failure alerts are already enabled for this chat.")
		case "off":
			if alerts.Unsubscribe(chat.ID) {
				return c.Send("Close-failure alerts disabled for this chat.")
			}
			return c.Send("Close-failure alerts are already disabled for this chat.")
		default:
			if alerts.IsSubscribed(chat.ID) {
				return c.Send("Alerts status: ON")
			}
			return c.Send("Alerts status: OFF")
		}
	})
}

func latest(snapshots SnapshotReader) (domain.Snapshot, bool) {
	if snapshots == nil {
		return domain.Snapshot{}, false
	}
	return snapshots.Latest()
}

func parseSymbolArg(args []string) (string, error) {
	symbol := ""
	for _, arg := range args {
		arg = strings.TrimSpace(arg)
		if arg == "" {
			continue
		}
		if strings.HasPrefix(arg, "--") {
			return "", errors.New("unknown option")
		}
		if symbol != "" {
			return "", errors.New("multiple symbols provided")
		}
		symbol = domain.NormalizeSymbol(arg)
	}
	return symbol, nil
}

func formatOperation(op domain.Operation) string {
	return fmt.Sprintf(
		"%s %s %s qty %s entry %s now %s pnl %s (%s%%) [%s]",
		shortID(op.ID),
		op.Symbol,
		op.Direction,
		op.Quantity.String(),
		op.EntryPrice.String(),
		op.CurrentPrice.String(),
		op.PnL.StringFixed(2),
		op.PnLPercent.StringFixed(2),
		op.Status,
	)
}

func formatOperations(snap domain.Snapshot, symbol string) string {
	lines := make([]string, 0, maxListedOperations+1)
	total := 0
	for _, op := range snap.Operations {
		if symbol != "" && op.Symbol != symbol {
			continue
		}
		total++
		if len(lines) < maxListedOperations {
			lines = append(lines, formatOperation(op))
		}
	}
	if total == 0 {
		return "No open operations."
	}
	header := fmt.Sprintf("Open operations (%d), snapshot #%d:", total, snap.Sequence)
	if total > maxListedOperations {
		header += fmt.Sprintf(" showing first %d", maxListedOperations)
	}
	return header + "\n" + strings.Join(lines, "\n")
}

func formatSignal(s domain.Signal) string {
	line := fmt.Sprintf(
		"#%d %s %s at %s %s",
		s.ID,
		s.Symbol,
		s.Kind,
		s.Price.String(),
		s.Status,
	)
	if s.Reason != "" {
		line += " (" + s.Reason + ")"
	}
	return line + " " + s.ReceivedAt.UTC().Format(time.RFC822)
}

func formatSignals(signals []domain.Signal, symbol string) string {
	lines := []string{"Latest signals:"}
	for _, s := range signals {
		if symbol != "" && s.Symbol != symbol {
			continue
		}
		lines = append(lines, formatSignal(s))
		if len(lines) > maxListedSignals {
			break
		}
	}
	if len(lines) == 1 {
		return "No matching signals right now."
	}
	return strings.Join(lines, "\n")
}

func formatMetrics(m domain.SystemMetrics) string {
	return fmt.Sprintf(
		"Active operations: %d\nClose failed: %d\nPnL today: %s\nSignals today: %d\nUsers online: %d",
		m.ActiveOperationsCount,
		m.CloseFailedCount,
		m.TotalPnLToday.StringFixed(2),
		m.SignalsToday,
		m.UsersOnline,
	)
}

func formatReading(r domain.MarketReading) string {
	msg := fmt.Sprintf(
		"Fear & Greed: %d\nBTC dominance: %s%%\nBreadth: %s\nBias: %s (confidence %d)",
		r.FearGreedIndex,
		r.BTCDominance.StringFixed(2),
		r.BreadthDirection,
		r.AIDirection,
		r.Confidence,
	)
	if r.Stale {
		msg += "\nSTALE: " + r.Reasoning
	} else if r.Reasoning != "" {
		msg += "\n" + r.Reasoning
	}
	return msg
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
