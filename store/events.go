package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dhcgn/bounce-monitor/stats"
)

// EventSink persists pipeline events to the event log. Failures are logged
// and swallowed; the event log never stops a run.
type EventSink struct {
	store  *SQLiteStore
	logger *slog.Logger
	// MinSeverity drops events below this level. Empty keeps everything
	// except debug.
	MinSeverity stats.Severity
}

func NewEventSink(s *SQLiteStore, logger *slog.Logger) *EventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventSink{store: s, logger: logger}
}

func (e *EventSink) Log(ctx context.Context, evt stats.Event) {
	minimum := e.MinSeverity
	if minimum == "" {
		minimum = stats.SeverityInfo
	}
	if stats.Level(evt.Severity) < stats.Level(minimum) {
		return
	}

	msg := evt.Message
	if msg == "" {
		msg = fmt.Sprintf("%s %s", evt.Stage, evt.Type)
	}
	if evt.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, evt.Err)
	}
	if err := e.store.LogEvent(context.WithoutCancel(ctx), evt.Severity, msg, evt.MailboxID, evt.BounceID); err != nil {
		e.logger.Debug("event log write failed", "err", err)
	}
}
