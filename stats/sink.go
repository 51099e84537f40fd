package stats

import (
	"context"
	"log/slog"
	"sync"
)

// Sink receives pipeline events. Implementations must not block for long
// and never report failures back to the caller.
type Sink interface {
	Log(ctx context.Context, evt Event)
}

// LogSink writes events to a slog.Logger at the level matching their
// severity.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Log(ctx context.Context, evt Event) {
	msg := evt.Message
	if msg == "" {
		msg = string(evt.Type)
	}
	s.logger.Log(ctx, Level(evt.Severity), msg, evt.LogAttrs()...)
}

// Level maps a severity onto a slog level. Success is logged as info.
func Level(sev Severity) slog.Level {
	switch sev {
	case SeverityDebug:
		return slog.LevelDebug
	case SeverityWarning:
		return slog.LevelWarn
	case SeverityError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Fanout delivers each event to every sink in order.
type Fanout []Sink

func (f Fanout) Log(ctx context.Context, evt Event) {
	for _, s := range f {
		if s != nil {
			s.Log(ctx, evt)
		}
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Log(context.Context, Event) {}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Log(_ context.Context, evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many recorded events have the given type.
func (r *Recorder) Count(t EventType) int {
	n := 0
	for _, e := range r.Events() {
		if e.Type == t {
			n++
		}
	}
	return n
}
