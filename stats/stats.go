package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageRun      Stage = "run"
	StageMailbox  Stage = "mailbox"
	StageMessage  Stage = "message"
	StageMove     Stage = "move"
	StageDedup    Stage = "dedup"
	StageClassify Stage = "classify"
)

type EventType string

const (
	EventTypeScanned    EventType = "scanned"
	EventTypeProcessed  EventType = "processed"
	EventTypeSkipped    EventType = "skipped"
	EventTypeProblem    EventType = "problem"
	EventTypeIgnored    EventType = "ignored"
	EventTypeDuplicate  EventType = "duplicate"
	EventTypeMoved      EventType = "moved"
	EventTypeMoveFailed EventType = "move_failed"
	EventTypeStarted    EventType = "started"
	EventTypeFinished   EventType = "finished"
	EventTypeDeduped    EventType = "deduped"
	EventTypeError      EventType = "error"
)

// Severity follows the event log levels stored alongside each entry.
type Severity string

const (
	SeverityDebug   Severity = "debug"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeveritySuccess Severity = "success"
)

type Event struct {
	Stage     Stage
	Type      EventType
	Severity  Severity
	Message   string
	Mailbox   string
	MailboxID int64
	BounceID  int64
	Seq       uint32
	// Total is set on started events with the number of messages ahead.
	Total int
	Err   error
}

// LogAttrs renders the event as slog key/value pairs.
func (e Event) LogAttrs() []any {
	attrs := []any{"stage", e.Stage, "type", e.Type}
	if e.Mailbox != "" {
		attrs = append(attrs, "mailbox", e.Mailbox)
	}
	if e.Seq > 0 {
		attrs = append(attrs, "seq", e.Seq)
	}
	if e.BounceID > 0 {
		attrs = append(attrs, "bounce", e.BounceID)
	}
	if e.Err != nil {
		attrs = append(attrs, "err", e.Err)
	}
	return attrs
}

type Summary struct {
	Mailboxes    int
	Scanned      int
	Processed    int
	Skipped      int
	Problems     int
	Ignored      int
	Duplicates   int
	MoveFailures int
	Deduped      int
	Errors       int
	LastError    error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"mailboxes", s.Mailboxes,
		"scanned", s.Scanned,
		"processed", s.Processed,
		"skipped", s.Skipped,
		"problems", s.Problems,
		"ignored", s.Ignored,
		"duplicates", s.Duplicates,
		"moveFailures", s.MoveFailures,
		"deduped", s.Deduped,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeStarted:
		if evt.Stage == StageMailbox {
			c.summary.Mailboxes++
		}
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeProcessed:
		c.summary.Processed++
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeProblem:
		c.summary.Problems++
	case EventTypeIgnored:
		c.summary.Ignored++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeMoveFailed:
		c.summary.MoveFailures++
	case EventTypeDeduped:
		c.summary.Deduped++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(m map[string]int, limit int) {
	for i, p := range Top(m, limit) {
		fmt.Printf("%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}

type Pair struct {
	Key   string
	Value int
}

// Top returns the limit most frequent entries, most frequent first. Ties
// are ordered by key.
func Top(m map[string]int, limit int) []Pair {
	var pairs []Pair
	for k, v := range m {
		pairs = append(pairs, Pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit >= 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}
