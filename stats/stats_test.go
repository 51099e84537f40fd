package stats

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCountsEvents(t *testing.T) {
	events := make(chan Event, 16)
	boom := errors.New("boom")
	for _, evt := range []Event{
		{Stage: StageMailbox, Type: EventTypeStarted, Mailbox: "a"},
		{Stage: StageMove, Type: EventTypeStarted},
		{Stage: StageMessage, Type: EventTypeScanned},
		{Stage: StageMessage, Type: EventTypeScanned},
		{Stage: StageMessage, Type: EventTypeProcessed},
		{Stage: StageMessage, Type: EventTypeSkipped},
		{Stage: StageMessage, Type: EventTypeProblem},
		{Stage: StageMessage, Type: EventTypeDuplicate},
		{Stage: StageMove, Type: EventTypeMoveFailed},
		{Stage: StageDedup, Type: EventTypeDeduped},
		{Stage: StageMailbox, Type: EventTypeError, Err: boom},
	} {
		events <- evt
	}
	close(events)

	c := NewCollector()
	c.Run(context.Background(), events)
	s := c.Snapshot()

	assert.Equal(t, 1, s.Mailboxes)
	assert.Equal(t, 2, s.Scanned)
	assert.Equal(t, 1, s.Processed)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, 1, s.Problems)
	assert.Equal(t, 1, s.Duplicates)
	assert.Equal(t, 1, s.MoveFailures)
	assert.Equal(t, 1, s.Deduped)
	assert.Equal(t, 1, s.Errors)
	assert.Equal(t, boom, s.LastError)
	assert.Contains(t, s.LogAttrs(), "boom")
}

func TestCollectorStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewCollector()
	c.Run(ctx, make(chan Event))
	assert.Equal(t, Summary{}, c.Snapshot())
}

type stream struct {
	fn func(context.Context, <-chan Event) error
}

func (s *stream) SubscribeStats(_ string, fn func(context.Context, <-chan Event) error) {
	s.fn = fn
}

func TestReporterSummary(t *testing.T) {
	st := &stream{}
	r := NewReporter(st, nil)
	require.NotNil(t, st.fn)

	events := make(chan Event, 2)
	events <- Event{Type: EventTypeProcessed}
	events <- Event{Type: EventTypeIgnored}
	close(events)

	require.NoError(t, st.fn(context.Background(), events))
	assert.Equal(t, 1, r.Summary().Processed)
	assert.Equal(t, 1, r.Summary().Ignored)
}

func TestTop(t *testing.T) {
	m := map[string]int{"b.test": 2, "a.test": 2, "c.test": 5, "d.test": 1}
	assert.Equal(t, []Pair{{"c.test", 5}, {"a.test", 2}, {"b.test", 2}}, Top(m, 3))
	assert.Len(t, Top(m, -1), 4)
	assert.Empty(t, Top(nil, 3))
}

func TestFanoutAndRecorder(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	sink := Fanout{a, nil, Discard{}, b}
	sink.Log(context.Background(), Event{Type: EventTypeMoved})
	sink.Log(context.Background(), Event{Type: EventTypeSkipped})

	assert.Equal(t, 1, a.Count(EventTypeMoved))
	assert.Len(t, b.Events(), 2)
}

func TestLevel(t *testing.T) {
	tests := map[Severity]string{
		SeverityDebug:   "DEBUG",
		SeverityInfo:    "INFO",
		SeveritySuccess: "INFO",
		SeverityWarning: "WARN",
		SeverityError:   "ERROR",
	}
	for sev, want := range tests {
		assert.Equal(t, want, Level(sev).String(), string(sev))
	}
}
