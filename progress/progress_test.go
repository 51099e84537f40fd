package progress

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/bounce-monitor/model"
	"github.com/dhcgn/bounce-monitor/stats"
)

func TestBarTracksMailboxes(t *testing.T) {
	bar := New("debug", nil)

	events := make(chan stats.Event, 8)
	events <- stats.Event{Stage: stats.StageMailbox, Type: stats.EventTypeStarted, Mailbox: "a", Total: 2}
	events <- stats.Event{Stage: stats.StageMessage, Type: stats.EventTypeScanned, Mailbox: "a", Seq: 1}
	events <- stats.Event{Stage: stats.StageMessage, Type: stats.EventTypeScanned, Mailbox: "a", Seq: 2}
	events <- stats.Event{Stage: stats.StageMailbox, Type: stats.EventTypeFinished, Mailbox: "a"}
	events <- stats.Event{Stage: stats.StageMailbox, Type: stats.EventTypeError, Severity: stats.SeverityError, Mailbox: "b"}
	close(events)

	require.NoError(t, bar.Subscriber(context.Background(), events))
	assert.Equal(t, 2, bar.Scanned("a"))
	assert.True(t, bar.Finished("a"))
	assert.False(t, bar.Finished("b"))
	assert.Nil(t, bar.pb)
}

func TestBarRendersWhenEnabled(t *testing.T) {
	pterm.DisableStyling()
	t.Cleanup(pterm.EnableStyling)

	var buf bytes.Buffer
	bar := New("info", &buf)
	bar.Update(stats.Event{Stage: stats.StageMailbox, Type: stats.EventTypeStarted, Mailbox: "a", Total: 3})
	require.NotNil(t, bar.pb)
	bar.Update(stats.Event{Stage: stats.StageMailbox, Type: stats.EventTypeStarted, Mailbox: "b", Total: 2})
	bar.Update(stats.Event{Stage: stats.StageMessage, Type: stats.EventTypeScanned, Mailbox: "b"})

	assert.Equal(t, 5, bar.pb.Total)
	assert.Equal(t, 1, bar.pb.Current)
	bar.Stop()
	assert.Nil(t, bar.pb)
}

func TestSummaryTable(t *testing.T) {
	data := SummaryTable(stats.Summary{Mailboxes: 2, Processed: 5, Problems: 1})
	assert.Equal(t, []string{"Outcome", "Messages"}, data[0])
	assert.Contains(t, data, []string{"Processed", "5"})
	assert.Contains(t, data, []string{"Problems", "1"})
	assert.Contains(t, data, []string{"Mailboxes", "2"})
}

func TestResultsTable(t *testing.T) {
	start := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	data := ResultsTable([]model.MailboxRunResult{
		{Mailbox: "zeta", Processed: 1, Started: start, Finished: start.Add(1500 * time.Millisecond)},
		{Mailbox: "alpha", Skipped: 2, Started: start},
	})
	require.Len(t, data, 3)
	assert.Equal(t, "alpha", data[1][0])
	assert.Equal(t, "-", data[1][7])
	assert.Equal(t, "zeta", data[2][0])
	assert.Equal(t, "1.5s", data[2][7])
}

func TestDomainTable(t *testing.T) {
	data := DomainTable([]model.DomainTrust{
		{Domain: "example.com", TrustScore: 25, BounceCount: 1, LastBounceDate: time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)},
		{Domain: "fresh.test", TrustScore: model.DefaultTrustScore},
	})
	require.Len(t, data, 3)
	assert.Equal(t, []string{"example.com", "25", "1", "2025-03-14 09:30:00"}, data[1])
	assert.Equal(t, []string{"fresh.test", "50", "0", "-"}, data[2])
}

func TestBounceTable(t *testing.T) {
	data := BounceTable([]model.BounceRecord{{
		ID:        7,
		CreatedAt: time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC),
		Result: model.ExtractionResult{
			OriginalTo:      "john@example.com",
			Status:          model.StatusPermanentFailure,
			SMTPCode:        "550",
			OriginalSubject: "Contract draft",
		},
	}})
	require.Len(t, data, 2)
	assert.Equal(t, []string{"7", "2025-03-14 10:00:00", "john@example.com", "permanent_failure", "550", "Contract draft"}, data[1])
}
