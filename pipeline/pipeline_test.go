package pipeline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/bounce-monitor/bounce"
	"github.com/dhcgn/bounce-monitor/mimedecode"
	"github.com/dhcgn/bounce-monitor/model"
	"github.com/dhcgn/bounce-monitor/pipeline"
	"github.com/dhcgn/bounce-monitor/stats"
	"github.com/dhcgn/bounce-monitor/store"
	"github.com/dhcgn/bounce-monitor/testutil"
	"github.com/dhcgn/bounce-monitor/trust"
)

var now = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func mailbox() model.Mailbox {
	return model.Mailbox{Name: "bounces", Enabled: true}
}

func newPipeline(t *testing.T, mail pipeline.MailStore, opts pipeline.Options) (*pipeline.Pipeline, *store.SQLiteStore, *stats.Recorder) {
	t.Helper()
	st := testutil.NewTestStore(t)
	rec := &stats.Recorder{}
	logger := testutil.Logger()
	opts.Now = clock
	p := pipeline.New(mail, st,
		mimedecode.New(logger),
		bounce.New(logger, bounce.WithClock(clock)),
		trust.NewEngine(logger, clock),
		rec, logger, opts)
	return p, st, rec
}

func TestRunFilesThreeMessages(t *testing.T) {
	ctx := context.Background()
	mail := newFakeMailStore(dsnBounce, plainMessage, unparseableBounce)
	p, st, rec := newPipeline(t, mail, pipeline.Options{})

	res, err := p.Run(ctx, mailbox())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Problems)
	assert.Zero(t, res.MoveFailures)
	assert.Equal(t, 3, res.Total())
	assert.Equal(t, pipeline.StateDone, p.State())

	bounces, err := st.ListBounces(ctx, store.BounceFilter{})
	require.NoError(t, err)
	require.Len(t, bounces, 1)
	b := bounces[0]
	assert.Equal(t, "john@example.com", b.Result.OriginalTo)
	assert.Equal(t, "550", b.Result.SMTPCode)
	assert.Equal(t, model.StatusPermanentFailure, b.Result.Status)
	assert.Equal(t, res.MailboxID, b.MailboxID)

	pending, err := st.PendingNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "alice@corp.test", pending[0].RecipientEmail)
	assert.Equal(t, "john@example.com", pending[0].OriginalTo)
	assert.Equal(t, b.ID, pending[0].BounceID)

	dt, err := st.GetDomainTrust(ctx, "example.com")
	require.NoError(t, err)
	require.NotNil(t, dt)
	assert.Equal(t, 25, dt.TrustScore)
	assert.Equal(t, 1, dt.BounceCount)

	assert.Empty(t, mail.folder(model.DefaultInbox))
	assert.Len(t, mail.folder(model.DefaultProcessedFolder), 1)
	assert.Len(t, mail.folder(model.DefaultSkippedFolder), 1)
	assert.Len(t, mail.folder(model.DefaultProblemFolder), 1)
	assert.Equal(t, 1, mail.expunges)
	assert.Equal(t, 1, mail.closed)

	last, err := st.LastProcessed(ctx, res.MailboxID)
	require.NoError(t, err)
	assert.True(t, last.Equal(now))

	assert.Equal(t, 3, rec.Count(stats.EventTypeScanned))
	assert.Equal(t, 1, rec.Count(stats.EventTypeProcessed))
	assert.Equal(t, 1, rec.Count(stats.EventTypeProblem))
}

func TestRunRefilesRecordedMessage(t *testing.T) {
	ctx := context.Background()
	mail := newFakeMailStore(dsnBounce)
	mail.copyErr[1] = errors.New("NO [OVERQUOTA]")
	p, st, _ := newPipeline(t, mail, pipeline.Options{})

	res, err := p.Run(ctx, mailbox())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.MoveFailures)
	assert.Len(t, mail.folder(model.DefaultInbox), 1)
	assert.Zero(t, mail.expunges)

	delete(mail.copyErr, 1)
	res, err = p.Run(ctx, mailbox())
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
	assert.Equal(t, 1, res.Duplicates)
	assert.Empty(t, mail.folder(model.DefaultInbox))
	assert.Len(t, mail.folder(model.DefaultProcessedFolder), 1)

	bounces, err := st.ListBounces(ctx, store.BounceFilter{})
	require.NoError(t, err)
	assert.Len(t, bounces, 1)
	dt, err := st.GetDomainTrust(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, dt.BounceCount)
}

func TestRunFetchFailureQuarantines(t *testing.T) {
	ctx := context.Background()
	mail := newFakeMailStore(variant(dsnBounce, 1), variant(dsnBounce, 2))
	mail.fetchErr[1] = errors.New("connection reset")
	p, st, rec := newPipeline(t, mail, pipeline.Options{})

	res, err := p.Run(ctx, mailbox())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Problems)
	assert.Equal(t, 1, res.Processed)
	assert.Len(t, mail.folder(model.DefaultProblemFolder), 1)

	pending, err := st.PendingNotifications(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	dt, err := st.GetDomainTrust(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, 25, dt.TrustScore)

	var problem stats.Event
	for _, e := range rec.Events() {
		if e.Type == stats.EventTypeProblem {
			problem = e
		}
	}
	assert.Equal(t, uint32(1), problem.Seq)
	assert.ErrorContains(t, problem.Err, "connection reset")
}

func TestRunEmptyMessageIsProblem(t *testing.T) {
	mail := newFakeMailStore("\r\n\r\n")
	p, _, _ := newPipeline(t, mail, pipeline.Options{})

	res, err := p.Run(context.Background(), mailbox())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Problems)
}

func TestRunConnectFailureIsFatal(t *testing.T) {
	mail := newFakeMailStore(dsnBounce)
	mail.connectErr = errors.New("dial tcp: connection refused")
	p, _, rec := newPipeline(t, mail, pipeline.Options{})

	_, err := p.Run(context.Background(), mailbox())
	require.Error(t, err)

	var fe *pipeline.FatalError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, pipeline.StageConnect, fe.Stage)
	assert.Equal(t, pipeline.StateError, p.State())
	assert.Equal(t, 1, rec.Count(stats.EventTypeError))
}

func TestRunSelectFailureClosesSession(t *testing.T) {
	mail := newFakeMailStore(dsnBounce)
	mail.selectErr = errors.New("NO mailbox does not exist")
	p, _, _ := newPipeline(t, mail, pipeline.Options{})

	_, err := p.Run(context.Background(), mailbox())
	var fe *pipeline.FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, pipeline.StageSelect, fe.Stage)
	assert.Equal(t, 1, mail.closed)
}

func TestRunDisabledMailbox(t *testing.T) {
	p, _, _ := newPipeline(t, newFakeMailStore(), pipeline.Options{})
	mb := mailbox()
	mb.Enabled = false

	_, err := p.Run(context.Background(), mb)
	assert.ErrorIs(t, err, pipeline.ErrMailboxDisabled)
}

func TestRunCancelledLeavesMessageInPlace(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mail := newFakeMailStore(plainMessage, variant(dsnBounce, 1))
	mail.onFetch = func(seq uint32) {
		if seq == 2 {
			cancel()
		}
	}
	p, _, _ := newPipeline(t, mail, pipeline.Options{})

	res, err := p.Run(ctx, mailbox())
	var fe *pipeline.FatalError
	require.ErrorAs(t, err, &fe)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Processed)

	inbox := mail.folder(model.DefaultInbox)
	require.Len(t, inbox, 1)
	assert.Contains(t, string(inbox[0]), "Contract draft 1")
	assert.Equal(t, 1, mail.expunges)
}

func TestRunFilterLeavesIgnoredInPlace(t *testing.T) {
	mail := newFakeMailStore(plainMessage, dsnBounce)
	p, _, _ := newPipeline(t, mail, pipeline.Options{})
	mb := mailbox()
	mb.ExcludeHeader = []string{"Lunch"}

	res, err := p.Run(context.Background(), mb)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Ignored)
	assert.Equal(t, 1, res.Processed)
	assert.Len(t, mail.folder(model.DefaultInbox), 1)
}

func TestRunDryRunDoesNotMove(t *testing.T) {
	mail := newFakeMailStore(dsnBounce, plainMessage)
	p, st, _ := newPipeline(t, mail, pipeline.Options{DryRun: true})

	res, err := p.Run(context.Background(), mailbox())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Skipped)
	assert.Len(t, mail.folder(model.DefaultInbox), 2)
	assert.Zero(t, mail.expunges)
	assert.Nil(t, mail.folder(model.DefaultProcessedFolder))

	bounces, err := st.ListBounces(context.Background(), store.BounceFilter{})
	require.NoError(t, err)
	assert.Len(t, bounces, 1)
}

func TestFatalErrorMessage(t *testing.T) {
	err := &pipeline.FatalError{Mailbox: "bounces", Stage: pipeline.StageSelect, Err: errors.New("NO")}
	assert.Equal(t, "mailbox bounces: select: NO", err.Error())
	assert.Equal(t, "fetch: boom", (&pipeline.Quarantine{Reason: pipeline.ReasonFetch, Err: errors.New("boom")}).Error())
	assert.Equal(t, "iterating", pipeline.StateIterating.String())
}
