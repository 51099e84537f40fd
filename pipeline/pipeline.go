// Package pipeline files the messages of one bounce mailbox: each message
// is classified, recorded when it is a parseable bounce, and moved into the
// mailbox's processed, skipped or problem folder.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dhcgn/bounce-monitor/bounce"
	"github.com/dhcgn/bounce-monitor/filter"
	"github.com/dhcgn/bounce-monitor/metrics"
	"github.com/dhcgn/bounce-monitor/mimedecode"
	"github.com/dhcgn/bounce-monitor/model"
	"github.com/dhcgn/bounce-monitor/state"
	"github.com/dhcgn/bounce-monitor/stats"
	"github.com/dhcgn/bounce-monitor/store"
	"github.com/dhcgn/bounce-monitor/trust"
)

// Store is the persistence the pipeline needs. *store.SQLiteStore
// satisfies it.
type Store interface {
	InTx(ctx context.Context, fn func(*store.Tx) error) error
	IsProcessed(ctx context.Context, hash string) (bool, error)
	UpsertMailbox(ctx context.Context, name string) (int64, error)
	SetLastProcessed(ctx context.Context, mailboxID int64, at time.Time) error
}

type Options struct {
	// DryRun classifies and records but never copies, flags or expunges.
	DryRun bool
	Now    func() time.Time
}

type Pipeline struct {
	mail      MailStore
	store     Store
	decoder   *mimedecode.Decoder
	extractor *bounce.Extractor
	trust     *trust.Engine
	sink      stats.Sink
	logger    *slog.Logger
	opts      Options

	mu    sync.Mutex
	state State
}

func New(mail MailStore, st Store, decoder *mimedecode.Decoder, extractor *bounce.Extractor, engine *trust.Engine, sink stats.Sink, logger *slog.Logger, opts Options) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = stats.Discard{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		mail:      mail,
		store:     st,
		decoder:   decoder,
		extractor: extractor,
		trust:     engine,
		sink:      sink,
		logger:    logger,
		opts:      opts,
	}
}

// State returns the position of the current or last run.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setState(s State, mailbox string) {
	p.mu.Lock()
	prev := p.state
	p.state = s
	p.mu.Unlock()
	if prev != s {
		p.logger.Debug("pipeline state", "mailbox", mailbox, "from", prev, "to", s)
	}
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeSkipped
	outcomeProblem
	outcomeIgnored
	outcomeDuplicate
)

// mailboxRun carries the per-run state of one Run call.
type mailboxRun struct {
	mb      model.Mailbox
	id      int64
	sess    Session
	filter  *filter.Filter
	result  model.MailboxRunResult
	deleted int
}

// Run processes every message currently in the mailbox inbox. A non-nil
// error is always a *FatalError; per-message failures only show up in the
// result counters and the event sink.
func (p *Pipeline) Run(ctx context.Context, mb model.Mailbox) (model.MailboxRunResult, error) {
	mb = mb.WithDefaults()
	run := &mailboxRun{mb: mb, result: model.MailboxRunResult{Mailbox: mb.Name, Started: p.opts.Now().UTC()}}
	p.setState(StateDisconnected, mb.Name)

	if !mb.Enabled {
		return run.result, p.fatal(ctx, run, StageConnect, ErrMailboxDisabled)
	}

	if !filter.FromMailbox(mb).Empty() {
		f, err := filter.New(filter.FromMailbox(mb))
		if err != nil {
			return run.result, p.fatal(ctx, run, StageConnect, err)
		}
		run.filter = f
	}

	id, err := p.store.UpsertMailbox(ctx, mb.Name)
	if err != nil {
		return run.result, p.fatal(ctx, run, StageRegister, err)
	}
	run.id = id
	run.result.MailboxID = id

	sess, err := p.mail.Connect(ctx, mb)
	if err != nil {
		return run.result, p.fatal(ctx, run, StageConnect, err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			p.logger.Debug("closing session", "mailbox", mb.Name, "err", err)
		}
	}()
	run.sess = sess
	p.setState(StateConnected, mb.Name)

	p.ensureFolders(ctx, run)

	if err := sess.SelectFolder(ctx, mb.Inbox); err != nil {
		return run.result, p.fatal(ctx, run, StageSelect, err)
	}
	p.setState(StateFolderSelected, mb.Name)

	count, err := sess.MessageCount(ctx)
	if err != nil {
		return run.result, p.fatal(ctx, run, StageCount, err)
	}

	p.emit(ctx, run, stats.Event{Stage: stats.StageMailbox, Type: stats.EventTypeStarted, Severity: stats.SeverityInfo, Total: int(count),
		Message: fmt.Sprintf("processing %d messages in %s", count, mb.Name)})
	p.setState(StateIterating, mb.Name)

	var interrupted error
	for seq := uint32(1); seq <= count; seq++ {
		if err := ctx.Err(); err != nil {
			interrupted = err
			break
		}
		p.emit(ctx, run, stats.Event{Stage: stats.StageMessage, Type: stats.EventTypeScanned, Severity: stats.SeverityDebug, Seq: seq, Total: int(count)})
		v := p.handle(ctx, run, seq)
		if err := ctx.Err(); err != nil {
			// The message stays where it is; it is picked up on the next run.
			interrupted = err
			break
		}
		p.account(ctx, run, seq, v)
		if v.out != outcomeIgnored {
			p.move(ctx, run, seq, p.folderFor(mb, v.out))
		}
	}

	p.expunge(ctx, run)

	if interrupted != nil {
		return run.result, p.fatal(ctx, run, StageIterate, interrupted)
	}

	run.result.Finished = p.opts.Now().UTC()
	if !p.opts.DryRun {
		if err := p.store.SetLastProcessed(ctx, run.id, run.result.Finished); err != nil {
			p.logger.Warn("recording last processed", "mailbox", mb.Name, "err", err)
		}
	}
	metrics.TrackMailboxRun(mb.Name, run.result.Finished.Sub(run.result.Started))

	p.setState(StateDone, mb.Name)
	p.emit(ctx, run, stats.Event{Stage: stats.StageMailbox, Type: stats.EventTypeFinished, Severity: stats.SeveritySuccess,
		Message: fmt.Sprintf("%s: processed %d, skipped %d, problems %d", mb.Name, run.result.Processed, run.result.Skipped, run.result.Problems)})
	return run.result, nil
}

// verdict is the result of handling one message.
type verdict struct {
	out        outcome
	quarantine *Quarantine
	bounceID   int64
	note       string
}

func problem(reason string, err error) verdict {
	return verdict{out: outcomeProblem, quarantine: &Quarantine{Reason: reason, Err: err}}
}

// handle classifies one message and, for a parseable bounce, records it.
func (p *Pipeline) handle(ctx context.Context, run *mailboxRun, seq uint32) verdict {
	header, err := run.sess.FetchHeader(ctx, seq)
	if err != nil {
		return problem(ReasonFetch, err)
	}
	body, err := run.sess.FetchBody(ctx, seq)
	if err != nil {
		return problem(ReasonFetch, err)
	}
	raw := model.RawMessage{Seq: seq, Header: header, Body: body}
	if raw.Empty() {
		return problem(ReasonEmpty, ErrEmptyMessage)
	}

	hash := state.Key(raw.Bytes())
	seen, err := p.store.IsProcessed(ctx, hash)
	if err != nil {
		return problem(ReasonStore, err)
	}
	if seen {
		return verdict{out: outcomeDuplicate, note: fmt.Sprintf("message %d already recorded, refiling", seq)}
	}

	if run.filter != nil {
		if d := run.filter.Check(header, body); !d.Allowed {
			return verdict{out: outcomeIgnored, note: fmt.Sprintf("message %d left in place by %s", seq, d.Pattern)}
		}
	}

	res, q := p.classify(raw)
	if q != nil {
		return verdict{out: outcomeProblem, quarantine: q}
	}
	if !res.IsBounce {
		return verdict{out: outcomeSkipped}
	}
	if !res.Parseable() {
		return problem(ReasonUnparseable, nil)
	}

	bounceID, score, err := p.record(ctx, run, hash, res)
	if err != nil {
		return problem(ReasonStore, err)
	}
	return verdict{
		out:      outcomeProcessed,
		bounceID: bounceID,
		note:     fmt.Sprintf("bounce for %s recorded (%s), %s trust %d", res.OriginalTo, res.Status, res.Domain, score),
	}
}

// classify decodes and extracts. A panic anywhere below becomes a quarantine.
func (p *Pipeline) classify(raw model.RawMessage) (res model.ExtractionResult, q *Quarantine) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic while classifying", "seq", raw.Seq, "panic", r, "stack", string(debug.Stack()))
			q = &Quarantine{Reason: ReasonPanic, Err: fmt.Errorf("%v", r)}
		}
	}()

	stream := p.decoder.Decode(raw.Header, raw.Body)
	res = p.extractor.Extract(raw, stream.All())
	if diags := stream.Diagnostics(); len(diags) > 0 {
		p.logger.Debug("decode diagnostics", "seq", raw.Seq, "diagnostics", strings.Join(diags, "; "))
	}
	return res, nil
}

// record writes the bounce, the trust update, the CC notifications and the
// idempotency key in one transaction.
func (p *Pipeline) record(ctx context.Context, run *mailboxRun, hash string, res model.ExtractionResult) (int64, int, error) {
	now := p.opts.Now().UTC()
	var (
		bounceID int64
		score    int
	)
	err := p.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		bounceID, err = tx.InsertBounce(ctx, model.BounceRecord{
			MailboxID:   run.id,
			MessageHash: hash,
			Result:      res,
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}

		score, err = p.trust.Update(ctx, tx, res.Domain, res)
		if err != nil {
			return err
		}

		for _, cc := range res.OriginalCC {
			if _, err := tx.EnqueueNotification(ctx, model.NotificationQueueItem{
				BounceID:       bounceID,
				RecipientEmail: cc,
				OriginalTo:     res.OriginalTo,
				Status:         model.NotificationPending,
				CreatedAt:      now,
			}); err != nil {
				return err
			}
		}

		return tx.MarkProcessed(ctx, hash, bounceID)
	})
	if err != nil {
		return 0, 0, err
	}

	metrics.TrackBounce(string(res.Status), res.Domain, score)
	metrics.TrackNotifications(len(res.OriginalCC))
	return bounceID, score, nil
}

func (p *Pipeline) account(ctx context.Context, run *mailboxRun, seq uint32, v verdict) {
	evt := stats.Event{Stage: stats.StageMessage, Seq: seq, BounceID: v.bounceID, Message: v.note}
	var label string
	switch v.out {
	case outcomeProcessed:
		run.result.Processed++
		evt.Type, evt.Severity, label = stats.EventTypeProcessed, stats.SeveritySuccess, metrics.OutcomeProcessed
	case outcomeSkipped:
		run.result.Skipped++
		evt.Type, evt.Severity, label = stats.EventTypeSkipped, stats.SeverityDebug, metrics.OutcomeSkipped
	case outcomeProblem:
		run.result.Problems++
		evt.Type, evt.Severity, label = stats.EventTypeProblem, stats.SeverityWarning, metrics.OutcomeProblem
		if q := v.quarantine; q != nil {
			evt.Message = fmt.Sprintf("message %d quarantined: %s", seq, q.Reason)
			evt.Err = q.Err
		}
	case outcomeIgnored:
		run.result.Ignored++
		evt.Type, evt.Severity, label = stats.EventTypeIgnored, stats.SeverityDebug, metrics.OutcomeIgnored
	case outcomeDuplicate:
		run.result.Duplicates++
		evt.Type, evt.Severity, label = stats.EventTypeDuplicate, stats.SeverityInfo, metrics.OutcomeDuplicate
	}
	metrics.TrackMessage(run.mb.Name, label)
	p.emit(ctx, run, evt)
}

func (p *Pipeline) folderFor(mb model.Mailbox, out outcome) string {
	switch out {
	case outcomeProcessed, outcomeDuplicate:
		return mb.ProcessedFolder
	case outcomeSkipped:
		return mb.SkippedFolder
	default:
		return mb.ProblemFolder
	}
}

// move copies the message and flags the original deleted. A failed copy
// leaves the message untouched.
func (p *Pipeline) move(ctx context.Context, run *mailboxRun, seq uint32, folder string) {
	if p.opts.DryRun {
		return
	}
	if err := run.sess.Copy(ctx, seq, folder); err != nil {
		p.moveFailed(ctx, run, seq, folder, err)
		return
	}
	if err := run.sess.Delete(ctx, seq); err != nil {
		p.moveFailed(ctx, run, seq, folder, err)
		return
	}
	run.deleted++
	p.emit(ctx, run, stats.Event{Stage: stats.StageMove, Type: stats.EventTypeMoved, Severity: stats.SeverityDebug, Seq: seq,
		Message: fmt.Sprintf("message %d moved to %s", seq, folder)})
}

func (p *Pipeline) moveFailed(ctx context.Context, run *mailboxRun, seq uint32, folder string, err error) {
	run.result.MoveFailures++
	metrics.TrackMessage(run.mb.Name, metrics.OutcomeMoveFailed)
	p.emit(ctx, run, stats.Event{Stage: stats.StageMove, Type: stats.EventTypeMoveFailed, Severity: stats.SeverityWarning, Seq: seq,
		Message: fmt.Sprintf("moving message %d to %s failed", seq, folder), Err: err})
}

func (p *Pipeline) expunge(ctx context.Context, run *mailboxRun) {
	if p.opts.DryRun || run.deleted == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := run.sess.Expunge(ctx); err != nil {
		p.emit(ctx, run, stats.Event{Stage: stats.StageMove, Type: stats.EventTypeError, Severity: stats.SeverityWarning,
			Message: "expunge failed", Err: err})
	}
}

// ensureFolders creates missing result folders. Failures are only warnings;
// the moves into a missing folder fail later on their own.
func (p *Pipeline) ensureFolders(ctx context.Context, run *mailboxRun) {
	if p.opts.DryRun {
		return
	}
	existing, err := run.sess.ListFolders(ctx)
	if err != nil {
		p.logger.Warn("listing folders", "mailbox", run.mb.Name, "err", err)
		return
	}
	for _, folder := range run.mb.ResultFolders() {
		if folder == "" || slices.ContainsFunc(existing, func(f string) bool { return strings.EqualFold(f, folder) }) {
			continue
		}
		if err := run.sess.CreateFolder(ctx, folder); err != nil {
			p.emit(ctx, run, stats.Event{Stage: stats.StageMailbox, Type: stats.EventTypeError, Severity: stats.SeverityWarning,
				Message: fmt.Sprintf("creating folder %s failed", folder), Err: err})
			continue
		}
		p.logger.Info("created folder", "mailbox", run.mb.Name, "folder", folder)
	}
}

func (p *Pipeline) fatal(ctx context.Context, run *mailboxRun, stage string, err error) error {
	p.setState(StateError, run.mb.Name)
	fe := &FatalError{Mailbox: run.mb.Name, Stage: stage, Err: err}
	run.result.Finished = p.opts.Now().UTC()
	p.emit(context.WithoutCancel(ctx), run, stats.Event{Stage: stats.StageMailbox, Type: stats.EventTypeError, Severity: stats.SeverityError,
		Message: fmt.Sprintf("mailbox %s failed at %s", run.mb.Name, stage), Err: err})
	return fe
}

func (p *Pipeline) emit(ctx context.Context, run *mailboxRun, evt stats.Event) {
	evt.Mailbox = run.mb.Name
	evt.MailboxID = run.id
	p.sink.Log(ctx, evt)
}
