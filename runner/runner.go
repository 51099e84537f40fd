package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dhcgn/bounce-monitor/bounce"
	"github.com/dhcgn/bounce-monitor/config"
	"github.com/dhcgn/bounce-monitor/mimedecode"
	"github.com/dhcgn/bounce-monitor/model"
	"github.com/dhcgn/bounce-monitor/notify"
	"github.com/dhcgn/bounce-monitor/pipeline"
	"github.com/dhcgn/bounce-monitor/stats"
	"github.com/dhcgn/bounce-monitor/store"
	"github.com/dhcgn/bounce-monitor/trust"
)

var ErrNoMailboxes = errors.New("no enabled mailbox matches")

type StageFunc func(context.Context) error

// Deps are the collaborators shared by every mailbox of a run.
type Deps struct {
	Mail  pipeline.MailStore
	Store *store.SQLiteStore
	// Sinks receive every pipeline event in addition to the subscribers.
	Sinks []stats.Sink
}

type subscriber struct {
	name   string
	events chan stats.Event
}

// Runner processes the configured mailboxes once and fans the pipeline
// events out to its subscribers.
type Runner struct {
	cfg    config.Config
	deps   Deps
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	decoder   *mimedecode.Decoder
	extractor *bounce.Extractor
	engine    *trust.Engine

	subMu       sync.Mutex
	subscribers []subscriber

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	resultsMu sync.Mutex
	results   []model.MailboxRunResult

	closeEventsOnce sync.Once
	since           time.Time
}

// New prepares a run bounded by cfg.RunTimeout. Cancelling parent aborts it
// between messages.
func New(parent context.Context, cfg config.Config, deps Deps, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Mail == nil {
		return nil, fmt.Errorf("runner needs a mail store")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("runner needs a bounce store")
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if cfg.RunTimeout > 0 {
		ctx, cancel = context.WithTimeout(parent, cfg.RunTimeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}

	return &Runner{
		cfg:       cfg,
		deps:      deps,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		decoder:   mimedecode.New(logger),
		extractor: bounce.New(logger),
		engine:    trust.NewEngine(logger, nil),
	}, nil
}

func (r *Runner) Config() config.Config {
	return r.cfg
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

// Log makes the runner a stats.Sink so pipelines can feed it directly.
func (r *Runner) Log(_ context.Context, evt stats.Event) {
	r.EmitEvent(evt)
}

// EmitEvent hands evt to every subscriber. It blocks until each one has
// taken it or the run is over.
func (r *Runner) EmitEvent(evt stats.Event) {
	r.subMu.Lock()
	subs := r.subscribers
	r.subMu.Unlock()

	for _, sub := range subs {
		select {
		case <-r.ctx.Done():
			return
		case sub.events <- evt:
		}
	}
}

// SubscribeStats registers fn to receive a copy of every event. It must be
// called before Start.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	sub := subscriber{name: name, events: make(chan stats.Event, 128)}
	r.subMu.Lock()
	r.subscribers = append(r.subscribers, sub)
	r.subMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		err := fn(r.ctx, sub.events)
		// A subscriber that quits early must not stall the others.
		for range sub.events {
		}
		if err != nil && !isContextErr(err) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

// Mailboxes returns the enabled mailboxes this run covers.
func (r *Runner) Mailboxes() []model.Mailbox {
	var out []model.Mailbox
	for _, mb := range r.cfg.Mailboxes {
		if !mb.Enabled {
			continue
		}
		if r.cfg.Mailbox != "" && !strings.EqualFold(mb.Name, r.cfg.Mailbox) {
			continue
		}
		out = append(out, mb)
	}
	return out
}

// Start processes every selected mailbox, at most cfg.ParallelMailboxes at
// a time, then deduplicates the notification queue when configured. The
// first fatal error cancels the mailboxes that are still running.
func (r *Runner) Start() ([]model.MailboxRunResult, error) {
	r.since = time.Now()

	mailboxes := r.Mailboxes()
	if len(mailboxes) == 0 {
		r.fail(ErrNoMailboxes)
	}

	slots := make(chan struct{}, max(1, r.cfg.ParallelMailboxes))
	for _, mb := range mailboxes {
		r.AddStage(mb.Name, func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case slots <- struct{}{}:
			}
			defer func() { <-slots }()
			return r.processMailbox(ctx, mb)
		})
	}
	r.workWG.Wait()

	if r.cfg.DedupAfterRun && r.firstErr() == nil && r.ctx.Err() == nil {
		if err := r.dedup(r.ctx); err != nil {
			r.fail(err)
		}
	}

	r.closeEvents()
	r.statsWG.Wait()

	if err := r.ctx.Err(); err != nil && r.firstErr() == nil && errors.Is(err, context.DeadlineExceeded) {
		r.fail(fmt.Errorf("run timeout %s exceeded: %w", r.cfg.RunTimeout, err))
	}
	r.cancel()

	results := r.Results()
	err := r.firstErr()
	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("run failed", "duration", duration, "mailboxes", len(results), "err", err)
		return results, err
	}

	r.logger.Info("run completed", "duration", duration, "mailboxes", len(results))
	return results, nil
}

func (r *Runner) processMailbox(ctx context.Context, mb model.Mailbox) error {
	sink := stats.Fanout(append([]stats.Sink{r}, r.deps.Sinks...))
	p := pipeline.New(r.deps.Mail, r.deps.Store, r.decoder, r.extractor, r.engine, sink, r.logger,
		pipeline.Options{DryRun: r.cfg.DryRun})

	res, err := p.Run(ctx, mb)
	r.resultsMu.Lock()
	r.results = append(r.results, res)
	r.resultsMu.Unlock()
	if err != nil {
		return err
	}

	r.logger.Info("mailbox done", "mailbox", mb.Name,
		"processed", res.Processed, "skipped", res.Skipped, "problems", res.Problems,
		"ignored", res.Ignored, "duplicates", res.Duplicates, "moveFailures", res.MoveFailures)
	return nil
}

func (r *Runner) dedup(ctx context.Context) error {
	policy, err := notify.ParsePolicy(r.cfg.DedupPolicy)
	if err != nil {
		return err
	}
	res, err := notify.NewDeduplicator(r.deps.Store, r.logger).Deduplicate(ctx, policy)
	if err != nil {
		r.EmitEvent(stats.Event{Stage: stats.StageDedup, Type: stats.EventTypeError, Severity: stats.SeverityError, Err: err})
		return fmt.Errorf("dedup: %w", err)
	}
	for range res.Deleted {
		r.EmitEvent(stats.Event{Stage: stats.StageDedup, Type: stats.EventTypeDeduped, Severity: stats.SeverityDebug})
	}
	return nil
}

// Results returns the per-mailbox results collected so far, in completion
// order.
func (r *Runner) Results() []model.MailboxRunResult {
	r.resultsMu.Lock()
	defer r.resultsMu.Unlock()
	return append([]model.MailboxRunResult(nil), r.results...)
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		r.subMu.Lock()
		subs := r.subscribers
		r.subMu.Unlock()
		for _, sub := range subs {
			close(sub.events)
		}
	})
}

func (r *Runner) firstErr() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
