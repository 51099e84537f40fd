package progress

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/bounce-monitor/model"
	"github.com/dhcgn/bounce-monitor/stats"
)

// Bar shows one progress bar for the whole run. Each mailbox adds its
// message count to the total when it starts.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	writer  io.Writer
	enabled bool

	mu       sync.Mutex
	total    int
	scanned  map[string]int
	finished map[string]bool
}

// New creates a progress bar if logLevel is "info". Other levels keep the
// log output readable instead.
func New(logLevel string, writer io.Writer) *Bar {
	return &Bar{
		writer:   writer,
		enabled:  logLevel == "info",
		scanned:  map[string]int{},
		finished: map[string]bool{},
	}
}

// Update advances the bar for one event.
func (b *Bar) Update(evt stats.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeStarted:
		if evt.Stage != stats.StageMailbox {
			return
		}
		b.total += evt.Total
		b.start()
		if b.pb != nil {
			b.pb.Total = max(b.total, 1)
			b.pb.UpdateTitle("Processing " + evt.Mailbox)
		}
		if b.enabled {
			pterm.Info.Printf("%s: %d messages\n", evt.Mailbox, evt.Total)
		}
	case stats.EventTypeScanned:
		b.scanned[evt.Mailbox]++
		if b.pb != nil {
			b.pb.Increment()
		}
	case stats.EventTypeFinished:
		b.finished[evt.Mailbox] = true
	case stats.EventTypeError:
		if b.enabled && evt.Severity == stats.SeverityError && evt.Err != nil {
			pterm.Error.Printf("%s: %v\n", evt.Mailbox, evt.Err)
		}
	}
}

func (b *Bar) start() {
	if !b.enabled || b.pb != nil {
		return
	}
	printer := pterm.DefaultProgressbar.
		WithTotal(max(b.total, 1)).
		WithTitle("Processing messages")
	if b.writer != nil {
		printer = printer.WithWriter(b.writer)
	}
	pb, err := printer.Start()
	if err != nil {
		return
	}
	b.pb = pb
}

// Scanned returns how many messages of mailbox have been looked at.
func (b *Bar) Scanned(mailbox string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scanned[mailbox]
}

// Finished reports whether mailbox completed without a fatal error.
func (b *Bar) Finished(mailbox string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finished[mailbox]
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pb == nil {
		return
	}
	if b.pb.Current < b.pb.Total {
		b.pb.Current = b.pb.Total
	}
	_, _ = b.pb.Stop()
	b.pb = nil
	pterm.Success.Println("Processing complete!")
}

// Subscriber feeds the bar from a runner event stream.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// ProgressReporter pairs the bar with a summary table printed at the end.
type ProgressReporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

func NewProgressReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *ProgressReporter {
	reporter := &ProgressReporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}

	if bar != nil && bar.enabled {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	}

	return reporter
}

func (pr *ProgressReporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)
	summary := pr.collector.Snapshot()

	pterm.Println()
	pterm.DefaultSection.Println("Summary Statistics")
	pterm.Info.Printf("Duration: %v\n", time.Since(pr.started).Round(time.Millisecond))
	if err := pterm.DefaultTable.WithHasHeader().WithData(SummaryTable(summary)).Render(); err != nil && pr.logger != nil {
		pr.logger.Debug("rendering summary", "err", err)
	}
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}
	return nil
}

// Summary returns the counters collected so far.
func (pr *ProgressReporter) Summary() stats.Summary {
	return pr.collector.Snapshot()
}

// SummaryTable lays out run counters as a two-column table.
func SummaryTable(s stats.Summary) pterm.TableData {
	row := func(name string, n int) []string { return []string{name, strconv.Itoa(n)} }
	return pterm.TableData{
		{"Outcome", "Messages"},
		row("Mailboxes", s.Mailboxes),
		row("Scanned", s.Scanned),
		row("Processed", s.Processed),
		row("Skipped", s.Skipped),
		row("Problems", s.Problems),
		row("Ignored by filter", s.Ignored),
		row("Duplicates", s.Duplicates),
		row("Move failures", s.MoveFailures),
		row("Notifications merged", s.Deduped),
		row("Errors", s.Errors),
	}
}

// ResultsTable lays out per-mailbox results, sorted by mailbox name.
func ResultsTable(results []model.MailboxRunResult) pterm.TableData {
	sorted := append([]model.MailboxRunResult(nil), results...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Mailbox < sorted[j].Mailbox })

	data := pterm.TableData{{"Mailbox", "Processed", "Skipped", "Problems", "Ignored", "Duplicates", "Move failures", "Duration"}}
	for _, r := range sorted {
		duration := "-"
		if !r.Finished.IsZero() {
			duration = r.Finished.Sub(r.Started).Round(time.Millisecond).String()
		}
		data = append(data, []string{
			r.Mailbox,
			strconv.Itoa(r.Processed),
			strconv.Itoa(r.Skipped),
			strconv.Itoa(r.Problems),
			strconv.Itoa(r.Ignored),
			strconv.Itoa(r.Duplicates),
			strconv.Itoa(r.MoveFailures),
			duration,
		})
	}
	return data
}

// PrintResults renders the per-mailbox table.
func PrintResults(results []model.MailboxRunResult) error {
	if len(results) == 0 {
		return nil
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(ResultsTable(results)).Render(); err != nil {
		return fmt.Errorf("render results: %w", err)
	}
	return nil
}

// DomainTable lays out domain reputations in the order given.
func DomainTable(domains []model.DomainTrust) pterm.TableData {
	data := pterm.TableData{{"Domain", "Trust", "Bounces", "Last bounce"}}
	for _, d := range domains {
		last := "-"
		if !d.LastBounceDate.IsZero() {
			last = d.LastBounceDate.UTC().Format(time.DateTime)
		}
		data = append(data, []string{d.Domain, strconv.Itoa(d.TrustScore), strconv.Itoa(d.BounceCount), last})
	}
	return data
}

// BounceTable lays out recorded bounces in the order given.
func BounceTable(bounces []model.BounceRecord) pterm.TableData {
	data := pterm.TableData{{"ID", "Recorded", "Original to", "Status", "Code", "Subject"}}
	for _, b := range bounces {
		data = append(data, []string{
			strconv.FormatInt(b.ID, 10),
			b.CreatedAt.UTC().Format(time.DateTime),
			b.Result.OriginalTo,
			string(b.Result.Status),
			b.Result.SMTPCode,
			b.Result.OriginalSubject,
		})
	}
	return data
}

// PrintTable renders data with a header row.
func PrintTable(data pterm.TableData) error {
	if len(data) <= 1 {
		pterm.Info.Println("nothing to show")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
