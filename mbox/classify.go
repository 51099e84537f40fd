package mbox

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dhcgn/bounce-monitor/bounce"
	"github.com/dhcgn/bounce-monitor/mimedecode"
	"github.com/dhcgn/bounce-monitor/model"
	"github.com/dhcgn/bounce-monitor/state"
)

// Outcome of one archived message.
type Outcome string

const (
	OutcomeBounce      Outcome = "bounce"
	OutcomeUnparseable Outcome = "unparseable"
	OutcomeNotBounce   Outcome = "not_bounce"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeError       Outcome = "error"
)

type Row struct {
	Seq     uint32
	Hash    string
	Outcome Outcome
	// DuplicateOf is the position of the first copy of a duplicate.
	DuplicateOf uint32
	Result      model.ExtractionResult
	Err         error
}

// Report aggregates one classification pass over an archive.
type Report struct {
	Messages int
	Counts   map[Outcome]int
	Statuses map[string]int
	Domains  map[string]int
	Codes    map[string]int
	Rows     []Row
	// Unparseable keeps the raw bounces no recipient could be recovered from.
	Unparseable []model.RawMessage
}

func newReport() Report {
	return Report{
		Counts:   map[Outcome]int{},
		Statuses: map[string]int{},
		Domains:  map[string]int{},
		Codes:    map[string]int{},
	}
}

// Classifier runs archived messages through the same decoder and extractor
// as the mailbox pipeline, without touching any store.
type Classifier struct {
	decoder   *mimedecode.Decoder
	extractor *bounce.Extractor
	tracker   *state.MemoryTracker
	logger    *slog.Logger
	// OnRow is called after every message when set.
	OnRow func(Row)
}

func NewClassifier(decoder *mimedecode.Decoder, extractor *bounce.Extractor, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		decoder:   decoder,
		extractor: extractor,
		tracker:   state.NewMemoryTracker(),
		logger:    logger,
	}
}

// Classify consumes reader until it is exhausted.
func (c *Classifier) Classify(ctx context.Context, reader Reader) (Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan model.Envelope, 32)
	done := make(chan error, 1)
	go func() {
		done <- reader.Stream(ctx, out)
		close(out)
	}()

	report := newReport()
	for env := range out {
		row := c.classify(env)
		report.add(row, env.Message)
		if c.OnRow != nil {
			c.OnRow(row)
		}
	}

	if err := <-done; err != nil {
		return report, err
	}
	return report, nil
}

func (c *Classifier) classify(env model.Envelope) (row Row) {
	row.Seq = env.Message.Seq
	if env.Err != nil {
		row.Outcome = OutcomeError
		row.Err = env.Err
		return row
	}

	raw := env.Message
	row.Hash = state.Key(raw.Bytes())
	if first, ok := c.tracker.FirstSeq(row.Hash); ok {
		row.Outcome = OutcomeDuplicate
		row.DuplicateOf = first
		return row
	}
	c.tracker.MarkProcessed(row.Hash, raw.Seq)

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic while classifying", "seq", raw.Seq, "panic", r)
			row.Outcome = OutcomeError
			row.Err = fmt.Errorf("%v", r)
		}
	}()

	stream := c.decoder.Decode(raw.Header, raw.Body)
	row.Result = c.extractor.Extract(raw, stream.All())
	switch {
	case !row.Result.IsBounce:
		row.Outcome = OutcomeNotBounce
	case !row.Result.Parseable():
		row.Outcome = OutcomeUnparseable
	default:
		row.Outcome = OutcomeBounce
	}
	return row
}

func (r *Report) add(row Row, raw model.RawMessage) {
	r.Messages++
	r.Counts[row.Outcome]++
	r.Rows = append(r.Rows, row)

	switch row.Outcome {
	case OutcomeBounce:
		r.Statuses[string(row.Result.Status)]++
		r.Domains[row.Result.Domain]++
		if row.Result.SMTPCode != "" {
			r.Codes[row.Result.SMTPCode]++
		}
	case OutcomeUnparseable:
		r.Unparseable = append(r.Unparseable, raw)
	}
}

var csvHeader = []string{
	"seq", "outcome", "original_to", "domain", "status", "smtp_code", "smtp_reason",
	"original_subject", "original_cc", "original_sent_date", "spam_score", "error", "duplicate_of",
}

// WriteCSV writes one line per classified message.
func (r Report) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, row := range r.Rows {
		res := row.Result
		var sent, errText, dupOf string
		if !res.OriginalSentDate.IsZero() {
			sent = res.OriginalSentDate.UTC().Format(time.RFC3339)
		}
		if row.Err != nil {
			errText = row.Err.Error()
		}
		if row.DuplicateOf > 0 {
			dupOf = strconv.FormatUint(uint64(row.DuplicateOf), 10)
		}
		record := []string{
			strconv.FormatUint(uint64(row.Seq), 10),
			string(row.Outcome),
			res.OriginalTo,
			res.Domain,
			string(res.Status),
			res.SMTPCode,
			res.SMTPReason,
			res.OriginalSubject,
			strings.Join(res.OriginalCC, ";"),
			sent,
			strconv.Itoa(res.SpamScore),
			errText,
			dupOf,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
