// Package mbox reads mbox archives for offline bounce classification.
package mbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/bounce-monitor/filter"
	"github.com/dhcgn/bounce-monitor/mimedecode"
	"github.com/dhcgn/bounce-monitor/model"
)

type Options struct {
	Path   string
	Filter filter.Options
}

type Reader interface {
	Stream(ctx context.Context, out chan<- model.Envelope) error
}

// NewReader streams the archive at opts.Path.
func NewReader(opts Options, logger *slog.Logger) (*FileReader, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	return newReader(opts, logger, func() (io.ReadCloser, error) { return os.Open(path) })
}

// NewStreamReader streams an archive that is already in memory or on a pipe.
func NewStreamReader(r io.Reader, opts Options, logger *slog.Logger) (*FileReader, error) {
	return newReader(opts, logger, func() (io.ReadCloser, error) { return io.NopCloser(r), nil })
}

func newReader(opts Options, logger *slog.Logger, open func() (io.ReadCloser, error)) (*FileReader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reader := &FileReader{path: opts.Path, logger: logger, open: open}
	if !opts.Filter.Empty() {
		f, err := filter.New(opts.Filter)
		if err != nil {
			return nil, err
		}
		reader.filter = f
	}
	return reader, nil
}

// FileReader streams one archive.
type FileReader struct {
	path   string
	logger *slog.Logger
	open   func() (io.ReadCloser, error)
	filter *filter.Filter
}

// Stream sends every message that passes the filter. Seq is the 1-based
// position in the archive. A message that cannot be read is sent as an
// envelope error and streaming continues; a broken archive stops it.
func (f *FileReader) Stream(ctx context.Context, out chan<- model.Envelope) error {
	file, err := f.open()
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	reader := mboxlib.NewReader(file)

	for seq := uint32(1); ; seq++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return f.emitError(ctx, out, fmt.Errorf("message %d: %w", seq, err))
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			if err := f.emitError(ctx, out, fmt.Errorf("message %d read: %w", seq, err)); err != nil {
				return err
			}
			continue
		}

		header, body := mimedecode.SplitMessage(raw)
		if f.filter != nil && !f.filter.Allows(header, body) {
			continue
		}

		msg := model.RawMessage{Seq: seq, Header: header, Body: body}
		if err := f.emitEnvelope(ctx, out, model.Envelope{Message: msg}); err != nil {
			return err
		}
	}
}

// FilterStats returns per-pattern hit counts, or nil without a filter.
func (f *FileReader) FilterStats() map[string]int {
	if f.filter == nil {
		return nil
	}
	return f.filter.Stats()
}

func (f *FileReader) emitError(ctx context.Context, out chan<- model.Envelope, err error) error {
	f.logger.Error("mbox stream error", "path", f.path, "err", err)
	return f.emitEnvelope(ctx, out, model.Envelope{Err: err})
}

func (f *FileReader) emitEnvelope(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

// CountMessages counts the messages in an archive without parsing them.
func CountMessages(r io.Reader) (int, error) {
	reader := mboxlib.NewReader(r)
	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return count, err
		}
		if _, err := io.Copy(io.Discard, msgReader); err != nil {
			return count, err
		}
		count++
	}
}

// CountFile counts the messages of the archive at path.
func CountFile(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	return CountMessages(file)
}

// Write renders msgs as an mbox archive, stamping every separator line
// with at.
func Write(w io.Writer, at time.Time, msgs ...model.RawMessage) error {
	mw := mboxlib.NewWriter(w)
	for _, msg := range msgs {
		part, err := mw.CreateMessage("MAILER-DAEMON", at)
		if err != nil {
			return fmt.Errorf("creating message %d: %w", msg.Seq, err)
		}
		if _, err := io.Copy(part, bytes.NewReader(msg.Bytes())); err != nil {
			return fmt.Errorf("writing message %d: %w", msg.Seq, err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("closing mbox writer: %w", err)
	}
	return nil
}
