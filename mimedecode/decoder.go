// Package mimedecode turns a raw message into the plain-text fragments its
// MIME tree carries, tolerating the malformations found in bounce reports.
package mimedecode

import (
	"bytes"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/emersion/go-message"
	"github.com/k3a/html2text"
)

// MaxDepth bounds MIME nesting. Parts below it are skipped.
const MaxDepth = 50

// Decoder walks MIME trees.
type Decoder struct {
	maxDepth int
	logger   *slog.Logger
}

// New returns a Decoder with the default depth ceiling.
func New(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{maxDepth: MaxDepth, logger: logger}
}

// WithMaxDepth returns a copy of d using a different depth ceiling.
func (d *Decoder) WithMaxDepth(depth int) *Decoder {
	c := *d
	c.maxDepth = depth
	return &c
}

// Decode prepares a fragment stream for one message. Nothing is decoded
// until the stream is ranged over.
func (d *Decoder) Decode(header, body []byte) *Stream {
	return &Stream{d: d, header: header, body: body}
}

// Stream is a single-use, depth-first sequence of decoded fragments.
type Stream struct {
	d      *Decoder
	header []byte
	body   []byte
	used   bool
	diags  []string
}

// All yields fragments in part order. A stream can be consumed once; later
// calls yield nothing.
func (s *Stream) All() iter.Seq[string] {
	return func(yield func(string) bool) {
		if s.used {
			return
		}
		s.used = true
		s.walk(s.header, s.body, 0, yield)
	}
}

// Collect drains the stream into a slice.
func (s *Stream) Collect() []string {
	var out []string
	for f := range s.All() {
		out = append(out, f)
	}
	return out
}

// Diagnostics returns the notes recorded while the stream was consumed.
func (s *Stream) Diagnostics() []string {
	return s.diags
}

func (s *Stream) note(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	for _, d := range s.diags {
		if d == msg {
			return
		}
	}
	s.diags = append(s.diags, msg)
	s.d.logger.Debug("mime decode", "note", msg)
}

// walk returns false once the consumer has stopped.
func (s *Stream) walk(header, body []byte, depth int, yield func(string) bool) bool {
	if depth > s.d.maxDepth {
		s.note("depth ceiling %d reached, nested parts skipped", s.d.maxDepth)
		return true
	}

	h := ParseHeader(header)
	mediaType, params := ContentType(h)

	switch {
	case strings.HasPrefix(mediaType, "multipart/") && params["boundary"] != "":
		for _, part := range splitMultipart(body, params["boundary"]) {
			ph, pb := SplitMessage(part)
			if !s.walk(ph, pb, depth+1, yield) {
				return false
			}
		}
		return true

	case mediaType == "message/rfc822" || mediaType == "message/rfc822-headers" || mediaType == "text/rfc822-headers":
		inner, ok := DecodeTransfer(h.Get("Content-Transfer-Encoding"), body)
		if !ok {
			s.note("embedded message: undecodable %s content", h.Get("Content-Transfer-Encoding"))
		}
		eh, eb := SplitMessage(inner)
		var nested []string
		s.walk(eh, eb, depth+1, func(f string) bool {
			nested = append(nested, f)
			return true
		})
		return yield(strings.TrimRight(string(eh), "\r\n") + "\n" + strings.Join(nested, "\n"))

	case strings.HasPrefix(mediaType, "image/"), strings.HasPrefix(mediaType, "audio/"), strings.HasPrefix(mediaType, "video/"):
		return true

	default:
		if strings.HasPrefix(mediaType, "multipart/") {
			s.note("%s without boundary treated as a leaf", mediaType)
		}
		text := s.leaf(h, mediaType, params, body)
		if strings.TrimSpace(text) == "" {
			return true
		}
		return yield(text)
	}
}

func (s *Stream) leaf(h message.Header, mediaType string, params map[string]string, body []byte) string {
	cte := h.Get("Content-Transfer-Encoding")
	data, ok := DecodeTransfer(cte, body)
	if !ok {
		s.note("%s: %s content kept undecoded", mediaType, strings.ToLower(strings.TrimSpace(cte)))
	}

	text, ok := ToUTF8(data, params["charset"])
	if !ok {
		s.note("%s: charset %q not converted", mediaType, params["charset"])
	}

	if mediaType == "text/html" {
		text = html2text.HTML2Text(text)
	}
	return text
}

// splitMultipart cuts a multipart body into its parts. The preamble and
// everything after the closing delimiter are dropped; a missing closing
// delimiter ends the last part at the end of the body.
func splitMultipart(body []byte, boundary string) [][]byte {
	delim := []byte("--" + boundary)

	var (
		parts  [][]byte
		cur    []byte
		inPart bool
	)
	for rest := body; len(rest) > 0; {
		line, next := cutLine(rest)
		rest = next

		trimmed := bytes.TrimRight(line, " \t\r\n")
		if bytes.HasPrefix(trimmed, delim) {
			suffix := trimmed[len(delim):]
			closing := bytes.Equal(suffix, []byte("--"))
			if len(suffix) == 0 || closing {
				if inPart {
					parts = append(parts, trimDelimiterNewline(cur))
				}
				if closing {
					return parts
				}
				cur, inPart = nil, true
				continue
			}
		}
		if inPart {
			cur = append(cur, line...)
		}
	}
	if inPart && len(cur) > 0 {
		parts = append(parts, trimDelimiterNewline(cur))
	}
	return parts
}

func cutLine(b []byte) (line, rest []byte) {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		return b[:i+1], b[i+1:]
	}
	return b, nil
}

// The line break before a delimiter belongs to the delimiter.
func trimDelimiterNewline(b []byte) []byte {
	if bytes.HasSuffix(b, []byte("\r\n")) {
		return b[:len(b)-2]
	}
	return bytes.TrimSuffix(b, []byte("\n"))
}
