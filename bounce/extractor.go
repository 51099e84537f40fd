// Package bounce classifies raw messages as delivery-failure reports and
// recovers the addresses, subject, date and SMTP outcome of the message
// that bounced.
package bounce

import (
	"iter"
	"log/slog"
	"net/mail"
	"slices"
	"strings"
	"time"

	"github.com/emersion/go-message"

	"github.com/dhcgn/bounce-monitor/mimedecode"
	"github.com/dhcgn/bounce-monitor/model"
)

// Extractor turns a raw message and its decoded fragments into an
// ExtractionResult. It never fails: missing data falls back to defaults.
type Extractor struct {
	now    func() time.Time
	logger *slog.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithClock sets the time used when a message carries no usable date.
func WithClock(now func() time.Time) Option {
	return func(e *Extractor) { e.now = now }
}

func New(logger *slog.Logger, opts ...Option) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Extractor{now: time.Now, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sources builds the ordered search texts for one message.
func Sources(raw model.RawMessage, fragments iter.Seq[string]) []Source {
	var parts []string
	if fragments != nil {
		for f := range fragments {
			parts = append(parts, f)
		}
	}
	return []Source{
		{Name: SourceFragments, Text: strings.Join(parts, "\n")},
		{Name: SourceRaw, Text: string(raw.Bytes())},
		{Name: SourceHeaders, Text: string(raw.Header)},
	}
}

func (e *Extractor) Extract(raw model.RawMessage, fragments iter.Seq[string]) model.ExtractionResult {
	sources := Sources(raw, fragments)
	header := mimedecode.ParseHeader(raw.Header)

	var res model.ExtractionResult

	to := firstHit(recipientRules, sources, acceptAddress)
	if to.Found() {
		res.OriginalTo = to.Value
		res.Domain = domainOf(to.Value)
	}

	res.OriginalCC = extractCC(sources, header, res.OriginalTo)

	if hit := firstHit(subjectRules, sources, acceptNonEmpty); hit.Found() {
		res.OriginalSubject = mimedecode.DecodeHeaderValue(hit.Value)
	}

	res.OriginalSentDate = e.now().UTC()
	if hit := firstHit(dateRules, sources, acceptDate); hit.Found() {
		res.OriginalSentDate = parseDate(hit.Value).UTC()
	}

	res.SMTPCode, res.SMTPReason = extractSMTP(sources)
	res.Status = model.StatusFromSMTPCode(res.SMTPCode)
	res.SpamScore = SpamScore(header)

	subject := mimedecode.DecodeHeaderValue(header.Get("Subject"))
	res.IsBounce = IsBounce(subject, res.SMTPCode, raw.Header)

	e.logger.Debug("extracted",
		"seq", raw.Seq,
		"bounce", res.IsBounce,
		"original_to", res.OriginalTo,
		"to_rule", to.Rule,
		"to_source", to.Source,
		"cc", len(res.OriginalCC),
		"smtp_code", res.SMTPCode,
	)
	return res
}

func acceptAddress(candidate string) (string, bool) {
	addr := strings.ToLower(unwrap(candidate))
	if !ValidEmail(addr) {
		return "", false
	}
	return addr, true
}

func acceptNonEmpty(candidate string) (string, bool) {
	v := unfold(candidate)
	return v, v != ""
}

func acceptDate(candidate string) (string, bool) {
	v := strings.TrimSpace(candidate)
	return v, !parseDate(v).IsZero()
}

// extractCC unions the labelled families, and falls back to the To/Subject
// span only when they produced nothing usable. The span is searched in the
// decoded fragments alone: the raw texts start with the bounce's own header,
// whose To line names the monitored mailbox.
func extractCC(sources []Source, header message.Header, originalTo string) []string {
	candidates := allMatches(ccRules, sources)
	for _, field := range ccHeaderFields {
		candidates = append(candidates, header.Values(field)...)
	}

	cc := cleanCC(candidates, originalTo)
	if len(cc) > 0 {
		return cc
	}
	var fragments []Source
	for _, src := range sources {
		if src.Name == SourceFragments {
			fragments = append(fragments, src)
		}
	}
	return cleanCC(allMatches([]Rule{toSubjectSpan}, fragments), originalTo)
}

func cleanCC(candidates []string, originalTo string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, c := range candidates {
		for _, addr := range splitAddresses(c) {
			addr = strings.ToLower(strings.TrimSpace(addr))
			if addr == originalTo || !ValidEmail(addr) || IsTrackingAddress(addr) {
				continue
			}
			if _, dup := seen[addr]; dup {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	slices.Sort(out)
	return out
}

func extractSMTP(sources []Source) (code, reason string) {
	for _, src := range sources {
		if src.Name != SourceFragments {
			continue
		}
		if m := codeWithReason.Pattern.FindStringSubmatch(src.Text); m != nil {
			code, reason = m[1], strings.TrimSpace(m[2])
		}
	}

	if code == "" {
		if hit := firstHit([]Rule{statusCode}, sources, acceptAny); hit.Found() {
			code = hit.Value
		}
	}
	if code == "" {
		if hit := firstHit([]Rule{diagnosticCode}, sources, acceptAny); hit.Found() {
			code = hit.Value
		}
	}

	if hit := firstHit([]Rule{diagnosticText}, sources, acceptNonEmpty); hit.Found() {
		reason = diagnosticType.ReplaceAllString(hit.Value, "")
	}
	return code, reason
}

func acceptAny(candidate string) (string, bool) {
	return candidate, true
}

var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	time.RFC850,
	time.RFC3339,
	"Mon, 2 Jan 2006 15:04:05 -0700 (MST)",
	"2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04 -0700",
	"Monday, January 2, 2006 3:04 PM",
	"Monday, January 2, 2006 15:04",
	"2006-01-02 15:04:05",
}

// parseDate returns the zero time when nothing matches.
func parseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if t, err := mail.ParseDate(s); err == nil {
		return t
	}
	for _, l := range dateLayouts {
		if t, err := time.Parse(l, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
