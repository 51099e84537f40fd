package bounce

import (
	"regexp"
	"strings"
)

// Source is one text the extraction rules are evaluated against.
type Source struct {
	Name string
	Text string
}

// Source names, in evaluation order.
const (
	SourceFragments = "fragments"
	SourceRaw       = "raw"
	SourceHeaders   = "headers"
)

// Rule is a named pattern whose first submatch is the candidate value.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
}

// Hit records which rule matched in which source.
type Hit struct {
	Rule   string
	Source string
	Value  string
}

func (h Hit) Found() bool { return h.Rule != "" }

// firstHit evaluates rules in order and, for each rule, the sources in
// order. The first candidate accept turns into a value wins.
func firstHit(rules []Rule, sources []Source, accept func(string) (string, bool)) Hit {
	for _, r := range rules {
		for _, src := range sources {
			for _, m := range r.Pattern.FindAllStringSubmatch(src.Text, -1) {
				if v, ok := accept(m[1]); ok {
					return Hit{Rule: r.Name, Source: src.Name, Value: v}
				}
			}
		}
	}
	return Hit{}
}

// allMatches returns every first submatch of every rule over every source.
func allMatches(rules []Rule, sources []Source) []string {
	var out []string
	for _, r := range rules {
		for _, src := range sources {
			for _, m := range r.Pattern.FindAllStringSubmatch(src.Text, -1) {
				out = append(out, m[1])
			}
		}
	}
	return out
}

// A folded continuation is a line break followed by a space or tab.
const folded = `(?:\r?\n[ \t]+[^\r\n]*)*`

var recipientRules = []Rule{
	{"original-recipient", regexp.MustCompile(`(?i)Original-Recipient:[ \t]*rfc822;[ \t]*([^\r\n]+)`)},
	{"final-recipient", regexp.MustCompile(`(?i)Final-Recipient:[ \t]*rfc822;[ \t]*([^\r\n]+)`)},
	{"x-original-to", regexp.MustCompile(`(?i)X-Original-To:[ \t]*([^\r\n]+)`)},
	{"to-line", regexp.MustCompile(`(?m)^To:[ \t]*([^\r\n]+)`)},
	{"crlf-to", regexp.MustCompile(`\r\nTo:[ \t]*([^\r\n]+)`)},
}

var ccRules = []Rule{
	{"cc-line", regexp.MustCompile(`(?im)(?:^|[ \t>])cc:[ \t]*([^\r\n]*` + folded + `)`)},
	{"outlook-block", regexp.MustCompile(`(?i)Sent:[^\r\n]*\r?\n[ \t>]*To:[^\r\n]*\r?\n[ \t>]*Cc:[ \t]*([^\r\n]+)`)},
	{"cc-field", regexp.MustCompile(`(?im)^(?:x-original-cc|original-cc|resent-cc|x-envelope-cc):[ \t]*([^\r\n]*` + folded + `)`)},
}

// ccHeaderFields are read from the parsed outer header.
var ccHeaderFields = []string{"X-Original-Cc", "Original-Cc", "Cc", "Resent-Cc", "X-Envelope-Cc"}

// The span between a To: line and the following Subject: line.
var toSubjectSpan = Rule{"to-subject-span", regexp.MustCompile(`(?is)(?:^|\n)To:(.*?)\r?\nSubject:`)}

var subjectRules = []Rule{
	{"x-original-subject", regexp.MustCompile(`(?im)^X-Original-Subject:[ \t]*([^\r\n]*` + folded + `)`)},
	{"subject", regexp.MustCompile(`(?im)^Subject:[ \t]*([^\r\n]*` + folded + `)`)},
}

var dateRules = []Rule{
	{"x-original-date", regexp.MustCompile(`(?im)^X-Original-Date:[ \t]*([^\r\n]+)`)},
	{"date", regexp.MustCompile(`(?im)^Date:[ \t]*([^\r\n]+)`)},
}

var (
	codeWithReason = Rule{"code-reason", regexp.MustCompile(`\b([245]\d{2})[ \t]+([^\r\n]+)`)}
	statusCode     = Rule{"status", regexp.MustCompile(`(?i)Status:[ \t]*(\d{3})\b`)}
	diagnosticCode = Rule{"diagnostic-code", regexp.MustCompile(`(?i)Diagnostic-Code:[^\r\n]*?\b([245]\d{2})\b`)}
	diagnosticText = Rule{"diagnostic-text", regexp.MustCompile(`(?i)Diagnostic-Code:[ \t]*([^\r\n]+` + folded + `)`)}
	diagnosticType = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9\-]*;[ \t]*`)
)

func unfold(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
