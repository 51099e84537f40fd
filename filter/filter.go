package filter

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/dhcgn/bounce-monitor/model"
)

// Options captures the filtering configuration.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// FromMailbox returns the pre-filter options configured on a mailbox.
func FromMailbox(m model.Mailbox) Options {
	return Options{
		IncludeHeader: m.IncludeHeader,
		IncludeBody:   m.IncludeBody,
		ExcludeHeader: m.ExcludeHeader,
		ExcludeBody:   m.ExcludeBody,
	}
}

// Empty reports whether no pattern is configured.
func (o Options) Empty() bool {
	return len(o.IncludeHeader)+len(o.IncludeBody)+len(o.ExcludeHeader)+len(o.ExcludeBody) == 0
}

type pattern struct {
	name string
	re   *regexp.Regexp
}

// Filter holds compiled regex patterns for filtering messages.
type Filter struct {
	includeMode    bool
	excludeMode    bool
	includeHeader  []pattern
	includeBody    []pattern
	excludeHeader  []pattern
	excludeBody    []pattern
	needHeaderText bool
	needBodyText   bool

	mu   sync.Mutex
	hits map[string]int
}

// Decision is the outcome of checking one message.
type Decision struct {
	Allowed bool
	// Pattern names the rule that decided, e.g. "exclude-header:spam".
	// Empty when no pattern matched.
	Pattern string
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	includeHeader, err := compilePatterns("include-header", opts.IncludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile include-header pattern: %w", err)
	}
	includeBody, err := compilePatterns("include-body", opts.IncludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile include-body pattern: %w", err)
	}
	excludeHeader, err := compilePatterns("exclude-header", opts.ExcludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-header pattern: %w", err)
	}
	excludeBody, err := compilePatterns("exclude-body", opts.ExcludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-body pattern: %w", err)
	}

	includeActive := len(includeHeader) > 0 || len(includeBody) > 0
	excludeActive := len(excludeHeader) > 0 || len(excludeBody) > 0
	if includeActive && excludeActive {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	return &Filter{
		includeMode:    includeActive,
		excludeMode:    excludeActive,
		includeHeader:  includeHeader,
		includeBody:    includeBody,
		excludeHeader:  excludeHeader,
		excludeBody:    excludeBody,
		needHeaderText: len(includeHeader) > 0 || len(excludeHeader) > 0,
		needBodyText:   len(includeBody) > 0 || len(excludeBody) > 0,
		hits:           make(map[string]int),
	}, nil
}

// Allows returns true if the message passes the filter criteria.
func (f *Filter) Allows(header, body []byte) bool {
	return f.Check(header, body).Allowed
}

// Check evaluates the message and records which pattern decided.
func (f *Filter) Check(header, body []byte) Decision {
	var headerText, bodyText string
	if f.needHeaderText {
		headerText = string(header)
	}
	if f.needBodyText {
		bodyText = string(body)
	}

	if f.includeMode {
		name := firstMatch(f.includeHeader, headerText)
		if name == "" {
			name = firstMatch(f.includeBody, bodyText)
		}
		f.hit(name)
		return Decision{Allowed: name != "", Pattern: name}
	}

	if f.excludeMode {
		name := firstMatch(f.excludeHeader, headerText)
		if name == "" {
			name = firstMatch(f.excludeBody, bodyText)
		}
		if name != "" {
			f.hit(name)
			return Decision{Allowed: false, Pattern: name}
		}
	}

	return Decision{Allowed: true}
}

// Stats returns a copy of the per-pattern hit counters.
func (f *Filter) Stats() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.hits))
	for k, v := range f.hits {
		out[k] = v
	}
	return out
}

func (f *Filter) hit(name string) {
	if name == "" {
		return
	}
	f.mu.Lock()
	f.hits[name]++
	f.mu.Unlock()
}

func compilePatterns(kind string, patterns []string) ([]pattern, error) {
	compiled := make([]pattern, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		compiled = append(compiled, pattern{name: kind + ":" + p, re: re})
	}
	return compiled, nil
}

func firstMatch(patterns []pattern, text string) string {
	for _, p := range patterns {
		if p.re.MatchString(text) {
			return p.name
		}
	}
	return ""
}
