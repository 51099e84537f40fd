package mimedecode

import (
	"fmt"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	xunicode "golang.org/x/text/encoding/unicode"
)

// Charset is the outcome of resolving a charset label.
type Charset struct {
	// Name is the normalised label.
	Name string
	// Passthrough is set for labels whose bytes are already valid UTF-8
	// text (utf-8, us-ascii, or no label at all).
	Passthrough bool
	// Encoding is the decoder target; nil when the label is unknown.
	Encoding encoding.Encoding
}

// Resolved reports whether the bytes can be turned into UTF-8 text.
func (c Charset) Resolved() bool {
	return c.Passthrough || c.Encoding != nil
}

var charsetAliases = map[string]string{
	"utf8":           "utf-8",
	"utf-8":          "utf-8",
	"us-ascii":       "us-ascii",
	"ascii":          "us-ascii",
	"ansi_x3.4-1968": "us-ascii",
	"windows-1252":   "windows-1252",
	"cp1252":         "windows-1252",
	"win-1252":       "windows-1252",
	"iso-8859-1":     "iso-8859-1",
	"iso8859-1":      "iso-8859-1",
	"iso_8859-1":     "iso-8859-1",
	"latin1":         "iso-8859-1",
	"latin-1":        "iso-8859-1",
}

var canonical = map[string]encoding.Encoding{
	"windows-1252": charmap.Windows1252,
	"iso-8859-1":   charmap.ISO8859_1,
}

// NormalizeCharset cleans a charset label taken from a Content-Type
// parameter: quotes, a leading "3D" left over from broken quoted-printable,
// and leading digits or punctuation are removed, and the result is
// lower-cased.
func NormalizeCharset(label string) string {
	s := strings.TrimSpace(label)
	s = strings.NewReplacer(`"`, "", `'`, "").Replace(s)
	s = strings.TrimLeftFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(s) > 2 && strings.EqualFold(s[:2], "3d") {
		s = s[2:]
	}
	s = strings.TrimLeftFunc(s, func(r rune) bool { return !unicode.IsLetter(r) })
	s = strings.TrimRightFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.ToLower(s)
}

// Resolve maps a charset label to an encoding: aliases first, then the IANA
// and WHATWG registries, then a fuzzy comparison against every encoding
// x/text ships with separators removed.
func Resolve(label string) Charset {
	name := NormalizeCharset(label)
	if name == "" {
		return Charset{Passthrough: true}
	}
	if alias, ok := charsetAliases[name]; ok {
		name = alias
	}

	switch name {
	case "utf-8", "us-ascii":
		return Charset{Name: name, Passthrough: true}
	}
	if enc, ok := canonical[name]; ok {
		return Charset{Name: name, Encoding: enc}
	}
	if enc, err := ianaindex.IANA.Encoding(name); err == nil && enc != nil {
		return Charset{Name: name, Encoding: enc}
	}
	if enc, err := htmlindex.Get(name); err == nil && enc != nil {
		return Charset{Name: name, Encoding: enc}
	}
	if enc, ok := fuzzyIndex()[squash(name)]; ok {
		return Charset{Name: name, Encoding: enc}
	}

	return Charset{Name: name}
}

// ToUTF8 converts data from the labelled charset. The second return is
// false when the label could not be resolved or conversion failed; the
// bytes are then returned unconverted.
func ToUTF8(data []byte, label string) (string, bool) {
	cs := Resolve(label)
	switch {
	case cs.Passthrough:
		return string(data), true
	case cs.Encoding == nil:
		return string(data), false
	}

	out, err := cs.Encoding.NewDecoder().Bytes(data)
	if err != nil {
		return string(data), false
	}
	return string(out), true
}

func squash(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', '_', ' ', '.':
			return -1
		}
		return unicode.ToLower(r)
	}, s)
}

var (
	fuzzyOnce sync.Once
	fuzzy     map[string]encoding.Encoding
)

func fuzzyIndex() map[string]encoding.Encoding {
	fuzzyOnce.Do(func() {
		fuzzy = make(map[string]encoding.Encoding)
		var all []encoding.Encoding
		all = append(all, charmap.All...)
		all = append(all, japanese.All...)
		all = append(all, korean.All...)
		all = append(all, simplifiedchinese.All...)
		all = append(all, traditionalchinese.All...)
		all = append(all, xunicode.All...)

		for _, enc := range all {
			for _, idx := range []*ianaindex.Index{ianaindex.IANA, ianaindex.MIME, ianaindex.MIB} {
				if n, err := idx.Name(enc); err == nil && n != "" {
					addFuzzy(squash(n), enc)
				}
			}
			if s, ok := enc.(fmt.Stringer); ok {
				addFuzzy(squash(s.String()), enc)
			}
		}
	})
	return fuzzy
}

func addFuzzy(key string, enc encoding.Encoding) {
	if key == "" {
		return
	}
	if _, ok := fuzzy[key]; !ok {
		fuzzy[key] = enc
	}
}
