package mimedecode

import (
	"bufio"
	"bytes"
	"io"
	"mime"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/textproto"
	"golang.org/x/text/transform"
)

var (
	boundaryParam = regexp.MustCompile(`(?i)boundary\s*=\s*"?([^";\r\n]+)"?`)
	charsetParam  = regexp.MustCompile(`(?i)charset\s*=\s*([^;\r\n]+)`)
)

// SplitMessage splits raw bytes at the first blank line into a header
// block and a body. Input without a blank line is all header.
func SplitMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}
	if bytes.HasPrefix(raw, []byte("\r\n")) {
		return nil, raw[2:]
	}
	if raw[0] == '\n' {
		return nil, raw[1:]
	}

	crlf := bytes.Index(raw, []byte("\r\n\r\n"))
	lf := bytes.Index(raw, []byte("\n\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return raw[:crlf+2], raw[crlf+4:]
	case lf >= 0:
		return raw[:lf+1], raw[lf+2:]
	}

	return raw, nil
}

// ParseHeader parses a header block. Malformed blocks that go-message
// rejects are parsed line by line instead, dropping lines without a colon.
func ParseHeader(raw []byte) message.Header {
	block := bytes.TrimRight(raw, "\r\n")
	if len(block) == 0 {
		return message.Header{}
	}

	buf := make([]byte, 0, len(block)+4)
	buf = append(buf, block...)
	buf = append(buf, "\r\n\r\n"...)

	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(buf)))
	if err == nil {
		return message.Header{Header: h}
	}
	return message.Header{Header: lenientHeader(block)}
}

func lenientHeader(block []byte) textproto.Header {
	type field struct{ key, value string }
	var (
		fields []field
		key    string
		value  strings.Builder
		open   bool
	)
	flush := func() {
		if open {
			fields = append(fields, field{key, strings.TrimSpace(value.String())})
		}
		open = false
		value.Reset()
	}

	for _, line := range strings.Split(string(block), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if open {
				value.WriteByte(' ')
				value.WriteString(strings.TrimSpace(line))
			}
			continue
		}
		flush()
		name, rest, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			continue
		}
		key = name
		value.WriteString(rest)
		open = true
	}
	flush()

	// Header.Add prepends, so fields go in bottom-up to keep Get returning
	// the topmost value as ReadHeader does.
	var h textproto.Header
	for i := len(fields) - 1; i >= 0; i-- {
		h.Add(fields[i].key, fields[i].value)
	}
	return h
}

// ContentType returns the lower-cased media type and its parameters. When
// the field is malformed the boundary and charset parameters are recovered
// with a looser scan. A missing field means text/plain.
func ContentType(h message.Header) (string, map[string]string) {
	raw := h.Get("Content-Type")
	if strings.TrimSpace(raw) == "" {
		return "text/plain", map[string]string{}
	}

	mediaType, params, err := mime.ParseMediaType(raw)
	if err == nil {
		return strings.ToLower(mediaType), params
	}

	mediaType, _, _ = strings.Cut(raw, ";")
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	params = map[string]string{}
	if m := boundaryParam.FindStringSubmatch(raw); m != nil {
		params["boundary"] = strings.TrimSpace(m[1])
	}
	if m := charsetParam.FindStringSubmatch(raw); m != nil {
		params["charset"] = strings.TrimSpace(m[1])
	}
	if mediaType == "" {
		mediaType = "text/plain"
	}
	return mediaType, params
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

// DecodeHeaderValue decodes RFC 2047 encoded words. Words in a charset
// that cannot be resolved are left as undecoded bytes; a value that fails
// to decode at all is returned unchanged.
func DecodeHeaderValue(value string) string {
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

func charsetReader(label string, input io.Reader) (io.Reader, error) {
	res := Resolve(label)
	switch {
	case res.Passthrough:
		return input, nil
	case res.Encoding != nil:
		return transform.NewReader(input, res.Encoding.NewDecoder()), nil
	}
	if r, err := charset.Reader(label, input); err == nil {
		return r, nil
	}
	return input, nil
}
