package mimedecode

import (
	"bytes"
	"encoding/base64"
	"io"
	"mime/quotedprintable"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var base64Shaped = regexp.MustCompile(`^[A-Za-z0-9+/=\s]+$`)

// DecodeTransfer undoes a Content-Transfer-Encoding. Unknown or missing
// encodings pass through, except that base64-looking content is decoded
// speculatively and kept only when it yields readable text. The second
// return is false when a declared encoding could not be decoded and the
// raw bytes were kept.
func DecodeTransfer(cte string, data []byte) ([]byte, bool) {
	switch strings.ToLower(strings.TrimSpace(cte)) {
	case "base64":
		return decodeBase64(data)
	case "quoted-printable":
		return decodeQuotedPrintable(data)
	case "7bit", "8bit", "binary":
		return data, true
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 20 && base64Shaped.Match(trimmed) {
		if out, ok := decodeBase64(trimmed); ok && readable(out) {
			return out, true
		}
	}
	return data, true
}

func decodeBase64(data []byte) ([]byte, bool) {
	clean := make([]byte, 0, len(data))
	for _, c := range data {
		if !isSpace(c) {
			clean = append(clean, c)
		}
	}
	out := make([]byte, base64.StdEncoding.DecodedLen(len(clean)))
	if n, err := base64.StdEncoding.Decode(out, clean); err == nil {
		return out[:n], true
	}

	// Non-strict: keep alphabet bytes only, ignore padding and drop a
	// dangling sextet.
	alpha := clean[:0:0]
	for _, c := range clean {
		if isBase64Alphabet(c) {
			alpha = append(alpha, c)
		}
	}
	if len(alpha)%4 == 1 {
		alpha = alpha[:len(alpha)-1]
	}
	out = make([]byte, base64.RawStdEncoding.DecodedLen(len(alpha)))
	n, err := base64.RawStdEncoding.Decode(out, alpha)
	if err != nil {
		return data, false
	}
	return out[:n], true
}

func decodeQuotedPrintable(data []byte) ([]byte, bool) {
	out, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(data)))
	if err != nil {
		return data, false
	}
	return out, true
}

func readable(b []byte) bool {
	if len(b) == 0 || !utf8.Valid(b) {
		return false
	}
	for _, r := range string(b) {
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

func isBase64Alphabet(c byte) bool {
	return c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '+' || c == '/'
}
