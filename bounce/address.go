package bounce

import (
	"regexp"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

var (
	emailToken = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	emailShape = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9](?:[a-zA-Z0-9\-]*[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9\-]*[a-zA-Z0-9])?)*\.[a-zA-Z]{2,}$`)
	hex32      = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)
)

// Relay domains whose UUID-named mailboxes are server artifacts.
var outlookRelaySuffixes = []string{
	".prod.outlook.com",
	".protection.outlook.com",
	".prod.exchangelabs.com",
}

// ValidEmail reports whether addr is a plain local@domain address.
func ValidEmail(addr string) bool {
	if len(addr) > 254 || !emailShape.MatchString(addr) {
		return false
	}
	local, _, _ := strings.Cut(addr, "@")
	if len(local) > 64 || strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") || strings.Contains(local, "..") {
		return false
	}
	_, err := mail.ParseAddress(addr)
	return err == nil
}

// IsTrackingAddress reports whether addr was generated by a mail client or
// relay rather than belonging to a person.
func IsTrackingAddress(addr string) bool {
	local, domain, ok := strings.Cut(strings.ToLower(addr), "@")
	if !ok {
		return false
	}

	for _, suffix := range outlookRelaySuffixes {
		if strings.HasSuffix(domain, suffix) && isUUID(local) {
			return true
		}
	}

	if domain == "mail.gmail.com" && len(local) > 30 {
		segments := strings.FieldsFunc(local, func(r rune) bool {
			return r == '+' || r == '_' || r == '-'
		})
		if len(segments) >= 2 {
			return true
		}
	}

	if strings.HasSuffix(domain, ".local") && (isUUID(local) || hex32.MatchString(local)) {
		return true
	}

	return false
}

func isUUID(s string) bool {
	if len(s) != 36 && len(s) != 32 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// unwrap pulls the address out of a header-style value such as
// `"Name" <a@b.com>` or `rfc822;<a@b.com>`.
func unwrap(value string) string {
	value = strings.TrimSpace(value)
	if i := strings.LastIndex(value, "<"); i >= 0 {
		if j := strings.Index(value[i:], ">"); j > 0 {
			return strings.TrimSpace(value[i+1 : i+j])
		}
	}
	if m := emailToken.FindString(value); m != "" {
		return m
	}
	return strings.Trim(value, " \t\"'<>;,")
}

// splitAddresses extracts every address token from a candidate string.
// Strings without a token are split on commas and semicolons instead.
func splitAddresses(candidate string) []string {
	if found := emailToken.FindAllString(candidate, -1); len(found) > 0 {
		return found
	}
	var out []string
	for _, p := range strings.FieldsFunc(candidate, func(r rune) bool { return r == ',' || r == ';' }) {
		if p = unwrap(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func domainOf(addr string) string {
	_, domain, ok := strings.Cut(addr, "@")
	if !ok {
		return ""
	}
	return strings.ToLower(domain)
}
