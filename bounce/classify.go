package bounce

import (
	"strings"

	"github.com/emersion/go-message"
)

var autoReplyMarkers = []string{
	"out of office",
	"automatic reply",
	"auto reply",
	"vacation",
	"away from office",
}

var bounceMarkers = []string{
	"auto-replied",
	"auto-submitted",
	"returned mail",
	"undeliverable",
	"delivery failure",
	"mail delivery failed",
	"mail delivery subsystem",
}

var bounceHeaders = []string{
	"x-failed-recipients:",
	"x-original-to:",
	"original-recipient:",
}

// IsBounce decides whether a message is a delivery-failure report from
// its decoded subject, the extracted SMTP code and the raw outer header.
// Auto-reply subjects are never bounces.
func IsBounce(subject, smtpCode string, rawHeader []byte) bool {
	s := strings.ToLower(subject)
	if containsAny(s, autoReplyMarkers) {
		return false
	}
	if containsAny(s, bounceMarkers) {
		return true
	}
	if smtpCode != "" && (smtpCode[0] == '4' || smtpCode[0] == '5') {
		return true
	}
	return containsAny(strings.ToLower(string(rawHeader)), bounceHeaders)
}

// SpamScore is a crude 0-100 signal from authentication and spam headers.
func SpamScore(h message.Header) int {
	score := 0

	spf := strings.ToLower(h.Get("Received-SPF"))
	if strings.Contains(spf, "pass") {
		score -= 5
	}
	if strings.Contains(spf, "fail") {
		score += 20
	}
	if h.Has("DKIM-Signature") {
		score -= 5
	}
	if strings.Contains(strings.ToLower(h.Get("Authentication-Results")), "pass") {
		score -= 5
	}
	if strings.Contains(strings.ToLower(h.Get("X-Spam-Status")), "yes") {
		score += 30
	}

	return max(0, min(100, score))
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
