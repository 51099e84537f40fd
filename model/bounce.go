package model

import "time"

// DeliverabilityStatus is the coarse permanence class of a bounce.
type DeliverabilityStatus string

const (
	StatusDelivered        DeliverabilityStatus = "delivered"
	StatusTemporaryFailure DeliverabilityStatus = "temporary_failure"
	StatusPermanentFailure DeliverabilityStatus = "permanent_failure"
	StatusUnknown          DeliverabilityStatus = "unknown"
)

// StatusFromSMTPCode derives the status from the first digit of an SMTP
// reply code. Anything that is not 2, 4 or 5 (including no code) is unknown.
func StatusFromSMTPCode(code string) DeliverabilityStatus {
	if code == "" {
		return StatusUnknown
	}
	switch code[0] {
	case '2':
		return StatusDelivered
	case '4':
		return StatusTemporaryFailure
	case '5':
		return StatusPermanentFailure
	default:
		return StatusUnknown
	}
}

// ExtractionResult is everything recovered from one raw message.
type ExtractionResult struct {
	OriginalTo       string
	OriginalCC       []string
	OriginalSubject  string
	OriginalSentDate time.Time
	SMTPCode         string
	SMTPReason       string
	Status           DeliverabilityStatus
	SpamScore        int
	IsBounce         bool
	Domain           string
}

// Parseable reports whether a bounce carries enough to be recorded.
func (r ExtractionResult) Parseable() bool {
	return r.OriginalTo != "" && r.Domain != ""
}

// BounceRecord is the persisted form of a classified bounce.
type BounceRecord struct {
	ID          int64
	MailboxID   int64
	MessageHash string
	Result      ExtractionResult
	CreatedAt   time.Time
}
