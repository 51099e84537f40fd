package model

import (
	"math"
	"time"
)

const (
	// DefaultTrustScore is the score a domain starts from before its first bounce.
	DefaultTrustScore = 50
	MinTrustScore     = 0
	MaxTrustScore     = 100
)

// DomainTrust is the rolling reputation of one recipient domain.
type DomainTrust struct {
	Domain         string    `db:"domain"`
	BounceCount    int       `db:"bounce_count"`
	TrustScore     int       `db:"trust_score"`
	LastBounceDate time.Time `db:"last_bounce_date"`
}

// ClampScore rounds a raw score to the nearest integer inside [0,100].
func ClampScore(score float64) int {
	if math.IsNaN(score) {
		return MinTrustScore
	}
	score = math.Max(MinTrustScore, math.Min(MaxTrustScore, score))
	return int(math.Round(score))
}
