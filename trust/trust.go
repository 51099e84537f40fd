// Package trust keeps a rolling reputation score per recipient domain.
package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dhcgn/bounce-monitor/model"
)

var ErrEmptyDomain = errors.New("trust: empty domain")

// Repository reads and writes domain trust rows. GetDomainTrust returns
// nil without error for an unknown domain.
type Repository interface {
	GetDomainTrust(ctx context.Context, domain string) (*model.DomainTrust, error)
	SaveDomainTrust(ctx context.Context, dt model.DomainTrust) error
}

// Engine applies one bounce at a time to a domain's score. Updates for the
// same domain are serialised; different domains proceed independently.
type Engine struct {
	now    func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewEngine(logger *slog.Logger, now func() time.Time) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{now: now, logger: logger, locks: make(map[string]*sync.Mutex)}
}

// Score computes the new score from the prior score, the number of
// bounces seen before this one, and the bounce itself.
func Score(prior, bounceCount int, res model.ExtractionResult) int {
	score := float64(prior)

	switch res.Status {
	case model.StatusPermanentFailure:
		score -= 10
	case model.StatusTemporaryFailure:
		score -= 2
	}

	switch res.SMTPCode {
	case "550", "551", "552", "553", "554", "555":
		score -= 15
	case "450", "451", "452":
		score -= 3
	}

	if res.SpamScore > 50 {
		score -= float64(res.SpamScore-50) / 5
	}

	switch {
	case bounceCount > 100:
		score -= 20
	case bounceCount > 50:
		score -= 10
	case bounceCount > 10:
		score -= 5
	}

	return model.ClampScore(score)
}

// Update scores one bounce against domain and persists the result through
// repo. The returned value is the new score.
func (e *Engine) Update(ctx context.Context, repo Repository, domain string, res model.ExtractionResult) (int, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return 0, ErrEmptyDomain
	}

	unlock := e.lock(domain)
	defer unlock()

	prior, err := repo.GetDomainTrust(ctx, domain)
	if err != nil {
		return 0, fmt.Errorf("load trust for %s: %w", domain, err)
	}

	current := model.DomainTrust{Domain: domain, TrustScore: model.DefaultTrustScore}
	if prior != nil {
		current = *prior
	}

	score := Score(current.TrustScore, current.BounceCount, res)
	next := model.DomainTrust{
		Domain:         domain,
		BounceCount:    current.BounceCount + 1,
		TrustScore:     score,
		LastBounceDate: e.now().UTC(),
	}
	if err := repo.SaveDomainTrust(ctx, next); err != nil {
		return 0, fmt.Errorf("save trust for %s: %w", domain, err)
	}

	e.logger.Debug("domain trust updated",
		"domain", domain,
		"previous", current.TrustScore,
		"score", score,
		"bounces", next.BounceCount,
	)
	return score, nil
}

func (e *Engine) lock(domain string) func() {
	e.mu.Lock()
	l, ok := e.locks[domain]
	if !ok {
		l = &sync.Mutex{}
		e.locks[domain] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}
