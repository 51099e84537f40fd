// Package notify maintains the notification queue fed by recorded bounces.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dhcgn/bounce-monitor/metrics"
	"github.com/dhcgn/bounce-monitor/model"
	"github.com/dhcgn/bounce-monitor/store"
)

// KeyPolicy decides which pending notifications count as the same notice.
type KeyPolicy string

const (
	// PolicyRecipient groups by the lower-cased recipient address.
	PolicyRecipient KeyPolicy = "recipient"
	// PolicyRecipientOriginalTo groups by recipient and bounced address.
	PolicyRecipientOriginalTo KeyPolicy = "recipient+original_to"
)

// ParsePolicy maps a flag value onto a policy. Empty selects PolicyRecipient.
func ParsePolicy(s string) (KeyPolicy, error) {
	switch KeyPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyRecipient:
		return PolicyRecipient, nil
	case PolicyRecipientOriginalTo:
		return PolicyRecipientOriginalTo, nil
	default:
		return "", fmt.Errorf("unknown dedup policy %q", s)
	}
}

func (p KeyPolicy) key(item model.NotificationQueueItem) string {
	recipient := strings.ToLower(strings.TrimSpace(item.RecipientEmail))
	if p == PolicyRecipientOriginalTo {
		return recipient + "\x00" + strings.ToLower(strings.TrimSpace(item.OriginalTo))
	}
	return recipient
}

// Result reports what one deduplication pass did.
type Result struct {
	// Merged is the number of groups that had more than one pending item.
	Merged  int
	Deleted int
}

// queue is the part of a store transaction the deduplicator needs.
type queue interface {
	PendingNotifications(ctx context.Context) ([]model.NotificationQueueItem, error)
	DeleteNotifications(ctx context.Context, ids []int64) (int64, error)
}

type Deduplicator struct {
	store  *store.SQLiteStore
	logger *slog.Logger
}

// afterDelete runs inside the transaction once deletes are issued. Nil outside tests.
var afterDelete func() error

func NewDeduplicator(s *store.SQLiteStore, logger *slog.Logger) *Deduplicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduplicator{store: s, logger: logger}
}

// Deduplicate keeps the newest pending item of every group and deletes the
// rest in one transaction. Sent and failed items are never touched.
func (d *Deduplicator) Deduplicate(ctx context.Context, policy KeyPolicy) (Result, error) {
	if policy == "" {
		policy = PolicyRecipient
	}

	var res Result
	err := d.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		res, err = d.run(ctx, tx, policy)
		return err
	})
	if err != nil {
		d.logger.Error("notification dedup rolled back", "policy", policy, "err", err)
		return Result{}, fmt.Errorf("dedup notifications: %w", err)
	}

	metrics.TrackDedup(res.Deleted)
	d.logger.Info("notification dedup finished", "policy", policy, "merged", res.Merged, "deleted", res.Deleted)
	return res, nil
}

func (d *Deduplicator) run(ctx context.Context, q queue, policy KeyPolicy) (Result, error) {
	items, err := q.PendingNotifications(ctx)
	if err != nil {
		return Result{}, err
	}

	merged, doomed := Plan(items, policy)
	if len(doomed) == 0 {
		return Result{}, nil
	}

	n, err := q.DeleteNotifications(ctx, doomed)
	if err != nil {
		return Result{}, err
	}
	if int(n) != len(doomed) {
		return Result{}, fmt.Errorf("deleted %d of %d duplicate notifications", n, len(doomed))
	}
	if afterDelete != nil {
		if err := afterDelete(); err != nil {
			return Result{}, err
		}
	}
	return Result{Merged: merged, Deleted: int(n)}, nil
}

// Plan groups pending items by policy and returns the number of groups
// with duplicates and the ids to delete. The survivor of each group has
// the latest CreatedAt; ties go to the highest id.
func Plan(items []model.NotificationQueueItem, policy KeyPolicy) (merged int, doomed []int64) {
	keep := make(map[string]model.NotificationQueueItem, len(items))
	sizes := make(map[string]int, len(items))
	var order []string

	for _, item := range items {
		if item.Status != "" && item.Status != model.NotificationPending {
			continue
		}
		k := policy.key(item)
		sizes[k]++
		cur, ok := keep[k]
		if !ok {
			order = append(order, k)
			keep[k] = item
			continue
		}
		if newer(item, cur) {
			keep[k] = item
		}
	}

	for _, item := range items {
		if item.Status != "" && item.Status != model.NotificationPending {
			continue
		}
		if keep[policy.key(item)].ID != item.ID {
			doomed = append(doomed, item.ID)
		}
	}
	for _, k := range order {
		if sizes[k] > 1 {
			merged++
		}
	}
	return merged, doomed
}

func newer(a, b model.NotificationQueueItem) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}
