package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/bounce-monitor/model"
	"github.com/dhcgn/bounce-monitor/store"
	"github.com/dhcgn/bounce-monitor/testutil"
)

var base = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func seedBounce(t *testing.T, s *store.SQLiteStore, to string) int64 {
	t.Helper()
	id, err := s.InsertBounce(context.Background(), model.BounceRecord{
		Result: model.ExtractionResult{
			OriginalTo:       to,
			OriginalSentDate: base,
			Status:           model.StatusPermanentFailure,
			Domain:           "example.com",
		},
	})
	require.NoError(t, err)
	return id
}

func enqueue(t *testing.T, s *store.SQLiteStore, bounceID int64, recipient, originalTo string, status model.NotificationStatus, at time.Time) int64 {
	t.Helper()
	id, err := s.EnqueueNotification(context.Background(), model.NotificationQueueItem{
		BounceID:       bounceID,
		RecipientEmail: recipient,
		OriginalTo:     originalTo,
		Status:         status,
		CreatedAt:      at,
	})
	require.NoError(t, err)
	return id
}

func TestDeduplicateKeepsNewest(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	b1 := seedBounce(t, s, "x@example.com")
	b2 := seedBounce(t, s, "y@example.com")

	enqueue(t, s, b1, "alice@corp.test", "x@example.com", model.NotificationPending, base)
	enqueue(t, s, b2, "Alice@corp.test", "y@example.com", model.NotificationPending, base.Add(2*time.Hour))
	newest := enqueue(t, s, b1, "alice@corp.test", "x@example.com", model.NotificationPending, base.Add(3*time.Hour))
	other := enqueue(t, s, b1, "bob@corp.test", "x@example.com", model.NotificationPending, base)

	res, err := NewDeduplicator(s, testutil.Logger()).Deduplicate(ctx, PolicyRecipient)
	require.NoError(t, err)
	assert.Equal(t, Result{Merged: 1, Deleted: 2}, res)

	pending, err := s.PendingNotifications(ctx)
	require.NoError(t, err)
	var ids []int64
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	assert.ElementsMatch(t, []int64{newest, other}, ids)
}

func TestDeduplicateLeavesSentAndFailed(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	b := seedBounce(t, s, "x@example.com")

	sentID := enqueue(t, s, b, "alice@corp.test", "x@example.com", model.NotificationSent, base.Add(time.Hour))
	failedID := enqueue(t, s, b, "alice@corp.test", "x@example.com", model.NotificationFailed, base.Add(2*time.Hour))
	pendingID := enqueue(t, s, b, "alice@corp.test", "x@example.com", model.NotificationPending, base)

	res, err := NewDeduplicator(s, testutil.Logger()).Deduplicate(ctx, PolicyRecipient)
	require.NoError(t, err)
	assert.Zero(t, res.Deleted)

	all, err := s.ListNotifications(ctx, "")
	require.NoError(t, err)
	var ids []int64
	for _, n := range all {
		ids = append(ids, n.ID)
	}
	assert.ElementsMatch(t, []int64{sentID, failedID, pendingID}, ids)
}

func TestDeduplicateRecipientOriginalTo(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	b1 := seedBounce(t, s, "x@example.com")
	b2 := seedBounce(t, s, "y@example.com")

	enqueue(t, s, b1, "alice@corp.test", "x@example.com", model.NotificationPending, base)
	enqueue(t, s, b2, "alice@corp.test", "y@example.com", model.NotificationPending, base.Add(time.Hour))

	res, err := NewDeduplicator(s, testutil.Logger()).Deduplicate(ctx, PolicyRecipientOriginalTo)
	require.NoError(t, err)
	assert.Zero(t, res.Deleted)

	res, err = NewDeduplicator(s, testutil.Logger()).Deduplicate(ctx, PolicyRecipient)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
}

func TestDeduplicateRollsBack(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	b := seedBounce(t, s, "x@example.com")
	for i := range 3 {
		enqueue(t, s, b, "alice@corp.test", "x@example.com", model.NotificationPending, base.Add(time.Duration(i)*time.Hour))
	}

	d := NewDeduplicator(s, testutil.Logger())
	setAfterDelete(t, func() error { return errors.New("disk full") })
	_, err := d.Deduplicate(ctx, PolicyRecipient)
	require.Error(t, err)

	pending, err := s.PendingNotifications(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestPlanTieBreaksOnID(t *testing.T) {
	items := []model.NotificationQueueItem{
		{ID: 7, RecipientEmail: "a@x.test", Status: model.NotificationPending, CreatedAt: base},
		{ID: 9, RecipientEmail: "a@x.test", Status: model.NotificationPending, CreatedAt: base},
		{ID: 8, RecipientEmail: "A@X.TEST", Status: model.NotificationPending, CreatedAt: base},
	}
	merged, doomed := Plan(items, PolicyRecipient)
	assert.Equal(t, 1, merged)
	assert.ElementsMatch(t, []int64{7, 8}, doomed)
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    KeyPolicy
		wantErr bool
	}{
		{"", PolicyRecipient, false},
		{"recipient", PolicyRecipient, false},
		{"Recipient+Original_To", PolicyRecipientOriginalTo, false},
		{"subject", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
