package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dhcgn/bounce-monitor/model"
	"github.com/dhcgn/bounce-monitor/stats"
)

// queries carries the statements shared by SQLiteStore and Tx.
type queries struct {
	q sqlx.ExtContext
}

type bounceRow struct {
	ID                   int64         `db:"id"`
	MailboxID            sql.NullInt64 `db:"mailbox_id"`
	MessageHash          string        `db:"message_hash"`
	OriginalTo           string        `db:"original_to"`
	OriginalCC           string        `db:"original_cc"`
	OriginalSubject      string        `db:"original_subject"`
	OriginalSentDate     time.Time     `db:"original_sent_date"`
	SMTPCode             string        `db:"smtp_code"`
	SMTPReason           string        `db:"smtp_reason"`
	DeliverabilityStatus string        `db:"deliverability_status"`
	SpamScore            int           `db:"spam_score"`
	Domain               string        `db:"domain"`
	CreatedAt            time.Time     `db:"created_at"`
}

func (r bounceRow) record() (model.BounceRecord, error) {
	var cc []string
	if r.OriginalCC != "" {
		if err := json.Unmarshal([]byte(r.OriginalCC), &cc); err != nil {
			return model.BounceRecord{}, fmt.Errorf("decoding original_cc for bounce %d: %w", r.ID, err)
		}
	}
	return model.BounceRecord{
		ID:          r.ID,
		MailboxID:   r.MailboxID.Int64,
		MessageHash: r.MessageHash,
		CreatedAt:   r.CreatedAt.UTC(),
		Result: model.ExtractionResult{
			OriginalTo:       r.OriginalTo,
			OriginalCC:       cc,
			OriginalSubject:  r.OriginalSubject,
			OriginalSentDate: r.OriginalSentDate.UTC(),
			SMTPCode:         r.SMTPCode,
			SMTPReason:       r.SMTPReason,
			Status:           model.DeliverabilityStatus(r.DeliverabilityStatus),
			SpamScore:        r.SpamScore,
			IsBounce:         true,
			Domain:           r.Domain,
		},
	}, nil
}

const bounceColumns = `id, mailbox_id, message_hash, original_to, original_cc, original_subject,
	original_sent_date, smtp_code, smtp_reason, deliverability_status, spam_score, domain, created_at`

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id > 0}
}

// InsertBounce stores a bounce record and returns its id. A zero CreatedAt
// is replaced by the current time.
func (q queries) InsertBounce(ctx context.Context, rec model.BounceRecord) (int64, error) {
	res := rec.Result
	cc := res.OriginalCC
	if cc == nil {
		cc = []string{}
	}
	ccJSON, err := json.Marshal(cc)
	if err != nil {
		return 0, fmt.Errorf("encoding original_cc: %w", err)
	}
	status := res.Status
	if status == "" {
		status = model.StatusUnknown
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	const query = `
		INSERT INTO bounces (
			mailbox_id, message_hash, original_to, original_cc, original_subject,
			original_sent_date, smtp_code, smtp_reason, deliverability_status,
			spam_score, domain, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := q.q.ExecContext(ctx, query,
		nullID(rec.MailboxID), rec.MessageHash, res.OriginalTo, string(ccJSON), res.OriginalSubject,
		res.OriginalSentDate.UTC(), res.SMTPCode, res.SMTPReason, string(status),
		res.SpamScore, strings.ToLower(res.Domain), created.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting bounce for %s: %w", res.OriginalTo, err)
	}
	return result.LastInsertId()
}

// GetBounce returns the bounce with the given id or ErrNotFound.
func (q queries) GetBounce(ctx context.Context, id int64) (model.BounceRecord, error) {
	var row bounceRow
	err := sqlx.GetContext(ctx, q.q, &row, `SELECT `+bounceColumns+` FROM bounces WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.BounceRecord{}, ErrNotFound
	}
	if err != nil {
		return model.BounceRecord{}, fmt.Errorf("querying bounce %d: %w", id, err)
	}
	return row.record()
}

// BounceFilter narrows ListBounces. Zero values match everything.
type BounceFilter struct {
	Domain    string
	MailboxID int64
	Limit     int
}

// ListBounces returns bounces newest first.
func (q queries) ListBounces(ctx context.Context, f BounceFilter) ([]model.BounceRecord, error) {
	var conditions []string
	var args []any
	if f.Domain != "" {
		conditions = append(conditions, "domain = ?")
		args = append(args, strings.ToLower(f.Domain))
	}
	if f.MailboxID > 0 {
		conditions = append(conditions, "mailbox_id = ?")
		args = append(args, f.MailboxID)
	}

	query := `SELECT ` + bounceColumns + ` FROM bounces`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var rows []bounceRow
	if err := sqlx.SelectContext(ctx, q.q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing bounces: %w", err)
	}
	out := make([]model.BounceRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// GetDomainTrust returns the trust row for domain, or nil when the domain
// has never bounced.
func (q queries) GetDomainTrust(ctx context.Context, domain string) (*model.DomainTrust, error) {
	var dt model.DomainTrust
	err := sqlx.GetContext(ctx, q.q, &dt,
		`SELECT domain, bounce_count, trust_score, last_bounce_date FROM domain_trust WHERE domain = ?`,
		strings.ToLower(domain))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying trust for %s: %w", domain, err)
	}
	dt.LastBounceDate = dt.LastBounceDate.UTC()
	return &dt, nil
}

// SaveDomainTrust inserts or replaces the trust row for dt.Domain.
func (q queries) SaveDomainTrust(ctx context.Context, dt model.DomainTrust) error {
	const query = `
		INSERT INTO domain_trust (domain, bounce_count, trust_score, last_bounce_date)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET
			bounce_count = excluded.bounce_count,
			trust_score = excluded.trust_score,
			last_bounce_date = excluded.last_bounce_date`

	_, err := q.q.ExecContext(ctx, query,
		strings.ToLower(dt.Domain), dt.BounceCount, dt.TrustScore, dt.LastBounceDate.UTC())
	if err != nil {
		return fmt.Errorf("saving trust for %s: %w", dt.Domain, err)
	}
	return nil
}

// ListDomainTrust returns all domains, least trusted first.
func (q queries) ListDomainTrust(ctx context.Context, limit int) ([]model.DomainTrust, error) {
	query := `SELECT domain, bounce_count, trust_score, last_bounce_date FROM domain_trust
		ORDER BY trust_score ASC, bounce_count DESC, domain ASC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var out []model.DomainTrust
	if err := sqlx.SelectContext(ctx, q.q, &out, query, args...); err != nil {
		return nil, fmt.Errorf("listing domain trust: %w", err)
	}
	for i := range out {
		out[i].LastBounceDate = out[i].LastBounceDate.UTC()
	}
	return out, nil
}

// EnqueueNotification adds a notification and returns its id. Status
// defaults to pending and CreatedAt to now.
func (q queries) EnqueueNotification(ctx context.Context, item model.NotificationQueueItem) (int64, error) {
	if item.Status == "" {
		item.Status = model.NotificationPending
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}

	result, err := q.q.ExecContext(ctx,
		`INSERT INTO notification_queue (bounce_id, recipient_email, original_to, status, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		item.BounceID, item.RecipientEmail, item.OriginalTo, string(item.Status), item.CreatedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("enqueueing notification for %s: %w", item.RecipientEmail, err)
	}
	return result.LastInsertId()
}

const notificationColumns = `id, bounce_id, recipient_email, original_to, status, created_at`

// ListNotifications returns queue items with the given status, or all
// items when status is empty, oldest first.
func (q queries) ListNotifications(ctx context.Context, status model.NotificationStatus) ([]model.NotificationQueueItem, error) {
	query := `SELECT ` + notificationColumns + ` FROM notification_queue`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at ASC, id ASC"

	var out []model.NotificationQueueItem
	if err := sqlx.SelectContext(ctx, q.q, &out, query, args...); err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	for i := range out {
		out[i].CreatedAt = out[i].CreatedAt.UTC()
	}
	return out, nil
}

// PendingNotifications is ListNotifications restricted to pending items.
func (q queries) PendingNotifications(ctx context.Context) ([]model.NotificationQueueItem, error) {
	return q.ListNotifications(ctx, model.NotificationPending)
}

// DeleteNotifications removes the given pending items and reports how many
// rows went away. Items no longer pending are left alone.
func (q queries) DeleteNotifications(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(
		`DELETE FROM notification_queue WHERE status = ? AND id IN (?)`,
		string(model.NotificationPending), ids)
	if err != nil {
		return 0, fmt.Errorf("building delete: %w", err)
	}
	result, err := q.q.ExecContext(ctx, q.q.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("deleting notifications: %w", err)
	}
	return result.RowsAffected()
}

// IsProcessed reports whether a message hash has been recorded.
func (q queries) IsProcessed(ctx context.Context, hash string) (bool, error) {
	var n int
	if err := sqlx.GetContext(ctx, q.q, &n,
		`SELECT COUNT(*) FROM processed_messages WHERE hash = ?`, hash); err != nil {
		return false, fmt.Errorf("checking processed %s: %w", hash, err)
	}
	return n > 0, nil
}

// MarkProcessed records hash. Recording the same hash twice is a no-op.
func (q queries) MarkProcessed(ctx context.Context, hash string, bounceID int64) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_messages (hash, bounce_id, processed_at) VALUES (?, ?, ?)`,
		hash, nullID(bounceID), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("marking %s processed: %w", hash, err)
	}
	return nil
}

// UpsertMailbox returns the id for the mailbox name, creating the row on
// first use.
func (q queries) UpsertMailbox(ctx context.Context, name string) (int64, error) {
	if _, err := q.q.ExecContext(ctx, `INSERT OR IGNORE INTO mailboxes (name) VALUES (?)`, name); err != nil {
		return 0, fmt.Errorf("registering mailbox %s: %w", name, err)
	}
	var id int64
	if err := sqlx.GetContext(ctx, q.q, &id, `SELECT id FROM mailboxes WHERE name = ?`, name); err != nil {
		return 0, fmt.Errorf("querying mailbox %s: %w", name, err)
	}
	return id, nil
}

// SetLastProcessed stamps the end of a mailbox pass.
func (q queries) SetLastProcessed(ctx context.Context, mailboxID int64, at time.Time) error {
	_, err := q.q.ExecContext(ctx, `UPDATE mailboxes SET last_processed = ? WHERE id = ?`, at.UTC(), mailboxID)
	if err != nil {
		return fmt.Errorf("updating mailbox %d: %w", mailboxID, err)
	}
	return nil
}

// LastProcessed returns the last completed pass for a mailbox; the zero
// time when it never ran.
func (q queries) LastProcessed(ctx context.Context, mailboxID int64) (time.Time, error) {
	var at sql.NullTime
	err := sqlx.GetContext(ctx, q.q, &at, `SELECT last_processed FROM mailboxes WHERE id = ?`, mailboxID)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("querying mailbox %d: %w", mailboxID, err)
	}
	if !at.Valid {
		return time.Time{}, nil
	}
	return at.Time.UTC(), nil
}

// EventEntry is one row of the event log.
type EventEntry struct {
	ID        int64          `db:"id"`
	Severity  stats.Severity `db:"severity"`
	Message   string         `db:"message"`
	MailboxID sql.NullInt64  `db:"mailbox_id"`
	BounceID  sql.NullInt64  `db:"bounce_id"`
	CreatedAt time.Time      `db:"created_at"`
}

// LogEvent appends an entry to the event log.
func (q queries) LogEvent(ctx context.Context, severity stats.Severity, message string, mailboxID, bounceID int64) error {
	if severity == "" {
		severity = stats.SeverityInfo
	}
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO event_log (severity, message, mailbox_id, bounce_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(severity), message, nullID(mailboxID), nullID(bounceID), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("logging event: %w", err)
	}
	return nil
}

// ListEvents returns the most recent log entries, newest first.
func (q queries) ListEvents(ctx context.Context, limit int) ([]EventEntry, error) {
	query := `SELECT id, severity, message, mailbox_id, bounce_id, created_at FROM event_log ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	var out []EventEntry
	if err := sqlx.SelectContext(ctx, q.q, &out, query, args...); err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	for i := range out {
		out[i].CreatedAt = out[i].CreatedAt.UTC()
	}
	return out, nil
}
