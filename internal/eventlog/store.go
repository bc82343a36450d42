// Package eventlog owns the append-only email event log and the cached
// status projection on the emails table. The log is the source of truth;
// appending an entry and moving the projection happen in one transaction,
// so both succeed or both fail.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/email-events/internal/event"
)

// ErrEmailNotFound is returned when a provider message id does not resolve
// to an email we sent.
var ErrEmailNotFound = errors.New("email not found")

// Store persists event-log entries and the email status projection.
type Store struct {
	db *sql.DB
}

// NewStore creates an event-log store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EmailByProviderMessageID resolves the provider's message id to our email
// row. This is the join point of the ingest path.
func (s *Store) EmailByProviderMessageID(ctx context.Context, providerMessageID string) (event.Email, error) {
	var e event.Email
	var contactID, campaignID uuid.NullUUID
	err := s.db.QueryRowContext(ctx, `
		SELECT id, team_id, domain_id, contact_id, campaign_id, status, created_at, updated_at
		FROM emails
		WHERE provider_message_id = $1
	`, providerMessageID).Scan(
		&e.ID, &e.TeamID, &e.DomainID, &contactID, &campaignID,
		&e.Status, &e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Email{}, fmt.Errorf("%w: provider message %s", ErrEmailNotFound, providerMessageID)
	}
	if err != nil {
		return event.Email{}, fmt.Errorf("lookup email: %w", err)
	}
	if !e.Status.Valid() {
		return event.Email{}, fmt.Errorf("email %s: unrecognized status %q", e.ID, e.Status)
	}
	if contactID.Valid {
		e.ContactID = &contactID.UUID
	}
	if campaignID.Valid {
		e.CampaignID = &campaignID.UUID
	}
	return e, nil
}

// transitionColumn maps event types onto the emails table's per-transition
// timestamp columns. First occurrence wins (COALESCE in the update).
var transitionColumn = map[event.Type]string{
	event.TypeEmailSent:       "sent_at",
	event.TypeEmailDelivered:  "delivered_at",
	event.TypeEmailOpened:     "opened_at",
	event.TypeEmailClicked:    "clicked_at",
	event.TypeEmailBounced:    "bounced_at",
	event.TypeEmailComplained: "complained_at",
}

// Append records one accepted notification: locks the email row, computes
// the transition against the status that row holds right now, inserts the
// event-log entry, and moves the projection in the same transaction. The
// row lock serializes concurrent ingests for the same email, so a bounce
// and a delivery arriving together cannot both read the same prior status
// and leave the projection out of step with the log.
//
// Deduplication happens before any write takes effect: the entry carries
// the notification's dedup key under a unique index, and a conflict makes
// the append a no-op. Duplicates return appended=false together with the
// entry stored by the first accept, so the caller can re-run downstream
// side effects that failed after that first append committed.
func (s *Store) Append(ctx context.Context, email event.Email, n event.Notification) (event.LogEntry, event.Transition, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return event.LogEntry{}, event.Transition{}, false, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var current event.Status
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM emails WHERE id = $1 FOR UPDATE
	`, email.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return event.LogEntry{}, event.Transition{}, false, fmt.Errorf("%w: email %s", ErrEmailNotFound, email.ID)
	}
	if err != nil {
		return event.LogEntry{}, event.Transition{}, false, fmt.Errorf("lock email: %w", err)
	}

	tr, err := event.Apply(current, n)
	if err != nil {
		return event.LogEntry{}, event.Transition{}, false, err
	}

	entry := event.LogEntry{
		ID:         uuid.New(),
		EmailID:    email.ID,
		TeamID:     email.TeamID,
		DomainID:   email.DomainID,
		Type:       tr.EventType,
		OccurredAt: n.OccurredAt.UTC(),
		Detail:     n.Detail,
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO email_events (id, email_id, team_id, domain_id, event_type, occurred_at, detail, dedup_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (dedup_key) DO NOTHING
		RETURNING seq
	`, entry.ID, entry.EmailID, entry.TeamID, entry.DomainID,
		string(entry.Type), entry.OccurredAt, nullableJSON(entry.Detail), n.DedupKey(),
	).Scan(&entry.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		// Duplicate notification: hand back the stored entry.
		stored, lerr := scanLogEntry(tx.QueryRowContext(ctx, `
			SELECT id, email_id, team_id, domain_id, event_type, occurred_at, seq, detail
			FROM email_events
			WHERE dedup_key = $1
		`, n.DedupKey()))
		if lerr != nil {
			return event.LogEntry{}, tr, false, fmt.Errorf("resolve duplicate: %w", lerr)
		}
		return stored, tr, false, nil
	}
	if err != nil {
		return event.LogEntry{}, tr, false, fmt.Errorf("append event: %w", err)
	}

	if tr.StatusChanged {
		if err := s.updateProjection(ctx, tx, email.ID, tr, entry.OccurredAt); err != nil {
			return event.LogEntry{}, tr, false, err
		}
	} else if col, ok := transitionColumn[tr.EventType]; ok {
		// Status untouched but the transition timestamp is still a fact
		// worth caching (e.g. a second open).
		q := fmt.Sprintf(`UPDATE emails SET %s = COALESCE(%s, $2), updated_at = NOW() WHERE id = $1`, col, col)
		if _, err := tx.ExecContext(ctx, q, email.ID, entry.OccurredAt); err != nil {
			return event.LogEntry{}, tr, false, fmt.Errorf("touch transition timestamp: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return event.LogEntry{}, tr, false, fmt.Errorf("commit append: %w", err)
	}
	return entry, tr, true, nil
}

func (s *Store) updateProjection(ctx context.Context, tx *sql.Tx, emailID uuid.UUID, tr event.Transition, occurredAt time.Time) error {
	col, ok := transitionColumn[tr.EventType]
	if !ok {
		_, err := tx.ExecContext(ctx, `
			UPDATE emails SET status = $2, updated_at = NOW() WHERE id = $1
		`, emailID, string(tr.NewStatus))
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		return nil
	}
	q := fmt.Sprintf(`
		UPDATE emails SET status = $2, %s = COALESCE(%s, $3), updated_at = NOW() WHERE id = $1
	`, col, col)
	if _, err := tx.ExecContext(ctx, q, emailID, string(tr.NewStatus), occurredAt); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

// EntryByID fetches a single log entry. The dispatcher re-reads the entry
// when executing a delivery so the wire payload is always built from the
// stored fact, not from whatever was in memory at fan-out time.
func (s *Store) EntryByID(ctx context.Context, id uuid.UUID) (event.LogEntry, error) {
	e, err := scanLogEntry(s.db.QueryRowContext(ctx, `
		SELECT id, email_id, team_id, domain_id, event_type, occurred_at, seq, detail
		FROM email_events
		WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return event.LogEntry{}, fmt.Errorf("event entry %s: %w", id, sql.ErrNoRows)
	}
	if err != nil {
		return event.LogEntry{}, fmt.Errorf("get event: %w", err)
	}
	return e, nil
}

func scanLogEntry(row *sql.Row) (event.LogEntry, error) {
	var e event.LogEntry
	var eventType string
	var detail []byte
	if err := row.Scan(&e.ID, &e.EmailID, &e.TeamID, &e.DomainID, &eventType, &e.OccurredAt, &e.Seq, &detail); err != nil {
		return event.LogEntry{}, err
	}
	e.Type = event.Type(eventType)
	if len(detail) > 0 {
		e.Detail = json.RawMessage(detail)
	}
	return e, nil
}

// EntriesForEmail returns the full ordered log for one email. Ordering is
// (occurred_at, seq); seq breaks same-timestamp ties deterministically.
func (s *Store) EntriesForEmail(ctx context.Context, emailID uuid.UUID) ([]event.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email_id, team_id, domain_id, event_type, occurred_at, seq, detail
		FROM email_events
		WHERE email_id = $1
		ORDER BY occurred_at, seq
	`, emailID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var entries []event.LogEntry
	for rows.Next() {
		var e event.LogEntry
		var eventType string
		var detail []byte
		if err := rows.Scan(&e.ID, &e.EmailID, &e.TeamID, &e.DomainID, &eventType, &e.OccurredAt, &e.Seq, &detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = event.Type(eventType)
		if len(detail) > 0 {
			e.Detail = json.RawMessage(detail)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ReplayStatus recomputes an email's status by folding its log forward.
// The projection on the emails row must always agree with this; the repair
// path writes the replayed value back when it does not.
func (s *Store) ReplayStatus(ctx context.Context, emailID uuid.UUID, initial event.Status) (event.Status, error) {
	entries, err := s.EntriesForEmail(ctx, emailID)
	if err != nil {
		return initial, err
	}
	cur := initial
	for _, e := range entries {
		cur = event.ApplyType(cur, e.Type)
	}
	return cur, nil
}

// RepairStatus overwrites the cached projection with the replayed status.
// Returns the replayed status.
func (s *Store) RepairStatus(ctx context.Context, emailID uuid.UUID, initial event.Status) (event.Status, error) {
	replayed, err := s.ReplayStatus(ctx, emailID, initial)
	if err != nil {
		return initial, err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE emails SET status = $2, updated_at = NOW() WHERE id = $1
	`, emailID, string(replayed))
	if err != nil {
		return replayed, fmt.Errorf("repair status: %w", err)
	}
	return replayed, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
