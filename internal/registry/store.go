// Package registry stores per-team webhook subscriptions. CRUD here is a
// thin store-backed collaborator; the pipeline's real dependency is
// ActiveSubscriptionsFor, which the dispatcher re-reads at every attempt so
// disablement takes effect mid-retry.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/email-events/internal/event"
)

// ErrSubscriptionNotFound is returned when a subscription id does not exist.
var ErrSubscriptionNotFound = errors.New("webhook subscription not found")

// ErrNoEventTypes is returned when a subscription is created with an empty
// event-type set.
var ErrNoEventTypes = errors.New("subscription needs at least one event type")

// Subscription is one registered customer endpoint.
// Secret is opaque bytes and must never be logged.
type Subscription struct {
	ID                  uuid.UUID
	TeamID              int64
	URL                 string
	Secret              []byte
	Enabled             bool
	EventTypes          []event.Type
	DomainID            *int64 // nil = unscoped, receives every domain's events
	ConsecutiveFailures int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Subscribed reports whether the subscription wants the given event type.
func (s Subscription) Subscribed(t event.Type) bool {
	for _, et := range s.EventTypes {
		if et == t {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions.
type Store struct {
	db *sql.DB
}

// NewStore creates a subscription store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create registers a new subscription. The event-type set must be non-empty
// and every member must be a known type.
func (s *Store) Create(ctx context.Context, sub *Subscription) error {
	if len(sub.EventTypes) == 0 {
		return ErrNoEventTypes
	}
	for _, et := range sub.EventTypes {
		if !et.Valid() {
			return fmt.Errorf("unknown event type %q", et)
		}
	}
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions
			(id, team_id, url, secret, enabled, event_types, domain_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
	`, sub.ID, sub.TeamID, sub.URL, sub.Secret, sub.Enabled,
		pq.Array(typeStrings(sub.EventTypes)), sub.DomainID)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

const subscriptionColumns = `
	id, team_id, url, secret, enabled, event_types, domain_id,
	consecutive_failures, created_at, updated_at
`

// Get fetches one subscription by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM webhook_subscriptions
		WHERE id = $1
	`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	return sub, err
}

// ListByTeam returns all of a team's subscriptions, newest last.
func (s *Store) ListByTeam(ctx context.Context, teamID int64) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM webhook_subscriptions
		WHERE team_id = $1
		ORDER BY created_at
	`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// ActiveSubscriptionsFor returns the enabled subscriptions that want
// eventType for the given domain, in creation order. A subscription with a
// domain scope only matches its own domain; unscoped subscriptions match
// everything. Read-consistent at call time only; callers re-read on retry.
func (s *Store) ActiveSubscriptionsFor(ctx context.Context, teamID int64, eventType event.Type, domainID *int64) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM webhook_subscriptions
		WHERE team_id = $1
		  AND enabled
		  AND $2 = ANY(event_types)
		  AND (domain_id IS NULL OR domain_id = $3)
		ORDER BY created_at
	`, teamID, string(eventType), domainID)
	if err != nil {
		return nil, fmt.Errorf("active subscriptions: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// SetEnabled flips a subscription on or off. Enabling resets the
// consecutive-failure counter so a repaired endpoint starts clean.
func (s *Store) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_subscriptions
		SET enabled = $2,
		    consecutive_failures = CASE WHEN $2 THEN 0 ELSE consecutive_failures END,
		    updated_at = NOW()
		WHERE id = $1
	`, id, enabled)
	if err != nil {
		return fmt.Errorf("set enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	return nil
}

// Delete removes a subscription. Pending retries notice at pop time.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	return nil
}

// RecordDeliveryOutcome updates the subscription's health after a logical
// delivery reaches a terminal state. Consecutive terminal failures at or
// over autoDisableAfter disable the subscription. Returns whether the
// subscription was auto-disabled by this call.
func (s *Store) RecordDeliveryOutcome(ctx context.Context, id uuid.UUID, success bool, autoDisableAfter int) (bool, error) {
	if success {
		_, err := s.db.ExecContext(ctx, `
			UPDATE webhook_subscriptions
			SET consecutive_failures = 0, updated_at = NOW()
			WHERE id = $1
		`, id)
		if err != nil {
			return false, fmt.Errorf("record delivery success: %w", err)
		}
		return false, nil
	}

	var failures int
	var enabled bool
	err := s.db.QueryRowContext(ctx, `
		UPDATE webhook_subscriptions
		SET consecutive_failures = consecutive_failures + 1,
		    enabled = enabled AND (consecutive_failures + 1 < $2),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING consecutive_failures, enabled
	`, id, autoDisableAfter).Scan(&failures, &enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	if err != nil {
		return false, fmt.Errorf("record delivery failure: %w", err)
	}
	return !enabled && failures >= autoDisableAfter, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (Subscription, error) {
	var sub Subscription
	var types pq.StringArray
	var domainID sql.NullInt64
	err := row.Scan(
		&sub.ID, &sub.TeamID, &sub.URL, &sub.Secret, &sub.Enabled,
		&types, &domainID, &sub.ConsecutiveFailures, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return Subscription{}, err
	}
	for _, t := range types {
		sub.EventTypes = append(sub.EventTypes, event.Type(t))
	}
	if domainID.Valid {
		sub.DomainID = &domainID.Int64
	}
	return sub, nil
}

func scanSubscriptions(rows *sql.Rows) ([]Subscription, error) {
	var subs []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func typeStrings(types []event.Type) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
