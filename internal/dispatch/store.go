package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus is the lifecycle of one logical delivery.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySucceeded DeliveryStatus = "succeeded"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryCancelled DeliveryStatus = "cancelled"
)

// Delivery is the unit of webhook fan-out for one (event, subscription)
// pair. The (subscription_id, event_id) unique index guarantees it exists
// exactly once; retries mutate this row, they never clone it.
type Delivery struct {
	ID             uuid.UUID
	SubscriptionID uuid.UUID
	EventID        uuid.UUID
	TeamID         int64
	Status         DeliveryStatus
	AttemptCount   int
	NextRetryAt    *time.Time
	InFlight       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Attempt is one append-only execution record under a logical delivery.
type Attempt struct {
	ID            uuid.UUID
	DeliveryID    uuid.UUID
	AttemptNumber int
	ScheduledAt   time.Time
	ExecutedAt    time.Time
	Success       bool
	HTTPStatus    int    // 0 for transport errors
	ErrorDetail   string // empty on success
	Terminal      bool
	NextRetryAt   *time.Time
}

// Store persists logical deliveries and their attempt history.
type Store struct {
	db *sql.DB
}

// NewStore creates a delivery store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateDeliveries inserts one logical delivery per subscription id for the
// given event. Pairs that already exist are skipped (duplicate fan-out of a
// replayed event is a no-op). Returns only the deliveries created by this
// call; those are the ones to enqueue.
func (s *Store) CreateDeliveries(ctx context.Context, eventID uuid.UUID, teamID int64, subscriptionIDs []uuid.UUID) ([]Delivery, error) {
	var created []Delivery
	for _, subID := range subscriptionIDs {
		d := Delivery{
			ID:             uuid.New(),
			SubscriptionID: subID,
			EventID:        eventID,
			TeamID:         teamID,
			Status:         DeliveryPending,
		}
		var id uuid.UUID
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO webhook_deliveries
				(id, subscription_id, event_id, team_id, status, attempt_count, in_flight, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 0, FALSE, NOW(), NOW())
			ON CONFLICT (subscription_id, event_id) DO NOTHING
			RETURNING id
		`, d.ID, d.SubscriptionID, d.EventID, d.TeamID, string(d.Status)).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return created, fmt.Errorf("create delivery: %w", err)
		}
		created = append(created, d)
	}
	return created, nil
}

// Claim marks a pending delivery in-flight. At most one claim can succeed
// at a time per logical delivery, which is what serializes its attempts
// across the worker fleet. Returns claimed=false when the delivery is
// already owned, already terminal, unknown, or scheduled in the future: a
// duplicate queue redelivery must not run the next attempt ahead of its
// backoff (the sweeper clears next_retry_at when the retry comes due).
func (s *Store) Claim(ctx context.Context, id uuid.UUID) (Delivery, bool, error) {
	var d Delivery
	var status string
	err := s.db.QueryRowContext(ctx, `
		UPDATE webhook_deliveries
		SET in_flight = TRUE, updated_at = NOW()
		WHERE id = $1 AND status = 'pending' AND NOT in_flight
		  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
		RETURNING id, subscription_id, event_id, team_id, status, attempt_count, next_retry_at, created_at, updated_at
	`, id).Scan(&d.ID, &d.SubscriptionID, &d.EventID, &d.TeamID, &status,
		&d.AttemptCount, &d.NextRetryAt, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Delivery{}, false, nil
	}
	if err != nil {
		return Delivery{}, false, fmt.Errorf("claim delivery: %w", err)
	}
	d.Status = DeliveryStatus(status)
	d.InFlight = true
	return d, true, nil
}

// Defer releases a claim without recording an attempt and schedules the
// delivery to be picked up again at the given time. Used when the Governor
// denies an execution slot.
func (s *Store) Defer(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET in_flight = FALSE, next_retry_at = $2, updated_at = NOW()
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("defer delivery: %w", err)
	}
	return nil
}

// RecordAttempt appends the attempt row and settles the delivery row in one
// transaction: bumps the attempt count, releases the in-flight claim, and
// either schedules the next retry or finalizes the status.
func (s *Store) RecordAttempt(ctx context.Context, d Delivery, a Attempt, newStatus DeliveryStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record attempt: %w", err)
	}
	defer tx.Rollback()

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO webhook_call_attempts
			(id, delivery_id, attempt_number, scheduled_at, executed_at,
			 success, http_status, error_detail, terminal, next_retry_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
	`, a.ID, d.ID, a.AttemptNumber, a.ScheduledAt, a.ExecutedAt,
		a.Success, a.HTTPStatus, a.ErrorDetail, a.Terminal, a.NextRetryAt)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, attempt_count = $3, next_retry_at = $4,
		    in_flight = FALSE, updated_at = NOW()
		WHERE id = $1
	`, d.ID, string(newStatus), a.AttemptNumber, a.NextRetryAt)
	if err != nil {
		return fmt.Errorf("settle delivery: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record attempt: %w", err)
	}
	return nil
}

// Cancel finalizes a delivery whose subscription disappeared or was
// disabled before the attempt fired.
func (s *Store) Cancel(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = 'cancelled', in_flight = FALSE, next_retry_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return fmt.Errorf("cancel delivery: %w", err)
	}
	return nil
}

// ClaimDue atomically collects deliveries whose retry time has arrived and
// clears their schedule so a concurrent sweeper cannot enqueue them twice.
// FOR UPDATE SKIP LOCKED keeps sweepers from blocking each other.
func (s *Store) ClaimDue(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE webhook_deliveries
		SET next_retry_at = NULL, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM webhook_deliveries
			WHERE status = 'pending' AND NOT in_flight AND next_retry_at <= NOW()
			ORDER BY next_retry_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due deliveries: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return ids, fmt.Errorf("scan due delivery: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecoverStuck releases in-flight claims older than the given age. A
// worker that died mid-attempt leaves its claim behind; this puts the
// delivery back on the schedule.
func (s *Store) RecoverStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET in_flight = FALSE, next_retry_at = NOW(), updated_at = NOW()
		WHERE status = 'pending' AND in_flight AND updated_at < NOW() - $1::interval
	`, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("recover stuck deliveries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Attempts returns the full audit history for one logical delivery, oldest
// first.
func (s *Store) Attempts(ctx context.Context, deliveryID uuid.UUID) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, delivery_id, attempt_number, scheduled_at, executed_at,
		       success, http_status, error_detail, terminal, next_retry_at
		FROM webhook_call_attempts
		WHERE delivery_id = $1
		ORDER BY attempt_number
	`, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.ID, &a.DeliveryID, &a.AttemptNumber, &a.ScheduledAt,
			&a.ExecutedAt, &a.Success, &a.HTTPStatus, &a.ErrorDetail, &a.Terminal, &a.NextRetryAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
