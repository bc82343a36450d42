// Package dispatch owns outbound webhook delivery: fan-out of accepted
// events to matching subscriptions, at-least-once execution with retries,
// and the append-only attempt audit trail.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/email-events/internal/canonical"
	"github.com/ignite/email-events/internal/config"
	"github.com/ignite/email-events/internal/event"
	"github.com/ignite/email-events/internal/registry"
)

// busyDeferDelay is how long a delivery waits when the target's concurrency
// slots are all taken. Short, because a slot frees as soon as one in-flight
// attempt finishes.
const busyDeferDelay = 15 * time.Second

// maxErrorDetail bounds the response snippet stored on failed attempts.
const maxErrorDetail = 512

// Enqueuer hands a delivery id to the work queue. Implemented by the SQS
// publisher; tests substitute an in-memory recorder.
type Enqueuer interface {
	EnqueueDelivery(ctx context.Context, deliveryID uuid.UUID) error
}

// HTTPDoer is the outbound HTTP surface, satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// SlotGovernor caps concurrent in-flight attempts per subscription.
type SlotGovernor interface {
	AcquireSlot(ctx context.Context, subscriptionID uuid.UUID) (release func(), acquired bool)
}

// DeliveryStore is the persistence surface the dispatcher drives.
// Satisfied by *Store.
type DeliveryStore interface {
	CreateDeliveries(ctx context.Context, eventID uuid.UUID, teamID int64, subscriptionIDs []uuid.UUID) ([]Delivery, error)
	Claim(ctx context.Context, id uuid.UUID) (Delivery, bool, error)
	Defer(ctx context.Context, id uuid.UUID, at time.Time) error
	RecordAttempt(ctx context.Context, d Delivery, a Attempt, newStatus DeliveryStatus) error
	Cancel(ctx context.Context, id uuid.UUID) error
}

// SubscriptionReader is the registry surface the dispatcher needs.
type SubscriptionReader interface {
	Get(ctx context.Context, id uuid.UUID) (registry.Subscription, error)
	ActiveSubscriptionsFor(ctx context.Context, teamID int64, t event.Type, domainID *int64) ([]registry.Subscription, error)
	RecordDeliveryOutcome(ctx context.Context, id uuid.UUID, success bool, autoDisableAfter int) (bool, error)
}

// EntryReader re-reads stored event-log entries at execution time.
type EntryReader interface {
	EntryByID(ctx context.Context, id uuid.UUID) (event.LogEntry, error)
}

// Dispatcher coordinates webhook delivery end to end.
type Dispatcher struct {
	store   DeliveryStore
	subs    SubscriptionReader
	entries EntryReader
	gov     SlotGovernor
	queue   Enqueuer
	client  HTTPDoer
	cfg     config.DeliveryConfig

	now func() time.Time
}

// New creates a dispatcher.
func New(store DeliveryStore, subs SubscriptionReader, entries EntryReader, gov SlotGovernor, queue Enqueuer, client HTTPDoer, cfg config.DeliveryConfig) *Dispatcher {
	return &Dispatcher{
		store:   store,
		subs:    subs,
		entries: entries,
		gov:     gov,
		queue:   queue,
		client:  client,
		cfg:     cfg,
		now:     time.Now,
	}
}

// FanOut creates one logical delivery per subscription matching the entry's
// team, type and domain scope, then enqueues each newly created delivery.
// Re-running fan-out for the same entry is a no-op: the per-pair unique
// index makes CreateDeliveries skip existing rows. Returns the number of
// deliveries created by this call.
func (d *Dispatcher) FanOut(ctx context.Context, entry event.LogEntry) (int, error) {
	subs, err := d.subs.ActiveSubscriptionsFor(ctx, entry.TeamID, entry.Type, &entry.DomainID)
	if err != nil {
		return 0, fmt.Errorf("match subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return 0, nil
	}

	ids := make([]uuid.UUID, len(subs))
	for i, s := range subs {
		ids[i] = s.ID
	}

	created, err := d.store.CreateDeliveries(ctx, entry.ID, entry.TeamID, ids)
	if err != nil {
		// Rows inserted before the failure carry no schedule yet; put them
		// on the sweeper's clock so the partial fan-out is not stranded.
		for _, del := range created {
			if derr := d.store.Defer(ctx, del.ID, d.now()); derr != nil {
				log.Printf("[Dispatch] Defer after partial fan-out for %s: %v", del.ID, derr)
			}
		}
		return len(created), err
	}

	for _, del := range created {
		if err := d.queue.EnqueueDelivery(ctx, del.ID); err != nil {
			// The row exists and is pending; the retry scheduler will pick
			// it up even though the enqueue failed.
			log.Printf("[Dispatch] Enqueue failed for delivery %s, leaving for scheduler: %v", del.ID, err)
			if derr := d.store.Defer(ctx, del.ID, d.now()); derr != nil {
				log.Printf("[Dispatch] Defer after enqueue failure for %s: %v", del.ID, derr)
			}
		}
	}
	return len(created), nil
}

// Execute runs one attempt for the given delivery. It claims the delivery
// (so only one worker at a time can attempt it), re-reads the subscription
// so disablement or deletion takes effect mid-retry, rebuilds the payload
// from the stored entry, and records exactly one attempt row with the
// outcome. Attempt failures are settled in the store, not returned; the
// returned error means the attempt could not be run or recorded at all and
// the queue message should be redelivered.
func (d *Dispatcher) Execute(ctx context.Context, deliveryID uuid.UUID) error {
	del, claimed, err := d.store.Claim(ctx, deliveryID)
	if err != nil {
		return err
	}
	if !claimed {
		// Already terminal, or another worker holds it.
		return nil
	}

	sub, err := d.subs.Get(ctx, del.SubscriptionID)
	if err != nil {
		if errors.Is(err, registry.ErrSubscriptionNotFound) {
			log.Printf("[Dispatch] Subscription %s gone, cancelling delivery %s", del.SubscriptionID, del.ID)
			return d.store.Cancel(ctx, del.ID)
		}
		d.releaseClaim(ctx, del.ID)
		return fmt.Errorf("read subscription: %w", err)
	}
	if !sub.Enabled {
		log.Printf("[Dispatch] Subscription %s disabled, cancelling delivery %s", sub.ID, del.ID)
		return d.store.Cancel(ctx, del.ID)
	}

	entry, err := d.entries.EntryByID(ctx, del.EventID)
	if err != nil {
		d.releaseClaim(ctx, del.ID)
		return fmt.Errorf("read event for delivery %s: %w", del.ID, err)
	}

	payload, err := BuildPayload(del.ID, entry)
	if err != nil {
		// Unbuildable payloads never become buildable; fail terminally.
		return d.settle(ctx, del, sub, Attempt{
			AttemptNumber: del.AttemptCount + 1,
			ScheduledAt:   d.now().UTC(),
			ExecutedAt:    d.now().UTC(),
			ErrorDetail:   truncate(err.Error()),
			Terminal:      true,
		})
	}

	release, acquired := d.gov.AcquireSlot(ctx, sub.ID)
	if !acquired {
		// Target saturated. Not an attempt; back off briefly.
		return d.store.Defer(ctx, del.ID, d.now().Add(busyDeferDelay))
	}
	defer release()

	scheduled := d.now().UTC()
	status, attemptErr := d.post(ctx, sub, payload, del.ID)
	executed := d.now().UTC()

	a := Attempt{
		AttemptNumber: del.AttemptCount + 1,
		ScheduledAt:   scheduled,
		ExecutedAt:    executed,
		HTTPStatus:    status,
		Success:       attemptErr == nil,
	}
	if attemptErr != nil {
		a.ErrorDetail = truncate(attemptErr.Error())
		a.Terminal = a.AttemptNumber >= d.cfg.MaxAttempts
	} else {
		a.Terminal = true
	}

	return d.settle(ctx, del, sub, a)
}

// settle records the attempt, schedules the retry when one remains, and
// feeds the outcome into the subscription failure counter.
func (d *Dispatcher) settle(ctx context.Context, del Delivery, sub registry.Subscription, a Attempt) error {
	newStatus := DeliveryPending
	switch {
	case a.Success:
		newStatus = DeliverySucceeded
	case a.Terminal:
		newStatus = DeliveryFailed
	default:
		next := d.now().Add(Backoff(d.cfg, a.AttemptNumber))
		a.NextRetryAt = &next
	}

	if err := d.store.RecordAttempt(ctx, del, a, newStatus); err != nil {
		return err
	}

	if newStatus == DeliverySucceeded || newStatus == DeliveryFailed {
		disabled, err := d.subs.RecordDeliveryOutcome(ctx, sub.ID, a.Success, d.cfg.AutoDisableAfter)
		if err != nil {
			log.Printf("[Dispatch] Record outcome for subscription %s: %v", sub.ID, err)
		} else if disabled {
			log.Printf("[Dispatch] Subscription %s auto-disabled after repeated terminal failures", sub.ID)
		}
	}

	if newStatus == DeliveryFailed {
		log.Printf("[Dispatch] Delivery %s exhausted after %d attempts (last status %d)",
			del.ID, a.AttemptNumber, a.HTTPStatus)
	}
	return nil
}

// post signs and sends one webhook request. A nil error means the endpoint
// acknowledged with a 2xx; anything else, transport errors included, is a
// retryable failure.
func (d *Dispatcher) post(ctx context.Context, sub registry.Subscription, payload Payload, callID uuid.UUID) (int, error) {
	body, err := canonical.Canonicalize(payload)
	if err != nil {
		return 0, fmt.Errorf("canonicalize payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}

	millis := d.now().UnixMilli()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(canonical.HeaderSignature, canonical.Sign(sub.Secret, millis, body))
	req.Header.Set(canonical.HeaderTimestamp, fmt.Sprintf("%d", millis))
	req.Header.Set(canonical.HeaderEvent, string(payload.Type))
	req.Header.Set(canonical.HeaderCall, callID.String())
	req.Header.Set(canonical.HeaderIdempotency, canonical.Hash(body))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	// Drain a bounded amount so the connection can be reused, and keep a
	// snippet for the audit row on failure.
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorDetail))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
}

// TestResult is the synchronous outcome of a webhook.test call.
type TestResult struct {
	DeliveryID string `json:"deliveryId"`
	Success    bool   `json:"success"`
	HTTPStatus int    `json:"httpStatus,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// SendTest fires a synthetic webhook.test event at the subscription's
// endpoint: one attempt, no retry, nothing persisted. The caller gets the
// outcome synchronously so endpoint misconfiguration shows up immediately.
func (d *Dispatcher) SendTest(ctx context.Context, sub registry.Subscription) TestResult {
	callID := uuid.New()
	payload := TestPayload(callID, d.now())

	start := d.now()
	status, err := d.post(ctx, sub, payload, callID)
	res := TestResult{
		DeliveryID: callID.String(),
		Success:    err == nil,
		HTTPStatus: status,
		DurationMs: d.now().Sub(start).Milliseconds(),
	}
	if err != nil {
		res.Error = truncate(err.Error())
	}
	return res
}

// releaseClaim puts a claimed delivery back on the schedule after an
// infrastructure error that prevented the attempt from running.
func (d *Dispatcher) releaseClaim(ctx context.Context, id uuid.UUID) {
	if err := d.store.Defer(ctx, id, d.now()); err != nil {
		log.Printf("[Dispatch] Release claim for %s: %v", id, err)
	}
}

func truncate(s string) string {
	if len(s) > maxErrorDetail {
		return s[:maxErrorDetail]
	}
	return s
}
