package queue

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/email-events/internal/pkg/distlock"
)

const (
	// sweepBatch bounds how many due deliveries one tick re-enqueues.
	sweepBatch = 200
	// stuckAge is how long an in-flight claim may sit before a dead worker
	// is assumed and the claim released.
	stuckAge = 5 * time.Minute
)

// DueStore is the store surface the scheduler sweeps.
type DueStore interface {
	ClaimDue(ctx context.Context, limit int) ([]uuid.UUID, error)
	Defer(ctx context.Context, id uuid.UUID, at time.Time) error
	RecoverStuck(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Enqueuer re-publishes claimed deliveries.
type Enqueuer interface {
	EnqueueDelivery(ctx context.Context, deliveryID uuid.UUID) error
}

// Scheduler periodically moves due deliveries back onto the queue and
// recovers claims abandoned by dead workers. A distributed lock keeps one
// instance sweeping at a time; losing the lock just means another instance
// is doing the work.
type Scheduler struct {
	store    DueStore
	queue    Enqueuer
	lock     distlock.DistLock
	interval time.Duration
}

// NewScheduler creates a retry scheduler.
func NewScheduler(store DueStore, queue Enqueuer, lock distlock.DistLock, interval time.Duration) *Scheduler {
	return &Scheduler{store: store, queue: queue, lock: lock, interval: interval}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("[Scheduler] Retry scheduler started (interval=%s)", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Scheduler] Retry scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	acquired, err := s.lock.Acquire(ctx)
	if err != nil {
		log.Printf("[Scheduler] Lock acquire: %v", err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := s.lock.Release(ctx); err != nil {
			log.Printf("[Scheduler] Lock release: %v", err)
		}
	}()

	if n, err := s.store.RecoverStuck(ctx, stuckAge); err != nil {
		log.Printf("[Scheduler] Recover stuck: %v", err)
	} else if n > 0 {
		log.Printf("[Scheduler] Recovered %d stuck deliveries", n)
	}

	s.Sweep(ctx)
}

// Sweep claims one batch of due deliveries and re-enqueues them. Claiming
// clears next_retry_at, so a delivery whose enqueue fails is put back on
// the schedule for the next tick rather than dropped.
func (s *Scheduler) Sweep(ctx context.Context) int {
	ids, err := s.store.ClaimDue(ctx, sweepBatch)
	if err != nil {
		log.Printf("[Scheduler] Claim due: %v", err)
		return 0
	}

	enqueued := 0
	for _, id := range ids {
		if err := s.queue.EnqueueDelivery(ctx, id); err != nil {
			log.Printf("[Scheduler] Enqueue %s: %v", id, err)
			if derr := s.store.Defer(ctx, id, time.Now()); derr != nil {
				log.Printf("[Scheduler] Re-schedule %s: %v", id, derr)
			}
			continue
		}
		enqueued++
	}
	if enqueued > 0 {
		log.Printf("[Scheduler] Re-enqueued %d due deliveries", enqueued)
	}
	return enqueued
}
