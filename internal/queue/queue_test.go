package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSQS is an in-memory queue behind the SQSAPI surface.
type fakeSQS struct {
	mu       sync.Mutex
	messages []types.Message
	deleted  []string
	sendErr  error
	nextID   int
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.nextID++
	handle := uuid.New().String()
	f.messages = append(f.messages, types.Message{
		Body:          in.MessageBody,
		ReceiptHandle: aws.String(handle),
	})
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &sqs.ReceiveMessageOutput{Messages: f.messages}
	f.messages = nil
	return out, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, *in.ReceiptHandle)
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) deletedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleted)
}

type recordingExecutor struct {
	mu       sync.Mutex
	executed []uuid.UUID
	err      error
}

func (r *recordingExecutor) Execute(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executed = append(r.executed, id)
	return r.err
}

func (r *recordingExecutor) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.executed)
}

func TestPublisher_EnqueueDelivery(t *testing.T) {
	fs := &fakeSQS{}
	p := NewPublisher(fs, "https://sqs.test/deliveries")
	id := uuid.New()

	require.NoError(t, p.EnqueueDelivery(context.Background(), id))

	require.Len(t, fs.messages, 1)
	var dj DeliveryJob
	require.NoError(t, json.Unmarshal([]byte(*fs.messages[0].Body), &dj))
	assert.Equal(t, id.String(), dj.DeliveryID)
	assert.False(t, dj.EnqueuedAt.IsZero())
}

func TestPublisher_SendFailureSurfaces(t *testing.T) {
	fs := &fakeSQS{sendErr: errors.New("sqs unavailable")}
	p := NewPublisher(fs, "https://sqs.test/deliveries")

	err := p.EnqueueDelivery(context.Background(), uuid.New())
	assert.Error(t, err)
}

func TestConsumer_ExecutesAndDeletes(t *testing.T) {
	fs := &fakeSQS{}
	p := NewPublisher(fs, "q")
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		require.NoError(t, p.EnqueueDelivery(context.Background(), id))
	}

	exec := &recordingExecutor{}
	c := NewConsumer(fs, "q", exec, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	require.Eventually(t, func() bool { return exec.count() == 3 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return fs.deletedCount() == 3 }, 2*time.Second, 10*time.Millisecond)

	c.Stop()
	assert.ElementsMatch(t, ids, exec.executed)
}

func TestConsumer_KeepsMessageOnExecuteError(t *testing.T) {
	fs := &fakeSQS{}
	p := NewPublisher(fs, "q")
	require.NoError(t, p.EnqueueDelivery(context.Background(), uuid.New()))

	exec := &recordingExecutor{err: errors.New("store down")}
	c := NewConsumer(fs, "q", exec, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	require.Eventually(t, func() bool { return exec.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
	c.Stop()

	// Failed attempts leave the message for redelivery.
	assert.Equal(t, 0, fs.deletedCount())
}

func TestConsumer_DropsMalformedMessage(t *testing.T) {
	fs := &fakeSQS{}
	fs.messages = append(fs.messages, types.Message{
		Body:          aws.String("{not json"),
		ReceiptHandle: aws.String("rh-1"),
	})

	exec := &recordingExecutor{}
	c := NewConsumer(fs, "q", exec, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	require.Eventually(t, func() bool { return fs.deletedCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	c.Stop()
	assert.Equal(t, 0, exec.count())
}

type fakeDueStore struct {
	due       []uuid.UUID
	deferred  []uuid.UUID
	recovered int64
}

func (f *fakeDueStore) ClaimDue(_ context.Context, limit int) ([]uuid.UUID, error) {
	if len(f.due) > limit {
		out := f.due[:limit]
		f.due = f.due[limit:]
		return out, nil
	}
	out := f.due
	f.due = nil
	return out, nil
}

func (f *fakeDueStore) Defer(_ context.Context, id uuid.UUID, _ time.Time) error {
	f.deferred = append(f.deferred, id)
	return nil
}

func (f *fakeDueStore) RecoverStuck(context.Context, time.Duration) (int64, error) {
	return f.recovered, nil
}

type flakyEnqueuer struct {
	failFirst bool
	calls     int
	enqueued  []uuid.UUID
}

func (f *flakyEnqueuer) EnqueueDelivery(_ context.Context, id uuid.UUID) error {
	f.calls++
	if f.failFirst && f.calls == 1 {
		return errors.New("sqs unavailable")
	}
	f.enqueued = append(f.enqueued, id)
	return nil
}

func TestScheduler_SweepEnqueuesDue(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New()}
	store := &fakeDueStore{due: ids}
	q := &flakyEnqueuer{}
	s := NewScheduler(store, q, nil, time.Second)

	n := s.Sweep(context.Background())
	assert.Equal(t, 2, n)
	assert.Equal(t, ids, q.enqueued)
}

func TestScheduler_ReschedulesOnEnqueueFailure(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New()}
	store := &fakeDueStore{due: ids}
	q := &flakyEnqueuer{failFirst: true}
	s := NewScheduler(store, q, nil, time.Second)

	n := s.Sweep(context.Background())
	assert.Equal(t, 1, n)

	// The failed one is back on the schedule for the next tick.
	assert.Equal(t, []uuid.UUID{ids[0]}, store.deferred)
	assert.Equal(t, []uuid.UUID{ids[1]}, q.enqueued)
}
