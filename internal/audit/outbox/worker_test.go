package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fides/internal/platform/kafka"
)

type fakePublisher struct {
	mu       sync.Mutex
	messages []*kafka.Message
	failures int
	err      error
}

func (p *fakePublisher) Produce(_ context.Context, msg *kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failures > 0 {
		p.failures--
		return p.err
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *fakePublisher) sent() []*kafka.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*kafka.Message(nil), p.messages...)
}

func TestWorker_DeliverBatchPublishesAndMarks(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	pub := &fakePublisher{}

	base := time.Now().UTC()
	first := pendingEntry("identity_verified", base)
	second := pendingEntry("nonce_bound", base.Add(time.Second))
	require.NoError(t, store.Append(ctx, first))
	require.NoError(t, store.Append(ctx, second))

	w := NewWorker(store, pub, WithTopic("audit.test"))

	delivered := w.deliverBatch(ctx)
	assert.Equal(t, 2, delivered)

	sent := pub.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "audit.test", sent[0].Topic)
	assert.Equal(t, first.ID.String(), string(sent[0].Key))
	assert.Equal(t, second.ID.String(), string(sent[1].Key))
	assert.Equal(t, "organization", sent[0].Headers["aggregate_type"])
	assert.Equal(t, "org-A", sent[0].Headers["aggregate_id"])
	assert.Equal(t, "identity_verified", sent[0].Headers["event_type"])

	count, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	assert.Zero(t, w.deliverBatch(ctx), "nothing left to deliver")
}

func TestWorker_FailedPublishStaysPending(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	pub := &fakePublisher{failures: 1, err: errors.New("broker down")}

	base := time.Now().UTC()
	first := pendingEntry("identity_verified", base)
	second := pendingEntry("nonce_bound", base.Add(time.Second))
	require.NoError(t, store.Append(ctx, first))
	require.NoError(t, store.Append(ctx, second))

	w := NewWorker(store, pub)

	// The oldest entry hits the broker failure; the next one goes through.
	assert.Equal(t, 1, w.deliverBatch(ctx))

	count, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Next poll retries the failed entry.
	assert.Equal(t, 1, w.deliverBatch(ctx))

	sent := pub.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, second.ID.String(), string(sent[0].Key))
	assert.Equal(t, first.ID.String(), string(sent[1].Key))
}

func TestWorker_StartDeliversInBackground(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	pub := &fakePublisher{}

	require.NoError(t, store.Append(ctx, pendingEntry("nonce_revoked", time.Now().UTC())))

	w := NewWorker(store, pub, WithPollInterval(5*time.Millisecond))
	w.Start()

	require.Eventually(t, func() bool {
		return len(pub.sent()) == 1
	}, time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(stopCtx))

	count, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestWorker_StopDrainsPending(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	pub := &fakePublisher{}

	base := time.Now().UTC()
	require.NoError(t, store.Append(ctx, pendingEntry("identity_verified", base)))
	require.NoError(t, store.Append(ctx, pendingEntry("nonce_bound", base.Add(time.Second))))

	// Poll interval far beyond the test horizon: only the shutdown drain
	// can deliver these.
	w := NewWorker(store, pub, WithPollInterval(time.Hour))
	w.Start()

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(stopCtx))

	assert.Len(t, pub.sent(), 2)

	count, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestWorker_SweepPrunesDeliveredEntries(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	pub := &fakePublisher{}

	delivered := pendingEntry("identity_verified", time.Now().UTC().Add(-3*time.Hour))
	open := pendingEntry("nonce_bound", time.Now().UTC().Add(-3*time.Hour))
	require.NoError(t, store.Append(ctx, delivered))
	require.NoError(t, store.Append(ctx, open))
	require.NoError(t, store.MarkProcessed(ctx, delivered.ID, time.Now().UTC().Add(-2*time.Hour)))

	w := NewWorker(store, pub, WithRetention(time.Hour))
	w.sweep(ctx)

	// Pruned entries are gone entirely.
	err := store.MarkProcessed(ctx, delivered.ID, time.Now().UTC())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	// Pending entries survive no matter how old they are.
	entries, err := store.FetchUnprocessed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, open.ID, entries[0].ID)
}

func TestWorker_SweepDisabled(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	delivered := pendingEntry("identity_verified", time.Now().UTC().Add(-48*time.Hour))
	require.NoError(t, store.Append(ctx, delivered))
	require.NoError(t, store.MarkProcessed(ctx, delivered.ID, time.Now().UTC().Add(-48*time.Hour)))

	w := NewWorker(store, &fakePublisher{}, WithRetention(0))
	w.sweep(ctx)

	err := store.MarkProcessed(ctx, delivered.ID, time.Now().UTC())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already processed", "entry should still exist")
}
