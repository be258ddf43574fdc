package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "fides/pkg/domain"
)

type failingStore struct {
	err error
}

func (s *failingStore) Append(_ context.Context, _ Event) error {
	return s.err
}

func (s *failingStore) ListByOrg(_ context.Context, _ id.OrgID) ([]Event, error) {
	return nil, nil
}

func (s *failingStore) ListRecent(_ context.Context, _ int) ([]Event, error) {
	return nil, nil
}

type recordingSink struct {
	events []Event
}

func (s *recordingSink) Append(_ context.Context, event Event) error {
	s.events = append(s.events, event)
	return nil
}

func TestPublisher_EmitStoresEvent(t *testing.T) {
	store := NewInMemoryStore()
	pub := NewPublisher(store)

	event := Event{
		OrgID:  "org-A",
		Action: ActionNonceBound,
		Nonce:  "n1",
	}

	err := pub.Emit(context.Background(), event)
	require.NoError(t, err)

	events, err := pub.List(context.Background(), "org-A")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ActionNonceBound, events[0].Action)
	assert.Equal(t, "n1", events[0].Nonce)
}

func TestPublisher_SetsTimestamp(t *testing.T) {
	store := NewInMemoryStore()
	pub := NewPublisher(store)

	before := time.Now()
	err := pub.Emit(context.Background(), Event{OrgID: "org-A", Action: ActionNonceBound})
	require.NoError(t, err)
	after := time.Now()

	events, err := pub.List(context.Background(), "org-A")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, !events[0].Timestamp.Before(before), "timestamp should be >= before")
	assert.True(t, !events[0].Timestamp.After(after), "timestamp should be <= after")
}

func TestPublisher_PreservesExistingTimestamp(t *testing.T) {
	store := NewInMemoryStore()
	pub := NewPublisher(store)

	customTime := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	err := pub.Emit(context.Background(), Event{
		OrgID:     "org-A",
		Action:    ActionNonceRevoked,
		Timestamp: customTime,
	})
	require.NoError(t, err)

	events, err := pub.List(context.Background(), "org-A")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, customTime, events[0].Timestamp)
}

func TestPublisher_EmitReturnsError(t *testing.T) {
	storeErr := errors.New("append failed")
	pub := NewPublisher(&failingStore{err: storeErr})

	err := pub.Emit(context.Background(), Event{OrgID: "org-A", Action: ActionNonceBound})
	require.ErrorIs(t, err, storeErr)
}

func TestPublisher_TeesIntoSinks(t *testing.T) {
	store := NewInMemoryStore()
	sink := &recordingSink{}
	pub := NewPublisher(store, WithSink(sink))

	err := pub.Emit(context.Background(), Event{OrgID: "org-A", Action: ActionNonceRotated})
	require.NoError(t, err)

	require.Len(t, sink.events, 1)
	assert.Equal(t, ActionNonceRotated, sink.events[0].Action)
}

func TestPublisher_AsyncDrainsOnClose(t *testing.T) {
	store := NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(16))

	for i := 0; i < 5; i++ {
		require.NoError(t, pub.Emit(context.Background(), Event{OrgID: "org-A", Action: ActionNonceBound}))
	}
	pub.Close()

	events, err := store.ListByOrg(context.Background(), "org-A")
	require.NoError(t, err)
	assert.Len(t, events, 5)
}

func TestInMemoryStore_ListRecent(t *testing.T) {
	store := NewInMemoryStore()
	for _, org := range []id.OrgID{"org-A", "org-B", "org-C"} {
		require.NoError(t, store.Append(context.Background(), Event{OrgID: org, Action: ActionNonceBound}))
	}

	recent, err := store.ListRecent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, id.OrgID("org-C"), recent[0].OrgID)
	assert.Equal(t, id.OrgID("org-B"), recent[1].OrgID)
}
