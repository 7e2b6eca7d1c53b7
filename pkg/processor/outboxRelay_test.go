package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-saga/pkg/broker"
	"github.com/zoff-tech/go-saga/pkg/config"
	"github.com/zoff-tech/go-saga/pkg/message"
	"github.com/zoff-tech/go-saga/pkg/store"
)

type publication struct {
	topic string
	env   message.Envelope
}

// stubBroker records publishes and can be told to fail.
type stubBroker struct {
	mu        sync.Mutex
	published []publication
	fail      bool
}

func (s *stubBroker) Publish(_ context.Context, topic string, env message.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("broker unavailable")
	}
	s.published = append(s.published, publication{topic: topic, env: env})
	return nil
}

func (s *stubBroker) Subscribe(context.Context, string, string, broker.Handler) error { return nil }
func (s *stubBroker) Close() error                                                    { return nil }


func (s *stubBroker) publications() []publication {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]publication(nil), s.published...)
}

func enqueue(t *testing.T, mem *store.MemoryStores, entry *store.OutboxEntry) {
	t.Helper()
	require.NoError(t, mem.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return mem.Enqueue(ctx, tx, entry)
	}))
}

func TestRelayBatch_PublishesAndMarks(t *testing.T) {
	mem := store.NewMemoryStores()
	b := &stubBroker{}
	relay := NewOutboxRelay(mem, b, config.RelaySettings{PollInterval: time.Second, BatchSize: 10, MaxAttempts: 3})

	entry := store.NewOutboxEntry("match-1", "ReserveSlot", []byte(`{"match_id":"m-1"}`))
	enqueue(t, mem, entry)

	require.NoError(t, relay.RelayBatch(context.Background()))

	pubs := b.publications()
	require.Len(t, pubs, 1)
	assert.Equal(t, "ReserveSlot", pubs[0].topic)
	assert.Equal(t, entry.ID, pubs[0].env.MessageID)
	assert.Equal(t, "match-1", pubs[0].env.CorrelationID)
	assert.Equal(t, "ReserveSlot", pubs[0].env.Type)

	// The entry is published; the next batch finds nothing.
	require.NoError(t, relay.RelayBatch(context.Background()))
	assert.Len(t, b.publications(), 1)
}

func TestRelayBatch_ReleasesOnPublishFailure(t *testing.T) {
	mem := store.NewMemoryStores()
	b := &stubBroker{fail: true}
	relay := NewOutboxRelay(mem, b, config.RelaySettings{PollInterval: time.Second, BatchSize: 10, MaxAttempts: 2})

	entry := store.NewOutboxEntry("match-1", "ReserveSlot", nil)
	enqueue(t, mem, entry)

	// Each failed batch burns one attempt; the entry stays pending.
	require.NoError(t, relay.RelayBatch(context.Background()))
	require.NoError(t, relay.RelayBatch(context.Background()))

	// Out of attempts: flagged failed rather than dropped.
	require.NoError(t, relay.RelayBatch(context.Background()))
	failed, err := mem.ListFailed(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, entry.ID, failed[0].ID)

	// An operator reset puts it back on the wire.
	b.mu.Lock()
	b.fail = false
	b.mu.Unlock()
	require.NoError(t, mem.ResetForRetry(context.Background(), entry.ID))
	require.NoError(t, relay.RelayBatch(context.Background()))
	assert.Len(t, b.publications(), 1)
}

func TestRelayBatch_HonorsAvailableAt(t *testing.T) {
	mem := store.NewMemoryStores()
	b := &stubBroker{}
	relay := NewOutboxRelay(mem, b, config.RelaySettings{PollInterval: time.Second, BatchSize: 10, MaxAttempts: 3})

	entry := store.NewOutboxEntry("match-1", "ReserveSlot", nil)
	entry.AvailableAt = time.Now().Add(time.Hour)
	enqueue(t, mem, entry)

	require.NoError(t, relay.RelayBatch(context.Background()))
	assert.Empty(t, b.publications(), "delayed entries wait out their backoff")
}
