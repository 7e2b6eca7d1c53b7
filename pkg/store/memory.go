package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStores implements every engine store in process memory. It backs
// tests and single-binary deployments; one mutex doubles as the
// transaction boundary, and WithinTx snapshots the store state so an
// aborted closure rolls back the way the SQL backends do.
type MemoryStores struct {
	mu       sync.Mutex
	outbox   map[string]*OutboxEntry
	order    []string // outbox ids in creation order
	sagas    map[string]*SagaInstance
	claims   map[string]time.Time // consumer|messageID
	compLog  []CompensationEntry
	dead     []DeadLetter
	sequence int
}

func NewMemoryStores() *MemoryStores {
	return &MemoryStores{
		outbox: map[string]*OutboxEntry{},
		sagas:  map[string]*SagaInstance{},
		claims: map[string]time.Time{},
	}
}

// WithinTx serializes the evaluation under the store mutex. The nil Tx is
// passed through to the stores, which detect they are already locked. A
// snapshot taken before fn runs is restored when fn errors, so writes the
// closure already applied never become visible.
func (m *MemoryStores) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snapshot()
	if err := fn(context.WithValue(ctx, memoryTxKey{}, true), nil); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	outbox  map[string]*OutboxEntry
	order   []string
	sagas   map[string]*SagaInstance
	claims  map[string]time.Time
	compLog []CompensationEntry
	dead    []DeadLetter
}

func (m *MemoryStores) snapshot() memorySnapshot {
	snap := memorySnapshot{
		outbox:  make(map[string]*OutboxEntry, len(m.outbox)),
		order:   append([]string(nil), m.order...),
		sagas:   make(map[string]*SagaInstance, len(m.sagas)),
		claims:  make(map[string]time.Time, len(m.claims)),
		compLog: append([]CompensationEntry(nil), m.compLog...),
		dead:    append([]DeadLetter(nil), m.dead...),
	}
	for id, entry := range m.outbox {
		cp := *entry
		snap.outbox[id] = &cp
	}
	for id, inst := range m.sagas {
		snap.sagas[id] = inst.Clone()
	}
	for key, at := range m.claims {
		snap.claims[key] = at
	}
	return snap
}

func (m *MemoryStores) restore(snap memorySnapshot) {
	m.outbox = snap.outbox
	m.order = snap.order
	m.sagas = snap.sagas
	m.claims = snap.claims
	m.compLog = snap.compLog
	m.dead = snap.dead
}

type memoryTxKey struct{}

func (m *MemoryStores) lock(ctx context.Context) func() {
	if held, _ := ctx.Value(memoryTxKey{}).(bool); held {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

// --- OutBoxRepository ---

func (m *MemoryStores) Enqueue(ctx context.Context, _ Tx, entry *OutboxEntry) error {
	defer m.lock(ctx)()
	cp := *entry
	m.outbox[entry.ID] = &cp
	m.order = append(m.order, entry.ID)
	return nil
}

func (m *MemoryStores) FetchPending(ctx context.Context, batchSize, maxAttempts int) ([]OutboxEntry, error) {
	defer m.lock(ctx)()

	now := time.Now()
	var claimed []OutboxEntry
	for _, id := range m.order {
		if len(claimed) >= batchSize {
			break
		}
		entry := m.outbox[id]
		fetchable := entry.Status == StatusPending ||
			(entry.Status == StatusProcessing && entry.UpdatedAt.Before(now.Add(-lockExpiration)))
		if !fetchable || entry.AvailableAt.After(now) {
			continue
		}
		if entry.Attempts >= maxAttempts {
			entry.Status = StatusFailed
			entry.UpdatedAt = now
			continue
		}
		entry.Status = StatusProcessing
		entry.Attempts++
		entry.UpdatedAt = now
		claimed = append(claimed, *entry)
	}
	return claimed, nil
}

func (m *MemoryStores) MarkPublished(ctx context.Context, entryID string) error {
	defer m.lock(ctx)()
	entry, ok := m.outbox[entryID]
	if !ok {
		return fmt.Errorf("outbox: no entry %s", entryID)
	}
	now := time.Now()
	entry.Status = StatusPublished
	entry.PublishedAt = &now
	entry.UpdatedAt = now
	return nil
}

func (m *MemoryStores) SetStatus(ctx context.Context, entryID string, status Status) error {
	defer m.lock(ctx)()
	entry, ok := m.outbox[entryID]
	if !ok {
		return fmt.Errorf("outbox: no entry %s", entryID)
	}
	entry.Status = status
	entry.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStores) ListFailed(ctx context.Context, limit int) ([]OutboxEntry, error) {
	defer m.lock(ctx)()
	var entries []OutboxEntry
	for _, id := range m.order {
		if len(entries) >= limit {
			break
		}
		if entry := m.outbox[id]; entry.Status == StatusFailed {
			entries = append(entries, *entry)
		}
	}
	return entries, nil
}

func (m *MemoryStores) ResetForRetry(ctx context.Context, entryID string) error {
	defer m.lock(ctx)()
	entry, ok := m.outbox[entryID]
	if !ok {
		return fmt.Errorf("outbox: no entry %s", entryID)
	}
	entry.Status = StatusPending
	entry.Attempts = 0
	entry.AvailableAt = time.Now()
	entry.UpdatedAt = time.Now()
	return nil
}

// --- SagaStateStore ---

func (m *MemoryStores) Load(ctx context.Context, correlationID string) (*SagaInstance, error) {
	defer m.lock(ctx)()
	inst, ok := m.sagas[correlationID]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return inst.Clone(), nil
}

func (m *MemoryStores) Create(ctx context.Context, _ Tx, inst *SagaInstance) error {
	defer m.lock(ctx)()
	if _, exists := m.sagas[inst.CorrelationID]; exists {
		return fmt.Errorf("saga store: instance %s already exists", inst.CorrelationID)
	}
	inst.Version = 1
	m.sagas[inst.CorrelationID] = inst.Clone()
	return nil
}

func (m *MemoryStores) Update(ctx context.Context, _ Tx, inst *SagaInstance) error {
	defer m.lock(ctx)()
	current, ok := m.sagas[inst.CorrelationID]
	if !ok {
		return ErrInstanceNotFound
	}
	if current.Version != inst.Version {
		return fmt.Errorf("%w: %s at version %d", ErrVersionConflict, inst.CorrelationID, inst.Version)
	}
	inst.Version++
	inst.UpdatedAt = time.Now().UTC()
	m.sagas[inst.CorrelationID] = inst.Clone()
	return nil
}

func (m *MemoryStores) ListExpired(ctx context.Context, now time.Time, limit int) ([]SagaInstance, error) {
	defer m.lock(ctx)()
	var out []SagaInstance
	for _, inst := range m.sagas {
		if !inst.Terminal() && inst.TimeoutAt != nil && !inst.TimeoutAt.After(now) {
			out = append(out, *inst.Clone())
		}
	}
	// Sort the full match set before applying the limit, so the soonest
	// deadlines win regardless of map iteration order.
	sortByTimeout(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStores) ListStuck(ctx context.Context, updatedBefore time.Time, limit int) ([]SagaInstance, error) {
	defer m.lock(ctx)()
	var out []SagaInstance
	for _, inst := range m.sagas {
		if !inst.Terminal() && inst.UpdatedAt.Before(updatedBefore) {
			out = append(out, *inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortByTimeout(instances []SagaInstance) {
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].TimeoutAt.Before(*instances[j].TimeoutAt)
	})
}

// --- IdempotencyLedger ---

func (m *MemoryStores) TryClaim(ctx context.Context, _ Tx, consumerName, messageID string) (bool, error) {
	defer m.lock(ctx)()
	key := consumerName + "|" + messageID
	if _, claimed := m.claims[key]; claimed {
		return false, nil
	}
	m.claims[key] = time.Now()
	return true, nil
}

func (m *MemoryStores) Seen(ctx context.Context, consumerName, messageID string) (bool, error) {
	defer m.lock(ctx)()
	_, seen := m.claims[consumerName+"|"+messageID]
	return seen, nil
}

// --- CompensationLogStore ---

func (m *MemoryStores) Append(ctx context.Context, _ Tx, entry *CompensationEntry) error {
	defer m.lock(ctx)()
	m.compLog = append(m.compLog, *entry)
	return nil
}

func (m *MemoryStores) ListByCorrelation(ctx context.Context, correlationID string) ([]CompensationEntry, error) {
	defer m.lock(ctx)()
	var out []CompensationEntry
	for _, entry := range m.compLog {
		if entry.CorrelationID == correlationID {
			out = append(out, entry)
		}
	}
	return out, nil
}

// --- DeadLetterStore ---

func (m *MemoryStores) Add(ctx context.Context, _ Tx, letter *DeadLetter) error {
	defer m.lock(ctx)()
	m.dead = append(m.dead, *letter)
	return nil
}

func (m *MemoryStores) List(ctx context.Context, kind DeadLetterKind, limit int) ([]DeadLetter, error) {
	defer m.lock(ctx)()
	var out []DeadLetter
	for _, letter := range m.dead {
		if len(out) >= limit {
			break
		}
		if letter.Kind == kind {
			out = append(out, letter)
		}
	}
	return out, nil
}
