package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	_ Locker           = (*Memory)(nil)
	_ IdempotencyStore = (*Memory)(nil)
	_ History          = (*Memory)(nil)
)

// Memory keeps conversation state in process. It serves single-instance
// deployments and tests; state is lost on restart.
//
// A Memory lock is held until released; LockTTL does not expire it.
// Callers bound the work under the lock by the TTL instead.
type Memory struct {
	opts  Options
	clock Clock

	mu      sync.Mutex
	locks   map[string]string
	claims  map[string]time.Time
	history map[string]memHistory
}

type memHistory struct {
	turns   []Turn
	expires time.Time
}

func NewMemory(opts Options) *Memory {
	return NewMemoryWithClock(opts, realClock{})
}

// NewMemoryWithClock creates a Memory store with a custom clock (for testing).
func NewMemoryWithClock(opts Options, clock Clock) *Memory {
	return &Memory{
		opts:    opts.withDefaults(),
		clock:   clock,
		locks:   make(map[string]string),
		claims:  make(map[string]time.Time),
		history: make(map[string]memHistory),
	}
}

func (m *Memory) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	err := poll(ctx, m.opts.LockWait, m.opts.PollInterval, func() (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, held := m.locks[key]; held {
			return false, nil
		}
		m.locks[key] = token
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.locks[key] == token {
				delete(m.locks, key)
			}
		})
	}, nil
}

func (m *Memory) Claim(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if exp, ok := m.claims[id]; ok && now.Before(exp) {
		return false, nil
	}
	m.claims[id] = now.Add(m.opts.IdempotencyWindow)

	// Drop expired claims so the map does not grow without bound.
	if len(m.claims) > 1024 {
		for k, exp := range m.claims {
			if !now.Before(exp) {
				delete(m.claims, k)
			}
		}
	}
	return true, nil
}

func (m *Memory) Load(_ context.Context, key string) ([]Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.history[key]
	if !ok {
		return nil, nil
	}
	if !m.clock.Now().Before(h.expires) {
		delete(m.history, key)
		return nil, nil
	}
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out, nil
}

func (m *Memory) Append(_ context.Context, key string, turns ...Turn) error {
	if len(turns) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	h := m.history[key]
	if !now.Before(h.expires) {
		h.turns = nil
	}
	h.turns = append(h.turns, turns...)
	if max := m.opts.maxMessages(); len(h.turns) > max {
		h.turns = append([]Turn(nil), h.turns[len(h.turns)-max:]...)
	}
	h.expires = now.Add(m.opts.HistoryTTL)
	m.history[key] = h
	return nil
}

func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, key)
	return nil
}
