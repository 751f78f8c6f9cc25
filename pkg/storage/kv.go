package storage

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/absmach/anchor/pkg/errors"
	"k8s.io/utils/clock"
)

// KV is the persisted-state boundary shared by the coordinator subsystems.
// A zero ttl stores the value without expiry.
type KV interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

type kvEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e kvEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type memoryKV struct {
	mu    sync.Mutex
	clock clock.PassiveClock
	data  map[string]kvEntry
}

func NewMemoryKV(c clock.PassiveClock) KV {
	if c == nil {
		c = clock.RealClock{}
	}

	return &memoryKV{
		clock: c,
		data:  make(map[string]kvEntry),
	}
}

func (m *memoryKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return pkgerrors.ErrEmptyKey
	}

	e := kvEntry{value: slices.Clone(value)}
	if ttl > 0 {
		e.expiresAt = m.clock.Now().Add(ttl)
	}

	m.mu.Lock()
	m.data[key] = e
	m.mu.Unlock()

	return nil
}

func (m *memoryKV) Get(_ context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, pkgerrors.ErrEmptyKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.data[key]
	if !ok {
		return nil, pkgerrors.ErrNotFound
	}
	if e.expired(m.clock.Now()) {
		delete(m.data, key)

		return nil, pkgerrors.ErrNotFound
	}

	return slices.Clone(e.value), nil
}

func (m *memoryKV) Delete(_ context.Context, key string) error {
	if key == "" {
		return pkgerrors.ErrEmptyKey
	}

	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()

	return nil
}

func (m *memoryKV) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	keys := make([]string, 0)
	for k, e := range m.data {
		if e.expired(now) {
			delete(m.data, k)

			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	return keys, nil
}
