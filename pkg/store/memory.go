package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type lease struct {
	owner   string
	expires time.Time
}

// Memory is a Store held in process memory. It is what the daemon uses
// when no redis address is configured, and what the tests use.
type Memory struct {
	mu     sync.Mutex
	values map[string][]byte
	locks  map[string]lease
	now    func() time.Time
}

func NewMemory() *Memory {
	return NewMemoryAt(time.Now)
}

// NewMemoryAt reads the time from now when it expires leases.
func NewMemoryAt(now func() time.Time) *Memory {
	return &Memory{
		values: map[string][]byte{},
		locks:  map[string]lease{},
		now:    now,
	}
}

func (m *Memory) Get(ctx context.Context, key string, v interface{}) (bool, error) {
	m.mu.Lock()
	bytes, ok := m.values[key]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(bytes, v); err != nil {
		return true, errors.Wrapf(err, "decoding value at %s", key)
	}
	return true, nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Put(ctx context.Context, key string, v interface{}) error {
	bytes, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encoding value for %s", key)
	}
	m.mu.Lock()
	m.values[key] = bytes
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.values, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if l, ok := m.locks[name]; ok && l.owner != owner && now.Before(l.expires) {
		return false, nil
	}
	m.locks[name] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (m *Memory) Release(ctx context.Context, name, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[name]; ok && l.owner == owner {
		delete(m.locks, name)
	}
	return nil
}
