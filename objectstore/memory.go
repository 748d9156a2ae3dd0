package objectstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"rekkord/rekkorderr"
)

// Memory is an in-process ObjectStore used by tests across the module. It
// is not addressable through a repository URL, only a test double standing
// in for Local/Badger/S3/SFTP behind the same Store contract.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Put(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return rekkorderr.New(rekkorderr.Cancelled, "put", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte(nil), data...)
	m.data[path] = cp
	return nil
}

func (m *Memory) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, rekkorderr.New(rekkorderr.Cancelled, "get", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[path]
	if !ok {
		return nil, rekkorderr.New(rekkorderr.NotFound, "get", errNotFound(path))
	}
	return append([]byte(nil), data...), nil
}

type errNotFound string

func (e errNotFound) Error() string { return "not found: " + string(e) }

func (m *Memory) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, rekkorderr.New(rekkorderr.Cancelled, "exists", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[path]
	return ok, nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, rekkorderr.New(rekkorderr.Cancelled, "list", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return rekkorderr.New(rekkorderr.Cancelled, "delete", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, path)
	return nil
}

func (m *Memory) URL(path string) string {
	return "memory:///" + path
}

func (m *Memory) Close() error { return nil }
