package transport

import (
	"context"
	"slices"
	"sync"
)

// Memory is an in-process transport for tests and single-host setups.
type Memory struct {
	mu    sync.Mutex
	blobs map[string][]byte
	fail  []error
}

// NewMemory creates an empty in-memory transport.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

// FailNext makes the next len(errs) calls fail with the given errors, in
// order.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = append(m.fail, errs...)
}

// Put stores a copy of blob at dest.
func (m *Memory) Put(ctx context.Context, blob []byte, dest string) error {
	rel, err := cleanPath(dest)
	if err != nil {
		return &Error{Op: "put", Path: dest, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return &Error{Op: "put", Path: rel, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return &Error{Op: "put", Path: rel, Err: err}
	}
	m.blobs[rel] = slices.Clone(blob)
	return nil
}

// Get returns a copy of the blob at source.
func (m *Memory) Get(ctx context.Context, source string) ([]byte, error) {
	rel, err := cleanPath(source)
	if err != nil {
		return nil, &Error{Op: "get", Path: source, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, &Error{Op: "get", Path: rel, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return nil, &Error{Op: "get", Path: rel, Err: err}
	}
	blob, ok := m.blobs[rel]
	if !ok {
		return nil, &Error{Op: "get", Path: rel, Err: ErrNotFound}
	}
	return slices.Clone(blob), nil
}

// Paths lists every published path in sorted order.
func (m *Memory) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.blobs))
	for p := range m.blobs {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

func (m *Memory) injected() error {
	if len(m.fail) == 0 {
		return nil
	}
	err := m.fail[0]
	m.fail = m.fail[1:]
	return err
}
