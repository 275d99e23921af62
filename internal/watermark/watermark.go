// Package watermark keeps the per-peer sync boundaries and the single-flight
// lock that serializes sync cycles for one peer.
//
// A watermark is the capture timestamp of the last snapshot a peer confirmed
// as fully merged. It only moves forward. Every cycle for a peer runs under
// Lock, which combines an in-process guard with an advisory file lock so two
// processes on the same host cannot interleave either.
package watermark

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/gofrs/flock"

	"github.com/roach88/agencysync/internal/engine"
	"github.com/roach88/agencysync/internal/snapshot"
	"github.com/roach88/agencysync/internal/store"
)

var (
	// ErrBusy is returned by Lock when another cycle holds the peer's lock.
	ErrBusy = errors.New("sync already in progress")

	// ErrRegression is returned by Set when the new value is older than the
	// stored one.
	ErrRegression = store.ErrWatermarkRegression
)

var nodeIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidNodeID reports whether id can name a peer. Node ids end up in file
// names, so path separators are rejected.
func ValidNodeID(id string) bool {
	return nodeIDPattern.MatchString(id)
}

// Service reads and advances watermarks.
type Service struct {
	store   *store.Store
	lockDir string
	clock   engine.Clock

	mu   sync.Mutex
	held map[string]*Lock
}

// New creates a service. Lock files are created in lockDir; an empty lockDir
// limits locking to the current process.
func New(st *store.Store, lockDir string, clock engine.Clock) *Service {
	if clock == nil {
		clock = engine.SystemClock{}
	}
	return &Service{
		store:   st,
		lockDir: lockDir,
		clock:   clock,
		held:    make(map[string]*Lock),
	}
}

// Get returns the watermark timestamp of node, or nil if the peer has never
// confirmed a snapshot.
func (s *Service) Get(ctx context.Context, node string) (*snapshot.Timestamp, error) {
	w, ok, err := s.store.GetWatermark(ctx, node)
	if err != nil {
		return nil, &engine.DataAccessError{Op: "get watermark", Err: err}
	}
	if !ok {
		return nil, nil
	}
	ts := w.LastSyncTimestamp
	return &ts, nil
}

// Set advances the watermark of node to ts.
//
// ts must be the capture timestamp of the snapshot the peer just confirmed.
// Moving backwards fails with ErrRegression.
func (s *Service) Set(ctx context.Context, node string, ts snapshot.Timestamp) error {
	if !ValidNodeID(node) {
		return fmt.Errorf("set watermark: invalid node id %q", node)
	}
	err := s.store.SetWatermark(ctx, node, ts, snapshot.NewTimestamp(s.clock.Now()))
	if errors.Is(err, store.ErrWatermarkRegression) {
		return err
	}
	if err != nil {
		return &engine.DataAccessError{Op: "set watermark", Err: err}
	}
	slog.Info("watermark advanced", "node", node, "timestamp", ts.String())
	return nil
}

// List returns every stored watermark ordered by node id.
func (s *Service) List(ctx context.Context) ([]store.Watermark, error) {
	ws, err := s.store.ListWatermarks(ctx)
	if err != nil {
		return nil, &engine.DataAccessError{Op: "list watermarks", Err: err}
	}
	return ws, nil
}

// Lock is a held single-flight lock for one peer.
type Lock struct {
	svc  *Service
	node string
	file *flock.Flock
}

// Lock acquires the single-flight lock of node without waiting. It fails
// with ErrBusy when another cycle, in this process or another, holds it.
func (s *Service) Lock(ctx context.Context, node string) (*Lock, error) {
	if !ValidNodeID(node) {
		return nil, fmt.Errorf("lock: invalid node id %q", node)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held[node] != nil {
		return nil, fmt.Errorf("lock %s: %w", node, ErrBusy)
	}

	l := &Lock{svc: s, node: node}
	if s.lockDir != "" {
		if err := os.MkdirAll(s.lockDir, 0o755); err != nil {
			return nil, fmt.Errorf("lock %s: %w", node, err)
		}
		l.file = flock.New(filepath.Join(s.lockDir, node+".lock"))
		ok, err := l.file.TryLock()
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", node, err)
		}
		if !ok {
			return nil, fmt.Errorf("lock %s: %w", node, ErrBusy)
		}
	}
	s.held[node] = l
	slog.Debug("peer locked", "node", node)
	return l, nil
}

// Unlock releases the lock. Calling it twice, or after the node was locked
// again by someone else, is a no-op.
func (l *Lock) Unlock() error {
	l.svc.mu.Lock()
	defer l.svc.mu.Unlock()
	if l.svc.held[l.node] != l {
		return nil
	}
	delete(l.svc.held, l.node)
	if l.file != nil {
		if err := l.file.Unlock(); err != nil {
			return fmt.Errorf("unlock %s: %w", l.node, err)
		}
	}
	slog.Debug("peer unlocked", "node", l.node)
	return nil
}
