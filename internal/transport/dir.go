package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DirOptions configures a directory transport.
type DirOptions struct {
	// Retries is the number of attempts after the first one. Zero disables
	// retrying.
	Retries uint

	// InitialInterval is the first wait between attempts. Defaults to 200ms.
	InitialInterval time.Duration

	// MaxInterval caps the wait between attempts. Defaults to 5s.
	MaxInterval time.Duration
}

// Dir is a file-drop transport rooted at a directory, typically a shared
// mount or a folder another tool mirrors between hosts.
type Dir struct {
	root string
	opts DirOptions
}

// NewDir creates a directory transport. The root is created on first Put.
func NewDir(root string, opts DirOptions) *Dir {
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 200 * time.Millisecond
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 5 * time.Second
	}
	return &Dir{root: root, opts: opts}
}

// Root returns the directory the transport writes under.
func (d *Dir) Root() string {
	return d.root
}

// Put writes blob to a temporary file next to dest and renames it into
// place.
func (d *Dir) Put(ctx context.Context, blob []byte, dest string) error {
	rel, err := cleanPath(dest)
	if err != nil {
		return &Error{Op: "put", Path: dest, Err: err}
	}
	target := filepath.Join(d.root, filepath.FromSlash(rel))

	_, err = retry(ctx, d, "put", rel, func() (struct{}, error) {
		return struct{}{}, writeAtomic(target, blob)
	})
	if err != nil {
		return &Error{Op: "put", Path: rel, Err: err}
	}
	slog.Debug("blob published", "path", rel, "bytes", len(blob))
	return nil
}

// Get reads the blob at source. A missing file wraps ErrNotFound and is not
// retried.
func (d *Dir) Get(ctx context.Context, source string) ([]byte, error) {
	rel, err := cleanPath(source)
	if err != nil {
		return nil, &Error{Op: "get", Path: source, Err: err}
	}
	target := filepath.Join(d.root, filepath.FromSlash(rel))

	blob, err := retry(ctx, d, "get", rel, func() ([]byte, error) {
		data, err := os.ReadFile(target)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, backoff.Permanent(ErrNotFound)
		}
		return data, err
	})
	if err != nil {
		return nil, &Error{Op: "get", Path: rel, Err: err}
	}
	return blob, nil
}

// retry runs op under the adapter's backoff policy. Each attempt runs on its
// own goroutine so a hung filesystem cannot outlive ctx.
func retry[T any](ctx context.Context, d *Dir, op, rel string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.InitialInterval
	b.MaxInterval = d.opts.MaxInterval

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := withContext(ctx, fn)
		if err != nil && ctx.Err() == nil && !isPermanent(err) {
			slog.Warn("transport attempt failed", "op", op, "path", rel, "attempt", attempt, "error", err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(d.opts.Retries+1))
}

func isPermanent(err error) bool {
	var pe *backoff.PermanentError
	return errors.As(err, &pe)
}

func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, backoff.Permanent(err)
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		return zero, backoff.Permanent(ctx.Err())
	}
}

func writeAtomic(target string, blob []byte) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, target); err != nil {
		os.Remove(name)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
