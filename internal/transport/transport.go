// Package transport moves snapshot and acknowledgement blobs between nodes.
//
// The merge engine never talks to a transport directly: the syncer hands it
// encoded blobs and relative paths of the form
//
//	<node>/inbox/<from>.snapshot.json
//	<node>/acks/<from>.ack.json
//
// Every failure, including a timeout, surfaces as *Error. A failed transfer
// aborts the sync attempt and leaves the watermark where it was.
package transport

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// Code is the error code reported for transport failures.
const Code = "TRANSPORT"

// ErrNotFound is wrapped by Get when nothing was published at the path.
var ErrNotFound = errors.New("blob not found")

// Transport publishes and fetches opaque blobs.
type Transport interface {
	// Put publishes blob at dest, replacing any previous blob there.
	// Readers never observe a partially written blob.
	Put(ctx context.Context, blob []byte, dest string) error

	// Get returns the blob published at source.
	Get(ctx context.Context, source string) ([]byte, error)
}

// Error reports a failed transfer.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", Code, e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransport reports whether err is a transport failure.
func IsTransport(err error) bool {
	var te *Error
	return errors.As(err, &te)
}

// IsNotFound reports whether err means nothing was published at the path.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// InboxPath is where from drops snapshots for node.
func InboxPath(node, from string) string {
	return path.Join(node, "inbox", from+".snapshot.json")
}

// AckPath is where from drops acknowledgements for node.
func AckPath(node, from string) string {
	return path.Join(node, "acks", from+".ack.json")
}

// cleanPath validates a slash-separated relative path.
func cleanPath(p string) (string, error) {
	if p == "" {
		return "", errors.New("empty path")
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", fmt.Errorf("path %q must be relative and slash-separated", p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path %q escapes the transport root", p)
	}
	return clean, nil
}
