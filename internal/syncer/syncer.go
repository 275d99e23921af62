// Package syncer runs the push / receive / confirm cycle between nodes.
//
// PROTOCOL
//
// For every configured peer, one cycle is:
//
//  1. Confirm: read the peer's acknowledgement. If it names a snapshot this
//     node pushed and reports zero row errors, advance the peer's watermark
//     to that snapshot's capture timestamp.
//  2. Receive: fetch the snapshot the peer dropped in this node's inbox,
//     merge it, and publish an acknowledgement back.
//  3. Push: export everything changed since the peer's watermark and drop it
//     in the peer's inbox.
//
// The watermark only moves on a clean acknowledgement, so a failed or partial
// merge is retried by the next push. Imports are idempotent, which makes the
// overlap harmless.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/agencysync/internal/engine"
	"github.com/roach88/agencysync/internal/snapshot"
	"github.com/roach88/agencysync/internal/transport"
	"github.com/roach88/agencysync/internal/watermark"
)

// maxOutstanding bounds the pushed snapshots awaiting an acknowledgement.
const maxOutstanding = 8

// Exporter produces snapshots of the local store.
type Exporter interface {
	Export(ctx context.Context, scope engine.Scope) (*snapshot.Snapshot, error)
}

// Importer merges snapshots into the local store.
type Importer interface {
	Import(ctx context.Context, snap *snapshot.Snapshot, target engine.TargetScope) (*engine.ImportReport, error)
}

// Peer is a node this node exchanges snapshots with.
type Peer struct {
	NodeID string

	// TargetAgency rebinds agency-owned rows received from this peer.
	// Nil keeps the agencies named in the snapshot.
	TargetAgency *int64

	// IncludeAccounts exports the accounts collection to this peer.
	IncludeAccounts bool
}

// Options configures a Syncer.
type Options struct {
	// NodeID names this node in transport paths and acknowledgements.
	NodeID string

	// Agency limits pushed snapshots to one agency. Nil pushes everything.
	Agency *int64

	Peers      []Peer
	Exporter   Exporter
	Importer   Importer
	Watermarks *watermark.Service
	Transport  transport.Transport

	// Timeout bounds every transport call. Zero means no bound.
	Timeout time.Duration
}

// Ack is what a receiver publishes after merging a snapshot.
type Ack struct {
	SnapshotID string             `json:"snapshot_id"`
	CapturedAt snapshot.Timestamp `json:"captured_at"`
	Created    int                `json:"created"`
	Updated    int                `json:"updated"`
	Errors     int                `json:"errors"`
}

// outstanding is a pushed snapshot awaiting acknowledgement.
type outstanding struct {
	SnapshotID string
	CapturedAt snapshot.Timestamp
}

// Syncer exchanges snapshots with a fixed set of peers.
type Syncer struct {
	opts  Options
	peers map[string]Peer

	mu       sync.Mutex
	pending  map[string][]outstanding
	received map[string]string
}

// New validates opts and creates a Syncer.
func New(opts Options) (*Syncer, error) {
	if !watermark.ValidNodeID(opts.NodeID) {
		return nil, fmt.Errorf("syncer: invalid node id %q", opts.NodeID)
	}
	if opts.Exporter == nil || opts.Importer == nil || opts.Watermarks == nil || opts.Transport == nil {
		return nil, errors.New("syncer: exporter, importer, watermarks and transport are required")
	}
	peers := make(map[string]Peer, len(opts.Peers))
	for _, p := range opts.Peers {
		if !watermark.ValidNodeID(p.NodeID) {
			return nil, fmt.Errorf("syncer: invalid peer id %q", p.NodeID)
		}
		if p.NodeID == opts.NodeID {
			return nil, fmt.Errorf("syncer: node %q cannot peer with itself", p.NodeID)
		}
		if _, dup := peers[p.NodeID]; dup {
			return nil, fmt.Errorf("syncer: duplicate peer %q", p.NodeID)
		}
		peers[p.NodeID] = p
	}
	return &Syncer{
		opts:     opts,
		peers:    peers,
		pending:  make(map[string][]outstanding),
		received: make(map[string]string),
	}, nil
}

// Peers returns the configured peers in declaration order.
func (s *Syncer) Peers() []Peer {
	return slices.Clone(s.opts.Peers)
}

func (s *Syncer) peer(id string) (Peer, error) {
	p, ok := s.peers[id]
	if !ok {
		return Peer{}, fmt.Errorf("unknown peer %q", id)
	}
	return p, nil
}

func (s *Syncer) transportCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opts.Timeout)
}

// Push exports the changes the peer has not confirmed yet and drops them in
// its inbox. It returns the header of the pushed snapshot.
func (s *Syncer) Push(ctx context.Context, peerID string) (snapshot.Header, error) {
	peer, err := s.peer(peerID)
	if err != nil {
		return snapshot.Header{}, fmt.Errorf("push: %w", err)
	}
	lock, err := s.opts.Watermarks.Lock(ctx, peer.NodeID)
	if err != nil {
		return snapshot.Header{}, fmt.Errorf("push %s: %w", peer.NodeID, err)
	}
	defer lock.Unlock()
	return s.push(ctx, peer)
}

func (s *Syncer) push(ctx context.Context, peer Peer) (snapshot.Header, error) {
	since, err := s.opts.Watermarks.Get(ctx, peer.NodeID)
	if err != nil {
		return snapshot.Header{}, fmt.Errorf("push %s: %w", peer.NodeID, err)
	}
	scope := engine.Scope{Agency: s.opts.Agency, IncludeAccounts: peer.IncludeAccounts}
	if since != nil {
		t := since.Time()
		scope.Since = &t
	}

	snap, err := s.opts.Exporter.Export(ctx, scope)
	if err != nil {
		return snapshot.Header{}, fmt.Errorf("push %s: %w", peer.NodeID, err)
	}
	blob, err := snapshot.Encode(snap)
	if err != nil {
		return snapshot.Header{}, fmt.Errorf("push %s: %w", peer.NodeID, err)
	}

	tctx, cancel := s.transportCtx(ctx)
	defer cancel()
	if err := s.opts.Transport.Put(tctx, blob, transport.InboxPath(peer.NodeID, s.opts.NodeID)); err != nil {
		return snapshot.Header{}, fmt.Errorf("push %s: %w", peer.NodeID, err)
	}

	s.mu.Lock()
	list := append(s.pending[peer.NodeID], outstanding{SnapshotID: snap.SnapshotID, CapturedAt: snap.CapturedAt})
	if len(list) > maxOutstanding {
		list = list[len(list)-maxOutstanding:]
	}
	s.pending[peer.NodeID] = list
	s.mu.Unlock()

	slog.Info("snapshot pushed",
		"peer", peer.NodeID,
		"snapshot", snap.SnapshotID,
		"captured_at", snap.CapturedAt.String(),
		"rows", snap.Len())
	return snap.Header, nil
}

// Receive merges the snapshot the peer dropped in this node's inbox and
// acknowledges it. It returns nil when there is nothing new.
func (s *Syncer) Receive(ctx context.Context, peerID string) (*engine.ImportReport, error) {
	peer, err := s.peer(peerID)
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	lock, err := s.opts.Watermarks.Lock(ctx, peer.NodeID)
	if err != nil {
		return nil, fmt.Errorf("receive %s: %w", peer.NodeID, err)
	}
	defer lock.Unlock()
	return s.receive(ctx, peer)
}

func (s *Syncer) receive(ctx context.Context, peer Peer) (*engine.ImportReport, error) {
	tctx, cancel := s.transportCtx(ctx)
	blob, err := s.opts.Transport.Get(tctx, transport.InboxPath(s.opts.NodeID, peer.NodeID))
	cancel()
	if transport.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receive %s: %w", peer.NodeID, err)
	}

	snap, err := snapshot.Decode(blob)
	if err != nil {
		return nil, fmt.Errorf("receive %s: %w", peer.NodeID, err)
	}

	s.mu.Lock()
	seen := s.received[peer.NodeID] == snap.SnapshotID
	s.mu.Unlock()
	if seen {
		slog.Debug("snapshot already merged", "peer", peer.NodeID, "snapshot", snap.SnapshotID)
		return nil, nil
	}

	report, err := s.opts.Importer.Import(ctx, snap, engine.TargetScope{Agency: peer.TargetAgency})
	if err != nil {
		return nil, fmt.Errorf("receive %s: %w", peer.NodeID, err)
	}

	totals := report.Totals()
	ack := Ack{
		SnapshotID: snap.SnapshotID,
		CapturedAt: snap.CapturedAt,
		Created:    totals.Created,
		Updated:    totals.Updated,
		Errors:     len(report.Errors),
	}
	data, err := json.MarshalIndent(ack, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("receive %s: encode ack: %w", peer.NodeID, err)
	}

	tctx, cancel = s.transportCtx(ctx)
	defer cancel()
	if err := s.opts.Transport.Put(tctx, data, transport.AckPath(peer.NodeID, s.opts.NodeID)); err != nil {
		return report, fmt.Errorf("receive %s: %w", peer.NodeID, err)
	}

	s.mu.Lock()
	s.received[peer.NodeID] = snap.SnapshotID
	s.mu.Unlock()

	slog.Info("snapshot received",
		"peer", peer.NodeID,
		"snapshot", snap.SnapshotID,
		"created", ack.Created,
		"updated", ack.Updated,
		"errors", ack.Errors)
	return report, nil
}

// Confirm reads the peer's acknowledgement and advances its watermark when
// the acknowledged snapshot was pushed by this node and merged cleanly. It
// reports whether the watermark moved.
func (s *Syncer) Confirm(ctx context.Context, peerID string) (bool, error) {
	peer, err := s.peer(peerID)
	if err != nil {
		return false, fmt.Errorf("confirm: %w", err)
	}
	lock, err := s.opts.Watermarks.Lock(ctx, peer.NodeID)
	if err != nil {
		return false, fmt.Errorf("confirm %s: %w", peer.NodeID, err)
	}
	defer lock.Unlock()
	return s.confirm(ctx, peer)
}

func (s *Syncer) confirm(ctx context.Context, peer Peer) (bool, error) {
	tctx, cancel := s.transportCtx(ctx)
	data, err := s.opts.Transport.Get(tctx, transport.AckPath(s.opts.NodeID, peer.NodeID))
	cancel()
	if transport.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("confirm %s: %w", peer.NodeID, err)
	}

	var ack Ack
	if err := json.Unmarshal(data, &ack); err != nil {
		return false, fmt.Errorf("confirm %s: decode ack: %w", peer.NodeID, err)
	}

	if err := s.recoverPending(ctx, peer, ack.SnapshotID); err != nil {
		return false, fmt.Errorf("confirm %s: %w", peer.NodeID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.pending[peer.NodeID]
	i := slices.IndexFunc(list, func(o outstanding) bool { return o.SnapshotID == ack.SnapshotID })
	if i < 0 {
		slog.Debug("ack does not match a pending snapshot", "peer", peer.NodeID, "snapshot", ack.SnapshotID)
		return false, nil
	}
	if ack.Errors > 0 {
		slog.Warn("peer reported merge errors; watermark kept",
			"peer", peer.NodeID, "snapshot", ack.SnapshotID, "errors", ack.Errors)
		s.pending[peer.NodeID] = slices.Delete(list, i, i+1)
		return false, nil
	}

	// The capture time recorded at push is authoritative over the echo.
	captured := list[i].CapturedAt
	if err := s.opts.Watermarks.Set(ctx, peer.NodeID, captured); err != nil {
		if errors.Is(err, watermark.ErrRegression) {
			s.pending[peer.NodeID] = list[i+1:]
			return false, nil
		}
		return false, fmt.Errorf("confirm %s: %w", peer.NodeID, err)
	}
	s.pending[peer.NodeID] = slices.Clone(list[i+1:])
	slog.Info("watermark confirmed", "peer", peer.NodeID, "snapshot", ack.SnapshotID, "timestamp", captured.String())
	return true, nil
}

// recoverPending rebuilds the outstanding entry of an ack this process did
// not push, as after a restart. Only the snapshot still waiting in the peer's
// inbox qualifies, and its own header supplies the capture time.
func (s *Syncer) recoverPending(ctx context.Context, peer Peer, snapshotID string) error {
	s.mu.Lock()
	known := slices.ContainsFunc(s.pending[peer.NodeID], func(o outstanding) bool { return o.SnapshotID == snapshotID })
	s.mu.Unlock()
	if known {
		return nil
	}

	tctx, cancel := s.transportCtx(ctx)
	blob, err := s.opts.Transport.Get(tctx, transport.InboxPath(peer.NodeID, s.opts.NodeID))
	cancel()
	if transport.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var h snapshot.Header
	if err := json.Unmarshal(blob, &h); err != nil {
		return fmt.Errorf("decode pushed snapshot: %w", err)
	}
	if h.SnapshotID != snapshotID || h.SourceNode != s.opts.NodeID {
		return nil
	}

	s.mu.Lock()
	s.pending[peer.NodeID] = append(s.pending[peer.NodeID], outstanding{SnapshotID: h.SnapshotID, CapturedAt: h.CapturedAt})
	s.mu.Unlock()
	slog.Debug("pending snapshot recovered from transport", "peer", peer.NodeID, "snapshot", snapshotID)
	return nil
}

// Tick runs one confirm, receive, push cycle for every peer. A failing peer
// does not stop the others; their errors are joined.
func (s *Syncer) Tick(ctx context.Context) error {
	var errs []error
	for _, peer := range s.opts.Peers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.cycle(ctx, peer); err != nil {
			if errors.Is(err, watermark.ErrBusy) {
				slog.Info("peer busy; skipped", "peer", peer.NodeID)
				continue
			}
			slog.Error("sync cycle failed", "peer", peer.NodeID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Syncer) cycle(ctx context.Context, peer Peer) error {
	lock, err := s.opts.Watermarks.Lock(ctx, peer.NodeID)
	if err != nil {
		return fmt.Errorf("sync %s: %w", peer.NodeID, err)
	}
	defer lock.Unlock()

	if _, err := s.confirm(ctx, peer); err != nil {
		return err
	}
	if _, err := s.receive(ctx, peer); err != nil {
		return err
	}
	_, err = s.push(ctx, peer)
	return err
}

// Run ticks immediately and then every interval until ctx is canceled. A
// tick that overruns the interval delays the next one instead of
// overlapping it. Tick failures are logged and do not stop the loop.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("run: interval must be positive, got %s", interval)
	}
	slog.Info("sync loop started", "node", s.opts.NodeID, "peers", len(s.opts.Peers), "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("sync tick incomplete", "node", s.opts.NodeID, "error", err)
		}
		select {
		case <-ctx.Done():
			slog.Info("sync loop stopped", "node", s.opts.NodeID)
			return nil
		case <-ticker.C:
		}
	}
}
