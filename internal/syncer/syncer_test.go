package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/agencysync/internal/engine"
	"github.com/roach88/agencysync/internal/snapshot"
	"github.com/roach88/agencysync/internal/store"
	"github.com/roach88/agencysync/internal/testutil"
	"github.com/roach88/agencysync/internal/transport"
	"github.com/roach88/agencysync/internal/watermark"
)

// side is one node of a sync pair.
type side struct {
	name       string
	store      *store.Store
	importer   *engine.Importer
	watermarks *watermark.Service
	syncer     *Syncer
}

func newSide(t *testing.T, name string, agency *int64, tr transport.Transport, peers ...Peer) *side {
	t.Helper()
	st := testutil.OpenStore(t)
	clock := testutil.NewDeterministicClock(testutil.Epoch.Add(48*time.Hour), time.Minute)
	exporter := engine.NewExporter(st, engine.ExporterOptions{
		NodeID: name,
		Clock:  clock,
		IDs:    testutil.NewSequenceGenerator("snap-" + name),
	})
	importer := engine.NewImporter(st, engine.ImporterOptions{
		Clock: clock,
		IDs:   testutil.NewSequenceGenerator("run-" + name),
	})
	wm := watermark.New(st, t.TempDir(), clock)
	s, err := New(Options{
		NodeID:     name,
		Agency:     agency,
		Peers:      peers,
		Exporter:   exporter,
		Importer:   importer,
		Watermarks: wm,
		Transport:  tr,
		Timeout:    time.Second,
	})
	require.NoError(t, err)
	return &side{name: name, store: st, importer: importer, watermarks: wm, syncer: s}
}

func (s *side) seed(t *testing.T, recs ...snapshot.Record) {
	t.Helper()
	report, err := s.importer.Import(context.Background(), testutil.NewSnapshot("seed", recs...), engine.TargetScope{})
	require.NoError(t, err)
	require.Empty(t, report.Errors)
}

func (s *side) watermark(t *testing.T, peer string) *snapshot.Timestamp {
	t.Helper()
	ts, err := s.watermarks.Get(context.Background(), peer)
	require.NoError(t, err)
	return ts
}

func alphaData() []snapshot.Record {
	return []snapshot.Record{
		testutil.Agency(1, "Alpha"),
		testutil.Family("GRAIN"),
		testutil.Product("RICE-5KG", 1, "GRAIN", "10.00"),
		testutil.SalesDocument("T-100", 1, testutil.At(3*time.Hour)),
	}
}

func pair(t *testing.T) (*side, *side, *transport.Memory) {
	t.Helper()
	tr := transport.NewMemory()
	a := newSide(t, "node-a", testutil.Ptr(int64(1)), tr, Peer{NodeID: "node-b"})
	b := newSide(t, "node-b", nil, tr, Peer{NodeID: "node-a"})
	a.seed(t, alphaData()...)
	return a, b, tr
}

func inbox(t *testing.T, tr *transport.Memory, node, from string) *snapshot.Snapshot {
	t.Helper()
	blob, err := tr.Get(context.Background(), transport.InboxPath(node, from))
	require.NoError(t, err)
	snap, err := snapshot.Decode(blob)
	require.NoError(t, err)
	return snap
}

func putAck(t *testing.T, tr *transport.Memory, node, from string, ack Ack) {
	t.Helper()
	data, err := json.Marshal(ack)
	require.NoError(t, err)
	require.NoError(t, tr.Put(context.Background(), data, transport.AckPath(node, from)))
}

func TestTick_RoundTripAdvancesWatermark(t *testing.T) {
	ctx := context.Background()
	a, b, tr := pair(t)

	require.NoError(t, a.syncer.Tick(ctx))
	pushed := inbox(t, tr, "node-b", "node-a")
	assert.Nil(t, a.watermark(t, "node-b"), "nothing confirmed yet")

	require.NoError(t, b.syncer.Tick(ctx))
	n, err := b.store.CountRows(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, a.syncer.Tick(ctx))
	wm := a.watermark(t, "node-b")
	require.NotNil(t, wm)
	assert.Equal(t, pushed.CapturedAt, *wm)

	next := inbox(t, tr, "node-b", "node-a")
	require.NotNil(t, next.Since)
	assert.Equal(t, pushed.CapturedAt, *next.Since)
	assert.Empty(t, next.Rows(snapshot.SalesDocuments), "already confirmed rows are not resent")
	assert.Len(t, next.Rows(snapshot.Agencies), 1, "reference data always travels")
}

func TestConfirm_AckWithErrorsKeepsWatermark(t *testing.T) {
	ctx := context.Background()
	a, _, tr := pair(t)

	hdr, err := a.syncer.Push(ctx, "node-b")
	require.NoError(t, err)
	putAck(t, tr, "node-a", "node-b", Ack{SnapshotID: hdr.SnapshotID, CapturedAt: hdr.CapturedAt, Errors: 1})

	moved, err := a.syncer.Confirm(ctx, "node-b")
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Nil(t, a.watermark(t, "node-b"))
}

func TestConfirm_IgnoresUnknownSnapshot(t *testing.T) {
	ctx := context.Background()
	a, _, tr := pair(t)

	_, err := a.syncer.Push(ctx, "node-b")
	require.NoError(t, err)
	putAck(t, tr, "node-a", "node-b", Ack{SnapshotID: "someone-else", CapturedAt: testutil.At(99 * time.Hour)})

	moved, err := a.syncer.Confirm(ctx, "node-b")
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Nil(t, a.watermark(t, "node-b"))
}

func TestConfirm_OlderOutstandingSnapshot(t *testing.T) {
	ctx := context.Background()
	a, _, tr := pair(t)

	first, err := a.syncer.Push(ctx, "node-b")
	require.NoError(t, err)
	_, err = a.syncer.Push(ctx, "node-b")
	require.NoError(t, err)
	putAck(t, tr, "node-a", "node-b", Ack{SnapshotID: first.SnapshotID, CapturedAt: first.CapturedAt})

	moved, err := a.syncer.Confirm(ctx, "node-b")
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, first.CapturedAt, *a.watermark(t, "node-b"))
}

func TestConfirm_UsesCaptureTimeRecordedAtPush(t *testing.T) {
	ctx := context.Background()
	a, _, tr := pair(t)

	hdr, err := a.syncer.Push(ctx, "node-b")
	require.NoError(t, err)
	putAck(t, tr, "node-a", "node-b", Ack{SnapshotID: hdr.SnapshotID, CapturedAt: testutil.At(999 * time.Hour)})

	moved, err := a.syncer.Confirm(ctx, "node-b")
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, hdr.CapturedAt, *a.watermark(t, "node-b"))
}

func TestConfirm_AfterRestartUsesPushedSnapshot(t *testing.T) {
	ctx := context.Background()
	a, _, tr := pair(t)

	hdr, err := a.syncer.Push(ctx, "node-b")
	require.NoError(t, err)
	putAck(t, tr, "node-a", "node-b", Ack{SnapshotID: hdr.SnapshotID, CapturedAt: testutil.At(999 * time.Hour)})

	restarted, err := New(a.syncer.opts)
	require.NoError(t, err)
	moved, err := restarted.Confirm(ctx, "node-b")
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, hdr.CapturedAt, *a.watermark(t, "node-b"))
}

func TestConfirm_AfterRestartIgnoresReplacedSnapshot(t *testing.T) {
	ctx := context.Background()
	a, _, tr := pair(t)

	first, err := a.syncer.Push(ctx, "node-b")
	require.NoError(t, err)
	_, err = a.syncer.Push(ctx, "node-b")
	require.NoError(t, err)
	putAck(t, tr, "node-a", "node-b", Ack{SnapshotID: first.SnapshotID, CapturedAt: first.CapturedAt})

	restarted, err := New(a.syncer.opts)
	require.NoError(t, err)
	moved, err := restarted.Confirm(ctx, "node-b")
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Nil(t, a.watermark(t, "node-b"))
}

func TestPush_TransportFailureLeavesNothingPending(t *testing.T) {
	ctx := context.Background()
	a, _, tr := pair(t)
	tr.FailNext(errors.New("link down"))

	_, err := a.syncer.Push(ctx, "node-b")
	require.Error(t, err)
	assert.True(t, transport.IsTransport(err))

	assert.Empty(t, a.syncer.pending["node-b"])
	assert.Nil(t, a.watermark(t, "node-b"))
}

func TestReceive_DeduplicatesAndAcks(t *testing.T) {
	ctx := context.Background()
	a, b, tr := pair(t)

	hdr, err := a.syncer.Push(ctx, "node-b")
	require.NoError(t, err)

	report, err := b.syncer.Receive(ctx, "node-a")
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.True(t, report.OK())

	data, err := tr.Get(ctx, transport.AckPath("node-a", "node-b"))
	require.NoError(t, err)
	var ack Ack
	require.NoError(t, json.Unmarshal(data, &ack))
	assert.Equal(t, hdr.SnapshotID, ack.SnapshotID)
	assert.Equal(t, hdr.CapturedAt, ack.CapturedAt)
	assert.Equal(t, 4, ack.Created)
	assert.Zero(t, ack.Errors)

	again, err := b.syncer.Receive(ctx, "node-a")
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestReceive_NothingPublished(t *testing.T) {
	_, b, _ := pair(t)

	report, err := b.syncer.Receive(context.Background(), "node-a")

	require.NoError(t, err)
	assert.Nil(t, report)
}

func TestReceive_MalformedSnapshot(t *testing.T) {
	ctx := context.Background()
	_, b, tr := pair(t)
	require.NoError(t, tr.Put(ctx, []byte("{not json"), transport.InboxPath("node-b", "node-a")))

	_, err := b.syncer.Receive(ctx, "node-a")

	var se *snapshot.SerializationError
	require.ErrorAs(t, err, &se)
	_, err = tr.Get(ctx, transport.AckPath("node-a", "node-b"))
	assert.True(t, transport.IsNotFound(err), "no ack for a snapshot that was not merged")
}

func TestTick_SkipsBusyPeer(t *testing.T) {
	ctx := context.Background()
	a, _, tr := pair(t)
	lock, err := a.watermarks.Lock(ctx, "node-b")
	require.NoError(t, err)
	defer lock.Unlock()

	require.NoError(t, a.syncer.Tick(ctx))
	assert.Empty(t, tr.Paths())

	_, err = a.syncer.Push(ctx, "node-b")
	assert.ErrorIs(t, err, watermark.ErrBusy)
}

func TestTick_JoinsPeerErrors(t *testing.T) {
	ctx := context.Background()
	a, _, tr := pair(t)
	tr.FailNext(errors.New("link down"))

	err := a.syncer.Tick(ctx)

	require.Error(t, err)
	assert.True(t, transport.IsTransport(err))
}

func TestRun_StopsOnCancel(t *testing.T) {
	a, _, tr := pair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, a.syncer.Run(ctx, 10*time.Millisecond))
	assert.Contains(t, tr.Paths(), transport.InboxPath("node-b", "node-a"))

	assert.Error(t, a.syncer.Run(context.Background(), 0))
}

func TestNew_Validation(t *testing.T) {
	tr := transport.NewMemory()
	base := func() Options {
		st := testutil.OpenStore(t)
		return Options{
			NodeID:     "node-a",
			Exporter:   engine.NewExporter(st, engine.ExporterOptions{}),
			Importer:   engine.NewImporter(st, engine.ImporterOptions{}),
			Watermarks: watermark.New(st, "", nil),
			Transport:  tr,
		}
	}

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"bad node id", func(o *Options) { o.NodeID = "a/b" }},
		{"missing transport", func(o *Options) { o.Transport = nil }},
		{"self peer", func(o *Options) { o.Peers = []Peer{{NodeID: "node-a"}} }},
		{"duplicate peer", func(o *Options) { o.Peers = []Peer{{NodeID: "x"}, {NodeID: "x"}} }},
		{"bad peer id", func(o *Options) { o.Peers = []Peer{{NodeID: ".."}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := base()
			tt.mutate(&opts)
			_, err := New(opts)
			assert.Error(t, err)
		})
	}

	s, err := New(base())
	require.NoError(t, err)
	_, err = s.Push(context.Background(), "nobody")
	assert.Error(t, err)
}

func TestRun_LogsFailedTick(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	a, _, tr := pair(t)
	tr.FailNext(errors.New("link down"))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	require.NoError(t, a.syncer.Run(ctx, 10*time.Millisecond))

	out := buf.String()
	assert.Contains(t, out, "sync tick incomplete")
	assert.Contains(t, out, "link down")
}
