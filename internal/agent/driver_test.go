package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/mailpulse/internal/checkpoint"
	"github.com/tinytelemetry/mailpulse/internal/correlate"
	"github.com/tinytelemetry/mailpulse/internal/logparse"
	"github.com/tinytelemetry/mailpulse/internal/logsource"
	"github.com/tinytelemetry/mailpulse/internal/metrics"
	"github.com/tinytelemetry/mailpulse/internal/model"
	"github.com/tinytelemetry/mailpulse/internal/ship"
)

var start = time.Date(2025, 10, 25, 10, 0, 10, 0, time.UTC)

type recordingShipper struct {
	mu      sync.Mutex
	batches [][]model.NormalizedEvent
	err     error
}

func (r *recordingShipper) Ship(_ context.Context, events []model.NormalizedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]model.NormalizedEvent(nil), events...))
	return r.err
}

func (r *recordingShipper) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	dir     string
	paths   map[model.SourceKind]string
	store   *checkpoint.Store
	shipper ship.Shipper
	clock   *clock
	metrics *metrics.Metrics
	driver  *Driver
}

func newFixture(t *testing.T, shipper ship.Shipper) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:     dir,
		paths:   map[model.SourceKind]string{},
		shipper: shipper,
		clock:   &clock{t: start},
	}
	for _, kind := range model.SourceKinds {
		f.paths[kind] = filepath.Join(dir, string(kind))
	}
	store, err := checkpoint.Open(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	f.store = store
	f.metrics, _ = metrics.New(nil)
	f.driver = f.build(t)
	return f
}

func (f *fixture) build(t *testing.T) *Driver {
	t.Helper()
	corr, err := correlate.New(correlate.Config{MaxEntries: 100, FlushAfter: 600 * time.Second, ServerName: "mx1"})
	require.NoError(t, err)

	var sources []logsource.Reader
	for _, kind := range model.SourceKinds {
		sources = append(sources, logsource.NewFileSource(model.LogSource{Kind: kind, Path: f.paths[kind]}))
	}
	d, err := New(Config{
		Sources:    sources,
		Classifier: logparse.NewClassifier(time.UTC),
		Correlator: corr,
		Shipper:    f.shipper,
		Offsets:    f.store,
		Metrics:    f.metrics,
		Now:        f.clock.now,
	})
	require.NoError(t, err)
	return d
}

func (f *fixture) appendLines(t *testing.T, kind model.SourceKind, lines ...string) {
	t.Helper()
	fh, err := os.OpenFile(f.paths[kind], os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer fh.Close()
	for _, line := range lines {
		_, err := fh.WriteString(line + "\n")
		require.NoError(t, err)
	}
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.Size()
}

var transaction = []string{
	"2025-10-25 10:00:00 Q1 <= a@b H=mx.b [1.2.3.4] S=1200 id=m1@b",
	"2025-10-25 10:00:01 Q1 => c@d R=dnslookup T=remote_smtp H=mx.d [5.6.7.8]",
	"2025-10-25 10:00:02 Q1 Completed",
}

const rejection = "2025-10-25 10:00:03 H=(x) [9.9.9.9] F=<b@d> rejected RCPT <b@d> -> c@d: 550 no such user"

func TestRunOnce_ShipsInSourceOrderAndSavesOffsets(t *testing.T) {
	t.Parallel()

	rec := &recordingShipper{}
	f := newFixture(t, rec)
	f.appendLines(t, model.KindRejectLog, rejection)
	f.appendLines(t, model.KindMainLog, transaction...)

	report := f.driver.RunOnce(context.Background())

	require.Equal(t, 1, rec.calls())
	batch := rec.batches[0]
	require.Len(t, batch, 2)
	assert.Equal(t, model.KindMainLog, batch[0].Kind)
	assert.Equal(t, "a@b", batch[0].Sender)
	assert.Equal(t, model.StatusDelivered, batch[0].Status)
	assert.Equal(t, model.KindRejectLog, batch[1].Kind)
	assert.Equal(t, "550 no such user", batch[1].Message)

	assert.True(t, report.Shipped)
	assert.Equal(t, 3, report.LinesRead["mainlog"])
	assert.Equal(t, 1, report.LinesRead["rejectlog"])
	assert.Equal(t, 2, report.Emitted)

	saved, err := f.store.Load()
	require.NoError(t, err)
	assert.Equal(t, fileSize(t, f.paths[model.KindMainLog]), saved[f.paths[model.KindMainLog]])
	assert.Equal(t, fileSize(t, f.paths[model.KindRejectLog]), saved[f.paths[model.KindRejectLog]])
	_, tracked := saved[f.paths[model.KindPanicLog]]
	assert.False(t, tracked, "missing file gets no offset")

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.EventsEmitted.WithLabelValues(metrics.ReasonCompletion)))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.EventsEmitted.WithLabelValues(metrics.ReasonPassThrough)))
}

func TestRunOnce_NoNewLinesShipsNothing(t *testing.T) {
	t.Parallel()

	rec := &recordingShipper{}
	f := newFixture(t, rec)
	f.appendLines(t, model.KindMainLog, transaction...)

	f.driver.RunOnce(context.Background())
	before := f.driver.Offset(f.paths[model.KindMainLog])

	report := f.driver.RunOnce(context.Background())
	assert.Equal(t, 1, rec.calls(), "second cycle must not ship")
	assert.False(t, report.Shipped)
	assert.Zero(t, report.LinesRead["mainlog"])
	assert.Equal(t, before, f.driver.Offset(f.paths[model.KindMainLog]))
}

func TestRunOnce_RestartDoesNotReread(t *testing.T) {
	t.Parallel()

	rec := &recordingShipper{}
	f := newFixture(t, rec)
	f.appendLines(t, model.KindMainLog, transaction...)
	f.driver.RunOnce(context.Background())

	restarted := f.build(t)
	restarted.RunOnce(context.Background())
	assert.Equal(t, 1, rec.calls())
}

func TestRunOnce_ShipFailureStillAdvances(t *testing.T) {
	t.Parallel()

	rec := &recordingShipper{err: errors.New("collector down")}
	f := newFixture(t, rec)
	f.appendLines(t, model.KindRejectLog, rejection)

	report := f.driver.RunOnce(context.Background())
	assert.False(t, report.Shipped)
	assert.Equal(t, "collector down", report.ShipError)

	saved, err := f.store.Load()
	require.NoError(t, err)
	assert.Equal(t, fileSize(t, f.paths[model.KindRejectLog]), saved[f.paths[model.KindRejectLog]])

	f.driver.RunOnce(context.Background())
	assert.Equal(t, 1, rec.calls(), "lost batch is not retried")
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ShipFailures))
}

func TestRunOnce_AllSourcesMissing(t *testing.T) {
	t.Parallel()

	rec := &recordingShipper{}
	f := newFixture(t, rec)

	report := f.driver.RunOnce(context.Background())
	assert.Zero(t, rec.calls())
	assert.Empty(t, report.SourceErrors)
	for _, path := range f.paths {
		assert.Zero(t, f.driver.Offset(path))
	}
}

func TestRunOnce_FlushesIdleTransaction(t *testing.T) {
	t.Parallel()

	rec := &recordingShipper{}
	f := newFixture(t, rec)
	f.appendLines(t, model.KindMainLog,
		"2025-10-25 10:00:00 Q2 <= x@y",
		"2025-10-25 10:00:05 Q2 == z@w R=dnslookup T=remote_smtp defer (-53): connection timed out",
	)

	f.driver.RunOnce(context.Background())
	assert.Zero(t, rec.calls())
	assert.Equal(t, 1, f.driver.Status().OpenTransactions)

	f.clock.advance(time.Hour)
	report := f.driver.RunOnce(context.Background())
	require.Equal(t, 1, rec.calls())
	assert.Equal(t, 1, report.Flushed)
	ev := rec.batches[0][0]
	assert.Equal(t, model.StatusDeferred, ev.Status)
	assert.Contains(t, ev.Message, "connection timed out")
	assert.Zero(t, f.driver.Status().OpenTransactions)
}

func TestRunOnce_PartialLineWaits(t *testing.T) {
	t.Parallel()

	rec := &recordingShipper{}
	f := newFixture(t, rec)
	path := f.paths[model.KindRejectLog]
	require.NoError(t, os.WriteFile(path, []byte(rejection[:20]), 0o644))

	f.driver.RunOnce(context.Background())
	assert.Zero(t, f.driver.Offset(path))
	assert.Zero(t, rec.calls())

	fh, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = fh.WriteString(rejection[20:] + "\n")
	require.NoError(t, err)
	require.NoError(t, fh.Close())

	f.driver.RunOnce(context.Background())
	require.Equal(t, 1, rec.calls())
	assert.Equal(t, "c@d", rec.batches[0][0].Recipient)
}

func TestRunOnce_OverHTTP(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		bodies [][]byte
	)
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.Header.Get(ship.HeaderAPIKey))
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(collector.Close)

	shipper, err := ship.NewHTTPShipper(ship.HTTPConfig{URL: collector.URL, APIKey: "k"})
	require.NoError(t, err)
	f := newFixture(t, shipper)
	f.appendLines(t, model.KindMainLog, transaction...)

	report := f.driver.RunOnce(context.Background())
	require.True(t, report.Shipped, report.ShipError)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	var events []map[string]any
	require.NoError(t, json.Unmarshal(bodies[0], &events))
	require.Len(t, events, 1)
	assert.Equal(t, "mx1", events[0]["server_name"])
	assert.Equal(t, "2025-10-25T10:00:00", events[0]["timestamp"])
	assert.Equal(t, "c@d", events[0]["recipient"])
}

func TestNew_CorruptCheckpoint(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	store, err := checkpoint.Open(path)
	require.NoError(t, err)
	corr, err := correlate.New(correlate.Config{})
	require.NoError(t, err)

	_, err = New(Config{Correlator: corr, Shipper: ship.Discard{}, Offsets: store})
	require.Error(t, err)
	assert.ErrorIs(t, err, checkpoint.ErrCorrupt)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	assert.Error(t, err)
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	rec := &recordingShipper{}
	f := newFixture(t, rec)
	f.appendLines(t, model.KindRejectLog, rejection)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.driver.Run(ctx) }()

	require.Eventually(t, func() bool { return f.driver.Status().Cycles >= 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 1, rec.calls())
}

func TestStatus_IsACopy(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &recordingShipper{})
	f.appendLines(t, model.KindMainLog, transaction[0])
	f.driver.RunOnce(context.Background())

	st := f.driver.Status()
	st.Offsets[f.paths[model.KindMainLog]] = 999
	assert.NotEqual(t, int64(999), f.driver.Status().Offsets[f.paths[model.KindMainLog]])
	assert.Equal(t, uint64(1), f.driver.Status().Cycles)
}
