// Package agent runs the poll cycle: read new lines from every source,
// classify and correlate them, ship what completed, and checkpoint offsets.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"sync"
	"time"

	"github.com/tinytelemetry/mailpulse/internal/correlate"
	"github.com/tinytelemetry/mailpulse/internal/logparse"
	"github.com/tinytelemetry/mailpulse/internal/logsource"
	"github.com/tinytelemetry/mailpulse/internal/metrics"
	"github.com/tinytelemetry/mailpulse/internal/model"
	"github.com/tinytelemetry/mailpulse/internal/ship"
)

// OffsetStore persists per-path read offsets between runs.
type OffsetStore interface {
	Load() (map[string]int64, error)
	Save(offsets map[string]int64) error
}

// Config wires a Driver.
type Config struct {
	Sources    []logsource.Reader
	Classifier *logparse.Classifier // default: local time zone
	Correlator *correlate.Correlator
	Shipper    ship.Shipper
	Offsets    OffsetStore
	Metrics    *metrics.Metrics // optional
	Interval   time.Duration    // default model.DefaultInterval
	Now        func() time.Time // default time.Now
}

// Driver owns the correlator and the offsets. RunOnce and Run must not be
// called concurrently; Status may be called from any goroutine.
type Driver struct {
	sources    []logsource.Reader
	classifier *logparse.Classifier
	correlator *correlate.Correlator
	shipper    ship.Shipper
	store      OffsetStore
	metrics    *metrics.Metrics
	interval   time.Duration
	now        func() time.Time

	offsets map[string]int64

	mu     sync.Mutex
	status model.AgentStatus
}

// New validates cfg and restores saved offsets. A corrupt checkpoint is an
// error.
func New(cfg Config) (*Driver, error) {
	if cfg.Correlator == nil {
		return nil, errors.New("agent: correlator is required")
	}
	if cfg.Shipper == nil {
		return nil, errors.New("agent: shipper is required")
	}
	if cfg.Offsets == nil {
		return nil, errors.New("agent: offset store is required")
	}
	if cfg.Classifier == nil {
		cfg.Classifier = logparse.NewClassifier(nil)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = model.DefaultInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	offsets, err := cfg.Offsets.Load()
	if err != nil {
		return nil, fmt.Errorf("agent: restore offsets: %w", err)
	}
	if offsets == nil {
		offsets = map[string]int64{}
	}

	d := &Driver{
		sources:    cfg.Sources,
		classifier: cfg.Classifier,
		correlator: cfg.Correlator,
		shipper:    cfg.Shipper,
		store:      cfg.Offsets,
		metrics:    cfg.Metrics,
		interval:   cfg.Interval,
		now:        cfg.Now,
		offsets:    offsets,
	}
	d.status.Offsets = maps.Clone(offsets)
	return d, nil
}

// Run executes a cycle immediately and then once per interval until ctx is
// cancelled.
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		d.RunOnce(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs one full cycle. Offsets are saved whether or not the
// batch was delivered.
func (d *Driver) RunOnce(ctx context.Context) model.CycleReport {
	started := d.now()
	report := model.CycleReport{
		StartedAt: started,
		LinesRead: map[string]int{},
	}
	evictedBefore := d.correlator.Evicted()

	var batch []model.NormalizedEvent
	for _, src := range d.sources {
		batch = d.drain(src, batch, &report)
	}

	flushed := d.correlator.Sweep(d.now())
	report.Flushed = len(flushed)
	d.countEmitted(metrics.ReasonTimeout, len(flushed))
	batch = append(batch, flushed...)
	report.Emitted = len(batch)

	if evicted := d.correlator.Evicted() - evictedBefore; evicted > 0 {
		report.Evicted = evicted
		log.Printf("agent: cache full, dropped %d open transactions unflushed", evicted)
		if d.metrics != nil {
			d.metrics.Evictions.Add(float64(evicted))
		}
	}

	if len(batch) > 0 {
		if err := d.shipper.Ship(ctx, batch); err != nil {
			report.ShipError = err.Error()
			log.Printf("agent: ship %d events: %v", len(batch), err)
			if d.metrics != nil {
				d.metrics.ShipFailures.Inc()
			}
		} else {
			report.Shipped = true
			if d.metrics != nil {
				d.metrics.BatchesShipped.Inc()
			}
		}
	}

	if err := d.store.Save(d.offsets); err != nil {
		report.SaveError = err.Error()
		log.Printf("agent: save offsets: %v", err)
		if d.metrics != nil {
			d.metrics.CheckpointErrors.Inc()
		}
	}

	report.Duration = d.now().Sub(started)
	d.publish(report)
	return report
}

// drain reads one source to its current end and feeds every line through
// the classifier and correlator.
func (d *Driver) drain(src logsource.Reader, batch []model.NormalizedEvent, report *model.CycleReport) []model.NormalizedEvent {
	source := src.Source()
	offset := d.offsets[source.Path]

	chunk, err := src.ReadNew(offset)
	if err != nil {
		log.Printf("agent: read %s %s: %v", source.Kind, source.Path, err)
		if report.SourceErrors == nil {
			report.SourceErrors = map[string]string{}
		}
		report.SourceErrors[source.Path] = err.Error()
		return batch
	}
	if chunk.Missing {
		return batch
	}

	for _, line := range chunk.Lines {
		ev, ok := d.classifier.Classify(source.Kind, line)
		if !ok {
			continue
		}
		out, emit := d.correlator.Observe(source.Kind, ev)
		if !emit {
			continue
		}
		reason := metrics.ReasonPassThrough
		if ev.TransactionID != "" {
			reason = metrics.ReasonCompletion
		}
		d.countEmitted(reason, 1)
		batch = append(batch, out)
	}

	report.LinesRead[string(source.Kind)] += len(chunk.Lines)
	if d.metrics != nil {
		d.metrics.LinesRead.WithLabelValues(string(source.Kind)).Add(float64(len(chunk.Lines)))
	}
	d.offsets[source.Path] = chunk.Offset
	return batch
}

func (d *Driver) countEmitted(reason string, n int) {
	if d.metrics == nil || n == 0 {
		return
	}
	d.metrics.EventsEmitted.WithLabelValues(reason).Add(float64(n))
}

func (d *Driver) publish(report model.CycleReport) {
	open := d.correlator.Len()
	if d.metrics != nil {
		d.metrics.OpenTransactions.Set(float64(open))
		d.metrics.CycleDuration.Observe(report.Duration.Seconds())
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.status.OpenTransactions = open
	d.status.Evicted = d.correlator.Evicted()
	d.status.Offsets = maps.Clone(d.offsets)
	d.status.Cycles++
	d.status.LastCycle = &report
}

// Status returns a snapshot taken at the end of the last cycle.
func (d *Driver) Status() model.AgentStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.status
	st.Offsets = maps.Clone(d.status.Offsets)
	if d.status.LastCycle != nil {
		last := *d.status.LastCycle
		st.LastCycle = &last
	}
	return st
}

// Offset returns the current in-memory offset for path. Like RunOnce it
// must not race with a running cycle.
func (d *Driver) Offset(path string) int64 {
	return d.offsets[path]
}
