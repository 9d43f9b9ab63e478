package correlate

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/tinytelemetry/mailpulse/internal/model"
)

// Config holds correlator parameters.
type Config struct {
	MaxEntries int
	FlushAfter time.Duration
	ServerName string

	// OnEvict is called with every transaction dropped to make room.
	OnEvict func(*Transaction)
}

// Correlator merges partial line events into per-queue-id transactions and
// decides when each one is flushed. It is not safe for concurrent use.
//
// Entries keep their insertion position when updated, so a full cache
// drops the transaction that was opened first, not the least recently
// touched one.
type Correlator struct {
	cfg     Config
	open    *simplelru.LRU[string, *Transaction]
	evicted uint64
}

// New creates a correlator. Zero values in cfg take the package defaults.
func New(cfg Config) (*Correlator, error) {
	if cfg.MaxEntries < 0 {
		return nil, errors.New("correlate: negative cache bound")
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = model.DefaultMaxTransaction
	}
	if cfg.FlushAfter <= 0 {
		cfg.FlushAfter = model.DefaultFlushAfter
	}
	open, err := simplelru.NewLRU[string, *Transaction](cfg.MaxEntries, nil)
	if err != nil {
		return nil, fmt.Errorf("correlate: create cache: %w", err)
	}
	return &Correlator{cfg: cfg, open: open}, nil
}

// Observe feeds one classified line. It returns the event to ship, if the
// line completed a transaction or is shipped without correlation.
func (c *Correlator) Observe(kind model.SourceKind, ev model.PartialLineEvent) (model.NormalizedEvent, bool) {
	if kind.PassThrough() {
		return c.passThrough(kind, ev), true
	}

	if ev.TransactionID == "" {
		if !ev.HasIdentity() {
			return model.NormalizedEvent{}, false
		}
		return c.passThrough(kind, ev), true
	}

	if ev.Category == model.CategoryCompletion {
		txn, ok := c.open.Peek(ev.TransactionID)
		if !ok {
			return model.NormalizedEvent{}, false
		}
		c.open.Remove(ev.TransactionID)
		return txn.Event(c.cfg.ServerName), true
	}

	txn, ok := c.open.Peek(ev.TransactionID)
	if !ok {
		if ev.Category == model.CategoryNone {
			// Enrichment never opens a transaction.
			return model.NormalizedEvent{}, false
		}
		c.makeRoom()
		txn = newTransaction(ev.TransactionID, ev.Timestamp)
		c.open.Add(ev.TransactionID, txn)
	}
	txn.merge(ev)
	return model.NormalizedEvent{}, false
}

// Sweep flushes every transaction idle for longer than FlushAfter, oldest
// first.
func (c *Correlator) Sweep(now time.Time) []model.NormalizedEvent {
	var out []model.NormalizedEvent
	for _, id := range c.open.Keys() {
		txn, ok := c.open.Peek(id)
		if !ok {
			continue
		}
		if now.Sub(txn.LastSeen) <= c.cfg.FlushAfter {
			continue
		}
		c.open.Remove(id)
		out = append(out, txn.Event(c.cfg.ServerName))
	}
	return out
}

// Len returns the number of open transactions.
func (c *Correlator) Len() int { return c.open.Len() }

// Evicted returns how many transactions were dropped unflushed.
func (c *Correlator) Evicted() uint64 { return c.evicted }

// Open reports whether a transaction is currently cached for id.
func (c *Correlator) Open(id string) bool { return c.open.Contains(id) }

func (c *Correlator) makeRoom() {
	for c.open.Len() >= c.cfg.MaxEntries {
		_, txn, ok := c.open.RemoveOldest()
		if !ok {
			return
		}
		c.evicted++
		if c.cfg.OnEvict != nil {
			c.cfg.OnEvict(txn)
		}
	}
}

func (c *Correlator) passThrough(kind model.SourceKind, ev model.PartialLineEvent) model.NormalizedEvent {
	return model.NormalizedEvent{
		ServerName: c.cfg.ServerName,
		Kind:       kind,
		Timestamp:  ev.Timestamp,
		Sender:     ev.Sender,
		Recipient:  ev.Recipient,
		Status:     ev.Status,
		Message:    ev.Message,
		MessageID:  ev.MessageID,
	}
}
