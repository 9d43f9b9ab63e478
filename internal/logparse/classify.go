package logparse

import (
	"strings"
	"time"

	"github.com/tinytelemetry/mailpulse/internal/model"
)

const timestampLayout = "2006-01-02 15:04:05"

// Classifier maps raw log lines to partial events.
type Classifier struct {
	loc *time.Location
	now func() time.Time
}

// NewClassifier returns a classifier that reads log timestamps in loc
// (time.Local when nil).
func NewClassifier(loc *time.Location) *Classifier {
	if loc == nil {
		loc = time.Local
	}
	return &Classifier{loc: loc, now: time.Now}
}

var defaultClassifier = NewClassifier(nil)

// Classify uses a classifier in the local time zone.
func Classify(kind model.SourceKind, line string) (model.PartialLineEvent, bool) {
	return defaultClassifier.Classify(kind, line)
}

// Classify returns the partial event for line, or false when nothing in it
// is of interest for its source kind.
func (c *Classifier) Classify(kind model.SourceKind, line string) (model.PartialLineEvent, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return model.PartialLineEvent{}, false
	}

	switch kind {
	case model.KindMainLog:
		return c.classifyMainLog(line)
	case model.KindRejectLog:
		return c.classifyOne(rejectLogRule, line)
	case model.KindPanicLog:
		return c.classifyOne(panicLogRule, line)
	default:
		return model.PartialLineEvent{}, false
	}
}

func (c *Classifier) classifyMainLog(line string) (model.PartialLineEvent, bool) {
	for _, r := range mainLogRules {
		m, ok := r.apply(line)
		if !ok {
			continue
		}
		ev := c.newEvent(r, m, line)
		if r.category == model.CategoryCompletion {
			return ev, true
		}
		ev.Metadata = Enrich(line)
		if bounceOrigin.MatchString(line) {
			// R= names the parent queue id on locally generated bounces.
			delete(ev.Metadata, model.MetaRouter)
		}
		return ev, true
	}

	meta := Enrich(line)
	if len(meta) == 0 {
		return model.PartialLineEvent{}, false
	}
	ev := model.PartialLineEvent{
		Category:  model.CategoryNone,
		Timestamp: c.parseTimestamp(line),
		Message:   line,
		Metadata:  meta,
	}
	if m := looseQueueID.FindStringSubmatch(line); m != nil {
		ev.TransactionID = m[looseQueueID.SubexpIndex("qid")]
	}
	return ev, true
}

func (c *Classifier) classifyOne(r rule, line string) (model.PartialLineEvent, bool) {
	m, ok := r.apply(line)
	if !ok {
		return model.PartialLineEvent{}, false
	}
	return c.newEvent(r, m, line), true
}

func (c *Classifier) newEvent(r rule, m match, line string) model.PartialLineEvent {
	ev := model.PartialLineEvent{
		Category:      r.category,
		Timestamp:     c.timestamp(m.get("ts")),
		TransactionID: m.get("qid"),
		Status:        r.status,
		Message:       line,
	}
	r.build(m, &ev)
	return ev
}

func (c *Classifier) parseTimestamp(line string) time.Time {
	if len(line) < len(timestampLayout) {
		return c.now()
	}
	return c.timestamp(line[:len(timestampLayout)])
}

func (c *Classifier) timestamp(raw string) time.Time {
	if raw != "" {
		if ts, err := time.ParseInLocation(timestampLayout, raw, c.loc); err == nil {
			return ts
		}
	}
	return c.now()
}
