package model

import (
	"encoding/json"
	"time"
)

// SourceKind selects which classification rules apply to a tailed file.
type SourceKind string

const (
	KindMainLog   SourceKind = "mainlog"   // mail delivery log
	KindRejectLog SourceKind = "rejectlog" // SMTP rejections
	KindPanicLog  SourceKind = "paniclog"  // MTA faults
)

// SourceKinds lists the supported kinds in the order sources are drained.
var SourceKinds = []SourceKind{KindMainLog, KindRejectLog, KindPanicLog}

// Valid reports whether k is a known source kind.
func (k SourceKind) Valid() bool {
	for _, known := range SourceKinds {
		if k == known {
			return true
		}
	}
	return false
}

// PassThrough reports whether lines of this kind bypass correlation.
func (k SourceKind) PassThrough() bool {
	return k == KindRejectLog || k == KindPanicLog
}

// LogSource identifies one tailed file.
type LogSource struct {
	Kind SourceKind
	Path string
}

// Category tags the primary pattern a line matched.
type Category int

const (
	CategoryNone Category = iota // enrichment only, no primary pattern
	CategoryCompletion
	CategoryInbound
	CategoryOutbound
	CategoryDeferral
	CategoryLocalDelivery
	CategoryWarning
	CategorySenderIdent
	CategoryAuthFailure
	CategoryBounce
	CategoryRejected
	CategoryFault
)

var categoryNames = [...]string{
	CategoryNone:          "none",
	CategoryCompletion:    "completion",
	CategoryInbound:       "inbound",
	CategoryOutbound:      "outbound",
	CategoryDeferral:      "deferral",
	CategoryLocalDelivery: "local_delivery",
	CategoryWarning:       "warning",
	CategorySenderIdent:   "sender_ident",
	CategoryAuthFailure:   "auth_failure",
	CategoryBounce:        "bounce",
	CategoryRejected:      "rejected",
	CategoryFault:         "fault",
}

func (c Category) String() string {
	if c < 0 || int(c) >= len(categoryNames) {
		return "unknown"
	}
	return categoryNames[c]
}

// Status values carried by classified lines.
const (
	StatusReceived  = "received"
	StatusDelivered = "delivered"
	StatusDeferred  = "deferred"
	StatusAccepted  = "accepted"
	StatusWarning   = "warning"
	StatusFailed    = "failed"
	StatusBounced   = "bounced"
	StatusRejected  = "rejected"
	StatusPanic     = "panic"
)

// Metadata keys filled by the enrichment sub-patterns.
const (
	MetaRouter    = "router"
	MetaTransport = "transport"
	MetaHost      = "host"
	MetaIP        = "ip"
	MetaPort      = "port"
	MetaTLS       = "tls"
	MetaSize      = "size"
	MetaReply     = "reply"
)

// PartialLineEvent is what the classifier extracts from a single line.
// Empty strings mean the pattern did not capture the field.
type PartialLineEvent struct {
	Category      Category
	Timestamp     time.Time
	TransactionID string
	Sender        string
	Recipient     string
	MessageID     string
	Status        string
	Message       string
	Metadata      map[string]string
}

// HasIdentity reports whether the event carries any field worth shipping
// on its own.
func (e PartialLineEvent) HasIdentity() bool {
	return e.Sender != "" || e.Recipient != "" || e.MessageID != "" || e.Status != ""
}

// TimestampLayout is the wire format of NormalizedEvent timestamps.
const TimestampLayout = "2006-01-02T15:04:05"

// NormalizedEvent is the unit shipped to the collector.
type NormalizedEvent struct {
	ServerName string
	Kind       SourceKind
	Timestamp  time.Time
	Sender     string
	Recipient  string
	Status     string
	Message    string
	MessageID  string
}

type normalizedEventJSON struct {
	ServerName string  `json:"server_name"`
	Kind       string  `json:"kind"`
	Timestamp  string  `json:"timestamp"`
	Sender     *string `json:"sender"`
	Recipient  *string `json:"recipient"`
	Status     *string `json:"status"`
	Message    *string `json:"message"`
	MessageID  *string `json:"message_id"`
}

// MarshalJSON encodes empty optional fields as null.
func (e NormalizedEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(normalizedEventJSON{
		ServerName: e.ServerName,
		Kind:       string(e.Kind),
		Timestamp:  e.Timestamp.Format(TimestampLayout),
		Sender:     optional(e.Sender),
		Recipient:  optional(e.Recipient),
		Status:     optional(e.Status),
		Message:    optional(e.Message),
		MessageID:  optional(e.MessageID),
	})
}

// UnmarshalJSON is the inverse of MarshalJSON. Timestamps are read in the
// local zone.
func (e *NormalizedEvent) UnmarshalJSON(data []byte) error {
	var raw normalizedEventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ts, err := time.ParseInLocation(TimestampLayout, raw.Timestamp, time.Local)
	if err != nil {
		return err
	}
	*e = NormalizedEvent{
		ServerName: raw.ServerName,
		Kind:       SourceKind(raw.Kind),
		Timestamp:  ts,
		Sender:     deref(raw.Sender),
		Recipient:  deref(raw.Recipient),
		Status:     deref(raw.Status),
		Message:    deref(raw.Message),
		MessageID:  deref(raw.MessageID),
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
