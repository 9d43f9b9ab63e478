package model

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestNormalizedEventMarshal_NullsEmptyFields(t *testing.T) {
	t.Parallel()

	ev := NormalizedEvent{
		ServerName: "mx1",
		Kind:       KindMainLog,
		Timestamp:  time.Date(2025, 10, 25, 10, 0, 0, 0, time.UTC),
		Sender:     "a@b",
		Status:     StatusDelivered,
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got := fields["timestamp"]; got != "2025-10-25T10:00:00" {
		t.Errorf("timestamp = %v, want 2025-10-25T10:00:00", got)
	}
	if got := fields["kind"]; got != "mainlog" {
		t.Errorf("kind = %v, want mainlog", got)
	}
	for _, key := range []string{"recipient", "message", "message_id"} {
		v, ok := fields[key]
		if !ok {
			t.Errorf("%s missing, want explicit null", key)
			continue
		}
		if v != nil {
			t.Errorf("%s = %v, want null", key, v)
		}
	}
	if fields["sender"] != "a@b" {
		t.Errorf("sender = %v, want a@b", fields["sender"])
	}
}

func TestNormalizedEventMarshal_NoZoneSuffix(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("east", 3*3600)
	ev := NormalizedEvent{Kind: KindPanicLog, Timestamp: time.Date(2025, 1, 2, 3, 4, 5, 0, loc)}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"timestamp":"2025-01-02T03:04:05"`) {
		t.Errorf("timestamp not in wall-clock form: %s", data)
	}
}

func TestNormalizedEventUnmarshal(t *testing.T) {
	t.Parallel()

	in := `{"server_name":"mx1","kind":"rejectlog","timestamp":"2025-10-25T10:00:00","sender":"b@d","recipient":null,"status":"rejected","message":"550","message_id":null}`
	var ev NormalizedEvent
	if err := json.Unmarshal([]byte(in), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Kind != KindRejectLog || ev.Sender != "b@d" || ev.Recipient != "" || ev.Message != "550" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if got := ev.Timestamp.Format(TimestampLayout); got != "2025-10-25T10:00:00" {
		t.Errorf("timestamp = %s", got)
	}
}

func TestSourceKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind        SourceKind
		valid       bool
		passThrough bool
	}{
		{KindMainLog, true, false},
		{KindRejectLog, true, true},
		{KindPanicLog, true, true},
		{"syslog", false, false},
		{"", false, false},
	}
	for _, tt := range tests {
		if got := tt.kind.Valid(); got != tt.valid {
			t.Errorf("%q.Valid() = %v, want %v", tt.kind, got, tt.valid)
		}
		if got := tt.kind.PassThrough(); got != tt.passThrough {
			t.Errorf("%q.PassThrough() = %v, want %v", tt.kind, got, tt.passThrough)
		}
	}
}

func TestCategoryString(t *testing.T) {
	t.Parallel()

	if got := CategoryLocalDelivery.String(); got != "local_delivery" {
		t.Errorf("local delivery = %q", got)
	}
	if got := Category(99).String(); got != "unknown" {
		t.Errorf("out of range = %q", got)
	}
}

func TestHasIdentity(t *testing.T) {
	t.Parallel()

	if (PartialLineEvent{Message: "noise"}).HasIdentity() {
		t.Error("message alone is not identity")
	}
	if !(PartialLineEvent{Sender: "a@b"}).HasIdentity() {
		t.Error("sender is identity")
	}
}
