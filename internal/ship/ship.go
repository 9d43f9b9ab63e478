// Package ship delivers batches of normalized events to a collector.
package ship

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/tinytelemetry/mailpulse/internal/model"
)

// Shipper sends one batch. Implementations do not retry; a returned error
// means the batch is lost.
type Shipper interface {
	Ship(ctx context.Context, events []model.NormalizedEvent) error
}

// Header names set on every delivered batch.
const (
	HeaderAPIKey  = "X-API-Key"
	HeaderBatchID = "X-Batch-ID"
)

// Batch is an encoded payload ready for transport.
type Batch struct {
	ID    string
	Count int
	Body  []byte
}

// Encode renders events as a JSON array and tags the result with a fresh
// batch id.
func Encode(events []model.NormalizedEvent) (Batch, error) {
	if events == nil {
		events = []model.NormalizedEvent{}
	}
	body, err := json.Marshal(events)
	if err != nil {
		return Batch{}, fmt.Errorf("encode batch: %w", err)
	}
	return Batch{ID: uuid.NewString(), Count: len(events), Body: body}, nil
}

// Discard drops every batch. It backs dry runs.
type Discard struct{}

func (Discard) Ship(context.Context, []model.NormalizedEvent) error { return nil }
