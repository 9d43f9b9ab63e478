package ship

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tinytelemetry/mailpulse/internal/model"
)

// DefaultSubject is used when no NATS subject is configured.
const DefaultSubject = "maillog.events"

const natsConnectTimeout = 10 * time.Second

// Publisher is the subset of *nats.Conn the NATS shipper needs.
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
	FlushWithContext(ctx context.Context) error
}

// NATSShipper publishes each batch as one message.
type NATSShipper struct {
	pub     Publisher
	subject string
	apiKey  string
	server  string
}

// NewNATSShipper wraps an existing publisher.
func NewNATSShipper(pub Publisher, subject, apiKey, serverName string) (*NATSShipper, error) {
	if pub == nil {
		return nil, errors.New("ship: nil nats publisher")
	}
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSShipper{pub: pub, subject: subject, apiKey: apiKey, server: serverName}, nil
}

// DialNATS connects to url with the agent's connection name.
func DialNATS(url, name string) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(natsConnectTimeout),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

// Ship publishes events and waits for the server to acknowledge the flush.
func (s *NATSShipper) Ship(ctx context.Context, events []model.NormalizedEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch, err := Encode(events)
	if err != nil {
		return err
	}

	msg := nats.NewMsg(s.subject)
	msg.Data = batch.Body
	msg.Header.Set(HeaderBatchID, batch.ID)
	msg.Header.Set("X-Event-Count", strconv.Itoa(batch.Count))
	if s.apiKey != "" {
		msg.Header.Set(HeaderAPIKey, s.apiKey)
	}
	if s.server != "" {
		msg.Header.Set("X-Server-Name", s.server)
	}

	if err := s.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish batch %s: %w", batch.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, model.DefaultShipTimeout)
	defer cancel()
	if err := s.pub.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush batch %s: %w", batch.ID, err)
	}
	return nil
}
