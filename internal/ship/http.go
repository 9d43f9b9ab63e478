package ship

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/tinytelemetry/mailpulse/internal/model"
)

// maxErrorBody caps how much of a failed response is quoted in the error.
const maxErrorBody = 512

// HTTPConfig configures an HTTPShipper.
type HTTPConfig struct {
	URL      string
	APIKey   string
	Timeout  time.Duration // default model.DefaultShipTimeout
	Compress bool          // gzip request bodies
	Client   *http.Client  // overrides Timeout when set
}

// HTTPShipper POSTs each batch as a JSON array.
type HTTPShipper struct {
	url      string
	apiKey   string
	compress bool
	client   *http.Client
}

// NewHTTPShipper validates conf and returns a shipper.
func NewHTTPShipper(conf HTTPConfig) (*HTTPShipper, error) {
	if strings.TrimSpace(conf.URL) == "" {
		return nil, errors.New("ship: collector url is required")
	}
	client := conf.Client
	if client == nil {
		timeout := conf.Timeout
		if timeout <= 0 {
			timeout = model.DefaultShipTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPShipper{
		url:      conf.URL,
		apiKey:   conf.APIKey,
		compress: conf.Compress,
		client:   client,
	}, nil
}

// Ship sends events in one request. An empty batch is not sent. Any
// non-2xx response is an error.
func (s *HTTPShipper) Ship(ctx context.Context, events []model.NormalizedEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch, err := Encode(events)
	if err != nil {
		return err
	}

	body := batch.Body
	if s.compress {
		if body, err = gzipBytes(body); err != nil {
			return fmt.Errorf("compress batch: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderAPIKey, s.apiKey)
	req.Header.Set(HeaderBatchID, batch.ID)
	if s.compress {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post batch %s: %w", batch.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet)), BatchID: batch.ID}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// StatusError reports a collector response outside the 2xx range.
type StatusError struct {
	Code    int
	Body    string
	BatchID string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("collector rejected batch %s: status %d", e.BatchID, e.Code)
	}
	return fmt.Sprintf("collector rejected batch %s: status %d: %s", e.BatchID, e.Code, e.Body)
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
