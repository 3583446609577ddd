package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"

	"github.com/subwatch/subwatch/cfg"
	"github.com/subwatch/subwatch/notifier"
)

const DefaultHTTPTimeout = 10 * time.Second

func init() {
	notifier.RegisterSink("http", func(config cfg.SinkConfiguration) (notifier.Sink, error) {
		return NewHTTPSink(config)
	})
}

// HTTPSink posts signed JSON events to webhook endpoints. Every endpoint is
// attempted independently; one endpoint failing never holds back another.
type HTTPSink struct {
	name      string
	endpoints []string
	secret    []byte
	client    *http.Client
	retry     notifier.RetryPolicy
	gzipOver  int // bytes, 0 disables compression
}

// NewHTTPSink creates an HTTP webhook sink from configuration.
func NewHTTPSink(config cfg.SinkConfiguration) (*HTTPSink, error) {
	if len(config.Endpoints) == 0 {
		return nil, fmt.Errorf("http sink requires at least one endpoint")
	}

	timeout := time.Duration(config.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}

	return &HTTPSink{
		name:      config.Name,
		endpoints: config.Endpoints,
		secret:    []byte(config.Secret),
		client:    &http.Client{Timeout: timeout},
		retry:     notifier.RetryPolicyFor(config),
		gzipOver:  config.CompressOverKB * 1024,
	}, nil
}

// Deliver posts the event to every endpoint concurrently. The signature is
// computed over the uncompressed body, so receivers verify after decoding.
func (s *HTTPSink) Deliver(ctx context.Context, evt *notifier.Event, body []byte) error {
	signature := ""
	if len(s.secret) > 0 {
		signature = notifier.Sign(s.secret, body)
	}

	payload := body
	compressed := false
	if s.gzipOver > 0 && len(body) > s.gzipOver {
		gz, err := gzipBytes(body)
		if err != nil {
			return fmt.Errorf("failed to compress body: %w", err)
		}
		payload = gz
		compressed = true
	}

	errs := make([]error, len(s.endpoints))
	var wg sync.WaitGroup
	for i, endpoint := range s.endpoints {
		wg.Add(1)
		go func(i int, endpoint string) {
			defer wg.Done()
			err := s.retry.Do(ctx, func() error {
				return s.post(ctx, endpoint, evt, payload, signature, compressed)
			})
			if err != nil {
				log.Warn().
					Err(err).
					Str("sink", s.name).
					Str("endpoint", endpoint).
					Str("event_id", evt.EventID).
					Msg("Webhook endpoint delivery failed")
			}
			errs[i] = err
		}(i, endpoint)
	}
	wg.Wait()

	return errors.Join(errs...)
}

func (s *HTTPSink) post(ctx context.Context, endpoint string, evt *notifier.Event, payload []byte, signature string, compressed bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return notifier.Permanent(err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(notifier.EventHeader, evt.EventType)
	req.Header.Set(notifier.DeliveryHeader, evt.EventID)
	if signature != "" {
		req.Header.Set(notifier.SignatureHeader, signature)
	}
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	default:
		// Remaining 4xx won't improve on retry
		return notifier.Permanent(fmt.Errorf("endpoint rejected event with %d", resp.StatusCode))
	}
}

// Close releases idle connections.
func (s *HTTPSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
