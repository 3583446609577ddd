package sink

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/subwatch/subwatch/cfg"
	"github.com/subwatch/subwatch/notifier"
)

func testEvent() *notifier.Event {
	return &notifier.Event{
		EventType: notifier.EventUpdated,
		EventID:   "evt-123",
		Timestamp: time.Now().UTC(),
		Source:    "subwatch/node-1",
		Data: notifier.EventData{
			Table:         "subscribers",
			Operation:     "UPDATE",
			EntityID:      "42",
			ChangeSource:  "DB_TRIGGER",
			SubscriberKey: "31612345678",
		},
	}
}

func httpSinkConfig(endpoints ...string) cfg.SinkConfiguration {
	return cfg.SinkConfiguration{
		Name:           "webhook",
		Type:           "http",
		Endpoints:      endpoints,
		Secret:         "test-secret",
		MaxAttempts:    3,
		RetryBackoffMS: 1,
		TimeoutSeconds: 5,
	}
}

func TestHTTPSinkSignedDelivery(t *testing.T) {
	var gotBody []byte
	var gotHeader http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s, err := NewHTTPSink(httpSinkConfig(server.URL))
	if err != nil {
		t.Fatalf("unexpected error creating sink: %v", err)
	}
	defer s.Close()

	evt := testEvent()
	body := []byte(`{"eventType":"subscription.updated"}`)
	if err := s.Deliver(context.Background(), evt, body); err != nil {
		t.Fatalf("unexpected delivery error: %v", err)
	}

	if !bytes.Equal(gotBody, body) {
		t.Errorf("expected body %s, got %s", body, gotBody)
	}
	if gotHeader.Get("Content-Type") != "application/json" {
		t.Errorf("expected application/json, got %s", gotHeader.Get("Content-Type"))
	}
	if gotHeader.Get(notifier.EventHeader) != notifier.EventUpdated {
		t.Errorf("expected event header %s, got %s", notifier.EventUpdated, gotHeader.Get(notifier.EventHeader))
	}
	if gotHeader.Get(notifier.DeliveryHeader) != "evt-123" {
		t.Errorf("expected delivery header evt-123, got %s", gotHeader.Get(notifier.DeliveryHeader))
	}

	sig := gotHeader.Get(notifier.SignatureHeader)
	if !strings.HasPrefix(sig, "sha256=") {
		t.Fatalf("expected sha256= signature, got %q", sig)
	}
	if !notifier.VerifySignature([]byte("test-secret"), gotBody, sig) {
		t.Error("signature did not verify against received body")
	}
}

func TestHTTPSinkNoSecretSkipsSignature(t *testing.T) {
	var gotHeader http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	config := httpSinkConfig(server.URL)
	config.Secret = ""
	s, err := NewHTTPSink(config)
	if err != nil {
		t.Fatalf("unexpected error creating sink: %v", err)
	}
	defer s.Close()

	if err := s.Deliver(context.Background(), testEvent(), []byte(`{}`)); err != nil {
		t.Fatalf("unexpected delivery error: %v", err)
	}
	if sig := gotHeader.Get(notifier.SignatureHeader); sig != "" {
		t.Errorf("expected no signature header, got %q", sig)
	}
}

func TestHTTPSinkGzipOverThreshold(t *testing.T) {
	var gotEncoding string
	var decoded []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEncoding = r.Header.Get("Content-Encoding")
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Errorf("failed to open gzip reader: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		decoded, _ = io.ReadAll(gz)
		gz.Close()

		// Signature must cover the uncompressed body
		if !notifier.VerifySignature([]byte("test-secret"), decoded, r.Header.Get(notifier.SignatureHeader)) {
			t.Error("signature did not verify against decompressed body")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	config := httpSinkConfig(server.URL)
	config.CompressOverKB = 1
	s, err := NewHTTPSink(config)
	if err != nil {
		t.Fatalf("unexpected error creating sink: %v", err)
	}
	defer s.Close()

	body := []byte(`{"data":"` + strings.Repeat("x", 4096) + `"}`)
	if err := s.Deliver(context.Background(), testEvent(), body); err != nil {
		t.Fatalf("unexpected delivery error: %v", err)
	}

	if gotEncoding != "gzip" {
		t.Errorf("expected gzip content encoding, got %q", gotEncoding)
	}
	if !bytes.Equal(decoded, body) {
		t.Error("decompressed body does not match original")
	}
}

func TestHTTPSinkSmallBodyNotCompressed(t *testing.T) {
	var gotEncoding string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEncoding = r.Header.Get("Content-Encoding")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	config := httpSinkConfig(server.URL)
	config.CompressOverKB = 1
	s, err := NewHTTPSink(config)
	if err != nil {
		t.Fatalf("unexpected error creating sink: %v", err)
	}
	defer s.Close()

	if err := s.Deliver(context.Background(), testEvent(), []byte(`{}`)); err != nil {
		t.Fatalf("unexpected delivery error: %v", err)
	}
	if gotEncoding != "" {
		t.Errorf("expected no content encoding for small body, got %q", gotEncoding)
	}
}

func TestHTTPSinkRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s, err := NewHTTPSink(httpSinkConfig(server.URL))
	if err != nil {
		t.Fatalf("unexpected error creating sink: %v", err)
	}
	defer s.Close()

	if err := s.Deliver(context.Background(), testEvent(), []byte(`{}`)); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func TestHTTPSinkExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	s, err := NewHTTPSink(httpSinkConfig(server.URL))
	if err != nil {
		t.Fatalf("unexpected error creating sink: %v", err)
	}
	defer s.Close()

	err = s.Deliver(context.Background(), testEvent(), []byte(`{}`))
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
	if attempts := notifier.AttemptsFromError(err); attempts != 3 {
		t.Errorf("expected 3 attempts in error, got %d", attempts)
	}
}

func TestHTTPSinkDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	s, err := NewHTTPSink(httpSinkConfig(server.URL))
	if err != nil {
		t.Fatalf("unexpected error creating sink: %v", err)
	}
	defer s.Close()

	err = s.Deliver(context.Background(), testEvent(), []byte(`{}`))
	if err == nil {
		t.Fatal("expected error for rejected event")
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call for client error, got %d", calls.Load())
	}
}

func TestHTTPSinkEndpointFanOutIsIndependent(t *testing.T) {
	var goodCalls atomic.Int32
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		goodCalls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer good.Close()

	var mu sync.Mutex
	badCalls := 0
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		badCalls++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	s, err := NewHTTPSink(httpSinkConfig(good.URL, bad.URL))
	if err != nil {
		t.Fatalf("unexpected error creating sink: %v", err)
	}
	defer s.Close()

	err = s.Deliver(context.Background(), testEvent(), []byte(`{}`))
	if err == nil {
		t.Fatal("expected error when one endpoint fails")
	}

	// The healthy endpoint got exactly one delivery while the failing one
	// burned through its attempts
	if goodCalls.Load() != 1 {
		t.Errorf("expected 1 call to healthy endpoint, got %d", goodCalls.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	if badCalls != 3 {
		t.Errorf("expected 3 calls to failing endpoint, got %d", badCalls)
	}
}

func TestNewHTTPSinkRequiresEndpoints(t *testing.T) {
	_, err := NewHTTPSink(cfg.SinkConfiguration{Name: "webhook", Type: "http"})
	if err == nil {
		t.Error("expected error for missing endpoints, got nil")
	}
}
