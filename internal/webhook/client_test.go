package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dunamismax/hueshift/internal/config"
)

func testConfig(attempts int) config.WebhookConfig {
	return config.WebhookConfig{
		SigningSecret:  "test-secret",
		Timeout:        2 * time.Second,
		MaxAttempts:    attempts,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	}
}

func TestSendAddsSigningHeaders(t *testing.T) {
	var (
		gotSig  string
		gotTS   string
		gotEvt  string
		gotBody []byte
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(HeaderSignature)
		gotTS = r.Header.Get(HeaderTimestamp)
		gotEvt = r.Header.Get(HeaderEvent)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(testConfig(1), zerolog.Nop())

	err := client.Send(context.Background(), srv.URL, EventJobCompleted, map[string]any{"job_id": "job-1"})
	if err != nil {
		t.Fatalf("send returned error: %v", err)
	}

	if gotTS == "" {
		t.Fatal("expected timestamp header")
	}
	if gotEvt != EventJobCompleted {
		t.Fatalf("expected event header job.completed, got %q", gotEvt)
	}
	if err := Verify("test-secret", gotTS, gotBody, gotSig); err != nil {
		t.Fatalf("signature did not verify: %v", err)
	}
	if err := Verify("other-secret", gotTS, gotBody, gotSig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestSendRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewClient(testConfig(3), zerolog.Nop())
	if err := client.Send(context.Background(), srv.URL, EventJobFailed, map[string]any{}); err != nil {
		t.Fatalf("expected delivery on third attempt, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
}

func TestSendGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(testConfig(2), zerolog.Nop())
	if err := client.Send(context.Background(), srv.URL, EventJobFailed, map[string]any{}); err == nil {
		t.Fatal("expected delivery failure")
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestSendSkipsEmptyEndpoint(t *testing.T) {
	client := NewClient(testConfig(1), zerolog.Nop())
	if err := client.Send(context.Background(), "  ", EventJobCompleted, nil); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}
