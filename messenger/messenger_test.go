package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"sph-notifier/pkg/notifier"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEndpointProviderSend(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		fmt.Fprint(w, `{"success": true}`)
	}))
	defer srv.Close()

	p := NewEndpointProvider(srv.Client(), srv.URL, "tok", 0, discardLogger())
	if err := p.Send(context.Background(), 123456789012345678, "10a entfällt!"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if got["authtoken"] != "tok" {
		t.Errorf("authtoken = %v, want tok", got["authtoken"])
	}
	if got["message"] != "10a entfällt!" {
		t.Errorf("message = %v, want the text", got["message"])
	}
}

func TestEndpointProviderUserIDIsNumber(t *testing.T) {
	var raw struct {
		UserID json.Number `json:"userID"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			t.Errorf("decode request: %v", err)
		}
		fmt.Fprint(w, `{"success": true}`)
	}))
	defer srv.Close()

	p := NewEndpointProvider(srv.Client(), srv.URL, "tok", 0, discardLogger())
	if err := p.Send(context.Background(), 123456789012345678, "hi"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if raw.UserID.String() != "123456789012345678" {
		t.Errorf("userID = %s, want 123456789012345678", raw.UserID)
	}
}

func TestEndpointProviderFailures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCalls int32
	}{
		{name: "success false", status: http.StatusOK, body: `{"success": false}`, wantCalls: 1},
		{name: "success flag missing", status: http.StatusOK, body: `{}`, wantCalls: 1},
		{name: "not json", status: http.StatusOK, body: `ok`, wantCalls: 1},
		{name: "client error", status: http.StatusUnauthorized, body: `{"success": false}`, wantCalls: 1},
		{name: "gateway timeout", status: http.StatusGatewayTimeout, body: ``, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			p := NewEndpointProvider(srv.Client(), srv.URL, "tok", 0, discardLogger())
			err := p.Send(context.Background(), 1, "hi")
			if !errors.Is(err, notifier.ErrNotification) {
				t.Errorf("Send() error = %v, want ErrNotification", err)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("endpoint called %d times, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestEndpointProviderRetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"success": true}`)
	}))
	defer srv.Close()

	p := NewEndpointProvider(srv.Client(), srv.URL, "tok", 0, discardLogger())
	if err := p.Send(context.Background(), 1, "hi"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("endpoint called %d times, want 2", got)
	}
}

func TestEndpointProviderDoesNotResendAfterWrite(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if _, err := io.Copy(io.Discard, r.Body); err != nil {
			t.Errorf("read body: %v", err)
		}
		// Drop the connection after the message was received.
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("response writer cannot hijack")
			return
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		_ = conn.Close()
	}))
	defer srv.Close()

	p := NewEndpointProvider(srv.Client(), srv.URL, "tok", 0, discardLogger())
	if err := p.Send(context.Background(), 1, "hi"); !errors.Is(err, notifier.ErrNotification) {
		t.Errorf("Send() error = %v, want ErrNotification", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("endpoint called %d times, want 1", got)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestEndpointProviderRetriesUnsentRequest(t *testing.T) {
	var calls atomic.Int32
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("dial tcp: connection refused")
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": {"application/json"}},
			Body:       io.NopCloser(strings.NewReader(`{"success": true}`)),
			Request:    r,
		}, nil
	})}

	p := NewEndpointProvider(client, "http://bot.local/send", "tok", 0, discardLogger())
	if err := p.Send(context.Background(), 1, "hi"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("transport called %d times, want 2", got)
	}
}

func TestEndpointProviderCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success": true}`)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewEndpointProvider(srv.Client(), srv.URL, "tok", 1, discardLogger())
	if err := p.Send(ctx, 1, "hi"); !errors.Is(err, notifier.ErrNotification) {
		t.Errorf("Send() error = %v, want ErrNotification", err)
	}
}

func TestMockProvider(t *testing.T) {
	p := NewMockProvider(discardLogger())
	if err := p.Send(context.Background(), 42, "hello"); err != nil {
		t.Errorf("Send() error = %v", err)
	}
}
