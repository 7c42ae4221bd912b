package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{},
	}
}

func TestRequestJSONRetryPolicy(t *testing.T) {
	t.Parallel()

	t.Run("5xx_then_success", func(t *testing.T) {
		attempts := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts++
			if attempts == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_, _ = w.Write([]byte(`{"resolved":true}`))
		}))
		defer srv.Close()

		status, body, err := RequestJSON(context.Background(), srv.Client(), http.MethodPost, srv.URL, []byte(`{}`), nil, 2, time.Millisecond)
		if err != nil || status != http.StatusOK {
			t.Fatalf("expected retried success, got status=%d err=%v", status, err)
		}
		if attempts != 2 || string(body) != `{"resolved":true}` {
			t.Fatalf("unexpected attempts=%d body=%s", attempts, body)
		}
	})

	t.Run("4xx_is_final", func(t *testing.T) {
		attempts := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts++
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		status, _, err := RequestJSON(context.Background(), srv.Client(), http.MethodGet, srv.URL, nil, nil, 3, time.Millisecond)
		if err != nil || status != http.StatusNotFound {
			t.Fatalf("expected final 404, got status=%d err=%v", status, err)
		}
		if attempts != 1 {
			t.Fatalf("4xx must not be retried, got %d attempts", attempts)
		}
	})

	t.Run("5xx_after_exhausted_retries_is_returned", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		status, _, err := RequestJSON(context.Background(), srv.Client(), http.MethodGet, srv.URL, nil, nil, 1, 0)
		if err != nil || status != http.StatusServiceUnavailable {
			t.Fatalf("expected 503 passthrough, got status=%d err=%v", status, err)
		}
	})

	t.Run("transport_error_retried", func(t *testing.T) {
		attempts := 0
		client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			attempts++
			if attempts == 1 {
				return nil, errors.New("connection refused")
			}
			return jsonResponse(http.StatusOK, `{}`), nil
		})}
		status, _, err := RequestJSON(context.Background(), client, http.MethodGet, "http://state.internal", nil, nil, 1, 0)
		if err != nil || status != http.StatusOK || attempts != 2 {
			t.Fatalf("expected recovery on second attempt, got status=%d attempts=%d err=%v", status, attempts, err)
		}
	})

	t.Run("transport_error_exhausted", func(t *testing.T) {
		client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		})}
		_, _, err := RequestJSON(context.Background(), client, http.MethodGet, "http://state.internal", nil, nil, 1, 0)
		if err == nil || !strings.Contains(err.Error(), "connection refused") {
			t.Fatalf("expected transport error, got %v", err)
		}
	})
}

type brokenBody struct{}

func (brokenBody) Read([]byte) (int, error) { return 0, errors.New("stream cut") }
func (brokenBody) Close() error             { return nil }

func TestRequestJSONEdges(t *testing.T) {
	t.Parallel()

	t.Run("nil_client_defaults_and_json_content_type", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ct := r.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("expected json content type, got %q", ct)
			}
			if got := r.Header.Get("Authorization"); got != "Bearer tok" {
				t.Errorf("expected auth header, got %q", got)
			}
			w.WriteHeader(http.StatusAccepted)
		}))
		defer srv.Close()

		status, _, err := RequestJSON(context.Background(), nil, http.MethodPost, srv.URL, []byte(`{"x":1}`),
			map[string]string{"Authorization": "Bearer tok"}, 0, 0)
		if err != nil || status != http.StatusAccepted {
			t.Fatalf("unexpected result status=%d err=%v", status, err)
		}
	})

	t.Run("unbuildable_request_fails_without_retry", func(t *testing.T) {
		_, _, err := RequestJSON(context.Background(), http.DefaultClient, "bad method", "http://x", nil, nil, 5, 0)
		if err == nil {
			t.Fatal("expected request build error")
		}
	})

	t.Run("read_error_retried", func(t *testing.T) {
		attempts := 0
		client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			attempts++
			if attempts == 1 {
				return &http.Response{StatusCode: http.StatusOK, Body: brokenBody{}, Header: http.Header{}}, nil
			}
			return jsonResponse(http.StatusOK, `{"ok":true}`), nil
		})}
		status, body, err := RequestJSON(context.Background(), client, http.MethodGet, "http://state.internal", nil, nil, 1, 0)
		if err != nil || status != http.StatusOK || string(body) != `{"ok":true}` {
			t.Fatalf("expected retry after read failure, got status=%d body=%s err=%v", status, body, err)
		}
	})
}
