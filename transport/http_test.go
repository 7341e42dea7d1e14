package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hazyhaar/streamreg/connectivity"
	"github.com/hazyhaar/streamreg/kit"
)

func TestNew_RejectsBadBaseURL(t *testing.T) {
	for _, u := range []string{"ftp://x", "not a url", "http://"} {
		if _, err := New(u); err == nil {
			t.Errorf("New(%q): expected error", u)
		}
	}
}

func TestRequest_JSONRoundTrip(t *testing.T) {
	var gotPath, gotCT, gotReqID string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotCT, gotReqID = r.URL.Path, r.Header.Get("Content-Type"), r.Header.Get("X-Request-ID")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Write([]byte(`{"streamId":"s1"}`))
	}))
	defer srv.Close()

	tr, err := New(srv.URL + "/api/v0/")
	if err != nil {
		t.Fatal(err)
	}
	ctx := kit.WithRequestID(context.Background(), "req-1")
	resp, err := tr.Request(ctx, http.MethodPost, "/streams", map[string]any{"genesis": "x"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.Status != 200 || resp.Body["streamId"] != "s1" {
		t.Fatalf("resp = %+v", resp)
	}
	if gotPath != "/api/v0/streams" || gotCT != "application/json" || gotReqID != "req-1" {
		t.Fatalf("path=%q ct=%q reqid=%q", gotPath, gotCT, gotReqID)
	}
	if gotBody["genesis"] != "x" {
		t.Fatalf("body = %v", gotBody)
	}
}

func TestRequest_NonJSONBodyIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(`{"streamId":"looks like json"}`))
	}))
	defer srv.Close()

	tr, _ := New(srv.URL)
	resp, err := tr.Request(context.Background(), http.MethodGet, "/streams/x", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != 200 || len(resp.Body) != 0 {
		t.Fatalf("resp = %+v, want empty body", resp)
	}
}

func TestRequest_StatusIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, `{"error":"stale prev"}`)
	}))
	defer srv.Close()

	tr, _ := New(srv.URL)
	resp, err := tr.Request(context.Background(), http.MethodPost, "/commits", map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != http.StatusConflict || resp.Body["error"] != "stale prev" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestRequest_BodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"pad":"`+strings.Repeat("x", 100)+`"}`)
	}))
	defer srv.Close()

	tr, _ := New(srv.URL, WithMaxBody(32))
	if _, err := tr.Request(context.Background(), http.MethodGet, "/commits/x", nil); err == nil {
		t.Fatal("expected body limit error")
	}
}

func TestRequest_BreakerOpensOn5xx(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tr, _ := New(srv.URL, WithBreaker(connectivity.NewCircuitBreaker(connectivity.WithBreakerThreshold(2))))
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		resp, err := tr.Request(ctx, http.MethodGet, "/streams/x", nil)
		if err != nil || resp.Status != http.StatusBadGateway {
			t.Fatalf("call %d: %v %+v", i, err, resp)
		}
	}
	_, err := tr.Request(ctx, http.MethodGet, "/streams/x", nil)
	var open *connectivity.ErrCircuitOpen
	if !errors.As(err, &open) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("server saw %d calls, want 2", calls)
	}
}
