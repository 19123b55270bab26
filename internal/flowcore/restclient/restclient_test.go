package restclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDefaultDoRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/conversations/cv1/call/flows" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"flows":[]}`))
	}))
	defer srv.Close()

	h := NewDefault(srv.URL, 100, 10, nil)
	resp, err := h.Do(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/conversations/cv1/call/flows",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	if string(resp.Body) != `{"flows":[]}` {
		t.Fatalf("unexpected body: %s", resp.Body)
	}
}

func TestDefaultDoSetsAuthHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h := NewDefault(srv.URL, 100, 10, nil)
	h.AuthHeader = func() string { return "Bearer tok123" }

	if _, err := h.Do(context.Background(), Request{Method: http.MethodGet, Path: "/calls/config"}); err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer tok123" {
		t.Fatalf("expected auth header set, got %q", gotAuth)
	}
}
