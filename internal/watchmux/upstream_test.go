package watchmux

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"k8s.io/client-go/rest"
)

type staticResolver struct {
	cfg *rest.Config
	err error
}

func (r *staticResolver) RESTConfig(_ context.Context, _ string) (*rest.Config, error) {
	return r.cfg, r.err
}

func TestStripWatch(t *testing.T) {
	cases := map[string]string{
		"watch=true":                              "",
		"watch=true&labelSelector=app%3Dfoo":       "labelSelector=app%3Dfoo",
		"resourceVersion=10&watch=true":            "",
		"labelSelector=a&watch=true&fieldSelector=b": "labelSelector=a&fieldSelector=b",
	}
	for in, want := range cases {
		if got := stripWatch(in); got != want {
			t.Errorf("stripWatch(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWithResourceVersion(t *testing.T) {
	got := withResourceVersion("labelSelector=a", "42")
	want := "labelSelector=a&watch=true&resourceVersion=42"
	if got != want {
		t.Errorf("withResourceVersion = %q, want %q", got, want)
	}

	if got := withResourceVersion("labelSelector=a", ""); got != "labelSelector=a" {
		t.Errorf("withResourceVersion with empty rv should pass through unchanged, got %q", got)
	}
}

func TestUpstreamClient_Get(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/pods" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	client, err := newUpstreamClient(context.Background(), &staticResolver{cfg: &rest.Config{Host: srv.URL}}, "test", "")
	if err != nil {
		t.Fatalf("newUpstreamClient: %v", err)
	}

	body, err := client.get(context.Background(), "/api/v1/pods", "")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(body) != `{"items":[]}` {
		t.Errorf("unexpected body %s", body)
	}
}

func TestUpstreamClient_GetErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message":"nope"}`))
	}))
	defer srv.Close()

	client, _ := newUpstreamClient(context.Background(), &staticResolver{cfg: &rest.Config{Host: srv.URL}}, "test", "")
	_, err := client.get(context.Background(), "/api/v1/pods", "")
	if err == nil {
		t.Fatal("expected error")
	}
	if !isUnauthorized(err) {
		t.Errorf("expected isUnauthorized(err) to be true for 403, got false: %v", err)
	}
}

func TestUpstreamClient_List(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"metadata":{"resourceVersion":"123"},"items":[{"kind":"Pod"}]}`))
	}))
	defer srv.Close()

	client, _ := newUpstreamClient(context.Background(), &staticResolver{cfg: &rest.Config{Host: srv.URL}}, "test", "")
	items, rv, err := client.list(context.Background(), "/api/v1/pods", "watch=true")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if rv != "123" {
		t.Errorf("expected resourceVersion 123, got %q", rv)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
}

func TestUpstreamClient_Watch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		w.Write([]byte(`{"type":"ADDED","object":{"kind":"Pod","metadata":{"name":"a"}}}`))
		if flusher != nil {
			flusher.Flush()
		}
	}))
	defer srv.Close()

	client, _ := newUpstreamClient(context.Background(), &staticResolver{cfg: &rest.Config{Host: srv.URL}}, "test", "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, errs, closeFn, err := client.watch(ctx, "/api/v1/pods", "watch=true")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer closeFn()

	select {
	case ev := <-events:
		if ev.Type != "ADDED" {
			t.Errorf("expected ADDED, got %s", ev.Type)
		}
	case err := <-errs:
		t.Fatalf("unexpected error: %v", err)
	}
}
