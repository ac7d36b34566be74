package clusterwatch

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestDefaultDispatcher_AlwaysOK(t *testing.T) {
	var d DefaultDispatcher
	if d.Init() != nil {
		t.Fatal("expected Init to succeed")
	}
	if got := d.Deliver(Event{}); got != ResultOK {
		t.Errorf("expected ResultOK, got %v", got)
	}
}

func TestWebhookDispatcher_InitRequiresURL(t *testing.T) {
	d := NewWebhookDispatcher(DispatcherConfig{})
	if err := d.Init(); err == nil {
		t.Fatal("expected Init to fail without a url")
	}
}

func TestWebhookDispatcher_DeliverOK(t *testing.T) {
	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewWebhookDispatcher(DispatcherConfig{WebhookURL: srv.URL})
	if err := d.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if got := d.Deliver(Event{Cluster: "ctxA", Kind: "pods", Name: "p1"}); got != ResultOK {
		t.Errorf("expected ResultOK, got %v", got)
	}
	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("expected exactly one POST, got %d", received)
	}
}

func TestWebhookDispatcher_DeliverRetriable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := NewWebhookDispatcher(DispatcherConfig{WebhookURL: srv.URL})
	if got := d.Deliver(Event{}); got != ResultRetriable {
		t.Errorf("expected ResultRetriable for 503, got %v", got)
	}
}

func TestWebhookDispatcher_DeliverFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := NewWebhookDispatcher(DispatcherConfig{WebhookURL: srv.URL})
	if got := d.Deliver(Event{}); got != ResultFatal {
		t.Errorf("expected ResultFatal for 400, got %v", got)
	}
}

func TestWebhookDispatcher_DeliverNetworkErrorIsRetriable(t *testing.T) {
	d := NewWebhookDispatcher(DispatcherConfig{WebhookURL: "http://127.0.0.1:1"})
	if got := d.Deliver(Event{}); got != ResultRetriable {
		t.Errorf("expected ResultRetriable for a connection failure, got %v", got)
	}
}
