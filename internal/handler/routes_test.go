package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/localcluster/kubedaemon/internal/contextstore"
	"github.com/localcluster/kubedaemon/internal/portforward"
)

func TestHealthCheck(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %q, want healthy", body["status"])
	}
}

func TestListContexts_Empty(t *testing.T) {
	store := contextstore.New()
	svc := NewContextsService(store, t.TempDir())

	rec := httptest.NewRecorder()
	svc.ListContexts(rec, httptest.NewRequest(http.MethodGet, "/api/v1/contexts", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body []contextSummary
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body) != 0 {
		t.Errorf("expected no contexts, got %d", len(body))
	}
}

func TestValidateKubeconfig_InvalidYAML(t *testing.T) {
	store := contextstore.New()
	svc := NewContextsService(store, t.TempDir())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/kubeconfig/validate", bytes.NewBufferString("not: valid: :yaml: ["))
	rec := httptest.NewRecorder()
	svc.ValidateKubeconfig(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body validateResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.OK {
		t.Error("expected ok=false for invalid kubeconfig content")
	}
	if len(body.Errors) == 0 {
		t.Error("expected a parse error to be reported")
	}
}

type fakeResolver struct {
	err error
}

func (f *fakeResolver) SPDYConfig(ctx context.Context, cluster string) (*rest.Config, error) {
	return nil, f.err
}

func (f *fakeResolver) Typed(ctx context.Context, cluster string) (*kubernetes.Clientset, error) {
	return nil, f.err
}

func TestPortForwardStart_ResolverError(t *testing.T) {
	registry := portforward.NewRegistry(&fakeResolver{err: errors.New("cluster unreachable")})
	svc := NewPortForwardService(registry)

	body, _ := json.Marshal(startRequest{Cluster: "ctxA", Pod: "p1", TargetPort: 80})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/portforward/start", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	svc.Start(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestPortForwardStart_MissingCluster(t *testing.T) {
	registry := portforward.NewRegistry(&fakeResolver{})
	svc := NewPortForwardService(registry)

	body, _ := json.Marshal(startRequest{Pod: "p1", TargetPort: 80})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/portforward/start", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	svc.Start(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPortForwardGet_NotFound(t *testing.T) {
	registry := portforward.NewRegistry(&fakeResolver{})
	svc := NewPortForwardService(registry)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/portforward/missing?cluster=ctxA", nil)
	req.SetPathValue("id", "missing")
	rec := httptest.NewRecorder()
	svc.Get(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
