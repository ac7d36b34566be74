package k8sclient

import (
	"errors"
	"testing"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/localcluster/kubedaemon/internal/core"
)

func TestWrapK8sError_MapsNotFound(t *testing.T) {
	gr := schema.GroupResource{Group: "", Resource: "pods"}
	err := wrapK8sError(apierrors.NewNotFound(gr, "p1"))

	var domainErr *core.DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected *core.DomainError, got %T", err)
	}
	if domainErr.Code != core.ErrorCodeNotFound {
		t.Errorf("expected ErrorCodeNotFound, got %v", domainErr.Code)
	}
}

func TestWrapK8sError_PassesThroughNonK8sError(t *testing.T) {
	plain := errors.New("boom")
	if got := wrapK8sError(plain); got != plain {
		t.Fatalf("expected passthrough, got %v", got)
	}
}

func TestWrapK8sError_Nil(t *testing.T) {
	if wrapK8sError(nil) != nil {
		t.Fatal("expected nil for nil input")
	}
}
