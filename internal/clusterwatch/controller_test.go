package clusterwatch

import (
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func TestSplitKey(t *testing.T) {
	cases := []struct {
		key       string
		namespace string
		name      string
	}{
		{"default/p1", "default", "p1"},
		{"p1", "", "p1"},
		{"kube-system/coredns-abc", "kube-system", "coredns-abc"},
	}
	for _, c := range cases {
		ns, name := splitKey(c.key)
		if ns != c.namespace || name != c.name {
			t.Errorf("splitKey(%q) = (%q, %q), want (%q, %q)", c.key, ns, name, c.namespace, c.name)
		}
	}
}

func TestCreationTimestamp(t *testing.T) {
	ts := metav1.NewTime(time.Now().Add(-time.Hour))
	pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{CreationTimestamp: ts}}

	got, ok := creationTimestamp(pod)
	if !ok {
		t.Fatal("expected ok=true for a typed object with ObjectMeta")
	}
	if !got.Equal(ts.Time) {
		t.Errorf("got %v, want %v", got, ts.Time)
	}
}

func TestCreationTimestamp_NotAnObject(t *testing.T) {
	if _, ok := creationTimestamp("not a k8s object"); ok {
		t.Error("expected ok=false for a non-Kubernetes value")
	}
}

func TestToMap_TypedObject(t *testing.T) {
	pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "p1", Namespace: "ns"}}
	m := toMap(pod)
	meta, ok := m["metadata"].(map[string]any)
	if !ok {
		t.Fatalf("expected a metadata map, got %#v", m["metadata"])
	}
	if meta["name"] != "p1" {
		t.Errorf("expected name p1, got %v", meta["name"])
	}
}

func TestListerWatcher_UnsupportedKind(t *testing.T) {
	_, _, _, err := listerWatcher(nil, ResourceKind("widgets"), "")
	if err == nil {
		t.Fatal("expected an error for an unsupported resource kind")
	}
}

func TestCustomResourceConfig_APIVersion(t *testing.T) {
	withGroup := CustomResourceConfig{Group: "example.com", Version: "v1", Resource: "widgets"}
	if got := withGroup.apiVersion(); got != "example.com/v1" {
		t.Errorf("expected example.com/v1, got %q", got)
	}

	coreLike := CustomResourceConfig{Version: "v1", Resource: "widgets"}
	if got := coreLike.apiVersion(); got != "v1" {
		t.Errorf("expected v1, got %q", got)
	}
}
