package clusterwatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/client-go/rest"
)

type fakeClusterSource struct {
	names     []string
	clientset *fake.Clientset
}

func (f *fakeClusterSource) Names() []string { return f.names }

func (f *fakeClusterSource) Client(name string) (*rest.Config, error) {
	return &rest.Config{Host: "http://127.0.0.1:1"}, nil
}

func withFakeClientset(t *testing.T, cs kubernetes.Interface) {
	t.Helper()
	orig := newClientsetFunc
	newClientsetFunc = func(*rest.Config) (kubernetes.Interface, error) { return cs, nil }
	t.Cleanup(func() { newClientsetFunc = orig })
}

func TestManager_DispatchesPodCreationToWebhook(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	withFakeClientset(t, clientset)

	var posts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&posts, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := &WatcherConfig{
		Enabled:         true,
		IncludeClusters: []string{"ctxA"},
		Resources:       []ResourceKind{ResourcePods},
		Dispatcher:      DispatcherConfig{Type: "webhook", WebhookURL: srv.URL},
	}
	resolver := &fakeClusterSource{names: []string{"ctxA", "ctxB"}}

	m := NewManager(resolver, cfg, nil)
	m.Start()
	defer m.Stop()

	// CreationTimestamp has only 1s resolution; sleep past the second
	// boundary so the pod created below is unambiguously "after" the
	// controller's recorded start time.
	time.Sleep(1100 * time.Millisecond)

	if _, err := clientset.CoreV1().Pods("default").Create(context.Background(), &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "p1", Namespace: "default", CreationTimestamp: metav1.Now()},
	}, metav1.CreateOptions{}); err != nil {
		t.Fatalf("create pod: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&posts) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for webhook dispatch")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestManager_DisabledDoesNotStartClusters(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	withFakeClientset(t, clientset)

	cfg := &WatcherConfig{Enabled: false}
	resolver := &fakeClusterSource{names: []string{"ctxA"}}

	m := NewManager(resolver, cfg, nil)
	m.Start()
	defer m.Stop()

	m.mu.Lock()
	n := len(m.clusters)
	m.mu.Unlock()
	if n != 0 {
		t.Errorf("expected no clusters started when disabled, got %d", n)
	}
}
