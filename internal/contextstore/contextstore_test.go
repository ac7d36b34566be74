package contextstore

import (
	"testing"
	"time"
)

const testKubeconfig = `
apiVersion: v1
kind: Config
clusters:
- name: cluster-a
  cluster:
    server: https://cluster-a.example.com
contexts:
- name: ctxA
  context:
    cluster: cluster-a
    user: user-a
    namespace: default
users:
- name: user-a
  user:
    token: abc123
current-context: ctxA
`

const testKubeconfigTwoContexts = `
apiVersion: v1
kind: Config
clusters:
- name: cluster-a
  cluster:
    server: https://cluster-a.example.com
- name: cluster-b
  cluster:
    server: https://cluster-b.example.com
contexts:
- name: ctxA
  context:
    cluster: cluster-a
    user: user-a
- name: ctxB
  context:
    cluster: cluster-b
    user: user-a
users:
- name: user-a
  user:
    token: abc123
`

func TestStore_LoadAndGet(t *testing.T) {
	s := New()

	added, err := s.Load([]byte(testKubeconfig), SourcePrimary, "/tmp/kc.yaml", 0)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(added) != 1 || added[0] != "ctxA" {
		t.Fatalf("expected [ctxA], got %v", added)
	}

	cc, ok := s.Get("ctxA")
	if !ok {
		t.Fatal("Get(ctxA) not found")
	}
	if cc.Server != "https://cluster-a.example.com" {
		t.Errorf("unexpected server: %s", cc.Server)
	}
	if cc.AuthType != "token" {
		t.Errorf("expected authType=token, got %s", cc.AuthType)
	}
}

func TestStore_LoadReplacesPriorOriginContexts(t *testing.T) {
	s := New()

	if _, err := s.Load([]byte(testKubeconfig), SourcePrimary, "/tmp/kc.yaml", 0); err != nil {
		t.Fatalf("initial Load() error = %v", err)
	}
	if _, err := s.Load([]byte(testKubeconfigTwoContexts), SourcePrimary, "/tmp/kc.yaml", 0); err != nil {
		t.Fatalf("reload Load() error = %v", err)
	}

	names := map[string]bool{}
	for _, cc := range s.List() {
		names[cc.Name] = true
	}
	if !names["ctxA"] || !names["ctxB"] {
		t.Fatalf("expected ctxA and ctxB after reload, got %v", names)
	}
	if len(names) != 2 {
		t.Fatalf("expected exactly 2 contexts after replace-all reload, got %d", len(names))
	}
}

func TestStore_LoadInvalidConfig(t *testing.T) {
	s := New()

	_, err := s.Load([]byte("not: valid: yaml: ["), SourcePrimary, "/tmp/bad.yaml", 0)
	if err == nil {
		t.Fatal("expected error for malformed kubeconfig")
	}
}

func TestStore_RemoveSource(t *testing.T) {
	s := New()

	if _, err := s.Load([]byte(testKubeconfigTwoContexts), SourceExternalPath, "/tmp/ext.yaml", 0); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	s.RemoveSource(SourceExternalPath, "/tmp/ext.yaml")

	if len(s.List()) != 0 {
		t.Fatalf("expected no contexts after RemoveSource, got %d", len(s.List()))
	}
}

func TestStore_NameCollisionDisambiguatedBySource(t *testing.T) {
	s := New()

	if _, err := s.Load([]byte(testKubeconfig), SourcePrimary, "/tmp/primary.yaml", 0); err != nil {
		t.Fatalf("primary Load() error = %v", err)
	}
	added, err := s.Load([]byte(testKubeconfig), SourceUploaded, "/tmp/uploaded.yaml", 0)
	if err != nil {
		t.Fatalf("uploaded Load() error = %v", err)
	}

	if len(added) != 1 || added[0] != "Uploaded/ctxA" {
		t.Fatalf("expected collision to be disambiguated as Uploaded/ctxA, got %v", added)
	}

	if _, ok := s.Get("ctxA"); !ok {
		t.Fatal("original ctxA should remain registered")
	}
	if _, ok := s.Get("Uploaded/ctxA"); !ok {
		t.Fatal("disambiguated Uploaded/ctxA should be registered")
	}
}

func TestStore_TTLExpiry(t *testing.T) {
	s := New()

	if _, err := s.Load([]byte(testKubeconfig), SourceUploaded, "/tmp/ttl.yaml", 50*time.Millisecond); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if _, ok := s.Get("ctxA"); !ok {
		t.Fatal("expected context to be visible before TTL elapses")
	}

	time.Sleep(80 * time.Millisecond)

	if _, ok := s.Get("ctxA"); ok {
		t.Fatal("expected context to be expired")
	}
	if len(s.List()) != 0 {
		t.Fatalf("expected List() to exclude expired context, got %d entries", len(s.List()))
	}
}

func TestStore_ReapExpiredRemovesFromByOrigin(t *testing.T) {
	s := New()

	if _, err := s.Load([]byte(testKubeconfig), SourceUploaded, "/tmp/ttl2.yaml", 10*time.Millisecond); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	reaped := s.reapExpired(time.Now())
	if reaped != 1 {
		t.Fatalf("expected 1 reaped context, got %d", reaped)
	}

	s.mu.RLock()
	remaining := s.snap.byOrigin[originKey(SourceUploaded, "/tmp/ttl2.yaml")]
	s.mu.RUnlock()
	if len(remaining) != 0 {
		t.Fatalf("expected byOrigin entry to be emptied, got %v", remaining)
	}
}

func TestStore_ClientCachedUntilReplaced(t *testing.T) {
	s := New()

	if _, err := s.Load([]byte(testKubeconfig), SourcePrimary, "/tmp/client.yaml", 0); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	cfg1, err := s.Client("ctxA")
	if err != nil {
		t.Fatalf("Client() error = %v", err)
	}
	cfg2, err := s.Client("ctxA")
	if err != nil {
		t.Fatalf("Client() error = %v", err)
	}
	if cfg1 != cfg2 {
		t.Fatal("expected cached client to be returned on second call")
	}

	if _, err := s.Load([]byte(testKubeconfig), SourcePrimary, "/tmp/client.yaml", 0); err != nil {
		t.Fatalf("reload Load() error = %v", err)
	}
	cfg3, err := s.Client("ctxA")
	if err != nil {
		t.Fatalf("Client() error = %v", err)
	}
	if cfg3 == cfg1 {
		t.Fatal("expected a fresh client after the context was replaced")
	}
}

func TestStore_ClientUnknownCluster(t *testing.T) {
	s := New()

	_, err := s.Client("nope")
	if err == nil {
		t.Fatal("expected error for unknown cluster")
	}
}
