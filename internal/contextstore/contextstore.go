// Package contextstore maintains the authoritative, concurrently
// readable set of known Kubernetes cluster contexts aggregated from
// kubeconfig files, a directory of external kubeconfigs, and inline
// uploads. It hands out cached REST clients keyed by context name and
// invalidates them when the underlying context is replaced.
package contextstore

import (
	"fmt"
	"sync"
	"time"

	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"

	"github.com/localcluster/kubedaemon/internal/core"
)

// Source identifies where a ClusterContext came from.
type Source string

const (
	SourcePrimary       Source = "Primary"
	SourceExternalPath  Source = "ExternalPath"
	SourceUploaded      Source = "Uploaded"
	SourceDynamicCluster Source = "DynamicCluster"
)

// ClusterContext is an immutable snapshot of one kubeconfig context.
// Mutation never happens in place: a changed context is replaced by a
// new *ClusterContext value under the same name.
type ClusterContext struct {
	Name      string
	Source    Source
	Server    string
	AuthType  string
	Namespace string
	User      string
	Cluster   string
	RawConfig []byte
	Origin    string
	TTL       time.Duration
	expiresAt time.Time
	// configContextName is the context's name as it appears inside
	// RawConfig. It equals Name unless a collision forced Name to be
	// disambiguated with a source prefix.
	configContextName string
}

// Expired reports whether an Uploaded context's TTL has elapsed.
func (c *ClusterContext) Expired(now time.Time) bool {
	return c.TTL > 0 && now.After(c.expiresAt)
}

// snapshot is the copy-on-write state readers observe. Writers build a
// new snapshot and swap the store's pointer under the write lock;
// readers hold the read lock only long enough to copy that pointer.
type snapshot struct {
	contexts map[string]*ClusterContext
	// byOrigin groups context names by the (source, origin) pair that
	// produced them, so WatchFiles/RemoveSource can evict a whole
	// source's contexts atomically with a "replace all" reload.
	byOrigin map[string][]string
}

func newSnapshot() *snapshot {
	return &snapshot{
		contexts: make(map[string]*ClusterContext),
		byOrigin: make(map[string][]string),
	}
}

func (s *snapshot) clone() *snapshot {
	next := newSnapshot()
	for k, v := range s.contexts {
		next.contexts[k] = v
	}
	for k, v := range s.byOrigin {
		next.byOrigin[k] = append([]string(nil), v...)
	}
	return next
}

// clientEntry caches a built REST client alongside the *ClusterContext
// value it was built from, so Client() can detect a replaced context by
// pointer comparison without an explicit invalidation call from every
// writer.
type clientEntry struct {
	context *ClusterContext
	config  *rest.Config
}

// Store is the concurrency-safe registry of ClusterContexts. The zero
// value is not usable; construct with New.
type Store struct {
	mu   sync.RWMutex
	snap *snapshot

	clientMu sync.Mutex
	clients  map[string]*clientEntry

	loadedMu   sync.Mutex
	loadedHash map[string][32]byte
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		snap:       newSnapshot(),
		clients:    make(map[string]*clientEntry),
		loadedHash: make(map[string][32]byte),
	}
}

func originKey(source Source, origin string) string {
	return string(source) + "\x00" + origin
}

// Load parses a kubeconfig blob (multi-document supported via
// clientcmd's native YAML-with-multiple-contexts format) and registers
// every context it finds under the given source and origin. It returns
// the names of the contexts added. A name collision with an existing
// context from a different origin is disambiguated by prefixing the
// source tag.
func (s *Store) Load(raw []byte, source Source, origin string, ttl time.Duration) ([]string, error) {
	cfg, err := clientcmd.Load(raw)
	if err != nil {
		return nil, &core.ErrInvalidInput{Field: "kubeconfig", Message: err.Error()}
	}
	if len(cfg.Contexts) == 0 {
		return nil, &core.ErrInvalidInput{Field: "kubeconfig", Message: "no contexts found"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.snap.clone()
	key := originKey(source, origin)
	// Coarse "replace all for this source" strategy: drop whatever
	// this origin previously contributed before adding the fresh set.
	for _, name := range next.byOrigin[key] {
		delete(next.contexts, name)
	}

	var added []string
	for name, kc := range cfg.Contexts {
		cc, err := buildClusterContext(cfg, name, kc, source, origin, ttl)
		if err != nil {
			continue
		}

		finalName := name
		if existing, ok := next.contexts[finalName]; ok && existing.Origin != origin {
			finalName = fmt.Sprintf("%s/%s", source, name)
		}
		cc.Name = finalName
		next.contexts[finalName] = cc
		added = append(added, finalName)
	}

	next.byOrigin[key] = added
	s.snap = next

	return added, nil
}

func buildClusterContext(cfg *clientcmdapi.Config, ctxName string, kc *clientcmdapi.Context, source Source, origin string, ttl time.Duration) (*ClusterContext, error) {
	cluster, ok := cfg.Clusters[kc.Cluster]
	if !ok {
		return nil, fmt.Errorf("context %s references unknown cluster %s", ctxName, kc.Cluster)
	}

	authType := "none"
	if user, ok := cfg.AuthInfos[kc.AuthInfo]; ok {
		switch {
		case user.Token != "" || user.TokenFile != "":
			authType = "token"
		case user.ClientCertificate != "" || len(user.ClientCertificateData) > 0:
			authType = "clientCert"
		case user.Exec != nil:
			authType = "exec"
		case user.Username != "":
			authType = "basic"
		}
	}

	raw, err := clientcmd.Write(*cfg)
	if err != nil {
		return nil, err
	}

	cc := &ClusterContext{
		Name:              ctxName,
		Source:            source,
		Server:            cluster.Server,
		AuthType:          authType,
		Namespace:         kc.Namespace,
		User:              kc.AuthInfo,
		Cluster:           kc.Cluster,
		RawConfig:         raw,
		Origin:            origin,
		TTL:               ttl,
		configContextName: ctxName,
	}
	if ttl > 0 {
		cc.expiresAt = time.Now().Add(ttl)
	}
	return cc, nil
}

// List returns an immutable snapshot of every non-expired context.
func (s *Store) List() []*ClusterContext {
	s.mu.RLock()
	snap := s.snap
	s.mu.RUnlock()

	now := time.Now()
	out := make([]*ClusterContext, 0, len(snap.contexts))
	for _, cc := range snap.contexts {
		if cc.Expired(now) {
			continue
		}
		out = append(out, cc)
	}
	return out
}

// Get returns the context with the given name, or false if absent or
// expired.
func (s *Store) Get(name string) (*ClusterContext, bool) {
	s.mu.RLock()
	snap := s.snap
	s.mu.RUnlock()

	cc, ok := snap.contexts[name]
	if !ok || cc.Expired(time.Now()) {
		return nil, false
	}
	return cc, true
}

// Names returns the names of every non-expired context, with no other
// metadata. Used by consumers (e.g. the cluster watcher) that only need
// to enumerate known clusters, not their full snapshot.
func (s *Store) Names() []string {
	list := s.List()
	names := make([]string, len(list))
	for i, cc := range list {
		names[i] = cc.Name
	}
	return names
}

// Remove deletes a single context by name.
func (s *Store) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.snap.clone()
	if cc, ok := next.contexts[name]; ok {
		key := originKey(cc.Source, cc.Origin)
		next.byOrigin[key] = removeString(next.byOrigin[key], name)
		delete(next.contexts, name)
	}
	s.snap = next

	s.clientMu.Lock()
	delete(s.clients, name)
	s.clientMu.Unlock()
}

// RemoveSource evicts every context contributed by the given
// (source, origin) pair. Used when a watched file or directory entry
// disappears.
func (s *Store) RemoveSource(source Source, origin string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.snap.clone()
	key := originKey(source, origin)
	for _, name := range next.byOrigin[key] {
		delete(next.contexts, name)
		s.clientMu.Lock()
		delete(s.clients, name)
		s.clientMu.Unlock()
	}
	delete(next.byOrigin, key)
	s.snap = next

	// Forget the origin's content hash so that a recreated file with
	// the same content is loaded again instead of being skipped.
	s.loadedMu.Lock()
	delete(s.loadedHash, origin)
	s.loadedMu.Unlock()
}

// reapExpired drops every Uploaded context whose TTL has elapsed.
// Called periodically by the TTL sweep loop (see upload.go).
func (s *Store) reapExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.snap.clone()
	reaped := 0
	for name, cc := range next.contexts {
		if cc.Expired(now) {
			delete(next.contexts, name)
			key := originKey(cc.Source, cc.Origin)
			next.byOrigin[key] = removeString(next.byOrigin[key], name)
			reaped++

			s.clientMu.Lock()
			delete(s.clients, name)
			s.clientMu.Unlock()
		}
	}
	if reaped > 0 {
		s.snap = next
	}
	return reaped
}

func removeString(in []string, v string) []string {
	out := in[:0]
	for _, s := range in {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

// Client returns a cached *rest.Config for the named context, building
// and caching one on miss. A cached entry is reused only while the
// store still holds the same *ClusterContext value it was built from.
// Every reload of the context's origin installs a new value, so the
// next call builds a fresh config even when the content is unchanged.
func (s *Store) Client(name string) (*rest.Config, error) {
	cc, ok := s.Get(name)
	if !ok {
		return nil, &core.ErrClusterNotFound{Cluster: name}
	}

	s.clientMu.Lock()
	defer s.clientMu.Unlock()

	if entry, ok := s.clients[name]; ok && entry.context == cc {
		return entry.config, nil
	}

	cfg, err := clientConfigFromRaw(cc)
	if err != nil {
		return nil, err
	}

	s.clients[name] = &clientEntry{context: cc, config: cfg}
	return cfg, nil
}

func clientConfigFromRaw(cc *ClusterContext) (*rest.Config, error) {
	apiCfg, err := clientcmd.Load(cc.RawConfig)
	if err != nil {
		return nil, &core.ErrInvalidInput{Field: "kubeconfig", Message: err.Error()}
	}

	overrides := &clientcmd.ConfigOverrides{CurrentContext: cc.configContextName}
	cfg, err := clientcmd.NewNonInteractiveClientConfig(*apiCfg, cc.configContextName, overrides, nil).ClientConfig()
	if err != nil {
		return nil, &core.DomainError{Code: core.ErrorCodeInvalidArgument, Message: "build client config", Cause: err}
	}
	return cfg, nil
}
