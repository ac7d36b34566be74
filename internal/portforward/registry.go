package portforward

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/localcluster/kubedaemon/internal/core"
)

// ClusterResolver resolves a cluster name to the REST config needed
// to dial a port-forward and the typed clientset needed to resolve
// service-mode targets. Satisfied by *k8sclient.Clusters.
type ClusterResolver interface {
	SPDYConfig(ctx context.Context, cluster string) (*rest.Config, error)
	Typed(ctx context.Context, cluster string) (*kubernetes.Clientset, error)
}

// entry pairs a PortForward record with the running handle needed to
// tear it down, guarded by its own lock so operations on different
// ids proceed in parallel while same-id operations serialize.
type entry struct {
	mu     sync.Mutex
	record *PortForward
	handle *forwarderHandle
}

// Registry starts, indexes, and tears down port-forward tunnels,
// implementing the Port-Forward Registry component.
type Registry struct {
	resolver ClusterResolver

	mu      sync.RWMutex
	entries map[string]map[string]*entry // cluster -> id -> entry
}

// NewRegistry returns a Registry backed by resolver.
func NewRegistry(resolver ClusterResolver) *Registry {
	return &Registry{
		resolver: resolver,
		entries:  make(map[string]map[string]*entry),
	}
}

// Start begins a port-forward per req, blocking until the listener is
// bound (Running) or the attempt fails.
func (r *Registry) Start(ctx context.Context, req Request) (*PortForward, error) {
	if req.Cluster == "" {
		return nil, &ErrInvalidRequest{Field: "cluster", Message: "required"}
	}
	if req.TargetPort <= 0 {
		return nil, &ErrInvalidRequest{Field: "targetPort", Message: "must be positive"}
	}

	id := req.ID
	if id == "" {
		var err error
		id, err = r.freshID(req.Cluster)
		if err != nil {
			return nil, err
		}
	} else if r.exists(req.Cluster, id) {
		return nil, &ErrInvalidRequest{Field: "id", Message: "already registered for this cluster"}
	}

	cfg, err := r.resolver.SPDYConfig(ctx, req.Cluster)
	if err != nil {
		return nil, err
	}
	clientset, err := r.resolver.Typed(ctx, req.Cluster)
	if err != nil {
		return nil, err
	}

	namespace, pod, err := resolveTarget(ctx, clientset, req)
	if err != nil {
		return nil, err
	}

	e := &entry{record: &PortForward{
		ID:               id,
		Cluster:          req.Cluster,
		Namespace:        namespace,
		Pod:              pod,
		Service:          req.Service,
		ServiceNamespace: req.ServiceNamespace,
		TargetPort:       req.TargetPort,
		LocalPort:        req.LocalPort,
		CreatedAt:        time.Now(),
	}}

	r.register(req.Cluster, id, e)

	handle, boundPort, err := dialFunc(ctx, cfg, clientset, namespace, pod, req.TargetPort, req.LocalPort, io.Discard, io.Discard)
	if err != nil {
		e.mu.Lock()
		e.record.Status = StatusError
		e.record.Error = err.Error()
		e.mu.Unlock()
		return nil, err
	}

	e.mu.Lock()
	e.handle = handle
	e.record.LocalPort = boundPort
	e.record.Status = StatusRunning
	out := e.record.clone()
	e.mu.Unlock()

	go r.watchFailure(req.Cluster, id, e)

	return out, nil
}

// watchFailure transitions the entry to Error if its forwarder
// goroutine exits on its own (upstream pod termination, connection
// drop) rather than via an explicit Stop.
func (r *Registry) watchFailure(cluster, id string, e *entry) {
	err, ok := <-e.handle.errCh
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.record.Status != StatusRunning {
		return // already stopped/deleted explicitly
	}
	e.record.Status = StatusError
	if ok && err != nil {
		e.record.Error = err.Error()
	}
}

// Stop terminates the listener and upstream stream for (cluster, id).
// If stopOrDelete, the record is removed from the registry entirely;
// otherwise it is kept with status Stopped.
func (r *Registry) Stop(cluster, id string, stopOrDelete bool) error {
	r.mu.Lock()
	byID := r.entries[cluster]
	var e *entry
	if byID != nil {
		e = byID[id]
	}
	r.mu.Unlock()

	if e == nil {
		return &core.ErrPortForwardNotFound{Cluster: cluster, ID: id}
	}

	e.mu.Lock()
	if e.handle != nil {
		e.handle.stop()
	}
	if e.record.Status == StatusRunning {
		e.record.Status = StatusStopped
	}
	e.mu.Unlock()

	if stopOrDelete {
		r.mu.Lock()
		delete(r.entries[cluster], id)
		if len(r.entries[cluster]) == 0 {
			delete(r.entries, cluster)
		}
		r.mu.Unlock()
	}
	return nil
}

// List returns every registered PortForward for cluster.
func (r *Registry) List(cluster string) []*PortForward {
	r.mu.RLock()
	byID := r.entries[cluster]
	entries := make([]*entry, 0, len(byID))
	for _, e := range byID {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]*PortForward, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.record.clone())
		e.mu.Unlock()
	}
	return out
}

// Get returns the PortForward registered under (cluster, id).
func (r *Registry) Get(cluster, id string) (*PortForward, bool) {
	r.mu.RLock()
	byID := r.entries[cluster]
	var e *entry
	if byID != nil {
		e = byID[id]
	}
	r.mu.RUnlock()

	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record.clone(), true
}

func (r *Registry) register(cluster, id string, e *entry) {
	r.mu.Lock()
	if r.entries[cluster] == nil {
		r.entries[cluster] = make(map[string]*entry)
	}
	r.entries[cluster][id] = e
	r.mu.Unlock()
}

func (r *Registry) exists(cluster, id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byID := r.entries[cluster]
	if byID == nil {
		return false
	}
	_, ok := byID[id]
	return ok
}

func (r *Registry) freshID(cluster string) (string, error) {
	for i := 0; i < 10; i++ {
		id, err := randomID()
		if err != nil {
			return "", err
		}
		if !r.exists(cluster, id) {
			return id, nil
		}
	}
	return "", fmt.Errorf("exhausted attempts generating a collision-free id")
}

func randomID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
