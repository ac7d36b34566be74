// Package k8sclient builds per-cluster Kubernetes clients (typed,
// SPDY-upgraded, REST config) against clusters registered in a
// contextstore.Store, routing every call by cluster name to that
// cluster's own REST config instead of a single impersonated tunnel
// endpoint.
package k8sclient

import (
	"context"
	"net/http"
	"sync"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/localcluster/kubedaemon/internal/core"
)

// clusterSource resolves a cluster name to its REST config. Satisfied
// by *contextstore.Store; kept as an interface so this package never
// imports contextstore and the dependency direction stays
// adapter → core rather than adapter → adapter.
type clusterSource interface {
	Client(name string) (*rest.Config, error)
}

// clientTimeout is the rest.Config.Timeout set on every config this
// package returns. On configs from restConfig it becomes the timeout of
// the http.Client built from them, so it bounds each whole request,
// with or without a context, including the Watch Multiplexer's watch
// requests.
const clientTimeout = 30 * time.Second

type clusterTransport struct {
	host string
	rt   http.RoundTripper
}

// Clusters is shared by the Watch Multiplexer and the Port-Forward
// Registry. It resolves cluster names via a contextstore.Store and
// caches one HTTP transport per cluster, evicting it when the
// underlying context is replaced (detected by host-address change).
type Clusters struct {
	source clusterSource

	mu         sync.Mutex
	transports map[string]*clusterTransport
}

// NewClusters returns a Clusters helper bound to the given cluster
// source (normally a *contextstore.Store).
func NewClusters(source clusterSource) *Clusters {
	return &Clusters{
		source:     source,
		transports: make(map[string]*clusterTransport),
	}
}

// RESTConfig exposes restConfig to other adapters (the Watch
// Multiplexer issues raw path-based REST calls that do not fit the
// typed/dynamic client surface used elsewhere).
func (c *Clusters) RESTConfig(ctx context.Context, cluster string) (*rest.Config, error) {
	return c.restConfig(ctx, cluster)
}

// restConfig returns a timeout-bounded rest.Config for the cluster,
// reusing a cached transport when the cluster's server address has not
// changed since the last call.
func (c *Clusters) restConfig(_ context.Context, cluster string) (*rest.Config, error) {
	base, err := c.source.Client(cluster)
	if err != nil {
		return nil, err
	}

	rt, err := c.roundTripper(cluster, base)
	if err != nil {
		return nil, err
	}

	cfg := rest.CopyConfig(base)
	cfg.Transport = rt
	cfg.Timeout = clientTimeout
	return cfg, nil
}

// spdyConfig returns a rest.Config suitable for SPDY upgrades (exec,
// port-forward). Unlike restConfig it must not pre-set Transport: SPDY
// dialers negotiate their own connection upgrade from the raw
// TLS/auth settings in the config.
func (c *Clusters) spdyConfig(_ context.Context, cluster string) (*rest.Config, error) {
	base, err := c.source.Client(cluster)
	if err != nil {
		return nil, err
	}
	cfg := rest.CopyConfig(base)
	cfg.Timeout = clientTimeout
	return cfg, nil
}

// SPDYConfig exposes spdyConfig to the Port-Forward Registry, which
// needs an un-transported rest.Config to dial SPDY upgrades directly.
func (c *Clusters) SPDYConfig(ctx context.Context, cluster string) (*rest.Config, error) {
	return c.spdyConfig(ctx, cluster)
}

// Typed returns a typed Kubernetes clientset for the cluster, used
// where call sites need the generated CoreV1/AppsV1 surface instead of
// the dynamic client (e.g. resolving a Service's backing Pods for a
// service-mode port-forward).
func (c *Clusters) Typed(ctx context.Context, cluster string) (*kubernetes.Clientset, error) {
	cfg, err := c.restConfig(ctx, cluster)
	if err != nil {
		return nil, err
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, &core.DomainError{Code: core.ErrorCodeInternal, Message: "create typed clientset", Cause: err}
	}
	return clientset, nil
}

func (c *Clusters) roundTripper(cluster string, base *rest.Config) (http.RoundTripper, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.transports[cluster]; ok && entry.host == base.Host {
		return entry.rt, nil
	}

	if old, ok := c.transports[cluster]; ok {
		closeIdle(old.rt)
	}

	rt, err := rest.TransportFor(base)
	if err != nil {
		return nil, &core.DomainError{Code: core.ErrorCodeInternal, Message: "build transport", Cause: err}
	}

	c.transports[cluster] = &clusterTransport{host: base.Host, rt: rt}
	return rt, nil
}

func closeIdle(rt http.RoundTripper) {
	type idleCloser interface{ CloseIdleConnections() }
	if ic, ok := rt.(idleCloser); ok {
		ic.CloseIdleConnections()
	}
}
