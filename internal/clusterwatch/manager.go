package clusterwatch

import (
	"log/slog"
	"sync"
	"time"

	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// newClientsetFunc builds the typed clientset a cluster's informers run
// against. Package-level so tests can substitute a fake clientset
// without a real API server.
var newClientsetFunc = func(cfg *rest.Config) (kubernetes.Interface, error) {
	return kubernetes.NewForConfig(cfg)
}

// newDynamicClientFunc builds the dynamic client CustomResources
// informers run against. Package-level for the same reason as
// newClientsetFunc.
var newDynamicClientFunc = func(cfg *rest.Config) (dynamic.Interface, error) {
	return dynamic.NewForConfig(cfg)
}

const (
	eventQueueSize      = 256
	backoffBase         = 500 * time.Millisecond
	backoffCap          = 30 * time.Second
	shutdownGracePeriod = 10 * time.Second
)

// ClusterSource is the subset of the Context Store Manager needs:
// enumerate known cluster names and build a REST config for one.
// Satisfied by *contextstore.Store; kept as an interface so this
// package never imports contextstore (adapter → core, not
// adapter → adapter).
type ClusterSource interface {
	Names() []string
	Client(name string) (*rest.Config, error)
}

// clusterRuntime is the running state for one watched cluster.
type clusterRuntime struct {
	name        string
	stopCh      chan struct{}
	controllers []*controller
	wg          sync.WaitGroup

	queue   chan Event
	drainWG sync.WaitGroup
}

// Manager starts, filters, and tears down the per-cluster informer
// pools and their dispatch loops, implementing the Cluster Watcher &
// Dispatcher component.
type Manager struct {
	resolver   ClusterSource
	cfg        *WatcherConfig
	dispatcher Dispatcher
	log        *slog.Logger
	metrics    *prometheus.CounterVec

	mu       sync.Mutex
	clusters map[string]*clusterRuntime
}

// NewManager builds a Manager for cfg. If cfg.Dispatcher selects a
// webhook and it fails to initialize, the Manager falls back to
// DefaultDispatcher and logs the cause.
func NewManager(resolver ClusterSource, cfg *WatcherConfig, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}

	var dispatcher Dispatcher = DefaultDispatcher{}
	if cfg.Dispatcher.Type == "webhook" {
		wh := NewWebhookDispatcher(cfg.Dispatcher)
		if err := wh.Init(); err != nil {
			log.Warn("webhook dispatcher init failed, falling back to default", "error", err)
		} else {
			dispatcher = wh
		}
	}

	return &Manager{
		resolver:   resolver,
		cfg:        cfg,
		dispatcher: dispatcher,
		log:        log.With("component", "clusterwatch"),
		metrics: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kubedaemon_cluster_events_total",
				Help: "Total number of Kubernetes resource events observed by the cluster watcher, labeled by resource kind, event phase, and cluster.",
			},
			[]string{"kind", "phase", "cluster"},
		),
		clusters: make(map[string]*clusterRuntime),
	}
}

// Start computes the allowed cluster set from cfg and starts an
// informer pool for each. A no-op if cfg.Enabled is false.
func (m *Manager) Start() {
	if !m.cfg.Enabled {
		m.log.Info("cluster watcher disabled")
		return
	}

	for _, name := range m.resolver.Names() {
		if !shouldWatchCluster(name, m.cfg) {
			continue
		}
		if err := m.startCluster(name); err != nil {
			m.log.Error("failed to start cluster watcher", "cluster", name, "error", err)
		}
	}
}

func (m *Manager) startCluster(name string) error {
	restCfg, err := m.resolver.Client(name)
	if err != nil {
		return err
	}
	clientset, err := newClientsetFunc(restCfg)
	if err != nil {
		return err
	}

	rt := &clusterRuntime{
		name:   name,
		stopCh: make(chan struct{}),
		queue:  make(chan Event, eventQueueSize),
	}

	startedAt := time.Now()
	for _, kind := range m.cfg.Resources {
		lw, objType, apiVersion, err := listerWatcher(clientset, kind, m.cfg.Namespace)
		if err != nil {
			m.log.Warn("skipping unsupported resource kind", "kind", kind, "error", err)
			continue
		}
		informer := newSharedIndexInformer(lw, objType)
		ctl := newController(name, kind, apiVersion, informer, rt.enqueue, m.metrics, startedAt)
		rt.controllers = append(rt.controllers, ctl)

		rt.wg.Add(1)
		go func(c *controller) {
			defer rt.wg.Done()
			c.run(rt.stopCh)
		}(ctl)
	}

	if len(m.cfg.CustomResources) > 0 {
		dynamicClient, err := newDynamicClientFunc(restCfg)
		if err != nil {
			m.log.Warn("skipping custom resources: failed to build dynamic client", "cluster", name, "error", err)
		} else {
			for _, crd := range m.cfg.CustomResources {
				lw, objType := customResourceListerWatcher(dynamicClient, crd, m.cfg.Namespace)
				informer := newSharedIndexInformer(lw, objType)
				ctl := newController(name, ResourceKind(crd.Resource), crd.apiVersion(), informer, rt.enqueue, m.metrics, startedAt)
				rt.controllers = append(rt.controllers, ctl)

				rt.wg.Add(1)
				go func(c *controller) {
					defer rt.wg.Done()
					c.run(rt.stopCh)
				}(ctl)
			}
		}
	}

	rt.drainWG.Add(1)
	go func() {
		defer rt.drainWG.Done()
		m.drain(rt)
	}()

	m.mu.Lock()
	m.clusters[name] = rt
	m.mu.Unlock()

	m.log.Info("started cluster watcher", "cluster", name, "resources", m.cfg.Resources)
	return nil
}

// enqueue is the per-controller emit callback; it applies backpressure
// by dropping the event when the bounded queue is full rather than
// blocking the informer's event-handler goroutine indefinitely.
func (rt *clusterRuntime) enqueue(e Event) {
	select {
	case rt.queue <- e:
	default:
	}
}

// drain pulls events off the cluster's queue, coalesces same-key
// events within cfg.CoalesceWindow when configured, and delivers them
// to the dispatcher with jittered backoff retry on ResultRetriable.
func (m *Manager) drain(rt *clusterRuntime) {
	pending := make(map[string]Event)
	var flush <-chan time.Time
	var flushTimer *time.Timer

	scheduleFlush := func() {
		if m.cfg.CoalesceWindow <= 0 || flushTimer != nil {
			return
		}
		flushTimer = time.NewTimer(m.cfg.CoalesceWindow)
		flush = flushTimer.C
	}

	deliverAll := func() {
		for k, e := range pending {
			m.deliverWithRetry(rt.stopCh, e)
			delete(pending, k)
		}
		flushTimer = nil
		flush = nil
	}

	for {
		select {
		case e, ok := <-rt.queue:
			if !ok {
				deliverAll()
				return
			}
			if m.cfg.CoalesceWindow <= 0 {
				m.deliverWithRetry(rt.stopCh, e)
				continue
			}
			pending[e.key()] = e
			scheduleFlush()

		case <-flush:
			deliverAll()

		case <-rt.stopCh:
			// Flush whatever is still queued before delivering the
			// coalesced remainder; drain is the queue's only reader.
			for len(rt.queue) > 0 {
				e := <-rt.queue
				if m.cfg.CoalesceWindow <= 0 {
					m.deliverWithRetry(rt.stopCh, e)
				} else {
					pending[e.key()] = e
				}
			}
			deliverAll()
			return
		}
	}
}

// deliverWithRetry delivers e to the dispatcher, retrying with
// jittered exponential backoff on a retriable result until stopCh
// closes or the dispatcher reports ok/fatal.
func (m *Manager) deliverWithRetry(stopCh <-chan struct{}, e Event) {
	bo := newBackoff(backoffBase, backoffCap)
	for {
		switch m.dispatcher.Deliver(e) {
		case ResultOK:
			return
		case ResultFatal:
			m.log.Warn("dispatch dropped (fatal)", "cluster", e.Cluster, "kind", e.Kind, "name", e.Name)
			return
		case ResultRetriable:
			select {
			case <-stopCh:
				return
			case <-time.After(bo.Next()):
			}
		}
	}
}

// Stop cancels every cluster's informers and flushes their dispatch
// queues within shutdownGracePeriod before returning.
func (m *Manager) Stop() {
	m.mu.Lock()
	clusters := make([]*clusterRuntime, 0, len(m.clusters))
	for _, rt := range m.clusters {
		clusters = append(clusters, rt)
	}
	m.clusters = make(map[string]*clusterRuntime)
	m.mu.Unlock()

	for _, rt := range clusters {
		close(rt.stopCh)
	}

	done := make(chan struct{})
	go func() {
		for _, rt := range clusters {
			rt.wg.Wait()
			rt.drainWG.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGracePeriod):
		m.log.Warn("cluster watcher shutdown timed out, dropping remaining queued events")
	}
}
