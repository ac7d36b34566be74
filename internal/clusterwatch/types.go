// Package clusterwatch implements the Cluster Watcher & Dispatcher: a
// per-cluster pool of informers that observe configured resource kinds,
// normalize their events, and push them through a pluggable Dispatcher
// with filtering, per-cluster queueing, and retry/backoff.
package clusterwatch

import "time"

// Phase is the normalized lifecycle phase of a dispatched Event.
type Phase string

const (
	PhaseAdded    Phase = "Added"
	PhaseModified Phase = "Modified"
	PhaseDeleted  Phase = "Deleted"
)

// Event is the normalized record pushed to a Dispatcher, decoupled from
// any single informer's object representation.
type Event struct {
	Cluster    string
	Kind       string
	APIVersion string
	Namespace  string
	Name       string
	Phase      Phase
	Object     map[string]any
	ObservedAt time.Time
}

// key identifies an event for coalescing: events for the same key within
// the debounce window collapse to the latest.
func (e Event) key() string {
	return e.Cluster + "\x00" + e.Kind + "\x00" + e.Namespace + "\x00" + e.Name
}

// DeliverResult classifies the outcome of a Dispatcher.Deliver call so
// the draining loop can decide whether to retry.
type DeliverResult int

const (
	ResultOK DeliverResult = iota
	ResultRetriable
	ResultFatal
)

// Dispatcher is a polymorphic sink for dispatched Events.
type Dispatcher interface {
	// Init prepares the dispatcher (e.g. validates a webhook URL). A
	// failing Init does not abort startup; the watcher falls back to
	// the Default dispatcher.
	Init() error
	// Deliver attempts to hand off one event.
	Deliver(e Event) DeliverResult
}

// ResourceKind names one watched Kubernetes resource kind as configured
// in WatcherConfig.Resources (e.g. "pods", "events", "deployments").
type ResourceKind string

const (
	ResourcePods        ResourceKind = "pods"
	ResourceEvents      ResourceKind = "events"
	ResourceDeployments ResourceKind = "deployments"
	ResourceServices    ResourceKind = "services"
	ResourceConfigMaps  ResourceKind = "configmaps"
	ResourceNodes       ResourceKind = "nodes"
)

// DispatcherConfig selects and configures the dispatcher variant.
type DispatcherConfig struct {
	Type       string        `json:"type"` // "webhook" or "" / "default"
	WebhookURL string        `json:"webhookUrl,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`
}

// WatcherConfig is the daemon-wide configuration for the Cluster
// Watcher & Dispatcher, loaded from the watcher config file named by
// config.Config.WatcherConfigPath.
type WatcherConfig struct {
	Enabled         bool                   `json:"enabled"`
	SkipClusters    []string               `json:"skipClusters,omitempty"`
	IncludeClusters []string               `json:"includeClusters,omitempty"`
	Resources       []ResourceKind         `json:"resources,omitempty"`
	CustomResources []CustomResourceConfig `json:"customResources,omitempty"`
	Namespace       string                 `json:"namespace,omitempty"` // "" watches all namespaces
	Dispatcher      DispatcherConfig       `json:"dispatcher"`
	CoalesceWindow  time.Duration          `json:"coalesceWindow,omitempty"`
}

// CustomResourceConfig names one CRD to watch via the dynamic client,
// alongside the typed kinds in Resources.
type CustomResourceConfig struct {
	Group    string `json:"group"`
	Version  string `json:"version"`
	Resource string `json:"resource"`
}

func (c CustomResourceConfig) apiVersion() string {
	if c.Group == "" {
		return c.Version
	}
	return c.Group + "/" + c.Version
}

// shouldWatchCluster applies the cluster filter precedence:
// includeClusters is an allow-list when non-empty; otherwise
// skipClusters is a deny-list; otherwise every cluster is watched.
func shouldWatchCluster(name string, cfg *WatcherConfig) bool {
	if len(cfg.IncludeClusters) > 0 {
		for _, included := range cfg.IncludeClusters {
			if included == name {
				return true
			}
		}
		return false
	}

	if len(cfg.SkipClusters) > 0 {
		for _, skipped := range cfg.SkipClusters {
			if skipped == name {
				return false
			}
		}
	}

	return true
}

func defaultResources() []ResourceKind {
	return []ResourceKind{ResourcePods, ResourceEvents}
}
