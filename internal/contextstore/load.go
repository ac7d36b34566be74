package contextstore

import (
	"fmt"
	"os"

	"k8s.io/client-go/rest"

	"github.com/localcluster/kubedaemon/internal/core"
)

// LoadPrimary loads the daemon's primary context source. When inCluster
// is true, the in-cluster service account is used and registered under
// a synthetic "in-cluster" context name rather than via Load, since
// there is no kubeconfig blob to parse. Otherwise kubeconfigPath is
// read and loaded as the Primary source.
func (s *Store) LoadPrimary(kubeconfigPath string, inCluster bool) ([]string, error) {
	if inCluster {
		cfg, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("in-cluster config: %w", err)
		}
		return s.registerInCluster(cfg)
	}

	raw, err := os.ReadFile(kubeconfigPath)
	if err != nil {
		return nil, &core.ErrInvalidInput{Field: "kubeconfig", Message: err.Error()}
	}
	return s.Load(raw, SourcePrimary, kubeconfigPath, 0)
}

// registerInCluster synthesizes a ClusterContext for the in-cluster
// service account config, bypassing kubeconfig parsing entirely since
// rest.InClusterConfig has no backing YAML document.
func (s *Store) registerInCluster(cfg *rest.Config) ([]string, error) {
	const name = "in-cluster"

	s.mu.Lock()
	next := s.snap.clone()
	next.contexts[name] = &ClusterContext{
		Name:              name,
		Source:            SourcePrimary,
		Server:            cfg.Host,
		AuthType:          "serviceAccount",
		Namespace:         "default",
		Cluster:           name,
		Origin:            "in-cluster",
		configContextName: name,
	}
	next.byOrigin[originKey(SourcePrimary, "in-cluster")] = []string{name}
	s.snap = next
	s.mu.Unlock()

	s.clientMu.Lock()
	s.clients[name] = &clientEntry{context: next.contexts[name], config: cfg}
	s.clientMu.Unlock()

	return []string{name}, nil
}
