package handler

import (
	"net/http"

	"github.com/localcluster/kubedaemon/internal/contextstore"
	"github.com/localcluster/kubedaemon/internal/portforward"
)

// Mount registers every REST route this package serves onto mux. It
// matches the signature of internal/transport/http.MountFunc without
// importing that package, keeping handler free of a transport
// dependency.
func Mount(mux *http.ServeMux, store *contextstore.Store, registry *portforward.Registry, uploadsDir string) {
	contexts := NewContextsService(store, uploadsDir)
	pf := NewPortForwardService(registry)

	mux.HandleFunc("GET /healthz", HealthCheck)

	mux.HandleFunc("GET /api/v1/contexts", contexts.ListContexts)
	mux.HandleFunc("POST /api/v1/kubeconfig/upload", contexts.UploadKubeconfig)
	mux.HandleFunc("POST /api/v1/kubeconfig/validate", contexts.ValidateKubeconfig)

	mux.HandleFunc("POST /api/v1/portforward/start", pf.Start)
	mux.HandleFunc("POST /api/v1/portforward/stop", pf.Stop)
	mux.HandleFunc("GET /api/v1/portforward", pf.List)
	mux.HandleFunc("GET /api/v1/portforward/{id}", pf.Get)
}
