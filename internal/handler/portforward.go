package handler

import (
	"net/http"

	"github.com/localcluster/kubedaemon/internal/portforward"
)

// pfSummary is the wire shape for a PortForward record.
type pfSummary struct {
	ID               string `json:"id"`
	Cluster          string `json:"cluster"`
	Namespace        string `json:"namespace"`
	Pod              string `json:"pod"`
	Service          string `json:"service,omitempty"`
	ServiceNamespace string `json:"serviceNamespace,omitempty"`
	TargetPort       int    `json:"targetPort"`
	LocalPort        int    `json:"localPort"`
	Status           string `json:"status"`
	Error            string `json:"error,omitempty"`
}

func toSummary(pf *portforward.PortForward) pfSummary {
	return pfSummary{
		ID:               pf.ID,
		Cluster:          pf.Cluster,
		Namespace:        pf.Namespace,
		Pod:              pf.Pod,
		Service:          pf.Service,
		ServiceNamespace: pf.ServiceNamespace,
		TargetPort:       pf.TargetPort,
		LocalPort:        pf.LocalPort,
		Status:           string(pf.Status),
		Error:            pf.Error,
	}
}

// PortForwardService exposes the Port-Forward Registry over HTTP.
type PortForwardService struct {
	registry *portforward.Registry
}

// NewPortForwardService returns a PortForwardService backed by registry.
func NewPortForwardService(registry *portforward.Registry) *PortForwardService {
	return &PortForwardService{registry: registry}
}

type startRequest struct {
	ID               string `json:"id,omitempty"`
	Cluster          string `json:"cluster"`
	Namespace        string `json:"namespace"`
	Pod              string `json:"pod"`
	Service          string `json:"service,omitempty"`
	ServiceNamespace string `json:"serviceNamespace,omitempty"`
	TargetPort       int    `json:"targetPort"`
	LocalPort        int    `json:"port,omitempty"`
}

// Start handles POST /api/v1/portforward/start.
func (s *PortForwardService) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	pf, err := s.registry.Start(r.Context(), portforward.Request{
		ID:               req.ID,
		Cluster:          req.Cluster,
		Namespace:        req.Namespace,
		Pod:              req.Pod,
		Service:          req.Service,
		ServiceNamespace: req.ServiceNamespace,
		TargetPort:       req.TargetPort,
		LocalPort:        req.LocalPort,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummary(pf))
}

type stopRequest struct {
	ID           string `json:"id"`
	Cluster      string `json:"cluster"`
	StopOrDelete bool   `json:"stopOrDelete"`
}

// Stop handles POST /api/v1/portforward/stop.
func (s *PortForwardService) Stop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.registry.Stop(req.Cluster, req.ID, req.StopOrDelete); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// List handles GET /api/v1/portforward?cluster=....
func (s *PortForwardService) List(w http.ResponseWriter, r *http.Request) {
	cluster := r.URL.Query().Get("cluster")
	list := s.registry.List(cluster)
	out := make([]pfSummary, len(list))
	for i, pf := range list {
		out[i] = toSummary(pf)
	}
	writeJSON(w, http.StatusOK, out)
}

// Get handles GET /api/v1/portforward/{id}?cluster=....
func (s *PortForwardService) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cluster := r.URL.Query().Get("cluster")

	pf, ok := s.registry.Get(cluster, id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "port-forward not found"})
		return
	}
	writeJSON(w, http.StatusOK, toSummary(pf))
}
