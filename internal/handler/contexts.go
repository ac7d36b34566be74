package handler

import (
	"io"
	"net/http"
	"time"

	"k8s.io/client-go/tools/clientcmd"

	"github.com/localcluster/kubedaemon/internal/contextstore"
)

// contextSummary is the wire shape for a ClusterContext, omitting the
// raw kubeconfig bytes a listing has no need to expose.
type contextSummary struct {
	Name      string `json:"name"`
	Source    string `json:"source"`
	Server    string `json:"server"`
	AuthType  string `json:"authType"`
	Namespace string `json:"namespace"`
	Cluster   string `json:"cluster"`
}

// ContextsService exposes the Context Store's registry and upload
// operations over HTTP.
type ContextsService struct {
	store      *contextstore.Store
	uploadsDir string
}

// NewContextsService returns a ContextsService backed by store.
// Uploaded kubeconfigs persist under uploadsDir.
func NewContextsService(store *contextstore.Store, uploadsDir string) *ContextsService {
	return &ContextsService{store: store, uploadsDir: uploadsDir}
}

// ListContexts handles GET /api/v1/contexts.
func (s *ContextsService) ListContexts(w http.ResponseWriter, r *http.Request) {
	list := s.store.List()
	out := make([]contextSummary, len(list))
	for i, cc := range list {
		out[i] = contextSummary{
			Name:      cc.Name,
			Source:    string(cc.Source),
			Server:    cc.Server,
			AuthType:  cc.AuthType,
			Namespace: cc.Namespace,
			Cluster:   cc.Cluster,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type uploadRequest struct {
	Content    string        `json:"content"`
	SourceName string        `json:"sourceName"`
	TTL        time.Duration `json:"ttl"`
}

type uploadResponse struct {
	ContextsAdded []string `json:"contextsAdded"`
	Errors        []string `json:"errors,omitempty"`
}

// UploadKubeconfig handles POST /api/v1/kubeconfig/upload.
func (s *ContextsService) UploadKubeconfig(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SourceName == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "sourceName is required"})
		return
	}

	added, err := s.store.UploadRaw(s.uploadsDir, []byte(req.Content), req.SourceName, req.TTL)
	if err != nil {
		writeJSON(w, http.StatusOK, uploadResponse{Errors: []string{err.Error()}})
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{ContextsAdded: added})
}

type validateResponse struct {
	OK           bool     `json:"ok"`
	ContextCount int      `json:"contextCount"`
	Errors       []string `json:"errors,omitempty"`
}

// ValidateKubeconfig handles POST /api/v1/kubeconfig/validate. It
// parses the given content without registering it in the store.
func (s *ContextsService) ValidateKubeconfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		writeJSON(w, http.StatusOK, validateResponse{Errors: []string{err.Error()}})
		return
	}

	cfg, err := clientcmd.Load(body)
	if err != nil {
		writeJSON(w, http.StatusOK, validateResponse{Errors: []string{err.Error()}})
		return
	}
	if len(cfg.Contexts) == 0 {
		writeJSON(w, http.StatusOK, validateResponse{Errors: []string{"no contexts found"}})
		return
	}

	writeJSON(w, http.StatusOK, validateResponse{OK: true, ContextCount: len(cfg.Contexts)})
}
