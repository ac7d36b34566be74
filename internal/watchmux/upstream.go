package watchmux

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/rest"

	"github.com/localcluster/kubedaemon/internal/core"
)

// ClusterResolver resolves a cluster name to a REST config capable of
// reaching that cluster's API server. Satisfied by *k8sclient.Clusters;
// kept as an interface so this package depends on core vocabulary, not
// on a concrete adapter.
type ClusterResolver interface {
	RESTConfig(ctx context.Context, cluster string) (*rest.Config, error)
}

// upstreamClient wraps the raw HTTP transport used to issue
// path-addressed requests against a cluster's API server — the
// multiplexer forwards arbitrary Kubernetes API paths chosen by the
// client, not a fixed set of typed operations, so it talks HTTP
// directly rather than going through client-go's dynamic or typed
// clients.
type upstreamClient struct {
	host   string
	client *http.Client
}

func newUpstreamClient(ctx context.Context, resolver ClusterResolver, cluster, tokenOverride string) (*upstreamClient, error) {
	cfg, err := resolver.RESTConfig(ctx, cluster)
	if err != nil {
		return nil, err
	}
	if tokenOverride != "" {
		cfg = rest.CopyConfig(cfg)
		cfg.BearerToken = tokenOverride
		cfg.BearerTokenFile = ""
		cfg.Username = ""
		cfg.Password = ""
	}

	httpClient, err := rest.HTTPClientFor(cfg)
	if err != nil {
		return nil, &core.DomainError{Code: core.ErrorCodeInternal, Message: "build upstream http client", Cause: err}
	}
	return &upstreamClient{host: strings.TrimRight(cfg.Host, "/"), client: httpClient}, nil
}

func (u *upstreamClient) url(path, query string) string {
	if query == "" {
		return u.host + path
	}
	return u.host + path + "?" + query
}

// get performs a single, non-watch request and returns the raw
// response body.
func (u *upstreamClient) get(ctx context.Context, path, query string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.url(path, query), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, httpStatusError(resp.StatusCode, body)
	}
	return body, nil
}

// listEnvelope is the subset of a Kubernetes list response needed to
// seed a watch: the resource version to watch from, and the raw items
// to emit as the initial DATA burst.
type listEnvelope struct {
	Metadata struct {
		ResourceVersion string `json:"resourceVersion"`
	} `json:"metadata"`
	Items []json.RawMessage `json:"items"`
}

// list performs the initial, non-watch GET used to seed a watch
// stream: it returns the items to emit as DATA and the resource
// version to watch from.
func (u *upstreamClient) list(ctx context.Context, path, query string) ([]json.RawMessage, string, error) {
	body, err := u.get(ctx, path, stripWatch(query))
	if err != nil {
		return nil, "", err
	}
	var env listEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, "", &core.ErrInvalidInput{Field: "upstream list response", Message: err.Error()}
	}
	return env.Items, env.Metadata.ResourceVersion, nil
}

// watch opens a chunked GET against path+query (which must already
// include watch=true) and returns a channel of decoded watch events.
// The channel is closed when the response body ends or ctx is
// cancelled; a goroutine owns the HTTP response for the lifetime of
// the watch.
func (u *upstreamClient) watch(ctx context.Context, path, query string) (<-chan metav1.WatchEvent, <-chan error, func(), error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.url(path, query), nil)
	if err != nil {
		return nil, nil, nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, nil, nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, nil, nil, httpStatusError(resp.StatusCode, body)
	}

	events := make(chan metav1.WatchEvent)
	errs := make(chan error, 1)
	closeFn := func() { resp.Body.Close() }

	go func() {
		defer close(events)
		dec := json.NewDecoder(bufio.NewReader(resp.Body))
		for {
			var ev metav1.WatchEvent
			if err := dec.Decode(&ev); err != nil {
				if err != io.EOF && ctx.Err() == nil {
					errs <- err
				}
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, errs, closeFn, nil
}

// stripWatch removes watch=true (and any resourceVersion params) from
// a query string before issuing the initial list used to seed a
// watch's starting resource version.
func stripWatch(query string) string {
	parts := strings.Split(query, "&")
	kept := parts[:0]
	for _, p := range parts {
		if p == "" || strings.HasPrefix(p, "watch=") || strings.HasPrefix(p, "resourceVersion=") {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "&")
}

func withResourceVersion(query, rv string) string {
	if rv == "" {
		return query
	}
	q := stripWatch(query)
	extra := fmt.Sprintf("watch=true&resourceVersion=%s", rv)
	if q == "" {
		return extra
	}
	return q + "&" + extra
}

// httpStatusError classifies a non-2xx upstream response into the
// daemon's error taxonomy so the calling stream can choose the right
// STATUS frame (Unauthorized vs. transient-and-retryable).
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.code, e.body)
}

func httpStatusError(code int, body []byte) error {
	return &statusError{code: code, body: string(body)}
}

func isUnauthorized(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusUnauthorized || se.code == http.StatusForbidden
	}
	return false
}
