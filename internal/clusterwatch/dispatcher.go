package clusterwatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const defaultWebhookTimeout = 10 * time.Second

// DefaultDispatcher drops every event. Used when no dispatcher is
// configured, or as the fallback when a Webhook dispatcher fails Init.
type DefaultDispatcher struct{}

func (DefaultDispatcher) Init() error { return nil }

func (DefaultDispatcher) Deliver(Event) DeliverResult { return ResultOK }

// webhookEvent is the JSON body posted to a Webhook dispatcher's URL.
type webhookEvent struct {
	Cluster    string         `json:"cluster"`
	Kind       string         `json:"kind"`
	APIVersion string         `json:"apiVersion"`
	Namespace  string         `json:"namespace"`
	Name       string         `json:"name"`
	Phase      Phase          `json:"phase"`
	Object     map[string]any `json:"object,omitempty"`
	ObservedAt time.Time      `json:"observedAt"`
}

// WebhookDispatcher posts each event as JSON to a configured URL.
type WebhookDispatcher struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

// NewWebhookDispatcher returns a WebhookDispatcher for cfg. Call Init
// before use.
func NewWebhookDispatcher(cfg DispatcherConfig) *WebhookDispatcher {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookDispatcher{
		url:     cfg.WebhookURL,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

func (d *WebhookDispatcher) Init() error {
	if d.url == "" {
		return fmt.Errorf("webhook dispatcher: url required")
	}
	return nil
}

// Deliver posts e to the configured URL. 2xx is ok; 5xx, 408, 429, and
// network errors are retriable; any other 4xx is fatal.
func (d *WebhookDispatcher) Deliver(e Event) DeliverResult {
	body, err := json.Marshal(webhookEvent{
		Cluster:    e.Cluster,
		Kind:       e.Kind,
		APIVersion: e.APIVersion,
		Namespace:  e.Namespace,
		Name:       e.Name,
		Phase:      e.Phase,
		Object:     e.Object,
		ObservedAt: e.ObservedAt,
	})
	if err != nil {
		return ResultFatal
	}

	req, err := http.NewRequest(http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return ResultFatal
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return ResultRetriable
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return ResultOK
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return ResultRetriable
	default:
		return ResultFatal
	}
}
