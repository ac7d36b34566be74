package clusterwatch

import (
	"encoding/json"
	"errors"
	"os"
)

// LoadConfig reads and parses the watcher config file at path. A
// missing file is not an error: it returns a disabled WatcherConfig so
// the daemon can start without cluster watching configured.
func LoadConfig(path string) (*WatcherConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &WatcherConfig{Enabled: false}, nil
		}
		return nil, err
	}

	var cfg WatcherConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Resources) == 0 {
		cfg.Resources = defaultResources()
	}
	if cfg.Dispatcher.Timeout == 0 {
		cfg.Dispatcher.Timeout = defaultWebhookTimeout
	}
	return &cfg, nil
}
