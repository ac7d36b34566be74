package clusterwatch

import (
	"os"
	"path/filepath"
	"testing"
)

func TestShouldWatchCluster_IncludeListWins(t *testing.T) {
	cfg := &WatcherConfig{IncludeClusters: []string{"a", "b"}, SkipClusters: []string{"a"}}

	if !shouldWatchCluster("a", cfg) {
		t.Error("expected a to be watched: includeClusters is an allow-list and overrides skipClusters")
	}
	if shouldWatchCluster("c", cfg) {
		t.Error("expected c to be skipped: not in the non-empty includeClusters allow-list")
	}
}

func TestShouldWatchCluster_SkipListWhenNoInclude(t *testing.T) {
	cfg := &WatcherConfig{SkipClusters: []string{"b"}}

	if shouldWatchCluster("b", cfg) {
		t.Error("expected b to be skipped")
	}
	if !shouldWatchCluster("a", cfg) {
		t.Error("expected a to be watched: not on the deny-list")
	}
}

func TestShouldWatchCluster_DefaultsToAll(t *testing.T) {
	cfg := &WatcherConfig{}
	if !shouldWatchCluster("anything", cfg) {
		t.Error("expected every cluster watched when neither list is set")
	}
}

func TestLoadConfig_MissingFileReturnsDisabled(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Enabled {
		t.Error("expected a missing config file to produce a disabled config")
	}
}

func TestLoadConfig_ParsesAndFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watcher.json")
	body := `{"enabled":true,"includeClusters":["ctxA"],"dispatcher":{"type":"webhook","webhookUrl":"http://localhost:9999/events"}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !cfg.Enabled {
		t.Error("expected enabled=true")
	}
	if len(cfg.IncludeClusters) != 1 || cfg.IncludeClusters[0] != "ctxA" {
		t.Errorf("unexpected includeClusters: %v", cfg.IncludeClusters)
	}
	if len(cfg.Resources) == 0 {
		t.Error("expected default resources to be filled in")
	}
	if cfg.Dispatcher.Timeout != defaultWebhookTimeout {
		t.Errorf("expected default webhook timeout, got %v", cfg.Dispatcher.Timeout)
	}
}
