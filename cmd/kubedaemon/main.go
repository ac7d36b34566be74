// Package main is the entry point for the kubedaemon binary: a
// long-running local daemon that aggregates kubeconfig sources into a
// pool of cluster contexts and exposes REST, WebSocket multiplex, and
// port-forward operations over HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/localcluster/kubedaemon/internal/clusterwatch"
	"github.com/localcluster/kubedaemon/internal/config"
	"github.com/localcluster/kubedaemon/internal/contextstore"
	"github.com/localcluster/kubedaemon/internal/handler"
	"github.com/localcluster/kubedaemon/internal/k8sclient"
	"github.com/localcluster/kubedaemon/internal/portforward"
	"github.com/localcluster/kubedaemon/internal/transport"
	transporthttp "github.com/localcluster/kubedaemon/internal/transport/http"
	"github.com/localcluster/kubedaemon/internal/watchmux"
)

// version is injected at build time via -ldflags
// (e.g. -ldflags "-X main.version=v1.2.3").
var version = "devel"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cmd, err := newRootCmd()
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	return cmd.ExecuteContext(ctx)
}

func newRootCmd() (*cobra.Command, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	cmd := &cobra.Command{
		Use:           "kubedaemon",
		Short:         "Local multi-cluster Kubernetes operator daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(c *cobra.Command, args []string) error {
			return runDaemon(c.Context(), cfg)
		},
	}

	if err := cfg.BindFlags(cmd.Flags(), config.Options); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	return cmd, nil
}

func runDaemon(ctx context.Context, cfg *config.Config) error {
	log := newLogger()

	store := contextstore.New()
	if err := bootstrapContextStore(ctx, store, cfg, log); err != nil {
		return fmt.Errorf("bootstrap context store: %w", err)
	}
	go store.RunTTLSweep(ctx)

	clusters := k8sclient.NewClusters(store)
	registry := portforward.NewRegistry(clusters)
	wsHandler := watchmux.NewHandler(clusters, store, log)

	watcherCfg, err := clusterwatch.LoadConfig(cfg.WatcherConfigPath())
	if err != nil {
		return fmt.Errorf("load watcher config: %w", err)
	}
	watcher := clusterwatch.NewManager(store, watcherCfg, log)
	watcher.Start()
	defer watcher.Stop()

	httpSrv, err := transporthttp.NewServer(
		transporthttp.WithAddress(cfg.ListenAddr()),
		transporthttp.WithHTTPLogger(log),
		transporthttp.WithMount(mountRoutes(store, registry, wsHandler, cfg.UploadsDir())),
	)
	if err != nil {
		return fmt.Errorf("create http server: %w", err)
	}
	defer wsHandler.Shutdown()

	log.Info("kubedaemon starting", "version", version, "listen_addr", cfg.ListenAddr())
	return transport.Serve(ctx, httpSrv)
}

// mountRoutes builds the transport/http.MountFunc that registers the
// REST API and WebSocket multiplexer endpoints onto one ServeMux.
func mountRoutes(store *contextstore.Store, registry *portforward.Registry, ws *watchmux.Handler, uploadsDir string) transporthttp.MountFunc {
	return func(mux *http.ServeMux) error {
		handler.Mount(mux, store, registry, uploadsDir)

		mux.Handle("/ws", ws)
		mux.Handle("/wsMultiplexer", ws)
		mux.Handle("/api/v1/socket/clusters/{cluster}/ws", ws)
		mux.Handle("/api/v1/socket/clusters/{cluster}/watch", ws)

		return nil
	}
}

// bootstrapContextStore loads the primary kubeconfig source (or the
// in-cluster service account), reloads any previously persisted
// uploads, and starts file-system watches on the primary source and
// any configured external paths (a file is loaded, then watched; a
// directory is watched, which loads each kubeconfig file in it). In
// in-cluster mode only the service-account context is registered: no
// kubeconfig file or external path is loaded or watched.
func bootstrapContextStore(ctx context.Context, store *contextstore.Store, cfg *config.Config, log *slog.Logger) error {
	if err := store.LoadUploads(cfg.UploadsDir()); err != nil {
		log.Warn("failed to reload persisted uploads", "error", err)
	}

	if cfg.InCluster() {
		if _, err := store.LoadPrimary("", true); err != nil {
			return err
		}
		return nil
	}

	kubeconfigPath := cfg.KubeconfigPath()
	if kubeconfigPath == "" {
		kubeconfigPath = clientcmd.RecommendedHomeFile
	}
	if _, err := store.LoadPrimary(kubeconfigPath, false); err != nil {
		return err
	}
	if err := store.WatchFiles(ctx, kubeconfigPath, contextstore.SourcePrimary); err != nil {
		log.Warn("failed to watch primary kubeconfig for changes", "path", kubeconfigPath, "error", err)
	}

	for _, path := range cfg.KubeconfigExternalPaths() {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := store.WatchFiles(ctx, path, contextstore.SourceExternalPath); err != nil {
				log.Warn("failed to watch external kubeconfig directory", "path", path, "error", err)
			}
			continue
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Warn("failed to read external kubeconfig", "path", path, "error", err)
			continue
		}
		if _, err := store.Load(raw, contextstore.SourceExternalPath, path, 0); err != nil {
			log.Warn("failed to load external kubeconfig", "path", path, "error", err)
			continue
		}
		if err := store.WatchFiles(ctx, path, contextstore.SourceExternalPath); err != nil {
			log.Warn("failed to watch external kubeconfig path", "path", path, "error", err)
		}
	}

	return nil
}

// newLogger builds the daemon's root slog.Logger: JSON in production,
// a human-readable text handler when stderr is a terminal.
func newLogger() *slog.Logger {
	if isTerminal(os.Stderr) {
		return slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
