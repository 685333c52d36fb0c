// Command registry-server runs the service discovery registry: the HTTP
// boundary (transport), the write-side orchestrator (registry), the
// read-side snapshot/watch facade (discovery), and, when clustering is
// enabled, peer gossip and failover (cluster).
//
// Grounded on the cobra+viper root-command shape of
// hypervisor/cmd/hypervisor-server, adapted to use core.LoadConfig (which
// already implements the env/file/option priority chain) instead of a
// second hand-rolled viper pass.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hsc-io/registry/catalog"
	"github.com/hsc-io/registry/cluster"
	"github.com/hsc-io/registry/core"
	"github.com/hsc-io/registry/discovery"
	"github.com/hsc-io/registry/eventbus"
	"github.com/hsc-io/registry/healthcheck"
	"github.com/hsc-io/registry/heartbeatmon"
	"github.com/hsc-io/registry/lifecycle"
	"github.com/hsc-io/registry/registry"
	"github.com/hsc-io/registry/resilience"
	"github.com/hsc-io/registry/telemetry"
	"github.com/hsc-io/registry/transport"
)

var (
	// Version, BuildTime and GitCommit are overridden at build time via
	// -ldflags "-X main.Version=... -X main.BuildTime=... -X main.GitCommit=...".
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const (
	heartbeatScanInterval = 30 * time.Second
	heartbeatExpiration   = 90 * time.Second
	healthCheckPoolSize   = 10
	clusterHealthInterval = 10 * time.Second
)

var (
	cfgFile       string
	logLevel      string
	redisMirror   string
	telemetryAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "registry-server",
		Short: "Service discovery registry server",
		Long: `registry-server is the control plane of the service discovery
registry: instance registration, heartbeats, health checking, and
discovery queries, with optional multi-node gossip and failover.`,
		RunE: runServer,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&redisMirror, "redis-mirror", "", "optional Redis URL for a read-only catalog mirror")
	rootCmd.PersistentFlags().StringVar(&telemetryAddr, "telemetry-endpoint", "localhost:4318", "OTLP/HTTP endpoint for trace export")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("registry-server %s\n", Version)
			fmt.Printf("  Build Time: %s\n", BuildTime)
			fmt.Printf("  Git Commit: %s\n", GitCommit)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	opts := []core.Option{}
	if cfgFile != "" {
		opts = append(opts, core.WithConfigFile(cfgFile))
	}
	if logLevel != "" {
		opts = append(opts, core.WithLogLevel(logLevel))
	}

	cfg, err := core.LoadConfig(opts...)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := cfg.Logger()

	logger.Info("starting registry server", map[string]interface{}{
		"version": Version, "port": cfg.Port, "clusterEnabled": cfg.Cluster.Enabled,
	})

	if err := initTelemetry(cfg, logger); err != nil {
		// Telemetry is ambient, not load-bearing: a misconfigured collector
		// shouldn't keep the registry itself from serving traffic.
		logger.Warn("telemetry initialization failed, continuing without it", map[string]interface{}{"error": err.Error()})
	}

	breakerFactory := func(name string) (core.CircuitBreaker, error) {
		params := core.DefaultCircuitBreakerParams(name)
		params.Logger = logger
		return resilience.NewFromParams(params)
	}

	catalogOpts := []catalog.Option{catalog.WithLogger(logger)}
	if redisMirror != "" {
		mirror, err := catalog.NewRedisMirror(redisMirror, logger)
		if err != nil {
			logger.Warn("redis mirror unavailable, continuing without it", map[string]interface{}{"error": err.Error()})
		} else {
			catalogOpts = append(catalogOpts, catalog.WithMirror(mirror))
		}
	}
	store := catalog.New(catalogOpts...)

	lifecycleMgr := lifecycle.New(logger)
	bus := eventbus.New(logger)

	// registry.Facade needs a HealthScheduler (healthcheck.Checker), which in
	// turn needs a StatusUpdater (the very same Facade, once it exists).
	// updater defers that binding: the Checker is built first holding a
	// pointer to updater, and updater.facade is assigned right after
	// registry.New returns below — both happen during single-threaded
	// startup, before the Checker ever dispatches a probe.
	updater := &facadeUpdater{}

	tracedClient := telemetry.NewTracedHTTPClient(nil)

	checker := healthcheck.New(updater, healthCheckPoolSize, logger)
	checker.WithBreakerFactory(breakerFactory).WithHTTPClient(tracedClient)

	discoveryFacade := discovery.New(store, bus, logger)

	var nodeCache *cluster.NodeCache
	var clusterSync *cluster.Sync
	var management *cluster.Management
	if cfg.Cluster.Enabled {
		nodeCache = cluster.NewNodeCache()
		clusterSync, err = cluster.NewSync(nodeCache, cfg.Port, cfg.Cluster.Nodes, bus, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize cluster sync: %w", err)
		}
		clusterSync.WithBreakerFactory(breakerFactory).WithHTTPClient(tracedClient)
		management = cluster.NewManagement(nodeCache, clusterSync.SelfNodeID(), logger)
		management.WithBreakerFactory(breakerFactory).WithHTTPClient(tracedClient)
	}

	var facadeOpts []registry.Option
	if clusterSync != nil {
		facadeOpts = append(facadeOpts, registry.WithGossipForwarder(clusterSync))
	}
	facade := registry.New(store, lifecycleMgr, checker, bus, logger, facadeOpts...)
	updater.facade = facade

	monitor := heartbeatmon.New(store, lifecycleMgr, facade.OnHeartbeatTimeout, heartbeatExpiration, logger)
	monitor.Start(heartbeatScanInterval)
	defer monitor.Stop()

	if clusterSync != nil {
		clusterSync.Start(cfg.Cluster.SyncInterval)
		defer clusterSync.Stop()
	}
	if management != nil {
		management.StartClusterManagement(clusterHealthInterval)
		defer management.StopClusterManagement()
	}

	deps := transport.Deps{
		Registry:  facade,
		Discovery: discoveryFacade,
		Metrics:   telemetry.MetricsHandler(),
	}
	if clusterSync != nil {
		deps.ClusterEvents = clusterSync
	}
	if management != nil {
		deps.ClusterHealth = management
	}

	server := transport.NewServer(cfg, logger, deps)
	registryHandler := telemetry.TracingMiddleware("registry-server")(server.Handler)

	topMux := http.NewServeMux()
	topMux.HandleFunc("/telemetry/health", telemetry.HealthHandler)
	topMux.Handle("/", registryHandler)
	server.Handler = topMux

	var wg sync.WaitGroup
	wg.Add(1)
	serveErr := make(chan error, 1)
	go func() {
		defer wg.Done()
		logger.Info("listening", map[string]interface{}{"addr": server.Addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", map[string]interface{}{"signal": sig.String()})
	case err := <-serveErr:
		logger.Error("HTTP server failed", map[string]interface{}{"error": err.Error()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), core.ShutdownGracePeriod)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("error during HTTP server shutdown", map[string]interface{}{"error": err.Error()})
	}
	checker.Shutdown()
	wg.Wait()

	return nil
}

// facadeUpdater forwards healthcheck.StatusUpdater calls to a *registry.Facade
// assigned after both it and the Checker that holds this updater are
// constructed, breaking the registry<->healthcheck constructor cycle.
type facadeUpdater struct {
	facade *registry.Facade
}

func (u *facadeUpdater) ApplyHealthTransition(instance *core.ServiceInstance, newStatus core.InstanceStatus, message string) {
	u.facade.ApplyHealthTransition(instance, newStatus, message)
}

// initTelemetry wires OpenTelemetry tracing/metrics and, once a provider
// exists, registers it as the framework-wide core.MetricsRegistry so every
// emitCounter/emitGauge/emitHistogram call across catalog, healthcheck, and
// cluster actually reaches a backend.
func initTelemetry(cfg *core.Config, logger core.Logger) error {
	provider := "otel"
	if os.Getenv("HSC_REGISTRY_SERVER_TELEMETRY_PROVIDER") == "prometheus" {
		provider = "prometheus"
	}

	err := telemetry.Initialize(telemetry.Config{
		Enabled:      true,
		ServiceName:  "registry-server",
		Endpoint:     telemetryAddr,
		Provider:     provider,
		SamplingRate: 1.0,
	})
	if err != nil {
		return err
	}

	telemetry.EnableFrameworkIntegration(telemetry.NewTelemetryLogger("registry-server"))
	logger.Info("telemetry initialized", map[string]interface{}{"provider": provider, "endpoint": telemetryAddr})
	return nil
}
