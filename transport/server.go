package transport

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hsc-io/registry/core"
)

// Teacher's BaseTool.Start defaults (core/tool.go), carried forward since
// core.Config has no per-process HTTP sub-config of its own.
const (
	defaultReadTimeout       = 30 * time.Second
	defaultReadHeaderTimeout = 10 * time.Second
	defaultWriteTimeout      = 30 * time.Second
	defaultIdleTimeout       = 120 * time.Second
	defaultMaxHeaderBytes    = 1 << 20
)

// DiscoveryReader is the subset of discovery.Facade the HTTP boundary calls.
type DiscoveryReader interface {
	InstanceReader
	CatalogReader
}

// Deps bundles the components the HTTP boundary dispatches to. ClusterEvents
// and ClusterHealth are nil when clustering is disabled.
type Deps struct {
	Registry      RegistryWriter
	Discovery     DiscoveryReader
	ClusterEvents ClusterGossipReceiver
	ClusterHealth ClusterHealthReporter

	// Metrics, when non-nil, is mounted at GET /metrics. Supplied by
	// cmd/registry-server as telemetry.MetricsHandler() when the process is
	// running with the Prometheus-backed provider; left nil under the OTLP
	// push provider, which has nothing to serve on pull.
	Metrics http.Handler
}

// NewServer builds the HTTP server for the registry process: route table,
// middleware stack, and supplemented process-level endpoints.
func NewServer(cfg *core.Config, logger core.Logger, deps Deps) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/services/", serviceRouter(deps))
	mux.HandleFunc("/api/v1/catalog", CatalogHandler(deps.Discovery))

	if deps.ClusterEvents != nil {
		mux.HandleFunc("/api/v1/cluster/events", ClusterEventsHandler(deps.ClusterEvents))
	}
	if deps.ClusterHealth != nil {
		mux.HandleFunc("/api/v1/cluster/health", ClusterHealthHandler(deps.ClusterHealth))
	}

	mux.HandleFunc("/healthz", healthzHandler)
	mux.HandleFunc("/readyz", readyzHandler(deps.ClusterHealth))
	if deps.Metrics != nil {
		mux.Handle("/metrics", deps.Metrics)
	}

	// Order: CORS -> Logging -> APIKey -> Recovery -> Handler (teacher's
	// core/tool.go: "CORS -> Logging -> Recovery -> Handler", with the
	// API-key filter inserted just inside logging so rejected requests are
	// still recorded in the access log).
	var handler http.Handler = mux
	handler = RecoveryMiddleware(logger)(handler)
	handler = APIKeyMiddleware(cfg.Security)(handler)
	handler = LoggingMiddleware(logger, false)(handler)

	cors := DefaultCORSConfig()
	if cors.Enabled {
		handler = CORSMiddleware(cors)(handler)
	}

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       defaultReadTimeout,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		WriteTimeout:      defaultWriteTimeout,
		IdleTimeout:       defaultIdleTimeout,
		MaxHeaderBytes:    defaultMaxHeaderBytes,
	}
}

// serviceRouter dispatches every /api/v1/services/... request by method and
// path shape, since the module carries no router library (grounded on the
// teacher's plain http.ServeMux idiom in core/tool.go).
func serviceRouter(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/v1/services/")
		switch {
		case strings.HasSuffix(rest, "/instances") && r.Method == http.MethodPost:
			RegisterHandler(deps.Registry)(w, r)
		case strings.HasSuffix(rest, "/instances") && r.Method == http.MethodGet:
			ListInstancesHandler(deps.Discovery)(w, r)
		case strings.HasSuffix(rest, "/heartbeat") && r.Method == http.MethodPut:
			RenewHandler(deps.Registry)(w, r)
		case strings.HasSuffix(rest, "/status") && r.Method == http.MethodPut:
			UpdateStatusHandler(deps.Registry)(w, r)
		case r.Method == http.MethodDelete:
			DeregisterHandler(deps.Registry)(w, r)
		default:
			WriteError(w, r, core.NewError("transport.serviceRouter", core.KindInvalidArgument, "no route for "+r.Method+" "+r.URL.Path, nil))
		}
	}
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyzHandler reports process readiness: healthy as a standalone node, or
// gated on cluster quorum when clustering is enabled.
func readyzHandler(reporter ClusterHealthReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if reporter != nil && !reporter.IsClusterHealthy() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
