package telemetry

// This file declares the registry's own metric catalog so downstream
// dashboards have a schema to query against, independent of whichever
// individual package is currently the one emitting a given name.

func init() {
	DeclareMetrics("catalog", ModuleConfig{
		Metrics: []MetricDefinition{
			{
				Name:   "catalog.registrations",
				Type:   "counter",
				Help:   "Instance registrations accepted by the catalog store",
				Labels: []string{"serviceId"},
			},
			{
				Name:   "catalog.deregistrations",
				Type:   "counter",
				Help:   "Instance deregistrations accepted by the catalog store",
				Labels: []string{"serviceId"},
			},
			{
				Name:   "catalog.expirations.last_sweep",
				Type:   "gauge",
				Help:   "Instances removed by the most recent expiry sweep",
				Labels: []string{},
			},
		},
	})

	DeclareMetrics("healthcheck", ModuleConfig{
		Metrics: []MetricDefinition{
			{
				Name:    "healthcheck.probe.duration_ms",
				Type:    "histogram",
				Help:    "Health probe round-trip time",
				Labels:  []string{"type"},
				Unit:    "ms",
				Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000},
			},
			{
				Name:   "healthcheck.probes",
				Type:   "counter",
				Help:   "Health probes executed, by dispatch type and resulting status",
				Labels: []string{"type", "status"},
			},
		},
	})

	DeclareMetrics("cluster", ModuleConfig{
		Metrics: []MetricDefinition{
			{
				Name:   "cluster.gossip.sent",
				Type:   "counter",
				Help:   "Outbound gossip events delivered to a peer",
				Labels: []string{"nodeId"},
			},
			{
				Name:   "cluster.gossip.failures",
				Type:   "counter",
				Help:   "Outbound gossip deliveries that failed",
				Labels: []string{"nodeId"},
			},
		},
	})
}
