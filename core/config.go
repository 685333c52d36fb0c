package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a registry server process. It supports
// four-layer priority:
//  1. Default values (lowest priority)
//  2. Config file (optional --config YAML, layered above defaults)
//  3. Environment variables, prefix HSC_REGISTRY_SERVER_ (above the file, so
//     operators can override a checked-in config file without editing it)
//  4. Functional options passed to LoadConfig (highest priority)
//
// Example usage:
//
//	cfg, err := LoadConfig()
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	Port int `mapstructure:"port"`

	Cluster  ClusterConfig     `mapstructure:"cluster"`
	Security SecurityConfig    `mapstructure:"security"`
	Health   HealthCheckDefaults `mapstructure:"health_check" yaml:"health_check"`
	Storage  StorageConfig     `mapstructure:"storage"`
	Logging  LoggingConfig     `mapstructure:"logging"`

	// logger is used for logging during config loading; excluded from binding.
	logger Logger `mapstructure:"-"`

	// configFilePath records the path passed via WithConfigFile so LoadConfig
	// can layer the file beneath env vars instead of above them.
	configFilePath string `mapstructure:"-"`
}

// ClusterConfig configures the Node Cache, Cluster Sync, and Cluster
// Management components.
type ClusterConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Nodes        []string      `mapstructure:"nodes"` // comma-separated host:port in env form
	SyncInterval time.Duration `mapstructure:"sync_interval" yaml:"sync_interval"`
}

// SecurityConfig configures the transport boundary's API-key filter.
type SecurityConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	APIKey     string `mapstructure:"api_key" yaml:"api_key"`
	HeaderName string `mapstructure:"header_name" yaml:"header_name"`
}

// HealthCheckDefaults configures defaults the Health Checker (C4) falls back
// to when an instance is registered without its own HealthCheckConfig.
type HealthCheckDefaults struct {
	Enabled         bool          `mapstructure:"enabled"`
	DefaultInterval time.Duration `mapstructure:"default_interval" yaml:"default_interval"`
	DefaultTimeout  time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
	MaxRetry        int           `mapstructure:"max_retry" yaml:"max_retry"`
}

// StorageConfig configures the Catalog Store (C1) and its sweeper.
type StorageConfig struct {
	Type             string        `mapstructure:"type"` // always "in-memory"; see core.CatalogStatistics
	EvictionInterval time.Duration `mapstructure:"eviction_interval" yaml:"eviction_interval"`
}

// LoggingConfig controls the ProductionLogger's output.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	TimeFormat string `mapstructure:"time_format" yaml:"time_format"`
}

// Option is a functional option applied after env/file loading, so callers
// (tests, cmd/registry-server) can override the final configuration.
type Option func(*Config) error

// DefaultConfig returns the baseline configuration before any file or
// environment overrides are layered on.
func DefaultConfig() *Config {
	return &Config{
		Port: 8761,
		Cluster: ClusterConfig{
			Enabled:      false,
			Nodes:        nil,
			SyncInterval: 10 * time.Second,
		},
		Security: SecurityConfig{
			Enabled:    false,
			HeaderName: "X-API-Key",
		},
		Health: HealthCheckDefaults{
			Enabled:         true,
			DefaultInterval: 30 * time.Second,
			DefaultTimeout:  5 * time.Second,
			MaxRetry:        3,
		},
		Storage: StorageConfig{
			Type:             "in-memory",
			EvictionInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     textOrJSONDefault(),
			Output:     "stdout",
			TimeFormat: time.RFC3339Nano,
		},
	}
}

// textOrJSONDefault auto-detects a sane log format: JSON in cluster
// environments, text for local development.
func textOrJSONDefault() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	return "text"
}

// newViper builds a viper instance bound to HSC_REGISTRY_SERVER_-prefixed env
// vars, mapping dotted keys like "cluster.sync_interval" to
// HSC_REGISTRY_SERVER_CLUSTER_SYNC_INTERVAL. def supplies the values read
// back for keys whose env var is unset.
func newViper(def *Config) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("HSC_REGISTRY_SERVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", def.Port)
	v.SetDefault("cluster.enabled", def.Cluster.Enabled)
	v.SetDefault("cluster.sync_interval", def.Cluster.SyncInterval)
	v.SetDefault("security.enabled", def.Security.Enabled)
	v.SetDefault("security.header_name", def.Security.HeaderName)
	v.SetDefault("health_check.enabled", def.Health.Enabled)
	v.SetDefault("health_check.default_interval", def.Health.DefaultInterval)
	v.SetDefault("health_check.default_timeout", def.Health.DefaultTimeout)
	v.SetDefault("health_check.max_retry", def.Health.MaxRetry)
	v.SetDefault("storage.type", def.Storage.Type)
	v.SetDefault("storage.eviction_interval", def.Storage.EvictionInterval)
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("logging.output", def.Logging.Output)
	v.SetDefault("logging.time_format", def.Logging.TimeFormat)

	// Explicit binds for each supported env var name, since AutomaticEnv
	// alone won't discover nested keys until they're read once.
	bindings := map[string]string{
		"port":                         "PORT",
		"cluster.enabled":              "CLUSTER_ENABLED",
		"cluster.nodes":                "CLUSTER_NODES",
		"cluster.sync_interval":        "CLUSTER_SYNC_INTERVAL",
		"security.enabled":             "SECURITY_ENABLED",
		"security.api_key":             "SECURITY_API_KEY",
		"security.header_name":         "SECURITY_HEADER_NAME",
		"health_check.enabled":         "HEALTH_CHECK_ENABLED",
		"health_check.default_interval": "HEALTH_CHECK_DEFAULT_INTERVAL",
		"health_check.default_timeout": "HEALTH_CHECK_DEFAULT_TIMEOUT",
		"health_check.max_retry":       "HEALTH_CHECK_MAX_RETRY",
		"storage.type":                 "STORAGE_TYPE",
		"storage.eviction_interval":    "STORAGE_EVICTION_INTERVAL",
	}
	for key, env := range bindings {
		_ = v.BindEnv(key, "HSC_REGISTRY_SERVER_"+env)
	}
	return v
}

// parseIntervalSeconds interprets a raw env/file value for a duration field:
// a bare integer is seconds, anything else is a time.ParseDuration string
// ("30s", "1m").
func parseIntervalSeconds(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if isAllDigits(raw) {
		var secs int64
		if _, err := fmt.Sscanf(raw, "%d", &secs); err != nil {
			return 0, err
		}
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(raw)
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// LoadFromFile layers an optional YAML config file beneath env vars (env
// remains authoritative). Uses the ecosystem's yaml.v3 decoder rather than
// a JSON-only reader, since operators commonly hand-edit these files.
func (c *Config) LoadFromFile(path string) error {
	c.configFilePath = path
	if c.logger != nil {
		c.logger.Info("loading configuration file", map[string]interface{}{"path": path})
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return NewError("Config.LoadFromFile", KindInvalidArgument, "invalid YAML config file", err)
	}
	mergeNonZero(c, &fileCfg)
	return nil
}

// mergeNonZero copies non-zero-valued fields of override into dst. Simple
// structural merge; the config is small and flat enough that field-by-field
// is clearer than reflection here. The enabled flags of cluster and security
// are OR-ed (a file can turn them on, not off); Health.Enabled, Storage.Type,
// Logging.Output and Logging.TimeFormat are not merged.
func mergeNonZero(dst, override *Config) {
	if override.Port != 0 {
		dst.Port = override.Port
	}
	if override.Cluster.Nodes != nil {
		dst.Cluster.Nodes = override.Cluster.Nodes
	}
	if override.Cluster.SyncInterval != 0 {
		dst.Cluster.SyncInterval = override.Cluster.SyncInterval
	}
	dst.Cluster.Enabled = dst.Cluster.Enabled || override.Cluster.Enabled
	if override.Security.APIKey != "" {
		dst.Security.APIKey = override.Security.APIKey
	}
	if override.Security.HeaderName != "" {
		dst.Security.HeaderName = override.Security.HeaderName
	}
	dst.Security.Enabled = dst.Security.Enabled || override.Security.Enabled
	if override.Health.DefaultInterval != 0 {
		dst.Health.DefaultInterval = override.Health.DefaultInterval
	}
	if override.Health.DefaultTimeout != 0 {
		dst.Health.DefaultTimeout = override.Health.DefaultTimeout
	}
	if override.Health.MaxRetry != 0 {
		dst.Health.MaxRetry = override.Health.MaxRetry
	}
	if override.Storage.EvictionInterval != 0 {
		dst.Storage.EvictionInterval = override.Storage.EvictionInterval
	}
	if override.Logging.Level != "" {
		dst.Logging.Level = override.Logging.Level
	}
	if override.Logging.Format != "" {
		dst.Logging.Format = override.Logging.Format
	}
}

// Validate checks the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return NewError("Config.Validate", KindInvalidArgument, fmt.Sprintf("invalid port: %d", c.Port), ErrInvalidConfiguration)
	}
	if c.Security.Enabled && c.Security.APIKey == "" {
		return NewError("Config.Validate", KindInvalidArgument, "security.api_key is required when security is enabled", ErrMissingConfiguration)
	}
	if c.Cluster.Enabled {
		for _, n := range c.Cluster.Nodes {
			if _, _, err := ParsePeerAddress(n); err != nil {
				return NewError("Config.Validate", KindInvalidArgument, fmt.Sprintf("malformed peer address %q, expected host:port", n), ErrInvalidConfiguration)
			}
		}
	}
	if c.Health.MaxRetry < 1 {
		return NewError("Config.Validate", KindInvalidArgument, "health_check.max_retry must be >= 1", ErrInvalidConfiguration)
	}
	return nil
}

// Functional options, applied after env/file loading in LoadConfig.

// WithPort overrides the listen port.
func WithPort(port int) Option {
	return func(c *Config) error {
		if port < 1 || port > 65535 {
			return NewError("WithPort", KindInvalidArgument, fmt.Sprintf("invalid port: %d", port), ErrInvalidConfiguration)
		}
		c.Port = port
		return nil
	}
}

// WithClusterNodes enables clustering with the given host:port peer list.
func WithClusterNodes(nodes ...string) Option {
	return func(c *Config) error {
		c.Cluster.Enabled = true
		c.Cluster.Nodes = nodes
		return nil
	}
}

// WithSecurity enables the API-key auth filter on the transport boundary.
func WithSecurity(apiKey, headerName string) Option {
	return func(c *Config) error {
		c.Security.Enabled = true
		c.Security.APIKey = apiKey
		if headerName != "" {
			c.Security.HeaderName = headerName
		}
		return nil
	}
}

// WithLogLevel sets the minimum logging level ("debug", "info", "warn", "error").
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// WithLogger sets a logger for configuration loading itself.
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.logger = logger
		return nil
	}
}

// WithConfigFile layers a YAML config file beneath the current configuration.
// LoadConfig pre-loads the file beneath env vars in its own pass, so if this
// option's path was already applied there, this is a no-op rather than a
// second merge that would re-override the env values above it.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		if c.configFilePath == path {
			return nil
		}
		return c.LoadFromFile(path)
	}
}

// LoadConfig builds a Config from defaults, an optional config file (if an
// option supplies one), HSC_REGISTRY_SERVER_-prefixed environment variables
// (via viper), and finally functional options — in that priority order:
// defaults < file < env < explicit options.
func LoadConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	// Probe pass: run opts against a scratch config purely to discover a
	// WithConfigFile path, without letting any other option (e.g. WithPort)
	// take effect before env vars are read. If a file was requested, layer it
	// onto cfg now, beneath the env reads that follow.
	probe := &Config{}
	for _, opt := range opts {
		_ = opt(probe)
	}
	if probe.configFilePath != "" {
		if err := cfg.LoadFromFile(probe.configFilePath); err != nil {
			return nil, err
		}
	}

	v := newViper(cfg)
	cfg.Port = v.GetInt("port")
	cfg.Cluster.Enabled = v.GetBool("cluster.enabled")
	if raw := v.GetString("cluster.nodes"); raw != "" {
		cfg.Cluster.Nodes = splitAndTrim(raw)
		cfg.Cluster.Enabled = true
	}
	if d, err := parseIntervalSeconds(v.GetString("cluster.sync_interval")); err == nil && d > 0 {
		cfg.Cluster.SyncInterval = d
	}
	cfg.Security.Enabled = v.GetBool("security.enabled")
	if key := v.GetString("security.api_key"); key != "" {
		cfg.Security.APIKey = key
		cfg.Security.Enabled = true
	}
	if hn := v.GetString("security.header_name"); hn != "" {
		cfg.Security.HeaderName = hn
	}
	cfg.Health.Enabled = v.GetBool("health_check.enabled")
	if d, err := parseIntervalSeconds(v.GetString("health_check.default_interval")); err == nil && d > 0 {
		cfg.Health.DefaultInterval = d
	}
	if d, err := parseIntervalSeconds(v.GetString("health_check.default_timeout")); err == nil && d > 0 {
		cfg.Health.DefaultTimeout = d
	}
	if mr := v.GetInt("health_check.max_retry"); mr > 0 {
		cfg.Health.MaxRetry = mr
	}
	if st := v.GetString("storage.type"); st != "" {
		cfg.Storage.Type = st
	}
	if d, err := parseIntervalSeconds(v.GetString("storage.eviction_interval")); err == nil && d > 0 {
		cfg.Storage.EvictionInterval = d
	}
	if lvl := v.GetString("logging.level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if fmtStr := v.GetString("logging.format"); fmtStr != "" {
		cfg.Logging.Format = fmtStr
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if cfg.logger == nil {
		logger := NewProductionLogger(cfg.Logging, "registry-server")
		if prodLogger, ok := logger.(*ProductionLogger); ok {
			trackLogger(prodLogger)
		}
		cfg.logger = logger
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Logger returns the logger associated with this configuration during loading.
func (c *Config) Logger() Logger {
	if c.logger == nil {
		return &NoOpLogger{}
	}
	return c.logger
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// ============================================================================
// ProductionLogger - structured logging, JSON in cluster environments, text
// locally.
// ============================================================================

// ProductionLogger is the default Logger implementation.
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	format      string
	output      io.Writer

	metricsEnabled bool
}

// NewProductionLogger creates a logger from LoggingConfig.
func NewProductionLogger(logging LoggingConfig, serviceName string) Logger {
	var output io.Writer = os.Stdout
	if logging.Output == "stderr" {
		output = os.Stderr
	}
	return &ProductionLogger{
		level:       strings.ToLower(logging.Level),
		debug:       strings.ToLower(logging.Level) == "debug",
		serviceName: serviceName,
		format:      logging.Format,
		output:      output,
	}
}

// EnableMetrics is called by the telemetry package to enable the metrics layer.
func (p *ProductionLogger) EnableMetrics() {
	p.metricsEnabled = true
}

// WithComponent returns a Logger that tags its entries with component.
func (p *ProductionLogger) WithComponent(component string) Logger {
	clone := *p
	return &componentLogger{base: &clone, component: component}
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, nil, "")
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, ctx, "")
}

func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, nil, "")
}

func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, ctx, "")
}

func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, nil, "")
}

func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, ctx, "")
}

func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, nil, "")
	}
}

func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, ctx, "")
	}
}

func (p *ProductionLogger) logEvent(level, msg string, fields map[string]interface{}, ctx context.Context, component string) {
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	if p.format == "json" {
		entry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.serviceName,
			"message":   msg,
		}
		if component != "" {
			entry["component"] = component
		}
		if ctx != nil {
			if baggage := getContextBaggage(ctx); len(baggage) > 0 {
				for k, v := range baggage {
					entry["trace."+k] = v
				}
			}
		}
		for k, v := range fields {
			entry[k] = v
		}
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
	} else {
		var fieldStr strings.Builder
		if len(fields) > 0 {
			fieldStr.WriteString(" ")
			for k, v := range fields {
				fmt.Fprintf(&fieldStr, "%s=%v ", k, v)
			}
		}
		comp := p.serviceName
		if component != "" {
			comp = component
		}
		fmt.Fprintf(p.output, "%s [%s] [%s] %s%s\n", timestamp, level, comp, msg, fieldStr.String())
	}

	if p.metricsEnabled {
		p.emitMetric(level, fields, ctx)
	}
}

func (p *ProductionLogger) emitMetric(level string, fields map[string]interface{}, ctx context.Context) {
	labels := []string{"level", level, "service", p.serviceName}
	for k, v := range fields {
		switch k {
		case "operation", "status", "error_type", "serviceId", "component":
			labels = append(labels, k, fmt.Sprintf("%v", v))
		}
	}
	if ctx != nil {
		emitMetricWithContext(ctx, "registry.log.events", 1.0, labels...)
	} else {
		emitMetric("registry.log.events", 1.0, labels...)
	}
}

// componentLogger decorates a ProductionLogger with a fixed component tag.
type componentLogger struct {
	base      *ProductionLogger
	component string
}

func (c *componentLogger) Info(msg string, fields map[string]interface{}) {
	c.base.logEvent("INFO", msg, fields, nil, c.component)
}
func (c *componentLogger) Error(msg string, fields map[string]interface{}) {
	c.base.logEvent("ERROR", msg, fields, nil, c.component)
}
func (c *componentLogger) Warn(msg string, fields map[string]interface{}) {
	c.base.logEvent("WARN", msg, fields, nil, c.component)
}
func (c *componentLogger) Debug(msg string, fields map[string]interface{}) {
	if c.base.debug {
		c.base.logEvent("DEBUG", msg, fields, nil, c.component)
	}
}
func (c *componentLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	c.base.logEvent("INFO", msg, fields, ctx, c.component)
}
func (c *componentLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	c.base.logEvent("ERROR", msg, fields, ctx, c.component)
}
func (c *componentLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	c.base.logEvent("WARN", msg, fields, ctx, c.component)
}
func (c *componentLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if c.base.debug {
		c.base.logEvent("DEBUG", msg, fields, ctx, c.component)
	}
}

// Helper functions for weak coupling to telemetry via a package-level
// global registry, so callers outside this package don't need a direct
// import to emit metrics.
func emitMetric(name string, value float64, labels ...string) {
	if globalMetricsRegistry != nil {
		globalMetricsRegistry.Counter(name, labels...)
	}
}

func emitMetricWithContext(ctx context.Context, name string, value float64, labels ...string) {
	if globalMetricsRegistry != nil {
		globalMetricsRegistry.EmitWithContext(ctx, name, value, labels...)
	}
}

func getContextBaggage(ctx context.Context) map[string]string {
	if globalMetricsRegistry != nil {
		return globalMetricsRegistry.GetBaggage(ctx)
	}
	return make(map[string]string)
}
