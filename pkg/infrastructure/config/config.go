package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds all perflayer configuration
type Config struct {
	// Caching and batch execution
	Performance PerformanceConfig `json:"performance"`

	// Predictive cache warming
	Predictive PredictiveConfig `json:"predictive"`

	// Index monitoring and automated optimization
	Monitoring MonitoringConfig `json:"monitoring"`

	// Analytics store connection
	Database DatabaseConfig `json:"database"`

	// System configuration
	Logging LoggingConfig `json:"logging"`
}

// PerformanceConfig holds cache and batch execution settings
type PerformanceConfig struct {
	EnableQueryCaching       bool `json:"enable_query_caching"`
	MaxMemoryUsageMB         int  `json:"max_memory_usage_mb"`
	QueryCacheTTLMinutes     int  `json:"query_cache_ttl_minutes"`
	ParallelWorkers          int  `json:"parallel_workers"`
	BatchSize                int  `json:"batch_size"`
	EnableParallelProcessing bool `json:"enable_parallel_processing"`
	EnableMemoryOptimization bool `json:"enable_memory_optimization"`

	// Computed: item count above which streaming mode engages
	StreamingThreshold int `json:"-"`
}

// PredictiveConfig holds pattern learning and cache warming settings
type PredictiveConfig struct {
	Enabled                  bool               `json:"enabled"`
	LearningEnabled          bool               `json:"learning_enabled"`
	MaxPatternHistory        int                `json:"max_pattern_history"`
	MinPatternFrequency      int                `json:"min_pattern_frequency"`
	PredictionThreshold      float64            `json:"prediction_threshold"`
	MaxConcurrentPredictions int                `json:"max_concurrent_predictions"`
	ResourceThresholds       ResourceThresholds `json:"resource_thresholds"`
	WarmingStrategy          WarmingStrategy    `json:"warming_strategy"`
	Models                   ModelToggles       `json:"models"`
}

// ResourceThresholds bound background warming admission
type ResourceThresholds struct {
	MaxCPUUtilization float64 `json:"max_cpu_utilization"`
	MaxMemoryUsageMB  int     `json:"max_memory_usage_mb"`
	MaxDiskIOPS       int     `json:"max_disk_iops"`
}

// WarmingStrategy controls how aggressively the scheduler warms the cache
type WarmingStrategy struct {
	Aggressiveness              string  `json:"aggressiveness"` // conservative, moderate, aggressive
	MaxWarmingOpsPerMinute      int     `json:"max_warming_operations_per_minute"`
	PriorityWeighting           float64 `json:"priority_weighting"`
}

// ModelToggles enables or disables individual prediction sub-models
type ModelToggles struct {
	EnableSequenceAnalysis       bool `json:"enable_sequence_analysis"`
	EnableCollaborativeFiltering bool `json:"enable_collaborative_filtering"`
	EnableTemporalPatterns       bool `json:"enable_temporal_patterns"`
	EnableContextualPredictions  bool `json:"enable_contextual_predictions"`
}

// MonitoringConfig holds index monitoring settings
type MonitoringConfig struct {
	Enabled         bool               `json:"enabled"`
	IntervalMinutes int                `json:"interval_minutes"`
	AlertThresholds AlertThresholds    `json:"alert_thresholds"`
	RetentionDays   int                `json:"retention_days"`
	Optimization    OptimizationConfig `json:"optimization"`
	Alerts          AlertDelivery      `json:"alerts"`
}

// AlertThresholds trigger monitoring alerts when breached
type AlertThresholds struct {
	SlowQueryMs            float64 `json:"slow_query_ms"`
	UnusedIndexDays        int     `json:"unused_index_days"`
	WriteImpactThreshold   float64 `json:"write_impact_threshold"`
	MemoryUsageThresholdMB int     `json:"memory_usage_threshold_mb"`
}

// OptimizationConfig controls automated index maintenance
type OptimizationConfig struct {
	AutoOptimizeEnabled        bool   `json:"auto_optimize_enabled"`
	AutoDropUnusedIndexes      bool   `json:"auto_drop_unused_indexes"`
	MaxConcurrentOptimizations int    `json:"max_concurrent_optimizations"`
	MaintenanceWindowHours     []int  `json:"maintenance_window_hours"`
	RiskTolerance              string `json:"risk_tolerance"` // conservative, moderate, aggressive
}

// AlertDelivery holds notification settings
type AlertDelivery struct {
	EmailNotifications   bool     `json:"email_notifications"`
	WebhookURL           string   `json:"webhook_url"`
	EscalationThresholds []string `json:"escalation_thresholds"`
}

// DatabaseConfig holds analytics store connection settings
type DatabaseConfig struct {
	ConnectionString string `json:"connection_string"`
	MaxConnections   int    `json:"max_connections"`
	ConnectTimeout   int    `json:"connect_timeout_seconds"`
	MigrationsPath   string `json:"migrations_path"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Output string `json:"output"` // console, file
	File   string `json:"file,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	cfg := &Config{
		Performance: PerformanceConfig{
			EnableQueryCaching:       true,
			MaxMemoryUsageMB:         256,
			QueryCacheTTLMinutes:     30,
			ParallelWorkers:          4,
			BatchSize:                50,
			EnableParallelProcessing: true,
			EnableMemoryOptimization: true,
		},
		Predictive: PredictiveConfig{
			Enabled:                  true,
			LearningEnabled:          true,
			MaxPatternHistory:        1000,
			MinPatternFrequency:      3,
			PredictionThreshold:      0.3,
			MaxConcurrentPredictions: 5,
			ResourceThresholds: ResourceThresholds{
				MaxCPUUtilization: 70,
				MaxMemoryUsageMB:  512,
				MaxDiskIOPS:       1000,
			},
			WarmingStrategy: WarmingStrategy{
				Aggressiveness:         "moderate",
				MaxWarmingOpsPerMinute: 10,
				PriorityWeighting:      1.0,
			},
			Models: ModelToggles{
				EnableSequenceAnalysis:       true,
				EnableCollaborativeFiltering: true,
				EnableTemporalPatterns:       true,
				EnableContextualPredictions:  true,
			},
		},
		Monitoring: MonitoringConfig{
			Enabled:         true,
			IntervalMinutes: 10,
			AlertThresholds: AlertThresholds{
				SlowQueryMs:            500,
				UnusedIndexDays:        30,
				WriteImpactThreshold:   0.5,
				MemoryUsageThresholdMB: 512,
			},
			RetentionDays: 30,
			Optimization: OptimizationConfig{
				AutoOptimizeEnabled:        false,
				AutoDropUnusedIndexes:      false,
				MaxConcurrentOptimizations: 1,
				MaintenanceWindowHours:     []int{2, 3, 4},
				RiskTolerance:              "conservative",
			},
		},
		Database: DatabaseConfig{
			MaxConnections: 10,
			ConnectTimeout: 30,
			MigrationsPath: "file://migrations",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "console",
		},
	}
	cfg.applyComputed()
	return cfg
}

// applyComputed fills fields derived from the serialized settings
func (c *Config) applyComputed() {
	c.Performance.StreamingThreshold = 1000
	if !c.Performance.EnableMemoryOptimization {
		c.Performance.StreamingThreshold = 0
	}
}

// LoadConfig loads configuration from a JSON file, falling back to defaults
// for any missing section. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyComputed()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config in %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes the configuration to a JSON file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	if c.Performance.MaxMemoryUsageMB <= 0 {
		return fmt.Errorf("performance.max_memory_usage_mb must be positive, got %d", c.Performance.MaxMemoryUsageMB)
	}
	if c.Performance.BatchSize <= 0 {
		return fmt.Errorf("performance.batch_size must be positive, got %d", c.Performance.BatchSize)
	}
	if c.Performance.ParallelWorkers <= 0 {
		return fmt.Errorf("performance.parallel_workers must be positive, got %d", c.Performance.ParallelWorkers)
	}
	if c.Predictive.PredictionThreshold < 0 || c.Predictive.PredictionThreshold > 1 {
		return fmt.Errorf("predictive.prediction_threshold must be in [0,1], got %f", c.Predictive.PredictionThreshold)
	}
	if c.Predictive.MaxConcurrentPredictions <= 0 {
		return fmt.Errorf("predictive.max_concurrent_predictions must be positive, got %d", c.Predictive.MaxConcurrentPredictions)
	}
	switch c.Predictive.WarmingStrategy.Aggressiveness {
	case "conservative", "moderate", "aggressive":
	default:
		return fmt.Errorf("predictive.warming_strategy.aggressiveness must be conservative, moderate or aggressive, got %q",
			c.Predictive.WarmingStrategy.Aggressiveness)
	}
	switch c.Monitoring.Optimization.RiskTolerance {
	case "conservative", "moderate", "aggressive":
	default:
		return fmt.Errorf("monitoring.optimization.risk_tolerance must be conservative, moderate or aggressive, got %q",
			c.Monitoring.Optimization.RiskTolerance)
	}
	if c.Monitoring.IntervalMinutes <= 0 {
		return fmt.Errorf("monitoring.interval_minutes must be positive, got %d", c.Monitoring.IntervalMinutes)
	}
	for _, h := range c.Monitoring.Optimization.MaintenanceWindowHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("monitoring.optimization.maintenance_window_hours entries must be in [0,23], got %d", h)
		}
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

func parseLevel(level string) (string, error) {
	switch level {
	case "debug", "info", "warn", "warning", "error":
		return level, nil
	default:
		return "", fmt.Errorf("logging.level must be debug, info, warn or error, got %q", level)
	}
}
