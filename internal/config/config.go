package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-selfimprove/internal/models"
)

// Config captures every setting required to boot the self-improvement service.
type Config struct {
	Server          ServerConfig          `yaml:"server"`
	Logging         LoggingConfig         `yaml:"logging"`
	Storage         StorageConfig         `yaml:"storage"`
	Cache           CacheConfig           `yaml:"cache"`
	Pipes           PipesConfig           `yaml:"pipes"`
	Ingest          IngestConfig          `yaml:"ingest"`
	Allowlist       AllowlistConfig       `yaml:"allowlist"`
	SelfImprovement SelfImprovementConfig `yaml:"selfImprovement"`
	Tunables        []TunableConfig       `yaml:"tunables"`
}

// ServerConfig controls the gRPC health listener and the operator HTTP API.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	HTTPAddress     string        `yaml:"httpAddress"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// StorageConfig selects the persistence backend: memory, sqlite or postgres.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// CacheConfig controls the Redis-compatible store holding operator approvals.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	ApprovalTTL  time.Duration `yaml:"approvalTTL"`
}

// PipesConfig configures the external reasoning pipe service.
type PipesConfig struct {
	Provider   string        `yaml:"provider"`
	BaseURL    string        `yaml:"baseURL"`
	APIKey     string        `yaml:"apiKey"`
	Model      string        `yaml:"model"`
	MaxTokens  int           `yaml:"maxTokens"`
	Timeout    time.Duration `yaml:"timeout"`
	Diagnosis  string        `yaml:"diagnosis"`
	Decision   string        `yaml:"decision"`
	Validation string        `yaml:"validation"`
	Learning   string        `yaml:"learning"`
}

// IngestConfig configures invocation event sources other than HTTP push.
type IngestConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

// KafkaConfig configures the invocation-event topic consumer. When ChangeTopic is
// set, applied configuration changes are published there on the same brokers.
type KafkaConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic"`
	GroupID       string        `yaml:"groupID"`
	BatchSize     int           `yaml:"batchSize"`
	FlushInterval time.Duration `yaml:"flushInterval"`
	ChangeTopic   string        `yaml:"changeTopic"`
}

// AllowlistConfig points at the YAML action registry.
type AllowlistConfig struct {
	Path string `yaml:"path"`
}

// SelfImprovementConfig groups the control-loop tuning.
type SelfImprovementConfig struct {
	Enabled        bool                 `yaml:"enabled"`
	Monitor        MonitorConfig        `yaml:"monitor"`
	Analyzer       AnalyzerConfig       `yaml:"analyzer"`
	Executor       ExecutorConfig       `yaml:"executor"`
	Learner        LearnerConfig        `yaml:"learner"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
	Baseline       BaselineConfig       `yaml:"baseline"`
}

// MonitorConfig controls aggregation and absolute thresholds.
type MonitorConfig struct {
	CheckInterval         time.Duration `yaml:"checkInterval"`
	ErrorRateThreshold    float64       `yaml:"errorRateThreshold"`
	LatencyThresholdMs    float64       `yaml:"latencyThresholdMs"`
	QualityThreshold      float64       `yaml:"qualityThreshold"`
	FallbackRateThreshold float64       `yaml:"fallbackRateThreshold"`
	MinSampleSize         int           `yaml:"minSampleSize"`
	AggregationWindow     time.Duration `yaml:"aggregationWindow"`
	MaxBufferedEvents     int           `yaml:"maxBufferedEvents"`
	HistoryLength         int           `yaml:"historyLength"`
}

// AnalyzerConfig limits diagnosis generation.
type AnalyzerConfig struct {
	MaxPendingDiagnoses   int           `yaml:"maxPendingDiagnoses"`
	MinActionSeverity     string        `yaml:"minActionSeverity"`
	DiagnosisTimeout      time.Duration `yaml:"diagnosisTimeout"`
	ValidationEnabled     bool          `yaml:"validationEnabled"`
	PipeFailureEscalation int           `yaml:"pipeFailureEscalation"`
	// MinSelectionScore is the lowest history-weighted score a proposed action may have.
	MinSelectionScore     float64       `yaml:"minSelectionScore"`
}

// ExecutorConfig limits how often and how safely actions are applied.
type ExecutorConfig struct {
	MaxActionsPerHour    int           `yaml:"maxActionsPerHour"`
	CooldownDuration     time.Duration `yaml:"cooldownDuration"`
	VerificationTimeout  time.Duration `yaml:"verificationTimeout"`
	RollbackOnRegression bool          `yaml:"rollbackOnRegression"`
	StabilizationPeriod  time.Duration `yaml:"stabilizationPeriod"`
	RequireApproval      bool          `yaml:"requireApproval"`
	RegressionTolerance  float64       `yaml:"regressionTolerance"`
}

// LearnerConfig tunes reward scoring and history.
type LearnerConfig struct {
	EffectiveRewardThreshold float64              `yaml:"effectiveRewardThreshold"`
	HistoryWeight            float64              `yaml:"historyWeight"`
	MaxHistoryPerAction      int                  `yaml:"maxHistoryPerAction"`
	SynthesisEnabled         bool                 `yaml:"synthesisEnabled"`
	Weights                  models.RewardWeights `yaml:"weights"`
}

// CircuitBreakerConfig limits automation after repeated failures.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	SuccessThreshold int           `yaml:"successThreshold"`
	RecoveryTimeout  time.Duration `yaml:"recoveryTimeout"`
}

// BaselineConfig tunes the adaptive baselines.
type BaselineConfig struct {
	EMAAlpha           float64       `yaml:"emaAlpha"`
	RollingWindow      time.Duration `yaml:"rollingWindow"`
	MinSamples         int           `yaml:"minSamples"`
	WarningMultiplier  float64       `yaml:"warningMultiplier"`
	CriticalMultiplier float64       `yaml:"criticalMultiplier"`
}

// TunableConfig seeds one live configuration parameter of the supervised server.
type TunableConfig struct {
	Component string `yaml:"component"`
	Param     string `yaml:"param"`
	Type      string `yaml:"type"`
	Value     string `yaml:"value"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_SI_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50061",
			HTTPAddress:     ":8089",
			MetricsAddress:  ":2113",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Storage: StorageConfig{Driver: "sqlite", DSN: "file:selfimprove.db?_pragma=busy_timeout(5000)"},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			ApprovalTTL:  24 * time.Hour,
		},
		Pipes: PipesConfig{
			Provider:   "http",
			BaseURL:    "http://localhost:8091",
			Model:      "claude-sonnet-4-5",
			MaxTokens:  1024,
			Timeout:    30 * time.Second,
			Diagnosis:  "self-diagnosis-v1",
			Decision:   "decision-framework-v1",
			Validation: "detection-v1",
			Learning:   "reflection-v1",
		},
		Ingest: IngestConfig{
			Kafka: KafkaConfig{
				Topic:         "reasoning.invocations",
				GroupID:       "mirador-selfimprove",
				BatchSize:     100,
				FlushInterval: time.Second,
			},
		},
		Allowlist: AllowlistConfig{Path: "configs/allowlist.yaml"},
		SelfImprovement: SelfImprovementConfig{
			Enabled: true,
			Monitor: MonitorConfig{
				CheckInterval:         5 * time.Minute,
				ErrorRateThreshold:    0.1,
				LatencyThresholdMs:    5000,
				QualityThreshold:      0.7,
				FallbackRateThreshold: 0.1,
				MinSampleSize:         50,
				AggregationWindow:     5 * time.Minute,
				MaxBufferedEvents:     20000,
				HistoryLength:         12,
			},
			Analyzer: AnalyzerConfig{
				MaxPendingDiagnoses:   10,
				MinActionSeverity:     string(models.SeverityWarning),
				DiagnosisTimeout:      30 * time.Second,
				ValidationEnabled:     true,
				PipeFailureEscalation: 3,
				MinSelectionScore:     0.35,
			},
			Executor: ExecutorConfig{
				MaxActionsPerHour:    3,
				CooldownDuration:     5 * time.Minute,
				VerificationTimeout:  60 * time.Second,
				RollbackOnRegression: true,
				StabilizationPeriod:  2 * time.Minute,
				RequireApproval:      false,
				RegressionTolerance:  0.1,
			},
			Learner: LearnerConfig{
				EffectiveRewardThreshold: 0.1,
				HistoryWeight:            0.3,
				MaxHistoryPerAction:      50,
				SynthesisEnabled:         true,
				Weights:                  models.DefaultRewardWeights(),
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 3,
				SuccessThreshold: 2,
				RecoveryTimeout:  30 * time.Minute,
			},
			Baseline: BaselineConfig{
				EMAAlpha:           0.1,
				RollingWindow:      time.Hour,
				MinSamples:         10,
				WarningMultiplier:  1.5,
				CriticalMultiplier: 2.0,
			},
		},
		Tunables: defaultTunables(),
	}
}

func defaultTunables() []TunableConfig {
	return []TunableConfig{
		{Component: string(models.ComponentPipeClient), Param: string(models.ResourceRequestTimeoutMs), Type: string(models.ParamNumber), Value: "30000"},
		{Component: string(models.ComponentPipeClient), Param: string(models.ResourceMaxRetries), Type: string(models.ParamNumber), Value: "3"},
		{Component: string(models.ComponentPipeClient), Param: "retry_delay", Type: string(models.ParamDuration), Value: "500ms"},
		{Component: string(models.ComponentServer), Param: string(models.ResourceMaxConcurrentRequests), Type: string(models.ParamNumber), Value: "16"},
		{Component: string(models.ComponentStorage), Param: string(models.ResourceConnectionPoolSize), Type: string(models.ParamNumber), Value: "10"},
		{Component: string(models.ComponentCache), Param: string(models.ResourceCacheSize), Type: string(models.ParamNumber), Value: "1000"},
		{Component: string(models.ComponentReasoning), Param: "reflection_enabled", Type: string(models.ParamBool), Value: "true"},
		{Component: string(models.ComponentReasoning), Param: "default_mode", Type: string(models.ParamString), Value: "linear"},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_SI_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("MIRADOR_SI_HTTP_ADDRESS"); v != "" {
		cfg.Server.HTTPAddress = v
	}
	if v := os.Getenv("MIRADOR_SI_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("MIRADOR_SI_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_SI_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("MIRADOR_SI_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("MIRADOR_SI_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("MIRADOR_SI_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = parseBool(v)
	}
	if v := os.Getenv("MIRADOR_SI_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("MIRADOR_SI_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("MIRADOR_SI_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("MIRADOR_SI_PIPES_PROVIDER"); v != "" {
		cfg.Pipes.Provider = v
	}
	if v := os.Getenv("MIRADOR_SI_PIPES_BASE_URL"); v != "" {
		cfg.Pipes.BaseURL = v
	}
	if v := os.Getenv("MIRADOR_SI_PIPES_API_KEY"); v != "" {
		cfg.Pipes.APIKey = v
	}
	if v := os.Getenv("MIRADOR_SI_PIPES_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipes.Timeout = d
		}
	}
	if v := os.Getenv("MIRADOR_SI_KAFKA_BROKERS"); v != "" {
		cfg.Ingest.Kafka.Brokers = strings.Split(v, ",")
		cfg.Ingest.Kafka.Enabled = true
	}
	if v := os.Getenv("MIRADOR_SI_KAFKA_TOPIC"); v != "" {
		cfg.Ingest.Kafka.Topic = v
	}
	if v := os.Getenv("MIRADOR_SI_KAFKA_CHANGE_TOPIC"); v != "" {
		cfg.Ingest.Kafka.ChangeTopic = v
	}
	if v := os.Getenv("MIRADOR_SI_ALLOWLIST_PATH"); v != "" {
		cfg.Allowlist.Path = v
	}
	if v := os.Getenv("MIRADOR_SI_ENABLED"); v != "" {
		cfg.SelfImprovement.Enabled = parseBool(v)
	}
	if v := os.Getenv("MIRADOR_SI_CHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SelfImprovement.Monitor.CheckInterval = d
		}
	}
	if v := os.Getenv("MIRADOR_SI_REQUIRE_APPROVAL"); v != "" {
		cfg.SelfImprovement.Executor.RequireApproval = parseBool(v)
	}
	if v := os.Getenv("MIRADOR_SI_MAX_ACTIONS_PER_HOUR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SelfImprovement.Executor.MaxActionsPerHour = n
		}
	}
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}
