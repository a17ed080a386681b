// Package experiment runs a complete optimization from a YAML run
// configuration: gene schema and overrides, optimizer choice, objective
// middleware, checkpointing, trial recording and observability.
package experiment

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scttfrdmn/genekit/genekit-go/evaluation"
	"github.com/scttfrdmn/genekit/genekit-go/gene"
	"github.com/scttfrdmn/genekit/genekit-go/middleware"
	"github.com/scttfrdmn/genekit/genekit-go/observability"
)

// Algorithms understood by the runner.
const (
	AlgorithmRandom   = "random"
	AlgorithmBayesian = "bayesian"
	AlgorithmGenetic  = "genetic"
)

// Checkpoint backends.
const (
	BackendNone   = ""
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

// RunConfig is the YAML run configuration.
//
// Example:
//
//	name: cnn-search
//	algorithm: genetic
//	iterations: 20
//	maximize: true
//	schema_file: schema.yaml
//	genetic:
//	  population_size: 16
//	middleware:
//	  timeout: 2m
//	  retry: {max_attempts: 3}
//	checkpoint:
//	  backend: file
//	  dir: ./checkpoints
//	  interval: 5
type RunConfig struct {
	Name       string `yaml:"name"`
	RunID      string `yaml:"run_id"`
	Algorithm  string `yaml:"algorithm"`
	Iterations int    `yaml:"iterations"` // generations for the genetic algorithm
	Maximize   bool   `yaml:"maximize"`
	Seed       uint64 `yaml:"seed"`

	// Schema is an inline schema document; SchemaFile names one on disk,
	// relative to the run configuration file.
	Schema     *gene.Document `yaml:"schema"`
	SchemaFile string         `yaml:"schema_file"`

	Genetic       GeneticSection       `yaml:"genetic"`
	Bayesian      BayesianSection      `yaml:"bayesian"`
	Middleware    MiddlewareSection    `yaml:"middleware"`
	Checkpoint    CheckpointSection    `yaml:"checkpoint"`
	Recording     RecordingSection     `yaml:"recording"`
	Observability ObservabilitySection `yaml:"observability"`
}

// GeneticSection mirrors evaluation.GeneticOptimizerConfig.
type GeneticSection struct {
	PopulationSize       int     `yaml:"population_size"`
	KeepElitism          int     `yaml:"keep_elitism"`
	TournamentSize       int     `yaml:"tournament_size"`
	CrossoverRate        float64 `yaml:"crossover_rate"`
	MutationPercentGenes float64 `yaml:"mutation_percent_genes"`
	RandomMutationRate   float64 `yaml:"random_mutation_rate"`
	BestKnownRate        float64 `yaml:"best_known_rate"`
	Parallelism          int     `yaml:"parallelism"`
}

// BayesianSection mirrors evaluation.BayesianOptimizerConfig.
type BayesianSection struct {
	Acquisition string  `yaml:"acquisition"`
	NInitial    int     `yaml:"n_initial"`
	NCandidates int     `yaml:"n_candidates"`
	Xi          float64 `yaml:"xi"`
	Kappa       float64 `yaml:"kappa"`
}

// MiddlewareSection selects the objective decorators. Nil sections and a
// zero timeout are disabled.
type MiddlewareSection struct {
	Cache          *CacheSection          `yaml:"cache"`
	Retry          *RetrySection          `yaml:"retry"`
	Timeout        time.Duration          `yaml:"timeout"`
	RateLimit      *RateLimitSection      `yaml:"rate_limit"`
	CircuitBreaker *CircuitBreakerSection `yaml:"circuit_breaker"`
}

// CacheSection configures score caching.
type CacheSection struct {
	MaxSize int           `yaml:"max_size"`
	TTL     time.Duration `yaml:"ttl"`
}

// RetrySection configures retries of failed evaluations.
type RetrySection struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// RateLimitSection configures evaluation throttling.
type RateLimitSection struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// CircuitBreakerSection configures the circuit breaker.
type CircuitBreakerSection struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// CheckpointSection configures population checkpoints.
type CheckpointSection struct {
	Backend   string        `yaml:"backend"` // "", memory, file or redis
	Dir       string        `yaml:"dir"`
	RedisURL  string        `yaml:"redis_url"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
	Interval  int           `yaml:"interval"`
	Resume    bool          `yaml:"resume"`
	KeepLast  int           `yaml:"keep_last"` // 0 keeps every checkpoint
}

// RecordingSection configures the trial recorder. An empty Dir records in
// memory.
type RecordingSection struct {
	Dir string `yaml:"dir"`
}

// ObservabilitySection configures logging, tracing, metrics and audit.
type ObservabilitySection struct {
	LogLevel      string  `yaml:"log_level"`
	LogFormat     string  `yaml:"log_format"`
	Tracing       bool    `yaml:"tracing"`
	OTLPEndpoint  string  `yaml:"otlp_endpoint"`
	ConsoleTraces bool    `yaml:"console_traces"`
	SampleRatio   float64 `yaml:"sample_ratio"`
	Metrics       bool    `yaml:"metrics"`
	MetricsAddr   string  `yaml:"metrics_addr"`
	AuditFile     string  `yaml:"audit_file"`
}

// DefaultRunConfig returns a run configuration with sensible defaults.
func DefaultRunConfig() *RunConfig {
	ga := evaluation.DefaultGeneticOptimizerConfig()
	cache := middleware.DefaultCachingConfig()
	tracing := observability.DefaultTracingConfig()

	return &RunConfig{
		Name:       "genekit",
		Algorithm:  AlgorithmGenetic,
		Iterations: 10,
		Maximize:   true,
		Genetic: GeneticSection{
			PopulationSize:       ga.PopulationSize,
			KeepElitism:          ga.KeepElitism,
			TournamentSize:       ga.TournamentSize,
			CrossoverRate:        ga.CrossoverRate,
			MutationPercentGenes: ga.MutationPercentGenes,
			RandomMutationRate:   ga.RandomMutationRate,
			BestKnownRate:        ga.BestKnownRate,
			Parallelism:          ga.Parallelism,
		},
		Bayesian: BayesianSection{
			Acquisition: string(evaluation.AcquisitionEI),
			NInitial:    5,
			NCandidates: 1000,
			Xi:          0.01,
			Kappa:       2.576,
		},
		Middleware: MiddlewareSection{
			Cache: &CacheSection{MaxSize: cache.MaxCacheSize, TTL: cache.DefaultTTL},
		},
		Checkpoint: CheckpointSection{
			KeyPrefix: "genekit:checkpoints",
			Interval:  5,
		},
		Observability: ObservabilitySection{
			LogLevel:    "info",
			LogFormat:   "text",
			SampleRatio: tracing.SampleRatio,
			MetricsAddr: ":9464",
		},
	}
}

// ParseRunConfig decodes a YAML run configuration over the defaults and
// validates it.
func ParseRunConfig(data []byte) (*RunConfig, error) {
	cfg := DefaultRunConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse run config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadRunConfig reads a run configuration file. A relative SchemaFile is
// resolved against the directory of path.
func LoadRunConfig(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run config: %w", err)
	}
	cfg, err := ParseRunConfig(data)
	if err != nil {
		return nil, err
	}
	if cfg.SchemaFile != "" && !filepath.IsAbs(cfg.SchemaFile) {
		cfg.SchemaFile = filepath.Join(filepath.Dir(path), cfg.SchemaFile)
	}
	return cfg, nil
}

// Validate checks the run configuration. Optimizer parameters are checked
// again by the optimizer constructors.
func (c *RunConfig) Validate() error {
	switch c.Algorithm {
	case AlgorithmRandom, AlgorithmBayesian, AlgorithmGenetic:
	default:
		return fmt.Errorf("unknown algorithm %q", c.Algorithm)
	}
	if c.Iterations < 1 {
		return fmt.Errorf("iterations must be positive, got %d", c.Iterations)
	}
	if (c.Schema == nil) == (c.SchemaFile == "") {
		return fmt.Errorf("exactly one of schema and schema_file is required")
	}

	switch c.Checkpoint.Backend {
	case BackendNone, BackendMemory:
	case BackendFile:
		if c.Checkpoint.Dir == "" {
			return fmt.Errorf("file checkpoints need a dir")
		}
	case BackendRedis:
		if c.Checkpoint.RedisURL == "" {
			return fmt.Errorf("redis checkpoints need a redis_url")
		}
	default:
		return fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint.Backend)
	}
	if c.Checkpoint.Backend != BackendNone && c.Algorithm != AlgorithmGenetic {
		return fmt.Errorf("checkpoints are only supported by the genetic algorithm")
	}
	if c.Checkpoint.Resume && c.RunID == "" {
		return fmt.Errorf("resume requires a run_id")
	}
	if c.Checkpoint.KeepLast < 0 {
		return fmt.Errorf("keep_last must not be negative, got %d", c.Checkpoint.KeepLast)
	}

	if c.Middleware.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %v", c.Middleware.Timeout)
	}
	if cache := c.Middleware.Cache; cache != nil {
		cc := middleware.CachingConfig{MaxCacheSize: cache.MaxSize, DefaultTTL: cache.TTL}
		if err := cc.Validate(); err != nil {
			return fmt.Errorf("cache: %w", err)
		}
	}

	if _, err := observability.ParseLevel(c.Observability.LogLevel); err != nil {
		return err
	}
	logging := observability.LoggingConfig{Format: c.Observability.LogFormat}
	if err := logging.Validate(); err != nil {
		return err
	}
	return nil
}

// Document returns the schema document, reading SchemaFile when the schema
// is not inline.
func (c *RunConfig) Document() (*gene.Document, error) {
	if c.Schema != nil {
		return c.Schema, nil
	}
	return gene.LoadSchemaFile(c.SchemaFile)
}
