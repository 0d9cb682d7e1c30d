package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Batch     batchConfig     `yaml:"batch"`
	Execution executionConfig `yaml:"execution"`
	Optimizer optimizerConfig `yaml:"optimizer"`
	Logging   loggingConfig   `yaml:"logging"`
	Metrics   metricsConfig   `yaml:"metrics"`
	// never read from yaml; filled by LoadSecrets
	Secrets secretsConfig `yaml:"-"`
}
type batchConfig struct {
	Size int `yaml:"size"` // rows per batch handed between operators
}
type executionConfig struct {
	MaxWorkers     int  `yaml:"max_workers"`
	EnableParallel bool `yaml:"enable_parallel"`
}
type optimizerConfig struct {
	PredicatePushdown  bool `yaml:"predicate_pushdown"`
	ProjectionPushdown bool `yaml:"projection_pushdown"`
	Simplify           bool `yaml:"simplify"`
}
type loggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
type metricsConfig struct {
	EnableMetrics bool   `yaml:"enable_metrics"`
	MetricsPort   int    `yaml:"metrics_port"`
	MetricsHost   string `yaml:"metrics_host"`
}
type secretsConfig struct {
	AccessKey   string
	SecretKey   string
	EndpointURL string
	BucketName  string
	UseSSL      bool
}

func defaultConfig() *Config {
	return &Config{
		Batch: batchConfig{
			Size: 1024 * 8,
		},
		Execution: executionConfig{
			MaxWorkers:     runtime.NumCPU(),
			EnableParallel: true,
		},
		Optimizer: optimizerConfig{
			PredicatePushdown:  true,
			ProjectionPushdown: true,
			Simplify:           true,
		},
		Logging: loggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: metricsConfig{
			EnableMetrics: true,
			MetricsPort:   9999,
			MetricsHost:   "localhost",
		},
		Secrets: secretsConfig{UseSSL: true},
	}
}

var (
	mu             sync.RWMutex
	configInstance = defaultConfig()
)

func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return configInstance
}

// Snapshot returns a copy that later Decode or LoadSecrets calls do not touch.
func Snapshot() Config {
	mu.RLock()
	defer mu.RUnlock()
	return *configInstance
}

// Reset restores the defaults.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	configInstance = defaultConfig()
}

// Decode merges the yaml file at filePath over the current config. Keys that
// are missing or carry the wrong type leave the current value untouched.
func Decode(filePath string) error {
	ext := filepath.Ext(filePath)
	if ext != ".yaml" && ext != ".yml" {
		return errors.Newf("config file %q must be a .yaml or .yml file", filePath)
	}
	r, err := os.Open(filePath)
	if err != nil {
		return errors.Wrap(err, "opening config")
	}
	defer r.Close()

	src := make(map[string]interface{})
	if err := yaml.NewDecoder(r).Decode(src); err != nil {
		return errors.Wrap(err, "failed to decode config")
	}
	mu.Lock()
	defer mu.Unlock()
	mergeConfig(configInstance, src)
	return nil
}

func mergeConfig(dst *Config, src map[string]interface{}) {
	if batch, ok := src["batch"].(map[string]interface{}); ok {
		if v, ok := batch["size"].(int); ok && v > 0 {
			dst.Batch.Size = v
		}
	}

	if execution, ok := src["execution"].(map[string]interface{}); ok {
		if v, ok := execution["max_workers"].(int); ok && v > 0 {
			dst.Execution.MaxWorkers = v
		}
		if v, ok := execution["enable_parallel"].(bool); ok {
			dst.Execution.EnableParallel = v
		}
	}

	if optimizer, ok := src["optimizer"].(map[string]interface{}); ok {
		if v, ok := optimizer["predicate_pushdown"].(bool); ok {
			dst.Optimizer.PredicatePushdown = v
		}
		if v, ok := optimizer["projection_pushdown"].(bool); ok {
			dst.Optimizer.ProjectionPushdown = v
		}
		if v, ok := optimizer["simplify"].(bool); ok {
			dst.Optimizer.Simplify = v
		}
	}

	if logging, ok := src["logging"].(map[string]interface{}); ok {
		if v, ok := logging["level"].(string); ok {
			dst.Logging.Level = v
		}
		if v, ok := logging["format"].(string); ok {
			dst.Logging.Format = v
		}
	}

	if metrics, ok := src["metrics"].(map[string]interface{}); ok {
		if v, ok := metrics["enable_metrics"].(bool); ok {
			dst.Metrics.EnableMetrics = v
		}
		if v, ok := metrics["metrics_port"].(int); ok {
			dst.Metrics.MetricsPort = v
		}
		if v, ok := metrics["metrics_host"].(string); ok {
			dst.Metrics.MetricsHost = v
		}
	}
}

// Environment keys read by LoadSecrets.
const (
	EnvAccessKey = "OPTI_ACCESS_KEY"
	EnvSecretKey = "OPTI_SECRET_KEY"
	EnvEndpoint  = "OPTI_ENDPOINT_URL"
	EnvBucket    = "OPTI_BUCKET_NAME"
	EnvUseSSL    = "OPTI_USE_SSL"
)

// LoadSecrets reads object storage credentials from the given .env files (or
// ./.env when none are given) and the process environment. Variables already
// set in the environment win over the files. A missing default .env is not an
// error.
func LoadSecrets(files ...string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			files = []string{".env"}
		}
	}
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return errors.Wrap(err, "loading secrets")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	s := &configInstance.Secrets
	if v, ok := os.LookupEnv(EnvAccessKey); ok {
		s.AccessKey = v
	}
	if v, ok := os.LookupEnv(EnvSecretKey); ok {
		s.SecretKey = v
	}
	if v, ok := os.LookupEnv(EnvEndpoint); ok {
		s.EndpointURL = v
	}
	if v, ok := os.LookupEnv(EnvBucket); ok {
		s.BucketName = v
	}
	if v, ok := os.LookupEnv(EnvUseSSL); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "%s", EnvUseSSL)
		}
		s.UseSSL = b
	}
	return nil
}

func (s secretsConfig) String() string {
	return fmt.Sprintf("endpoint=%s bucket=%s ssl=%t access_key=%s", s.EndpointURL, s.BucketName, s.UseSSL, redact(s.AccessKey))
}

func redact(v string) string {
	if len(v) <= 4 {
		return "****"
	}
	return v[:4] + "****"
}
