// Package config loads the service configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"txncat/db"
	"txncat/logging"
	"txncat/ml"
	"txncat/serving"
)

const envPrefix = "TXNCAT_"

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	AdminToken      string        `yaml:"admin_token"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type ModelConfig struct {
	Path             string              `yaml:"path"`
	TaxonomyPath     string              `yaml:"taxonomy_path"`
	DataPath         string              `yaml:"data_path"`
	Bootstrap        bool                `yaml:"bootstrap"`
	BootstrapSamples int                 `yaml:"bootstrap_samples"`
	Watch            bool                `yaml:"watch"`
	WatchDebounce    time.Duration       `yaml:"watch_debounce"`
	Seed             uint64              `yaml:"seed"`
	TestRatio        float64             `yaml:"test_ratio"`
	UseFeedback      bool                `yaml:"use_feedback"`
	RetrainInterval  time.Duration       `yaml:"retrain_interval"`
	Regression       ml.RegressionConfig `yaml:"regression"`
}

type DashboardConfig struct {
	RecentSize      int           `yaml:"recent_size"`
	LowConfidence   float64       `yaml:"low_confidence"`
	Heartbeat       time.Duration `yaml:"heartbeat"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Model     ModelConfig     `yaml:"model"`
	Serving   serving.Config  `yaml:"serving"`
	Database  db.Config       `yaml:"database"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Log       logging.Config  `yaml:"log"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    10 << 20,
		},
		Model: ModelConfig{
			Path:             "models/pipeline.json",
			TaxonomyPath:     "config/categories.yaml",
			DataPath:         "data/transactions.csv",
			Bootstrap:        true,
			BootstrapSamples: 50000,
			Watch:            true,
			WatchDebounce:    500 * time.Millisecond,
			Seed:             42,
			TestRatio:        0.2,
			UseFeedback:      true,
			Regression:       ml.DefaultRegressionConfig(),
		},
		Serving: serving.DefaultConfig(),
		Database: db.Config{
			Path:          "data/txncat.db",
			EnableWAL:     true,
			BufferSize:    1024,
			BatchSize:     100,
			FlushInterval: time.Second,
		},
		Dashboard: DashboardConfig{
			RecentSize:      100,
			LowConfidence:   0.5,
			Heartbeat:       30 * time.Second,
			MetricsInterval: 10 * time.Second,
		},
		Log: logging.DefaultConfig(),
	}
}

// Load 读取YAML配置：默认值 → 文件 → 环境变量 → 校验。path为空时跳过文件
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strVars := map[string]*string{
		"SERVER_ADDR":   &c.Server.Addr,
		"ADMIN_TOKEN":   &c.Server.AdminToken,
		"MODEL_PATH":    &c.Model.Path,
		"TAXONOMY_PATH": &c.Model.TaxonomyPath,
		"DATA_PATH":     &c.Model.DataPath,
		"DB_PATH":       &c.Database.Path,
		"LOG_LEVEL":     &c.Log.Level,
		"LOG_ENCODING":  &c.Log.Encoding,
		"LOG_FILE":      &c.Log.File.Path,
	}
	for name, target := range strVars {
		if v, ok := lookup(envPrefix + name); ok {
			*target = v
		}
	}

	boolVars := map[string]*bool{
		"MODEL_BOOTSTRAP": &c.Model.Bootstrap,
		"MODEL_WATCH":     &c.Model.Watch,
	}
	for name, target := range boolVars {
		v, ok := lookup(envPrefix + name)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", envPrefix, name, err)
		}
		*target = b
	}

	if v, ok := lookup(envPrefix + "ALLOWED_ORIGINS"); ok {
		c.Server.AllowedOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				c.Server.AllowedOrigins = append(c.Server.AllowedOrigins, origin)
			}
		}
	}
	return nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []string
	if c.Server.Addr == "" {
		errs = append(errs, "server.addr is required")
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, "server.max_body_bytes must be positive")
	}
	if c.Model.Path == "" {
		errs = append(errs, "model.path is required")
	}
	if c.Model.TaxonomyPath == "" {
		errs = append(errs, "model.taxonomy_path is required")
	}
	if c.Model.TestRatio <= 0 || c.Model.TestRatio >= 1 {
		errs = append(errs, "model.test_ratio must be in (0, 1)")
	}
	if c.Model.Bootstrap && c.Model.BootstrapSamples <= 0 {
		errs = append(errs, "model.bootstrap_samples must be positive when bootstrap is enabled")
	}
	if c.Serving.ExplainTopN < 0 {
		errs = append(errs, "serving.explain_top_n must not be negative")
	}
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Model.RetrainInterval < 0 {
		errs = append(errs, "model.retrain_interval must not be negative")
	}
	if c.Dashboard.LowConfidence < 0 || c.Dashboard.LowConfidence > 1 {
		errs = append(errs, "dashboard.low_confidence must be in [0, 1]")
	}
	if len(errs) > 0 {
		return errors.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}
