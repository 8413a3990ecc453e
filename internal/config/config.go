package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendE2B    = "e2b"
	BackendDocker = "docker"
)

var ErrInvalid = errors.New("invalid config")

type DockerConfig struct {
	Image    string `yaml:"image"`
	MemLimit string `yaml:"mem_limit"` // e.g. "512m"
	Workload string `yaml:"workload"`  // shell command run on connect
}

type Config struct {
	APIKey             string        `yaml:"api_key"`
	BaseURL            string        `yaml:"base_url"`
	Domain             string        `yaml:"domain"`
	EnvdURL            string        `yaml:"envd_url"` // overrides the per-sandbox envd host
	TemplateID         string        `yaml:"template_id"`
	TimeoutSeconds     int           `yaml:"timeout_seconds"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	Backend            string        `yaml:"backend"`
	Workers            int           `yaml:"workers"`
	Sandboxes          int           `yaml:"sandboxes"`
	Files              []string      `yaml:"files"`
	Cycles             int           `yaml:"cycles"`
	RoundPause         time.Duration `yaml:"round_pause"`
	ReplenishPerMinute float64       `yaml:"replenish_per_minute"`
	ReportPath         string        `yaml:"report_path"`
	JournalPath        string        `yaml:"journal_path"`
	MetricsListen      string        `yaml:"metrics_listen"`
	LogLevel           string        `yaml:"log_level"`
	Docker             DockerConfig  `yaml:"docker"`
}

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		BaseURL:            "https://api.e2b.dev",
		Domain:             "e2b.dev",
		TemplateID:         "base",
		TimeoutSeconds:     240,
		RequestTimeout:     30 * time.Second,
		Backend:            BackendE2B,
		Workers:            1,
		Sandboxes:          20,
		Files:              []string{"./hello.py", "./pi.py"},
		Cycles:             20,
		RoundPause:         time.Second,
		ReplenishPerMinute: 120,
		ReportPath:         fmt.Sprintf("report_%d.csv", os.Getpid()),
		JournalPath:        "./sandpress.db",
		LogLevel:           "info",
		Docker: DockerConfig{
			Image:    "python:3.12-slim",
			MemLimit: "512m",
			Workload: "python3 -c 'print(sum(range(10**6)))'",
		},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// Validate reports the first setting that cannot drive a run.
func (c *Config) Validate() error {
	switch {
	case c.Workers <= 0:
		return fmt.Errorf("%w: workers must be positive, got %d", ErrInvalid, c.Workers)
	case c.Sandboxes < 0:
		return fmt.Errorf("%w: sandboxes must not be negative, got %d", ErrInvalid, c.Sandboxes)
	case c.Cycles <= 0:
		return fmt.Errorf("%w: cycles must be positive, got %d", ErrInvalid, c.Cycles)
	case c.TimeoutSeconds <= 0:
		return fmt.Errorf("%w: timeout_seconds must be positive, got %d", ErrInvalid, c.TimeoutSeconds)
	}
	switch c.Backend {
	case BackendE2B:
		if c.APIKey == "" {
			return fmt.Errorf("%w: api_key is required for the e2b backend (set E2B_API_KEY)", ErrInvalid)
		}
		if c.BaseURL == "" {
			return fmt.Errorf("%w: base_url is required for the e2b backend", ErrInvalid)
		}
	case BackendDocker:
		if c.Docker.Image == "" {
			return fmt.Errorf("%w: docker.image is required for the docker backend", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalid, c.Backend)
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	out.Files = append([]string(nil), c.Files...)
	if out.APIKey != "" {
		out.APIKey = "<redacted>"
	}
	return &out
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("E2B_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("E2B_BASE_URL"); v != "" {
		cfg.BaseURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("E2B_DOMAIN"); v != "" {
		cfg.Domain = v
	}
	if v := os.Getenv("E2B_TEMPLATE_ID"); v != "" {
		cfg.TemplateID = v
	}
	if v := os.Getenv("E2B_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("SANDPRESS_ENVD_URL"); v != "" {
		cfg.EnvdURL = v
	}
	if v := os.Getenv("SANDPRESS_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RequestTimeout = d
		}
	}
	if v := os.Getenv("SANDPRESS_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("SANDPRESS_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("SANDPRESS_SANDBOXES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sandboxes = n
		}
	}
	if v := os.Getenv("SANDPRESS_FILES"); v != "" {
		cfg.Files = strings.Split(v, ",")
	}
	if v := os.Getenv("SANDPRESS_CYCLES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cycles = n
		}
	}
	if v := os.Getenv("SANDPRESS_ROUND_PAUSE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RoundPause = d
		}
	}
	if v := os.Getenv("SANDPRESS_REPLENISH_PER_MINUTE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.ReplenishPerMinute = f
		}
	}
	if v := os.Getenv("SANDPRESS_REPORT_PATH"); v != "" {
		cfg.ReportPath = v
	}
	if v, ok := os.LookupEnv("SANDPRESS_JOURNAL_PATH"); ok {
		cfg.JournalPath = v
	}
	if v := os.Getenv("SANDPRESS_METRICS_LISTEN"); v != "" {
		cfg.MetricsListen = v
	}
	if v := os.Getenv("SANDPRESS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SANDPRESS_DOCKER_IMAGE"); v != "" {
		cfg.Docker.Image = v
	}
	if v := os.Getenv("SANDPRESS_DOCKER_MEM_LIMIT"); v != "" {
		cfg.Docker.MemLimit = v
	}
	if v := os.Getenv("SANDPRESS_DOCKER_WORKLOAD"); v != "" {
		cfg.Docker.Workload = v
	}
}
