package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/drayq/drayq"
	"github.com/drayq/drayq/internal/utils"
)

// Config mirrors drayq.Options with JSON-friendly types; durations are
// strings like "30s". Environment variables override file values.
type Config struct {
	BrokerURL        string         `json:"broker_url"`
	Queues           []string       `json:"queues"`
	Concurrency      int            `json:"concurrency"`
	Prefetch         int            `json:"prefetch"`
	TaskTimeout      utils.Duration `json:"task_timeout"`
	RetryBase        utils.Duration `json:"retry_base"`
	RetryCap         utils.Duration `json:"retry_cap"`
	RetryJitter      bool           `json:"retry_jitter"`
	MaxRetries       int            `json:"max_retries"`
	DeadLetterQueue  string         `json:"dead_letter_queue"`
	ResultBackendURL string         `json:"result_backend_url"`
	StartupGrace     utils.Duration `json:"startup_grace"`
	ShutdownGrace    utils.Duration `json:"shutdown_grace"`
	OpsAddr          string         `json:"ops_addr"`
}

// loadConfig reads the optional JSON config file, then applies
// environment overrides.
func loadConfig(path string) (*Config, error) {
	cfg := &Config{}

	if len(path) > 0 {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyEnv(cfg *Config) error {
	envString("DRAYQ_BROKER_URL", &cfg.BrokerURL)
	envString("DRAYQ_DEAD_LETTER_QUEUE", &cfg.DeadLetterQueue)
	envString("DRAYQ_RESULT_BACKEND_URL", &cfg.ResultBackendURL)
	envString("DRAYQ_OPS_ADDR", &cfg.OpsAddr)

	if v, ok := os.LookupEnv("DRAYQ_QUEUES"); ok {
		queues := make([]string, 0)
		for _, q := range strings.Split(v, ",") {
			if q = strings.TrimSpace(q); len(q) > 0 {
				queues = append(queues, q)
			}
		}
		cfg.Queues = queues
	}

	for key, dst := range map[string]*int{
		"DRAYQ_CONCURRENCY": &cfg.Concurrency,
		"DRAYQ_PREFETCH":    &cfg.Prefetch,
		"DRAYQ_MAX_RETRIES": &cfg.MaxRetries,
	} {
		if err := envInt(key, dst); err != nil {
			return err
		}
	}

	for key, dst := range map[string]*utils.Duration{
		"DRAYQ_TASK_TIMEOUT":   &cfg.TaskTimeout,
		"DRAYQ_RETRY_BASE":     &cfg.RetryBase,
		"DRAYQ_RETRY_CAP":      &cfg.RetryCap,
		"DRAYQ_STARTUP_GRACE":  &cfg.StartupGrace,
		"DRAYQ_SHUTDOWN_GRACE": &cfg.ShutdownGrace,
	} {
		if err := envDuration(key, dst); err != nil {
			return err
		}
	}

	if err := envBool("DRAYQ_RETRY_JITTER", &cfg.RetryJitter); err != nil {
		return err
	}

	return nil
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n

	return nil
}

func envDuration(key string, dst *utils.Duration) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = utils.Duration(d)

	return nil
}

func envBool(key string, dst *bool) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b

	return nil
}

func (c *Config) Options() *drayq.Options {
	return &drayq.Options{
		BrokerURL:        c.BrokerURL,
		Queues:           c.Queues,
		Concurrency:      c.Concurrency,
		Prefetch:         c.Prefetch,
		TaskTimeout:      time.Duration(c.TaskTimeout),
		RetryBase:        time.Duration(c.RetryBase),
		RetryCap:         time.Duration(c.RetryCap),
		RetryJitter:      c.RetryJitter,
		MaxRetries:       c.MaxRetries,
		DeadLetterQueue:  c.DeadLetterQueue,
		ResultBackendURL: c.ResultBackendURL,
		StartupGrace:     time.Duration(c.StartupGrace),
		ShutdownGrace:    time.Duration(c.ShutdownGrace),
		OpsAddr:          c.OpsAddr,
	}
}
