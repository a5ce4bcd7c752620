// Package config assembles runtime settings from a YAML file, a .env
// file, and DROVER_* environment variables, in increasing precedence.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir     string `yaml:"data_dir"`
	DBPath      string `yaml:"db_path"`
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`

	PlaybookPath string        `yaml:"playbook"`
	WorkDir      string        `yaml:"work_dir"`
	ShellTimeout time.Duration `yaml:"shell_timeout"`

	IterationLimit int     `yaml:"iteration_limit"`
	Budget         float64 `yaml:"budget"`
	CostPerStep    float64 `yaml:"cost_per_step"`

	PageSize       int `yaml:"page_size"`
	CachePages     int `yaml:"cache_pages"`
	DispatchBuffer int `yaml:"dispatch_buffer"`
}

// Load reads drover.yaml (or DROVER_CONFIG) if present, then .env, then
// the environment. Missing files are not errors; a malformed YAML file is.
func Load() (Config, error) {
	loadDotEnv(".env")

	cfg := Config{}
	path := getEnv("DROVER_CONFIG", "drover.yaml")
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	dataDir := overlay(cfg.DataDir, "DROVER_DATA_DIR", "data")
	cfg.DataDir = dataDir
	cfg.DBPath = overlay(cfg.DBPath, "DROVER_DB_PATH", filepath.Join(dataDir, "drover.db"))
	cfg.LogLevel = overlay(cfg.LogLevel, "DROVER_LOG_LEVEL", "info")
	cfg.MetricsAddr = overlay(cfg.MetricsAddr, "DROVER_METRICS_ADDR", "")
	cfg.PlaybookPath = overlay(cfg.PlaybookPath, "DROVER_PLAYBOOK", "")
	cfg.WorkDir = overlay(cfg.WorkDir, "DROVER_WORK_DIR", ".")

	cfg.ShellTimeout = overlayDuration(cfg.ShellTimeout, "DROVER_SHELL_TIMEOUT", time.Minute)
	cfg.IterationLimit = overlayInt(cfg.IterationLimit, "DROVER_ITERATION_LIMIT", 100)
	cfg.Budget = overlayFloat(cfg.Budget, "DROVER_BUDGET", 10.0)
	cfg.CostPerStep = overlayFloat(cfg.CostPerStep, "DROVER_COST_PER_STEP", 0)
	cfg.PageSize = overlayInt(cfg.PageSize, "DROVER_PAGE_SIZE", 0)
	cfg.CachePages = overlayInt(cfg.CachePages, "DROVER_CACHE_PAGES", 0)
	cfg.DispatchBuffer = overlayInt(cfg.DispatchBuffer, "DROVER_DISPATCH_BUFFER", 0)
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// overlay resolves one string setting: env wins, then the file value,
// then the default.
func overlay(fileValue, key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if fileValue != "" {
		return fileValue
	}
	return fallback
}

func overlayInt(fileValue int, key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	if fileValue != 0 {
		return fileValue
	}
	return fallback
}

func overlayFloat(fileValue float64, key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	if fileValue != 0 {
		return fileValue
	}
	return fallback
}

func overlayDuration(fileValue time.Duration, key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	if fileValue != 0 {
		return fileValue
	}
	return fallback
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
