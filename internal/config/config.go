package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 环境变量覆盖的前缀
const EnvPrefix = "NETINTERCEPT"

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Sqlite struct {
		Dsn    string `yaml:"dsn" envconfig:"SQLITE_DSN"`
		Prefix string `yaml:"prefix" envconfig:"SQLITE_PREFIX"`
	} `yaml:"sqlite"`

	Log struct {
		Level  string   `yaml:"level" envconfig:"LOG_LEVEL"`
		Writer []string `yaml:"writer" envconfig:"LOG_WRITER"`
		File   string   `yaml:"file" envconfig:"LOG_FILE"`
	} `yaml:"log"`

	Intercept struct {
		ProcessTimeoutMS int      `yaml:"processTimeoutMS" envconfig:"PROCESS_TIMEOUT_MS"`
		Strict           bool     `yaml:"strict" envconfig:"STRICT"`
		BypassSchemes    []string `yaml:"bypassSchemes" envconfig:"BYPASS_SCHEMES"`
		MaxRedirects     int      `yaml:"maxRedirects" envconfig:"MAX_REDIRECTS"`
		EventCapacity    int      `yaml:"eventCapacity" envconfig:"EVENT_CAPACITY"`
	} `yaml:"intercept"`

	Metrics struct {
		Enabled bool   `yaml:"enabled" envconfig:"METRICS_ENABLED"`
		Addr    string `yaml:"addr" envconfig:"METRICS_ADDR"`
	} `yaml:"metrics"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	c := &Config{Version: "1.0.0"}
	c.Sqlite.Dsn = "db.sqlite3"
	c.Sqlite.Prefix = "netintercept_"
	c.Log.Level = "debug"
	c.Log.Writer = []string{"console", "file"}
	c.Log.File = "logs/netintercept.log"
	c.Intercept.ProcessTimeoutMS = 3000
	c.Intercept.BypassSchemes = []string{"data", "blob"}
	c.Intercept.MaxRedirects = 20
	c.Intercept.EventCapacity = 256
	c.Metrics.Addr = ":9464"
	return c
}

// Load 读取 YAML 配置文件并应用环境变量覆盖，path 为空时只使用默认值
func Load(path string) (*Config, error) {
	c := NewConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// applyEnv 按 NETINTERCEPT_* 覆盖配置项
func (c *Config) applyEnv() error {
	if err := envconfig.Process(EnvPrefix, &c.Sqlite); err != nil {
		return fmt.Errorf("env sqlite: %w", err)
	}
	if err := envconfig.Process(EnvPrefix, &c.Log); err != nil {
		return fmt.Errorf("env log: %w", err)
	}
	if err := envconfig.Process(EnvPrefix, &c.Intercept); err != nil {
		return fmt.Errorf("env intercept: %w", err)
	}
	if err := envconfig.Process(EnvPrefix, &c.Metrics); err != nil {
		return fmt.Errorf("env metrics: %w", err)
	}
	return nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Intercept.ProcessTimeoutMS <= 0 {
		return fmt.Errorf("intercept.processTimeoutMS must be positive, got %d", c.Intercept.ProcessTimeoutMS)
	}
	if c.Intercept.MaxRedirects <= 0 {
		return fmt.Errorf("intercept.maxRedirects must be positive, got %d", c.Intercept.MaxRedirects)
	}
	return nil
}
