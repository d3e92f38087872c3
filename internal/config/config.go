package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config 描述了守护进程在启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	LLM      LLMConfig      `yaml:"llm"`
	Session  SessionConfig  `yaml:"session"`
	Tools    ToolsConfig    `yaml:"tools"`
	Alerting AlertingConfig `yaml:"alerting"`
	Logging  LoggingConfig  `yaml:"logging"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `yaml:"address"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string       `yaml:"provider"`
	OpenAI   OpenAIConfig `yaml:"openai"`
}

// OpenAIConfig 描述 OpenAI 接口的调用参数。API Key 支持环境变量覆盖。
type OpenAIConfig struct {
	APIKey         string  `yaml:"api_key"`
	BaseURL        string  `yaml:"base_url"`
	Model          string  `yaml:"model"`
	Temperature    float64 `yaml:"temperature"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

// SessionConfig 描述跨会话记忆的存储后端。
type SessionConfig struct {
	Driver string      `yaml:"driver"`
	Path   string      `yaml:"path"`
	DSN    string      `yaml:"dsn"`
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig 描述 Redis 的连接参数。
type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ToolsConfig 按处理器配置工具服务地址。
type ToolsConfig struct {
	MaxToolCalls int               `yaml:"max_tool_calls"`
	Endpoints    map[string]string `yaml:"endpoints"`
}

// AlertingConfig 描述告警投递方式。
type AlertingConfig struct {
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig 描述告警队列的连接参数。
type RabbitMQConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Queue   string `yaml:"queue"`
	Durable bool   `yaml:"durable"`
}

// LoggingConfig 描述应用日志与审计日志的输出方式。
type LoggingConfig struct {
	Level      string   `yaml:"level"`
	Format     string   `yaml:"format"`
	Outputs    []string `yaml:"outputs"`
	AuditPath  string   `yaml:"audit_path"`
	MaxSizeMB  int      `yaml:"max_size_mb"`
	MaxBackups int      `yaml:"max_backups"`
	MaxAgeDays int      `yaml:"max_age_days"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir     string `yaml:"data_dir"`
	ProfilePath string `yaml:"profile_path"`
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	cfg.applyEnvOverrides()

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}

	if c.Session.Driver == "" {
		c.Session.Driver = "file"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Session.Path == "" {
		c.Session.Path = filepath.Join(c.Runtime.DataDir, "sessions.json")
	} else if !filepath.IsAbs(c.Session.Path) {
		c.Session.Path = filepath.Join(baseDir, c.Session.Path)
	}

	if c.Runtime.ProfilePath != "" && !filepath.IsAbs(c.Runtime.ProfilePath) {
		c.Runtime.ProfilePath = filepath.Join(baseDir, c.Runtime.ProfilePath)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if len(c.Logging.Outputs) == 0 {
		c.Logging.Outputs = []string{"stdout"}
	}
	if c.Logging.AuditPath == "" {
		c.Logging.AuditPath = filepath.Join(c.Runtime.DataDir, "audit.log")
	} else if !filepath.IsAbs(c.Logging.AuditPath) {
		c.Logging.AuditPath = filepath.Join(baseDir, c.Logging.AuditPath)
	}
}

// applyEnvOverrides 允许通过环境变量注入敏感信息。
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("CRYPTOPILOT_OPENAI_API_KEY"); key != "" {
		c.LLM.OpenAI.APIKey = key
	}
	if dsn := os.Getenv("CRYPTOPILOT_MYSQL_DSN"); dsn != "" {
		c.Session.DSN = dsn
	}
	if url := os.Getenv("CRYPTOPILOT_RABBITMQ_URL"); url != "" {
		c.Alerting.RabbitMQ.URL = url
	}
}
