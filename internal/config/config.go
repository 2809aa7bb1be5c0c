package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	Providers ProvidersConfig `yaml:"providers"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Analyzer  AnalyzerConfig  `yaml:"analyzer"`
	Batch     BatchConfig     `yaml:"batch"`
	Rules     RulesConfig     `yaml:"rules"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Mode string `yaml:"mode"` // gin mode: debug/release/test
}

type DatabaseConfig struct {
	// mysql/postgres/sqlite
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"` // 非空时直接使用
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	Charset  string `yaml:"charset"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"` // 为空则不启用 redis 通知
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type NATSConfig struct {
	URL     string `yaml:"url"` // 为空则不启用 nats 通知
	Subject string `yaml:"subject"`
}

// ProviderConfig 单个生成式模型提供方
type ProviderConfig struct {
	Name    string        `yaml:"name"`
	Type    string        `yaml:"type"` // gemini/openai/dify
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
	// dify 专用：workflow/chat
	AppType           string `yaml:"app_type"`
	WorkflowSystemKey string `yaml:"workflow_system_key"`
	WorkflowQueryKey  string `yaml:"workflow_query_key"`
	WorkflowOutputKey string `yaml:"workflow_output_key"`
}

type ProvidersConfig struct {
	Primary     string           `yaml:"primary"`
	Fallback    string           `yaml:"fallback"`
	MaxAttempts int              `yaml:"max_attempts"`
	BaseDelay   time.Duration    `yaml:"base_delay"`
	Items       []ProviderConfig `yaml:"items"`
}

type PipelineConfig struct {
	RuleSetID           string        `yaml:"rule_set_id"`
	OnDemandTimeout     time.Duration `yaml:"on_demand_timeout"`
	PromptVersion       string        `yaml:"prompt_version"`
	DefaultDailyMinutes int           `yaml:"default_daily_minutes"`
	DefaultStartHour    int           `yaml:"default_start_hour"`
	DayEndHour          int           `yaml:"day_end_hour"`
	BreakMinutes        int           `yaml:"break_minutes"`
	NotifyTimeout       time.Duration `yaml:"notify_timeout"`
}

type AnalyzerConfig struct {
	LogLimit     int     `yaml:"log_limit"`
	ResultLimit  int     `yaml:"result_limit"`
	HalfLifeDays float64 `yaml:"half_life_days"`
	TopN         int     `yaml:"top_n"`
	HorizonDays  int     `yaml:"horizon_days"`
}

type BatchConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Concurrency int      `yaml:"concurrency"`
	Hour        int      `yaml:"hour"`
	TimeZones   []string `yaml:"time_zones"`
}

type RulesConfig struct {
	SeedFile string `yaml:"seed_file"`
	Watch    bool   `yaml:"watch"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default 所有字段的默认值，配置文件只需要覆盖差异
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Port: 8080, Mode: "release"},
		Database: DatabaseConfig{Driver: "mysql", Host: "127.0.0.1", Port: 3306, Charset: "utf8mb4", DBName: "studyplan"},
		Redis:    RedisConfig{Channel: "studyplan.plan_ready"},
		NATS:     NATSConfig{Subject: "studyplan.plan.ready"},
		Providers: ProvidersConfig{
			Primary:     "gemini",
			Fallback:    "openai",
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
		},
		Pipeline: PipelineConfig{
			RuleSetID:           "default",
			OnDemandTimeout:     25 * time.Second,
			PromptVersion:       "plan-v3",
			DefaultDailyMinutes: 120,
			DefaultStartHour:    17,
			DayEndHour:          23,
			BreakMinutes:        10,
			NotifyTimeout:       5 * time.Second,
		},
		Analyzer: AnalyzerConfig{
			LogLimit:     50,
			ResultLimit:  20,
			HalfLifeDays: 7,
			TopN:         5,
			HorizonDays:  14,
		},
		Batch: BatchConfig{
			Enabled:     true,
			Concurrency: 4,
			Hour:        2,
			TimeZones:   []string{"Europe/Istanbul"},
		},
		Logging: LoggingConfig{Level: "info"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	config.applyEnvOverrides()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	return config, nil
}

// applyEnvOverrides 密钥和连接串优先取环境变量，避免写进配置文件
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("STUDYPLAN_DB_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if driver := os.Getenv("STUDYPLAN_DB_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		c.NATS.URL = url
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	keys := map[string]string{
		"gemini": os.Getenv("GEMINI_API_KEY"),
		"openai": os.Getenv("OPENAI_API_KEY"),
		"dify":   os.Getenv("DIFY_API_KEY"),
	}
	for i := range c.Providers.Items {
		p := &c.Providers.Items[i]
		if key := keys[strings.ToLower(p.Type)]; key != "" && p.APIKey == "" {
			p.APIKey = key
		}
	}
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Providers.MaxAttempts < 1 || c.Providers.MaxAttempts > 3 {
		return fmt.Errorf("providers.max_attempts must be within 1..3, got %d", c.Providers.MaxAttempts)
	}
	seen := map[string]bool{}
	for _, p := range c.Providers.Items {
		if p.Name == "" {
			return fmt.Errorf("provider without name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
	}
	if c.Batch.Concurrency < 1 {
		return fmt.Errorf("batch.concurrency must be positive")
	}
	if c.Batch.Hour < 0 || c.Batch.Hour > 23 {
		return fmt.Errorf("batch.hour must be within 0..23")
	}
	for _, tz := range c.Batch.TimeZones {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("batch.time_zones: %w", err)
		}
	}
	if c.Analyzer.LogLimit <= 0 || c.Analyzer.LogLimit > 50 {
		return fmt.Errorf("analyzer.log_limit must be within 1..50")
	}
	if c.Pipeline.OnDemandTimeout <= 0 {
		return fmt.Errorf("pipeline.on_demand_timeout must be positive")
	}
	return nil
}

// ConnString 拼出当前驱动的连接串
func (d DatabaseConfig) ConnString() string {
	if d.DSN != "" {
		return d.DSN
	}
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			d.Host, d.Port, d.User, d.Password, d.DBName)
	case "sqlite":
		if d.DBName == "" {
			return "file::memory:?cache=shared"
		}
		return d.DBName
	default:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
			d.User, d.Password, d.Host, d.Port, d.DBName, d.Charset)
	}
}
