package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
//
// 凭证类字段（eBay App ID、AI API Key、SMTP 密码、Redis 密码）带有 `json:"-"`：
// 它们不会被 Save 写回配置文件，只能通过环境变量注入，与普通设置分层存放。
type Config struct {
	App   AppConfig   `json:"app"`
	Redis RedisConfig `json:"redis"`
	Ebay  EbayConfig  `json:"ebay"`
	AI    AIConfig    `json:"ai"`
	Email EmailConfig `json:"email"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env              string        `json:"env"`                // 运行环境: local / prod
	LogLevel         string        `json:"log_level"`          // 日志级别: debug / info / warn / error
	HTTPAddr         string        `json:"http_addr"`          // API 服务监听地址
	SearchTimeout    time.Duration `json:"search_timeout"`     // 单个平台请求超时
	RunWorkers       int           `json:"run_workers"`        // refresh-all worker 数
	RunQueueCapacity int           `json:"run_queue_capacity"` // refresh-all 队列容量
	RunLockTTL       time.Duration `json:"run_lock_ttl"`       // 同一搜索的执行锁 TTL
	RateLimit        float64       `json:"rate_limit"`         // 出站限流速率（token/s，0 关闭）
	RateBurst        float64       `json:"rate_burst"`         // 出站限流桶容量
}

// RedisConfig Redis 持久化配置。
type RedisConfig struct {
	Addr     string `json:"addr"` // Redis 地址 (host:port)
	Password string `json:"-"`    // Redis 密码（仅环境变量）
}

// EbayConfig eBay Finding API 配置。
type EbayConfig struct {
	AppID      string `json:"-"`           // 应用凭证（仅环境变量，缺失时该平台返回空结果）
	BaseURL    string `json:"base_url"`    // API 地址，测试时可替换
	GlobalID   string `json:"global_id"`   // 站点标识，如 EBAY-DE
	MaxResults int    `json:"max_results"` // 单次请求最大条目数
}

// AIConfig AI 相关性过滤配置。
type AIConfig struct {
	APIKey    string `json:"-"`        // Bearer 凭证（仅环境变量，缺失时回退关键词过滤）
	BaseURL   string `json:"base_url"` // OpenAI 兼容接口地址
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	// Temperature 用指针区分"未配置"和"显式配置为 0"：
	// 0 是合法的采样温度，不能被默认值覆盖。
	Temperature *float64 `json:"temperature"`
}

// TemperatureValue 返回生效的采样温度（未配置时为 0.3）。
func (a *AIConfig) TemperatureValue() float64 {
	if a.Temperature == nil {
		return 0.3
	}
	return *a.Temperature
}

// EmailConfig 邮件通知配置（可选功能，SMTPHost 为空时关闭）。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"-"` // 仅环境变量
	FromEmail string `json:"from_email"`
	ToEmail   string `json:"to_email"`
}

// Load 从 JSON 文件加载配置。
//
// 文件不存在时使用默认值；环境变量始终优先覆盖。
//
// 参数:
//
//	configPath: 配置文件路径（为空则使用默认路径 "configs/config.json"）
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 加载失败返回错误
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// Save 保存配置到 JSON 文件（凭证字段不会被写出），必要时创建父目录。
func Save(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func floatPtr(v float64) *float64 {
	return &v
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:              "local",
			LogLevel:         "info",
			HTTPAddr:         ":8082",
			SearchTimeout:    10 * time.Second,
			RunWorkers:       4,
			RunQueueCapacity: 64,
			RunLockTTL:       2 * time.Minute,
			RateLimit:        0,
			RateBurst:        0,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Ebay: EbayConfig{
			BaseURL:    "https://svcs.ebay.com/services/search/FindingService/v1",
			GlobalID:   "EBAY-DE",
			MaxResults: 50,
		},
		AI: AIConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			MaxTokens:   100,
			Temperature: floatPtr(0.3),
		},
		Email: EmailConfig{
			SMTPPort: 587,
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.SearchTimeout == 0 {
		cfg.App.SearchTimeout = defaults.App.SearchTimeout
	}
	if cfg.App.RunWorkers == 0 {
		cfg.App.RunWorkers = defaults.App.RunWorkers
	}
	if cfg.App.RunQueueCapacity == 0 {
		cfg.App.RunQueueCapacity = defaults.App.RunQueueCapacity
	}
	if cfg.App.RunLockTTL == 0 {
		cfg.App.RunLockTTL = defaults.App.RunLockTTL
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if cfg.Ebay.BaseURL == "" {
		cfg.Ebay.BaseURL = defaults.Ebay.BaseURL
	}
	if cfg.Ebay.GlobalID == "" {
		cfg.Ebay.GlobalID = defaults.Ebay.GlobalID
	}
	if cfg.Ebay.MaxResults == 0 {
		cfg.Ebay.MaxResults = defaults.Ebay.MaxResults
	}
	if cfg.AI.BaseURL == "" {
		cfg.AI.BaseURL = defaults.AI.BaseURL
	}
	if cfg.AI.Model == "" {
		cfg.AI.Model = defaults.AI.Model
	}
	if cfg.AI.MaxTokens == 0 {
		cfg.AI.MaxTokens = defaults.AI.MaxTokens
	}
	if cfg.AI.Temperature == nil {
		cfg.AI.Temperature = defaults.AI.Temperature
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("ebay_app_id", "EBAY_APP_ID")
	_ = viper.BindEnv("ai_api_key", "AI_API_KEY")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_SEARCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.SearchTimeout = d
		}
	}
	if v := os.Getenv("APP_RUN_WORKERS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.RunWorkers = i
		}
	}
	if v := os.Getenv("APP_RUN_QUEUE_CAPACITY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.RunQueueCapacity = i
		}
	}
	if v := os.Getenv("APP_RUN_LOCK_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.RunLockTTL = d
		}
	}
	if v := os.Getenv("APP_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateLimit = f
		}
	}
	if v := os.Getenv("APP_RATE_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateBurst = f
		}
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := viper.GetString("ebay_app_id"); v != "" {
		cfg.Ebay.AppID = v
	}
	if v := os.Getenv("EBAY_BASE_URL"); v != "" {
		cfg.Ebay.BaseURL = v
	}
	if v := os.Getenv("EBAY_GLOBAL_ID"); v != "" {
		cfg.Ebay.GlobalID = v
	}
	if v := os.Getenv("EBAY_MAX_RESULTS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Ebay.MaxResults = i
		}
	}

	if v := viper.GetString("ai_api_key"); v != "" {
		cfg.AI.APIKey = v
	}
	if v := os.Getenv("AI_BASE_URL"); v != "" {
		cfg.AI.BaseURL = v
	}
	if v := os.Getenv("AI_MODEL"); v != "" {
		cfg.AI.Model = v
	}
	if v := os.Getenv("AI_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.AI.Temperature = &f
		}
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
	if v := os.Getenv("SMTP_TO"); v != "" {
		cfg.Email.ToEmail = v
	}
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串（如 "10s"）。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		SearchTimeout string `json:"search_timeout"`
		RunLockTTL    string `json:"run_lock_ttl"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.SearchTimeout != "" {
		duration, err := time.ParseDuration(aux.SearchTimeout)
		if err != nil {
			return fmt.Errorf("invalid search_timeout format: %w", err)
		}
		a.SearchTimeout = duration
	}
	if aux.RunLockTTL != "" {
		duration, err := time.ParseDuration(aux.RunLockTTL)
		if err != nil {
			return fmt.Errorf("invalid run_lock_ttl format: %w", err)
		}
		a.RunLockTTL = duration
	}

	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (a AppConfig) MarshalJSON() ([]byte, error) {
	type Alias AppConfig
	return json.Marshal(&struct {
		SearchTimeout string `json:"search_timeout"`
		RunLockTTL    string `json:"run_lock_ttl"`
		*Alias
	}{
		SearchTimeout: a.SearchTimeout.String(),
		RunLockTTL:    a.RunLockTTL.String(),
		Alias:         (*Alias)(&a),
	})
}
