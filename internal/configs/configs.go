package configs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "TRADEDESK_"

type Config struct {
	// 基础配置
	Symbols                 []string `json:"symbols" yaml:"symbols"`                                     // 可交易资产列表
	QuoteAsset              string   `json:"quote_asset" yaml:"quote_asset"`                             // 计价资产
	RefreshInterval         string   `json:"refresh_interval" yaml:"refresh_interval"`                   // 价格刷新间隔
	HoldingsRefreshInterval string   `json:"holdings_refresh_interval" yaml:"holdings_refresh_interval"` // 账户轮询间隔, 0 关闭
	NoticeTTL               string   `json:"notice_ttl" yaml:"notice_ttl"`                               // 提示自动消失时间
	LogLevel                string   `json:"log_level" yaml:"log_level"`
	Proxy                   string   `json:"proxy" yaml:"proxy"`

	Backend     Backend     `json:"backend" yaml:"backend"`
	Market      Market      `json:"market" yaml:"market"`
	Database    Database    `json:"database" yaml:"database"`
	Credentials Credentials `json:"credentials" yaml:"credentials"`
}

// Backend 交易后端配置
type Backend struct {
	BaseURL    string `json:"base_url" yaml:"base_url"`
	Timeout    string `json:"timeout" yaml:"timeout"`
	RetryCount int    `json:"retry_count" yaml:"retry_count"`
}

// Market 行情源配置
type Market struct {
	BaseURL        string `json:"base_url" yaml:"base_url"` // 为空时使用币安默认地址
	Testnet        bool   `json:"testnet" yaml:"testnet"`
	RequestTimeout string `json:"request_timeout" yaml:"request_timeout"`
}

type Database struct {
	ConnStr string `json:"conn_str" yaml:"conn_str"` // 数据库连接字符串, 为空时使用内存日志
}

type Credentials struct {
	Email    string `json:"email" yaml:"email"`
	Password string `json:"password" yaml:"password"`
}

// Default returns the configuration used for any field the file leaves empty.
func Default() *Config {
	return &Config{
		Symbols:                 []string{"BTC", "ETH", "BNB", "DOGE", "SOL", "XRP", "TRX", "ADA", "POL", "SUI"},
		QuoteAsset:              "USDT",
		RefreshInterval:         "10s",
		HoldingsRefreshInterval: "30s",
		NoticeTTL:               "3s",
		LogLevel:                "info",
		Backend: Backend{
			BaseURL:    "http://localhost:5000",
			Timeout:    "15s",
			RetryCount: 3,
		},
		Market: Market{
			RequestTimeout: "5s",
		},
	}
}

// Load reads a JSON or YAML (.yaml/.yml) file on top of Default, then loads a
// .env file next to it (if any) and applies TRADEDESK_* environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(raw, config)
		default:
			err = json.Unmarshal(raw, config)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	envFile := ".env"
	if path != "" {
		envFile = filepath.Join(filepath.Dir(path), ".env")
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}

	config.normalize()
	return config, nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"QUOTE_ASSET":               &c.QuoteAsset,
		"REFRESH_INTERVAL":          &c.RefreshInterval,
		"HOLDINGS_REFRESH_INTERVAL": &c.HoldingsRefreshInterval,
		"NOTICE_TTL":                &c.NoticeTTL,
		"LOG_LEVEL":                 &c.LogLevel,
		"PROXY":                     &c.Proxy,
		"BACKEND_URL":               &c.Backend.BaseURL,
		"BACKEND_TIMEOUT":           &c.Backend.Timeout,
		"MARKET_URL":                &c.Market.BaseURL,
		"MARKET_TIMEOUT":            &c.Market.RequestTimeout,
		"DATABASE_URL":              &c.Database.ConnStr,
		"EMAIL":                     &c.Credentials.Email,
		"PASSWORD":                  &c.Credentials.Password,
	}
	for key, field := range strs {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*field = v
		}
	}

	if v, ok := os.LookupEnv(envPrefix + "SYMBOLS"); ok {
		c.Symbols = strings.Split(v, ",")
	}
	if v, ok := os.LookupEnv(envPrefix + "BACKEND_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sBACKEND_RETRIES: %w", envPrefix, err)
		}
		c.Backend.RetryCount = n
	}
	if v, ok := os.LookupEnv(envPrefix + "MARKET_TESTNET"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sMARKET_TESTNET: %w", envPrefix, err)
		}
		c.Market.Testnet = b
	}
	return nil
}

func (c *Config) normalize() {
	symbols := make([]string, 0, len(c.Symbols))
	seen := make(map[string]bool, len(c.Symbols))
	for _, s := range c.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		symbols = append(symbols, s)
	}
	c.Symbols = symbols
	c.QuoteAsset = strings.ToUpper(strings.TrimSpace(c.QuoteAsset))
	c.Backend.BaseURL = strings.TrimRight(strings.TrimSpace(c.Backend.BaseURL), "/")
}

func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	if c.QuoteAsset == "" {
		return fmt.Errorf("quote_asset is required")
	}
	if c.Backend.RetryCount < 0 {
		return fmt.Errorf("backend.retry_count must not be negative")
	}
	return nil
}

func (c *Config) RefreshEvery() time.Duration {
	return parseDuration(c.RefreshInterval, 10*time.Second)
}

// HoldingsRefreshEvery returns 0 when account polling is disabled.
func (c *Config) HoldingsRefreshEvery() time.Duration {
	return parseDuration(c.HoldingsRefreshInterval, 30*time.Second)
}

func (c *Config) NoticeDuration() time.Duration {
	return parseDuration(c.NoticeTTL, 3*time.Second)
}

func (c *Config) BackendTimeout() time.Duration {
	return parseDuration(c.Backend.Timeout, 15*time.Second)
}

func (c *Config) MarketTimeout() time.Duration {
	return parseDuration(c.Market.RequestTimeout, 5*time.Second)
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
