// Package config 读取 klinehub 的 TOML 配置，叠加 .env 与 KLINEHUB_* 环境变量后补齐默认值并校验。
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"klinehub/internal/logger"
	"klinehub/internal/market"
)

// 时长字段统一以毫秒整数写在配置里。
type Config struct {
	App       AppConfig       `toml:"app"`
	Log       logger.Config   `toml:"log"`
	Binance   BinanceConfig   `toml:"binance"`
	Stream    StreamConfig    `toml:"stream"`
	Store     StoreConfig     `toml:"store"`
	Orderflow OrderflowConfig `toml:"orderflow"`
	Close     CloseConfig     `toml:"close"`
	History   HistoryConfig   `toml:"history"`
	Freshness FreshnessConfig `toml:"freshness"`
	Cache     CacheConfig     `toml:"cache"`
	HTTP      HTTPConfig      `toml:"http"`
	Export    ExportConfig    `toml:"export"`
}

type AppConfig struct {
	Name              string   `toml:"name"`
	Symbols           []string `toml:"symbols"`
	SymbolsURL        string   `toml:"symbols_url"`
	Quote             string   `toml:"quote"`
	ValidateSymbols   bool     `toml:"validate_symbols"`
	WarmupBars        int      `toml:"warmup_bars"`
	WarmupConcurrency int      `toml:"warmup_concurrency"`
	StatusIntervalMs  int      `toml:"status_interval_ms"`
}

type BinanceConfig struct {
	RESTBaseURL         string `toml:"rest_base_url"`
	WSBaseURL           string `toml:"ws_base_url"`
	RateLimitPerMin     int    `toml:"rate_limit_per_min"`
	HTTPTimeoutMs       int    `toml:"http_timeout_ms"`
	RateLimitCooldownMs int    `toml:"rate_limit_cooldown_ms"`
	HandshakeTimeoutMs  int    `toml:"handshake_timeout_ms"`
	ReadTimeoutMs       int    `toml:"read_timeout_ms"`
}

type StreamConfig struct {
	// KlineTimeframes 走服务端 kline 流；TickerTimeframes 由 ticker 本地聚合，两者不能重叠。
	KlineTimeframes   []string `toml:"kline_timeframes"`
	TickerTimeframes  []string `toml:"ticker_timeframes"`
	DisableTicker     bool     `toml:"disable_ticker"`
	DisableTrades     bool     `toml:"disable_trades"`
	MaxStreamsPerConn int      `toml:"max_streams_per_conn"`
	StaggerMs         int      `toml:"stagger_ms"`
	ReconnectMs       int      `toml:"reconnect_ms"`
}

type StoreConfig struct {
	DefaultRetention int            `toml:"default_retention"`
	Retention        map[string]int `toml:"retention"`
}

type OrderflowConfig struct {
	CVDTimeframe string   `toml:"cvd_timeframe"`
	Timeframes   []string `toml:"timeframes"`
	Samples      int      `toml:"samples"`
	Threshold    float64  `toml:"threshold"`
	Retention    int      `toml:"retention"`
}

type CloseConfig struct {
	GraceMs        int `toml:"grace_ms"`
	LedgerCapacity int `toml:"ledger_capacity"`
}

type HistoryConfig struct {
	ChunkSize     int `toml:"chunk_size"`
	MaxPages      int `toml:"max_pages"`
	RetryAttempts int `toml:"retry_attempts"`
	RetryMinMs    int `toml:"retry_min_ms"`
	RetryMaxMs    int `toml:"retry_max_ms"`
}

type FreshnessConfig struct {
	Multiplier     float64 `toml:"multiplier"`
	TTLFactor      float64 `toml:"ttl_factor"`
	DecisionWindow int     `toml:"decision_window"`
	PriceMaxAgeMs  int     `toml:"price_max_age_ms"`
}

// CacheConfig 为空 Driver 时不启用备用缓存。
type CacheConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
	Keep   int    `toml:"keep"`
}

type HTTPConfig struct {
	Addr string `toml:"addr"`
}

type ExportConfig struct {
	Dir string `toml:"dir"`
}

// Load 依次应用 .env、TOML 文件（path 为空则跳过）、环境变量覆盖，再补默认值与校验。
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := &Config{}
	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := Decode(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode 严格解析：未知字段直接报错。
func Decode(raw []byte, cfg *Config) error {
	dec := toml.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("unknown fields:\n%s", strict.String())
		}
		return err
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := getEnv("KLINEHUB_SYMBOLS", ""); v != "" {
		c.App.Symbols = splitList(v)
	}
	c.App.SymbolsURL = getEnv("KLINEHUB_SYMBOLS_URL", c.App.SymbolsURL)
	c.Log.Level = getEnv("KLINEHUB_LOG_LEVEL", c.Log.Level)
	c.Log.Pretty = getEnvBool("KLINEHUB_LOG_PRETTY", c.Log.Pretty)
	c.Log.File = getEnv("KLINEHUB_LOG_FILE", c.Log.File)
	c.Binance.RESTBaseURL = getEnv("KLINEHUB_BINANCE_REST_URL", c.Binance.RESTBaseURL)
	c.Binance.WSBaseURL = getEnv("KLINEHUB_BINANCE_WS_URL", c.Binance.WSBaseURL)
	c.Cache.Driver = getEnv("KLINEHUB_CACHE_DRIVER", c.Cache.Driver)
	c.Cache.DSN = getEnv("KLINEHUB_CACHE_DSN", c.Cache.DSN)
	c.HTTP.Addr = getEnv("KLINEHUB_HTTP_ADDR", c.HTTP.Addr)
	c.Export.Dir = getEnv("KLINEHUB_EXPORT_DIR", c.Export.Dir)
	c.Freshness.Multiplier = getEnvFloat("KLINEHUB_FRESHNESS_MULTIPLIER", c.Freshness.Multiplier)
}

func (c *Config) withDefaults() {
	if c.App.Name == "" {
		c.App.Name = "klinehub"
	}
	if c.App.WarmupBars <= 0 {
		c.App.WarmupBars = 500
	}
	if c.App.WarmupConcurrency <= 0 {
		c.App.WarmupConcurrency = 4
	}
	if c.App.StatusIntervalMs <= 0 {
		c.App.StatusIntervalMs = 60_000
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if len(c.Stream.KlineTimeframes) == 0 && len(c.Stream.TickerTimeframes) == 0 {
		c.Stream.KlineTimeframes = []string{"1m", "5m", "15m", "1h", "4h"}
	}
	if c.Store.DefaultRetention <= 0 {
		c.Store.DefaultRetention = 500
	}
	if c.Orderflow.CVDTimeframe == "" {
		c.Orderflow.CVDTimeframe = string(market.TF1m)
	}
	if c.Close.GraceMs <= 0 {
		c.Close.GraceMs = 100
	}
	if c.Cache.Driver != "" && c.Cache.Keep <= 0 {
		c.Cache.Keep = 5000
	}
	if c.Freshness.PriceMaxAgeMs <= 0 {
		c.Freshness.PriceMaxAgeMs = 10_000
	}
	c.Cache.Driver = strings.ToLower(strings.TrimSpace(c.Cache.Driver))
	c.HTTP.Addr = strings.TrimSpace(c.HTTP.Addr)
}

func (c *Config) Validate() error {
	if len(c.App.Symbols) == 0 && strings.TrimSpace(c.App.SymbolsURL) == "" {
		return errors.New("app.symbols 或 app.symbols_url 至少配置一个")
	}
	klines, err := ParseTimeframes(c.Stream.KlineTimeframes)
	if err != nil {
		return fmt.Errorf("stream.kline_timeframes: %w", err)
	}
	ticks, err := ParseTimeframes(c.Stream.TickerTimeframes)
	if err != nil {
		return fmt.Errorf("stream.ticker_timeframes: %w", err)
	}
	if len(ticks) > 0 && c.Stream.DisableTicker {
		return errors.New("stream.ticker_timeframes 需要 ticker 流，但 disable_ticker=true")
	}
	for _, tf := range ticks {
		for _, k := range klines {
			if tf == k {
				return fmt.Errorf("timeframe %s 同时出现在 kline_timeframes 与 ticker_timeframes", tf)
			}
		}
	}
	if _, err := market.ParseTimeframe(c.Orderflow.CVDTimeframe); err != nil {
		return fmt.Errorf("orderflow.cvd_timeframe: %w", err)
	}
	if _, err := ParseTimeframes(c.Orderflow.Timeframes); err != nil {
		return fmt.Errorf("orderflow.timeframes: %w", err)
	}
	for tf, n := range c.Store.Retention {
		if _, err := market.ParseTimeframe(tf); err != nil {
			return fmt.Errorf("store.retention: %w", err)
		}
		if n <= 0 {
			return fmt.Errorf("store.retention[%s] 必须为正数", tf)
		}
	}
	switch c.Cache.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("cache.driver 不支持: %s", c.Cache.Driver)
	}
	if c.Cache.Driver != "" && strings.TrimSpace(c.Cache.DSN) == "" {
		return errors.New("cache.dsn 不能为空")
	}
	if c.Freshness.Multiplier < 0 || c.Freshness.TTLFactor < 0 {
		return errors.New("freshness.multiplier/ttl_factor 不能为负")
	}
	return nil
}

// Timeframes 返回全部需要在存储中维护的周期（kline 在前，ticker 聚合在后）。
func (c *Config) Timeframes() []market.Timeframe {
	klines, _ := ParseTimeframes(c.Stream.KlineTimeframes)
	ticks, _ := ParseTimeframes(c.Stream.TickerTimeframes)
	return append(klines, ticks...)
}

func (c *Config) RetentionByTimeframe() map[market.Timeframe]int {
	if len(c.Store.Retention) == 0 {
		return nil
	}
	out := make(map[market.Timeframe]int, len(c.Store.Retention))
	for k, v := range c.Store.Retention {
		if tf, err := market.ParseTimeframe(k); err == nil {
			out[tf] = v
		}
	}
	return out
}

// ParseTimeframes 解析并去重，保持原顺序。
func ParseTimeframes(list []string) ([]market.Timeframe, error) {
	out := make([]market.Timeframe, 0, len(list))
	seen := make(map[market.Timeframe]struct{}, len(list))
	for _, raw := range list {
		tf, err := market.ParseTimeframe(raw)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[tf]; ok {
			continue
		}
		seen[tf] = struct{}{}
		out = append(out, tf)
	}
	return out, nil
}

// Millis 把配置中的毫秒整数转成 time.Duration。
func Millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
