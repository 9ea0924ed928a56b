package binance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"klinehub/internal/logger"
	"klinehub/internal/market"
)

// SymbolCatalog 基于 exchangeInfo 校验订阅 symbol 是否可交易。
type SymbolCatalog struct {
	client *futures.Client
	ttl    time.Duration

	mu       sync.Mutex
	trading  map[string]bool
	loadedAt time.Time
}

func NewSymbolCatalog(cfg Config) *SymbolCatalog {
	cfg = cfg.withDefaults()
	client := futures.NewClient("", "")
	client.BaseURL = strings.TrimRight(cfg.RESTBaseURL, "/")
	return &SymbolCatalog{client: client, ttl: time.Hour}
}

// Filter 返回可交易的 symbol 与被剔除的 symbol；保持输入顺序并去重。
func (c *SymbolCatalog) Filter(ctx context.Context, symbols []string) (ok, rejected []string, err error) {
	trading, err := c.load(ctx)
	if err != nil {
		return nil, nil, err
	}
	seen := make(map[string]bool, len(symbols))
	for _, raw := range symbols {
		sym := market.NormalizeSymbol(raw)
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		if trading[sym] {
			ok = append(ok, sym)
		} else {
			rejected = append(rejected, sym)
		}
	}
	if len(rejected) > 0 {
		logger.Warnf("[binance] 忽略不可交易的 symbol: %s", strings.Join(rejected, ","))
	}
	return ok, rejected, nil
}

func (c *SymbolCatalog) load(ctx context.Context) (map[string]bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.trading != nil && time.Since(c.loadedAt) < c.ttl {
		return c.trading, nil
	}
	info, err := c.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("exchange info: %w", err)
	}
	trading := make(map[string]bool, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status == "TRADING" {
			trading[strings.ToUpper(s.Symbol)] = true
		}
	}
	c.trading = trading
	c.loadedAt = time.Now()
	logger.Infof("[binance] exchangeInfo 载入 %d 个可交易合约", len(trading))
	return trading, nil
}
