// Package coins 解析需要订阅的 symbol 列表：静态配置或远端 HTTP 列表。
package coins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"klinehub/internal/logger"
)

const DefaultQuote = "USDT"

type SymbolProvider interface {
	List(ctx context.Context) ([]string, error)
	Name() string
}

// NormalizeSymbols 大写、去空白、补齐报价币并去重；保持输入顺序。
// 例如 "btc" 与 "BTC/USDT" 都归一为 "BTCUSDT"。
func NormalizeSymbols(symbols []string, quote string) ([]string, error) {
	if len(symbols) == 0 {
		return nil, errors.New("symbol list is empty")
	}
	quote = strings.ToUpper(strings.TrimSpace(quote))
	if quote == "" {
		quote = DefaultQuote
	}
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		s = strings.ReplaceAll(s, "/", "")
		s = strings.ReplaceAll(s, "-", "")
		if s == "" {
			continue
		}
		if !strings.HasSuffix(s, quote) {
			s += quote
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, errors.New("symbol list is empty after normalization")
	}
	return out, nil
}

type StaticProvider struct {
	symbols []string
	quote   string
}

func NewStaticProvider(symbols []string, quote string) *StaticProvider {
	return &StaticProvider{symbols: symbols, quote: quote}
}

func (p *StaticProvider) Name() string { return "static" }

func (p *StaticProvider) List(_ context.Context) ([]string, error) {
	return NormalizeSymbols(p.symbols, p.quote)
}

// HTTPSymbolProvider 从远端读取 ["BTC", ...] 或 {"symbols": [...]}；失败时退回 fallback。
type HTTPSymbolProvider struct {
	URL      string
	Quote    string
	Fallback []string
	Client   *http.Client
}

func NewHTTPSymbolProvider(url, quote string, fallback []string) *HTTPSymbolProvider {
	return &HTTPSymbolProvider{
		URL:      strings.TrimSpace(url),
		Quote:    quote,
		Fallback: fallback,
		Client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *HTTPSymbolProvider) Name() string { return "http" }

func (p *HTTPSymbolProvider) List(ctx context.Context) ([]string, error) {
	symbols, err := p.fetch(ctx)
	if err == nil {
		return symbols, nil
	}
	if len(p.Fallback) == 0 {
		return nil, err
	}
	logger.Warnf("[coins] 远端 symbol 列表获取失败，使用 fallback: %v", err)
	return NormalizeSymbols(p.Fallback, p.Quote)
}

func (p *HTTPSymbolProvider) fetch(ctx context.Context) ([]string, error) {
	if p.URL == "" {
		return nil, errors.New("symbol API URL not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching symbols: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("HTTP status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var arr []string
	if err := json.Unmarshal(body, &arr); err == nil {
		return NormalizeSymbols(arr, p.Quote)
	}
	var obj struct {
		Symbols []string `json:"symbols"`
	}
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	return NormalizeSymbols(obj.Symbols, p.Quote)
}
