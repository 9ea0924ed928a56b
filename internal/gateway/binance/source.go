package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"klinehub/internal/logger"
	"klinehub/internal/market"
)

const maxHistoryLimit = 1500

// Source 负责 Binance USDⓈ-M 的 REST 历史分页；实现 market.ChunkSource。
type Source struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

func New(cfg Config) *Source {
	final := cfg.withDefaults()
	return &Source{
		cfg:        final,
		httpClient: &http.Client{Timeout: final.HTTPTimeout},
		// burst=1：相邻请求至少间隔 1min/RateLimitPerMin
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(final.RateLimitPerMin)), 1),
	}
}

// FetchChunk 拉取 endTime（含）之前最多 limit 根 K 线；endTime<=0 表示最新。
func (s *Source) FetchChunk(ctx context.Context, symbol string, tf market.Timeframe, limit int, endTime int64) ([]market.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	symbol = market.NormalizeSymbol(symbol)
	if symbol == "" || !tf.Valid() {
		return nil, &market.FetchError{Kind: market.ErrMalformed, Err: fmt.Errorf("symbol/interval invalid: %q %q", symbol, tf)}
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", string(tf))
	q.Set("limit", strconv.Itoa(limit))
	if endTime > 0 {
		q.Set("endTime", strconv.FormatInt(endTime, 10))
	}
	u := s.cfg.RESTBaseURL + "/fapi/v1/klines?" + q.Encode()

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	logger.Debugf("[binance] REST %s", u)
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.HTTPTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &market.FetchError{Kind: market.ErrTransient, Err: err}
	}
	defer resp.Body.Close()

	if err := s.classify(ctx, resp); err != nil {
		return nil, err
	}
	var raw [][]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &market.FetchError{Kind: market.ErrTransient, Status: resp.StatusCode, Err: err}
		}
		return nil, &market.FetchError{Kind: market.ErrMalformed, Status: resp.StatusCode, Err: err}
	}
	out := make([]market.Candle, 0, len(raw))
	for _, row := range raw {
		c, ok := parseKlineRow(row)
		if !ok {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// classify 把非 2xx 响应映射为错误分类；429/418 先冷却再返回可重试错误。
func (s *Source) classify(ctx context.Context, resp *http.Response) error {
	if resp.StatusCode/100 == 2 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	cause := fmt.Errorf("binance history error: %s %s", resp.Status, strings.TrimSpace(string(body)))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		wait := s.cfg.RateLimitCooldown
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			wait = time.Duration(secs) * time.Second
		}
		logger.Warnf("[binance] 触发限频 (%d)，冷却 %s", resp.StatusCode, wait)
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		return &market.FetchError{Kind: market.ErrRateLimited, Status: resp.StatusCode, Err: cause}
	case resp.StatusCode >= 500:
		return &market.FetchError{Kind: market.ErrTransient, Status: resp.StatusCode, Err: cause}
	default:
		return &market.FetchError{Kind: market.ErrRejected, Status: resp.StatusCode, Err: cause}
	}
}

// parseKlineRow 解析 [openTime, o, h, l, c, v, closeTime, quoteVol, trades, takerBuyBase, ...]。
func parseKlineRow(row []json.RawMessage) (market.Candle, bool) {
	if len(row) < 7 {
		return market.Candle{}, false
	}
	var c market.Candle
	var err error
	if c.OpenTime, err = rawInt(row[0]); err != nil {
		return c, false
	}
	if c.CloseTime, err = rawInt(row[6]); err != nil {
		return c, false
	}
	fields := []*float64{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume}
	for i, dst := range fields {
		if *dst, err = rawFloat(row[i+1]); err != nil {
			return c, false
		}
	}
	if len(row) > 8 {
		c.Trades, _ = rawInt(row[8])
	}
	if len(row) > 9 {
		if buy, err := rawFloat(row[9]); err == nil {
			c.TakerBuyVolume = buy
			c.TakerSellVolume = c.Volume - buy
		}
	}
	return c, true
}

func rawInt(b json.RawMessage) (int64, error) {
	var v strOrNum
	if err := json.Unmarshal(b, &v); err != nil {
		return 0, err
	}
	f, err := v.Float()
	return int64(f), err
}

func rawFloat(b json.RawMessage) (float64, error) {
	var v strOrNum
	if err := json.Unmarshal(b, &v); err != nil {
		return 0, err
	}
	return v.Float()
}
