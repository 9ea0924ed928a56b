// Package diag 暴露诊断与只读行情接口：健康、遥测快照、K 线（JSON/CSV）、订单流。
package diag

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"klinehub/internal/export"
	"klinehub/internal/freshness"
	"klinehub/internal/history"
	"klinehub/internal/logger"
	"klinehub/internal/market"
	"klinehub/internal/orderflow"
	"klinehub/internal/telemetry"
)

const (
	defaultLimit = 200
	maxLimit     = 1500
)

// BarReader 由 freshness.Arbiter 实现。
type BarReader interface {
	Read(ctx context.Context, symbol string, tf market.Timeframe, limit int) (freshness.Response, error)
}

type Router struct {
	bars     BarReader
	deltas   *orderflow.DeltaStore
	prices   *freshness.PriceTable
	registry *telemetry.Registry
	jobs     *history.Jobs
}

type RouterParams struct {
	Bars     BarReader
	Deltas   *orderflow.DeltaStore
	Prices   *freshness.PriceTable
	Registry *telemetry.Registry
	Jobs     *history.Jobs
}

func NewRouter(p RouterParams) *Router {
	return &Router{bars: p.Bars, deltas: p.Deltas, prices: p.Prices, registry: p.Registry, jobs: p.Jobs}
}

func (r *Router) Register(group gin.IRoutes) {
	if group == nil {
		return
	}
	group.GET("/healthz", r.handleHealth)
	group.GET("/telemetry", r.handleTelemetry)
	group.GET("/prices", r.handlePrices)
	group.GET("/bars/:symbol/:interval", r.handleBars)
	group.GET("/orderflow/:symbol", r.handleOrderflow)
	group.GET("/jobs", r.handleJobs)
	group.GET("/jobs/:id", r.handleJob)
}

// BarsResponse 是 /bars 的 JSON 响应。
type BarsResponse struct {
	Symbol    string                  `json:"symbol"`
	Interval  market.Timeframe        `json:"interval"`
	Source    freshness.Source        `json:"source"`
	Stale     bool                    `json:"stale"`
	Count     int                     `json:"count"`
	Integrity history.IntegrityReport `json:"integrity"`
	Bars      []market.Candle         `json:"bars"`
}

type OrderflowResponse struct {
	Symbol          string             `json:"symbol"`
	Interval        market.Timeframe   `json:"interval"`
	Connected       bool               `json:"connected"`
	Trend           market.Trend       `json:"trend"`
	CumulativeDelta float64            `json:"cumulative_delta"`
	RecentDelta     float64            `json:"recent_delta"`
	Samples         int                `json:"samples"`
	Metrics         *market.CVDMetrics `json:"metrics,omitempty"`
	Bars            []market.DeltaBar  `json:"bars"`
}

func (r *Router) handleHealth(c *gin.Context) {
	snap := r.registry.Snapshot()
	down := 0
	for _, b := range snap.Batches {
		if !b.Connected {
			down++
		}
	}
	status, code := "ok", http.StatusOK
	if down > 0 {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "batches": len(snap.Batches), "down": down})
}

func (r *Router) handleTelemetry(c *gin.Context) {
	c.JSON(http.StatusOK, r.registry.Snapshot())
}

func (r *Router) handlePrices(c *gin.Context) {
	if r.prices == nil {
		c.JSON(http.StatusOK, gin.H{"prices": map[string]float64{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"prices": r.prices.Snapshot()})
}

func (r *Router) handleBars(c *gin.Context) {
	if r.bars == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "bar reader 未配置"})
		return
	}
	symbol := market.NormalizeSymbol(c.Param("symbol"))
	tf, err := market.ParseTimeframe(c.Param("interval"))
	if err != nil || symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol/interval 非法"})
		return
	}
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit 非法"})
		return
	}

	resp, err := r.bars.Read(c.Request.Context(), symbol, tf, limit)
	if err != nil {
		code := http.StatusBadGateway
		if errors.Is(err, market.ErrNoData) {
			code = http.StatusNotFound
		}
		logger.Warnf("[diag] 读取 %s@%s 失败: %v", symbol, tf, err)
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}
	c.Header("X-Bars-Source", string(resp.Source))
	if resp.Stale {
		c.Header("X-Bars-Stale", "true")
	}

	if strings.EqualFold(c.Query("format"), "csv") {
		body := export.BuildCandleCSV(resp.Bars, export.CSVOptions{
			Millis:         c.Query("time") == "ms",
			PricePrecision: export.PrecisionAuto,
		})
		c.Data(http.StatusOK, "text/csv; charset=utf-8", []byte(body))
		return
	}
	c.JSON(http.StatusOK, BarsResponse{
		Symbol:    symbol,
		Interval:  tf,
		Source:    resp.Source,
		Stale:     resp.Stale,
		Count:     len(resp.Bars),
		Integrity: history.CheckIntegrity(resp.Bars, tf),
		Bars:      resp.Bars,
	})
}

func (r *Router) handleOrderflow(c *gin.Context) {
	if r.deltas == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "orderflow 未启用"})
		return
	}
	symbol := market.NormalizeSymbol(c.Param("symbol"))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol 必填"})
		return
	}
	tf := r.deltas.CVDTimeframe()
	if raw := c.Query("interval"); raw != "" {
		parsed, err := market.ParseTimeframe(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		tf = parsed
	}
	lookback := 20
	if raw := c.Query("lookback"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "lookback 非法"})
			return
		}
		lookback = n
	}

	delta, samples := r.deltas.RecentDelta(symbol, tf, lookback)
	out := OrderflowResponse{
		Symbol:          symbol,
		Interval:        tf,
		Connected:       r.deltas.Connected(),
		Trend:           r.deltas.CVDTrend(symbol),
		CumulativeDelta: r.deltas.CumulativeDelta(symbol),
		RecentDelta:     delta,
		Samples:         samples,
		Bars:            r.deltas.Bars(symbol, tf, lookback),
	}
	if m, ok := r.deltas.Metrics(symbol, tf, lookback); ok {
		out.Metrics = &m
	}
	c.JSON(http.StatusOK, out)
}

func (r *Router) handleJobs(c *gin.Context) {
	if r.jobs == nil {
		c.JSON(http.StatusOK, gin.H{"jobs": []history.Job{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": r.jobs.List()})
}

func (r *Router) handleJob(c *gin.Context) {
	if r.jobs == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	job, ok := r.jobs.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("invalid limit")
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}
