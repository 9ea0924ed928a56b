// Package stream 管理实时订阅批次：分批连接、错峰启动、断线重连与帧分发。
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"klinehub/internal/logger"
	"klinehub/internal/market"
	"klinehub/internal/telemetry"
)

const (
	DefaultMaxStreamsPerConn = 150
	DefaultStaggerDelay      = 250 * time.Millisecond
	DefaultReconnectDelay    = 2 * time.Second
)

// Dialer 为一个批次建立连接。
type Dialer interface {
	Dial(ctx context.Context) (market.StreamConn, error)
}

// Codec 生成流名并解码帧。
type Codec interface {
	StreamName(kind market.FeedKind, symbol string, tf market.Timeframe) string
	Decode(b []byte) (market.Frame, error)
}

// FrameHandler 接收解码后的帧与连接状态变化。
type FrameHandler interface {
	Handle(f market.Frame)
	FeedState(kind market.FeedKind, up bool)
}

type Config struct {
	MaxStreamsPerConn int
	StaggerDelay      time.Duration
	ReconnectDelay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxStreamsPerConn <= 0 {
		c.MaxStreamsPerConn = DefaultMaxStreamsPerConn
	}
	if c.StaggerDelay <= 0 {
		c.StaggerDelay = DefaultStaggerDelay
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	return c
}

type batch struct {
	id      string
	kind    market.FeedKind
	streams []string
	cancel  context.CancelFunc
	done    chan struct{}
}

// Supervisor 独占所有批次记录；批次之间相互独立。
type Supervisor struct {
	dialer  Dialer
	codec   Codec
	handler FrameHandler
	cfg     Config
	reg     *telemetry.Registry

	group errgroup.Group

	mu      sync.Mutex
	batches map[market.FeedKind][]*batch
	streams map[string]bool
	// nextDial 是下一个批次最早的拨号时刻，跨 Subscribe 调用共享。
	nextDial time.Time
}

func NewSupervisor(d Dialer, c Codec, h FrameHandler, cfg Config, reg *telemetry.Registry) *Supervisor {
	return &Supervisor{
		dialer:  d,
		codec:   c,
		handler: h,
		cfg:     cfg.withDefaults(),
		reg:     reg,
		batches: make(map[market.FeedKind][]*batch),
		streams: make(map[string]bool),
	}
}

// Subscribe 为 symbols（kline 时再乘以 timeframes）建立批次连接并立即返回批次 ID。
// 已订阅的流会被跳过。
func (s *Supervisor) Subscribe(ctx context.Context, kind market.FeedKind, symbols []string, timeframes []market.Timeframe) ([]string, error) {
	names := s.streamNames(kind, symbols, timeframes)
	if len(names) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	fresh := names[:0]
	for _, n := range names {
		if !s.streams[n] {
			s.streams[n] = true
			fresh = append(fresh, n)
		}
	}
	var ids []string
	var created []*batch
	for i := 0; i < len(fresh); i += s.cfg.MaxStreamsPerConn {
		end := min(i+s.cfg.MaxStreamsPerConn, len(fresh))
		bctx, cancel := context.WithCancel(ctx)
		b := &batch{
			id:      fmt.Sprintf("%s-%s", kind, uuid.NewString()[:8]),
			kind:    kind,
			streams: append([]string(nil), fresh[i:end]...),
			cancel:  cancel,
			done:    make(chan struct{}),
		}
		s.batches[kind] = append(s.batches[kind], b)
		created = append(created, b)
		ids = append(ids, b.id)
		s.reg.UpdateBatch(b.id, func(h *telemetry.BatchHealth) {
			h.Kind = string(kind)
			h.Streams = len(b.streams)
		})
		now := time.Now()
		at := s.nextDial
		if at.Before(now) {
			at = now
		}
		s.nextDial = at.Add(s.cfg.StaggerDelay)
		delay := at.Sub(now)
		s.group.Go(func() error {
			defer close(b.done)
			s.runBatch(bctx, b, delay)
			return nil
		})
	}
	s.mu.Unlock()
	if len(created) > 0 {
		logger.Infof("[stream] %s 订阅 %d 个流，分 %d 个批次", kind, len(fresh), len(created))
	}
	return ids, nil
}

func (s *Supervisor) streamNames(kind market.FeedKind, symbols []string, timeframes []market.Timeframe) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, raw := range symbols {
		sym := market.NormalizeSymbol(raw)
		if sym == "" {
			continue
		}
		if kind != market.FeedKline {
			add(s.codec.StreamName(kind, sym, ""))
			continue
		}
		for _, tf := range timeframes {
			if tf.Valid() {
				add(s.codec.StreamName(kind, sym, tf))
			}
		}
	}
	return out
}

// Unsubscribe 关闭某类流的全部批次并等待其退出。
func (s *Supervisor) Unsubscribe(kind market.FeedKind) {
	s.mu.Lock()
	list := s.batches[kind]
	delete(s.batches, kind)
	for _, b := range list {
		for _, n := range b.streams {
			delete(s.streams, n)
		}
	}
	s.mu.Unlock()
	for _, b := range list {
		b.cancel()
	}
	for _, b := range list {
		<-b.done
	}
	if len(list) > 0 {
		logger.Infof("[stream] %s 已退订 %d 个批次", kind, len(list))
	}
}

// Close 退订全部批次。
func (s *Supervisor) Close() error {
	for _, kind := range []market.FeedKind{market.FeedTicker, market.FeedKline, market.FeedTrade} {
		s.Unsubscribe(kind)
	}
	return s.group.Wait()
}

// Wait 阻塞直到所有批次退出（通常由 ctx 取消触发）。
func (s *Supervisor) Wait() error { return s.group.Wait() }

// Health 返回当前批次健康表的拷贝。
func (s *Supervisor) Health() []telemetry.BatchHealth {
	return s.reg.Snapshot().Batches
}

// BatchCount 返回某类流的批次数。
func (s *Supervisor) BatchCount(kind market.FeedKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches[kind])
}

func (s *Supervisor) runBatch(ctx context.Context, b *batch, delay time.Duration) {
	defer s.reg.RemoveBatch(b.id)
	if !sleep(ctx, delay) {
		return
	}
	for {
		err := s.session(ctx, b)
		if ctx.Err() != nil {
			return
		}
		code, reason := closeDetail(err)
		s.reg.UpdateBatch(b.id, func(h *telemetry.BatchHealth) {
			h.Connected = false
			h.LastClose = time.Now()
			h.LastCloseCode = code
			h.LastCloseReason = reason
			h.ReconnectCount++
		})
		logger.Warnf("[stream] 批次 %s 断开 (code=%d %s)，%s 后重连", b.id, code, reason, s.cfg.ReconnectDelay)
		if !sleep(ctx, s.cfg.ReconnectDelay) {
			return
		}
	}
}

// session 完成一次 拨号→订阅→读循环，返回导致连接结束的错误。
func (s *Supervisor) session(ctx context.Context, b *batch) error {
	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	if err := conn.Subscribe(b.streams); err != nil {
		return err
	}
	s.handler.FeedState(b.kind, true)
	defer s.handler.FeedState(b.kind, false)
	s.reg.UpdateBatch(b.id, func(h *telemetry.BatchHealth) {
		h.Connected = true
		h.LastOpen = time.Now()
	})

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.reg.Inc(telemetry.CounterMessages)
		s.reg.UpdateBatch(b.id, func(h *telemetry.BatchHealth) { h.Messages++ })
		f, err := s.codec.Decode(msg)
		if err != nil {
			s.reg.Inc(telemetry.CounterParseErrors)
			s.reg.SetParseError(err.Error())
			logger.Debugf("[stream] 批次 %s 解析失败: %v", b.id, err)
			continue
		}
		s.handler.Handle(f)
	}
}

func closeDetail(err error) (int, string) {
	if err == nil {
		return 0, ""
	}
	var ce *market.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Reason
	}
	return 0, err.Error()
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
