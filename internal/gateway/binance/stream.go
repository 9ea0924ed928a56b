package binance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"klinehub/internal/logger"
	"klinehub/internal/market"
)

// Dialer 为每个订阅批次建立一条组合流连接。
type Dialer struct {
	url              string
	handshakeTimeout time.Duration
	readTimeout      time.Duration
	nextID           atomic.Int64
}

func NewDialer(cfg Config) *Dialer {
	cfg = cfg.withDefaults()
	d := &Dialer{
		url:              strings.TrimSpace(cfg.WSBaseURL),
		handshakeTimeout: cfg.HandshakeTimeout,
		readTimeout:      cfg.ReadTimeout,
	}
	d.nextID.Store(time.Now().UnixNano())
	return d
}

// Dial 建立连接；订阅由调用方通过 Subscribe 发送。
func (d *Dialer) Dial(ctx context.Context) (market.StreamConn, error) {
	wd := websocket.Dialer{HandshakeTimeout: d.handshakeTimeout}
	conn, resp, err := wd.DialContext(ctx, d.url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", d.url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", d.url, err)
	}
	c := &wsConn{conn: conn, readTimeout: d.readTimeout, ids: &d.nextID}
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return c, nil
}

type wsConn struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	ids         *atomic.Int64

	writeMu sync.Mutex
	closed  atomic.Bool
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (c *wsConn) Subscribe(streams []string) error {
	if len(streams) == 0 {
		return nil
	}
	req := subscribeRequest{Method: "SUBSCRIBE", Params: streams, ID: c.ids.Add(1)}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("subscribe %d streams: %w", len(streams), err)
	}
	logger.Debugf("[binance] SUBSCRIBE id=%d streams=%d", req.ID, len(streams))
	return nil
}

// ReadMessage 读取下一帧；连接关闭时返回 *market.CloseError。
func (c *wsConn) ReadMessage() ([]byte, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	_, msg, err := c.conn.ReadMessage()
	if err == nil {
		return msg, nil
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return nil, &market.CloseError{Code: ce.Code, Reason: ce.Text, Err: err}
	}
	if c.closed.Load() {
		return nil, &market.CloseError{Code: websocket.CloseNormalClosure, Reason: "local close", Err: err}
	}
	return nil, &market.CloseError{Code: websocket.CloseAbnormalClosure, Reason: err.Error(), Err: err}
}

func (c *wsConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
