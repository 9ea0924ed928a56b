package market

import "fmt"

// FeedKind 区分三类实时流。
type FeedKind string

const (
	FeedTicker FeedKind = "ticker"
	FeedKline  FeedKind = "kline"
	FeedTrade  FeedKind = "trade"
)

// FrameKind 是解码后帧的标签。
type FrameKind int

const (
	FrameTicker FrameKind = iota + 1
	FrameKline
	FrameTrade
	FrameAck
	FrameRejection
)

func (k FrameKind) String() string {
	switch k {
	case FrameTicker:
		return "ticker"
	case FrameKline:
		return "kline"
	case FrameTrade:
		return "trade"
	case FrameAck:
		return "ack"
	case FrameRejection:
		return "rejection"
	default:
		return fmt.Sprintf("frame(%d)", int(k))
	}
}

// Frame 是解码步骤的带标签结果；只有与 Kind 对应的字段有效。
type Frame struct {
	Kind      FrameKind
	Stream    string
	Ticker    TickerEvent
	Kline     KlineFrame
	Trade     TradeEvent
	RequestID int64
	// Rejection 保存服务端拒绝的原始载荷。
	Rejection string
}

// StreamConn 是单个批次的实时连接。
type StreamConn interface {
	Subscribe(streams []string) error
	ReadMessage() ([]byte, error)
	Close() error
}

// CloseError 描述连接关闭时的关闭码与原因。
type CloseError struct {
	Code   int
	Reason string
	Err    error
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("stream closed (code %d %s): %v", e.Code, e.Reason, e.Err)
}

func (e *CloseError) Unwrap() error { return e.Err }
