package market

import "context"

// CandleEvent 封装了来源于外部行情源的单根 K 线。
type CandleEvent struct {
	Symbol    string
	Timeframe Timeframe
	Candle    Candle
}

// TickerEvent 是逐笔/聚合行情推送的最新价。
type TickerEvent struct {
	Symbol        string
	Price         float64
	Quantity      float64
	ChangePercent float64
	EventTime     int64
}

// KlineFrame 是交易所推送的 K 线流帧。ServerClosed 对应服务端的 "x" 标记。
type KlineFrame struct {
	Symbol       string
	Timeframe    Timeframe
	OpenTime     int64
	CloseTime    int64
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Volume       float64
	Trades       int64
	ServerClosed bool
}

// Candle 将帧转换为 K 线（Closed 由调用方决定）。
func (f KlineFrame) Candle() Candle {
	return Candle{
		OpenTime:  f.OpenTime,
		CloseTime: f.CloseTime,
		Open:      f.Open,
		High:      f.High,
		Low:       f.Low,
		Close:     f.Close,
		Volume:    f.Volume,
		Trades:    f.Trades,
	}
}

// TradeEvent 表示实时成交（例如 aggTrade）。IsSellerInitiated 为主动卖出。
type TradeEvent struct {
	Symbol            string
	Price             float64
	Quantity          float64
	IsSellerInitiated bool
	EventTime         int64
	TradeTime         int64
}

// ChunkSource 按 endTime 向前分页拉取历史 K 线；endTime<=0 表示最新。
// 返回顺序不作保证，调用方需要自行排序。
type ChunkSource interface {
	FetchChunk(ctx context.Context, symbol string, tf Timeframe, limit int, endTime int64) ([]Candle, error)
}

// KlineCache 是备用（持久化）K 线缓存。
type KlineCache interface {
	Put(ctx context.Context, symbol string, tf Timeframe, ks []Candle) error
	Recent(ctx context.Context, symbol string, tf Timeframe, limit int) ([]Candle, error)
}
