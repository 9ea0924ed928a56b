package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"klinehub/internal/market"
)

// Codec 负责流名生成与帧解码，供 stream.Supervisor 使用。
type Codec struct{}

// StreamName 返回组合流名称，例如 btcusdt@kline_1m。
func (Codec) StreamName(kind market.FeedKind, symbol string, tf market.Timeframe) string {
	sym := strings.ToLower(strings.TrimSpace(symbol))
	switch kind {
	case market.FeedTicker:
		return sym + "@ticker"
	case market.FeedTrade:
		return sym + "@aggTrade"
	default:
		return sym + "@kline_" + string(tf)
	}
}

// Decode 把一帧原始消息解成带标签的 market.Frame；无法识别的帧返回 ErrMalformed。
func (Codec) Decode(b []byte) (market.Frame, error) {
	var env struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
		Result json.RawMessage `json:"result"`
		ID     *int64          `json:"id"`
		Code   int             `json:"code"`
		Msg    string          `json:"msg"`
		Error  *struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		} `json:"error"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return market.Frame{}, fmt.Errorf("%w: %v", market.ErrMalformed, err)
	}
	switch {
	case env.Stream != "" && len(env.Data) > 0:
		return decodeData(env.Stream, env.Data)
	case env.Error != nil || env.Code != 0:
		f := market.Frame{Kind: market.FrameRejection, Rejection: string(b)}
		if env.ID != nil {
			f.RequestID = *env.ID
		}
		return f, nil
	case env.ID != nil:
		return market.Frame{Kind: market.FrameAck, RequestID: *env.ID}, nil
	default:
		return market.Frame{}, fmt.Errorf("%w: unrecognized frame", market.ErrMalformed)
	}
}

func decodeData(stream string, data json.RawMessage) (market.Frame, error) {
	// encoding/json 对 key 大小写不敏感，只有精确匹配的字段才能挡住 "E" 落到 "e" 上。
	var head struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return market.Frame{}, fmt.Errorf("%w: %s: %v", market.ErrMalformed, stream, err)
	}
	switch head.EventType {
	case "kline":
		var ev klineEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return market.Frame{}, fmt.Errorf("%w: %s: %v", market.ErrMalformed, stream, err)
		}
		kf, err := ev.frame()
		if err != nil {
			return market.Frame{}, fmt.Errorf("%w: %s: %v", market.ErrMalformed, stream, err)
		}
		return market.Frame{Kind: market.FrameKline, Stream: stream, Kline: kf}, nil
	case "24hrTicker":
		var ev tickerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return market.Frame{}, fmt.Errorf("%w: %s: %v", market.ErrMalformed, stream, err)
		}
		te, err := ev.event()
		if err != nil {
			return market.Frame{}, fmt.Errorf("%w: %s: %v", market.ErrMalformed, stream, err)
		}
		return market.Frame{Kind: market.FrameTicker, Stream: stream, Ticker: te}, nil
	case "aggTrade":
		var ev aggTradeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return market.Frame{}, fmt.Errorf("%w: %s: %v", market.ErrMalformed, stream, err)
		}
		tr, err := ev.event()
		if err != nil {
			return market.Frame{}, fmt.Errorf("%w: %s: %v", market.ErrMalformed, stream, err)
		}
		return market.Frame{Kind: market.FrameTrade, Stream: stream, Trade: tr}, nil
	default:
		return market.Frame{}, fmt.Errorf("%w: %s: unknown event %q", market.ErrMalformed, stream, head.EventType)
	}
}

type klineEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		StartTime           int64    `json:"t"`
		CloseTime           int64    `json:"T"`
		Symbol              string   `json:"s"`
		Interval            string   `json:"i"`
		FirstTradeID        int64    `json:"f"`
		LastTradeID         int64    `json:"L"`
		OpenPrice           strOrNum `json:"o"`
		ClosePrice          strOrNum `json:"c"`
		HighPrice           strOrNum `json:"h"`
		LowPrice            strOrNum `json:"l"`
		Volume              strOrNum `json:"v"`
		NumberOfTrades      int64    `json:"n"`
		IsFinal             bool     `json:"x"`
		QuoteVolume         strOrNum `json:"q"`
		TakerBuyBaseVolume  strOrNum `json:"V"`
		TakerBuyQuoteVolume strOrNum `json:"Q"`
		Ignore              strOrNum `json:"B"`
	} `json:"k"`
}

func (ev klineEvent) frame() (market.KlineFrame, error) {
	tf, err := market.ParseTimeframe(ev.Kline.Interval)
	if err != nil {
		return market.KlineFrame{}, err
	}
	symbol := ev.Kline.Symbol
	if symbol == "" {
		symbol = ev.Symbol
	}
	f := market.KlineFrame{
		Symbol:       market.NormalizeSymbol(symbol),
		Timeframe:    tf,
		OpenTime:     ev.Kline.StartTime,
		CloseTime:    ev.Kline.CloseTime,
		Trades:       ev.Kline.NumberOfTrades,
		ServerClosed: ev.Kline.IsFinal,
	}
	if err := parseAll(
		field{"o", ev.Kline.OpenPrice, &f.Open},
		field{"h", ev.Kline.HighPrice, &f.High},
		field{"l", ev.Kline.LowPrice, &f.Low},
		field{"c", ev.Kline.ClosePrice, &f.Close},
		field{"v", ev.Kline.Volume, &f.Volume},
	); err != nil {
		return market.KlineFrame{}, err
	}
	if f.Symbol == "" || f.OpenTime <= 0 || f.CloseTime <= f.OpenTime {
		return market.KlineFrame{}, fmt.Errorf("kline frame missing keys")
	}
	return f, nil
}

// tickerEvent 声明了 24hrTicker 的全部字段，大小写成对的 key（c/C、q/Q、o/O、p/P、l/L）各有精确匹配。
type tickerEvent struct {
	EventType        string   `json:"e"`
	EventTime        int64    `json:"E"`
	Symbol           string   `json:"s"`
	PriceChange      strOrNum `json:"p"`
	ChangePercent    strOrNum `json:"P"`
	WeightedAvgPrice strOrNum `json:"w"`
	LastPrice        strOrNum `json:"c"`
	LastQuantity     strOrNum `json:"Q"`
	OpenPrice        strOrNum `json:"o"`
	HighPrice        strOrNum `json:"h"`
	LowPrice         strOrNum `json:"l"`
	BaseVolume       strOrNum `json:"v"`
	QuoteVolume      strOrNum `json:"q"`
	OpenTime         int64    `json:"O"`
	CloseTime        int64    `json:"C"`
	FirstTradeID     int64    `json:"F"`
	LastTradeID      int64    `json:"L"`
	Trades           int64    `json:"n"`
}

func (ev tickerEvent) event() (market.TickerEvent, error) {
	te := market.TickerEvent{Symbol: market.NormalizeSymbol(ev.Symbol), EventTime: ev.EventTime}
	if err := parseAll(
		field{"c", ev.LastPrice, &te.Price},
		field{"P", ev.ChangePercent, &te.ChangePercent},
	); err != nil {
		return te, err
	}
	// Q 缺失时按 1 计量
	te.Quantity, _ = ev.LastQuantity.Float()
	if te.Symbol == "" || te.EventTime <= 0 {
		return te, fmt.Errorf("ticker frame missing keys")
	}
	return te, nil
}

type aggTradeEvent struct {
	EventType    string   `json:"e"`
	EventTime    int64    `json:"E"`
	AggTradeID   int64    `json:"a"`
	Symbol       string   `json:"s"`
	Price        strOrNum `json:"p"`
	Quantity     strOrNum `json:"q"`
	FirstTradeID int64    `json:"f"`
	LastTradeID  int64    `json:"l"`
	TradeTime    int64    `json:"T"`
	BuyerIsMaker bool     `json:"m"`
}

func (ev aggTradeEvent) event() (market.TradeEvent, error) {
	tr := market.TradeEvent{
		Symbol:    market.NormalizeSymbol(ev.Symbol),
		EventTime: ev.EventTime,
		TradeTime: ev.TradeTime,
		// 买方是 maker 说明卖方主动成交。
		IsSellerInitiated: ev.BuyerIsMaker,
	}
	if err := parseAll(
		field{"p", ev.Price, &tr.Price},
		field{"q", ev.Quantity, &tr.Quantity},
	); err != nil {
		return tr, err
	}
	if tr.TradeTime <= 0 {
		tr.TradeTime = tr.EventTime
	}
	if tr.Symbol == "" || tr.TradeTime <= 0 {
		return tr, fmt.Errorf("trade frame missing keys")
	}
	return tr, nil
}

type field struct {
	name string
	raw  strOrNum
	dst  *float64
}

func parseAll(fields ...field) error {
	for _, f := range fields {
		v, err := f.raw.Float()
		if err != nil {
			return fmt.Errorf("field %s: %w", f.name, err)
		}
		*f.dst = v
	}
	return nil
}

type strOrNum string

func (s *strOrNum) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = strOrNum(v)
		return nil
	}
	*s = strOrNum(string(b))
	return nil
}

func (s strOrNum) Float() (float64, error) {
	return strconv.ParseFloat(string(s), 64)
}
