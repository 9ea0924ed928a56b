package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"

	"klinehub/internal/market"
)

// Row 是 parquet 快照的一行。
type Row struct {
	Symbol    string  `parquet:"symbol"`
	Timeframe string  `parquet:"timeframe"`
	OpenTime  int64   `parquet:"open_time"`
	CloseTime int64   `parquet:"close_time"`
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    float64 `parquet:"volume"`
	Trades    int64   `parquet:"trades,optional"`
	TakerBuy  float64 `parquet:"taker_buy_volume,optional"`
	Closed    bool    `parquet:"closed"`
}

func toRows(k market.SeriesKey, bars []market.Candle) []Row {
	rows := make([]Row, 0, len(bars))
	for _, c := range bars {
		rows = append(rows, Row{
			Symbol: k.Symbol, Timeframe: string(k.Timeframe),
			OpenTime: c.OpenTime, CloseTime: c.CloseTime,
			Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume,
			Trades: c.Trades, TakerBuy: c.TakerBuyVolume, Closed: c.Closed,
		})
	}
	return rows
}

// FileName 返回序列快照的文件名，例如 BTCUSDT_1m.parquet。
func FileName(k market.SeriesKey) string {
	return fmt.Sprintf("%s_%s.parquet", strings.ToUpper(k.Symbol), k.Timeframe)
}

// WriteParquet 把一条序列写到 dir 下；空序列不写文件。
func WriteParquet(dir string, k market.SeriesKey, bars []market.Candle) (string, error) {
	if len(bars) == 0 {
		return "", nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, FileName(k))
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, toRows(k, bars)); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return path, nil
}

// ReadParquet 读取 WriteParquet 写出的快照。
func ReadParquet(path string) ([]market.Candle, error) {
	rows, err := parquet.ReadFile[Row](path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	out := make([]market.Candle, 0, len(rows))
	for _, r := range rows {
		out = append(out, market.Candle{
			OpenTime: r.OpenTime, CloseTime: r.CloseTime,
			Open: r.Open, High: r.High, Low: r.Low, Close: r.Close, Volume: r.Volume,
			Trades: r.Trades, TakerBuyVolume: r.TakerBuy, TakerSellVolume: r.Volume - r.TakerBuy,
			Closed: r.Closed,
		})
	}
	return out, nil
}
