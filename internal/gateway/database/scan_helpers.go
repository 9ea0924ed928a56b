package database

import (
	"database/sql"

	"klinehub/internal/market"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCandle(rows rowScanner) (market.Candle, error) {
	var (
		c         market.Candle
		closed    int64
		takerBuy  sql.NullFloat64
		takerSell sql.NullFloat64
	)
	if err := rows.Scan(&c.OpenTime, &c.CloseTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume,
		&c.Trades, &closed, &takerBuy, &takerSell); err != nil {
		return c, err
	}
	c.Closed = closed != 0
	c.TakerBuyVolume = nullFloat(takerBuy)
	c.TakerSellVolume = nullFloat(takerSell)
	return c, nil
}

func nullFloat(v sql.NullFloat64) float64 {
	if v.Valid {
		return v.Float64
	}
	return 0
}

func nullIfZero(v float64) any {
	if v == 0 {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
