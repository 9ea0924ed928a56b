package database

import (
	"context"
	"fmt"
)

const createKlinesTable = `
CREATE TABLE IF NOT EXISTS klines (
    symbol      TEXT NOT NULL,
    timeframe   TEXT NOT NULL,
    open_time   BIGINT NOT NULL,
    close_time  BIGINT NOT NULL,
    open        DOUBLE PRECISION NOT NULL,
    high        DOUBLE PRECISION NOT NULL,
    low         DOUBLE PRECISION NOT NULL,
    close       DOUBLE PRECISION NOT NULL,
    volume      DOUBLE PRECISION NOT NULL,
    trades      BIGINT NOT NULL DEFAULT 0,
    closed      INTEGER NOT NULL DEFAULT 0,
    updated_at  BIGINT NOT NULL,
    PRIMARY KEY (symbol, timeframe, open_time)
)`

// migrate 建表并补齐后续版本新增的列（幂等）。
func (s *KlineCache) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createKlinesTable); err != nil {
		return fmt.Errorf("create klines: %w", err)
	}
	s.addTakerColumns(ctx)
	return nil
}

// addTakerColumns 为 klines 添加主动买/卖量列。
func (s *KlineCache) addTakerColumns(ctx context.Context) {
	queries := []string{
		"ALTER TABLE klines ADD COLUMN taker_buy_volume DOUBLE PRECISION",
		"ALTER TABLE klines ADD COLUMN taker_sell_volume DOUBLE PRECISION",
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			// 忽略已存在错误
			continue
		}
	}
}
