// Package database 提供持久化的备用 K 线缓存（SQLite 或 PostgreSQL）。
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"klinehub/internal/logger"
	"klinehub/internal/market"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// KlineCache 实现 market.KlineCache；按 (symbol, timeframe, open_time) 唯一。
type KlineCache struct {
	mu     sync.Mutex
	db     *sql.DB
	driver string
}

// Open 打开缓存并执行迁移。driver 为 sqlite 或 postgres。
func Open(ctx context.Context, driver, dsn string) (*KlineCache, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = DriverSQLite
	}
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported cache driver %q", driver)
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("cache dsn 不能为空")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// SQLite 单写者，避免 SQLITE_BUSY。
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", driver, err)
	}
	s := &KlineCache{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Infof("[cache] %s kline cache ready", driver)
	return s, nil
}

func (s *KlineCache) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	db := s.db
	s.db = nil
	s.mu.Unlock()
	if db == nil {
		return nil
	}
	return db.Close()
}

func (s *KlineCache) handle() (*sql.DB, error) {
	if s == nil {
		return nil, fmt.Errorf("kline cache 未初始化")
	}
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("kline cache 已关闭")
	}
	return db, nil
}

// rebind 把 ? 占位符改写为 PostgreSQL 的 $n。
func (s *KlineCache) rebind(q string) string {
	if s.driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const upsertKline = `
INSERT INTO klines
    (symbol, timeframe, open_time, close_time, open, high, low, close, volume, trades, closed,
     taker_buy_volume, taker_sell_volume, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (symbol, timeframe, open_time) DO UPDATE SET
    close_time=excluded.close_time, open=excluded.open, high=excluded.high, low=excluded.low,
    close=excluded.close, volume=excluded.volume, trades=excluded.trades, closed=excluded.closed,
    taker_buy_volume=excluded.taker_buy_volume, taker_sell_volume=excluded.taker_sell_volume,
    updated_at=excluded.updated_at
WHERE klines.closed = 0 OR excluded.closed = 1`

// Put 批量写入；已收盘的行不会被未收盘的数据覆盖。
func (s *KlineCache) Put(ctx context.Context, symbol string, tf market.Timeframe, ks []market.Candle) error {
	symbol = market.NormalizeSymbol(symbol)
	if symbol == "" || !tf.Valid() {
		return fmt.Errorf("put %s@%s: %w", symbol, tf, market.ErrMalformed)
	}
	if len(ks) == 0 {
		return nil
	}
	db, err := s.handle()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, s.rebind(upsertKline))
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()
	now := time.Now().UnixMilli()
	for _, c := range ks {
		if !c.Valid() {
			continue
		}
		if _, err := stmt.ExecContext(ctx, symbol, string(tf), c.OpenTime, c.CloseTime,
			c.Open, c.High, c.Low, c.Close, c.Volume, c.Trades, boolInt(c.Closed),
			nullIfZero(c.TakerBuyVolume), nullIfZero(c.TakerSellVolume), now); err != nil {
			return fmt.Errorf("upsert %s@%s %d: %w", symbol, tf, c.OpenTime, err)
		}
	}
	return tx.Commit()
}

const selectRecent = `
SELECT open_time, close_time, open, high, low, close, volume, trades, closed,
       taker_buy_volume, taker_sell_volume
FROM klines
WHERE symbol = ? AND timeframe = ?
ORDER BY open_time DESC
LIMIT ?`

// Recent 返回最新 limit 根（升序）。
func (s *KlineCache) Recent(ctx context.Context, symbol string, tf market.Timeframe, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		return nil, nil
	}
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, s.rebind(selectRecent), market.NormalizeSymbol(symbol), string(tf), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query klines: %w", err)
	}
	defer rows.Close()
	var out []market.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Prune 删除 keep 根之前的旧数据，返回删除的行数。
func (s *KlineCache) Prune(ctx context.Context, symbol string, tf market.Timeframe, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	symbol = market.NormalizeSymbol(symbol)
	var cutoff int64
	err = db.QueryRowContext(ctx, s.rebind(`
        SELECT open_time FROM klines WHERE symbol = ? AND timeframe = ?
        ORDER BY open_time DESC LIMIT 1 OFFSET ?`), symbol, string(tf), keep-1).Scan(&cutoff)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, s.rebind(`DELETE FROM klines WHERE symbol = ? AND timeframe = ? AND open_time < ?`),
		symbol, string(tf), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
