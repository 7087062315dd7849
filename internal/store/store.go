// Package store persists canonical bars to Postgres. Row identity is
// (source, symbol, interval, ts); replays upsert rather than duplicate.
package store

import (
	"context"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"marketdata/internal/canonical"
)

// BarStore is the storage contract handed to collection flows.
type BarStore interface {
	UpsertBars(ctx context.Context, bars []canonical.Bar) (int, error)
	BarsRange(ctx context.Context, source, symbol, interval string, fromTS, toTS int64) ([]canonical.Bar, error)
	Close() error
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS ohlcv (
    source   TEXT   NOT NULL,
    symbol   TEXT   NOT NULL,
    interval TEXT   NOT NULL,
    ts       BIGINT NOT NULL,
    open     DOUBLE PRECISION,
    high     DOUBLE PRECISION,
    low      DOUBLE PRECISION,
    close    DOUBLE PRECISION,
    volume   DOUBLE PRECISION,
    PRIMARY KEY (source, symbol, interval, ts)
);`

const upsertSQL = `
INSERT INTO ohlcv (source, symbol, interval, ts, open, high, low, close, volume)
VALUES (:source, :symbol, :interval, :ts, :open, :high, :low, :close, :volume)
ON CONFLICT (source, symbol, interval, ts) DO UPDATE SET
    open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
    close = EXCLUDED.close, volume = EXCLUDED.volume`

const rangeSQL = `
SELECT source, symbol, interval, ts, open, high, low, close, volume
FROM ohlcv
WHERE source = $1 AND symbol = $2 AND interval = $3 AND ts BETWEEN $4 AND $5
ORDER BY ts`

// Postgres implements BarStore on a sqlx handle.
type Postgres struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// Open connects, verifies the connection, and ensures the schema exists.
func Open(ctx context.Context, dsn string, log zerolog.Logger) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, err
	}
	return &Postgres{db: db, log: log.With().Str("component", "store").Logger()}, nil
}

type barRow struct {
	Source   string  `db:"source"`
	Symbol   string  `db:"symbol"`
	Interval string  `db:"interval"`
	TS       int64   `db:"ts"`
	Open     float64 `db:"open"`
	High     float64 `db:"high"`
	Low      float64 `db:"low"`
	Close    float64 `db:"close"`
	Volume   float64 `db:"volume"`
}

func toRow(b canonical.Bar) barRow {
	return barRow{
		Source: b.Source, Symbol: b.Symbol, Interval: b.Interval, TS: b.TS,
		Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume,
	}
}

func (r barRow) bar() canonical.Bar {
	return canonical.Bar{
		Source: r.Source, Symbol: r.Symbol, Interval: r.Interval, TS: r.TS,
		Open: r.Open, High: r.High, Low: r.Low, Close: r.Close, Volume: r.Volume,
	}
}

// UpsertBars writes the batch in one transaction and returns the number of
// rows processed.
func (p *Postgres) UpsertBars(ctx context.Context, bars []canonical.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, upsertSQL)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, toRow(b)); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	p.log.Debug().Int("rows", len(bars)).Msg("bars upserted")
	return len(bars), nil
}

// BarsRange reads bars for one series between fromTS and toTS inclusive,
// ordered by timestamp.
func (p *Postgres) BarsRange(ctx context.Context, source, symbol, interval string, fromTS, toTS int64) ([]canonical.Bar, error) {
	var rows []barRow
	if err := p.db.SelectContext(ctx, &rows, rangeSQL, source, symbol, interval, fromTS, toTS); err != nil {
		return nil, err
	}
	bars := make([]canonical.Bar, len(rows))
	for i, r := range rows {
		bars[i] = r.bar()
	}
	return bars, nil
}

func (p *Postgres) Close() error { return p.db.Close() }
