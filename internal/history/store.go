package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"hrwatch/internal/model"
)

// Store reads (and optionally records) readings in a SQL table shaped like
// the backend's: one row per reading, insertion order is arrival order.
type Store interface {
	Source
	Recorder
	Init(ctx context.Context) error
	Close() error
}

func NewStore(driver, dsn string) (Store, error) {
	switch strings.ToLower(driver) {
	case "sqlite":
		return NewSQLite(dsn)
	case "postgres", "postgresql":
		return NewPostgres(dsn)
	}
	return nil, errors.New("unsupported storage driver")
}

type baseStore struct {
	db          *sql.DB
	placeholder func(n int) string
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) Latest(ctx context.Context, count int) ([]model.Reading, error) {
	if b.db == nil {
		return nil, ErrUnavailable
	}
	if count <= 0 {
		return nil, fmt.Errorf("latest readings: count must be positive, got %d", count)
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT reading_time, bpm FROM heart_rate_readings ORDER BY id DESC LIMIT `+b.placeholder(1),
		count,
	)
	if err != nil {
		return nil, fmt.Errorf("query latest readings: %w", err)
	}
	return scanReadings(rows, count)
}

func (b *baseStore) All(ctx context.Context) ([]model.Reading, error) {
	if b.db == nil {
		return nil, ErrUnavailable
	}
	rows, err := b.db.QueryContext(ctx, `SELECT reading_time, bpm FROM heart_rate_readings ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	return scanReadings(rows, 0)
}

func scanReadings(rows *sql.Rows, capHint int) ([]model.Reading, error) {
	defer rows.Close()
	out := make([]model.Reading, 0, capHint)
	for rows.Next() {
		var (
			ts  string
			bpm sql.NullFloat64
		)
		if err := rows.Scan(&ts, &bpm); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		r := model.Reading{Time: ts}
		if bpm.Valid {
			v := bpm.Float64
			r.BPM = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (b *baseStore) Record(ctx context.Context, r model.Reading) error {
	if b.db == nil {
		return nil
	}
	var bpm sql.NullFloat64
	if v, ok := r.Value(); ok {
		bpm = sql.NullFloat64{Float64: v, Valid: true}
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO heart_rate_readings (recorded_at, reading_time, bpm) VALUES (`+
			b.placeholder(1)+`, `+b.placeholder(2)+`, `+b.placeholder(3)+`)`,
		nowUTC(), r.Time, bpm,
	)
	if err != nil {
		return fmt.Errorf("record reading: %w", err)
	}
	return nil
}

func (b *baseStore) exec(ctx context.Context, stmts []string) error {
	if b.db == nil {
		return nil
	}
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
