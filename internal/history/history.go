package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"hrwatch/internal/config"
	"hrwatch/internal/model"
)

var ErrUnavailable = errors.New("history source unavailable")

// Source fetches readings, newest first.
type Source interface {
	Latest(ctx context.Context, count int) ([]model.Reading, error)
	All(ctx context.Context) ([]model.Reading, error)
}

// Recorder appends a reading to a local store. With history.record set the
// session writes every accepted reading through it.
type Recorder interface {
	Record(ctx context.Context, r model.Reading) error
}

// New builds the configured source. SQL stores get their table created when
// missing so a fresh local database can be read straight away.
func New(ctx context.Context, cfg config.HistoryConfig, loc *time.Location, logger *slog.Logger) (Source, error) {
	if !cfg.Enabled {
		return nil, ErrUnavailable
	}
	switch strings.ToLower(cfg.Source) {
	case "http", "":
		return NewHTTPClient(cfg.BaseURL, cfg.Timeout, loc, logger), nil
	case "sql":
		store, err := NewStore(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if err := store.Init(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("init history store: %w", err)
		}
		return store, nil
	}
	return nil, fmt.Errorf("%w: unsupported source %q", ErrUnavailable, cfg.Source)
}
