package history

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hrwatch/internal/config"
	"hrwatch/internal/model"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLite("file:" + filepath.Join(t.TempDir(), "hr.db"))
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Init(ctx))

	for i, r := range []model.Reading{
		model.NewReading("10:00:00", 60),
		model.NewReading("10:00:01", 61),
		model.Placeholder(),
		model.NewReading("10:00:03", 63),
	} {
		require.NoError(t, store.Record(ctx, r), "record %d", i)
	}

	latest, err := store.Latest(ctx, 3)
	require.NoError(t, err)
	require.Len(t, latest, 3)
	assert.Equal(t, "10:00:03", latest[0].Time)
	assert.Nil(t, latest[1].BPM)
	assert.Equal(t, "10:00:01", latest[2].Time)

	all, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "10:00:03", all[0].Time)
	assert.Equal(t, "10:00:00", all[3].Time)
}

func TestPostgresStoreQueries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	store := newPostgresStore(db)
	defer store.Close()

	rows := sqlmock.NewRows([]string{"reading_time", "bpm"}).
		AddRow("10:00:02", 82.0).
		AddRow("10:00:01", nil)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT reading_time, bpm FROM heart_rate_readings ORDER BY id DESC LIMIT $1`)).
		WithArgs(2).
		WillReturnRows(rows)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO heart_rate_readings (recorded_at, reading_time, bpm) VALUES ($1, $2, $3)`)).
		WithArgs(sqlmock.AnyArg(), "10:00:03", 84.0).
		WillReturnResult(sqlmock.NewResult(3, 1))

	latest, err := store.Latest(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	v, ok := latest[0].Value()
	require.True(t, ok)
	assert.Equal(t, 82.0, v)
	assert.Nil(t, latest[1].BPM)

	require.NoError(t, store.Record(context.Background(), model.NewReading("10:00:03", 84)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	store := newPostgresStore(db)
	defer store.Close()

	mock.ExpectQuery(`SELECT reading_time`).WillReturnError(errors.New("connection refused"))
	_, err = store.Latest(context.Background(), 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query latest readings")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewSource(t *testing.T) {
	cfg := config.DefaultConfig().History

	src, err := New(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &HTTPClient{}, src)

	cfg.Source = "sql"
	cfg.DSN = "file:" + filepath.Join(t.TempDir(), "hr.db")
	src, err = New(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	store, ok := src.(Store)
	require.True(t, ok)
	require.NoError(t, store.Close())

	cfg.Enabled = false
	_, err = New(context.Background(), cfg, nil, nil)
	assert.True(t, errors.Is(err, ErrUnavailable))

	cfg.Enabled = true
	cfg.Driver = "oracle"
	_, err = New(context.Background(), cfg, nil, nil)
	assert.True(t, errors.Is(err, ErrUnavailable))
}
