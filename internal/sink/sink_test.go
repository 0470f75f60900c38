package sink

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/cryptoetl/internal/model"
)

func newMockSink(t *testing.T) (*Sink, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "sqlmock")
	return New(sqlxDB), mock, func() { db.Close() }
}

func sampleRecord() model.UnifiedRecord {
	return model.UnifiedRecord{
		Symbol: "BTC", Name: "Bitcoin", PriceUSD: 50000, Volume24h: 100,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Source: model.SourceA,
		RawData: model.RawRecord{"symbol": "BTC"},
	}
}

func TestUpsert_ReportsInsertedOnFreshNaturalKey(t *testing.T) {
	s, mock, closeFn := newMockSink(t)
	defer closeFn()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO raw_crypto_data").
		WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(true))
	mock.ExpectQuery("INSERT INTO normalized_crypto_data").
		WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(true))
	mock.ExpectCommit()

	outcome, err := s.Upsert(context.Background(), "run-1", sampleRecord())
	require.NoError(t, err)
	require.Equal(t, Inserted, outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_TreatsUniqueViolationAsMatchedExisting(t *testing.T) {
	s, mock, closeFn := newMockSink(t)
	defer closeFn()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO raw_crypto_data").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key"})
	mock.ExpectCommit()

	outcome, err := s.Upsert(context.Background(), "run-1", sampleRecord())
	require.NoError(t, err)
	require.Equal(t, MatchedExisting, outcome)
}
