package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/cryptoetl/internal/checkpoint"
	"github.com/sawpanic/cryptoetl/internal/ledger"
	"github.com/sawpanic/cryptoetl/internal/metrics"
	"github.com/sawpanic/cryptoetl/internal/model"
	"github.com/sawpanic/cryptoetl/internal/schema"
	"github.com/sawpanic/cryptoetl/internal/sink"
	"github.com/sawpanic/cryptoetl/internal/watermark"
)

func TestParseTimestamp_RFC3339(t *testing.T) {
	ts, err := parseTimestamp("2026-01-01T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 2026, ts.Year())
}

func TestParseTimestamp_EpochSeconds(t *testing.T) {
	ts, err := parseTimestamp(1767225600.0)
	require.NoError(t, err)
	assert.Equal(t, 2026, ts.UTC().Year())
}

func TestParseTimestamp_AbsentIsError(t *testing.T) {
	_, err := parseTimestamp(nil)
	assert.Error(t, err)
}

func TestToUnifiedRecord_MissingMarketCapStaysNilNotZero(t *testing.T) {
	raw := model.RawRecord{
		"symbol": "BTC", "price_usd": 50000.0, "volume_24h": 10.0,
		"timestamp": "2026-01-01T00:00:00Z",
	}
	record, err := toUnifiedRecord(raw, "A")
	require.NoError(t, err)
	assert.Nil(t, record.MarketCap, "market_cap must stay nil when absent from the raw record")
}

func TestToUnifiedRecord_PresentMarketCapIsPopulated(t *testing.T) {
	raw := model.RawRecord{
		"symbol": "BTC", "price_usd": 50000.0, "volume_24h": 10.0,
		"market_cap": 900_000_000.0, "timestamp": "2026-01-01T00:00:00Z",
	}
	record, err := toUnifiedRecord(raw, "A")
	require.NoError(t, err)
	require.NotNil(t, record.MarketCap)
	assert.Equal(t, 900_000_000.0, *record.MarketCap)
}

func TestOrchestrator_RunIsNoOpWhileAlreadyRunning(t *testing.T) {
	o := &Orchestrator{}
	o.running = true
	_, err := o.Run(nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestToMappingEntries_EmptyInputYieldsEmptyOutput(t *testing.T) {
	entries := toMappingEntries(nil)
	assert.Empty(t, entries)
}

// fakeSource is a SourceExtractor backed by a fixed, pre-mapped row
// set, standing in for extract.HTTPExtractor/CSVExtractor so Run's
// batch/checkpoint/resume loop can be driven without a live source.
type fakeSource struct {
	rows []model.RawRecord
}

func (f *fakeSource) ExtractRecords(context.Context) ([]model.RawRecord, schema.DriftResult) {
	return f.rows, schema.DriftResult{SchemaVersion: 1}
}

// makeRecords builds n valid, distinct-timestamp raw records for
// source A so each lands under its own NaturalKey.
func makeRecords(n int) []model.RawRecord {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	records := make([]model.RawRecord, n)
	for i := 0; i < n; i++ {
		records[i] = model.RawRecord{
			"symbol":     "BTC",
			"name":       "Bitcoin",
			"price_usd":  50000.0 + float64(i),
			"volume_24h": 1000.0,
			"timestamp":  base.Add(time.Duration(i) * time.Second).Format(time.RFC3339),
		}
	}
	return records
}

type orchestratorMocks struct {
	sink       sqlmock.Sqlmock
	checkpoint sqlmock.Sqlmock
	watermark  sqlmock.Sqlmock
	ledger     sqlmock.Sqlmock
}

// newTestOrchestrator wires an Orchestrator whose four Postgres-backed
// collaborators are each a separate sqlmock instance, mirroring how
// checkpoint/sink/ledger are unit-tested individually but driven here
// together through Orchestrator.Run.
func newTestOrchestrator(t *testing.T, batchSize int, faultInject bool, rows []model.RawRecord) (*Orchestrator, orchestratorMocks, func()) {
	t.Helper()

	sinkDB, sinkMock, err := sqlmock.New()
	require.NoError(t, err)
	checkpointDB, checkpointMock, err := sqlmock.New()
	require.NoError(t, err)
	watermarkDB, watermarkMock, err := sqlmock.New()
	require.NoError(t, err)
	ledgerDB, ledgerMock, err := sqlmock.New()
	require.NoError(t, err)

	o := New(Config{
		Sources:        map[string]SourceExtractor{"A": &fakeSource{rows: rows}},
		SourceOrder:    []string{"A"},
		BatchSize:      batchSize,
		FaultInjection: faultInject,
		Checkpoints:    checkpoint.New(sqlx.NewDb(checkpointDB, "sqlmock")),
		Watermarks:     watermark.New(sqlx.NewDb(watermarkDB, "sqlmock")),
		Sink:           sink.New(sqlx.NewDb(sinkDB, "sqlmock")),
		Ledger:         ledger.New(sqlx.NewDb(ledgerDB, "sqlmock")),
		Metrics:        metrics.New(prometheus.NewRegistry()),
	})

	closeFn := func() {
		sinkDB.Close()
		checkpointDB.Close()
		watermarkDB.Close()
		ledgerDB.Close()
	}
	return o, orchestratorMocks{sink: sinkMock, checkpoint: checkpointMock, watermark: watermarkMock, ledger: ledgerMock}, closeFn
}

func expectEnsureIndexes(mock sqlmock.Sqlmock) {
	mock.ExpectExec("CREATE UNIQUE INDEX IF NOT EXISTS raw_crypto_data_natural_key").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE UNIQUE INDEX IF NOT EXISTS normalized_crypto_data_natural_key").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS normalized_crypto_data_timestamp_idx").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS normalized_crypto_data_source_idx").
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectFreshUpserts(mock sqlmock.Sqlmock, n int) {
	for i := 0; i < n; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO raw_crypto_data").
			WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(true))
		mock.ExpectQuery("INSERT INTO normalized_crypto_data").
			WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(true))
		mock.ExpectCommit()
	}
}

func expectAbsentWatermark(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SELECT max\\(timestamp\\)").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
}

func expectAbsentCheckpoint(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SELECT source, run_id, last_processed_index").
		WillReturnRows(sqlmock.NewRows([]string{"source", "run_id", "last_processed_index"}))
}

func expectCheckpointAt(mock sqlmock.Sqlmock, index int) {
	mock.ExpectQuery("SELECT source, run_id, last_processed_index").
		WillReturnRows(sqlmock.NewRows([]string{"source", "run_id", "last_processed_index"}).
			AddRow("A", "run-prior", index))
}

func expectCheckpointSave(mock sqlmock.Sqlmock) {
	mock.ExpectExec("INSERT INTO etl_checkpoints").
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func expectCheckpointClear(mock sqlmock.Sqlmock) {
	mock.ExpectExec("DELETE FROM etl_checkpoints").
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func expectLedgerWrite(mock sqlmock.Sqlmock) {
	mock.ExpectExec("INSERT INTO etl_runs").
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestOrchestrator_Run_BatchSizeOne_ProcessesEveryRecord(t *testing.T) {
	records := makeRecords(3)
	o, mocks, closeFn := newTestOrchestrator(t, 1, false, records)
	defer closeFn()

	expectEnsureIndexes(mocks.sink)
	expectFreshUpserts(mocks.sink, 3)
	expectAbsentWatermark(mocks.watermark)
	expectAbsentCheckpoint(mocks.checkpoint)
	expectCheckpointSave(mocks.checkpoint)
	expectCheckpointSave(mocks.checkpoint)
	expectCheckpointSave(mocks.checkpoint)
	expectCheckpointClear(mocks.checkpoint)
	expectLedgerWrite(mocks.ledger)

	entry, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSuccess, entry.Status)
	assert.Equal(t, 3, entry.RowsProcessed)
	assert.Empty(t, entry.FailedBatches)
	require.NoError(t, mocks.sink.ExpectationsWereMet())
	require.NoError(t, mocks.checkpoint.ExpectationsWereMet())
	require.NoError(t, mocks.ledger.ExpectationsWereMet())
}

func TestOrchestrator_Run_BatchSizeEqualsRecordCount_SucceedsInOneBatch(t *testing.T) {
	records := makeRecords(5)
	o, mocks, closeFn := newTestOrchestrator(t, 5, false, records)
	defer closeFn()

	expectEnsureIndexes(mocks.sink)
	expectFreshUpserts(mocks.sink, 5)
	expectAbsentWatermark(mocks.watermark)
	expectAbsentCheckpoint(mocks.checkpoint)
	expectCheckpointSave(mocks.checkpoint)
	expectCheckpointClear(mocks.checkpoint)
	expectLedgerWrite(mocks.ledger)

	entry, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSuccess, entry.Status)
	assert.Equal(t, 5, entry.RowsProcessed)
	require.NoError(t, mocks.sink.ExpectationsWereMet())
	require.NoError(t, mocks.checkpoint.ExpectationsWereMet())
}

func TestOrchestrator_Run_EmptySource_ZeroWritesNoErrors(t *testing.T) {
	o, mocks, closeFn := newTestOrchestrator(t, 5, false, nil)
	defer closeFn()

	expectEnsureIndexes(mocks.sink)
	expectAbsentWatermark(mocks.watermark)
	expectAbsentCheckpoint(mocks.checkpoint)
	expectCheckpointClear(mocks.checkpoint)
	expectLedgerWrite(mocks.ledger)

	entry, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSuccess, entry.Status)
	assert.Equal(t, 0, entry.RowsProcessed)
	assert.Empty(t, entry.FailedBatches)
}

// TestOrchestrator_Run_MidBatchCrashThenResume walks scenario S3: 20
// records, batchSize=5, a fault injected mid-run. The fault trigger is
// keyed to the record index the crash happens at (not the batch
// count), so this pins batchNo=2 and a checkpoint of 10 regardless of
// how the index arithmetic is phrased internally.
func TestOrchestrator_Run_MidBatchCrashThenResume(t *testing.T) {
	records := makeRecords(20)

	sinkDB, sinkMock, err := sqlmock.New()
	require.NoError(t, err)
	defer sinkDB.Close()
	checkpointDB, checkpointMock, err := sqlmock.New()
	require.NoError(t, err)
	defer checkpointDB.Close()
	watermarkDB, watermarkMock, err := sqlmock.New()
	require.NoError(t, err)
	defer watermarkDB.Close()
	ledgerDB, ledgerMock, err := sqlmock.New()
	require.NoError(t, err)
	defer ledgerDB.Close()

	checkpoints := checkpoint.New(sqlx.NewDb(checkpointDB, "sqlmock"))
	watermarks := watermark.New(sqlx.NewDb(watermarkDB, "sqlmock"))
	recordSink := sink.New(sqlx.NewDb(sinkDB, "sqlmock"))
	runLedger := ledger.New(sqlx.NewDb(ledgerDB, "sqlmock"))
	reg := metrics.New(prometheus.NewRegistry())

	newOrch := func(faultInject bool) *Orchestrator {
		return New(Config{
			Sources:        map[string]SourceExtractor{"A": &fakeSource{rows: records}},
			SourceOrder:    []string{"A"},
			BatchSize:      5,
			FaultInjection: faultInject,
			Checkpoints:    checkpoints,
			Watermarks:     watermarks,
			Sink:           recordSink,
			Ledger:         runLedger,
			Metrics:        reg,
		})
	}

	expectEnsureIndexes(sinkMock)
	expectAbsentWatermark(watermarkMock)
	expectAbsentCheckpoint(checkpointMock)
	expectFreshUpserts(sinkMock, 10) // batches 0 and 1 (records 0-9) succeed
	expectCheckpointSave(checkpointMock)
	expectCheckpointSave(checkpointMock)
	expectLedgerWrite(ledgerMock)

	entry, err := newOrch(true).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPartialSuccess, entry.Status)
	require.Len(t, entry.FailedBatches, 1)
	assert.Equal(t, "A", entry.FailedBatches[0].Source)
	assert.Equal(t, 2, entry.FailedBatches[0].BatchNo)
	assert.Equal(t, 5, entry.FailedBatches[0].RecordCount)
	require.NoError(t, sinkMock.ExpectationsWereMet())
	require.NoError(t, checkpointMock.ExpectationsWereMet())
	require.NoError(t, ledgerMock.ExpectationsWereMet())

	expectCheckpointAt(checkpointMock, 10)
	checkpointValue, err := checkpoints.Get(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, 10, checkpointValue, "resumed checkpoint must be 10 per the mid-batch-crash scenario")
	require.NoError(t, checkpointMock.ExpectationsWereMet())

	expectEnsureIndexes(sinkMock)
	expectAbsentWatermark(watermarkMock)
	expectCheckpointAt(checkpointMock, 10)
	expectFreshUpserts(sinkMock, 10) // batches 2 and 3 (records 10-19)
	expectCheckpointSave(checkpointMock)
	expectCheckpointSave(checkpointMock)
	expectCheckpointClear(checkpointMock)
	expectLedgerWrite(ledgerMock)

	entry2, err := newOrch(false).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSuccess, entry2.Status)
	assert.Equal(t, 10, entry2.RowsProcessed, "zero duplicates: only the 10 records not yet written in run one are counted")
	assert.Empty(t, entry2.FailedBatches)
	require.NoError(t, sinkMock.ExpectationsWereMet())
	require.NoError(t, checkpointMock.ExpectationsWereMet())
	require.NoError(t, ledgerMock.ExpectationsWereMet())
}
