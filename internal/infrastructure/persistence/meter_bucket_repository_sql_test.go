package persistence

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/pagemagic/meter/internal/domain/metering"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func newMockBucketRepository(t *testing.T) (*GormMeterBucketRepository, sqlmock.Sqlmock, *sql.DB) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	dialector := postgres.New(postgres.Config{
		Conn:       mockDB,
		DriverName: "postgres",
	})
	gormDB, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	return NewGormMeterBucketRepository(gormDB), mock, mockDB
}

func TestGormMeterBucketRepository_UpsertStatement(t *testing.T) {
	tests := []struct {
		name  string
		kind  metering.AggregationKind
		merge string
	}{
		{"count", metering.AggregationCount, `"value"=meter_buckets\.value \+ excluded\.value`},
		{"sum", metering.AggregationSum, `"value"=meter_buckets\.value \+ excluded\.value`},
		{"average", metering.AggregationAverage, `"value"=meter_buckets\.value \+ excluded\.value`},
		{"max", metering.AggregationMax, `"value"=CASE WHEN excluded\.value > meter_buckets\.value`},
		{"min", metering.AggregationMin, `"value"=CASE WHEN excluded\.value < meter_buckets\.value`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock, mockDB := newMockBucketRepository(t)
			defer mockDB.Close()

			mock.ExpectExec(`INSERT INTO "meter_buckets" .* ON CONFLICT \("meter_name","subject_id","period_start"\) DO UPDATE SET .*` + tt.merge).
				WillReturnResult(sqlmock.NewResult(0, 1))

			outcome, err := repo.Upsert(context.Background(), contribution("m", "user-1", tt.kind, bucketHour, 3))
			require.NoError(t, err)
			assert.Equal(t, metering.UpsertApplied, outcome)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestGormMeterBucketRepository_UpsertSkipsSyncedRows(t *testing.T) {
	repo, mock, mockDB := newMockBucketRepository(t)
	defer mockDB.Close()

	mock.ExpectExec(`INSERT INTO "meter_buckets" .* DO UPDATE SET .* WHERE meter_buckets\.synced = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	outcome, err := repo.Upsert(context.Background(), contribution("m", "user-1", metering.AggregationSum, bucketHour, 3))
	require.NoError(t, err)
	assert.Equal(t, metering.UpsertPeriodBilled, outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormMeterBucketRepository_UpsertLedgerStatements(t *testing.T) {
	ledger := `INSERT INTO "applied_contributions" .* ON CONFLICT \("event_id","meter_name"\) DO NOTHING`
	bucket := `INSERT INTO "meter_buckets" .* ON CONFLICT`

	withEvent := contribution("m", "user-1", metering.AggregationSum, bucketHour, 3)
	withEvent.EventID = uuid.MustParse("5b0a3b4e-8d55-4b8e-9f0e-3f1f2c6a7d10")

	t.Run("first delivery", func(t *testing.T) {
		repo, mock, mockDB := newMockBucketRepository(t)
		defer mockDB.Close()

		mock.ExpectBegin()
		mock.ExpectExec(ledger).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(bucket).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		outcome, err := repo.Upsert(context.Background(), withEvent)
		require.NoError(t, err)
		assert.Equal(t, metering.UpsertApplied, outcome)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("redelivery leaves the bucket alone", func(t *testing.T) {
		repo, mock, mockDB := newMockBucketRepository(t)
		defer mockDB.Close()

		mock.ExpectBegin()
		mock.ExpectExec(ledger).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		outcome, err := repo.Upsert(context.Background(), withEvent)
		require.NoError(t, err)
		assert.Equal(t, metering.UpsertDuplicate, outcome)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("synced bucket rolls back the ledger row", func(t *testing.T) {
		repo, mock, mockDB := newMockBucketRepository(t)
		defer mockDB.Close()

		mock.ExpectBegin()
		mock.ExpectExec(ledger).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(bucket).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		outcome, err := repo.Upsert(context.Background(), withEvent)
		require.NoError(t, err)
		assert.Equal(t, metering.UpsertPeriodBilled, outcome)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("bucket failure", func(t *testing.T) {
		repo, mock, mockDB := newMockBucketRepository(t)
		defer mockDB.Close()

		mock.ExpectBegin()
		mock.ExpectExec(ledger).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(bucket).WillReturnError(errors.New("connection reset"))
		mock.ExpectRollback()

		_, err := repo.Upsert(context.Background(), withEvent)
		assert.ErrorIs(t, err, metering.ErrStorageUnavailable)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGormMeterBucketRepository_MarkSyncedStatement(t *testing.T) {
	key := metering.BucketKey{MeterName: "page_generate", SubjectID: "user-1", PeriodStart: bucketHour}

	t.Run("row updated", func(t *testing.T) {
		repo, mock, mockDB := newMockBucketRepository(t)
		defer mockDB.Close()

		mock.ExpectExec(`UPDATE "meter_buckets" SET .* WHERE \(meter_name = \$\d+ AND subject_id = \$\d+ AND period_start = \$\d+\) AND synced = \$\d+`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := repo.MarkSynced(context.Background(), key, bucketHour.Add(2*time.Hour))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already synced", func(t *testing.T) {
		repo, mock, mockDB := newMockBucketRepository(t)
		defer mockDB.Close()

		mock.ExpectExec(`UPDATE "meter_buckets" SET`).
			WillReturnResult(sqlmock.NewResult(0, 0))

		ok, err := repo.MarkSynced(context.Background(), key, bucketHour.Add(2*time.Hour))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("database error", func(t *testing.T) {
		repo, mock, mockDB := newMockBucketRepository(t)
		defer mockDB.Close()

		mock.ExpectExec(`UPDATE "meter_buckets" SET`).
			WillReturnError(errors.New("connection refused"))

		_, err := repo.MarkSynced(context.Background(), key, bucketHour.Add(2*time.Hour))
		assert.ErrorIs(t, err, metering.ErrStorageUnavailable)
	})
}

func TestGormMeterBucketRepository_RecordSyncFailureStatement(t *testing.T) {
	repo, mock, mockDB := newMockBucketRepository(t)
	defer mockDB.Close()

	mock.ExpectExec(`UPDATE "meter_buckets" SET .*"sync_attempts"=sync_attempts \+ 1`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	key := metering.BucketKey{MeterName: "page_generate", SubjectID: "user-1", PeriodStart: bucketHour}
	err := repo.RecordSyncFailure(context.Background(), key, metering.SyncFailure{Error: "boom", FailedAt: bucketHour})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormMeterBucketRepository_FindSyncableQuery(t *testing.T) {
	repo, mock, mockDB := newMockBucketRepository(t)
	defer mockDB.Close()

	rows := sqlmock.NewRows([]string{"id", "meter_name", "subject_id", "period_start", "period_end", "value", "sample_count", "synced"}).
		AddRow("0b6d6a7e-3c56-4c7b-9a38-4a5f3f0c2d11", "page_generate", "user-1", bucketHour, bucketHour.Add(time.Hour), 3.0, 3, false)

	mock.ExpectQuery(`SELECT \* FROM "meter_buckets" WHERE \(synced = \$1 AND dead_lettered = \$2\) AND period_end <= \$3 AND \(next_sync_at IS NULL OR next_sync_at <= \$4\) ORDER BY period_start ASC LIMIT .*`).
		WillReturnRows(rows)

	now := bucketHour.Add(3 * time.Hour)
	buckets, err := repo.FindSyncable(context.Background(), now.Add(-time.Hour), now, 50)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, "page_generate", buckets[0].MeterName)
	assert.Equal(t, float64(3), buckets[0].Value)
	assert.NoError(t, mock.ExpectationsWereMet())
}
