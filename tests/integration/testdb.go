// Package integration runs the metering stores and services against a real
// PostgreSQL started with testcontainers.
package integration

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/pagemagic/meter/internal/infrastructure/migration"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const postgresImage = "postgres:16-alpine"

var meteringTables = []string{"usage_events", "meter_buckets", "applied_contributions"}

// postgresServer is the one container every test in the package connects to.
// It is started on first use with the schema migrated.
var postgresServer struct {
	sync.Mutex
	container *tcpostgres.PostgresContainer
	dsn       string
}

// TestDB is a connection to the package container with empty metering tables.
type TestDB struct {
	DB  *gorm.DB
	sql *sql.DB
	t   *testing.T
}

// NewTestDB connects to the package container, starting and migrating it on
// first use, and truncates the metering tables. Tests using it must not run
// in parallel with each other.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()

	dsn, err := postgresDSN(context.Background())
	require.NoError(t, err, "start PostgreSQL container")

	tdb := open(t, dsn)
	t.Cleanup(func() { _ = tdb.sql.Close() })
	tdb.CleanTables()
	return tdb
}

// CleanTables empties the metering tables
func (tdb *TestDB) CleanTables() {
	tdb.t.Helper()
	for _, table := range meteringTables {
		require.NoError(tdb.t, tdb.DB.Exec("TRUNCATE TABLE "+table).Error, "truncate %s", table)
	}
}

func postgresDSN(ctx context.Context) (string, error) {
	postgresServer.Lock()
	defer postgresServer.Unlock()
	if postgresServer.container != nil {
		return postgresServer.dsn, nil
	}

	container, err := tcpostgres.Run(ctx, postgresImage,
		tcpostgres.WithDatabase("meter_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("meter123"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		return "", err
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err == nil {
		err = migrate(dsn)
	}
	if err != nil {
		_ = container.Terminate(ctx)
		return "", err
	}

	postgresServer.container = container
	postgresServer.dsn = dsn
	return dsn, nil
}

func migrate(dsn string) error {
	dir := migrationsDir()
	if dir == "" {
		return errors.New("migrations directory not found")
	}
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	m, err := migration.New(sqlDB, dir, zap.NewNop())
	if err != nil {
		return err
	}
	return m.Up()
}

func open(t *testing.T, dsn string) *TestDB {
	t.Helper()

	level := gormlogger.Silent
	if os.Getenv("TEST_DB_DEBUG") != "" {
		level = gormlogger.Info
	}
	db, err := gorm.Open(gormpostgres.Open(dsn), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(level),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err, "connect to PostgreSQL")

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// the concurrent upsert tests need real parallel connections
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)

	return &TestDB{DB: db, sql: sqlDB, t: t}
}

// migrationsDir walks up from this file to the repository's migrations directory
func migrationsDir() string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return ""
	}
	for dir := filepath.Dir(file); dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
	}
	return ""
}

// terminatePostgres stops the package container, if one was started
func terminatePostgres() {
	postgresServer.Lock()
	defer postgresServer.Unlock()
	if postgresServer.container == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = postgresServer.container.Terminate(ctx)
	postgresServer.container = nil
}
