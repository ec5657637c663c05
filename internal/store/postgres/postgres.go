// Package postgres implements the store.Store interface backed by PostgreSQL
// with the pgvector extension for similarity queries.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/alfredjeanlab/newsflow/internal/model"
	"github.com/alfredjeanlab/newsflow/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements store.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) NearestEvent(ctx context.Context, embedding []float32, window time.Duration) (*store.NeighborMatch, error) {
	return queryNearestEvent(ctx, s.db, embedding, window)
}

func (s *PostgresStore) InsertEventEmbedding(ctx context.Context, eventID string, embedding []float32, publishedAt time.Time) error {
	return queryInsertEventEmbedding(ctx, s.db, eventID, embedding, publishedAt)
}

func (s *PostgresStore) RecordDedup(ctx context.Context, rec *model.DedupRecord) error {
	return queryRecordDedup(ctx, s.db, rec)
}

func (s *PostgresStore) GetDedup(ctx context.Context, articleID string) (*model.DedupRecord, error) {
	return queryGetDedup(ctx, s.db, articleID)
}

func (s *PostgresStore) TryReserve(ctx context.Context, subscriberID, eventID string, lease time.Duration) (store.ReserveStatus, error) {
	return queryTryReserve(ctx, s.db, subscriberID, eventID, lease)
}

func (s *PostgresStore) CommitReservation(ctx context.Context, subscriberID, eventID string) error {
	return queryCommitReservation(ctx, s.db, subscriberID, eventID)
}

func (s *PostgresStore) ReleaseReservation(ctx context.Context, subscriberID, eventID string) error {
	return queryReleaseReservation(ctx, s.db, subscriberID, eventID)
}

func (s *PostgresStore) PurgeNotifications(ctx context.Context, retention time.Duration) (int64, error) {
	return queryPurgeNotifications(ctx, s.db, retention)
}

func (s *PostgresStore) PruneIndex(ctx context.Context, window time.Duration) (int64, error) {
	return queryPruneIndex(ctx, s.db, window)
}

func (s *PostgresStore) ListPreferences(ctx context.Context) ([]*model.SubscriberPreference, error) {
	return queryListPreferences(ctx, s.db)
}

func (s *PostgresStore) AddDeadLetter(ctx context.Context, dl *model.DeadLetter) error {
	return queryAddDeadLetter(ctx, s.db, dl)
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, since time.Time) ([]*model.DeadLetter, error) {
	return queryListDeadLetters(ctx, s.db, since)
}
