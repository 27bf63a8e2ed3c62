package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"compass/internal/config"
	"compass/pkg/logging"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicateName is returned when an insert violates a scoped-unique
// name index.
var ErrDuplicateName = errors.New("store: duplicate name in scope")

// Store provides access to the relational system of record.
type Store struct {
	db *sqlx.DB
}

// Open connects to the database described by cfg and verifies the
// connection. The caller owns the returned Store and must Close it.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	db, err := sqlx.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleSecs) * time.Second)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logging.Info("Store", "Connected to database")
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection. Used by tests with sqlmock.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside a transaction, committing on nil return and rolling
// back otherwise. The rollback also fires on panic so a failing invariant
// check cannot leave a transaction open.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logging.Warn("Store", "Rollback failed: %v", rbErr)
		}
		return err
	}
	return tx.Commit()
}

// deleteWithCount executes a DELETE wrapped in a counting CTE and returns the
// number of removed rows. query must be the bare DELETE statement with
// positional parameters and no trailing semicolon.
func deleteWithCount(ctx context.Context, q sqlx.ExtContext, query string, args ...interface{}) (int, error) {
	wrapped := fmt.Sprintf("WITH deleted AS (%s RETURNING 1) SELECT count(*) FROM deleted", query)
	var count int
	if err := sqlx.GetContext(ctx, q, &count, wrapped, args...); err != nil {
		return 0, err
	}
	return count, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	type sqlStater interface{ SQLState() string }
	var st sqlStater
	if errors.As(err, &st) {
		return st.SQLState() == "23505"
	}
	return false
}
