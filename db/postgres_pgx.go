package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDB wraps a pgx connection pool for the workloads that do not want
// ORM overhead: the SLA monitor's periodic deadline scans and the status
// endpoint's read-only lookups. Workers that mutate pipeline state use the
// GORM connection from Connect instead.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// NewPostgresDB creates a pooled pgx connection. The connection string is
// standard PostgreSQL:
//
//	postgresql://[user[:password]@][host][:port][/dbname][?param1=value1&...]
func NewPostgresDB(connString string) (*PostgresDB, error) {
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

// Close closes the connection pool.
func (db *PostgresDB) Close() {
	db.pool.Close()
}

// Exec executes a SQL statement and returns the number of affected rows.
func (db *PostgresDB) Exec(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	tag, err := db.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Query executes a query that returns rows. Caller must call rows.Close().
func (db *PostgresDB) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return db.pool.Query(ctx, sql, args...)
}

// QueryRow executes a query that returns a single row.
func (db *PostgresDB) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return db.pool.QueryRow(ctx, sql, args...)
}

// Pool returns the underlying pool for transactions and batch operations.
func (db *PostgresDB) Pool() *pgxpool.Pool {
	return db.pool
}
