package database

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
)

// Runner is the subset of statement execution shared by DB and Tx
type Runner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	QueryRowxContext(ctx context.Context, query string, args ...any) *sqlx.Row
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
}

// GetRunner returns the open transaction carried by the context when present,
// otherwise the database handle. Repositories execute through this so their
// statements join the caller's transaction.
func GetRunner(ctx context.Context, db DB) Runner {
	tx, ok := ctx.Value(txKey).(Tx)
	if ok && tx != nil && tx.IsOpen() {
		status, ok := ctx.Value(txStatusKey).(string)
		if ok && status == "open" {
			return tx
		}
	}
	return db
}
