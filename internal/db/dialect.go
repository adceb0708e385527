package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == DriverPostgres
}

// InsertReturningID executes an INSERT and returns the auto-generated ID.
//
//	Postgres: appends RETURNING id and scans the result.
//	SQLite:   uses LastInsertId() from the exec result.
//
// Works on both *sqlx.DB and *sqlx.Tx handles.
func InsertReturningID(ctx context.Context, ext sqlx.ExtContext, query string, args ...any) (int64, error) {
	if IsPostgres(ext.DriverName()) {
		var id int64
		err := sqlx.GetContext(ctx, ext, &id, ext.Rebind(query+" RETURNING id"), args...)
		if err != nil {
			return 0, fmt.Errorf("insert returning id: %w", err)
		}
		return id, nil
	}

	result, err := ext.ExecContext(ctx, ext.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}
