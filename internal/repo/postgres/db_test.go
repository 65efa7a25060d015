package postgres

import (
	"context"
	"database/sql"
)

// panicDB fails the test loudly if a code path reaches the database.
type panicDB struct{}

func (panicDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	panic("unexpected ExecContext")
}

func (panicDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	panic("unexpected QueryContext")
}

func (panicDB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	panic("unexpected QueryRowContext")
}
