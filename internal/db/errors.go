package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrSchemaNotReady is returned when a table is missing, usually before migrations ran.
	ErrSchemaNotReady = errors.New("schema not ready")

	// ErrDuplicate is returned on a unique constraint violation.
	ErrDuplicate = errors.New("duplicate key")

	// ErrStale is returned when a conditional update finds the row already
	// moved on by another writer.
	ErrStale = errors.New("stale write")
)

const (
	pgUndefinedTable   = "42P01"
	pgUniqueViolation  = "23505"
	pgForeignKeyAbsent = "23503"
)

// classify maps driver errors onto the package sentinels, or returns nil
// when the error has no sentinel.
func classify(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUndefinedTable:
			return ErrSchemaNotReady
		case pgUniqueViolation:
			return ErrDuplicate
		case pgForeignKeyAbsent:
			return ErrNotFound
		}
	}
	return nil
}

// wrap annotates err with op, keeping both the sentinel and the cause reachable.
func wrap(op string, err error) error {
	if sentinel := classify(err); sentinel != nil {
		return fmt.Errorf("%s: %w: %w", op, sentinel, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsSchemaNotReady reports whether err signals missing tables.
func IsSchemaNotReady(err error) bool {
	return errors.Is(err, ErrSchemaNotReady)
}
