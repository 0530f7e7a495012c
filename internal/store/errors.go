package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ConstraintError reports a row the database refused: a duplicate external
// id, a value of the wrong type, a NOT NULL or CHECK violation.
type ConstraintError struct {
	Table      string
	ExternalID string
	Err        error
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("store: %s rejected %s: %v", e.Table, e.ExternalID, e.Err)
}

func (e *ConstraintError) Unwrap() error {
	return e.Err
}

// IsConstraint reports whether err is a database rejection of the row data.
func IsConstraint(err error) bool {
	var ce *ConstraintError
	return errors.As(err, &ce)
}

// classify wraps driver errors, promoting data rejections to
// *ConstraintError. Postgres SQLSTATE class 22 is data exceptions and 23
// integrity violations; SQLite reports both as CONSTRAINT or MISMATCH.
func classify(err error, op, table, externalID string) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23") {
			return &ConstraintError{Table: table, ExternalID: externalID, Err: err}
		}
	}

	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code() & 0xff {
		case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_MISMATCH:
			return &ConstraintError{Table: table, ExternalID: externalID, Err: err}
		}
	}

	return eris.Wrapf(err, "store: %s %s", op, table)
}
