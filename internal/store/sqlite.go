package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/fulcrum-sync/internal/geo"
	"github.com/sells-group/fulcrum-sync/internal/model"
	"github.com/sells-group/fulcrum-sync/internal/resilience"
)

// SQLiteStore implements RecordStore using modernc.org/sqlite. It has no
// spatial type: geometry columns hold GeoJSON text, and a schema-qualified
// table such as "fulcrum.valves" maps to "fulcrum_valves".
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// DB exposes the handle for callers that manage table definitions.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close implements RecordStore.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Count implements RecordStore.
func (s *SQLiteStore) Count(ctx context.Context, c *model.TargetCollection) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM "+SQLiteTable(c.Table)).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: count %s", c.Table)
	}
	return n, nil
}

// Exists implements RecordStore.
func (s *SQLiteStore) Exists(ctx context.Context, c *model.TargetCollection, externalID string) (bool, error) {
	q := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s = ?)", SQLiteTable(c.Table), sqliteIdent(c.ExternalIDField))

	var ok bool
	if err := s.db.QueryRowContext(ctx, q, externalID).Scan(&ok); err != nil {
		return false, eris.Wrapf(err, "sqlite: exists %s/%s", c.Table, externalID)
	}
	return ok, nil
}

// Create implements RecordStore.
func (s *SQLiteStore) Create(ctx context.Context, c *model.TargetCollection, rec *model.NormalizedRecord) error {
	r, err := buildRow(c, rec, encodeGeoJSONText)
	if err != nil {
		return err
	}

	cols := make([]string, len(r.cols))
	for i, col := range r.cols {
		cols[i] = sqliteIdent(col)
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		SQLiteTable(c.Table), strings.Join(cols, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))

	err = resilience.Do(ctx, resilience.StoreRetry(0, "create"), func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, q, r.args...)
		return err
	})
	return classify(err, "create", c.Table, rec.ExternalID)
}

// Update implements RecordStore.
func (s *SQLiteStore) Update(ctx context.Context, c *model.TargetCollection, rec *model.NormalizedRecord) (int64, error) {
	r, err := buildRow(c, rec, encodeGeoJSONText)
	if err != nil {
		return 0, err
	}

	var sets []string
	var args []any
	for i, col := range r.cols {
		if col == c.ExternalIDField {
			continue
		}
		sets = append(sets, sqliteIdent(col)+" = ?")
		args = append(args, r.args[i])
	}
	if len(sets) == 0 {
		sets = append(sets, sqliteIdent(c.ExternalIDField)+" = ?")
		args = append(args, rec.ExternalID)
	}
	args = append(args, rec.ExternalID)
	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		SQLiteTable(c.Table), strings.Join(sets, ", "), sqliteIdent(c.ExternalIDField))

	n, err := s.exec(ctx, "update", q, args...)
	return n, classify(err, "update", c.Table, rec.ExternalID)
}

// Delete implements RecordStore.
func (s *SQLiteStore) Delete(ctx context.Context, c *model.TargetCollection, externalID string) (int64, error) {
	q := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", SQLiteTable(c.Table), sqliteIdent(c.ExternalIDField))
	n, err := s.exec(ctx, "delete", q, externalID)
	return n, classify(err, "delete", c.Table, externalID)
}

func (s *SQLiteStore) exec(ctx context.Context, op, q string, args ...any) (int64, error) {
	return resilience.DoVal(ctx, resilience.StoreRetry(0, op), func(ctx context.Context) (int64, error) {
		res, err := s.db.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	})
}

// SQLiteTable maps a possibly schema-qualified table to its quoted SQLite name.
func SQLiteTable(table string) string {
	return sqliteIdent(strings.ReplaceAll(table, ".", "_"))
}

func sqliteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func encodeGeoJSONText(g geom.T) (any, error) {
	s, err := geo.EncodeGeoJSON(g)
	if err != nil || s == nil {
		return nil, err
	}
	return *s, nil
}
