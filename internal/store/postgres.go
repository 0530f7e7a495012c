package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/fulcrum-sync/internal/db"
	"github.com/sells-group/fulcrum-sync/internal/geo"
	"github.com/sells-group/fulcrum-sync/internal/model"
	"github.com/sells-group/fulcrum-sync/internal/resilience"
)

// PostgresStore implements RecordStore on PostGIS using pgxpool. Geometry
// columns are written from EWKB with SRID 4326.
type PostgresStore struct {
	pool     db.Pool
	closeFn  func()
	attempts int
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
	// RetryAttempts bounds retries of transient write failures. 0 uses the
	// resilience default.
	RetryAttempts int `yaml:"retry_attempts" mapstructure:"retry_attempts"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(1)
	attempts := 0
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
		attempts = poolCfg.RetryAttempts
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, attempts: attempts}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller owns its lifetime.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying pool for subsystems sharing the connection,
// such as the bulk-load run log.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// Close releases the pool when the store created it.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Count implements RecordStore.
func (s *PostgresStore) Count(ctx context.Context, c *model.TargetCollection) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, "SELECT count(*) FROM "+db.QuoteTable(c.Table)).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: count %s", c.Table)
	}
	return n, nil
}

// Exists implements RecordStore.
func (s *PostgresStore) Exists(ctx context.Context, c *model.TargetCollection, externalID string) (bool, error) {
	sql := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s = $1)",
		db.QuoteTable(c.Table), db.QuoteIdent(c.ExternalIDField))

	var ok bool
	if err := s.pool.QueryRow(ctx, sql, externalID).Scan(&ok); err != nil {
		return false, eris.Wrapf(err, "postgres: exists %s/%s", c.Table, externalID)
	}
	return ok, nil
}

// Create implements RecordStore.
func (s *PostgresStore) Create(ctx context.Context, c *model.TargetCollection, rec *model.NormalizedRecord) error {
	r, err := buildRow(c, rec, encodeEWKB)
	if err != nil {
		return err
	}

	placeholders := make([]string, len(r.cols))
	for i := range r.cols {
		placeholders[i] = pgPlaceholder(i+1, i == r.geomIdx)
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		db.QuoteTable(c.Table), db.QuoteColumns(r.cols), strings.Join(placeholders, ", "))

	err = resilience.Do(ctx, resilience.StoreRetry(s.attempts, "create"), func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, sql, r.args...)
		return err
	})
	return classify(err, "create", c.Table, rec.ExternalID)
}

// Update implements RecordStore. The external id column itself is never
// rewritten.
func (s *PostgresStore) Update(ctx context.Context, c *model.TargetCollection, rec *model.NormalizedRecord) (int64, error) {
	r, err := buildRow(c, rec, encodeEWKB)
	if err != nil {
		return 0, err
	}

	var sets []string
	var args []any
	for i, col := range r.cols {
		if col == c.ExternalIDField {
			continue
		}
		args = append(args, r.args[i])
		sets = append(sets, db.QuoteIdent(col)+" = "+pgPlaceholder(len(args), i == r.geomIdx))
	}
	args = append(args, rec.ExternalID)
	where := db.QuoteIdent(c.ExternalIDField) + " = $" + fmt.Sprint(len(args))
	if len(sets) == 0 {
		sets = append(sets, where)
	}
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s", db.QuoteTable(c.Table), strings.Join(sets, ", "), where)

	n, err := resilience.DoVal(ctx, resilience.StoreRetry(s.attempts, "update"), func(ctx context.Context) (int64, error) {
		tag, err := s.pool.Exec(ctx, sql, args...)
		if err != nil {
			return 0, err
		}
		return tag.RowsAffected(), nil
	})
	return n, classify(err, "update", c.Table, rec.ExternalID)
}

// Delete implements RecordStore.
func (s *PostgresStore) Delete(ctx context.Context, c *model.TargetCollection, externalID string) (int64, error) {
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", db.QuoteTable(c.Table), db.QuoteIdent(c.ExternalIDField))

	n, err := resilience.DoVal(ctx, resilience.StoreRetry(s.attempts, "delete"), func(ctx context.Context) (int64, error) {
		tag, err := s.pool.Exec(ctx, sql, externalID)
		if err != nil {
			return 0, err
		}
		return tag.RowsAffected(), nil
	})
	return n, classify(err, "delete", c.Table, externalID)
}

func pgPlaceholder(n int, geometry bool) string {
	if geometry {
		return fmt.Sprintf("ST_GeomFromEWKB($%d)", n)
	}
	return fmt.Sprintf("$%d", n)
}

func encodeEWKB(g geom.T) (any, error) {
	b, err := geo.EncodeEWKB(g)
	if err != nil || b == nil {
		return nil, err
	}
	return b, nil
}
