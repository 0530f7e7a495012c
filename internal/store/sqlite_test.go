package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/fulcrum-sync/internal/model"
)

const valvesDDL = `
CREATE TABLE fulcrum_valves (
	fulcrum_id TEXT NOT NULL UNIQUE,
	name       TEXT,
	valve_size INTEGER CHECK (valve_size IS NULL OR valve_size > 0),
	geometry   TEXT
);
`

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	_, err = st.DB().Exec(valvesDDL)
	require.NoError(t, err)
	return st
}

func TestSQLite_CreateAndCount(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	c := valves(t)

	n, err := st.Count(ctx, c)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, st.Create(ctx, c, valveRecord()))

	n, err = st.Count(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ok, err := st.Exists(ctx, c, "abc")
	require.NoError(t, err)
	assert.True(t, ok)

	var name string
	var size int64
	var geometry sql.NullString
	err = st.DB().QueryRow(`SELECT name, valve_size, geometry FROM fulcrum_valves WHERE fulcrum_id = 'abc'`).
		Scan(&name, &size, &geometry)
	require.NoError(t, err)
	assert.Equal(t, "Main St", name)
	assert.Equal(t, int64(8), size)
	require.True(t, geometry.Valid)
	assert.JSONEq(t, `{"type":"Point","coordinates":[-96.7,32.8]}`, geometry.String)
}

func TestSQLite_CreateDuplicate(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	c := valves(t)

	require.NoError(t, st.Create(ctx, c, valveRecord()))
	err := st.Create(ctx, c, valveRecord())

	var ce *ConstraintError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "abc", ce.ExternalID)

	n, err := st.Count(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSQLite_CheckViolation(t *testing.T) {
	st := newTestSQLiteStore(t)
	rec := valveRecord()
	rec.Fields["valve_size"] = int64(-1)

	err := st.Create(context.Background(), valves(t), rec)
	assert.True(t, IsConstraint(err))
}

func TestSQLite_UpdateIsIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	c := valves(t)
	require.NoError(t, st.Create(ctx, c, valveRecord()))

	rec := valveRecord()
	rec.Fields["name"] = "Elm St"
	rec.Geometry = nil

	for i := 0; i < 2; i++ {
		n, err := st.Update(ctx, c, rec)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	}

	var name string
	var geometry sql.NullString
	require.NoError(t, st.DB().QueryRow(`SELECT name, geometry FROM fulcrum_valves`).Scan(&name, &geometry))
	assert.Equal(t, "Elm St", name)
	assert.False(t, geometry.Valid)

	count, err := st.Count(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSQLite_UpdateMissing(t *testing.T) {
	st := newTestSQLiteStore(t)

	n, err := st.Update(context.Background(), valves(t), valveRecord())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLite_Delete(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	c := valves(t)
	require.NoError(t, st.Create(ctx, c, valveRecord()))

	n, err := st.Delete(ctx, c, "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = st.Delete(ctx, c, "abc")
	require.NoError(t, err)
	assert.Zero(t, n)

	ok, err := st.Exists(ctx, c, "abc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLite_TimeValues(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	_, err := st.DB().Exec(`CREATE TABLE inspections (fulcrum_id TEXT UNIQUE, inspected_on DATE)`)
	require.NoError(t, err)

	c, err := model.NewTargetCollection("inspections", "", model.MustSchema(
		model.Field{Name: "fulcrum_id", Type: model.Text},
		model.Field{Name: "inspected_on", Type: model.Date},
	), nil)
	require.NoError(t, err)

	day := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.Create(ctx, c, &model.NormalizedRecord{
		ExternalID: "i-1",
		Fields:     map[string]any{"inspected_on": day},
	}))

	var got time.Time
	require.NoError(t, st.DB().QueryRow(`SELECT inspected_on FROM inspections`).Scan(&got))
	assert.True(t, day.Equal(got))
}

func TestSQLiteTable(t *testing.T) {
	assert.Equal(t, `"fulcrum_valves"`, SQLiteTable("fulcrum.valves"))
	assert.Equal(t, `"odd""name"`, SQLiteTable(`odd"name`))
}
