//go:build !integration

package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/fulcrum-sync/internal/config"
	"github.com/sells-group/fulcrum-sync/internal/store"
)

const testRegistryYAML = `
collections:
  - name: valves
    form_id: form-valves
    share_token: tok-valves
    table: fulcrum.valves
    fields:
      - {name: fulcrum_id, type: text}
      - {name: name, type: CharField}
      - {name: valve_size, type: BigIntegerField}
      - {name: geometry, type: PointField}
`

const testValvesDDL = `
CREATE TABLE fulcrum_valves (
	fulcrum_id TEXT NOT NULL UNIQUE,
	name       TEXT,
	valve_size INTEGER,
	geometry   TEXT
);
`

func feature(id, name string, size int) string {
	return fmt.Sprintf(`{"type":"Feature","id":%q,"properties":{"fulcrum_id":%q,"name":%q,"valve_size":"%d"},"geometry":{"type":"Point","coordinates":[-96.7,32.8]}}`,
		id, id, name, size)
}

// shareServer serves two records on page 1 and an empty page 2.
func shareServer(t *testing.T, pageRequests *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/shares/tok-valves.geojson" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		q := r.URL.Query()
		switch {
		case q.Get("fulcrum_id") == "rec-1":
			fmt.Fprintf(w, `{"type":"FeatureCollection","features":[%s]}`, feature("rec-1", "Main St (renamed)", 12))
		case q.Get("fulcrum_id") != "":
			fmt.Fprint(w, `{"type":"FeatureCollection","features":[]}`)
		case q.Get("page") == "1":
			pageRequests.Add(1)
			fmt.Fprintf(w, `{"type":"FeatureCollection","features":[%s,%s]}`,
				feature("rec-1", "Main St", 8), feature("rec-2", "Elm St", 6))
		default:
			pageRequests.Add(1)
			fmt.Fprint(w, `{"type":"FeatureCollection","features":[]}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()

	regPath := filepath.Join(dir, "collections.yaml")
	require.NoError(t, os.WriteFile(regPath, []byte(testRegistryYAML), 0o644))

	dbPath := filepath.Join(dir, "sync.db")
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(testValvesDDL)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	c := &config.Config{}
	c.Store.Driver = "sqlite"
	c.Store.DatabaseURL = dbPath
	c.Fulcrum.BaseURL = baseURL
	c.Fulcrum.TimeoutSecs = 5
	c.Fulcrum.RateLimit = 100
	c.Registry.Path = regPath
	c.Sync.Workers = 1
	c.Sync.QueueSize = 8
	c.Sync.Strict = true
	c.Sync.SerializeRecords = true
	c.Server.Port = 8080
	return c
}

func decodeResult(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	buf.Reset()
	return out
}

func TestRunSync_EndToEnd(t *testing.T) {
	var pages atomic.Int32
	srv := shareServer(t, &pages)
	ctx := context.Background()

	env, err := initEnv(ctx, testConfig(t, srv.URL), "sync")
	require.NoError(t, err)
	defer env.Close()

	var buf bytes.Buffer

	// Empty collection: any event bulk loads the share.
	require.NoError(t, runSync(ctx, env, "valves", "rec-1", "update", &buf))
	res := decodeResult(t, &buf)
	assert.Equal(t, "bulk_load", res["action"])
	assert.Equal(t, 2.0, res["created"])
	assert.Equal(t, int32(2), pages.Load(), "page 1 then the empty page 2")

	c, err := env.Registry.ByName("valves")
	require.NoError(t, err)
	n, err := env.Store.Count(ctx, c.Collection)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Populated: update in place by form id.
	require.NoError(t, runSync(ctx, env, "form-valves", "rec-1", "record.update", &buf))
	res = decodeResult(t, &buf)
	assert.Equal(t, "update", res["action"])
	assert.Equal(t, 1.0, res["updated"])

	sqliteDB := env.Store.(*store.SQLiteStore).DB()
	var name string
	var size int64
	require.NoError(t, sqliteDB.QueryRow(`SELECT name, valve_size FROM fulcrum_valves WHERE fulcrum_id = 'rec-1'`).Scan(&name, &size))
	assert.Equal(t, "Main St (renamed)", name)
	assert.Equal(t, int64(12), size)

	// Delete needs no fetch.
	require.NoError(t, runSync(ctx, env, "valves", "rec-2", "delete", &buf))
	res = decodeResult(t, &buf)
	assert.Equal(t, "delete", res["action"])
	assert.Equal(t, 1.0, res["deleted"])

	n, err = env.Store.Count(ctx, c.Collection)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int32(2), pages.Load(), "populated collection never walks again")
}

func TestRunSync_UnknownForm(t *testing.T) {
	var pages atomic.Int32
	srv := shareServer(t, &pages)
	ctx := context.Background()

	env, err := initEnv(ctx, testConfig(t, srv.URL), "sync")
	require.NoError(t, err)
	defer env.Close()

	err = runSync(ctx, env, "nope", "rec-1", "update", &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "form not registered")
}

func TestRunSync_BadEventType(t *testing.T) {
	var pages atomic.Int32
	srv := shareServer(t, &pages)
	ctx := context.Background()

	env, err := initEnv(ctx, testConfig(t, srv.URL), "sync")
	require.NoError(t, err)
	defer env.Close()

	err = runSync(ctx, env, "valves", "rec-1", "upsert", &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event type")
}

func TestInitEnv_InvalidConfig(t *testing.T) {
	c := testConfig(t, "http://127.0.0.1:1")
	c.Store.DatabaseURL = ""

	_, err := initEnv(context.Background(), c, "sync")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestInitEnv_MissingRegistry(t *testing.T) {
	c := testConfig(t, "http://127.0.0.1:1")
	c.Registry.Path = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := initEnv(context.Background(), c, "sync")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry: open file")
}

func TestInitEnv_RunLogOnlyForPostgres(t *testing.T) {
	c := testConfig(t, "http://127.0.0.1:1")

	env, err := initEnv(context.Background(), c, "sync")
	require.NoError(t, err)
	defer env.Close()
	assert.Nil(t, env.RunLog)
	assert.NotNil(t, env.Metrics)
	assert.NotNil(t, env.Engine)
}

func TestInitStore_Unsupported(t *testing.T) {
	_, err := initStore(context.Background(), config.StoreConfig{Driver: "mysql"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitStore_SQLite(t *testing.T) {
	st, err := initStore(context.Background(), config.StoreConfig{
		Driver:      "sqlite",
		DatabaseURL: filepath.Join(t.TempDir(), "s.db"),
	})
	require.NoError(t, err)
	assert.IsType(t, &store.SQLiteStore{}, st)
	require.NoError(t, st.Close())
}

func TestInitClient_UsesConfiguredHost(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		fmt.Fprint(w, `{"type":"FeatureCollection","features":[]}`)
	}))
	defer srv.Close()

	client := initClient(config.FulcrumConfig{
		BaseURL:     srv.URL,
		TimeoutSecs: 5,
		RateLimit:   50,
		UserAgent:   "fulcrum-sync-test",
	})
	assert.Equal(t, srv.URL+"/shares/tok.geojson", client.ShareURL("tok"))

	records, err := client.FetchOne(context.Background(), "tok", "rec-1")
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, "fulcrum-sync-test", gotUA)
}

func TestClientLimiters_KeyedByHostAndPort(t *testing.T) {
	limiters := clientLimiters(config.FulcrumConfig{
		BaseURL:   "http://127.0.0.1:8089",
		RateLimit: 50,
	})

	lim, ok := limiters["127.0.0.1:8089"]
	require.True(t, ok)
	assert.Equal(t, rate.Limit(50), lim.Limit())
	assert.NotContains(t, limiters, "127.0.0.1")
	assert.Contains(t, limiters, "web.fulcrumapp.com")
}

func TestClientLimiters_DefaultHostOverride(t *testing.T) {
	limiters := clientLimiters(config.FulcrumConfig{
		BaseURL:   "https://web.fulcrumapp.com",
		RateLimit: 2,
	})
	assert.Equal(t, rate.Limit(2), limiters["web.fulcrumapp.com"].Limit())
}

func TestClientLimiters_NoRateKeepsDefaults(t *testing.T) {
	limiters := clientLimiters(config.FulcrumConfig{BaseURL: "http://localhost:9000"})
	assert.NotContains(t, limiters, "localhost:9000")
}
