package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"docmigrate/internal/app"
	"docmigrate/internal/config"
	"docmigrate/internal/driver"
	"docmigrate/internal/ledger"
	"docmigrate/internal/metrics"
	"docmigrate/internal/progress"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func records(n int) []driver.Record {
	recs := make([]driver.Record, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("doc-%d", i)
		recs = append(recs, driver.Record{ID: id, PartitionKey: id, Fields: map[string]any{"id": id}})
	}
	return recs
}

func newTestServer(t *testing.T, containers map[string]*driver.Memory) (*httptest.Server, *app.Manager) {
	t.Helper()

	settings := config.Default().Migration
	settings.BatchSize = 2
	settings.RetryBackoffMs = 1
	settings.RetryMaxBackoffMs = 1
	settings.LedgerPath = t.TempDir()

	opener := func(ctx context.Context, cfg driver.ConnectionConfig) (driver.Container, error) {
		c, ok := containers[cfg.Container]
		if !ok {
			return nil, &driver.ConnectionError{Endpoint: cfg.Endpoint, Err: errors.New("no such container")}
		}
		return c, nil
	}

	logger := zaptest.NewLogger(t)
	collector := metrics.New()
	mgr := app.NewManager(opener, settings, collector, logger)
	srv := httptest.NewServer(New(mgr, collector, logger).Handler())

	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, mgr.Shutdown(ctx))
	})
	return srv, mgr
}

func startBody(src, dst string) string {
	return fmt.Sprintf(`{
		"source": {"endpoint": "mongodb://db:27017", "credential": "s3cr3t", "database_name": "shop", "container_name": %q},
		"destination": {"endpoint": "mongodb://db:27017", "credential": "s3cr3t", "database_name": "shop", "container_name": %q},
		"migration": {"batch_size": 3}
	}`, src, dst)
}

func post(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func startRun(t *testing.T, srv *httptest.Server, src, dst string) string {
	t.Helper()
	resp, body := post(t, srv.URL+"/api/v1/migrations", startBody(src, dst))
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var out map[string]string
	require.NoError(t, json.Unmarshal(body, &out))
	require.NotEmpty(t, out["run_id"])
	return out["run_id"]
}

func wait(t *testing.T, mgr *app.Manager, runID string) {
	t.Helper()
	done, err := mgr.Done(runID)
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
	}
}

func TestStartAndGetMigration(t *testing.T) {
	recs := records(7)
	srv, mgr := newTestServer(t, map[string]*driver.Memory{
		"users":      driver.NewMemory(recs...),
		"users_copy": driver.NewMemory(recs[3]),
	})

	runID := startRun(t, srv, "users", "users_copy")
	wait(t, mgr, runID)

	resp, body := get(t, srv.URL+"/api/v1/migrations/"+runID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(body), "s3cr3t")

	var info app.RunInfo
	require.NoError(t, json.Unmarshal(body, &info))
	assert.Equal(t, progress.StateCompleted, info.State)
	assert.Equal(t, int64(6), info.Migrated)
	assert.Equal(t, int64(1), info.Skipped)
	require.NotNil(t, info.Validation)
	assert.True(t, info.Validation.Matched)

	resp, body = get(t, srv.URL+"/api/v1/migrations/"+runID+"/skipped")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []ledger.Entry
	require.NoError(t, json.Unmarshal(body, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "doc-3", entries[0].RecordID)

	resp, body = get(t, srv.URL+"/api/v1/migrations")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), runID)
}

func TestStartErrors(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	busy := driver.NewMemory()
	busy.SetFault(func(op string, rec driver.Record, attempt int) error {
		<-release
		return nil
	})
	srv, _ := newTestServer(t, map[string]*driver.Memory{
		"src":  driver.NewMemory(records(3)...),
		"busy": busy,
	})

	startRun(t, srv, "src", "busy")

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed body", `{"source":`, http.StatusBadRequest},
		{"same container", startBody("src", "src"), http.StatusBadRequest},
		{"destination busy", startBody("src", "busy"), http.StatusConflict},
		{"unreachable destination", startBody("src", "nowhere"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := post(t, srv.URL+"/api/v1/migrations", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, string(body))
		})
	}
}

func TestUnknownMigration(t *testing.T) {
	srv, _ := newTestServer(t, map[string]*driver.Memory{})

	resp, _ := get(t, srv.URL+"/api/v1/migrations/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = post(t, srv.URL+"/api/v1/migrations/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelMigration(t *testing.T) {
	release := make(chan struct{})
	dst := driver.NewMemory()
	dst.SetFault(func(op string, rec driver.Record, attempt int) error {
		<-release
		return nil
	})
	srv, mgr := newTestServer(t, map[string]*driver.Memory{
		"src": driver.NewMemory(records(20)...),
		"dst": dst,
	})

	runID := startRun(t, srv, "src", "dst")

	resp, _ := post(t, srv.URL+"/api/v1/migrations/"+runID+"/cancel", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	close(release)
	wait(t, mgr, runID)

	info, err := mgr.Get(runID)
	require.NoError(t, err)
	assert.Equal(t, progress.StateCancelled, info.State)
}

func TestEventStreamOfFinishedRun(t *testing.T) {
	srv, mgr := newTestServer(t, map[string]*driver.Memory{
		"src": driver.NewMemory(records(4)...),
		"dst": driver.NewMemory(),
	})

	runID := startRun(t, srv, "src", "dst")
	wait(t, mgr, runID)

	resp, body := get(t, srv.URL+"/api/v1/migrations/"+runID+"/events")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.True(t, strings.HasPrefix(string(body), "event: status\ndata: "))
	assert.Contains(t, string(body), `"state":"completed"`)
}

func TestWebSocketEvents(t *testing.T) {
	release := make(chan struct{})
	dst := driver.NewMemory()
	dst.SetFault(func(op string, rec driver.Record, attempt int) error {
		<-release
		return nil
	})
	srv, _ := newTestServer(t, map[string]*driver.Memory{
		"src": driver.NewMemory(records(5)...),
		"dst": dst,
	})

	runID := startRun(t, srv, "src", "dst")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/migrations/" + runID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first message
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "status", first.Type)
	require.NotNil(t, first.Status)
	assert.Equal(t, runID, first.Status.RunID)

	close(release)

	var types []string
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		var m message
		if err := conn.ReadJSON(&m); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		types = append(types, m.Type)
	}

	assert.Contains(t, types, string(progress.EventRunCompleted))
	assert.Contains(t, types, string(progress.EventValidationCompleted))
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, map[string]*driver.Memory{})

	resp, body := get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, body = get(t, srv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "docmigrate_inflight_workers")
}
