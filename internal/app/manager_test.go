package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"docmigrate/internal/config"
	"docmigrate/internal/driver"
	"docmigrate/internal/ledger"
	"docmigrate/internal/progress"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func memoryOpener(containers map[string]*driver.Memory) driver.Opener {
	return func(ctx context.Context, cfg driver.ConnectionConfig) (driver.Container, error) {
		c, ok := containers[cfg.Container]
		if !ok {
			return nil, &driver.ConnectionError{Endpoint: cfg.Endpoint, Err: errors.New("container not found")}
		}
		return c, nil
	}
}

func conn(container string) driver.ConnectionConfig {
	return driver.ConnectionConfig{
		Endpoint:   "mongodb://localhost:27017",
		Credential: "secret",
		Database:   "shop",
		Container:  container,
	}
}

func newManager(t *testing.T, containers map[string]*driver.Memory) (*Manager, config.Migration) {
	t.Helper()
	settings := testSettings(t)
	mgr := NewManager(memoryOpener(containers), settings, nil, zaptest.NewLogger(t))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, mgr.Shutdown(ctx))
	})
	return mgr, settings
}

func request(mgr *Manager, src, dst string) StartRequest {
	req := mgr.NewRequest()
	req.Source = conn(src)
	req.Destination = conn(dst)
	return req
}

func waitDone(t *testing.T, mgr *Manager, runID string) RunInfo {
	t.Helper()
	done, err := mgr.Done(runID)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("run %s did not finish", runID)
	}

	info, err := mgr.Get(runID)
	require.NoError(t, err)
	return info
}

func TestManagerRunsMigration(t *testing.T) {
	recs := sourceRecords(10)
	mgr, _ := newManager(t, map[string]*driver.Memory{
		"orders":    driver.NewMemory(recs...),
		"orders_v2": driver.NewMemory(recs[0]),
	})

	runID, err := mgr.Start(context.Background(), request(mgr, "orders", "orders_v2"))
	require.NoError(t, err)
	assert.NotEmpty(t, runID)

	info := waitDone(t, mgr, runID)
	assert.True(t, info.Done)
	assert.Equal(t, progress.StateCompleted, info.State)
	assert.Equal(t, int64(9), info.Migrated)
	assert.Equal(t, int64(1), info.Skipped)
	assert.Empty(t, info.Destination.Credential)

	entries, err := mgr.Entries(runID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.ReasonAlreadyExists, entries[0].Reason)

	list := mgr.List()
	require.Len(t, list, 1)
	assert.Equal(t, runID, list[0].RunID)
}

func TestManagerRejectsSecondRunOnSameDestination(t *testing.T) {
	release := make(chan struct{})
	dst := driver.NewMemory()
	dst.SetFault(func(op string, rec driver.Record, attempt int) error {
		<-release
		return nil
	})

	mgr, _ := newManager(t, map[string]*driver.Memory{
		"a":    driver.NewMemory(sourceRecords(4)...),
		"b":    driver.NewMemory(sourceRecords(4)...),
		"copy": dst,
		"free": driver.NewMemory(),
	})

	first, err := mgr.Start(context.Background(), request(mgr, "a", "copy"))
	require.NoError(t, err)

	_, err = mgr.Start(context.Background(), request(mgr, "b", "copy"))
	assert.ErrorIs(t, err, ErrRunActive)

	other, err := mgr.Start(context.Background(), request(mgr, "b", "free"))
	require.NoError(t, err)
	assert.NotEqual(t, first, other)

	close(release)
	assert.Equal(t, progress.StateCompleted, waitDone(t, mgr, first).State)
	waitDone(t, mgr, other)

	again, err := mgr.Start(context.Background(), request(mgr, "b", "copy"))
	require.NoError(t, err)
	waitDone(t, mgr, again)
}

func TestManagerCancel(t *testing.T) {
	release := make(chan struct{})
	dst := driver.NewMemory()
	dst.SetFault(func(op string, rec driver.Record, attempt int) error {
		<-release
		return nil
	})

	mgr, _ := newManager(t, map[string]*driver.Memory{
		"src": driver.NewMemory(sourceRecords(30)...),
		"dst": dst,
	})

	runID, err := mgr.Start(context.Background(), request(mgr, "src", "dst"))
	require.NoError(t, err)

	require.NoError(t, mgr.Cancel(runID))
	close(release)

	info := waitDone(t, mgr, runID)
	assert.Equal(t, progress.StateCancelled, info.State)
	assert.Less(t, info.Processed(), int64(30))
	assert.Nil(t, info.Validation)
}

func TestManagerConnectionError(t *testing.T) {
	mgr, _ := newManager(t, map[string]*driver.Memory{
		"src": driver.NewMemory(sourceRecords(2)...),
	})

	_, err := mgr.Start(context.Background(), request(mgr, "src", "missing"))
	var connErr *driver.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Empty(t, mgr.List())

	// the destination is not left reserved
	_, err = mgr.Start(context.Background(), request(mgr, "src", "missing"))
	assert.NotErrorIs(t, err, ErrRunActive)
}

func TestManagerInvalidRequest(t *testing.T) {
	mgr, _ := newManager(t, map[string]*driver.Memory{})

	req := request(mgr, "src", "src")
	_, err := mgr.Start(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req = request(mgr, "src", "dst")
	req.Migration.BatchSize = 0
	_, err = mgr.Start(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestManagerUnknownRun(t *testing.T) {
	mgr, _ := newManager(t, map[string]*driver.Memory{})

	_, err := mgr.Get("nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, mgr.Cancel("nope"), ErrRunNotFound)
	_, err = mgr.Entries("nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}
