package ledger

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStoreAppendAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	store, err := Open(BackendSQLite, path, "run-1")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Append(Entry{RecordID: "a", PartitionKey: "p", Reason: ReasonAlreadyExists}))
	require.NoError(t, store.Append(Entry{RecordID: "b", Reason: ReasonPermanentFailure, Detail: "throttled"}))

	entries, err := store.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].RecordID)
	assert.Equal(t, "p", entries[0].PartitionKey)
	assert.Equal(t, "run-1", entries[0].RunID)
	assert.Equal(t, ReasonPermanentFailure, entries[1].Reason)
	assert.Equal(t, "throttled", entries[1].Detail)
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestSQLiteStoreKeysByRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	one, err := NewSQLiteStore(path, "one")
	require.NoError(t, err)
	defer one.Close()
	two, err := NewSQLiteStore(path, "two")
	require.NoError(t, err)
	defer two.Close()

	require.NoError(t, one.Append(Entry{RecordID: "a", Reason: ReasonConflict}))
	require.NoError(t, two.Append(Entry{RecordID: "b", Reason: ReasonConflict}))

	entries, err := two.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].RecordID)
}

func TestSQLiteStoreConcurrentAppend(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"), "run")
	require.NoError(t, err)
	defer store.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				assert.NoError(t, store.Append(Entry{RecordID: "r", Reason: ReasonAlreadyExists}))
			}
		}(i)
	}
	wg.Wait()

	entries, err := store.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 80)
}
