package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(id string) Record {
	return Record{ID: id, PartitionKey: id, Fields: map[string]any{"id": id}}
}

func TestMemoryCreateConflict(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Create(ctx, rec("a")))
	assert.ErrorIs(t, m.Create(ctx, rec("a")), ErrConflict)

	n, err := m.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, 1, m.Creates())
}

func TestMemoryUpsertReplaces(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(rec("a"))

	require.NoError(t, m.Upsert(ctx, rec("a")))
	require.NoError(t, m.Upsert(ctx, rec("b")))
	assert.Equal(t, []string{"a", "b"}, m.IDs())
}

func TestMemoryExists(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(rec("a"))

	ok, err := m.Exists(ctx, rec("a"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Exists(ctx, Record{ID: "a", PartitionKey: "other"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryReadAll(t *testing.T) {
	m := NewMemory(rec("a"), rec("b"), rec("c"))

	recCh, errCh := m.ReadAll(context.Background(), 2)
	var ids []string
	for r := range recCh {
		ids = append(ids, r.ID)
	}
	require.NoError(t, <-errCh)
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestMemoryFaultAttempts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.SetFault(func(op string, r Record, attempt int) error {
		if op == "create" && attempt < 3 {
			return Transient(op, errors.New("throttled"))
		}
		return nil
	})

	assert.Error(t, m.Create(ctx, rec("a")))
	assert.Error(t, m.Create(ctx, rec("a")))
	assert.NoError(t, m.Create(ctx, rec("a")))
	assert.True(t, m.Has(rec("a")))
}
