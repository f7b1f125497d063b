package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecord(t *testing.T) {
	fields := map[string]any{
		"id":     "order-1",
		"tenant": map[string]any{"region": "eu"},
		"total":  42,
	}

	rec, err := NewRecord(fields, "/tenant/region")
	require.NoError(t, err)
	assert.Equal(t, "order-1", rec.ID)
	assert.Equal(t, "eu", rec.PartitionKey)
	assert.Equal(t, "eu\x00order-1", rec.Ref())
}

func TestNewRecordFallsBackToUnderscoreID(t *testing.T) {
	rec, err := NewRecord(map[string]any{"_id": 7}, "")
	require.NoError(t, err)
	assert.Equal(t, "7", rec.ID)
	assert.Empty(t, rec.PartitionKey)
}

func TestNewRecordWithoutID(t *testing.T) {
	_, err := NewRecord(map[string]any{"name": "x"}, "")
	assert.Error(t, err)
}

func TestPartitionKeyValue(t *testing.T) {
	fields := map[string]any{"id": "a", "pk": "p1", "nested": map[string]any{"k": 3}}

	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{"", "a", true},
		{"/pk", "p1", true},
		{"/nested/k", "3", true},
		{"/nested", "", false},
		{"/missing", "", false},
		{"/pk/deeper", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := PartitionKeyValue(fields, tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPartitionKeyField(t *testing.T) {
	assert.Equal(t, "id", PartitionKeyField(""))
	assert.Equal(t, "tenant.region", PartitionKeyField("/tenant/region"))
}
