package models

import (
	"encoding/json"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewULID_SortsInCreationOrder(t *testing.T) {
	ids := make([]string, 200)
	for i := range ids {
		ids[i] = NewULID().String()
	}
	assert.True(t, slices.IsSorted(ids))
	assert.Len(t, slices.Compact(slices.Clone(ids)), len(ids))
}

func TestULID_ValueScan(t *testing.T) {
	id := NewULID()

	v, err := id.Value()
	require.NoError(t, err)
	assert.Len(t, v, 26)

	var got ULID
	require.NoError(t, got.Scan(v))
	assert.Equal(t, id, got)
	require.NoError(t, got.Scan([]byte(id.String())))
	assert.Equal(t, id, got)

	require.NoError(t, got.Scan(nil))
	assert.True(t, got.IsZero())
	null, err := ULID{}.Value()
	require.NoError(t, err)
	assert.Nil(t, null)

	assert.Error(t, got.Scan(42))
	assert.Error(t, got.Scan("not-a-ulid"))
}

func TestULID_JSON(t *testing.T) {
	type row struct {
		ID ULID `json:"id"`
	}
	in := row{ID: NewULID()}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"`+in.ID.String()+`"}`, string(data))

	var out row
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in.ID, out.ID)

	empty, err := json.Marshal(row{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":""}`, string(empty))
}

func TestRow_BeforeCreateKeepsExistingKey(t *testing.T) {
	var r Row
	require.NoError(t, r.BeforeCreate(nil))
	assert.False(t, r.ID.IsZero())

	first := r.ID
	require.NoError(t, r.BeforeCreate(nil))
	assert.Equal(t, first, r.ID)
}
