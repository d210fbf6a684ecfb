package storage

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestPutGetRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	want := doc{Name: "rabbit", Count: 3}
	require.NoError(t, s.Put(ctx, []string{"avatar-cache", "abc"}, want))

	var got doc
	require.NoError(t, s.Get(ctx, []string{"avatar-cache", "abc"}, &got))
	assert.Equal(t, want, got)
}

func TestGetMissing(t *testing.T) {
	s := New(t.TempDir())
	var got doc
	err := s.Get(context.Background(), []string{"nope"}, &got)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutOverwrites(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, []string{"d"}, doc{Count: 1}))
	require.NoError(t, s.Put(ctx, []string{"d"}, doc{Count: 2}))

	var got doc
	require.NoError(t, s.Get(ctx, []string{"d"}, &got))
	assert.Equal(t, 2, got.Count)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, []string{"d"}, doc{}))
	require.NoError(t, s.Delete(ctx, []string{"d"}))
	require.NoError(t, s.Delete(ctx, []string{"d"}))

	var got doc
	assert.ErrorIs(t, s.Get(ctx, []string{"d"}, &got), ErrNotFound)
}

func TestScan(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, []string{"cache", "a"}, doc{Name: "a"}))
	require.NoError(t, s.Put(ctx, []string{"cache", "b"}, doc{Name: "b"}))
	require.NoError(t, s.Put(ctx, []string{"other", "c"}, doc{Name: "c"}))

	seen := map[string]string{}
	err := s.Scan(ctx, []string{"cache"}, func(key string, raw json.RawMessage) error {
		var d doc
		require.NoError(t, json.Unmarshal(raw, &d))
		seen[key] = d.Name
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "a", "b": "b"}, seen)
}

func TestScanMissingDirIsEmpty(t *testing.T) {
	s := New(t.TempDir())
	err := s.Scan(context.Background(), []string{"ghost"}, func(string, json.RawMessage) error {
		t.Fatal("callback for empty scan")
		return nil
	})
	assert.NoError(t, err)
}
