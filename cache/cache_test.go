package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/cascade/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), uuid.NewString()+".db")
	store, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestPutGetDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	put, err := store.Put(ctx, Entry{Key: "k1", Source: "net.toml", NumAgents: 5, Stream: []byte("ENCS...")})
	require.NoError(t, err)
	_, err = uuid.Parse(put.ID)
	require.NoError(t, err)

	got, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, put.ID, got.ID)
	assert.Equal(t, "net.toml", got.Source)
	assert.Equal(t, 5, got.NumAgents)
	assert.Equal(t, []byte("ENCS..."), got.Stream)
	assert.Equal(t, put.CreatedAt, got.CreatedAt)
	assert.Equal(t, 1, got.Hits)

	got, err = store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Hits)

	require.NoError(t, store.Delete(ctx, "k1"))
	_, err = store.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "k1"), ErrNotFound)
}

func TestPutReplacesKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Put(ctx, Entry{Key: "k", Stream: []byte{1}})
	require.NoError(t, err)
	_, err = store.Get(ctx, "k")
	require.NoError(t, err)
	second, err := store.Put(ctx, Entry{Key: "k", Stream: []byte{2, 3}})
	require.NoError(t, err)

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
	assert.Equal(t, []byte{2, 3}, got.Stream)
	assert.Equal(t, 1, got.Hits)

	_, err = store.Put(ctx, Entry{Stream: []byte{1}})
	assert.Error(t, err)
}

func TestList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, key := range []string{"old", "new"} {
		_, err := store.Put(ctx, Entry{Key: key, Stream: []byte{byte(i)}, CreatedAt: base.Add(time.Duration(i) * time.Hour)})
		require.NoError(t, err)
	}

	entries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "new", entries[0].Key)
	assert.Equal(t, "old", entries[1].Key)
	assert.Nil(t, entries[0].Stream)
	assert.Equal(t, base, entries[1].CreatedAt)
}

func TestKey(t *testing.T) {
	t.Parallel()
	desc := []byte("[[buffer]]\nname = \"input\"\n")
	cfg := config.Default()

	k1, err := Key(desc, cfg)
	require.NoError(t, err)
	assert.Len(t, k1, 64)

	// Logging and cache settings never change the output.
	quiet := cfg
	quiet.Logging.Level = "error"
	quiet.Cache.Enabled = true
	k2, err := Key(desc, quiet)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	tests := []struct {
		name   string
		desc   []byte
		modify func(c *config.Config)
	}{
		{"description", append(desc, '#'), func(*config.Config) {}},
		{"chunk size", desc, func(c *config.Config) { c.Hardware.MaxDmaChunkBytes = 512 }},
		{"dump flag", desc, func(c *config.Config) { c.Compile.DumpRAM = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := config.Default()
			tt.modify(&c)
			k, err := Key(tt.desc, c)
			require.NoError(t, err)
			assert.NotEqual(t, k1, k)
		})
	}
}
