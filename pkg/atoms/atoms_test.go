package atoms

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ubl/pkg/canonicalize"
	"github.com/Mindburn-Labs/ubl/pkg/contracts"
)

func backends(t *testing.T) map[string]Store {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{"memory": NewMemoryStore(), "fs": fs}
}

func TestIngestAndFetch(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			h, canonical, err := Ingest(ctx, s, []byte(`{"b": 2, "a": [true, null]}`), contracts.Hash{})
			require.NoError(t, err)
			assert.Equal(t, `{"a":[true,null],"b":2}`, string(canonical))
			assert.Equal(t, canonicalize.Hash(canonical), h)

			ok, err := s.Exists(ctx, h)
			require.NoError(t, err)
			assert.True(t, ok)

			got, err := Fetch(ctx, s, h)
			require.NoError(t, err)
			assert.Equal(t, canonical, got)

			// Same atom, different spelling: same key.
			h2, _, err := Ingest(ctx, s, []byte(`{"a":[true,null],"b":2}`), h)
			require.NoError(t, err)
			assert.Equal(t, h, h2)
		})
	}
}

func TestIngest_ClaimedHashMismatch(t *testing.T) {
	s := NewMemoryStore()
	_, _, err := Ingest(context.Background(), s, []byte(`{"a":1}`), contracts.Hash{1})
	assert.ErrorIs(t, err, ErrHashMismatch)
	ok, _ := s.Exists(context.Background(), contracts.Hash{1})
	assert.False(t, ok)
}

func TestIngest_RejectsNonCanonicalizable(t *testing.T) {
	_, _, err := Ingest(context.Background(), NewMemoryStore(), []byte(`{"a":1} trailing`), contracts.Hash{})
	var cerr *canonicalize.Error
	require.ErrorAs(t, err, &cerr)
}

func TestFetch_NotFound(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := Fetch(context.Background(), s, contracts.Hash{9})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestFetch_DetectsCorruption(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	h, _, err := Ingest(ctx, s, []byte(`{"n":1}`), contracts.Hash{})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.path(h), []byte(`{"n":2}`), 0o600))

	_, err = Fetch(ctx, s, h)
	assert.ErrorIs(t, err, ErrHashMismatch)
}

func TestNewStoreFromEnv(t *testing.T) {
	ctx := context.Background()

	t.Run("default fs", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("ATOM_STORAGE_TYPE", "")
		t.Setenv("DATA_DIR", dir)
		s, err := NewStoreFromEnv(ctx)
		require.NoError(t, err)
		fs, ok := s.(*FileStore)
		require.True(t, ok, "got %T", s)
		assert.Equal(t, filepath.Join(dir, "atoms"), fs.baseDir)
	})

	t.Run("memory", func(t *testing.T) {
		t.Setenv("ATOM_STORAGE_TYPE", "memory")
		s, err := NewStoreFromEnv(ctx)
		require.NoError(t, err)
		assert.IsType(t, &MemoryStore{}, s)
	})

	t.Run("s3 needs bucket", func(t *testing.T) {
		t.Setenv("ATOM_STORAGE_TYPE", "s3")
		t.Setenv("ATOM_S3_BUCKET", "")
		_, err := NewStoreFromEnv(ctx)
		assert.ErrorContains(t, err, "ATOM_S3_BUCKET is required")
	})

	t.Run("gcs needs bucket or build tag", func(t *testing.T) {
		t.Setenv("ATOM_STORAGE_TYPE", "gcs")
		t.Setenv("ATOM_GCS_BUCKET", "")
		_, err := NewStoreFromEnv(ctx)
		assert.Error(t, err)
	})

	t.Run("unknown", func(t *testing.T) {
		t.Setenv("ATOM_STORAGE_TYPE", "tape")
		_, err := NewStoreFromEnv(ctx)
		assert.ErrorContains(t, err, "unsupported atom storage type")
	})
}

func TestS3Store_Key(t *testing.T) {
	s := &S3Store{prefix: "atoms/"}
	h := contracts.Hash{0xab}
	assert.Equal(t, "atoms/"+h.String()+".atom", s.key(h))
}
