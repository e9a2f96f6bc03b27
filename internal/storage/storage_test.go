package storage

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/harvest/internal/config"
	"github.com/timmy/harvest/internal/domain"
	"github.com/timmy/harvest/internal/errors"
)

func TestArchive(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	archive := NewArchive(store, "/objects/")

	content := `{"id": "abc"}`
	obj := &domain.HarvestObject{ID: "o1", JobID: "j1", SourceID: "s1", Content: &content}

	key, err := archive.Put(ctx, obj)
	require.NoError(t, err)
	assert.Equal(t, "objects/s1/j1/o1.json", key)
	got, ok := obj.Extra(ArchiveKeyExtra)
	require.True(t, ok)
	assert.Equal(t, key, got)

	rc, err := store.Download(ctx, key)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, content, string(body))
	assert.Equal(t, "memory://"+key, archive.URL(obj))

	empty := &domain.HarvestObject{ID: "o2", JobID: "j1", SourceID: "s1"}
	key, err = archive.Put(ctx, empty)
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.Equal(t, 1, store.Len())

	assert.Empty(t, archive.URL(empty))
}

func TestMemoryStorage(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	_, err := store.Download(ctx, "missing")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	exists, err := store.Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, exists)
	require.NoError(t, store.Delete(ctx, "missing"))
}

func TestNewStorage(t *testing.T) {
	tests := []struct {
		endpoint string
		want     StorageType
	}{
		{"", StorageTypeMemory},
		{"https://acct.r2.cloudflarestorage.com", StorageTypeR2},
		{"s3.eu-west-1.amazonaws.com", StorageTypeS3},
		{"http://localhost:9000", StorageTypeS3Compatible},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, detectStorageType(tt.endpoint), tt.endpoint)
	}

	store, err := NewStorage(&config.StorageConfig{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStorage{}, store)

	_, err = NewStorage(&config.StorageConfig{Type: "floppy"})
	assert.Error(t, err)

	s3store, err := NewStorage(&config.StorageConfig{
		Type:      "minio",
		Endpoint:  "http://localhost:9000/",
		AccessKey: "key",
		SecretKey: "secret",
		Bucket:    "harvest",
	})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000/harvest/a/b.json", s3store.GetURL("a/b.json"))
}

func TestNormalizeEndpoint(t *testing.T) {
	assert.Equal(t, "localhost:9000", normalizeEndpoint("http://localhost:9000/bucket"))
	assert.Equal(t, "s3.amazonaws.com", normalizeEndpoint("https://s3.amazonaws.com"))
}
