package storage

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/relayforge/internal/config"
)

func TestLocalPutOpenDelete(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := NewLocal(root)
	require.NoError(t, err)

	data := []byte("%PDF-1.4\nhello")
	key := UploadKey("up-1", "report.pdf")
	require.NoError(t, store.Put(ctx, key, bytes.NewReader(data), int64(len(data))))

	size, err := store.Size(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), size)

	rc, err := store.Open(ctx, key)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = os.Stat(filepath.Join(root, "uploads", "up-1", "report.pdf"))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, key))
	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Open(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Size(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalPutSizeMismatchLeavesNoObject(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	err = store.Put(ctx, "a/b.bin", bytes.NewReader([]byte("abc")), 10)
	require.Error(t, err)
	_, err = store.Open(ctx, "a/b.bin")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalKeysStayInsideRoot(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := NewLocal(filepath.Join(root, "objects"))
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "../../escape.txt", bytes.NewReader([]byte("x")), 1))
	_, err = os.Stat(filepath.Join(root, "escape.txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "objects", "escape.txt"))
	assert.NoError(t, err)

	assert.Error(t, store.Put(ctx, "/", bytes.NewReader(nil), 0))
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "report.pdf", SanitizeName("report.pdf"))
	assert.Equal(t, "passwd", SanitizeName("../../etc/passwd"))
	assert.Equal(t, "evil.exe", SanitizeName(`C:\Users\evil.exe`))
	assert.Equal(t, "upload.bin", SanitizeName(""))
	assert.Equal(t, "upload.bin", SanitizeName(".."))
	assert.Equal(t, "ab.txt", SanitizeName("a\x00b.txt"))
}

func TestNewSelectsBackend(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, &config.Config{StorageBackend: config.StorageLocal, StorageLocalDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &Local{}, s)

	_, err = New(ctx, &config.Config{StorageBackend: "gcs"})
	assert.Error(t, err)

	_, err = New(ctx, &config.Config{StorageBackend: config.StorageS3})
	assert.Error(t, err)
}
