package mediasvc

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classesnumeriques/platform/core/media"
)

func TestLocalStore(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalStore(dir, "/static/uploads/")
	ctx := context.Background()

	key := "exercises/2024/05/abc.webp"
	url, err := store.Put(ctx, key, strings.NewReader("RIFF....WEBP"), "image/webp")
	require.NoError(t, err)
	assert.Equal(t, "/static/uploads/exercises/2024/05/abc.webp", url)

	data, err := os.ReadFile(filepath.Join(dir, "exercises", "2024", "05", "abc.webp"))
	require.NoError(t, err)
	assert.Equal(t, "RIFF....WEBP", string(data))

	// no temp file left behind
	entries, err := os.ReadDir(filepath.Join(dir, "exercises", "2024", "05"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, store.Delete(ctx, key))
	_, err = os.Stat(filepath.Join(dir, "exercises", "2024", "05", "abc.webp"))
	assert.True(t, os.IsNotExist(err))

	// deleting twice is fine
	assert.NoError(t, store.Delete(ctx, key))
}

func TestLocalStore_InvalidKeys(t *testing.T) {
	store := NewLocalStore(t.TempDir(), "/static/uploads")
	ctx := context.Background()

	for _, key := range []string{"../escape.webp", "a/../../escape.webp", "", "."} {
		_, err := store.Put(ctx, key, strings.NewReader("x"), "image/webp")
		assert.ErrorIs(t, err, media.ErrInvalidKey, key)
		assert.ErrorIs(t, store.Delete(ctx, key), media.ErrInvalidKey, key)
	}
}

func TestLocalStore_Canceled(t *testing.T) {
	store := NewLocalStore(t.TempDir(), "/static/uploads")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Put(ctx, "a.webp", strings.NewReader("x"), "image/webp")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPublicID(t *testing.T) {
	assert.Equal(t, "exercises/2024/05/abc", publicID("exercises/2024/05/abc.webp"))
	assert.Equal(t, "abc", publicID("abc"))
}

func TestBucketURL(t *testing.T) {
	assert.Equal(t, "https://cn-media.oss-ap-southeast-5.aliyuncs.com",
		bucketURL("https://oss-ap-southeast-5.aliyuncs.com/", "cn-media"))
	assert.Equal(t, "https://cn-media.oss-ap-southeast-5.aliyuncs.com",
		bucketURL("oss-ap-southeast-5.aliyuncs.com", "cn-media"))
}
