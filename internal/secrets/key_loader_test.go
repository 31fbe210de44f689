package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLoader_SecretVersionName(t *testing.T) {
	l := NewKeyLoader("my-project", nil)

	assert.Equal(t, "projects/my-project/secrets/store-sync-key/versions/latest", l.SecretVersionName("store-sync-key"))
	assert.Equal(t, "projects/p/secrets/k/versions/latest", l.SecretVersionName("projects/p/secrets/k"))
	assert.Equal(t, "projects/p/secrets/k/versions/3", l.SecretVersionName("projects/p/secrets/k/versions/3"))
}

func TestKeyLoader_Load(t *testing.T) {
	calls := 0
	l := NewKeyLoader("my-project", func(ctx context.Context, name string) ([]byte, error) {
		calls++
		assert.Equal(t, "projects/my-project/secrets/k/versions/latest", name)
		return []byte("key-material"), nil
	})

	value, err := l.Load(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("key-material"), value)

	_, err = l.Load(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "second load is served from cache")
	assert.NoError(t, l.Close())
}

func TestKeyLoader_LoadError(t *testing.T) {
	l := NewKeyLoader("p", func(ctx context.Context, name string) ([]byte, error) {
		return nil, errors.New("permission denied")
	})

	_, err := l.Load(context.Background(), "k")
	assert.ErrorContains(t, err, "permission denied")
}
