package credentials

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exec_gateway/internal/core"
	apperrors "exec_gateway/pkg/errors"
)

type countingSource struct {
	calls int
	creds map[string]*core.Credentials
}

func (s *countingSource) Get(ctx context.Context, apiKeyID string) (*core.Credentials, error) {
	s.calls++
	creds, ok := s.creds[apiKeyID]
	if !ok {
		return nil, apperrors.ErrCredentialNotFound
	}
	return creds, nil
}

func TestCacheHitSkipsSource(t *testing.T) {
	source := &countingSource{creds: map[string]*core.Credentials{
		"id-1": {APIKey: "k", APISecret: "s"},
	}}
	cache := NewCache(source, time.Minute)

	ctx := context.Background()
	first, err := cache.Get(ctx, "id-1")
	require.NoError(t, err)
	second, err := cache.Get(ctx, "id-1")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, source.calls)
}

func TestCacheExpiry(t *testing.T) {
	source := &countingSource{creds: map[string]*core.Credentials{
		"id-1": {APIKey: "k", APISecret: "s"},
	}}
	cache := NewCache(source, 10*time.Millisecond)

	ctx := context.Background()
	_, err := cache.Get(ctx, "id-1")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, err = cache.Get(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, 2, source.calls)
}

func TestCacheDoesNotCacheErrors(t *testing.T) {
	source := &countingSource{creds: map[string]*core.Credentials{}}
	cache := NewCache(source, time.Minute)

	ctx := context.Background()
	_, err := cache.Get(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrCredentialNotFound)
	_, err = cache.Get(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrCredentialNotFound)
	assert.Equal(t, 2, source.calls)
}

func TestCacheInvalidate(t *testing.T) {
	source := &countingSource{creds: map[string]*core.Credentials{
		"id-1": {APIKey: "k", APISecret: "s"},
	}}
	cache := NewCache(source, time.Minute)

	ctx := context.Background()
	_, err := cache.Get(ctx, "id-1")
	require.NoError(t, err)

	cache.Invalidate("id-1")
	_, err = cache.Get(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, 2, source.calls)
}

func TestCachePurge(t *testing.T) {
	source := &countingSource{creds: map[string]*core.Credentials{
		"id-1": {APIKey: "k", APISecret: "s"},
	}}
	cache := NewCache(source, time.Millisecond)

	_, err := cache.Get(context.Background(), "id-1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	cache.Purge()

	cache.mu.RLock()
	defer cache.mu.RUnlock()
	assert.Empty(t, cache.entries)
}
