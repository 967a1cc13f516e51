package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileService_Retrieve(t *testing.T) {
	t.Run("owner gets a signed url", func(t *testing.T) {
		s := newTestService(t)
		record := mustUpload(t, s, textUpload("a.txt", "hello", "u1"))

		signed, err := s.Retrieve(context.Background(), record.ID, "u1")
		require.NoError(t, err)
		assert.Equal(t, "https://blobs.test/uploads/"+record.BlobKey+"?expires=60", signed.URL)
		assert.Equal(t, s.clock.Now().Add(60*time.Second), signed.ExpiresAt)
	})

	t.Run("configured ttl", func(t *testing.T) {
		s := newTestService(t, func(cfg *FileServiceConfig) { cfg.SignedURLTTL = 5 * time.Minute })
		record := mustUpload(t, s, textUpload("a.txt", "hello", "u1"))

		signed, err := s.Retrieve(context.Background(), record.ID, "u1")
		require.NoError(t, err)
		assert.Contains(t, signed.URL, "expires=300")
	})

	t.Run("anonymous file is open", func(t *testing.T) {
		s := newTestService(t)
		record := mustUpload(t, s, textUpload("a.txt", "hello", ""))

		_, err := s.Retrieve(context.Background(), record.ID, "u2")
		require.NoError(t, err)
	})

	t.Run("other user is denied", func(t *testing.T) {
		s := newTestService(t)
		record := mustUpload(t, s, textUpload("a.txt", "hello", "u1"))

		_, err := s.Retrieve(context.Background(), record.ID, "u2")
		require.Error(t, err)
		assert.True(t, errors.Is(err, KindAccessDenied))
	})

	t.Run("no identity is denied", func(t *testing.T) {
		s := newTestService(t)
		record := mustUpload(t, s, textUpload("a.txt", "hello", "u1"))

		_, err := s.Retrieve(context.Background(), record.ID, "")
		require.Error(t, err)
		assert.True(t, errors.Is(err, KindAccessDenied))
	})

	t.Run("unknown file", func(t *testing.T) {
		s := newTestService(t)

		_, err := s.Retrieve(context.Background(), "65f1c0ffee0000000000beef", "u1")
		require.Error(t, err)
		assert.True(t, errors.Is(err, KindNotFound))
	})

	t.Run("signing failure", func(t *testing.T) {
		s := newTestService(t)
		record := mustUpload(t, s, textUpload("a.txt", "hello", "u1"))
		s.blobs.signErr = errors.New("no credentials")

		_, err := s.Retrieve(context.Background(), record.ID, "u1")
		require.Error(t, err)
		assert.True(t, errors.Is(err, KindSigningFailed))
	})

	t.Run("served from cache", func(t *testing.T) {
		cache := newRecordingCache()
		s := newTestService(t, func(cfg *FileServiceConfig) { cfg.Cache = cache })
		record := mustUpload(t, s, textUpload("a.txt", "hello", "u1"))
		require.True(t, cache.cached(record.ID))

		_, err := s.Retrieve(context.Background(), record.ID, "u1")
		require.NoError(t, err)
		assert.Equal(t, 1, cache.hits)
		assert.Equal(t, 0, s.catalog.findCalls)
	})

	t.Run("cache miss is not written back", func(t *testing.T) {
		cache := newRecordingCache()
		s := newTestService(t)
		record := mustUpload(t, s, textUpload("a.txt", "hello", "u1"))
		s.cache = cache

		_, err := s.Retrieve(context.Background(), record.ID, "u1")
		require.NoError(t, err)
		assert.Equal(t, 1, s.catalog.findCalls)
		assert.False(t, cache.cached(record.ID))
	})

	t.Run("delete during a cache miss", func(t *testing.T) {
		cache := newRecordingCache()
		s := newTestService(t)
		record := mustUpload(t, s, textUpload("a.txt", "hello", "u1"))
		s.cache = cache

		deleted := false
		s.catalog.afterFind = func(id string) {
			if deleted {
				return
			}
			deleted = true
			_, err := s.Delete(context.Background(), id, "u1")
			require.NoError(t, err)
		}

		// the first retrieval already holds the record it read
		_, err := s.Retrieve(context.Background(), record.ID, "u1")
		require.NoError(t, err)
		require.True(t, deleted)
		assert.False(t, cache.cached(record.ID))

		_, err = s.ListVisible(context.Background())
		require.NoError(t, err)

		_, err = s.Retrieve(context.Background(), record.ID, "u1")
		require.Error(t, err)
		assert.True(t, errors.Is(err, KindNotFound))
	})
}
