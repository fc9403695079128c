package web

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempVideo(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
	return p
}

func TestJobRegistry(t *testing.T) {
	dir := t.TempDir()

	t.Run("Test Claim Once", func(t *testing.T) {
		r := NewJobRegistry(time.Minute)
		job := r.Add("video", "a.mp4", tempVideo(t, dir, "a.mp4"))
		assert.True(t, r.Has(job.ID))

		got, err := r.Claim(job.ID)
		require.NoError(t, err)
		assert.Equal(t, job, got)

		_, err = r.Claim(job.ID)
		assert.ErrorIs(t, err, ErrJobNotFound)
		assert.FileExists(t, job.Path)
	})

	t.Run("Test Discard", func(t *testing.T) {
		r := NewJobRegistry(time.Minute)
		job := r.Add("video", "b.mp4", tempVideo(t, dir, "b.mp4"))
		require.NoError(t, r.Discard(job.ID))
		assert.NoFileExists(t, job.Path)
		assert.ErrorIs(t, r.Discard(job.ID), ErrJobNotFound)
	})

	t.Run("Test Sweep", func(t *testing.T) {
		r := NewJobRegistry(time.Minute)
		now := time.Now()
		r.now = func() time.Time { return now }
		old := r.Add("video", "old.mp4", tempVideo(t, dir, "old.mp4"))
		now = now.Add(45 * time.Second)
		fresh := r.Add("youtube", "url", tempVideo(t, dir, "fresh.mp4"))
		now = now.Add(30 * time.Second)

		assert.Equal(t, 1, r.Sweep())
		assert.False(t, r.Has(old.ID))
		assert.NoFileExists(t, old.Path)
		assert.True(t, r.Has(fresh.ID))
		assert.FileExists(t, fresh.Path)
		assert.Equal(t, 1, r.Len())
	})

	t.Run("Test Run Cleans Up On Stop", func(t *testing.T) {
		r := NewJobRegistry(time.Hour)
		job := r.Add("video", "c.mp4", tempVideo(t, dir, "c.mp4"))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			r.Run(ctx, 10*time.Millisecond)
			close(done)
		}()
		cancel()
		<-done

		assert.Equal(t, 0, r.Len())
		assert.NoFileExists(t, job.Path)
	})
}
