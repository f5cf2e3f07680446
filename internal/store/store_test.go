package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStartJob_Validation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.StartJob("", 5)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)

	_, err = s.StartJob("fp", -1)
	require.ErrorAs(t, err, &vErr)
}

func TestStartJob_RoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	jobID, err := s.StartJob("fp-1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job, err := s.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "fp-1", job.Fingerprint)
	assert.Equal(t, StatusRunning, job.Status)
	assert.Equal(t, 10, job.TotalRows)
	assert.Equal(t, 0, job.ProcessedRows)
	assert.False(t, job.LastUpdated.Before(job.StartTime))
}

func TestCacheRow_ReadYourOwnWrite(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	jobID, err := s.StartJob("fp-1", 2)
	require.NoError(t, err)

	require.NoError(t, s.CacheRow(jobID, 0, "acme", json.RawMessage(`{"summary":"a"}`)))
	require.NoError(t, s.CacheRow(jobID, 1, "globex", json.RawMessage(`{"summary":"b"}`)))

	// No explicit flush: GetCachedRows must still observe both writes.
	cached, err := s.GetCachedRows(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, cached, 2)
	assert.JSONEq(t, `{"summary":"a"}`, string(cached[0]))

	job, err := s.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 2, job.ProcessedRows)
}

func TestCacheRow_UpsertKeepsOneRowPerIndex(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	jobID, err := s.StartJob("fp-1", 5)
	require.NoError(t, err)

	require.NoError(t, s.CacheRow(jobID, 3, "q", json.RawMessage(`{"a":1}`)))
	require.NoError(t, s.CacheRow(jobID, 3, "q2", json.RawMessage(`{"a":2}`)))

	cached, err := s.GetCachedRows(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.JSONEq(t, `{"a":2}`, string(cached[3]))
}

func TestRecordRowFailure_CountsWithoutCaching(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	jobID, err := s.StartJob("fp-1", 2)
	require.NoError(t, err)

	require.NoError(t, s.CacheRow(jobID, 0, "q", json.RawMessage(`{"a":1}`)))
	require.NoError(t, s.RecordRowFailure(jobID))
	require.NoError(t, s.Flush(ctx))

	job, err := s.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 2, job.ProcessedRows)

	cached, err := s.GetCachedRows(ctx, jobID)
	require.NoError(t, err)
	assert.Len(t, cached, 1)

	// A retried row after a resume must not push the counter past the total.
	require.NoError(t, s.CacheRow(jobID, 1, "q", json.RawMessage(`{"a":2}`)))
	require.NoError(t, s.Flush(ctx))
	job, err = s.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 2, job.ProcessedRows)

	var vErr *ValidationError
	require.ErrorAs(t, s.RecordRowFailure(""), &vErr)
}

func TestCacheRow_Validation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	var vErr *ValidationError
	require.ErrorAs(t, s.CacheRow("", 0, "q", json.RawMessage(`{}`)), &vErr)
	require.ErrorAs(t, s.CacheRow("job", -1, "q", json.RawMessage(`{}`)), &vErr)
	require.ErrorAs(t, s.CacheRow("job", 0, "q", nil), &vErr)
}

func TestFindUnfinishedJob_MostRecentFirst(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	older, err := s.StartJob("fp-1", 4)
	require.NoError(t, err)
	require.NoError(t, s.Flush(ctx))
	time.Sleep(5 * time.Millisecond)

	newer, err := s.StartJob("fp-1", 4)
	require.NoError(t, err)

	found, err := s.FindUnfinishedJob(ctx, "fp-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, newer, found.ID)

	// A different fingerprint never matches.
	none, err := s.FindUnfinishedJob(ctx, "fp-other")
	require.NoError(t, err)
	assert.Nil(t, none)

	// Touch the older job; it becomes the most recently updated.
	require.NoError(t, s.CacheRow(older, 0, "q", json.RawMessage(`{}`)))
	found, err = s.FindUnfinishedJob(ctx, "fp-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, older, found.ID)
}

func TestMarkCompleted_LeavesNoUnfinishedJob(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	jobID, err := s.StartJob("fp-1", 1)
	require.NoError(t, err)
	require.NoError(t, s.MarkCompleted(jobID))

	found, err := s.FindUnfinishedJob(ctx, "fp-1")
	require.NoError(t, err)
	assert.Nil(t, found)

	job, err := s.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
}

func TestResumeJob_ReopensFailedJob(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	jobID, err := s.StartJob("fp-1", 1)
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(jobID))
	require.NoError(t, s.ResumeJob(jobID))

	job, err := s.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, job.Status)
}

func TestCleanupOlderThan_ZeroRemovesEverything(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	jobID, err := s.StartJob("fp-1", 2)
	require.NoError(t, err)
	require.NoError(t, s.CacheRow(jobID, 0, "q", json.RawMessage(`{"a":1}`)))
	require.NoError(t, s.Flush(ctx))
	time.Sleep(5 * time.Millisecond)

	removed, err := s.CleanupOlderThan(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	found, err := s.FindUnfinishedJob(ctx, "fp-1")
	require.NoError(t, err)
	assert.Nil(t, found)

	// Cached rows cascade with their job.
	cached, err := s.GetCachedRows(ctx, jobID)
	require.NoError(t, err)
	assert.Empty(t, cached)
}

func TestCleanupOlderThan_KeepsRecentJobs(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.StartJob("fp-1", 2)
	require.NoError(t, err)

	removed, err := s.CleanupOlderThan(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)

	found, err := s.FindUnfinishedJob(ctx, "fp-1")
	require.NoError(t, err)
	require.NotNil(t, found)
}

func TestClose_DrainsPendingWrites(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.db")

	s, err := New(path)
	require.NoError(t, err)

	jobID, err := s.StartJob("fp-1", 3)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.CacheRow(jobID, i, "q", json.RawMessage(`{"a":1}`)))
	}
	require.NoError(t, s.Close())

	reopened, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	cached, err := reopened.GetCachedRows(context.Background(), jobID)
	require.NoError(t, err)
	assert.Len(t, cached, 3)

	job, err := reopened.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, 3, job.ProcessedRows)
}

func TestEnqueueAfterClose_FailsFast(t *testing.T) {
	t.Parallel()
	s, err := New(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Every post-close write must fail, not just the first: the queue
	// still has buffer capacity, so only the closed flag stands between
	// a late caller and a silently dropped write.
	var sErr *StorageError
	for i := 0; i < 10; i++ {
		_, err = s.StartJob("fp-1", 1)
		require.ErrorAs(t, err, &sErr)
	}
}

func TestWriter_RejectedWriteDoesNotKillWriter(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	// No such job exists, so the cached_rows insert violates its foreign
	// key. The write is dropped; the writer must stay healthy.
	require.NoError(t, s.CacheRow("no-such-job", 0, "q", json.RawMessage(`{"a":1}`)))
	require.NoError(t, s.Flush(ctx))

	jobID, err := s.StartJob("fp-1", 1)
	require.NoError(t, err)
	require.NoError(t, s.CacheRow(jobID, 0, "q", json.RawMessage(`{"a":2}`)))

	cached, err := s.GetCachedRows(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.JSONEq(t, `{"a":2}`, string(cached[0]))

	orphans, err := s.GetCachedRows(ctx, "no-such-job")
	require.NoError(t, err)
	assert.Empty(t, orphans)
}
