package resume

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Global-Witness/augmenta/internal/store"
)

type fakeFinder struct {
	job      *store.Job
	askedFor string
	resumed  []string
}

func (f *fakeFinder) FindUnfinishedJob(_ context.Context, fingerprint string) (*store.Job, error) {
	f.askedFor = fingerprint
	if f.job != nil && f.job.Fingerprint == fingerprint {
		return f.job, nil
	}
	return nil, nil
}

func (f *fakeFinder) GetJob(_ context.Context, jobID string) (*store.Job, error) {
	if f.job != nil && f.job.ID == jobID {
		return f.job, nil
	}
	return nil, nil
}

func (f *fakeFinder) ResumeJob(jobID string) error {
	f.resumed = append(f.resumed, jobID)
	return nil
}

func unfinishedJob() *store.Job {
	now := time.Now().UTC()
	return &store.Job{
		ID:            "job-abc",
		Fingerprint:   "fp-1",
		StartTime:     now.Add(-3 * time.Hour),
		LastUpdated:   now.Add(-2 * time.Hour),
		Status:        store.StatusRunning,
		TotalRows:     10,
		ProcessedRows: 4,
	}
}

func TestResolve_ExplicitIDUsedAsIs(t *testing.T) {
	finder := &fakeFinder{job: unfinishedJob()}
	r := NewResolver(finder, strings.NewReader(""), &bytes.Buffer{})

	id, err := r.Resolve(context.Background(), Options{
		Fingerprint:   "fp-1",
		ExplicitJobID: "job-abc",
	})
	require.NoError(t, err)
	assert.Equal(t, "job-abc", id)
	// The explicit job is re-marked running before its cache is read.
	assert.Equal(t, []string{"job-abc"}, finder.resumed)
	assert.Empty(t, finder.askedFor)
}

func TestResolve_ExplicitIDUnknown(t *testing.T) {
	finder := &fakeFinder{job: unfinishedJob()}
	r := NewResolver(finder, strings.NewReader(""), &bytes.Buffer{})

	_, err := r.Resolve(context.Background(), Options{
		Fingerprint:   "fp-1",
		ExplicitJobID: "no-such-job",
	})
	require.ErrorIs(t, err, ErrJobNotFound)
	assert.Empty(t, finder.resumed)
}

func TestResolve_AutoResumeDisabled(t *testing.T) {
	finder := &fakeFinder{job: unfinishedJob()}
	r := NewResolver(finder, strings.NewReader("y\n"), &bytes.Buffer{})

	id, err := r.Resolve(context.Background(), Options{Fingerprint: "fp-1", AutoResume: false})
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Empty(t, finder.askedFor)
}

func TestResolve_ConfirmedResume(t *testing.T) {
	finder := &fakeFinder{job: unfinishedJob()}
	var out bytes.Buffer
	r := NewResolver(finder, strings.NewReader("y\n"), &out)

	id, err := r.Resolve(context.Background(), Options{Fingerprint: "fp-1", AutoResume: true})
	require.NoError(t, err)
	assert.Equal(t, "job-abc", id)
	assert.Contains(t, out.String(), "Found unfinished job from 2 hours ago")
	assert.Contains(t, out.String(), "Progress: 4/10 rows (40.0%)")
}

func TestResolve_DeclinedResumeStartsFresh(t *testing.T) {
	finder := &fakeFinder{job: unfinishedJob()}
	r := NewResolver(finder, strings.NewReader("n\n"), &bytes.Buffer{})

	id, err := r.Resolve(context.Background(), Options{Fingerprint: "fp-1", AutoResume: true})
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestResolve_EmptyAnswerMeansNo(t *testing.T) {
	finder := &fakeFinder{job: unfinishedJob()}
	r := NewResolver(finder, strings.NewReader("\n"), &bytes.Buffer{})

	id, err := r.Resolve(context.Background(), Options{Fingerprint: "fp-1", AutoResume: true})
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestResolve_DifferentFingerprintNeverOffered(t *testing.T) {
	finder := &fakeFinder{job: unfinishedJob()}
	var out bytes.Buffer
	r := NewResolver(finder, strings.NewReader("y\n"), &out)

	id, err := r.Resolve(context.Background(), Options{Fingerprint: "fp-other", AutoResume: true})
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Empty(t, out.String())
}

func TestResolve_AssumeYesSkipsPrompt(t *testing.T) {
	finder := &fakeFinder{job: unfinishedJob()}
	var out bytes.Buffer
	r := NewResolver(finder, strings.NewReader(""), &out)

	id, err := r.Resolve(context.Background(), Options{Fingerprint: "fp-1", AutoResume: true, AssumeYes: true})
	require.NoError(t, err)
	assert.Equal(t, "job-abc", id)
	assert.NotContains(t, out.String(), "[y/N]")
}

func TestSummary_TimeBuckets(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := &store.Job{TotalRows: 8, ProcessedRows: 2}

	job.LastUpdated = now.Add(-30 * time.Minute)
	assert.Contains(t, Summary(job, now), "30 minutes ago")

	job.LastUpdated = now.Add(-5 * time.Hour)
	assert.Contains(t, Summary(job, now), "5 hours ago")

	job.LastUpdated = now.Add(-72 * time.Hour)
	assert.Contains(t, Summary(job, now), "3 days ago")
}
