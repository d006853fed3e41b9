package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregateStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []JobStatus
		want     BatchStatus
	}{
		{name: "empty batch", statuses: nil, want: BatchStatusPending},
		{name: "all done", statuses: []JobStatus{JobStatusDone, JobStatusDone}, want: BatchStatusDone},
		{name: "done and failed", statuses: []JobStatus{JobStatusDone, JobStatusFailed}, want: BatchStatusFailed},
		{name: "pending and done", statuses: []JobStatus{JobStatusPending, JobStatusDone}, want: BatchStatusInProgress},
		{name: "failed beats pending", statuses: []JobStatus{JobStatusPending, JobStatusFailed}, want: BatchStatusFailed},
		{name: "processing only", statuses: []JobStatus{JobStatusProcessing}, want: BatchStatusInProgress},
		{name: "all pending", statuses: []JobStatus{JobStatusPending, JobStatusPending}, want: BatchStatusInProgress},
		{name: "single failed", statuses: []JobStatus{JobStatusFailed}, want: BatchStatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AggregateStatus(tt.statuses))
		})
	}
}

func TestCanTransitionNeverRegresses(t *testing.T) {
	all := []JobStatus{JobStatusPending, JobStatusProcessing, JobStatusDone, JobStatusFailed}
	rank := map[JobStatus]int{
		JobStatusPending:    0,
		JobStatusProcessing: 1,
		JobStatusDone:       2,
		JobStatusFailed:     2,
	}

	for _, from := range all {
		for _, to := range all {
			if CanTransition(from, to) {
				assert.GreaterOrEqual(t, rank[to], rank[from], "%s -> %s", from, to)
			}
		}
	}

	assert.True(t, CanTransition(JobStatusPending, JobStatusDone))
	assert.True(t, CanTransition(JobStatusDone, JobStatusDone))
	assert.False(t, CanTransition(JobStatusDone, JobStatusFailed))
	assert.False(t, CanTransition(JobStatusFailed, JobStatusProcessing))
	assert.False(t, CanTransition(JobStatusProcessing, JobStatusPending))
	assert.False(t, CanTransition("unknown", JobStatusDone))
}

func TestAllowedFrom(t *testing.T) {
	assert.ElementsMatch(t, []JobStatus{JobStatusPending, JobStatusProcessing}, AllowedFrom(JobStatusProcessing))
	assert.ElementsMatch(t, []JobStatus{JobStatusPending, JobStatusProcessing, JobStatusDone}, AllowedFrom(JobStatusDone))
	assert.ElementsMatch(t, []JobStatus{JobStatusPending}, AllowedFrom(JobStatusPending))
}

func TestImageJobOutputOnlyWhenDone(t *testing.T) {
	job := ImageJob{Status: JobStatusProcessing}

	job.Complete(" http://x/processed/a.jpg ")
	assert.Equal(t, JobStatusDone, job.Status)
	assert.Equal(t, "http://x/processed/a.jpg", job.OutputURL)

	job.Fail()
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Empty(t, job.OutputURL)
}

func TestNewJobViewNullOutput(t *testing.T) {
	view := NewJobView(ImageJob{ID: 7, InputURL: "http://x/a.jpg", Status: JobStatusPending})
	assert.Nil(t, view.OutputURL)

	view = NewJobView(ImageJob{ID: 7, InputURL: "http://x/a.jpg", OutputURL: "http://x/b.jpg", Status: JobStatusDone})
	require.NotNil(t, view.OutputURL)
	assert.Equal(t, "http://x/b.jpg", *view.OutputURL)
}

func TestPersistenceErrorUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("submit: %w", &PersistenceError{Op: "create job", Err: cause})

	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "create job: connection refused", perr.Error())
}
