package domain

import (
	"strings"
	"time"
)

type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusInProgress BatchStatus = "in_progress"
	BatchStatusDone       BatchStatus = "done"
	BatchStatusFailed     BatchStatus = "failed"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusDone       JobStatus = "done"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is expected from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusDone, JobStatusFailed:
		return true
	default:
		return false
	}
}

func (s BatchStatus) Terminal() bool {
	return s == BatchStatusDone || s == BatchStatusFailed
}

type Batch struct {
	ID         string
	Status     BatchStatus
	WebhookURL string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type ImageJob struct {
	ID           int64
	BatchID      string
	SerialNumber int
	ProductName  string
	InputURL     string
	OutputURL    string
	Status       JobStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Complete moves the job to done. The output URL is only ever set together with
// the done status.
func (j *ImageJob) Complete(outputURL string) {
	j.Status = JobStatusDone
	j.OutputURL = strings.TrimSpace(outputURL)
}

// Fail moves the job to failed and clears any previous output.
func (j *ImageJob) Fail() {
	j.Status = JobStatusFailed
	j.OutputURL = ""
}

// CanTransition reports whether a job may move from one status to another.
// Rewriting the same status is allowed so duplicate deliveries can overwrite
// their own terminal fields.
func CanTransition(from, to JobStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	switch from {
	case JobStatusPending:
		return to != JobStatusPending
	case JobStatusProcessing:
		return to.Terminal()
	default:
		return false
	}
}

// AllowedFrom lists every status a job may hold before moving to the given one.
func AllowedFrom(to JobStatus) []JobStatus {
	all := []JobStatus{JobStatusPending, JobStatusProcessing, JobStatusDone, JobStatusFailed}
	out := make([]JobStatus, 0, len(all))
	for _, from := range all {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// AggregateStatus derives a batch status from the statuses of its jobs.
//
// Precedence: every job done wins, then any failed job, then in_progress. A
// batch without jobs never leaves pending.
func AggregateStatus(statuses []JobStatus) BatchStatus {
	if len(statuses) == 0 {
		return BatchStatusPending
	}

	allDone := true
	anyFailed := false
	for _, s := range statuses {
		if s != JobStatusDone {
			allDone = false
		}
		if s == JobStatusFailed {
			anyFailed = true
		}
	}

	switch {
	case allDone:
		return BatchStatusDone
	case anyFailed:
		return BatchStatusFailed
	default:
		return BatchStatusInProgress
	}
}

type JobView struct {
	JobID        int64     `json:"job_id"`
	SerialNumber int       `json:"serial_number"`
	ProductName  string    `json:"product_name"`
	InputURL     string    `json:"input_url"`
	OutputURL    *string   `json:"output_url"`
	Status       JobStatus `json:"status"`
}

type BatchView struct {
	BatchID   string      `json:"batch_id"`
	Status    BatchStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	Jobs      []JobView   `json:"images"`
}

func NewJobView(job ImageJob) JobView {
	view := JobView{
		JobID:        job.ID,
		SerialNumber: job.SerialNumber,
		ProductName:  job.ProductName,
		InputURL:     job.InputURL,
		Status:       job.Status,
	}
	if job.OutputURL != "" {
		output := job.OutputURL
		view.OutputURL = &output
	}
	return view
}
