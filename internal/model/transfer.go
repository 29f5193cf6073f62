package model

import (
	"fmt"
	"time"
)

// TransferStatus is the lifecycle of one transfer job.
type TransferStatus string

const (
	TransferSubmitted TransferStatus = "submitted"
	TransferActive    TransferStatus = "active"
	TransferSucceeded TransferStatus = "succeeded"
	TransferFailed    TransferStatus = "failed"
)

func (s TransferStatus) Terminal() bool {
	return s == TransferSucceeded || s == TransferFailed
}

// TransferOutcome is what the transfer network reports for a submission.
type TransferOutcome string

const (
	OutcomeSucceeded      TransferOutcome = "succeeded"
	OutcomeFailed         TransferOutcome = "failed"
	OutcomeTransientError TransferOutcome = "transientError"
)

func (o TransferOutcome) Valid() bool {
	return o == OutcomeSucceeded || o == OutcomeFailed || o == OutcomeTransientError
}

// TransferJob tracks the movement of one dataset to the transfer network.
// Attempt counts transient errors; SubmissionAttempt is the attempt number the
// current SubmissionID was obtained for.
type TransferJob struct {
	ID                string         `json:"id"`
	DatasetID         string         `json:"dataset_id"`
	SubmissionID      string         `json:"submission_id,omitempty"`
	Status            TransferStatus `json:"status"`
	Attempt           int            `json:"attempt"`
	SubmissionAttempt int            `json:"submission_attempt"`
	SourceRef         string         `json:"source_ref,omitempty"`
	DestRef           string         `json:"dest_ref,omitempty"`
	LastError         string         `json:"last_error,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	SubmittedAt       *time.Time     `json:"submitted_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}

// Submitted reports whether a submission id exists for the current attempt.
func (j TransferJob) Submitted() bool {
	return j.SubmissionID != "" && j.SubmissionAttempt == j.Attempt
}

// IdempotencyKey identifies one (dataset, attempt) pair towards the transfer network.
func IdempotencyKey(datasetID string, attempt int) string {
	return fmt.Sprintf("%s/%d", datasetID, attempt)
}

// TransferSubmission is one entry of a job's submission history.
type TransferSubmission struct {
	SubmissionID string    `json:"submission_id"`
	JobID        string    `json:"job_id"`
	DatasetID    string    `json:"dataset_id"`
	Attempt      int       `json:"attempt"`
	SubmittedAt  time.Time `json:"submitted_at"`
}
