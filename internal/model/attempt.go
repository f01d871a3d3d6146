package model

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates attempt states. There is no stored "expired"
// status — expiry is always derived from StartedAt and DurationSeconds.
type AttemptStatus string

const (
	AttemptStatusInProgress AttemptStatus = "IN_PROGRESS"
	AttemptStatusSubmitted  AttemptStatus = "SUBMITTED"
)

// Attempt represents a student's single attempt at an exam. StartedAt and
// DurationSeconds are fixed at creation; together they define the deadline,
// which never changes even if the exam's configured duration is edited later.
type Attempt struct {
	ID              uuid.UUID     `json:"id"`
	ExamID          uuid.UUID     `json:"exam_id"`
	StudentID       int           `json:"student_id"`
	StartedAt       time.Time     `json:"started_at"`
	DurationSeconds int           `json:"duration_seconds"`
	SubmittedAt     *time.Time    `json:"submitted_at,omitempty"`
	Status          AttemptStatus `json:"status"`
	Score           *float64      `json:"score,omitempty"`
	Grade           *string       `json:"grade,omitempty"`
	Feedback        *string       `json:"feedback,omitempty"`
}

// Deadline is the instant after which the attempt must close.
func (a *Attempt) Deadline() time.Time {
	return a.StartedAt.Add(time.Duration(a.DurationSeconds) * time.Second)
}

// IsExpired reports whether the deadline has passed at the given instant.
// Pure function of immutable fields; safe to evaluate from any process.
func (a *Attempt) IsExpired(now time.Time) bool {
	return !now.Before(a.Deadline())
}

// Remaining returns the time left until the deadline, clamped at zero.
// Display only — never used for enforcement decisions.
func (a *Attempt) Remaining(now time.Time) time.Duration {
	r := a.Deadline().Sub(now)
	if r < 0 {
		return 0
	}
	return r
}

// Submitted reports whether the attempt has reached its terminal state.
func (a *Attempt) Submitted() bool {
	return a.Status == AttemptStatusSubmitted
}

// SaveAnswerRequest is the payload for saving a single answer.
type SaveAnswerRequest struct {
	Answer AnswerValue `json:"answer" binding:"required"`
}

// MarkReviewRequest is the payload for flagging a question for review.
type MarkReviewRequest struct {
	Marked bool `json:"marked"`
}

// SubmitRequest is the payload for submitting an attempt.
type SubmitRequest struct {
	TriggeredBy string `json:"triggered_by" binding:"omitempty,oneof=student timer"`
}
