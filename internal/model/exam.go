package model

import (
	"time"

	"github.com/google/uuid"
)

// ExamStatus enumerates the possible states of an exam.
type ExamStatus string

const (
	ExamStatusDraft    ExamStatus = "DRAFT"
	ExamStatusOpen     ExamStatus = "OPEN"
	ExamStatusArchived ExamStatus = "ARCHIVED"
)

// Exam represents an exam definition.
type Exam struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	InstructorID    int        `json:"instructor_id"`
	DurationSeconds int        `json:"duration_seconds"`
	OpensAt         *time.Time `json:"opens_at,omitempty"`
	ClosesAt        *time.Time `json:"closes_at,omitempty"`
	Status          ExamStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// OpenForAttempts reports whether new attempts may be created right now.
// An exam must be OPEN and within its scheduled window, if any.
func (e *Exam) OpenForAttempts(now time.Time) bool {
	if e.Status != ExamStatusOpen {
		return false
	}
	if e.OpensAt != nil && now.Before(*e.OpensAt) {
		return false
	}
	if e.ClosesAt != nil && now.After(*e.ClosesAt) {
		return false
	}
	return true
}

// CreateExamRequest is the payload for creating a new exam with questions.
type CreateExamRequest struct {
	Title           string                  `json:"title" binding:"required,min=3,max=255"`
	DurationSeconds int                     `json:"duration_seconds" binding:"required,min=60,max=28800"`
	OpensAt         *time.Time              `json:"opens_at" binding:"omitempty"`
	ClosesAt        *time.Time              `json:"closes_at" binding:"omitempty,gtfield=OpensAt"`
	Questions       []CreateQuestionRequest `json:"questions" binding:"required,min=1,dive"`
}

// CreateQuestionRequest is one question within CreateExamRequest.
type CreateQuestionRequest struct {
	Kind    AnswerKind  `json:"kind" binding:"required,oneof=choice boolean text"`
	Prompt  string      `json:"prompt" binding:"required,min=1"`
	Options []string    `json:"options" binding:"omitempty"`
	Correct AnswerValue `json:"correct" binding:"required"`
	Points  float64     `json:"points" binding:"omitempty,min=0"`
}
