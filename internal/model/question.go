package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Question represents one question of an exam. Correct holds the answer key
// entry and is never serialized to students.
type Question struct {
	ID       uuid.UUID       `json:"id"`
	ExamID   uuid.UUID       `json:"exam_id"`
	Kind     AnswerKind      `json:"kind"`
	Prompt   string          `json:"prompt"`
	Options  json.RawMessage `json:"options,omitempty"`
	Correct  AnswerValue     `json:"-"`
	Points   float64         `json:"points"`
	OrderNum int             `json:"order_num"`
}

// KeyEntry is one answer-key entry as consumed by the grading engine.
type KeyEntry struct {
	Value  AnswerValue `json:"value"`
	Points float64     `json:"points"`
}

// QuestionForStudent is a question without the answer key, sent to students.
type QuestionForStudent struct {
	ID       uuid.UUID       `json:"id"`
	Kind     AnswerKind      `json:"kind"`
	Prompt   string          `json:"prompt"`
	Options  json.RawMessage `json:"options,omitempty"`
	Points   float64         `json:"points"`
	OrderNum int             `json:"order_num"`
}

// ForStudent strips the answer key from a question.
func (q *Question) ForStudent() QuestionForStudent {
	return QuestionForStudent{
		ID:       q.ID,
		Kind:     q.Kind,
		Prompt:   q.Prompt,
		Options:  q.Options,
		Points:   q.Points,
		OrderNum: q.OrderNum,
	}
}
