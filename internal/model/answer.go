package model

import (
	"errors"
	"strings"
)

// AnswerKind enumerates the supported answer value shapes.
type AnswerKind string

const (
	AnswerKindChoice  AnswerKind = "choice"  // index into the question's options
	AnswerKindBoolean AnswerKind = "boolean" // true/false questions
	AnswerKindText    AnswerKind = "text"    // free text
)

// AnswerValue is a tagged variant holding one answer. Exactly one of the
// payload fields matching Kind must be set; the others stay empty.
type AnswerValue struct {
	Kind   AnswerKind `json:"kind" binding:"required,oneof=choice boolean text"`
	Choice *int       `json:"choice,omitempty"`
	Flag   *bool      `json:"flag,omitempty"`
	Text   string     `json:"text,omitempty"`
}

// Validate checks that the payload agrees with the declared kind.
func (v AnswerValue) Validate() error {
	switch v.Kind {
	case AnswerKindChoice:
		if v.Choice == nil {
			return errors.New("choice answer requires a choice index")
		}
		if *v.Choice < 0 {
			return errors.New("choice index must not be negative")
		}
	case AnswerKindBoolean:
		if v.Flag == nil {
			return errors.New("boolean answer requires a flag")
		}
	case AnswerKindText:
		if strings.TrimSpace(v.Text) == "" {
			return errors.New("text answer must not be empty")
		}
	default:
		return errors.New("unknown answer kind")
	}
	return nil
}

// Equal reports whether two answer values match for grading purposes.
// Text comparison is case-insensitive and whitespace-trimmed.
func (v AnswerValue) Equal(other AnswerValue) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case AnswerKindChoice:
		return v.Choice != nil && other.Choice != nil && *v.Choice == *other.Choice
	case AnswerKindBoolean:
		return v.Flag != nil && other.Flag != nil && *v.Flag == *other.Flag
	case AnswerKindText:
		return strings.EqualFold(strings.TrimSpace(v.Text), strings.TrimSpace(other.Text))
	}
	return false
}
