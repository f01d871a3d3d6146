package model

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func newAttempt(startedAt time.Time, durationSeconds int) *Attempt {
	return &Attempt{
		ID:              uuid.New(),
		ExamID:          uuid.New(),
		StudentID:       1,
		StartedAt:       startedAt,
		DurationSeconds: durationSeconds,
		Status:          AttemptStatusInProgress,
	}
}

func TestDeadlineIsStartPlusDuration(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a := newAttempt(start, 3600)

	want := start.Add(time.Hour)
	if got := a.Deadline(); !got.Equal(want) {
		t.Errorf("Deadline() = %v, want %v", got, want)
	}
}

func TestIsExpiredIsPureAndStable(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a := newAttempt(start, 3600)

	cases := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"well before deadline", start.Add(30 * time.Minute), false},
		{"one second before", start.Add(time.Hour - time.Second), false},
		{"exactly at deadline", start.Add(time.Hour), true},
		{"after deadline", start.Add(2 * time.Hour), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// Evaluate repeatedly — the result must not depend on call count
			// or accumulated state, only on the (start, duration, now) triple.
			for i := 0; i < 3; i++ {
				if got := a.IsExpired(tc.now); got != tc.want {
					t.Fatalf("IsExpired(%v) = %v, want %v", tc.now, got, tc.want)
				}
			}
		})
	}
}

func TestDeadlineUnaffectedByLaterDurationEdits(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a := newAttempt(start, 1800)
	deadline := a.Deadline()

	// The exam definition changing later must not move an existing attempt's
	// deadline: the attempt carries its own copy of the duration.
	exam := Exam{DurationSeconds: 7200}
	_ = exam

	if !a.Deadline().Equal(deadline) {
		t.Errorf("deadline moved after exam duration change")
	}
}

func TestRemainingClampsAtZero(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a := newAttempt(start, 60)

	if got := a.Remaining(start.Add(20 * time.Second)); got != 40*time.Second {
		t.Errorf("Remaining = %v, want 40s", got)
	}
	if got := a.Remaining(start.Add(5 * time.Minute)); got != 0 {
		t.Errorf("Remaining after deadline = %v, want 0", got)
	}
}

func TestAnswerValueValidate(t *testing.T) {
	idx := 2
	flag := true

	valid := []AnswerValue{
		{Kind: AnswerKindChoice, Choice: &idx},
		{Kind: AnswerKindBoolean, Flag: &flag},
		{Kind: AnswerKindText, Text: "photosynthesis"},
	}
	for _, v := range valid {
		if err := v.Validate(); err != nil {
			t.Errorf("Validate(%+v) = %v, want nil", v, err)
		}
	}

	invalid := []AnswerValue{
		{Kind: AnswerKindChoice},
		{Kind: AnswerKindBoolean},
		{Kind: AnswerKindText, Text: "   "},
		{Kind: "essay", Text: "x"},
	}
	for _, v := range invalid {
		if err := v.Validate(); err == nil {
			t.Errorf("Validate(%+v) = nil, want error", v)
		}
	}
}

func TestAnswerValueEqual(t *testing.T) {
	a, b := 1, 1
	if !(AnswerValue{Kind: AnswerKindChoice, Choice: &a}).Equal(AnswerValue{Kind: AnswerKindChoice, Choice: &b}) {
		t.Error("equal choice answers reported unequal")
	}
	if !(AnswerValue{Kind: AnswerKindText, Text: "  Oslo "}).Equal(AnswerValue{Kind: AnswerKindText, Text: "oslo"}) {
		t.Error("text comparison should trim and ignore case")
	}
	c := 2
	if (AnswerValue{Kind: AnswerKindChoice, Choice: &a}).Equal(AnswerValue{Kind: AnswerKindChoice, Choice: &c}) {
		t.Error("different choices reported equal")
	}
	if (AnswerValue{Kind: AnswerKindText, Text: "x"}).Equal(AnswerValue{Kind: AnswerKindChoice, Choice: &a}) {
		t.Error("different kinds reported equal")
	}
}
