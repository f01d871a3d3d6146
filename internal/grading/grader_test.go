package grading

import (
	"testing"

	"github.com/google/uuid"

	"github.com/veritest/veritest-backend/internal/model"
)

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

func choiceAnswer(i int) model.AnswerValue {
	return model.AnswerValue{Kind: model.AnswerKindChoice, Choice: intPtr(i)}
}

func textAnswer(s string) model.AnswerValue {
	return model.AnswerValue{Kind: model.AnswerKindText, Text: s}
}

func TestEvaluateAllCorrect(t *testing.T) {
	q1, q2 := uuid.New(), uuid.New()
	key := map[uuid.UUID]model.KeyEntry{
		q1: {Value: choiceAnswer(2), Points: 1},
		q2: {Value: textAnswer("Jakarta"), Points: 1},
	}
	answers := map[uuid.UUID]model.AnswerValue{
		q1: choiceAnswer(2),
		q2: textAnswer("  jakarta "),
	}

	res := Evaluate(key, answers)
	if res.Score != 100 {
		t.Errorf("score = %v, want 100", res.Score)
	}
	if res.Grade != "A" {
		t.Errorf("grade = %q, want A", res.Grade)
	}
}

func TestEvaluateWeightedPartial(t *testing.T) {
	q1, q2, q3 := uuid.New(), uuid.New(), uuid.New()
	key := map[uuid.UUID]model.KeyEntry{
		q1: {Value: choiceAnswer(0), Points: 3},
		q2: {Value: choiceAnswer(1), Points: 1},
		q3: {Value: model.AnswerValue{Kind: model.AnswerKindBoolean, Flag: boolPtr(true)}, Points: 1},
	}
	answers := map[uuid.UUID]model.AnswerValue{
		q1: choiceAnswer(0),
		q2: choiceAnswer(3),
	}

	res := Evaluate(key, answers)
	if res.Score != 60 {
		t.Errorf("score = %v, want 60", res.Score)
	}
	if res.Grade != "D" {
		t.Errorf("grade = %q, want D", res.Grade)
	}
}

func TestEvaluateEmptyAnswersScoresZero(t *testing.T) {
	key := map[uuid.UUID]model.KeyEntry{
		uuid.New(): {Value: choiceAnswer(1), Points: 2},
	}

	res := Evaluate(key, nil)
	if res.Score != 0 {
		t.Errorf("score = %v, want 0", res.Score)
	}
	if res.Grade != "F" {
		t.Errorf("grade = %q, want F", res.Grade)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	q1, q2 := uuid.New(), uuid.New()
	key := map[uuid.UUID]model.KeyEntry{
		q1: {Value: choiceAnswer(1), Points: 2},
		q2: {Value: textAnswer("osmosis"), Points: 3},
	}
	answers := map[uuid.UUID]model.AnswerValue{
		q1: choiceAnswer(1),
		q2: textAnswer("diffusion"),
	}

	first := Evaluate(key, answers)
	for i := 0; i < 50; i++ {
		if got := Evaluate(key, answers); got != first {
			t.Fatalf("evaluation %d = %+v, want %+v", i, got, first)
		}
	}
}

func TestEvaluateKindMismatchIsWrong(t *testing.T) {
	q1 := uuid.New()
	key := map[uuid.UUID]model.KeyEntry{
		q1: {Value: choiceAnswer(1), Points: 1},
	}
	answers := map[uuid.UUID]model.AnswerValue{
		q1: textAnswer("1"),
	}

	if res := Evaluate(key, answers); res.Score != 0 {
		t.Errorf("score = %v, want 0 for mismatched answer kind", res.Score)
	}
}

func TestLetterGradeBands(t *testing.T) {
	cases := []struct {
		score float64
		want  string
	}{
		{100, "A"}, {90, "A"}, {89.99, "B"}, {80, "B"},
		{79, "C"}, {70, "C"}, {69, "D"}, {60, "D"},
		{59.99, "F"}, {0, "F"},
	}
	for _, c := range cases {
		if got := letterGrade(c.score); got != c.want {
			t.Errorf("letterGrade(%v) = %q, want %q", c.score, got, c.want)
		}
	}
}
