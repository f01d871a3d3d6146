package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/veritest/veritest-backend/internal/grading"
	"github.com/veritest/veritest-backend/internal/model"
	"github.com/veritest/veritest-backend/internal/repository"
)

// fakeStore is an in-memory AttemptStore. It reproduces the storage
// contract: a unique (exam, student) constraint, a status check under the
// same lock as answer writes, and a conditional terminal transition.
type fakeStore struct {
	mu       sync.Mutex
	attempts map[uuid.UUID]*model.Attempt
	answers  map[uuid.UUID]map[uuid.UUID]model.AnswerValue
	marked   map[uuid.UUID]map[uuid.UUID]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		attempts: make(map[uuid.UUID]*model.Attempt),
		answers:  make(map[uuid.UUID]map[uuid.UUID]model.AnswerValue),
		marked:   make(map[uuid.UUID]map[uuid.UUID]bool),
	}
}

func (f *fakeStore) CreateAttempt(_ context.Context, examID uuid.UUID, studentID, durationSeconds int) (*model.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.attempts {
		if a.ExamID == examID && a.StudentID == studentID {
			return nil, repository.ErrAlreadyExists
		}
	}
	a := &model.Attempt{
		ID:              uuid.New(),
		ExamID:          examID,
		StudentID:       studentID,
		StartedAt:       time.Now(),
		DurationSeconds: durationSeconds,
		Status:          model.AttemptStatusInProgress,
	}
	f.attempts[a.ID] = a
	return copyAttempt(a), nil
}

func (f *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*model.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attempts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyAttempt(a), nil
}

func (f *fakeStore) GetByExamAndStudent(_ context.Context, examID uuid.UUID, studentID int) (*model.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.attempts {
		if a.ExamID == examID && a.StudentID == studentID {
			return copyAttempt(a), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) UpsertAnswer(_ context.Context, attemptID, questionID uuid.UUID, value *model.AnswerValue, marked *bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attempts[attemptID]
	if !ok {
		return repository.ErrNotFound
	}
	if a.Status != model.AttemptStatusInProgress {
		return repository.ErrInvalidState
	}
	if value != nil {
		if f.answers[attemptID] == nil {
			f.answers[attemptID] = make(map[uuid.UUID]model.AnswerValue)
		}
		f.answers[attemptID][questionID] = *value
	}
	if marked != nil {
		if f.marked[attemptID] == nil {
			f.marked[attemptID] = make(map[uuid.UUID]bool)
		}
		f.marked[attemptID][questionID] = *marked
	}
	return nil
}

func (f *fakeStore) Answers(_ context.Context, attemptID uuid.UUID) (map[uuid.UUID]model.AnswerValue, map[uuid.UUID]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	answers := make(map[uuid.UUID]model.AnswerValue, len(f.answers[attemptID]))
	for k, v := range f.answers[attemptID] {
		answers[k] = v
	}
	marked := make(map[uuid.UUID]bool, len(f.marked[attemptID]))
	for k, v := range f.marked[attemptID] {
		marked[k] = v
	}
	return answers, marked, nil
}

func (f *fakeStore) Finalize(_ context.Context, attemptID uuid.UUID, score float64, grade, feedback string) (*model.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attempts[attemptID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if a.Status != model.AttemptStatusInProgress {
		return nil, repository.ErrInvalidState
	}
	now := time.Now()
	a.Status = model.AttemptStatusSubmitted
	a.SubmittedAt = &now
	a.Score = &score
	a.Grade = &grade
	a.Feedback = &feedback
	return copyAttempt(a), nil
}

func (f *fakeStore) ListExpiredInProgress(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []uuid.UUID
	for id, a := range f.attempts {
		if a.Status == model.AttemptStatusInProgress && a.IsExpired(now) {
			ids = append(ids, id)
			if len(ids) == limit {
				break
			}
		}
	}
	return ids, nil
}

func copyAttempt(a *model.Attempt) *model.Attempt {
	c := *a
	return &c
}

type fakeExams struct {
	exam *model.Exam
}

func (f *fakeExams) GetByID(_ context.Context, id uuid.UUID) (*model.Exam, error) {
	if f.exam == nil || f.exam.ID != id {
		return nil, repository.ErrNotFound
	}
	e := *f.exam
	return &e, nil
}

// fakeGrader counts grading runs and can fail a configured number of
// times before succeeding.
type fakeGrader struct {
	calls    atomic.Int64
	failures atomic.Int64
	score    float64
}

func (f *fakeGrader) Grade(_ context.Context, _ uuid.UUID, answers map[uuid.UUID]model.AnswerValue) (*grading.Result, error) {
	f.calls.Add(1)
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return nil, fmt.Errorf("answer key unavailable")
	}
	score := f.score
	if score == 0 {
		score = float64(len(answers) * 10)
	}
	return &grading.Result{Score: score, Grade: "B", Feedback: "graded"}, nil
}

func newTestService(t *testing.T) (*AttemptService, *fakeStore, *fakeGrader, *model.Exam) {
	t.Helper()
	exam := &model.Exam{
		ID:              uuid.New(),
		Title:           "Biology Midterm",
		DurationSeconds: 600,
		Status:          model.ExamStatusOpen,
	}
	store := newFakeStore()
	grader := &fakeGrader{}
	svc := NewAttemptService(store, &fakeExams{exam: exam}, grader, nil)
	return svc, store, grader, exam
}

func choiceValue(i int) model.AnswerValue {
	return model.AnswerValue{Kind: model.AnswerKindChoice, Choice: &i}
}

func TestStartAttemptCopiesDuration(t *testing.T) {
	svc, _, _, exam := newTestService(t)

	a, err := svc.StartAttempt(context.Background(), exam.ID, 42)
	if err != nil {
		t.Fatalf("StartAttempt: %v", err)
	}
	if a.DurationSeconds != exam.DurationSeconds {
		t.Errorf("duration = %d, want %d", a.DurationSeconds, exam.DurationSeconds)
	}
	if a.Status != model.AttemptStatusInProgress {
		t.Errorf("status = %q, want IN_PROGRESS", a.Status)
	}

	// Later duration edits must not move the live deadline.
	exam.DurationSeconds = 60
	got, err := svc.State(context.Background(), a.ID, 42)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if got.Attempt.DurationSeconds != 600 {
		t.Errorf("attempt duration changed to %d after exam edit", got.Attempt.DurationSeconds)
	}
}

func TestStartAttemptRejectsSecond(t *testing.T) {
	svc, _, _, exam := newTestService(t)
	ctx := context.Background()

	first, err := svc.StartAttempt(ctx, exam.ID, 42)
	if err != nil {
		t.Fatalf("first StartAttempt: %v", err)
	}
	if _, err := svc.StartAttempt(ctx, exam.ID, 42); !errors.Is(err, repository.ErrAlreadyExists) {
		t.Fatalf("second StartAttempt err = %v, want ErrAlreadyExists", err)
	}

	existing, err := svc.ExistingAttempt(ctx, exam.ID, 42)
	if err != nil {
		t.Fatalf("ExistingAttempt: %v", err)
	}
	if existing.ID != first.ID {
		t.Errorf("existing attempt %s, want %s", existing.ID, first.ID)
	}
}

func TestStartAttemptClosedExam(t *testing.T) {
	svc, _, _, exam := newTestService(t)
	exam.Status = model.ExamStatusDraft

	if _, err := svc.StartAttempt(context.Background(), exam.ID, 42); !errors.Is(err, ErrExamNotAvailable) {
		t.Fatalf("err = %v, want ErrExamNotAvailable", err)
	}
}

func TestConcurrentSubmitsGradeOnce(t *testing.T) {
	svc, _, grader, exam := newTestService(t)
	ctx := context.Background()

	a, err := svc.StartAttempt(ctx, exam.ID, 42)
	if err != nil {
		t.Fatalf("StartAttempt: %v", err)
	}
	if err := svc.SaveAnswer(ctx, a.ID, 42, uuid.New(), choiceValue(1)); err != nil {
		t.Fatalf("SaveAnswer: %v", err)
	}

	const n = 20
	results := make([]*model.Attempt, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Submit(ctx, a.ID, 42, TriggerStudent)
			if err != nil {
				t.Errorf("submit %d: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	if got := grader.calls.Load(); got != 1 {
		t.Errorf("grading ran %d times, want 1", got)
	}
	first := results[0]
	for i, res := range results {
		if res == nil || res.Score == nil {
			t.Fatalf("result %d missing score", i)
		}
		if *res.Score != *first.Score || !res.SubmittedAt.Equal(*first.SubmittedAt) {
			t.Errorf("result %d diverged: score %v at %v, want %v at %v",
				i, *res.Score, res.SubmittedAt, *first.Score, first.SubmittedAt)
		}
	}
}

func TestResubmitReturnsOriginalResult(t *testing.T) {
	svc, _, grader, exam := newTestService(t)
	ctx := context.Background()

	a, _ := svc.StartAttempt(ctx, exam.ID, 42)
	_ = svc.SaveAnswer(ctx, a.ID, 42, uuid.New(), choiceValue(2))

	first, err := svc.Submit(ctx, a.ID, 42, TriggerStudent)
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	second, err := svc.Submit(ctx, a.ID, 42, TriggerStudent)
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}

	if *first.Score != *second.Score {
		t.Errorf("scores diverged: %v vs %v", *first.Score, *second.Score)
	}
	if !first.SubmittedAt.Equal(*second.SubmittedAt) {
		t.Errorf("submitted_at diverged: %v vs %v", first.SubmittedAt, second.SubmittedAt)
	}
	if got := grader.calls.Load(); got != 1 {
		t.Errorf("grading ran %d times, want 1", got)
	}
}

func TestSaveAnswerAfterSubmitRejected(t *testing.T) {
	svc, store, _, exam := newTestService(t)
	ctx := context.Background()

	a, _ := svc.StartAttempt(ctx, exam.ID, 42)
	qID := uuid.New()
	_ = svc.SaveAnswer(ctx, a.ID, 42, qID, choiceValue(1))
	if _, err := svc.Submit(ctx, a.ID, 42, TriggerStudent); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := svc.SaveAnswer(ctx, a.ID, 42, qID, choiceValue(3)); !errors.Is(err, ErrAttemptClosed) {
		t.Fatalf("err = %v, want ErrAttemptClosed", err)
	}

	answers, _, _ := store.Answers(ctx, a.ID)
	if got := answers[qID]; *got.Choice != 1 {
		t.Errorf("answer mutated after submit: %d", *got.Choice)
	}
}

func TestExpiredAttemptForcedClosed(t *testing.T) {
	svc, _, _, exam := newTestService(t)
	ctx := context.Background()

	a, _ := svc.StartAttempt(ctx, exam.ID, 42)
	qID := uuid.New()
	if err := svc.SaveAnswer(ctx, a.ID, 42, qID, choiceValue(1)); err != nil {
		t.Fatalf("SaveAnswer: %v", err)
	}

	// Jump past the deadline.
	svc.now = func() time.Time { return time.Now().Add(time.Duration(exam.DurationSeconds+1) * time.Second) }

	if err := svc.SaveAnswer(ctx, a.ID, 42, qID, choiceValue(9)); !errors.Is(err, ErrAttemptClosed) {
		t.Fatalf("late save err = %v, want ErrAttemptClosed", err)
	}

	state, err := svc.State(ctx, a.ID, 42)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.Attempt.Status != model.AttemptStatusSubmitted {
		t.Errorf("status = %q, want SUBMITTED after expiry", state.Attempt.Status)
	}
	if got := state.Answers[qID]; *got.Choice != 1 {
		t.Errorf("late answer applied: choice = %d, want 1", *got.Choice)
	}
	if state.RemainingSeconds != 0 {
		t.Errorf("remaining = %d, want 0", state.RemainingSeconds)
	}
}

func TestStateReadClosesExpiredAttempt(t *testing.T) {
	svc, _, _, exam := newTestService(t)
	ctx := context.Background()

	a, _ := svc.StartAttempt(ctx, exam.ID, 42)
	svc.now = func() time.Time { return time.Now().Add(24 * time.Hour) }

	state, err := svc.State(ctx, a.ID, 42)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.Attempt.Status != model.AttemptStatusSubmitted {
		t.Errorf("status = %q, want SUBMITTED", state.Attempt.Status)
	}
	if state.Attempt.Score == nil {
		t.Error("expired attempt closed without a score")
	}
}

func TestSweepClosesExpiredAttempts(t *testing.T) {
	svc, _, _, exam := newTestService(t)
	ctx := context.Background()

	a1, _ := svc.StartAttempt(ctx, exam.ID, 1)
	a2, _ := svc.StartAttempt(ctx, exam.ID, 2)
	svc.now = func() time.Time { return time.Now().Add(24 * time.Hour) }

	closed, err := svc.SubmitExpired(ctx, 100)
	if err != nil {
		t.Fatalf("SubmitExpired: %v", err)
	}
	if closed != 2 {
		t.Errorf("closed = %d, want 2", closed)
	}

	for _, id := range []uuid.UUID{a1.ID, a2.ID} {
		state, err := svc.State(ctx, id, 0)
		if !errors.Is(err, repository.ErrNotFound) {
			// Ownership check: student 0 owns neither.
			t.Fatalf("state for wrong student: %v, %v", state, err)
		}
	}

	// A second sweep finds nothing.
	closed, err = svc.SubmitExpired(ctx, 100)
	if err != nil {
		t.Fatalf("second SubmitExpired: %v", err)
	}
	if closed != 0 {
		t.Errorf("second sweep closed %d, want 0", closed)
	}
}

func TestGradingFailureLeavesAttemptOpen(t *testing.T) {
	svc, _, grader, exam := newTestService(t)
	ctx := context.Background()

	a, _ := svc.StartAttempt(ctx, exam.ID, 42)
	_ = svc.SaveAnswer(ctx, a.ID, 42, uuid.New(), choiceValue(1))

	grader.failures.Store(1)
	if _, err := svc.Submit(ctx, a.ID, 42, TriggerStudent); !errors.Is(err, ErrGradingFailure) {
		t.Fatalf("err = %v, want ErrGradingFailure", err)
	}

	state, err := svc.State(ctx, a.ID, 42)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.Attempt.Status != model.AttemptStatusInProgress {
		t.Fatalf("status = %q, want IN_PROGRESS after grading failure", state.Attempt.Status)
	}

	// Retry succeeds once grading recovers.
	res, err := svc.Submit(ctx, a.ID, 42, TriggerStudent)
	if err != nil {
		t.Fatalf("retry Submit: %v", err)
	}
	if res.Status != model.AttemptStatusSubmitted {
		t.Errorf("status = %q, want SUBMITTED", res.Status)
	}
}

func TestOwnershipHidesForeignAttempts(t *testing.T) {
	svc, _, _, exam := newTestService(t)
	ctx := context.Background()

	a, _ := svc.StartAttempt(ctx, exam.ID, 42)

	if _, err := svc.State(ctx, a.ID, 7); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("State err = %v, want ErrNotFound", err)
	}
	if err := svc.SaveAnswer(ctx, a.ID, 7, uuid.New(), choiceValue(1)); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("SaveAnswer err = %v, want ErrNotFound", err)
	}
	if _, err := svc.Submit(ctx, a.ID, 7, TriggerStudent); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("Submit err = %v, want ErrNotFound", err)
	}
}

func TestTimerSubmitForeignAttemptHidden(t *testing.T) {
	svc, store, grader, exam := newTestService(t)
	ctx := context.Background()

	a, _ := svc.StartAttempt(ctx, exam.ID, 42)

	// Another student claiming a timer expiry must not be able to close
	// someone else's live attempt.
	if _, err := svc.Submit(ctx, a.ID, 7, TriggerTimer); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("foreign timer submit err = %v, want ErrNotFound", err)
	}
	if got := grader.calls.Load(); got != 0 {
		t.Errorf("grading ran %d times for a rejected submit", got)
	}
	live, _ := store.GetByID(ctx, a.ID)
	if live.Status != model.AttemptStatusInProgress {
		t.Fatalf("status = %q, want IN_PROGRESS", live.Status)
	}

	// The same holds after expiry: the trigger grants no ownership bypass.
	svc.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	if _, err := svc.Submit(ctx, a.ID, 7, TriggerTimer); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expired foreign timer submit err = %v, want ErrNotFound", err)
	}
}

func TestTimerSubmitBeforeDeadline(t *testing.T) {
	svc, _, _, exam := newTestService(t)
	ctx := context.Background()

	a, _ := svc.StartAttempt(ctx, exam.ID, 42)
	_ = svc.SaveAnswer(ctx, a.ID, 42, uuid.New(), choiceValue(1))

	// The owner's client may claim a timer expiry early; the server
	// recomputes the deadline and still honors it as an ordinary submit.
	res, err := svc.Submit(ctx, a.ID, 42, TriggerTimer)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Status != model.AttemptStatusSubmitted {
		t.Errorf("status = %q, want SUBMITTED", res.Status)
	}
}

func TestMarkForReviewDoesNotTouchAnswer(t *testing.T) {
	svc, store, _, exam := newTestService(t)
	ctx := context.Background()

	a, _ := svc.StartAttempt(ctx, exam.ID, 42)
	qID := uuid.New()
	_ = svc.SaveAnswer(ctx, a.ID, 42, qID, choiceValue(2))
	if err := svc.MarkForReview(ctx, a.ID, 42, qID, true); err != nil {
		t.Fatalf("MarkForReview: %v", err)
	}

	answers, marked, _ := store.Answers(ctx, a.ID)
	if got := answers[qID]; *got.Choice != 2 {
		t.Errorf("answer changed by review mark: %d", *got.Choice)
	}
	if !marked[qID] {
		t.Error("review mark not recorded")
	}

	// Marks may also exist on unanswered questions.
	other := uuid.New()
	if err := svc.MarkForReview(ctx, a.ID, 42, other, true); err != nil {
		t.Fatalf("MarkForReview unanswered: %v", err)
	}
	_, marked, _ = store.Answers(ctx, a.ID)
	if !marked[other] {
		t.Error("mark on unanswered question not recorded")
	}
}

func TestSaveAnswerValidatesPayload(t *testing.T) {
	svc, _, _, exam := newTestService(t)
	ctx := context.Background()

	a, _ := svc.StartAttempt(ctx, exam.ID, 42)
	bad := model.AnswerValue{Kind: model.AnswerKindChoice} // kind without payload
	if err := svc.SaveAnswer(ctx, a.ID, 42, uuid.New(), bad); err == nil {
		t.Fatal("expected validation error for payload-less choice answer")
	}
}

func TestConcurrentSaveAndSubmit(t *testing.T) {
	svc, store, _, exam := newTestService(t)
	ctx := context.Background()

	a, _ := svc.StartAttempt(ctx, exam.ID, 42)
	qID := uuid.New()
	_ = svc.SaveAnswer(ctx, a.ID, 42, qID, choiceValue(0))

	var wg sync.WaitGroup
	saveErrs := make([]error, 50)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := svc.Submit(ctx, a.ID, 42, TriggerStudent); err != nil {
			t.Errorf("Submit: %v", err)
		}
	}()
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			saveErrs[i] = svc.SaveAnswer(ctx, a.ID, 42, qID, choiceValue(i))
		}(i)
	}
	wg.Wait()

	// Every save either landed before the terminal transition or was
	// rejected as closed. None may land after.
	for i, err := range saveErrs {
		if err != nil && !errors.Is(err, ErrAttemptClosed) {
			t.Errorf("save %d: unexpected error %v", i, err)
		}
	}
	final, _ := store.GetByID(ctx, a.ID)
	if final.Status != model.AttemptStatusSubmitted {
		t.Fatalf("status = %q, want SUBMITTED", final.Status)
	}
	if err := svc.SaveAnswer(ctx, a.ID, 42, qID, choiceValue(99)); !errors.Is(err, ErrAttemptClosed) {
		t.Errorf("post-submit save err = %v, want ErrAttemptClosed", err)
	}
}
