package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"geoquest-engine/internal/app"
	"geoquest-engine/internal/domain"
)

type scriptedEvaluator struct {
	verdicts []app.Verdict
	errs     []error
	calls    int
	last     app.EvaluationRequest
}

func (e *scriptedEvaluator) Evaluate(_ context.Context, req app.EvaluationRequest) (app.Verdict, error) {
	i := e.calls
	e.calls++
	e.last = req
	if i < len(e.errs) && e.errs[i] != nil {
		return app.Verdict{}, e.errs[i]
	}
	if i < len(e.verdicts) {
		return e.verdicts[i], nil
	}
	return app.Verdict{}, nil
}

func answer(s string) domain.Answer { return domain.Answer{Text: s} }

func TestQuestRunPerfectSummary(t *testing.T) {
	clock := &stepClock{t: time.Unix(0, 0), step: time.Second}
	run, err := app.NewQuestRunWithClock(sampleBundle(), domain.ModeStandard, nil, clock.now)
	if err != nil {
		t.Fatalf("new run: %v", err)
	}
	ctx := context.Background()

	for _, step := range []struct{ id, text string }{{"t1", "b"}, {"t2", "90°"}, {"t3", "Ein rechter Winkel"}} {
		out, err := run.Answer(ctx, step.id, answer(step.text))
		if err != nil {
			t.Fatalf("answer %s: %v", step.id, err)
		}
		if !out.Correct {
			t.Fatalf("expected %s correct", step.id)
		}
	}
	summary, ok := run.Summary()
	if !ok {
		t.Fatalf("expected summary after last task")
	}
	if !summary.IsPerfectRun() || summary.CorrectCount != 3 || summary.TotalTasks != 3 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.ElapsedMs != 1000 {
		t.Fatalf("expected 1000ms elapsed, got %d", summary.ElapsedMs)
	}
	if _, err := run.Answer(ctx, "t3", answer("x")); !errors.Is(err, domain.ErrRunCompleted) {
		t.Fatalf("expected run completed, got %v", err)
	}
}

func TestQuestRunMistakeAdvances(t *testing.T) {
	run, err := app.NewQuestRun(sampleBundle(), domain.ModeStandard, nil)
	if err != nil {
		t.Fatalf("new run: %v", err)
	}
	out, err := run.Answer(context.Background(), "t1", answer("A"))
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if out.Correct || out.Mistakes != 1 || out.NextIndex != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestQuestRunRejectsOutOfOrder(t *testing.T) {
	run, _ := app.NewQuestRun(sampleBundle(), domain.ModeStandard, nil)
	if _, err := run.Answer(context.Background(), "t2", answer("90")); !errors.Is(err, domain.ErrTaskOutOfOrder) {
		t.Fatalf("expected out of order, got %v", err)
	}
	task, _ := run.Current()
	if task.ID != "t1" {
		t.Fatalf("index must not move, current %s", task.ID)
	}
}

func TestQuestRunRejectsEmptyBundle(t *testing.T) {
	if _, err := app.NewQuestRun(domain.TaskBundle{ID: "empty"}, domain.ModeStandard, nil); !errors.Is(err, domain.ErrInvalidBundle) {
		t.Fatalf("expected invalid bundle, got %v", err)
	}
	if _, err := app.NewQuestRun(sampleBundle(), domain.Mode("casual"), nil); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestQuestRunEvaluatorFailureIsRetryable(t *testing.T) {
	eval := &scriptedEvaluator{
		errs:     []error{errors.New("timeout")},
		verdicts: []app.Verdict{{}, {IsFullyCorrect: true, Feedback: "gut"}},
	}
	run, _ := app.NewQuestRun(sampleBundle(), domain.ModeHardmode, eval)
	ctx := context.Background()
	if _, err := run.Answer(ctx, "t1", answer("B")); err != nil {
		t.Fatalf("t1: %v", err)
	}
	if _, err := run.Answer(ctx, "t2", answer("90")); err != nil {
		t.Fatalf("t2: %v", err)
	}

	out, err := run.Answer(ctx, "t3", answer("rechter Winkel"))
	if !errors.Is(err, domain.ErrEvaluatorUnavailable) || !domain.Retryable(err) {
		t.Fatalf("expected retryable evaluator error, got %v", err)
	}
	if out.Mistakes != 1 || out.NextIndex != 2 || out.Completed {
		t.Fatalf("failure counts a mistake and stays on the task, got %+v", out)
	}

	out, err = run.Answer(ctx, "t3", answer("rechter Winkel"))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !out.Correct || !out.Completed || out.Feedback != "gut" {
		t.Fatalf("unexpected retry outcome %+v", out)
	}
	if out.Summary.IsPerfectRun() {
		t.Fatalf("a run with an evaluator failure cannot be perfect")
	}
	if eval.last.CorrectAnswer != "rechter Winkel" {
		t.Fatalf("evaluator got %+v", eval.last)
	}
}

func TestQuestRunStandardModeJudgesLocally(t *testing.T) {
	eval := &scriptedEvaluator{}
	run, _ := app.NewQuestRun(domain.TaskBundle{ID: "b", Tasks: sampleBundle().Tasks[2:]}, domain.ModeStandard, eval)
	out, err := run.Answer(context.Background(), "t3", answer("Rechter   WINKEL"))
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if !out.Correct || eval.calls != 0 {
		t.Fatalf("expected local judgement, correct=%v calls=%d", out.Correct, eval.calls)
	}
}

func TestQuestRunAbandonCountsRemainingAsMistakes(t *testing.T) {
	run, err := app.NewQuestRun(sampleBundle(), domain.ModeStandard, nil)
	if err != nil {
		t.Fatalf("new run: %v", err)
	}
	if _, err := run.Answer(context.Background(), "t1", answer("B")); err != nil {
		t.Fatalf("answer: %v", err)
	}
	summary := run.Abandon()
	if summary.CorrectCount != 1 || summary.TotalTasks != 3 || summary.Mistakes != 2 || summary.IsPerfectRun() {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if _, err := run.Answer(context.Background(), "t2", answer("90")); !errors.Is(err, domain.ErrRunCompleted) {
		t.Fatalf("abandoned run must not take answers, got %v", err)
	}
	if again := run.Abandon(); again.Mistakes != 2 {
		t.Fatalf("second abandon changed the summary: %+v", again)
	}
}
