package app

import (
	"context"
	"fmt"
	"sort"
	"time"

	"geoquest-engine/internal/domain"
	"geoquest-engine/internal/validate"
)

// AnswerOutcome reports the result of judging one task.
type AnswerOutcome struct {
	TaskID       string                  `json:"taskId"`
	Correct      bool                    `json:"correct"`
	Feedback     string                  `json:"feedback,omitempty"`
	NextIndex    int                     `json:"nextIndex"`
	Mistakes     int                     `json:"mistakes"`
	CorrectCount int                     `json:"correctCount"`
	Completed    bool                    `json:"completed"`
	Summary      *domain.QuestRunSummary `json:"summary,omitempty"`
}

// QuestRun sequences a fixed task list. It is owned by a single session goroutine
// and is not safe for concurrent use.
type QuestRun struct {
	bundle    domain.TaskBundle
	mode      domain.Mode
	evaluator Evaluator
	now       func() time.Time
	startedAt time.Time

	index      int
	mistakes   int
	correct    int
	correctIDs []string
	summary    *domain.QuestRunSummary
}

// NewQuestRun starts a run over bundle. evaluator may be nil, in which case free-text
// tasks are always judged locally.
func NewQuestRun(bundle domain.TaskBundle, mode domain.Mode, evaluator Evaluator) (*QuestRun, error) {
	return NewQuestRunWithClock(bundle, mode, evaluator, time.Now)
}

// NewQuestRunWithClock allows deterministic elapsed times in tests.
func NewQuestRunWithClock(bundle domain.TaskBundle, mode domain.Mode, evaluator Evaluator, now func() time.Time) (*QuestRun, error) {
	if len(bundle.Tasks) == 0 {
		return nil, fmt.Errorf("%w: bundle %s has no tasks", domain.ErrInvalidBundle, bundle.ID)
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: unknown mode %q", domain.ErrInvalidArgument, mode)
	}
	return &QuestRun{
		bundle:    bundle,
		mode:      mode,
		evaluator: evaluator,
		now:       now,
		startedAt: now(),
	}, nil
}

// Bundle returns the bundle the run plays over.
func (r *QuestRun) Bundle() domain.TaskBundle {
	return r.bundle
}

// Mode returns the reward mode of the run.
func (r *QuestRun) Mode() domain.Mode {
	return r.mode
}

// Current returns the task waiting for an answer.
func (r *QuestRun) Current() (domain.Task, bool) {
	if r.summary != nil {
		return domain.Task{}, false
	}
	return r.bundle.Tasks[r.index], true
}

// Summary returns the run summary once the last task has been answered.
func (r *QuestRun) Summary() (domain.QuestRunSummary, bool) {
	if r.summary == nil {
		return domain.QuestRunSummary{}, false
	}
	return *r.summary, true
}

// Abandon ends the run early: every task not yet answered counts as a mistake. A completed
// run returns its summary unchanged.
func (r *QuestRun) Abandon() domain.QuestRunSummary {
	if r.summary == nil {
		remaining := len(r.bundle.Tasks) - r.index
		r.mistakes += remaining
		r.index = len(r.bundle.Tasks)
		r.summary = &domain.QuestRunSummary{
			CorrectCount:   r.correct,
			TotalTasks:     len(r.bundle.Tasks),
			Mistakes:       r.mistakes,
			ElapsedMs:      r.now().Sub(r.startedAt).Milliseconds(),
			CorrectTaskIDs: append([]string(nil), r.correctIDs...),
		}
	}
	return *r.summary
}

// Answer judges the current task. taskID must name the current task; the index only moves
// forward, so no task can be answered twice. When the evaluator fails, the attempt counts as a
// mistake, the index stays put and a retryable domain.ErrEvaluatorUnavailable is returned.
func (r *QuestRun) Answer(ctx context.Context, taskID string, submitted domain.Answer) (AnswerOutcome, error) {
	task, ok := r.Current()
	if !ok {
		return AnswerOutcome{}, domain.ErrRunCompleted
	}
	if task.ID != taskID {
		return AnswerOutcome{}, fmt.Errorf("%w: expected %s, got %s", domain.ErrTaskOutOfOrder, task.ID, taskID)
	}

	correct, feedback, err := r.judge(ctx, task, submitted)
	if err != nil {
		r.mistakes++
		answersJudged.WithLabelValues(string(task.Kind), "evaluator_error").Inc()
		return r.outcome(task.ID, false, ""), err
	}

	if correct {
		r.correct++
		r.correctIDs = append(r.correctIDs, task.ID)
		answersJudged.WithLabelValues(string(task.Kind), "correct").Inc()
	} else {
		r.mistakes++
		answersJudged.WithLabelValues(string(task.Kind), "incorrect").Inc()
	}
	r.index++
	if r.index >= len(r.bundle.Tasks) {
		r.summary = &domain.QuestRunSummary{
			CorrectCount:   r.correct,
			TotalTasks:     len(r.bundle.Tasks),
			Mistakes:       r.mistakes,
			ElapsedMs:      r.now().Sub(r.startedAt).Milliseconds(),
			CorrectTaskIDs: append([]string(nil), r.correctIDs...),
		}
	}
	return r.outcome(task.ID, correct, feedback), nil
}

func (r *QuestRun) judge(ctx context.Context, task domain.Task, submitted domain.Answer) (bool, string, error) {
	if task.Kind != domain.KindFreeText || !r.mode.HighStakes() || r.evaluator == nil {
		return validate.Task(task, submitted), "", nil
	}

	req := EvaluationRequest{
		Question:      task.Prompt,
		Submitted:     submitted.Text,
		CorrectAnswer: task.CorrectAnswer.Text,
	}
	for field, expected := range task.CorrectAnswer.Fields {
		req.FieldSpecs = append(req.FieldSpecs, FieldSpec{Field: field, Expected: expected})
	}
	sort.Slice(req.FieldSpecs, func(i, j int) bool { return req.FieldSpecs[i].Field < req.FieldSpecs[j].Field })
	started := time.Now()
	verdict, err := r.evaluator.Evaluate(ctx, req)
	evaluatorLatency.Observe(time.Since(started).Seconds())
	if err != nil {
		evaluatorFailures.Inc()
		return false, "", fmt.Errorf("%w: %v", domain.ErrEvaluatorUnavailable, err)
	}
	return verdict.IsFullyCorrect, verdict.Feedback, nil
}

func (r *QuestRun) outcome(taskID string, correct bool, feedback string) AnswerOutcome {
	out := AnswerOutcome{
		TaskID:       taskID,
		Correct:      correct,
		Feedback:     feedback,
		NextIndex:    r.index,
		Mistakes:     r.mistakes,
		CorrectCount: r.correct,
	}
	if r.summary != nil {
		s := *r.summary
		out.Completed = true
		out.Summary = &s
	}
	return out
}
