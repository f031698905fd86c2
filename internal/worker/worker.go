package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chimera/internal/decisions"
	"chimera/internal/domain"
	"chimera/internal/keyspace"
	"chimera/internal/ledger"
	"chimera/internal/skills"
	"chimera/internal/store"
)

// Options bound one worker's loop behavior.
type Options struct {
	LeaseDuration   time.Duration
	MaxAttempts     int
	ReviewHighWater int64
	PauseInitial    time.Duration
	PauseMax        time.Duration
	IdleWait        time.Duration
}

// DefaultOptions matches the documented loop parameters.
func DefaultOptions() Options {
	return Options{
		LeaseDuration:   30 * time.Second,
		MaxAttempts:     3,
		ReviewHighWater: 1000,
		PauseInitial:    200 * time.Millisecond,
		PauseMax:        2 * time.Second,
		IdleWait:        250 * time.Millisecond,
	}
}

// Worker leases tasks, dispatches them through the skill table, and reports
// results onto the review queue. It is stateless between iterations; crash
// safety rides entirely on the lease.
type Worker struct {
	ID        string
	Store     store.Store
	Keys      keyspace.Keyspace
	Skills    *skills.Registry
	SkillCtx  skills.Context
	Ledger    *ledger.Ledger
	Decisions decisions.Writer
	Log       *zap.Logger
	Opts      Options

	Now   func() time.Time
	Sleep func(context.Context, time.Duration) error

	pause time.Duration
}

// New builds a worker with a generated id.
func New(s store.Store, keys keyspace.Keyspace, reg *skills.Registry, sc skills.Context, led *ledger.Ledger, dec decisions.Writer, log *zap.Logger, opts Options) *Worker {
	id := "worker-" + uuid.NewString()[:8]
	sc.AgentID = id
	sc.TenantID = keys.TenantID()
	return &Worker{
		ID:        id,
		Store:     s,
		Keys:      keys,
		Skills:    reg,
		SkillCtx:  sc,
		Ledger:    led,
		Decisions: dec,
		Log:       log.With(zap.String("component", "worker"), zap.String("worker_id", id), zap.String("tenant", keys.TenantID())),
		Opts:      opts,
		Now:       time.Now,
		Sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run loops until the context is cancelled. In-flight work finishes; the
// loop only checks for cancellation between iterations.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		worked, err := w.Step(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			w.Log.Error("worker step failed", zap.Error(err))
		}
		if !worked {
			if err := w.Sleep(ctx, w.Opts.IdleWait); err != nil {
				return err
			}
		}
	}
}

// Step runs one iteration: back-pressure check, lease, dispatch, report.
// It reports whether it processed a task.
func (w *Worker) Step(ctx context.Context) (bool, error) {
	if paused, err := w.backPressure(ctx); err != nil || paused {
		return false, err
	}
	lease, err := w.Store.PopHighest(ctx, w.Keys.TaskQueue(), w.Opts.LeaseDuration)
	if err != nil {
		return false, err
	}
	if lease == nil {
		return false, nil
	}
	return true, w.process(ctx, lease)
}

// backPressure pauses leasing while the review queue is above its high-water
// mark, doubling the pause up to a cap. It reports whether it paused.
func (w *Worker) backPressure(ctx context.Context) (bool, error) {
	depth, err := w.Store.Depth(ctx, w.Keys.ReviewQueue())
	if err != nil {
		return false, err
	}
	if depth <= w.Opts.ReviewHighWater {
		w.pause = 0
		return false, nil
	}
	if w.pause == 0 {
		w.pause = w.Opts.PauseInitial
	} else {
		w.pause *= 2
		if w.pause > w.Opts.PauseMax {
			w.pause = w.Opts.PauseMax
		}
	}
	w.Log.Warn("review queue above high water, pausing",
		zap.Int64("depth", depth),
		zap.Duration("pause", w.pause))
	return true, w.Sleep(ctx, w.pause)
}

func (w *Worker) process(ctx context.Context, lease *store.Lease) error {
	var task domain.Task
	if err := json.Unmarshal(lease.Payload, &task); err != nil {
		// Poison payload: drop it rather than wedge the queue.
		w.Log.Error("dropping undecodable task payload", zap.String("item", lease.ItemID), zap.Error(err))
		return w.Store.Nack(ctx, lease, false)
	}
	task.Attempt = lease.Attempt

	if task.Attempt > w.Opts.MaxAttempts {
		return w.escalateRepeatedFailure(ctx, lease, task)
	}

	task.State = domain.StateInProgress
	task.UpdatedAt = w.Now().UTC()
	if err := w.putTask(ctx, task); err != nil {
		// Could not record the dispatch; release the lease for redelivery.
		_ = w.Store.Nack(ctx, lease, true)
		return err
	}
	_ = w.Decisions.Append(ctx, decisions.TypeTaskDispatched, "task", task.TaskID, w.ID, map[string]any{
		"attempt":   task.Attempt,
		"task_type": task.Type,
	})

	result := w.execute(ctx, task)

	item := domain.ReviewItem{Task: task, Result: result}
	payload, err := json.Marshal(item)
	if err != nil {
		_ = w.Store.Nack(ctx, lease, true)
		return err
	}
	if err := w.Store.Enqueue(ctx, w.Keys.ReviewQueue(), store.QueueItem{
		ID:         task.TaskID,
		Payload:    payload,
		Priority:   int(task.Priority),
		EnqueuedAt: w.Now().UTC(),
	}); err != nil {
		// The lease is released only after the result is enqueued; redelivery
		// reruns the attempt.
		_ = w.Store.Nack(ctx, lease, true)
		return err
	}
	task.State = domain.StateReview
	task.UpdatedAt = w.Now().UTC()
	if err := w.putTask(ctx, task); err != nil {
		w.Log.Warn("task record update lagged result", zap.String("task", task.TaskID), zap.Error(err))
	}
	return w.Store.Ack(ctx, lease)
}

// execute runs the budget gate and the skill, materializing every failure
// as a result so the judge sees it.
func (w *Worker) execute(ctx context.Context, task domain.Task) domain.TaskResult {
	if task.Type == domain.TaskExecuteTransaction {
		if result, blocked := w.budgetGate(ctx, task); blocked {
			return result
		}
	}
	result, err := w.Skills.Dispatch(ctx, task, w.SkillCtx)
	if err != nil {
		return domain.TaskResult{
			TaskID:         task.TaskID,
			TenantID:       task.TenantID,
			WorkerID:       w.ID,
			Attempt:        task.Attempt,
			Status:         domain.ResultError,
			Confidence:     0,
			ReasoningTrace: err.Error(),
			ExecutedAt:     w.Now().UTC(),
		}
	}
	result.WorkerID = w.ID
	result.Attempt = task.Attempt
	return result
}

// budgetGate refuses commerce tasks that would break the caps before any
// dispatch happens. The refusal still flows through review so the operator
// sees it; no spend is recorded.
func (w *Worker) budgetGate(ctx context.Context, task domain.Task) (domain.TaskResult, bool) {
	amount, err := amountOf(task)
	if err != nil {
		return w.refusal(task, domain.ReasonSchemaViolation, err.Error()), true
	}
	checkErr := w.Ledger.Check(ctx, w.ID, amount)
	if checkErr == nil {
		return domain.TaskResult{}, false
	}
	reason := domain.ReasonBudgetExceeded
	switch {
	case errors.Is(checkErr, ledger.ErrPerTxCap):
		reason = domain.ReasonPerTxCap
	case errors.Is(checkErr, ledger.ErrBudgetExceeded):
		reason = domain.ReasonDailyCap
	}
	return w.refusal(task, reason, checkErr.Error()), true
}

func (w *Worker) refusal(task domain.Task, reason, trace string) domain.TaskResult {
	return domain.TaskResult{
		TaskID:         task.TaskID,
		TenantID:       task.TenantID,
		WorkerID:       w.ID,
		Attempt:        task.Attempt,
		Status:         domain.ResultError,
		Confidence:     0,
		Reason:         reason,
		ReasoningTrace: trace,
		ExecutedAt:     w.Now().UTC(),
	}
}

// escalateRepeatedFailure moves an exhausted task straight to the HITL queue.
func (w *Worker) escalateRepeatedFailure(ctx context.Context, lease *store.Lease, task domain.Task) error {
	task.State = domain.StateEscalated
	task.UpdatedAt = w.Now().UTC()
	item := domain.HITLItem{
		TaskID:   task.TaskID,
		TenantID: task.TenantID,
		Payload: domain.ReviewItem{Task: task, Result: domain.TaskResult{
			TaskID:     task.TaskID,
			TenantID:   task.TenantID,
			Attempt:    task.Attempt,
			Status:     domain.ResultError,
			Reason:     domain.ReasonRepeatedFailure,
			ExecutedAt: w.Now().UTC(),
		}},
		Reason:   fmt.Sprintf("%s: %d attempts without a committed result", domain.ReasonRepeatedFailure, task.Attempt-1),
		QueuedAt: w.Now().UTC(),
		Status:   domain.HITLPending,
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return err
	}
	if err := w.Store.Enqueue(ctx, w.Keys.HITLQueue(), store.QueueItem{
		ID:         task.TaskID,
		Payload:    payload,
		Priority:   int(domain.PriorityMedium),
		EnqueuedAt: w.Now().UTC(),
	}); err != nil {
		_ = w.Store.Nack(ctx, lease, true)
		return err
	}
	if err := w.putTask(ctx, task); err != nil {
		w.Log.Warn("task record update lagged escalation", zap.String("task", task.TaskID), zap.Error(err))
	}
	_ = w.Decisions.Append(ctx, decisions.TypeHITLQueued, "task", task.TaskID, w.ID, map[string]any{
		"reason": domain.ReasonRepeatedFailure,
	})
	w.Log.Warn("task exhausted attempts, escalated",
		zap.String("task", task.TaskID),
		zap.Int("attempt", task.Attempt))
	return w.Store.Ack(ctx, lease)
}

func (w *Worker) putTask(ctx context.Context, task domain.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return w.Store.Put(ctx, w.Keys.Task(task.TaskID), data, 0)
}

func amountOf(task domain.Task) (float64, error) {
	raw, ok := task.Context["amount"]
	if !ok || raw == "" {
		return 0, nil
	}
	var amount float64
	if _, err := fmt.Sscanf(raw, "%g", &amount); err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	if amount < 0 {
		return 0, fmt.Errorf("amount %q is negative", raw)
	}
	return amount, nil
}
