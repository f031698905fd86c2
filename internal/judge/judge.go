package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chimera/internal/decisions"
	"chimera/internal/domain"
	"chimera/internal/keyspace"
	"chimera/internal/ledger"
	"chimera/internal/store"
)

// DefaultSensitiveTopics is the vocabulary the override matches against when
// no custom list is configured. Matching is case-insensitive substring.
var DefaultSensitiveTopics = []string{"politics", "health", "financial", "legal", "religion"}

const occRetries = 5

// Options bound one judge's loop behavior.
type Options struct {
	LeaseDuration   time.Duration
	HighConfidence  float64
	MedConfidence   float64
	SensitiveTopics []string
	IdleWait        time.Duration
}

// DefaultOptions matches the documented thresholds.
func DefaultOptions() Options {
	return Options{
		LeaseDuration:   60 * time.Second,
		HighConfidence:  0.90,
		MedConfidence:   0.70,
		SensitiveTopics: DefaultSensitiveTopics,
		IdleWait:        250 * time.Millisecond,
	}
}

// Judge drains the review queue and gates every result: approve commits
// under optimistic concurrency, reject demotes and retries, escalate hands
// the item to a human.
type Judge struct {
	ID        string
	Store     store.Store
	Keys      keyspace.Keyspace
	Ledger    *ledger.Ledger
	Decisions decisions.Writer
	Log       *zap.Logger
	Opts      Options

	Now   func() time.Time
	Sleep func(context.Context, time.Duration) error
}

// New builds a judge with a generated id.
func New(s store.Store, keys keyspace.Keyspace, led *ledger.Ledger, dec decisions.Writer, log *zap.Logger, opts Options) *Judge {
	id := "judge-" + uuid.NewString()[:8]
	return &Judge{
		ID:        id,
		Store:     s,
		Keys:      keys,
		Ledger:    led,
		Decisions: dec,
		Log:       log.With(zap.String("component", "judge"), zap.String("judge_id", id), zap.String("tenant", keys.TenantID())),
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

// Run recovers any interrupted commits, then loops until cancelled.
func (j *Judge) Run(ctx context.Context) error {
	if err := j.RecoverPendingCommits(ctx); err != nil {
		return fmt.Errorf("recover pending commits: %w", err)
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		worked, err := j.Step(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			j.Log.Error("judge step failed", zap.Error(err))
		}
		if !worked {
			if err := j.Sleep(ctx, j.Opts.IdleWait); err != nil {
				return err
			}
		}
	}
}

// Step reviews at most one item and reports whether it did.
func (j *Judge) Step(ctx context.Context) (bool, error) {
	lease, err := j.Store.PopHighest(ctx, j.Keys.ReviewQueue(), j.Opts.LeaseDuration)
	if err != nil {
		return false, err
	}
	if lease == nil {
		return false, nil
	}
	return true, j.review(ctx, lease)
}

func (j *Judge) review(ctx context.Context, lease *store.Lease) error {
	var item domain.ReviewItem
	if err := json.Unmarshal(lease.Payload, &item); err != nil {
		j.Log.Error("dropping undecodable review payload", zap.String("item", lease.ItemID), zap.Error(err))
		return j.Store.Nack(ctx, lease, false)
	}

	decision, reasoning := j.Evaluate(item)
	record := domain.JudgeDecision{
		TaskID:              item.Task.TaskID,
		TenantID:            item.Task.TenantID,
		Decision:            decision,
		RequiresHumanReview: decision == domain.DecisionEscalate,
		Reasoning:           reasoning,
		DecidedAt:           j.Now().UTC(),
	}
	_ = j.Decisions.Append(ctx, decisions.TypeJudgeDecision, "task", item.Task.TaskID, j.ID, map[string]any{
		"decision":       record.Decision,
		"reasoning":      record.Reasoning,
		"requires_human": record.RequiresHumanReview,
		"confidence":     item.Result.Confidence,
	})

	var err error
	switch decision {
	case domain.DecisionApprove:
		err = j.Approve(ctx, item)
	case domain.DecisionReject:
		err = j.reject(ctx, item)
	default:
		err = j.escalate(ctx, item, reasoning)
	}
	if err != nil {
		// Lease redelivery retries the whole review.
		_ = j.Store.Nack(ctx, lease, true)
		return err
	}
	return j.Store.Ack(ctx, lease)
}

// Evaluate applies the decision procedure in strict order: sensitive-topic
// override, error routing, then the confidence thresholds.
func (j *Judge) Evaluate(item domain.ReviewItem) (domain.Decision, string) {
	if topic := j.sensitiveTopic(item.Result); topic != "" {
		return domain.DecisionEscalate, fmt.Sprintf("output mentions sensitive topic %q", topic)
	}
	if item.Result.Status == domain.ResultError {
		reason := item.Result.Reason
		if reason == "" {
			reason = "worker error"
		}
		return domain.DecisionEscalate, fmt.Sprintf("worker reported error: %s", reason)
	}
	c := item.Result.Confidence
	switch {
	case c >= j.Opts.HighConfidence:
		return domain.DecisionApprove, fmt.Sprintf("confidence %.2f meets approval threshold", c)
	case c >= j.Opts.MedConfidence:
		return domain.DecisionEscalate, fmt.Sprintf("confidence %.2f requires human review", c)
	default:
		return domain.DecisionReject, fmt.Sprintf("confidence %.2f below review threshold", c)
	}
}

// sensitiveTopic returns the first configured topic the output mentions.
func (j *Judge) sensitiveTopic(result domain.TaskResult) string {
	data, err := json.Marshal(result.Output)
	if err != nil {
		return ""
	}
	haystack := strings.ToLower(string(data) + " " + result.ReasoningTrace)
	for _, topic := range j.Opts.SensitiveTopics {
		if topic == "" {
			continue
		}
		if strings.Contains(haystack, strings.ToLower(topic)) {
			return topic
		}
	}
	return ""
}

// Approve runs the commit path. OCC contention past the retry bound turns
// into an escalation instead of an error. The HITL gate reuses this path so
// an operator approval behaves exactly like a judge approval.
func (j *Judge) Approve(ctx context.Context, item domain.ReviewItem) error {
	if cost := item.Result.CostUSDC; cost > 0 {
		err := j.Ledger.Charge(ctx, item.Result.WorkerID, cost)
		switch {
		case errors.Is(err, ledger.ErrPerTxCap):
			return j.escalate(ctx, item, domain.ReasonPerTxCap)
		case errors.Is(err, ledger.ErrBudgetExceeded):
			return j.escalate(ctx, item, domain.ReasonDailyCap)
		case errors.Is(err, ledger.ErrContention):
			return j.escalate(ctx, item, domain.ReasonOCCContention)
		case err != nil:
			return err
		}
	}
	err := j.commit(ctx, item)
	if errors.Is(err, errContention) {
		return j.escalate(ctx, item, domain.ReasonOCCContention)
	}
	if errors.Is(err, errBudgetFloor) {
		return j.escalate(ctx, item, domain.ReasonBudgetExceeded)
	}
	if err != nil {
		return err
	}
	_ = j.Decisions.Append(ctx, decisions.TypeJudgeCommitted, "task", item.Task.TaskID, j.ID, map[string]any{
		"cost_usdc": item.Result.CostUSDC,
		"campaign":  item.Task.CampaignID,
	})
	j.Log.Info("committed task",
		zap.String("task", item.Task.TaskID),
		zap.Float64("cost_usdc", item.Result.CostUSDC))
	return nil
}

var (
	errContention  = errors.New("campaign version contention")
	errBudgetFloor = errors.New("campaign budget insufficient")
)

// commit makes the (campaign bump, output write, task state) mutation land
// atomically where the store can, and by two-phase write where it cannot.
func (j *Judge) commit(ctx context.Context, item domain.ReviewItem) error {
	if tx, ok := j.Store.(store.Transactor); ok {
		return j.commitTx(ctx, tx, item)
	}
	return j.commitTwoPhase(ctx, item)
}

func (j *Judge) commitTx(ctx context.Context, tx store.Transactor, item domain.ReviewItem) error {
	for attempt := 0; attempt < occRetries; attempt++ {
		err := tx.WithTx(ctx, func(s store.Store) error {
			if err := j.bumpCampaign(ctx, s, item); err != nil {
				return err
			}
			return j.finalize(ctx, s, item)
		})
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		return err
	}
	return errContention
}

// commitTwoPhase first marks the task commit-pending and indexes it, so a
// crash between phases is recoverable, then finishes the write.
func (j *Judge) commitTwoPhase(ctx context.Context, item domain.ReviewItem) error {
	task := item.Task
	task.State = domain.StateCommitPending
	task.UpdatedAt = j.Now().UTC()
	item.Task = task
	if err := j.putTask(ctx, j.Store, task); err != nil {
		return err
	}
	pending, err := json.Marshal(item)
	if err != nil {
		return err
	}
	if err := j.Store.Enqueue(ctx, j.Keys.PendingCommits(), store.QueueItem{
		ID:         task.TaskID,
		Payload:    pending,
		Priority:   int(domain.PriorityMedium),
		EnqueuedAt: j.Now().UTC(),
	}); err != nil {
		return err
	}
	if err := j.finishTwoPhase(ctx, item); err != nil {
		return err
	}
	_, err = j.Store.Remove(ctx, j.Keys.PendingCommits(), task.TaskID)
	return err
}

func (j *Judge) finishTwoPhase(ctx context.Context, item domain.ReviewItem) error {
	for attempt := 0; attempt < occRetries; attempt++ {
		err := j.bumpCampaign(ctx, j.Store, item)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return err
		}
		return j.finalize(ctx, j.Store, item)
	}
	return errContention
}

// bumpCampaign applies the budget decrement under compare-and-swap. Tasks
// without a campaign skip it.
func (j *Judge) bumpCampaign(ctx context.Context, s store.Store, item domain.ReviewItem) error {
	if item.Task.CampaignID == "" {
		return nil
	}
	key := j.Keys.Campaign(item.Task.CampaignID)
	v, err := s.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("campaign %s not found", item.Task.CampaignID)
	}
	if err != nil {
		return err
	}
	var state domain.CampaignState
	if err := json.Unmarshal(v.Value, &state); err != nil {
		return fmt.Errorf("decode campaign %s: %w", item.Task.CampaignID, err)
	}
	if cost := item.Result.CostUSDC; cost > 0 {
		if state.BudgetRemainingUSDC < cost {
			return errBudgetFloor
		}
		state.BudgetRemainingUSDC -= cost
	}
	state.Version = v.Version + 1
	state.UpdatedAt = j.Now().UTC()
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.CompareAndSwap(ctx, key, data, v.Version, 0)
}

// finalize writes the output record and marks the task committed.
func (j *Judge) finalize(ctx context.Context, s store.Store, item domain.ReviewItem) error {
	out, err := json.Marshal(item.Result)
	if err != nil {
		return err
	}
	if err := s.Put(ctx, j.Keys.Output(item.Task.TaskID), out, 0); err != nil {
		return err
	}
	task := item.Task
	task.State = domain.StateCommitted
	task.UpdatedAt = j.Now().UTC()
	return j.putTask(ctx, s, task)
}

// RecoverPendingCommits finishes any commit interrupted between its phases.
// Run at boot before draining the review queue.
func (j *Judge) RecoverPendingCommits(ctx context.Context) error {
	items, err := j.Store.List(ctx, j.Keys.PendingCommits(), 0, 1000)
	if err != nil {
		return err
	}
	for _, qi := range items {
		var item domain.ReviewItem
		if err := json.Unmarshal(qi.Payload, &item); err != nil {
			j.Log.Error("dropping undecodable pending commit", zap.String("item", qi.ID), zap.Error(err))
			_, _ = j.Store.Remove(ctx, j.Keys.PendingCommits(), qi.ID)
			continue
		}
		if err := j.finishTwoPhase(ctx, item); err != nil {
			if errors.Is(err, errContention) || errors.Is(err, errBudgetFloor) {
				if err := j.escalate(ctx, item, domain.ReasonOCCContention); err != nil {
					return err
				}
			} else {
				return err
			}
		}
		if _, err := j.Store.Remove(ctx, j.Keys.PendingCommits(), qi.ID); err != nil {
			return err
		}
		_ = j.Decisions.Append(ctx, decisions.TypeCommitRecover, "task", qi.ID, j.ID, nil)
		j.Log.Info("recovered interrupted commit", zap.String("task", qi.ID))
	}
	return nil
}

// reject demotes the task one priority tier and requeues it. A task already
// at the floor escalates instead of looping forever.
func (j *Judge) reject(ctx context.Context, item domain.ReviewItem) error {
	task := item.Task
	if task.Priority == domain.PriorityLow {
		return j.escalate(ctx, item, "rejected at floor priority")
	}
	task.Priority = task.Priority.Demote()
	task.State = domain.StatePending
	task.UpdatedAt = j.Now().UTC()
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := j.Store.Enqueue(ctx, j.Keys.TaskQueue(), store.QueueItem{
		ID:         task.TaskID,
		Payload:    payload,
		Priority:   int(task.Priority),
		Attempt:    task.Attempt,
		EnqueuedAt: j.Now().UTC(),
	}); err != nil {
		return err
	}
	return j.putTask(ctx, j.Store, task)
}

// escalate queues the item for a human verdict and marks the task escalated.
func (j *Judge) escalate(ctx context.Context, item domain.ReviewItem, reason string) error {
	task := item.Task
	task.State = domain.StateEscalated
	task.UpdatedAt = j.Now().UTC()
	item.Task = task
	h := domain.HITLItem{
		TaskID:   task.TaskID,
		TenantID: task.TenantID,
		Payload:  item,
		Reason:   reason,
		QueuedAt: j.Now().UTC(),
		Status:   domain.HITLPending,
	}
	payload, err := json.Marshal(h)
	if err != nil {
		return err
	}
	if err := j.Store.Enqueue(ctx, j.Keys.HITLQueue(), store.QueueItem{
		ID:         task.TaskID,
		Payload:    payload,
		Priority:   int(domain.PriorityMedium),
		EnqueuedAt: j.Now().UTC(),
	}); err != nil {
		return err
	}
	if err := j.putTask(ctx, j.Store, task); err != nil {
		return err
	}
	return j.Decisions.Append(ctx, decisions.TypeHITLQueued, "task", task.TaskID, j.ID, map[string]any{
		"reason": reason,
	})
}

func (j *Judge) putTask(ctx context.Context, s store.Store, task domain.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return s.Put(ctx, j.Keys.Task(task.TaskID), data, 0)
}
