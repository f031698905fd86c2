package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chimera/internal/decisions"
	"chimera/internal/domain"
	"chimera/internal/judge"
	"chimera/internal/keyspace"
	"chimera/internal/store"
)

// ErrNotPending is returned when a verdict targets a task with no pending
// item, usually because another operator already decided it.
var ErrNotPending = errors.New("hitl: no pending item for task")

// Gate accepts operator verdicts on escalated items. It is passive: items
// sit in the queue until an operator acts, and they never expire. The
// informal review target is five minutes but nothing enforces it.
type Gate struct {
	Store     store.Store
	Keys      keyspace.Keyspace
	Judge     *judge.Judge
	Decisions decisions.Writer
	Log       *zap.Logger
	Now       func() time.Time
}

// New builds a Gate bound to the judge whose commit path approvals reuse.
func New(s store.Store, keys keyspace.Keyspace, j *judge.Judge, dec decisions.Writer, log *zap.Logger) *Gate {
	return &Gate{
		Store:     s,
		Keys:      keys,
		Judge:     j,
		Decisions: dec,
		Log:       log.With(zap.String("component", "hitl"), zap.String("tenant", keys.TenantID())),
		Now:       time.Now,
	}
}

// List pages pending items in queue order without claiming them.
func (g *Gate) List(ctx context.Context, offset, limit int) ([]domain.HITLItem, error) {
	items, err := g.Store.List(ctx, g.Keys.HITLQueue(), offset, limit)
	if err != nil {
		return nil, err
	}
	out := make([]domain.HITLItem, 0, len(items))
	for _, qi := range items {
		var h domain.HITLItem
		if err := json.Unmarshal(qi.Payload, &h); err != nil {
			return nil, fmt.Errorf("decode hitl item %s: %w", qi.ID, err)
		}
		out = append(out, h)
	}
	return out, nil
}

// Verdict is one operator decision.
type Verdict struct {
	Verdict       domain.Verdict
	EditedPayload map[string]any
	Reason        string
	ActorID       string
}

// Decide resolves a pending item. Removing the queue entry claims it, so two
// operators racing on the same task produce exactly one applied verdict.
func (g *Gate) Decide(ctx context.Context, taskID string, v Verdict) (domain.HITLItem, error) {
	if !v.Verdict.Valid() {
		return domain.HITLItem{}, fmt.Errorf("unknown verdict %q", v.Verdict)
	}
	item, err := g.find(ctx, taskID)
	if err != nil {
		return domain.HITLItem{}, err
	}
	removed, err := g.Store.Remove(ctx, g.Keys.HITLQueue(), taskID)
	if err != nil {
		return domain.HITLItem{}, err
	}
	if !removed {
		return domain.HITLItem{}, fmt.Errorf("%w: %s", ErrNotPending, taskID)
	}

	switch v.Verdict {
	case domain.VerdictApprove:
		item.Status = domain.HITLApproved
		err = g.approve(ctx, item, v)
	case domain.VerdictRejectRetry:
		item.Status = domain.HITLRejectedTry
		err = g.rejectRetry(ctx, item, v)
	case domain.VerdictRejectDrop:
		item.Status = domain.HITLRejectedDrop
		err = g.rejectDrop(ctx, item, v)
	}
	if err != nil {
		return domain.HITLItem{}, err
	}
	_ = g.Decisions.Append(ctx, decisions.TypeHITLVerdict, "task", taskID, v.ActorID, map[string]any{
		"verdict": v.Verdict,
		"reason":  v.Reason,
	})
	g.Log.Info("operator verdict applied",
		zap.String("task", taskID),
		zap.String("verdict", string(v.Verdict)))
	return item, nil
}

func (g *Gate) find(ctx context.Context, taskID string) (domain.HITLItem, error) {
	const page = 200
	for offset := 0; ; offset += page {
		items, err := g.Store.List(ctx, g.Keys.HITLQueue(), offset, page)
		if err != nil {
			return domain.HITLItem{}, err
		}
		for _, qi := range items {
			if qi.ID != taskID {
				continue
			}
			var h domain.HITLItem
			if err := json.Unmarshal(qi.Payload, &h); err != nil {
				return domain.HITLItem{}, fmt.Errorf("decode hitl item %s: %w", qi.ID, err)
			}
			return h, nil
		}
		if len(items) < page {
			return domain.HITLItem{}, fmt.Errorf("%w: %s", ErrNotPending, taskID)
		}
	}
}

// approve behaves exactly as a judge approval would, with the operator's
// edits applied to the output first.
func (g *Gate) approve(ctx context.Context, item domain.HITLItem, v Verdict) error {
	review := item.Payload
	if v.EditedPayload != nil {
		review.Result.Output = v.EditedPayload
	}
	review.Result.Status = domain.ResultSuccess
	return g.Judge.Approve(ctx, review)
}

// rejectRetry returns the task to the pending queue; the next dispatch
// observes an incremented attempt.
func (g *Gate) rejectRetry(ctx context.Context, item domain.HITLItem, v Verdict) error {
	task := item.Payload.Task
	task.State = domain.StatePending
	task.UpdatedAt = g.Now().UTC()
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := g.Store.Enqueue(ctx, g.Keys.TaskQueue(), store.QueueItem{
		ID:         task.TaskID,
		Payload:    payload,
		Priority:   int(task.Priority),
		Attempt:    task.Attempt,
		EnqueuedAt: g.Now().UTC(),
	}); err != nil {
		return err
	}
	return g.putTask(ctx, task)
}

// rejectDrop freezes the task as failed, leaving its last result in the
// output record as evidence.
func (g *Gate) rejectDrop(ctx context.Context, item domain.HITLItem, v Verdict) error {
	task := item.Payload.Task
	task.State = domain.StateFailed
	task.UpdatedAt = g.Now().UTC()
	out, err := json.Marshal(item.Payload.Result)
	if err != nil {
		return err
	}
	if err := g.Store.Put(ctx, g.Keys.Output(task.TaskID), out, 0); err != nil {
		return err
	}
	return g.putTask(ctx, task)
}

func (g *Gate) putTask(ctx context.Context, task domain.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return g.Store.Put(ctx, g.Keys.Task(task.TaskID), data, 0)
}
