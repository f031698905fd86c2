package planner

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
	"chimera/internal/store"
)

// ErrUnavailable is surfaced after the bounded-retry window against an
// unreachable store is exhausted. No partial task batch is committed.
var ErrUnavailable = errors.New("planner: store unavailable")

// ErrCampaignNotFound is returned when planning targets an absent campaign.
var ErrCampaignNotFound = errors.New("planner: campaign not found")

// ErrCampaignInactive is returned when the campaign is paused or completed.
var ErrCampaignInactive = errors.New("planner: campaign not active")

const occRetries = 5

// Backoff bounds the retry loop on store failures.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff matches the documented retry window.
func DefaultBackoff() Backoff {
	return Backoff{Initial: 100 * time.Millisecond, Max: 5 * time.Second, MaxAttempts: 6}
}

// Planner turns campaign goals into enqueued tasks. Decomposition is
// deterministic and table-driven; scheduling after enqueue is governed
// solely by priority.
type Planner struct {
	Store     store.Store
	Keys      keyspace.Keyspace
	Decisions decisions.Writer
	Log       *zap.Logger
	Backoff   Backoff
	Vocab     Vocab

	Now   func() time.Time
	NewID func() string
	// Sleep is injectable so tests do not wait out real backoff.
	Sleep func(context.Context, time.Duration) error
}

// New builds a Planner with default clock, id source, and backoff.
func New(s store.Store, keys keyspace.Keyspace, dec decisions.Writer, log *zap.Logger) *Planner {
	return &Planner{
		Store:     s,
		Keys:      keys,
		Decisions: dec,
		Log:       log.With(zap.String("component", "planner"), zap.String("tenant", keys.TenantID())),
		Backoff:   DefaultBackoff(),
		Vocab:     DefaultVocab(),
		Now:       time.Now,
		NewID:     uuid.NewString,
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

// Vocab is the goal-classification vocabulary the decomposition table keys
// on. Operators override it through the policy file.
type Vocab struct {
	// TrendWords trigger the analyze_trends head of a decomposition chain.
	TrendWords []string
	// CommerceWords mark a goal as carrying a commerce directive.
	CommerceWords []string
}

// DefaultVocab returns the built-in vocabulary.
func DefaultVocab() Vocab {
	return Vocab{
		TrendWords:    []string{"trend", "trending", "trends", "viral", "buzz", "popular"},
		CommerceWords: []string{"buy", "purchase", "transfer", "pay", "payment", "usdc", "token", "transaction", "spend"},
	}
}

// Merge overlays non-empty override lists onto v.
func (v Vocab) Merge(trend, commerce []string) Vocab {
	if len(trend) > 0 {
		v.TrendWords = trend
	}
	if len(commerce) > 0 {
		v.CommerceWords = commerce
	}
	return v
}

func mentionsAny(goal string, words []string) bool {
	lower := strings.ToLower(goal)
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// Decompose expands one goal into its ordered task chain.
func (p *Planner) Decompose(campaignID, goal string) []domain.Task {
	now := p.Now().UTC()
	var out []domain.Task
	add := func(t domain.TaskType, prio domain.Priority, desc string) {
		out = append(out, domain.Task{
			TaskID:          p.NewID(),
			TenantID:        p.Keys.TenantID(),
			CampaignID:      campaignID,
			Type:            t,
			Priority:        prio,
			GoalDescription: desc,
			Context:         map[string]string{"goal": goal},
			State:           domain.StatePending,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}
	if mentionsAny(goal, p.Vocab.TrendWords) {
		add(domain.TaskAnalyzeTrends, domain.PriorityHigh, "Analyze trends for: "+goal)
	}
	add(domain.TaskGenerateContent, domain.PriorityMedium, "Generate content about: "+goal)
	add(domain.TaskPostContent, domain.PriorityMedium, "Post content for: "+goal)
	if mentionsAny(goal, p.Vocab.CommerceWords) {
		add(domain.TaskExecuteTransaction, domain.PriorityLow, "Execute transaction for: "+goal)
	}
	return out
}

// PlanCampaign decomposes every goal currently on the campaign and commits
// the resulting batch all-or-nothing.
func (p *Planner) PlanCampaign(ctx context.Context, campaignID string) ([]domain.Task, error) {
	state, _, err := p.readCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if state.Status != domain.CampaignActive {
		return nil, fmt.Errorf("%w: campaign %s is %s", ErrCampaignInactive, campaignID, state.Status)
	}
	var batch []domain.Task
	for _, goal := range state.Goals {
		batch = append(batch, p.Decompose(campaignID, goal)...)
	}
	if err := p.commit(ctx, batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// InjectGoals appends goals to the campaign state under OCC and plans the
// newly injected goals. A missing campaign is created active with the given
// goals and budgetUSDC as its remaining budget; for an existing campaign
// budgetUSDC is ignored.
func (p *Planner) InjectGoals(ctx context.Context, campaignID string, goals []string, budgetUSDC float64) ([]domain.Task, error) {
	if len(goals) == 0 {
		return nil, fmt.Errorf("at least one goal is required")
	}
	for attempt := 0; attempt < occRetries; attempt++ {
		state, version, err := p.readCampaign(ctx, campaignID)
		if errors.Is(err, ErrCampaignNotFound) {
			state = domain.CampaignState{
				CampaignID:          campaignID,
				TenantID:            p.Keys.TenantID(),
				Status:              domain.CampaignActive,
				BudgetRemainingUSDC: budgetUSDC,
			}
			version = 0
		} else if err != nil {
			return nil, err
		}
		if state.Status != domain.CampaignActive {
			return nil, fmt.Errorf("%w: campaign %s is %s", ErrCampaignInactive, campaignID, state.Status)
		}
		state.Goals = append(state.Goals, goals...)
		state.UpdatedAt = p.Now().UTC()
		state.Version = version + 1
		data, err := json.Marshal(state)
		if err != nil {
			return nil, err
		}
		err = p.Store.CompareAndSwap(ctx, p.Keys.Campaign(campaignID), data, version, 0)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var batch []domain.Task
		for _, goal := range goals {
			batch = append(batch, p.Decompose(campaignID, goal)...)
		}
		if err := p.commit(ctx, batch); err != nil {
			return nil, err
		}
		return batch, nil
	}
	return nil, fmt.Errorf("inject goals: %s", domain.ReasonOCCContention)
}

func (p *Planner) readCampaign(ctx context.Context, campaignID string) (domain.CampaignState, uint64, error) {
	v, err := p.Store.Get(ctx, p.Keys.Campaign(campaignID))
	if errors.Is(err, store.ErrNotFound) {
		return domain.CampaignState{}, 0, fmt.Errorf("%w: %s", ErrCampaignNotFound, campaignID)
	}
	if err != nil {
		return domain.CampaignState{}, 0, err
	}
	var state domain.CampaignState
	if err := json.Unmarshal(v.Value, &state); err != nil {
		return domain.CampaignState{}, 0, fmt.Errorf("decode campaign %s: %w", campaignID, err)
	}
	return state, v.Version, nil
}

// commit writes task records and enqueues the batch, retrying the whole
// write with exponential backoff when the store is unreachable.
func (p *Planner) commit(ctx context.Context, batch []domain.Task) error {
	if len(batch) == 0 {
		return nil
	}
	items := make([]store.QueueItem, len(batch))
	for i, task := range batch {
		payload, err := json.Marshal(task)
		if err != nil {
			return err
		}
		items[i] = store.QueueItem{
			ID:         task.TaskID,
			Payload:    payload,
			Priority:   int(task.Priority),
			EnqueuedAt: task.CreatedAt,
		}
	}

	delay := p.Backoff.Initial
	var lastErr error
	for attempt := 0; attempt < p.Backoff.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := p.Sleep(ctx, delay); err != nil {
				return err
			}
			delay *= 2
			if delay > p.Backoff.Max {
				delay = p.Backoff.Max
			}
		}
		lastErr = p.tryCommit(ctx, batch, items)
		if lastErr == nil {
			for _, task := range batch {
				_ = p.Decisions.Append(ctx, decisions.TypeTaskEnqueued, "task", task.TaskID, "planner", map[string]any{
					"task_type": task.Type,
					"priority":  task.Priority.String(),
					"campaign":  task.CampaignID,
				})
			}
			p.Log.Info("planned task batch",
				zap.Int("tasks", len(batch)),
				zap.String("campaign", batch[0].CampaignID))
			return nil
		}
		p.Log.Warn("task batch commit failed, backing off",
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// tryCommit performs one all-or-nothing attempt. With a transactional store
// the task records land in the same transaction as the queue batch;
// otherwise the atomic batch enqueue alone carries the all-or-nothing
// guarantee and records follow.
func (p *Planner) tryCommit(ctx context.Context, batch []domain.Task, items []store.QueueItem) error {
	writeRecords := func(s store.Store) error {
		for _, task := range batch {
			data, err := json.Marshal(task)
			if err != nil {
				return err
			}
			if err := s.Put(ctx, p.Keys.Task(task.TaskID), data, 0); err != nil {
				return err
			}
		}
		return nil
	}
	if tx, ok := p.Store.(store.Transactor); ok {
		return tx.WithTx(ctx, func(s store.Store) error {
			if err := writeRecords(s); err != nil {
				return err
			}
			return s.EnqueueAll(ctx, p.Keys.TaskQueue(), items)
		})
	}
	if err := p.Store.EnqueueAll(ctx, p.Keys.TaskQueue(), items); err != nil {
		return err
	}
	return writeRecords(p.Store)
}
