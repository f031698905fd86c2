package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"chimera/internal/domain"
	"chimera/internal/keyspace"
	"chimera/internal/ledger"
	"chimera/internal/store"
)

// Member is one supervised loop.
type Member struct {
	Name string
	Run  func(ctx context.Context) error
}

// Supervisor owns the long-running component loops of one process. On
// cancellation it stops handing out new work and waits up to the grace
// period for in-flight iterations to finish; leases held past that are
// reclaimed by expiry.
type Supervisor struct {
	Log   *zap.Logger
	Grace time.Duration

	mu      sync.Mutex
	members []Member
}

// NewSupervisor builds a supervisor with the given grace period.
func NewSupervisor(log *zap.Logger, grace time.Duration) *Supervisor {
	return &Supervisor{
		Log:   log.With(zap.String("component", "fleet")),
		Grace: grace,
	}
}

// Add registers a loop to run under supervision.
func (s *Supervisor) Add(name string, run func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members = append(s.members, Member{Name: name, Run: run})
}

// Run starts every member and blocks until the context is cancelled and the
// members have drained, or the grace period elapses.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	members := append([]Member(nil), s.members...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(members))
	for _, m := range members {
		wg.Add(1)
		go func(m Member) {
			defer wg.Done()
			s.Log.Info("loop started", zap.String("member", m.Name))
			err := m.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				s.Log.Error("loop exited with error", zap.String("member", m.Name), zap.Error(err))
				errCh <- err
				return
			}
			s.Log.Info("loop stopped", zap.String("member", m.Name))
		}(m)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case err := <-errCh:
		// A member failed outright. Treat it as fatal for the process.
		return err
	case <-ctx.Done():
	case <-done:
		return nil
	}

	select {
	case <-done:
		return nil
	case <-time.After(s.Grace):
		s.Log.Warn("grace period elapsed with loops still draining",
			zap.Duration("grace", s.Grace))
		return nil
	}
}

// Status summarizes one tenant's runtime state for operators.
type Status struct {
	TenantID       string                 `json:"tenant_id"`
	QueueDepths    map[string]int64       `json:"queue_depths"`
	Campaigns      []domain.CampaignState `json:"campaigns,omitempty"`
	BudgetSpent    map[string]float64     `json:"budget_spent_usdc,omitempty"`
	PendingCommits int64                  `json:"pending_commits"`
}

// Snapshot assembles the status for GET fleet/{tenant}. Campaign and agent
// ids come from the caller; the store has no cross-key scan.
func Snapshot(ctx context.Context, s store.Store, keys keyspace.Keyspace, led *ledger.Ledger, campaignIDs, agentIDs []string) (Status, error) {
	st := Status{
		TenantID:    keys.TenantID(),
		QueueDepths: make(map[string]int64, 3),
	}
	for name, queue := range map[string]string{
		"task":   keys.TaskQueue(),
		"review": keys.ReviewQueue(),
		"hitl":   keys.HITLQueue(),
	} {
		depth, err := s.Depth(ctx, queue)
		if err != nil {
			return Status{}, err
		}
		st.QueueDepths[name] = depth
	}
	pending, err := s.Depth(ctx, keys.PendingCommits())
	if err != nil {
		return Status{}, err
	}
	st.PendingCommits = pending

	for _, id := range campaignIDs {
		v, err := s.Get(ctx, keys.Campaign(id))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return Status{}, err
		}
		var state domain.CampaignState
		if err := json.Unmarshal(v.Value, &state); err != nil {
			return Status{}, err
		}
		st.Campaigns = append(st.Campaigns, state)
	}

	if led != nil && len(agentIDs) > 0 {
		st.BudgetSpent = make(map[string]float64, len(agentIDs))
		for _, id := range agentIDs {
			spent, err := led.Spent(ctx, id)
			if err != nil {
				return Status{}, err
			}
			st.BudgetSpent[id] = spent
		}
	}
	return st, nil
}
