package judge_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"chimera/internal/decisions"
	"chimera/internal/domain"
	"chimera/internal/judge"
	"chimera/internal/keyspace"
	"chimera/internal/ledger"
	"chimera/internal/store"
	"chimera/internal/store/sqlitestore"
)

type judgeEnv struct {
	Store  *sqlitestore.Store
	Keys   keyspace.Keyspace
	Ledger *ledger.Ledger
	Judge  *judge.Judge
	Ctx    context.Context
}

func newJudgeEnv(t *testing.T) *judgeEnv {
	t.Helper()
	s, err := sqlitestore.New(sqlitestore.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	keys := keyspace.ForTenant("acme")
	led := ledger.New(s, keys, 50, 10)
	j := judge.New(s, keys, led, decisions.New(s, keys), zap.NewNop(), judge.DefaultOptions())
	j.Now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	env := &judgeEnv{Store: s, Keys: keys, Ledger: led, Judge: j, Ctx: context.Background()}
	env.seedCampaign(t, 100)
	return env
}

func (e *judgeEnv) seedCampaign(t *testing.T, budget float64) {
	t.Helper()
	state := domain.CampaignState{
		CampaignID:          "camp-1",
		TenantID:            "acme",
		Status:              domain.CampaignActive,
		BudgetRemainingUSDC: budget,
		Version:             1,
	}
	raw, _ := json.Marshal(state)
	if err := e.Store.Put(e.Ctx, e.Keys.Campaign("camp-1"), raw, 0); err != nil {
		t.Fatal(err)
	}
}

func (e *judgeEnv) campaign(t *testing.T) domain.CampaignState {
	t.Helper()
	v, err := e.Store.Get(e.Ctx, e.Keys.Campaign("camp-1"))
	if err != nil {
		t.Fatal(err)
	}
	var state domain.CampaignState
	if err := json.Unmarshal(v.Value, &state); err != nil {
		t.Fatal(err)
	}
	return state
}

func (e *judgeEnv) taskRecord(t *testing.T, id string) domain.Task {
	t.Helper()
	v, err := e.Store.Get(e.Ctx, e.Keys.Task(id))
	if err != nil {
		t.Fatalf("task record %s: %v", id, err)
	}
	var task domain.Task
	if err := json.Unmarshal(v.Value, &task); err != nil {
		t.Fatal(err)
	}
	return task
}

func (e *judgeEnv) hitlItems(t *testing.T) []domain.HITLItem {
	t.Helper()
	queued, err := e.Store.List(e.Ctx, e.Keys.HITLQueue(), 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]domain.HITLItem, 0, len(queued))
	for _, qi := range queued {
		var h domain.HITLItem
		if err := json.Unmarshal(qi.Payload, &h); err != nil {
			t.Fatal(err)
		}
		out = append(out, h)
	}
	return out
}

func (e *judgeEnv) enqueueReview(t *testing.T, item domain.ReviewItem) {
	t.Helper()
	payload, err := json.Marshal(item)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Store.Enqueue(e.Ctx, e.Keys.ReviewQueue(), store.QueueItem{
		ID:       item.Task.TaskID,
		Payload:  payload,
		Priority: int(item.Task.Priority),
	}); err != nil {
		t.Fatal(err)
	}
}

func reviewItem(confidence float64) domain.ReviewItem {
	return domain.ReviewItem{
		Task: domain.Task{
			TaskID:     "t1",
			TenantID:   "acme",
			CampaignID: "camp-1",
			Type:       domain.TaskGenerateContent,
			Priority:   domain.PriorityMedium,
			Attempt:    1,
			State:      domain.StateReview,
		},
		Result: domain.TaskResult{
			TaskID:     "t1",
			TenantID:   "acme",
			WorkerID:   "worker-test",
			Attempt:    1,
			Status:     domain.ResultSuccess,
			Confidence: confidence,
			Output:     map[string]any{"text": "launch week recap"},
		},
	}
}

func TestEvaluateThresholds(t *testing.T) {
	env := newJudgeEnv(t)
	cases := []struct {
		confidence float64
		want       domain.Decision
	}{
		{0.95, domain.DecisionApprove},
		{0.90, domain.DecisionApprove},
		{0.89, domain.DecisionEscalate},
		{0.70, domain.DecisionEscalate},
		{0.69, domain.DecisionReject},
		{0, domain.DecisionReject},
	}
	for _, c := range cases {
		got, _ := env.Judge.Evaluate(reviewItem(c.confidence))
		if got != c.want {
			t.Errorf("Evaluate(confidence=%.2f) = %s, want %s", c.confidence, got, c.want)
		}
	}
}

func TestEvaluateSensitiveTopicOverridesConfidence(t *testing.T) {
	env := newJudgeEnv(t)
	item := reviewItem(0.99)
	item.Result.Output = map[string]any{"text": "our take on the Health insurance debate"}
	got, reasoning := env.Judge.Evaluate(item)
	if got != domain.DecisionEscalate {
		t.Fatalf("sensitive output decision = %s (%s), want escalate", got, reasoning)
	}

	// The trace is scanned too.
	item = reviewItem(0.99)
	item.Result.ReasoningTrace = "compared against political campaign financial data"
	if got, _ := env.Judge.Evaluate(item); got != domain.DecisionEscalate {
		t.Fatalf("sensitive trace decision = %s, want escalate", got)
	}
}

func TestEvaluateErrorResultEscalatesWithReason(t *testing.T) {
	env := newJudgeEnv(t)
	item := reviewItem(0.99)
	item.Result.Status = domain.ResultError
	item.Result.Reason = domain.ReasonPerTxCap
	got, reasoning := env.Judge.Evaluate(item)
	if got != domain.DecisionEscalate {
		t.Fatalf("error result decision = %s, want escalate", got)
	}
	if reasoning != "worker reported error: per_tx_cap" {
		t.Fatalf("reasoning = %q", reasoning)
	}
}

func TestApproveCommitsOutputAndBumpsCampaign(t *testing.T) {
	env := newJudgeEnv(t)
	item := reviewItem(0.95)
	item.Result.CostUSDC = 4
	env.enqueueReview(t, item)

	worked, err := env.Judge.Step(env.Ctx)
	if err != nil || !worked {
		t.Fatalf("step = %v, %v", worked, err)
	}

	if _, err := env.Store.Get(env.Ctx, env.Keys.Output("t1")); err != nil {
		t.Fatalf("output record: %v", err)
	}
	if task := env.taskRecord(t, "t1"); task.State != domain.StateCommitted {
		t.Fatalf("task state = %s, want committed", task.State)
	}
	if state := env.campaign(t); state.BudgetRemainingUSDC != 96 {
		t.Fatalf("campaign budget = %v, want 96", state.BudgetRemainingUSDC)
	}
	spent, _ := env.Ledger.Spent(env.Ctx, "worker-test")
	if spent != 4 {
		t.Fatalf("ledger spend = %v, want 4", spent)
	}
	depth, _ := env.Store.Depth(env.Ctx, env.Keys.ReviewQueue())
	if depth != 0 {
		t.Fatalf("review queue depth = %d, want 0", depth)
	}
}

func TestApproveZeroCostSkipsLedger(t *testing.T) {
	env := newJudgeEnv(t)
	env.enqueueReview(t, reviewItem(0.95))
	if _, err := env.Judge.Step(env.Ctx); err != nil {
		t.Fatal(err)
	}
	spent, _ := env.Ledger.Spent(env.Ctx, "worker-test")
	if spent != 0 {
		t.Fatalf("zero-cost approval recorded spend %v", spent)
	}
	if state := env.campaign(t); state.BudgetRemainingUSDC != 100 {
		t.Fatalf("campaign budget = %v, want untouched", state.BudgetRemainingUSDC)
	}
}

func TestApproveOverDailyCapEscalates(t *testing.T) {
	env := newJudgeEnv(t)
	for i := 0; i < 5; i++ {
		if err := env.Ledger.Charge(env.Ctx, "worker-test", 10); err != nil {
			t.Fatal(err)
		}
	}
	item := reviewItem(0.95)
	item.Result.CostUSDC = 1
	env.enqueueReview(t, item)
	if _, err := env.Judge.Step(env.Ctx); err != nil {
		t.Fatal(err)
	}
	items := env.hitlItems(t)
	if len(items) != 1 || items[0].Reason != domain.ReasonDailyCap {
		t.Fatalf("hitl = %+v, want daily_cap escalation", items)
	}
	spent, _ := env.Ledger.Spent(env.Ctx, "worker-test")
	if spent != 50 {
		t.Fatalf("spend = %v, want 50 untouched", spent)
	}
	if _, err := env.Store.Get(env.Ctx, env.Keys.Output("t1")); err == nil {
		t.Fatalf("escalated task must not have a committed output")
	}
}

func TestApproveInsufficientCampaignBudgetEscalates(t *testing.T) {
	env := newJudgeEnv(t)
	env.seedCampaign(t, 2)
	item := reviewItem(0.95)
	item.Result.CostUSDC = 5
	env.enqueueReview(t, item)
	if _, err := env.Judge.Step(env.Ctx); err != nil {
		t.Fatal(err)
	}
	items := env.hitlItems(t)
	if len(items) != 1 || items[0].Reason != domain.ReasonBudgetExceeded {
		t.Fatalf("hitl = %+v, want budget_exceeded escalation", items)
	}
	if state := env.campaign(t); state.BudgetRemainingUSDC != 2 {
		t.Fatalf("campaign budget = %v, want untouched", state.BudgetRemainingUSDC)
	}
}

func TestRejectDemotesAndRequeues(t *testing.T) {
	env := newJudgeEnv(t)
	env.enqueueReview(t, reviewItem(0.40))
	if _, err := env.Judge.Step(env.Ctx); err != nil {
		t.Fatal(err)
	}
	queued, err := env.Store.List(env.Ctx, env.Keys.TaskQueue(), 0, 10)
	if err != nil || len(queued) != 1 {
		t.Fatalf("task queue = %d (%v), want the demoted task", len(queued), err)
	}
	var task domain.Task
	if err := json.Unmarshal(queued[0].Payload, &task); err != nil {
		t.Fatal(err)
	}
	if task.Priority != domain.PriorityLow {
		t.Fatalf("demoted priority = %s, want low", task.Priority)
	}
	if task.State != domain.StatePending {
		t.Fatalf("demoted state = %s, want pending", task.State)
	}
}

func TestRejectAtFloorPriorityEscalates(t *testing.T) {
	env := newJudgeEnv(t)
	item := reviewItem(0.40)
	item.Task.Priority = domain.PriorityLow
	env.enqueueReview(t, item)
	if _, err := env.Judge.Step(env.Ctx); err != nil {
		t.Fatal(err)
	}
	items := env.hitlItems(t)
	if len(items) != 1 {
		t.Fatalf("hitl depth = %d, want 1", len(items))
	}
	depth, _ := env.Store.Depth(env.Ctx, env.Keys.TaskQueue())
	if depth != 0 {
		t.Fatalf("floor-priority reject still requeued the task")
	}
}

func TestEscalateRecordsPendingState(t *testing.T) {
	env := newJudgeEnv(t)
	env.enqueueReview(t, reviewItem(0.80))
	if _, err := env.Judge.Step(env.Ctx); err != nil {
		t.Fatal(err)
	}
	items := env.hitlItems(t)
	if len(items) != 1 || items[0].Status != domain.HITLPending {
		t.Fatalf("hitl = %+v, want one pending item", items)
	}
	if task := env.taskRecord(t, "t1"); task.State != domain.StateEscalated {
		t.Fatalf("task state = %s, want escalated", task.State)
	}
}

// nonTxStore hides the Transactor capability so commits take the two-phase
// path.
type nonTxStore struct {
	store.Store
}

func TestRecoverPendingCommitsFinishesInterruptedCommit(t *testing.T) {
	env := newJudgeEnv(t)
	env.Judge.Store = nonTxStore{env.Store}

	// Simulate a crash between phase one and phase two: the task is marked
	// commit_pending and indexed, but the campaign bump and output never
	// happened.
	item := reviewItem(0.95)
	item.Result.CostUSDC = 4
	item.Task.State = domain.StateCommitPending
	pending, _ := json.Marshal(item)
	if err := env.Store.Enqueue(env.Ctx, env.Keys.PendingCommits(), store.QueueItem{
		ID:      "t1",
		Payload: pending,
	}); err != nil {
		t.Fatal(err)
	}

	if err := env.Judge.RecoverPendingCommits(env.Ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if _, err := env.Store.Get(env.Ctx, env.Keys.Output("t1")); err != nil {
		t.Fatalf("recovered output: %v", err)
	}
	if task := env.taskRecord(t, "t1"); task.State != domain.StateCommitted {
		t.Fatalf("task state = %s, want committed", task.State)
	}
	if state := env.campaign(t); state.BudgetRemainingUSDC != 96 {
		t.Fatalf("campaign budget = %v, want 96", state.BudgetRemainingUSDC)
	}
	depth, _ := env.Store.Depth(env.Ctx, env.Keys.PendingCommits())
	if depth != 0 {
		t.Fatalf("pending-commit index not drained, depth = %d", depth)
	}
}

func TestTwoPhaseCommitPath(t *testing.T) {
	env := newJudgeEnv(t)
	env.Judge.Store = nonTxStore{env.Store}
	item := reviewItem(0.95)
	item.Result.CostUSDC = 4
	env.enqueueReview(t, item)

	if _, err := env.Judge.Step(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if task := env.taskRecord(t, "t1"); task.State != domain.StateCommitted {
		t.Fatalf("task state = %s, want committed", task.State)
	}
	if state := env.campaign(t); state.BudgetRemainingUSDC != 96 {
		t.Fatalf("campaign budget = %v, want 96", state.BudgetRemainingUSDC)
	}
	depth, _ := env.Store.Depth(env.Ctx, env.Keys.PendingCommits())
	if depth != 0 {
		t.Fatalf("pending-commit index left behind, depth = %d", depth)
	}
}

func TestConcurrentApprovalsSerializeCampaignVersion(t *testing.T) {
	env := newJudgeEnv(t)

	first := reviewItem(0.95)
	first.Result.CostUSDC = 2
	second := reviewItem(0.95)
	second.Task.TaskID = "t2"
	second.Result.TaskID = "t2"
	second.Result.CostUSDC = 3

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, item := range []domain.ReviewItem{first, second} {
		wg.Add(1)
		go func(item domain.ReviewItem) {
			defer wg.Done()
			errs <- env.Judge.Approve(env.Ctx, item)
		}(item)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("approve: %v", err)
		}
	}

	// One commit lands at version 2, the loser re-reads and lands at 3.
	state := env.campaign(t)
	if state.Version != 3 {
		t.Fatalf("campaign version = %d, want 3", state.Version)
	}
	if state.BudgetRemainingUSDC != 95 {
		t.Fatalf("campaign budget = %v, want 95", state.BudgetRemainingUSDC)
	}
	for _, id := range []string{"t1", "t2"} {
		if task := env.taskRecord(t, id); task.State != domain.StateCommitted {
			t.Fatalf("task %s state = %s, want committed", id, task.State)
		}
	}
	if items := env.hitlItems(t); len(items) != 0 {
		t.Fatalf("hitl queue = %+v, want empty", items)
	}
}
