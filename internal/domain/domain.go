package domain

import "time"

// TaskType tags a unit of work with the skill that fulfils it.
type TaskType string

const (
	TaskAnalyzeTrends      TaskType = "analyze_trends"
	TaskGenerateContent    TaskType = "generate_content"
	TaskPostContent        TaskType = "post_content"
	TaskReplyComment       TaskType = "reply_comment"
	TaskExecuteTransaction TaskType = "execute_transaction"
)

// TaskTypes lists every dispatchable task type.
func TaskTypes() []TaskType {
	return []TaskType{
		TaskAnalyzeTrends,
		TaskGenerateContent,
		TaskPostContent,
		TaskReplyComment,
		TaskExecuteTransaction,
	}
}

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TaskAnalyzeTrends, TaskGenerateContent, TaskPostContent, TaskReplyComment, TaskExecuteTransaction:
		return true
	}
	return false
}

// Priority orders tasks at dispatch time. Higher pops first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityMedium Priority = 2
	PriorityHigh   Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// Demote lowers the priority one tier. Low stays low; callers that need the
// floor case handled differently check for it themselves.
func (p Priority) Demote() Priority {
	if p > PriorityLow {
		return p - 1
	}
	return PriorityLow
}

// TaskState is the lifecycle position of a task.
type TaskState string

const (
	StatePending    TaskState = "pending"
	StateInProgress TaskState = "in_progress"
	StateReview     TaskState = "review"
	StateEscalated  TaskState = "escalated"
	StateCommitted  TaskState = "committed"
	StateFailed     TaskState = "failed"

	// StateCommitPending marks phase one of a two-phase commit on stores
	// without multi-key transactions. A boot-time scanner finishes these.
	StateCommitPending TaskState = "committed_pending"
)

// CanTransition reports whether a task may move from -> to. Transitions are
// forward-only except in_progress->pending (lease expiry redelivery),
// review->pending (judge reject) and escalated->pending (operator reject with
// retry).
func CanTransition(from, to TaskState) bool {
	for _, s := range taskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var taskTransitions = map[TaskState][]TaskState{
	StatePending:       {StateInProgress, StateEscalated, StateFailed},
	StateInProgress:    {StateReview, StatePending, StateEscalated, StateFailed},
	StateReview:        {StateCommitPending, StateCommitted, StateEscalated, StatePending, StateFailed},
	StateEscalated:     {StateCommitPending, StateCommitted, StatePending, StateFailed},
	StateCommitPending: {StateCommitted},
}

// Task is one unit of scheduled work.
type Task struct {
	TaskID          string            `json:"task_id"`
	TenantID        string            `json:"tenant_id"`
	CampaignID      string            `json:"campaign_id,omitempty"`
	Type            TaskType          `json:"task_type"`
	Priority        Priority          `json:"priority"`
	GoalDescription string            `json:"goal_description"`
	Context         map[string]string `json:"context,omitempty"`
	State           TaskState         `json:"state"`
	Attempt         int               `json:"attempt"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// ResultStatus is the outcome class of one worker attempt.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultError   ResultStatus = "error"
)

// TaskResult is a worker's output for a single task attempt.
type TaskResult struct {
	TaskID         string         `json:"task_id"`
	TenantID       string         `json:"tenant_id"`
	WorkerID       string         `json:"worker_id"`
	Attempt        int            `json:"attempt"`
	Status         ResultStatus   `json:"status"`
	Output         map[string]any `json:"output,omitempty"`
	Confidence     float64        `json:"confidence"`
	ReasoningTrace string         `json:"reasoning_trace,omitempty"`
	CostUSDC       float64        `json:"cost_usdc"`
	Reason         string         `json:"reason,omitempty"`
	ExecutedAt     time.Time      `json:"executed_at"`
}

// ReviewItem is the payload carried on the review queue: the task together
// with the result the judge must score.
type ReviewItem struct {
	Task   Task       `json:"task"`
	Result TaskResult `json:"result"`
}

// Decision is the verdict class of one judge review.
type Decision string

const (
	DecisionApprove  Decision = "approve"
	DecisionReject   Decision = "reject"
	DecisionEscalate Decision = "escalate"
)

// JudgeDecision is the verdict attached to one review of a task result.
type JudgeDecision struct {
	TaskID              string    `json:"task_id"`
	TenantID            string    `json:"tenant_id"`
	Decision            Decision  `json:"decision"`
	RequiresHumanReview bool      `json:"requires_human_review"`
	Reasoning           string    `json:"reasoning"`
	DecidedAt           time.Time `json:"decided_at"`
}

// CampaignStatus gates planner and perception activity.
type CampaignStatus string

const (
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

// CampaignState is per-campaign shared state. Version is the store's
// compare-and-swap guard: no mutation lands unless the writer presents the
// version it read.
type CampaignState struct {
	CampaignID          string         `json:"campaign_id"`
	TenantID            string         `json:"tenant_id"`
	Goals               []string       `json:"goals"`
	BudgetRemainingUSDC float64        `json:"budget_remaining_usdc"`
	Status              CampaignStatus `json:"status"`
	Version             uint64         `json:"version"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// HITLStatus is the operator-side state of an escalated item.
type HITLStatus string

const (
	HITLPending      HITLStatus = "pending"
	HITLApproved     HITLStatus = "approved"
	HITLRejectedTry  HITLStatus = "rejected_retry"
	HITLRejectedDrop HITLStatus = "rejected_drop"
)

// HITLItem is a task awaiting a human verdict.
type HITLItem struct {
	TaskID   string     `json:"task_id"`
	TenantID string     `json:"tenant_id"`
	Payload  ReviewItem `json:"payload"`
	Reason   string     `json:"reason"`
	QueuedAt time.Time  `json:"queued_at"`
	Status   HITLStatus `json:"status"`
}

// Verdict is an operator's resolution of a HITL item.
type Verdict string

const (
	VerdictApprove     Verdict = "approve"
	VerdictRejectRetry Verdict = "reject_retry"
	VerdictRejectDrop  Verdict = "reject_drop"
)

// Valid reports whether v is a known operator verdict.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictApprove, VerdictRejectRetry, VerdictRejectDrop:
		return true
	}
	return false
}

// Well-known reason strings carried on error results and escalations.
const (
	ReasonBudgetExceeded  = "budget_exceeded"
	ReasonPerTxCap        = "per_tx_cap"
	ReasonDailyCap        = "daily_cap"
	ReasonSchemaViolation = "schema_violation"
	ReasonOCCContention   = "occ_contention"
	ReasonRepeatedFailure = "repeated_failure"
)
