package keyspace

import (
	"fmt"
	"strings"
	"time"
)

// DefaultTenant is used when a tenant id is blank. Blank and whitespace-only
// ids normalize to it so two spellings of "no tenant" cannot split keyspaces.
const DefaultTenant = "default"

// Keyspace generates tenant-scoped store keys. Every key the system touches
// is built here; no other package may construct one. Convention:
//
//	tenant:<tenant_id>:<namespace>[:<id>...]
type Keyspace struct {
	tenantID string
}

// ForTenant returns the keyspace of the given tenant, normalizing blanks.
func ForTenant(tenantID string) Keyspace {
	tid := strings.TrimSpace(tenantID)
	if tid == "" {
		tid = DefaultTenant
	}
	return Keyspace{tenantID: tid}
}

// TenantID returns the normalized tenant id.
func (k Keyspace) TenantID() string { return k.tenantID }

func (k Keyspace) prefix() string { return "tenant:" + k.tenantID }

// Prefix returns the key prefix all of this tenant's keys share, including
// the trailing separator.
func (k Keyspace) Prefix() string { return k.prefix() + ":" }

// TaskQueue is the pending-work priority queue.
func (k Keyspace) TaskQueue() string { return k.prefix() + ":queue:task" }

// ReviewQueue is the worker-output priority queue the judge drains.
func (k Keyspace) ReviewQueue() string { return k.prefix() + ":queue:review" }

// HITLQueue is the FIFO queue of items awaiting a human verdict.
func (k Keyspace) HITLQueue() string { return k.prefix() + ":queue:hitl" }

// PendingCommits indexes tasks caught between the phases of a two-phase
// commit so the recovery scanner can finish them without a keyspace scan.
func (k Keyspace) PendingCommits() string { return k.prefix() + ":queue:pendingcommit" }

// Campaign is the versioned per-campaign state record.
func (k Keyspace) Campaign(campaignID string) string {
	return fmt.Sprintf("%s:campaign:%s", k.prefix(), campaignID)
}

// Task is the durable task record keyed by task id.
func (k Keyspace) Task(taskID string) string {
	return fmt.Sprintf("%s:task:%s", k.prefix(), taskID)
}

// Output holds the committed (or last) result of a task.
func (k Keyspace) Output(taskID string) string {
	return fmt.Sprintf("%s:output:%s", k.prefix(), taskID)
}

// Budget is the per-agent daily spend counter.
func (k Keyspace) Budget(agentID string, day time.Time) string {
	return fmt.Sprintf("%s:budget:%s:%s", k.prefix(), agentID, day.UTC().Format("2006-01-02"))
}

// Lease names the lease record of a queued task.
func (k Keyspace) Lease(taskID string) string {
	return fmt.Sprintf("%s:lease:%s", k.prefix(), taskID)
}

// Seen is the perception dedup marker for a content hash.
func (k Keyspace) Seen(hash string) string {
	return fmt.Sprintf("%s:seen:%s", k.prefix(), hash)
}

// DecisionLog is the append-only log of decisions and lifecycle events.
func (k Keyspace) DecisionLog() string { return k.prefix() + ":log:decisions" }

// Secret names an entry in the external-kv secret store.
func (k Keyspace) Secret(prefix, name string) string {
	return fmt.Sprintf("%s:secret:%s%s", k.prefix(), prefix, name)
}
