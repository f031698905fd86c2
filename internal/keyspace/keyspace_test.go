package keyspace_test

import (
	"strings"
	"testing"
	"time"

	"chimera/internal/keyspace"
)

func TestTenantsNeverShareKeys(t *testing.T) {
	a := keyspace.ForTenant("acme")
	b := keyspace.ForTenant("globex")
	day := time.Date(2024, 6, 1, 15, 0, 0, 0, time.UTC)

	pairs := [][2]string{
		{a.TaskQueue(), b.TaskQueue()},
		{a.ReviewQueue(), b.ReviewQueue()},
		{a.HITLQueue(), b.HITLQueue()},
		{a.PendingCommits(), b.PendingCommits()},
		{a.Campaign("c1"), b.Campaign("c1")},
		{a.Task("t1"), b.Task("t1")},
		{a.Output("t1"), b.Output("t1")},
		{a.Budget("agent-1", day), b.Budget("agent-1", day)},
		{a.Lease("t1"), b.Lease("t1")},
		{a.Seen("abcd"), b.Seen("abcd")},
		{a.DecisionLog(), b.DecisionLog()},
		{a.Secret("", "treasury_address"), b.Secret("", "treasury_address")},
	}
	for _, p := range pairs {
		if p[0] == p[1] {
			t.Fatalf("key %q is shared across tenants", p[0])
		}
		if !strings.HasPrefix(p[0], a.Prefix()) {
			t.Errorf("key %q lacks tenant prefix %q", p[0], a.Prefix())
		}
		if !strings.HasPrefix(p[1], b.Prefix()) {
			t.Errorf("key %q lacks tenant prefix %q", p[1], b.Prefix())
		}
	}
}

func TestBlankTenantNormalizes(t *testing.T) {
	if got := keyspace.ForTenant("").TenantID(); got != keyspace.DefaultTenant {
		t.Fatalf("blank tenant = %q, want %q", got, keyspace.DefaultTenant)
	}
	if keyspace.ForTenant("  ").TaskQueue() != keyspace.ForTenant("").TaskQueue() {
		t.Fatalf("whitespace tenant should normalize to the default keyspace")
	}
}

func TestBudgetKeyRollsAtUTCMidnight(t *testing.T) {
	k := keyspace.ForTenant("acme")
	before := time.Date(2024, 6, 1, 23, 59, 59, 0, time.UTC)
	after := before.Add(2 * time.Second)
	if k.Budget("agent-1", before) == k.Budget("agent-1", after) {
		t.Fatalf("budget key should change across the UTC day boundary")
	}
	// A local-time instant maps to its UTC day.
	loc := time.FixedZone("UTC+5", 5*3600)
	local := time.Date(2024, 6, 2, 3, 0, 0, 0, loc) // 2024-06-01T22:00Z
	if k.Budget("agent-1", local) != k.Budget("agent-1", before) {
		t.Fatalf("budget key should be derived from the UTC day")
	}
}
