package sqlitestore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"chimera/internal/store"
	"chimera/internal/store/sqlitestore"
)

type testEnv struct {
	Store *sqlitestore.Store
	Ctx   context.Context
	clock time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := sqlitestore.New(sqlitestore.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	env := &testEnv{Store: s, Ctx: context.Background(), clock: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	s.Now = func() time.Time { return env.clock }
	return env
}

func (e *testEnv) advance(d time.Duration) { e.clock = e.clock.Add(d) }

func item(id string, priority int) store.QueueItem {
	return store.QueueItem{ID: id, Payload: []byte(id), Priority: priority, EnqueuedAt: time.Now()}
}

func TestPopOrdersByPriorityThenFIFO(t *testing.T) {
	env := newTestEnv(t)
	q := "tenant:a:queue:task"
	for _, it := range []store.QueueItem{
		item("low-1", 0), item("high-1", 2), item("med-1", 1),
		item("high-2", 2), item("med-2", 1),
	} {
		if err := env.Store.Enqueue(env.Ctx, q, it); err != nil {
			t.Fatalf("enqueue %s: %v", it.ID, err)
		}
	}
	want := []string{"high-1", "high-2", "med-1", "med-2", "low-1"}
	for _, id := range want {
		lease, err := env.Store.PopHighest(env.Ctx, q, time.Minute)
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if lease == nil || lease.ItemID != id {
			t.Fatalf("pop order: got %+v, want %s", lease, id)
		}
		if err := env.Store.Ack(env.Ctx, lease); err != nil {
			t.Fatalf("ack %s: %v", id, err)
		}
	}
	lease, err := env.Store.PopHighest(env.Ctx, q, time.Minute)
	if err != nil || lease != nil {
		t.Fatalf("drained queue should pop nil, got %+v err %v", lease, err)
	}
}

func TestLeaseExpiryRedeliversWithIncrementedAttempt(t *testing.T) {
	env := newTestEnv(t)
	q := "tenant:a:queue:task"
	if err := env.Store.Enqueue(env.Ctx, q, item("t1", 1)); err != nil {
		t.Fatal(err)
	}
	first, err := env.Store.PopHighest(env.Ctx, q, 30*time.Second)
	if err != nil || first == nil {
		t.Fatalf("first pop: %+v %v", first, err)
	}
	if first.Attempt != 1 {
		t.Fatalf("first attempt = %d, want 1", first.Attempt)
	}

	// While the lease is live the item is invisible.
	hidden, err := env.Store.PopHighest(env.Ctx, q, 30*time.Second)
	if err != nil || hidden != nil {
		t.Fatalf("leased item should be invisible, got %+v err %v", hidden, err)
	}

	env.advance(31 * time.Second)
	second, err := env.Store.PopHighest(env.Ctx, q, 30*time.Second)
	if err != nil || second == nil {
		t.Fatalf("redelivery pop: %+v %v", second, err)
	}
	if second.ItemID != "t1" || second.Attempt != 2 {
		t.Fatalf("redelivery = %s attempt %d, want t1 attempt 2", second.ItemID, second.Attempt)
	}

	// The stale lease can no longer ack.
	if err := env.Store.Ack(env.Ctx, first); !errors.Is(err, store.ErrLeaseExpired) {
		t.Fatalf("stale ack err = %v, want ErrLeaseExpired", err)
	}
	if err := env.Store.Ack(env.Ctx, second); err != nil {
		t.Fatalf("live ack: %v", err)
	}
}

func TestNackRequeueAndDrop(t *testing.T) {
	env := newTestEnv(t)
	q := "tenant:a:queue:task"
	if err := env.Store.Enqueue(env.Ctx, q, item("t1", 1)); err != nil {
		t.Fatal(err)
	}
	lease, err := env.Store.PopHighest(env.Ctx, q, time.Minute)
	if err != nil || lease == nil {
		t.Fatalf("pop: %v", err)
	}
	if err := env.Store.Nack(env.Ctx, lease, true); err != nil {
		t.Fatalf("nack requeue: %v", err)
	}
	again, err := env.Store.PopHighest(env.Ctx, q, time.Minute)
	if err != nil || again == nil || again.ItemID != "t1" {
		t.Fatalf("requeued item not visible: %+v %v", again, err)
	}
	if err := env.Store.Nack(env.Ctx, again, false); err != nil {
		t.Fatalf("nack drop: %v", err)
	}
	depth, err := env.Store.Depth(env.Ctx, q)
	if err != nil || depth != 0 {
		t.Fatalf("depth after drop = %d (%v), want 0", depth, err)
	}
}

func TestCompareAndSwap(t *testing.T) {
	env := newTestEnv(t)
	key := "tenant:a:campaign:c1"

	// Version 0 asserts absence.
	if err := env.Store.CompareAndSwap(env.Ctx, key, []byte("v1"), 0, 0); err != nil {
		t.Fatalf("create-if-absent: %v", err)
	}
	if err := env.Store.CompareAndSwap(env.Ctx, key, []byte("v1b"), 0, 0); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("second create err = %v, want ErrVersionConflict", err)
	}

	cur, err := env.Store.Get(env.Ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := env.Store.CompareAndSwap(env.Ctx, key, []byte("v2"), cur.Version, 0); err != nil {
		t.Fatalf("cas with read version: %v", err)
	}
	if err := env.Store.CompareAndSwap(env.Ctx, key, []byte("v3"), cur.Version, 0); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("stale cas err = %v, want ErrVersionConflict", err)
	}
	got, err := env.Store.Get(env.Ctx, key)
	if err != nil || string(got.Value) != "v2" {
		t.Fatalf("value = %q (%v), want v2", got.Value, err)
	}
	if got.Version != cur.Version+1 {
		t.Fatalf("version = %d, want %d", got.Version, cur.Version+1)
	}
}

func TestSetNXHonorsTTL(t *testing.T) {
	env := newTestEnv(t)
	key := "tenant:a:seen:abc"

	wrote, err := env.Store.SetNX(env.Ctx, key, []byte("x"), time.Hour)
	if err != nil || !wrote {
		t.Fatalf("first setnx = %v %v, want true", wrote, err)
	}
	wrote, err = env.Store.SetNX(env.Ctx, key, []byte("y"), time.Hour)
	if err != nil || wrote {
		t.Fatalf("second setnx = %v %v, want false", wrote, err)
	}

	env.advance(2 * time.Hour)
	if _, err := env.Store.Get(env.Ctx, key); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expired get err = %v, want ErrNotFound", err)
	}
	wrote, err = env.Store.SetNX(env.Ctx, key, []byte("z"), time.Hour)
	if err != nil || !wrote {
		t.Fatalf("post-expiry setnx = %v %v, want true", wrote, err)
	}
}

func TestEnqueueAllIsAtomic(t *testing.T) {
	env := newTestEnv(t)
	q := "tenant:a:queue:task"
	if err := env.Store.Enqueue(env.Ctx, q, item("dup", 1)); err != nil {
		t.Fatal(err)
	}
	batch := []store.QueueItem{item("b1", 1), item("b2", 1), item("dup", 1)}
	if err := env.Store.EnqueueAll(env.Ctx, q, batch); err == nil {
		t.Fatalf("batch with duplicate id should fail")
	}
	depth, err := env.Store.Depth(env.Ctx, q)
	if err != nil || depth != 1 {
		t.Fatalf("depth after failed batch = %d (%v), want 1", depth, err)
	}

	if err := env.Store.EnqueueAll(env.Ctx, q, []store.QueueItem{item("b1", 1), item("b2", 2)}); err != nil {
		t.Fatalf("clean batch: %v", err)
	}
	depth, _ = env.Store.Depth(env.Ctx, q)
	if depth != 3 {
		t.Fatalf("depth after clean batch = %d, want 3", depth)
	}
}

func TestRemoveClaimsExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	q := "tenant:a:queue:hitl"
	if err := env.Store.Enqueue(env.Ctx, q, item("h1", 1)); err != nil {
		t.Fatal(err)
	}
	removed, err := env.Store.Remove(env.Ctx, q, "h1")
	if err != nil || !removed {
		t.Fatalf("first remove = %v %v, want true", removed, err)
	}
	removed, err = env.Store.Remove(env.Ctx, q, "h1")
	if err != nil || removed {
		t.Fatalf("second remove = %v %v, want false", removed, err)
	}
}

func TestListPagesInPopOrder(t *testing.T) {
	env := newTestEnv(t)
	q := "tenant:a:queue:review"
	for _, it := range []store.QueueItem{item("a", 0), item("b", 2), item("c", 1)} {
		if err := env.Store.Enqueue(env.Ctx, q, it); err != nil {
			t.Fatal(err)
		}
	}
	items, err := env.Store.List(env.Ctx, q, 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := make([]string, 0, len(items))
	for _, it := range items {
		got = append(got, it.ID)
	}
	want := []string{"b", "c", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("list order = %v, want %v", got, want)
		}
	}
	page, err := env.Store.List(env.Ctx, q, 1, 1)
	if err != nil || len(page) != 1 || page[0].ID != "c" {
		t.Fatalf("page = %+v (%v), want [c]", page, err)
	}
}

func TestAppendAndReadLog(t *testing.T) {
	env := newTestEnv(t)
	key := "tenant:a:log:decisions"
	for _, v := range []string{"e1", "e2", "e3"} {
		if err := env.Store.Append(env.Ctx, key, []byte(v)); err != nil {
			t.Fatalf("append %s: %v", v, err)
		}
	}
	entries, err := env.Store.ReadLog(env.Ctx, key, 1, 10)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(entries) != 2 || string(entries[0].Value) != "e2" || string(entries[1].Value) != "e3" {
		t.Fatalf("entries = %+v, want e2,e3", entries)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	env := newTestEnv(t)
	q := "tenant:a:queue:task"
	sentinel := errors.New("boom")
	err := env.Store.WithTx(env.Ctx, func(tx store.Store) error {
		if err := tx.Put(env.Ctx, "tenant:a:task:t1", []byte("x"), 0); err != nil {
			return err
		}
		if err := tx.Enqueue(env.Ctx, q, item("t1", 1)); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("tx err = %v, want sentinel", err)
	}
	if _, err := env.Store.Get(env.Ctx, "tenant:a:task:t1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("kv write survived rollback: %v", err)
	}
	depth, _ := env.Store.Depth(env.Ctx, q)
	if depth != 0 {
		t.Fatalf("queue write survived rollback, depth = %d", depth)
	}

	if err := env.Store.WithTx(env.Ctx, func(tx store.Store) error {
		return tx.Enqueue(env.Ctx, q, item("t2", 1))
	}); err != nil {
		t.Fatalf("committed tx: %v", err)
	}
	depth, _ = env.Store.Depth(env.Ctx, q)
	if depth != 1 {
		t.Fatalf("committed tx not visible, depth = %d", depth)
	}
}
