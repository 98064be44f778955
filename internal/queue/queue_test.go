package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"

	"github.com/gtaroom/GTA-GAME-sub005/internal/domain"
)

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRegistry(rdb, opts...), mr
}

func spec(id string, a domain.Action) JobSpec {
	p, _ := domain.PolicyFor(a)
	return JobSpec{ID: id, Action: a, Payload: json.RawMessage(`{"username":"shivam"}`), Policy: p}
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

func TestRegistry_SameHandle(t *testing.T) {
	g, _ := newTestRegistry(t)

	a1 := g.Queue("acme")
	a2 := g.Queue("acme")
	b := g.Queue("globex")

	if a1 != a2 {
		t.Fatal("expected the same handle for repeated lookups")
	}
	if a1 == b {
		t.Fatal("expected distinct handles for distinct tenants")
	}
	if g.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", g.Len())
	}
}

func TestRegistry_ConcurrentFirstAccess(t *testing.T) {
	g, _ := newTestRegistry(t)

	const n = 64
	got := make([]*Queue, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			got[i] = g.Queue("newco")
		}()
	}
	close(start)
	wg.Wait()

	for i := 1; i < n; i++ {
		if got[i] != got[0] {
			t.Fatalf("goroutine %d got a different handle", i)
		}
	}
	if g.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", g.Len())
	}
}

func TestRegistry_Tenants(t *testing.T) {
	g, _ := newTestRegistry(t)
	ctx := context.Background()

	g.Queue("unused")
	for _, tenant := range []string{"globex", "acme"} {
		if _, err := g.Queue(tenant).Add(ctx, spec(tenant+"-1-abcdefghi", domain.Withdraw)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	tenants, err := g.Tenants(ctx)
	if err != nil {
		t.Fatalf("Tenants: %v", err)
	}
	if len(tenants) != 2 || tenants[0] != "acme" || tenants[1] != "globex" {
		t.Fatalf("Tenants() = %v, want [acme globex]", tenants)
	}
}

// ---------------------------------------------------------------------------
// Producer side
// ---------------------------------------------------------------------------

func TestQueue_AddGet(t *testing.T) {
	g, _ := newTestRegistry(t)
	ctx := context.Background()
	q := g.Queue("acme")

	added, err := q.Add(ctx, spec("acme-1-aaaaaaaaa", domain.Recharge))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if added.State != domain.Waiting {
		t.Fatalf("added state = %s, want waiting", added.State)
	}

	j, err := q.Get(ctx, "acme-1-aaaaaaaaa")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.Tenant != "acme" || j.Action != domain.Recharge || j.Attempts != 1 {
		t.Fatalf("unexpected job %+v", j)
	}
	if string(j.Payload) != `{"username":"shivam"}` {
		t.Fatalf("payload = %s", j.Payload)
	}
	if j.Backoff.Type != domain.BackoffFixed || j.Backoff.Delay != 0 {
		t.Fatalf("backoff = %+v", j.Backoff)
	}
}

func TestQueue_AddDuplicate(t *testing.T) {
	g, _ := newTestRegistry(t)
	ctx := context.Background()
	q := g.Queue("acme")

	if _, err := q.Add(ctx, spec("acme-1-aaaaaaaaa", domain.Withdraw)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := q.Add(ctx, spec("acme-1-aaaaaaaaa", domain.Withdraw)); !errors.Is(err, domain.ErrJobExists) {
		t.Fatalf("second Add err = %v, want ErrJobExists", err)
	}
}

func TestQueue_AddDuplicateConcurrent(t *testing.T) {
	g, mr := newTestRegistry(t)
	ctx := context.Background()
	q := g.Queue("acme")

	const rounds = 50
	for i := range rounds {
		id := fmt.Sprintf("acme-%d-aaaaaaaaa", i)

		var (
			wg    sync.WaitGroup
			start = make(chan struct{})
			errs  = make([]error, 2)
		)
		for k := range errs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, errs[k] = q.Add(ctx, spec(id, domain.Recharge))
			}()
		}
		close(start)
		wg.Wait()

		won := 0
		for _, err := range errs {
			switch {
			case err == nil:
				won++
			case !errors.Is(err, domain.ErrJobExists):
				t.Fatalf("round %d: err = %v, want nil or ErrJobExists", i, err)
			}
		}
		if won != 1 {
			t.Fatalf("round %d: %d Adds succeeded, want exactly 1", i, won)
		}
	}

	wait, err := mr.List("dispatch:acme:wait")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(wait) != rounds {
		t.Fatalf("wait list holds %d ids, want %d", len(wait), rounds)
	}
}

func TestQueue_AddEmptyID(t *testing.T) {
	g, mr := newTestRegistry(t)

	_, err := g.Queue("acme").Add(context.Background(), spec("", domain.Withdraw))
	if !errors.Is(err, domain.ErrSubmissionFailed) {
		t.Fatalf("err = %v, want ErrSubmissionFailed", err)
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Fatalf("expected no keys written, got %v", keys)
	}
}

func TestQueue_GetMissing(t *testing.T) {
	g, _ := newTestRegistry(t)
	if _, err := g.Queue("acme").Get(context.Background(), "acme-123-xxxxxxxxx"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}
}

func TestQueue_TenantIsolation(t *testing.T) {
	g, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := g.Queue("acme").Add(ctx, spec("acme-1-aaaaaaaaa", domain.Withdraw)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := g.Queue("globex").Get(ctx, "acme-1-aaaaaaaaa"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("job leaked across tenants: err = %v", err)
	}
	if j, _ := g.Queue("globex").Take(ctx, 0); j != nil {
		t.Fatalf("globex took acme's job %s", j.ID)
	}
}

func TestQueue_Remove(t *testing.T) {
	g, _ := newTestRegistry(t)
	ctx := context.Background()
	q := g.Queue("acme")

	if _, err := q.Add(ctx, spec("acme-1-aaaaaaaaa", domain.Withdraw)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := q.Remove(ctx, "acme-1-aaaaaaaaa"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := q.Get(ctx, "acme-1-aaaaaaaaa"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("Get after Remove err = %v", err)
	}
	if j, _ := q.Take(ctx, 0); j != nil {
		t.Fatal("removed job was still on the wait list")
	}
	if err := q.Remove(ctx, "acme-1-aaaaaaaaa"); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
}

func TestQueue_BrokerUnavailable(t *testing.T) {
	rdb := r.NewClient(&r.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { _ = rdb.Close() })
	g := NewRegistry(rdb)

	if _, err := g.Queue("acme").Add(context.Background(), spec("acme-1-aaaaaaaaa", domain.Withdraw)); !errors.Is(err, domain.ErrBrokerUnavailable) {
		t.Fatalf("Add err = %v, want ErrBrokerUnavailable", err)
	}
	if _, err := g.Queue("acme").Get(context.Background(), "acme-1-aaaaaaaaa"); !errors.Is(err, domain.ErrBrokerUnavailable) {
		t.Fatalf("Get err = %v, want ErrBrokerUnavailable", err)
	}
	if err := g.Ping(context.Background()); !errors.Is(err, domain.ErrBrokerUnavailable) {
		t.Fatalf("Ping err = %v, want ErrBrokerUnavailable", err)
	}
}

// ---------------------------------------------------------------------------
// Consumer side
// ---------------------------------------------------------------------------

func TestQueue_TakeEmpty(t *testing.T) {
	g, _ := newTestRegistry(t)
	j, err := g.Queue("acme").Take(context.Background(), 0)
	if err != nil || j != nil {
		t.Fatalf("Take on empty queue = %v, %v; want nil, nil", j, err)
	}
}

func TestQueue_TakeIsFIFO(t *testing.T) {
	g, _ := newTestRegistry(t)
	ctx := context.Background()
	q := g.Queue("acme")

	for _, id := range []string{"acme-1-aaaaaaaaa", "acme-2-bbbbbbbbb"} {
		if _, err := q.Add(ctx, spec(id, domain.Withdraw)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	j, err := q.Take(ctx, 0)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if j.ID != "acme-1-aaaaaaaaa" || j.State != domain.Active || j.ProcessedOn == nil {
		t.Fatalf("unexpected first job %+v", j)
	}
}

func TestQueue_CompleteStartsRetention(t *testing.T) {
	g, mr := newTestRegistry(t, WithRetention(time.Hour))
	ctx := context.Background()
	q := g.Queue("acme")

	if _, err := q.Add(ctx, spec("acme-1-aaaaaaaaa", domain.CreateUser)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := q.Take(ctx, 0); err != nil {
		t.Fatalf("Take: %v", err)
	}
	if err := q.UpdateProgress(ctx, "acme-1-aaaaaaaaa", 150); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if err := q.Complete(ctx, "acme-1-aaaaaaaaa"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	j, err := q.Get(ctx, "acme-1-aaaaaaaaa")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.State != domain.Completed || j.Progress != 100 || j.FinishedOn == nil {
		t.Fatalf("unexpected job %+v", j)
	}
	if ttl := mr.TTL("dispatch:acme:job:acme-1-aaaaaaaaa"); ttl != time.Hour {
		t.Fatalf("TTL = %v, want 1h", ttl)
	}

	mr.FastForward(time.Hour + time.Second)
	if _, err := q.Get(ctx, "acme-1-aaaaaaaaa"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("Get after retention err = %v, want ErrJobNotFound", err)
	}
}

func TestQueue_CompleteRequiresActive(t *testing.T) {
	g, _ := newTestRegistry(t)
	ctx := context.Background()
	q := g.Queue("acme")

	if _, err := q.Add(ctx, spec("acme-1-aaaaaaaaa", domain.CreateUser)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := q.Complete(ctx, "acme-1-aaaaaaaaa"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("Complete on waiting job err = %v, want ErrInvalidState", err)
	}
}

func TestQueue_FailRetriesUpToAttempts(t *testing.T) {
	g, mr := newTestRegistry(t)
	ctx := context.Background()
	q := g.Queue("acme")

	if _, err := q.Add(ctx, spec("acme-1-aaaaaaaaa", domain.Withdraw)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	want := []domain.State{domain.Waiting, domain.Waiting, domain.Failed}
	for i, w := range want {
		if j, err := q.Take(ctx, 0); err != nil || j == nil {
			t.Fatalf("attempt %d: Take = %v, %v", i+1, j, err)
		}
		got, err := q.Fail(ctx, "acme-1-aaaaaaaaa", "timeout")
		if err != nil {
			t.Fatalf("attempt %d: Fail: %v", i+1, err)
		}
		if got != w {
			t.Fatalf("attempt %d: state = %s, want %s", i+1, got, w)
		}
	}

	j, err := q.Get(ctx, "acme-1-aaaaaaaaa")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.AttemptsMade != 3 || j.FailedReason != "timeout" {
		t.Fatalf("unexpected job %+v", j)
	}
	if ttl := mr.TTL("dispatch:acme:job:acme-1-aaaaaaaaa"); ttl != DefaultRetention {
		t.Fatalf("TTL = %v, want %v", ttl, DefaultRetention)
	}
	if j, _ := q.Take(ctx, 0); j != nil {
		t.Fatal("failed job was requeued")
	}
}

func TestQueue_RechargeNeverRetried(t *testing.T) {
	g, _ := newTestRegistry(t)
	ctx := context.Background()
	q := g.Queue("acme")

	if _, err := q.Add(ctx, spec("acme-1-aaaaaaaaa", domain.Recharge)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := q.Take(ctx, 0); err != nil {
		t.Fatalf("Take: %v", err)
	}
	state, err := q.Fail(ctx, "acme-1-aaaaaaaaa", "gateway error")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if state != domain.Failed {
		t.Fatalf("recharge state after first failure = %s, want failed", state)
	}
}

func TestQueue_RecoverStalled(t *testing.T) {
	t0 := time.UnixMilli(1_700_000_000_000)
	now := t0
	g, mr := newTestRegistry(t, WithClock(func() time.Time { return now }), WithLease(time.Minute))
	ctx := context.Background()
	q := g.Queue("acme")

	for _, s := range []JobSpec{spec("acme-1-recharge", domain.Recharge), spec("acme-1-withdraw", domain.Withdraw)} {
		if _, err := q.Add(ctx, s); err != nil {
			t.Fatalf("Add: %v", err)
		}
		if _, err := q.Take(ctx, 0); err != nil {
			t.Fatalf("Take: %v", err)
		}
	}

	if n, err := q.RecoverStalled(ctx, t0.Add(30*time.Second), 10); err != nil || n != 0 {
		t.Fatalf("RecoverStalled inside lease = %d, %v; want 0", n, err)
	}
	n, err := q.RecoverStalled(ctx, t0.Add(time.Minute), 10)
	if err != nil || n != 2 {
		t.Fatalf("RecoverStalled = %d, %v; want 2", n, err)
	}

	// A recharge with a lost worker is failed, never re-run.
	j, err := q.Get(ctx, "acme-1-recharge")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.State != domain.Failed || j.FailedReason != StalledReason || j.AttemptsMade != 1 {
		t.Fatalf("recharge = %+v", j)
	}
	if ttl := mr.TTL("dispatch:acme:job:acme-1-recharge"); ttl != DefaultRetention {
		t.Fatalf("TTL = %v, want %v", ttl, DefaultRetention)
	}
	if err := q.Complete(ctx, "acme-1-recharge"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("late Complete err = %v, want ErrInvalidState", err)
	}

	// A withdraw has attempts left and goes back to wait.
	now = t0.Add(time.Minute)
	j, err = q.Take(ctx, 0)
	if err != nil || j == nil {
		t.Fatalf("Take after recovery = %v, %v", j, err)
	}
	if j.ID != "acme-1-withdraw" || j.AttemptsMade != 1 {
		t.Fatalf("unexpected job %+v", j)
	}

	active, _ := mr.List("dispatch:acme:active")
	if len(active) != 1 || active[0] != "acme-1-withdraw" {
		t.Fatalf("active = %v", active)
	}
	if n, err := q.RecoverStalled(ctx, t0.Add(time.Minute), 10); err != nil || n != 0 {
		t.Fatalf("second RecoverStalled = %d, %v; want 0 for a fresh lease", n, err)
	}
}

func TestQueue_HeartbeatExtendsLease(t *testing.T) {
	t0 := time.UnixMilli(1_700_000_000_000)
	now := t0
	g, _ := newTestRegistry(t, WithClock(func() time.Time { return now }), WithLease(time.Minute))
	ctx := context.Background()
	q := g.Queue("acme")

	if _, err := q.Add(ctx, spec("acme-1-aaaaaaaaa", domain.Withdraw)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := q.Heartbeat(ctx, "acme-1-aaaaaaaaa"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("Heartbeat on waiting job err = %v, want ErrInvalidState", err)
	}
	if _, err := q.Take(ctx, 0); err != nil {
		t.Fatalf("Take: %v", err)
	}

	now = t0.Add(50 * time.Second)
	if err := q.UpdateProgress(ctx, "acme-1-aaaaaaaaa", 40); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if n, err := q.RecoverStalled(ctx, t0.Add(time.Minute), 10); err != nil || n != 0 {
		t.Fatalf("RecoverStalled after heartbeat = %d, %v; want 0", n, err)
	}
	if n, err := q.RecoverStalled(ctx, now.Add(time.Minute), 10); err != nil || n != 1 {
		t.Fatalf("RecoverStalled after renewed lease = %d, %v; want 1", n, err)
	}
}

func TestQueue_CompleteClearsLease(t *testing.T) {
	g, mr := newTestRegistry(t)
	ctx := context.Background()
	q := g.Queue("acme")

	if _, err := q.Add(ctx, spec("acme-1-aaaaaaaaa", domain.Recharge)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := q.Take(ctx, 0); err != nil {
		t.Fatalf("Take: %v", err)
	}
	if err := q.Complete(ctx, "acme-1-aaaaaaaaa"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if mr.Exists("dispatch:acme:leases") {
		members, _ := mr.ZMembers("dispatch:acme:leases")
		t.Fatalf("lease left behind: %v", members)
	}
	if n, err := q.RecoverStalled(ctx, time.Now().Add(24*time.Hour), 10); err != nil || n != 0 {
		t.Fatalf("RecoverStalled = %d, %v; want 0", n, err)
	}
}

func TestQueue_DelayedRetryPromotion(t *testing.T) {
	t0 := time.UnixMilli(1_700_000_000_000)
	now := t0
	g, _ := newTestRegistry(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	q := g.Queue("acme")

	s := JobSpec{
		ID:     "acme-1-aaaaaaaaa",
		Action: domain.Withdraw,
		Policy: domain.Policy{Attempts: 2, Backoff: domain.Backoff{Type: domain.BackoffFixed, Delay: 5 * time.Second}},
	}
	if _, err := q.Add(ctx, s); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := q.Take(ctx, 0); err != nil {
		t.Fatalf("Take: %v", err)
	}
	state, err := q.Fail(ctx, s.ID, "flaky")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if state != domain.Delayed {
		t.Fatalf("state = %s, want delayed", state)
	}

	if n, err := q.PromoteDelayed(ctx, t0.Add(time.Second), 10); err != nil || n != 0 {
		t.Fatalf("early PromoteDelayed = %d, %v; want 0", n, err)
	}
	if n, err := q.PromoteDelayed(ctx, t0.Add(5*time.Second), 10); err != nil || n != 1 {
		t.Fatalf("PromoteDelayed = %d, %v; want 1", n, err)
	}

	j, err := q.Take(ctx, 0)
	if err != nil || j == nil {
		t.Fatalf("Take after promotion = %v, %v", j, err)
	}
	if j.ID != s.ID || j.AttemptsMade != 1 {
		t.Fatalf("unexpected job %+v", j)
	}
}
