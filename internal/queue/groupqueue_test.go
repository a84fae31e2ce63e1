package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func fastConfig() Config {
	return Config{MaxConcurrent: 2, BaseRetryDelay: 10 * time.Millisecond, MaxRetryDelay: 40 * time.Millisecond}
}

func laneState(q *GroupQueue, jid string) string {
	for _, st := range q.Snapshot() {
		if st.GroupJID == jid {
			return st.State
		}
	}
	return ""
}

type fakeProcess struct {
	killed atomic.Int32
	onKill func()
}

func (p *fakeProcess) Kill() error {
	p.killed.Add(1)
	if p.onKill != nil {
		p.onKill()
	}
	return nil
}

func TestRetryDelayMonotoneAndCapped(t *testing.T) {
	cfg := Config{BaseRetryDelay: 5 * time.Second, MaxRetryDelay: 5 * time.Minute}
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second, 160 * time.Second, 5 * time.Minute}
	for i, w := range want {
		if got := cfg.RetryDelay(i + 1); got != w {
			t.Fatalf("attempt %d: got %v want %v", i+1, got, w)
		}
	}
	prev := time.Duration(0)
	for attempt := 1; attempt < 200; attempt++ {
		d := cfg.RetryDelay(attempt)
		if d < prev || d > cfg.MaxRetryDelay {
			t.Fatalf("attempt %d: delay %v not monotone/capped (prev %v)", attempt, d, prev)
		}
		prev = d
	}
}

func TestTriggersCoalesceWhileRunning(t *testing.T) {
	q := New(fastConfig(), nil)
	release := make(chan struct{})
	var calls atomic.Int32
	q.SetProcessMessagesFn(func(ctx context.Context, jid string) error {
		if calls.Add(1) == 1 {
			<-release
		}
		return nil
	})

	q.EnqueueMessageCheck("g1")
	waitFor(t, time.Second, func() bool { return laneState(q, "g1") == "running" })
	for i := 0; i < 5; i++ {
		q.EnqueueMessageCheck("g1")
	}
	close(release)

	waitFor(t, time.Second, func() bool { return calls.Load() == 2 && laneState(q, "g1") == "idle" })
	time.Sleep(30 * time.Millisecond)
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected exactly one follow-up run, got %d calls", got)
	}
}

func TestAtMostOneRunningPerGroup(t *testing.T) {
	q := New(Config{MaxConcurrent: 3, BaseRetryDelay: time.Millisecond, MaxRetryDelay: time.Millisecond}, nil)
	var mu sync.Mutex
	inflight := map[string]int{}
	var global, maxGlobal int
	violation := atomic.Bool{}
	var total atomic.Int32

	q.SetProcessMessagesFn(func(ctx context.Context, jid string) error {
		mu.Lock()
		inflight[jid]++
		global++
		if inflight[jid] > 1 {
			violation.Store(true)
		}
		if global > maxGlobal {
			maxGlobal = global
		}
		mu.Unlock()

		time.Sleep(2 * time.Millisecond)

		mu.Lock()
		inflight[jid]--
		global--
		mu.Unlock()
		total.Add(1)
		return nil
	})

	for i := 0; i < 50; i++ {
		q.EnqueueMessageCheck(fmt.Sprintf("g%d", i%5))
		time.Sleep(time.Millisecond)
	}
	waitFor(t, 2*time.Second, func() bool {
		for _, st := range q.Snapshot() {
			if st.State != "idle" {
				return false
			}
		}
		return true
	})

	if violation.Load() {
		t.Fatal("a group ran two invocations concurrently")
	}
	mu.Lock()
	defer mu.Unlock()
	if maxGlobal > 3 {
		t.Fatalf("global ceiling exceeded: %d", maxGlobal)
	}
	if total.Load() < 5 {
		t.Fatalf("expected every group to run, got %d runs", total.Load())
	}
}

func TestFailureBacksOffThenRecovers(t *testing.T) {
	q := New(fastConfig(), nil)
	var calls atomic.Int32
	var times []time.Time
	var mu sync.Mutex
	q.SetProcessMessagesFn(func(ctx context.Context, jid string) error {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		if calls.Add(1) <= 2 {
			return errors.New("container exited with code 1")
		}
		return nil
	})

	q.EnqueueMessageCheck("g3")
	waitFor(t, 2*time.Second, func() bool { return calls.Load() == 3 && laneState(q, "g3") == "idle" })

	mu.Lock()
	defer mu.Unlock()
	if gap := times[1].Sub(times[0]); gap < 10*time.Millisecond {
		t.Fatalf("first retry too early: %v", gap)
	}
	if gap := times[2].Sub(times[1]); gap < 20*time.Millisecond {
		t.Fatalf("second retry should double the delay: %v", gap)
	}
	for _, st := range q.Snapshot() {
		if st.Attempts != 0 {
			t.Fatalf("attempts should reset after success: %+v", st)
		}
	}
}

func TestBackoffIsPerGroup(t *testing.T) {
	q := New(Config{MaxConcurrent: 1, BaseRetryDelay: time.Hour, MaxRetryDelay: time.Hour}, nil)
	var okRuns atomic.Int32
	q.SetProcessMessagesFn(func(ctx context.Context, jid string) error {
		if jid == "stuck" {
			return errors.New("boom")
		}
		okRuns.Add(1)
		return nil
	})
	q.EnqueueMessageCheck("stuck")
	waitFor(t, time.Second, func() bool { return laneState(q, "stuck") == "backoff" })
	q.EnqueueMessageCheck("stuck")
	q.EnqueueMessageCheck("healthy")
	waitFor(t, time.Second, func() bool { return okRuns.Load() == 1 })
	if laneState(q, "stuck") != "backoff" {
		t.Fatal("re-trigger during backoff must not bypass the timer")
	}
	_ = q.Shutdown(time.Second)
}

func TestMaxRetriesDropsToIdle(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 2
	q := New(cfg, nil)
	var calls atomic.Int32
	q.SetProcessMessagesFn(func(ctx context.Context, jid string) error {
		calls.Add(1)
		return errors.New("always failing")
	})
	q.EnqueueMessageCheck("g")
	waitFor(t, 2*time.Second, func() bool { return calls.Load() == 3 && laneState(q, "g") == "idle" })
	time.Sleep(60 * time.Millisecond)
	if calls.Load() != 3 {
		t.Fatalf("expected retries to stop after limit, got %d calls", calls.Load())
	}
}

func TestEnqueueTaskDedupAndNoBackoff(t *testing.T) {
	q := New(fastConfig(), nil)
	release := make(chan struct{})
	var runs atomic.Int32
	task := func(ctx context.Context) error {
		runs.Add(1)
		<-release
		return errors.New("task failed")
	}

	q.EnqueueTask("g", "t1", task)
	waitFor(t, time.Second, func() bool { return runs.Load() == 1 })
	q.EnqueueTask("g", "t1", task) // running
	q.EnqueueTask("g", "t2", task)
	q.EnqueueTask("g", "t2", task) // queued
	close(release)

	waitFor(t, time.Second, func() bool { return runs.Load() == 2 && laneState(q, "g") == "idle" })
	time.Sleep(30 * time.Millisecond)
	if runs.Load() != 2 {
		t.Fatalf("expected two task runs, got %d", runs.Load())
	}
}

func TestTasksRunBeforeMessageCheck(t *testing.T) {
	q := New(fastConfig(), nil)
	block := make(chan struct{})
	var order []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	q.SetProcessMessagesFn(func(ctx context.Context, jid string) error {
		record("messages")
		return nil
	})
	q.EnqueueTask("g", "first", func(ctx context.Context) error {
		<-block
		record("first")
		return nil
	})
	waitFor(t, time.Second, func() bool { return laneState(q, "g") == "running" })
	q.EnqueueMessageCheck("g")
	q.EnqueueTask("g", "second", func(ctx context.Context) error {
		record("second")
		return nil
	})
	close(block)
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	if order[0] != "first" || order[1] != "second" || order[2] != "messages" {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestShutdownReturnsDespiteStubbornProcess(t *testing.T) {
	q := New(fastConfig(), nil)
	stuck := make(chan struct{})
	defer close(stuck)
	proc := &fakeProcess{}
	q.SetProcessMessagesFn(func(ctx context.Context, jid string) error {
		if err := q.RegisterProcess(jid, proc, "nanoclaw-g-1"); err != nil {
			return err
		}
		<-stuck // ignores both kill and ctx
		return nil
	})
	q.EnqueueMessageCheck("g")
	waitFor(t, time.Second, func() bool {
		for _, st := range q.Snapshot() {
			if st.ContainerName == "nanoclaw-g-1" {
				return true
			}
		}
		return false
	})

	started := time.Now()
	err := q.Shutdown(50 * time.Millisecond)
	if !errors.Is(err, ErrShutdownTimeout) {
		t.Fatalf("expected ErrShutdownTimeout, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > 500*time.Millisecond {
		t.Fatalf("shutdown took too long: %v", elapsed)
	}
	if proc.killed.Load() != 1 {
		t.Fatalf("expected process to be killed once, got %d", proc.killed.Load())
	}
	for _, st := range q.Snapshot() {
		if st.State == "running" {
			t.Fatalf("lane left running after shutdown: %+v", st)
		}
	}
}

func TestShutdownWaitsForCooperativeWork(t *testing.T) {
	q := New(fastConfig(), nil)
	q.SetProcessMessagesFn(func(ctx context.Context, jid string) error {
		<-ctx.Done()
		return ctx.Err()
	})
	q.EnqueueMessageCheck("a")
	q.EnqueueMessageCheck("b")
	waitFor(t, time.Second, func() bool { return laneState(q, "b") == "running" })
	if err := q.Shutdown(time.Second); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
	q.EnqueueMessageCheck("a")
	if laneState(q, "a") != "idle" {
		t.Fatal("enqueue after shutdown must be ignored")
	}
}

func TestRegisterProcessAfterShutdownKills(t *testing.T) {
	q := New(fastConfig(), nil)
	_ = q.Shutdown(10 * time.Millisecond)
	proc := &fakeProcess{}
	if err := q.RegisterProcess("g", proc, "late"); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
	if proc.killed.Load() != 1 {
		t.Fatal("late process should be killed immediately")
	}
}

func TestMetricsRegistryReuse(t *testing.T) {
	reg := prometheus.NewRegistry()
	m1 := MustNewMetrics(reg)
	m2 := MustNewMetrics(reg)
	if m1.dispatches != m2.dispatches {
		t.Fatal("expected collectors to be shared")
	}

	q := New(fastConfig(), m1)
	done := make(chan struct{})
	q.SetProcessMessagesFn(func(ctx context.Context, jid string) error {
		close(done)
		return nil
	})
	q.EnqueueMessageCheck("g")
	<-done
	waitFor(t, time.Second, func() bool { return laneState(q, "g") == "idle" })

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "nanoclaw_queue_dispatches_total" {
			found = true
		}
	}
	if !found {
		t.Fatal("dispatch counter not exported")
	}
}

func TestStatusReportsSlotsAndWaiting(t *testing.T) {
	q := New(Config{MaxConcurrent: 1, BaseRetryDelay: time.Millisecond, MaxRetryDelay: time.Millisecond}, nil)
	t.Cleanup(func() { _ = q.Shutdown(time.Second) })
	release := make(chan struct{})
	q.SetProcessMessagesFn(func(ctx context.Context, jid string) error {
		<-release
		return nil
	})

	q.EnqueueMessageCheck("b@g.us")
	q.EnqueueMessageCheck("a@g.us")
	waitFor(t, time.Second, func() bool { return q.Status().Waiting == 1 })

	st := q.Status()
	if st.MaxConcurrent != 1 || st.Active != 1 {
		t.Fatalf("status = %+v", st)
	}
	if len(st.Lanes) != 2 || st.Lanes[0].GroupJID != "a@g.us" || st.Lanes[0].State != "queued" || st.Lanes[1].State != "running" {
		t.Fatalf("lanes = %+v", st.Lanes)
	}

	close(release)
	waitFor(t, time.Second, func() bool {
		st := q.Status()
		return st.Active == 0 && st.Waiting == 0
	})
}
