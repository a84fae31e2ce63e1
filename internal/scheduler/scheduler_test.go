package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/JaisonBinns/nanoclaw/internal/queue"
	"github.com/JaisonBinns/nanoclaw/internal/store"
)

type recordingQueue struct {
	mu    sync.Mutex
	calls []string
	fns   []queue.TaskFunc
}

func (q *recordingQueue) EnqueueTask(groupJID, taskID string, fn queue.TaskFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, groupJID+"/"+taskID)
	q.fns = append(q.fns, fn)
}

type fakeRunner struct {
	mu   sync.Mutex
	runs []string
	err  error
}

func (r *fakeRunner) RunTask(ctx context.Context, task store.ScheduledTask) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, task.ID)
	return "done " + task.ID, r.err
}

func newTestScheduler(t *testing.T, runner TaskRunner, q Enqueuer) (*Scheduler, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "messages.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	s := New(Config{Enabled: true, TickInterval: time.Hour, LockPath: filepath.Join(dir, "scheduler.lock")}, st, q, runner, time.UTC)
	return s, st
}

func TestTickAdvancesBeforeEnqueue(t *testing.T) {
	q := &recordingQueue{}
	runner := &fakeRunner{}
	s, st := newTestScheduler(t, runner, q)

	now := time.Date(2026, 2, 15, 10, 0, 30, 0, time.UTC)
	past := now.Add(-time.Minute)
	tasks := []*store.ScheduledTask{
		{ID: "once", GroupFolder: "family", ChatJID: "fam@g.us", Prompt: "p", ScheduleType: store.ScheduleOnce, ScheduleValue: past.Format(time.RFC3339), NextRun: &past},
		{ID: "every", GroupFolder: "family", ChatJID: "fam@g.us", Prompt: "p", ScheduleType: store.ScheduleInterval, ScheduleValue: "30m", NextRun: &past},
		{ID: "cron", GroupFolder: "work", ChatJID: "work@g.us", Prompt: "p", ScheduleType: store.ScheduleCron, ScheduleValue: "*/15 * * * *", NextRun: &past},
	}
	for _, task := range tasks {
		if err := st.CreateTask(task); err != nil {
			t.Fatal(err)
		}
	}

	s.tick(context.Background(), now)

	if len(q.calls) != 3 {
		t.Fatalf("expected 3 enqueued tasks, got %v", q.calls)
	}

	once, _ := st.GetTask("once")
	if once.Status != store.TaskDone || once.NextRun != nil {
		t.Fatalf("once task should be done: %+v", once)
	}
	every, _ := st.GetTask("every")
	if every.NextRun == nil || !every.NextRun.Equal(now.Add(30*time.Minute).Truncate(time.Millisecond)) {
		t.Fatalf("unexpected interval next run: %v", every.NextRun)
	}
	cron, _ := st.GetTask("cron")
	if cron.NextRun == nil || !cron.NextRun.Equal(time.Date(2026, 2, 15, 10, 15, 0, 0, time.UTC)) {
		t.Fatalf("unexpected cron next run: %v", cron.NextRun)
	}

	// Nothing is due again within the same tick window.
	q.calls = nil
	s.tick(context.Background(), now)
	if len(q.calls) != 0 {
		t.Fatalf("tasks re-dispatched: %v", q.calls)
	}
}

func TestInvalidSchedulePausesTask(t *testing.T) {
	q := &recordingQueue{}
	s, st := newTestScheduler(t, &fakeRunner{}, q)
	now := time.Now()
	past := now.Add(-time.Minute)
	if err := st.CreateTask(&store.ScheduledTask{ID: "bad", GroupFolder: "g", ChatJID: "g", Prompt: "p",
		ScheduleType: store.ScheduleCron, ScheduleValue: "every tuesday", NextRun: &past}); err != nil {
		t.Fatal(err)
	}
	s.tick(context.Background(), now)
	if len(q.calls) != 0 {
		t.Fatal("invalid task must not be enqueued")
	}
	task, _ := st.GetTask("bad")
	if task.Status != store.TaskPaused {
		t.Fatalf("expected paused, got %s", task.Status)
	}
}

func TestExecuteLogsRunAndSkipsPaused(t *testing.T) {
	q := &recordingQueue{}
	runner := &fakeRunner{err: errors.New("agent crashed")}
	s, st := newTestScheduler(t, runner, q)
	past := time.Now().Add(-time.Minute)
	for _, id := range []string{"a", "b"} {
		if err := st.CreateTask(&store.ScheduledTask{ID: id, GroupFolder: "g", ChatJID: "g", Prompt: "p",
			ScheduleType: store.ScheduleInterval, ScheduleValue: "60000", NextRun: &past}); err != nil {
			t.Fatal(err)
		}
	}
	s.tick(context.Background(), time.Now())
	if len(q.fns) != 2 {
		t.Fatalf("expected 2 enqueued, got %d", len(q.fns))
	}

	if err := st.SetTaskStatus("b", store.TaskPaused); err != nil {
		t.Fatal(err)
	}
	if err := q.fns[0](context.Background()); err == nil {
		t.Fatal("runner error should propagate")
	}
	if err := q.fns[1](context.Background()); err != nil {
		t.Fatalf("paused task should be skipped quietly: %v", err)
	}
	if len(runner.runs) != 1 {
		t.Fatalf("expected one run, got %v", runner.runs)
	}

	runs, err := st.TaskRuns("a", 5)
	if err != nil || len(runs) != 1 || runs[0].Status != "error" || runs[0].Error != "agent crashed" {
		t.Fatalf("unexpected run log: %+v %v", runs, err)
	}
	a, _ := st.GetTask("a")
	if a.LastRun == nil || a.LastResult != "Error: agent crashed" {
		t.Fatalf("last result not recorded: %+v", a)
	}
}

func TestTasksShareTheGroupLane(t *testing.T) {
	gq := queue.New(queue.Config{MaxConcurrent: 2, BaseRetryDelay: time.Millisecond, MaxRetryDelay: time.Millisecond}, nil)
	defer gq.Shutdown(time.Second)

	runner := &fakeRunner{}
	s, st := newTestScheduler(t, runner, gq)
	past := time.Now().Add(-time.Minute)
	if err := st.CreateTask(&store.ScheduledTask{ID: "t", GroupFolder: "g", ChatJID: "g@g.us", Prompt: "p",
		ScheduleType: store.ScheduleOnce, ScheduleValue: past.Format(time.RFC3339), NextRun: &past}); err != nil {
		t.Fatal(err)
	}
	s.tick(context.Background(), time.Now())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		runner.mu.Lock()
		n := len(runner.runs)
		runner.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("task never ran through the queue")
}

func TestSchedulerLockPreventsOverlap(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "overlap.lock")
	l1 := NewFileLock(lockPath)
	l2 := NewFileLock(lockPath)

	acquired, err := l1.TryLock()
	if err != nil || !acquired {
		t.Fatal("l1 should acquire lock")
	}
	acquired2, err := l2.TryLock()
	if err != nil {
		t.Fatal("unexpected error on l2 lock:", err)
	}
	if acquired2 {
		t.Error("l2 should NOT acquire lock while l1 holds it")
		l2.Unlock()
	}
	l1.Unlock()

	acquired3, err := l2.TryLock()
	if err != nil || !acquired3 {
		t.Fatalf("l2 should acquire lock after l1 released: %v", err)
	}
	l2.Unlock()
}

func TestTickSkippedWhileLockHeld(t *testing.T) {
	q := &recordingQueue{}
	s, st := newTestScheduler(t, &fakeRunner{}, q)
	past := time.Now().Add(-time.Minute)
	_ = st.CreateTask(&store.ScheduledTask{ID: "x", GroupFolder: "g", ChatJID: "g", Prompt: "p",
		ScheduleType: store.ScheduleInterval, ScheduleValue: "1h", NextRun: &past})

	other := NewFileLock(s.cfg.LockPath)
	if ok, _ := other.TryLock(); !ok {
		t.Fatal("could not take lock")
	}
	s.tick(context.Background(), time.Now())
	other.Unlock()
	if len(q.calls) != 0 {
		t.Fatal("tick should be skipped while another process holds the lock")
	}
}

func TestParseIntervalAndOnce(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"30m", 30 * time.Minute, true},
		{"3600000", time.Hour, true},
		{"0", 0, false},
		{"-5m", 0, false},
		{"soon", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseInterval(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseInterval(%q) = %v, %v", tt.in, got, err)
		}
	}

	loc := time.FixedZone("X", -5*60*60)
	at, err := ParseOnce("2026-03-01T09:00", loc)
	if err != nil || !at.Equal(time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)) {
		t.Fatalf("ParseOnce local = %v, %v", at, err)
	}
	first, err := FirstRun(store.ScheduleOnce, "2026-03-01T09:00:00Z", time.Now(), loc)
	if err != nil || !first.Equal(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("FirstRun once = %v, %v", first, err)
	}
	if _, err := FirstRun("weekly", "x", time.Now(), loc); err == nil {
		t.Fatal("unknown schedule type should fail")
	}
}

func TestResumeAt(t *testing.T) {
	now := time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	got, err := ResumeAt(store.ScheduledTask{ScheduleType: store.ScheduleInterval, ScheduleValue: "30m", NextRun: &future}, now, time.UTC)
	if err != nil || !got.Equal(future) {
		t.Fatalf("future next run: got %v, %v", got, err)
	}
	got, err = ResumeAt(store.ScheduledTask{ScheduleType: store.ScheduleInterval, ScheduleValue: "30m", NextRun: &past}, now, time.UTC)
	if err != nil || !got.Equal(now.Add(30*time.Minute)) {
		t.Fatalf("overdue interval: got %v, %v", got, err)
	}
	got, err = ResumeAt(store.ScheduledTask{ScheduleType: store.ScheduleOnce, ScheduleValue: "2026-01-01T00:00:00Z", NextRun: &past}, now, time.UTC)
	if err != nil || !got.Equal(now) {
		t.Fatalf("overdue once: got %v, %v", got, err)
	}
	if _, err := ResumeAt(store.ScheduledTask{ScheduleType: store.ScheduleCron, ScheduleValue: "bad"}, now, time.UTC); err == nil {
		t.Fatal("expected error for invalid cron")
	}
}
