// Package queue serializes agent invocations per group while letting
// unrelated groups run concurrently under a global ceiling.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	// ErrShuttingDown is returned to callers that race with Shutdown.
	ErrShuttingDown = errors.New("queue: shutting down")
	// ErrShutdownTimeout is returned when in-flight work outlives the shutdown budget.
	ErrShutdownTimeout = errors.New("queue: shutdown timed out")
)

// State is the lifecycle state of one group lane.
type State int

const (
	StateIdle State = iota
	StateQueued
	StateRunning
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateBackoff:
		return "backoff"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ProcessMessagesFunc handles one message check for a group. A nil error
// means the pending messages were consumed; any error schedules a retry.
type ProcessMessagesFunc func(ctx context.Context, groupJID string) error

// TaskFunc runs one scheduled task inside the group's lane.
type TaskFunc func(ctx context.Context) error

// Process is a running agent invocation the queue can terminate.
type Process interface {
	Kill() error
}

// ProcessHandle ties a live process to the lane that owns it.
type ProcessHandle struct {
	GroupJID      string
	Process       Process
	ContainerName string
}

// Config controls concurrency and retry behaviour.
type Config struct {
	MaxConcurrent  int           `json:"maxConcurrent" envconfig:"MAX_CONCURRENT"`
	BaseRetryDelay time.Duration `json:"baseRetryDelay" envconfig:"BASE_RETRY_DELAY"`
	MaxRetryDelay  time.Duration `json:"maxRetryDelay" envconfig:"MAX_RETRY_DELAY"`
	MaxRetries     int           `json:"maxRetries" envconfig:"MAX_RETRIES"` // 0 retries forever
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  5,
		BaseRetryDelay: 5 * time.Second,
		MaxRetryDelay:  5 * time.Minute,
	}
}

// RetryDelay returns the backoff for the given consecutive failure count:
// base doubled per extra failure, capped at max.
func (c Config) RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.BaseRetryDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.MaxRetryDelay || d <= 0 {
			return c.MaxRetryDelay
		}
	}
	if d > c.MaxRetryDelay {
		return c.MaxRetryDelay
	}
	return d
}

type queuedTask struct {
	id string
	fn TaskFunc
}

type lane struct {
	jid           string
	state         State
	pendingCheck  bool
	tasks         []queuedTask
	runningTaskID string
	attempts      int
	handle        *ProcessHandle
	timer         *time.Timer
	retryAt       time.Time
}

// LaneStatus is a read-only view of a lane.
type LaneStatus struct {
	GroupJID      string    `json:"groupJid"`
	State         string    `json:"state"`
	Attempts      int       `json:"attempts"`
	PendingCheck  bool      `json:"pendingCheck"`
	PendingTasks  int       `json:"pendingTasks"`
	RunningTask   string    `json:"runningTask,omitempty"`
	ContainerName string    `json:"containerName,omitempty"`
	RetryAt       time.Time `json:"retryAt,omitempty"`
}

// GroupQueue owns every lane. All lane state is guarded by mu.
type GroupQueue struct {
	cfg     Config
	metrics *Metrics

	mu           sync.Mutex
	lanes        map[string]*lane
	waiting      []string
	sem          slots
	processFn    ProcessMessagesFunc
	shuttingDown bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a GroupQueue. metrics may be nil.
func New(cfg Config, metrics *Metrics) *GroupQueue {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = def.BaseRetryDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = def.MaxRetryDelay
	}
	if cfg.MaxRetryDelay < cfg.BaseRetryDelay {
		cfg.MaxRetryDelay = cfg.BaseRetryDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GroupQueue{
		cfg:     cfg,
		metrics: metrics,
		lanes:   make(map[string]*lane),
		sem:     newSlots(cfg.MaxConcurrent),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetProcessMessagesFn injects the message-check handler. Must be called
// before the first EnqueueMessageCheck.
func (q *GroupQueue) SetProcessMessagesFn(fn ProcessMessagesFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processFn = fn
}

// EnqueueMessageCheck asks for the group's pending messages to be processed.
// Triggers coalesce: a lane that is already queued, running or backing off
// only remembers that another check is wanted.
func (q *GroupQueue) EnqueueMessageCheck(groupJID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shuttingDown {
		return
	}
	l := q.lane(groupJID)
	l.pendingCheck = true
	if l.state == StateIdle {
		q.schedule(l)
	}
	slog.Debug("Message check enqueued", "group", groupJID, "state", l.state)
}

// EnqueueTask queues a scheduled task on the group's lane. A task id that is
// already pending or running is ignored.
func (q *GroupQueue) EnqueueTask(groupJID, taskID string, fn TaskFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shuttingDown {
		return
	}
	l := q.lane(groupJID)
	if l.runningTaskID == taskID {
		slog.Debug("Task already running, skipping", "group", groupJID, "task", taskID)
		return
	}
	for _, t := range l.tasks {
		if t.id == taskID {
			slog.Debug("Task already queued, skipping", "group", groupJID, "task", taskID)
			return
		}
	}
	l.tasks = append(l.tasks, queuedTask{id: taskID, fn: fn})
	if l.state == StateIdle {
		q.schedule(l)
	}
}

// RegisterProcess records the live process of a running lane. If the queue
// is shutting down, or the lane is no longer running, the process is killed
// immediately and ErrShuttingDown is returned.
func (q *GroupQueue) RegisterProcess(groupJID string, proc Process, containerName string) error {
	q.mu.Lock()
	l := q.lanes[groupJID]
	if q.shuttingDown || l == nil || l.state != StateRunning {
		q.mu.Unlock()
		slog.Warn("Killing process registered outside a running lane", "group", groupJID, "container", containerName)
		q.kill(proc, groupJID)
		return ErrShuttingDown
	}
	l.handle = &ProcessHandle{GroupJID: groupJID, Process: proc, ContainerName: containerName}
	q.mu.Unlock()
	return nil
}

// Status is the queue-wide view served to `nanoclaw status`.
type Status struct {
	MaxConcurrent int          `json:"maxConcurrent"`
	Active        int          `json:"active"`
	Waiting       int          `json:"waiting"`
	Lanes         []LaneStatus `json:"lanes"`
}

// Status reports slot usage and every lane, sorted by group.
func (q *GroupQueue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	lanes := q.snapshotLocked()
	sort.Slice(lanes, func(i, j int) bool { return lanes[i].GroupJID < lanes[j].GroupJID })
	return Status{
		MaxConcurrent: cap(q.sem),
		Active:        q.sem.inUse(),
		Waiting:       len(q.waiting),
		Lanes:         lanes,
	}
}

// Snapshot returns the status of every known lane.
func (q *GroupQueue) Snapshot() []LaneStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

func (q *GroupQueue) snapshotLocked() []LaneStatus {
	out := make([]LaneStatus, 0, len(q.lanes))
	for _, l := range q.lanes {
		st := LaneStatus{
			GroupJID:     l.jid,
			State:        l.state.String(),
			Attempts:     l.attempts,
			PendingCheck: l.pendingCheck,
			PendingTasks: len(l.tasks),
			RunningTask:  l.runningTaskID,
		}
		if l.handle != nil {
			st.ContainerName = l.handle.ContainerName
		}
		if l.state == StateBackoff {
			st.RetryAt = l.retryAt
		}
		out = append(out, st)
	}
	return out
}

// Shutdown stops dispatching, kills every registered process and waits up to
// timeout for in-flight work to return. It never blocks longer than timeout.
func (q *GroupQueue) Shutdown(timeout time.Duration) error {
	q.mu.Lock()
	if q.shuttingDown {
		q.mu.Unlock()
		return nil
	}
	q.shuttingDown = true
	q.waiting = nil
	var handles []*ProcessHandle
	for _, l := range q.lanes {
		if l.timer != nil {
			l.timer.Stop()
			l.timer = nil
		}
		l.pendingCheck = false
		l.tasks = nil
		switch l.state {
		case StateQueued, StateBackoff:
			l.state = StateIdle
		case StateRunning:
			if l.handle != nil {
				handles = append(handles, l.handle)
			}
		}
	}
	q.mu.Unlock()

	slog.Info("Group queue shutting down", "running", len(handles), "timeout", timeout)
	q.cancel()
	for _, h := range handles {
		q.kill(h.Process, h.GroupJID)
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = ErrShutdownTimeout
	}

	q.mu.Lock()
	stuck := 0
	for _, l := range q.lanes {
		if l.state == StateRunning {
			stuck++
		}
		l.state = StateIdle
		l.handle = nil
	}
	q.mu.Unlock()
	if err != nil {
		slog.Warn("Group queue shutdown timed out, abandoning lanes", "lanes", stuck)
		return err
	}
	slog.Info("Group queue stopped")
	return nil
}

func (q *GroupQueue) lane(jid string) *lane {
	l, ok := q.lanes[jid]
	if !ok {
		l = &lane{jid: jid}
		q.lanes[jid] = l
	}
	return l
}

// schedule moves l to Queued and starts it if a slot is free, otherwise it
// waits in FIFO order. Caller holds mu.
func (q *GroupQueue) schedule(l *lane) {
	l.state = StateQueued
	if q.sem.tryAcquire() {
		q.start(l)
		return
	}
	q.waiting = append(q.waiting, l.jid)
	slog.Debug("Group waiting for a slot", "group", l.jid, "waiting", len(q.waiting))
}

// drainWaiting hands free slots to waiting lanes. Caller holds mu.
func (q *GroupQueue) drainWaiting() {
	for len(q.waiting) > 0 && !q.shuttingDown {
		l := q.lanes[q.waiting[0]]
		if l == nil || l.state != StateQueued {
			q.waiting = q.waiting[1:]
			continue
		}
		if !q.sem.tryAcquire() {
			return
		}
		q.waiting = q.waiting[1:]
		q.start(l)
	}
}

// start picks the next unit of work for l and runs it. Pending tasks go
// before a message check. Caller holds mu and a semaphore slot.
func (q *GroupQueue) start(l *lane) {
	l.state = StateRunning
	var (
		kind string
		run  func(context.Context) error
	)
	switch {
	case len(l.tasks) > 0:
		t := l.tasks[0]
		l.tasks = l.tasks[1:]
		l.runningTaskID = t.id
		kind = "task"
		run = t.fn
	case l.pendingCheck && q.processFn != nil:
		l.pendingCheck = false
		kind = "messages"
		fn, jid := q.processFn, l.jid
		run = func(ctx context.Context) error { return fn(ctx, jid) }
	default:
		l.state = StateIdle
		l.pendingCheck = false
		q.sem.release()
		return
	}

	q.wg.Add(1)
	q.metrics.laneStarted(kind)
	go q.run(l, kind, run)
}

func (q *GroupQueue) run(l *lane, kind string, fn func(context.Context) error) {
	defer q.wg.Done()
	started := time.Now()
	err := safeRun(q.ctx, fn)
	q.metrics.laneFinished(kind, time.Since(started), err)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.sem.release()
	l.handle = nil
	taskID := l.runningTaskID
	l.runningTaskID = ""

	if q.shuttingDown {
		l.state = StateIdle
		return
	}

	switch {
	case kind == "task":
		if err != nil {
			slog.Error("Scheduled task failed", "group", l.jid, "task", taskID, "error", err)
		}
	case err == nil:
		l.attempts = 0
	default:
		l.attempts++
		if q.cfg.MaxRetries > 0 && l.attempts > q.cfg.MaxRetries {
			slog.Error("Group exceeded retry limit, waiting for new messages",
				"group", l.jid, "attempts", l.attempts, "error", err)
			l.attempts = 0
			break
		}
		delay := q.cfg.RetryDelay(l.attempts)
		l.pendingCheck = true
		l.state = StateBackoff
		l.retryAt = time.Now().Add(delay)
		l.timer = time.AfterFunc(delay, func() { q.retry(l) })
		q.metrics.observeRetry(delay)
		slog.Warn("Message processing failed, backing off",
			"group", l.jid, "attempt", l.attempts, "delay", delay, "error", err)
		q.drainWaiting()
		return
	}

	l.state = StateIdle
	q.drainWaiting()
	if l.pendingCheck || len(l.tasks) > 0 {
		q.schedule(l)
	}
}

func (q *GroupQueue) retry(l *lane) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l.timer = nil
	if q.shuttingDown || l.state != StateBackoff {
		return
	}
	l.retryAt = time.Time{}
	q.schedule(l)
}

func (q *GroupQueue) kill(proc Process, groupJID string) {
	if proc == nil {
		return
	}
	if err := proc.Kill(); err != nil {
		slog.Warn("Failed to kill agent process", "group", groupJID, "error", err)
	}
	q.metrics.processKilled()
}

// safeRun turns a panicking callback into an ordinary failure so one lane
// can never take the queue down.
func safeRun(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
