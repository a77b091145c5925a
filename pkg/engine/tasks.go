package engine

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskFunc is work scheduled to run at the start of a tick.
type TaskFunc func(ctx context.Context) error

// TaskResult is the outcome of one scheduled task run.
type TaskResult struct {
	ID  string
	Err error
}

type scheduledTask struct {
	id     string
	due    time.Duration
	period time.Duration
	seq    uint64
	fn     TaskFunc
	index  int
}

// taskHeap orders tasks by due time, then by scheduling order.
type taskHeap []*scheduledTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].due != h[j].due {
		return h[i].due < h[j].due
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*scheduledTask)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// TaskQueue holds one-off and repeating tasks keyed by simulation time.
// Tasks may be scheduled from any goroutine; they run on the orchestrator
// goroutine during TickStart.
type TaskQueue struct {
	mu    sync.Mutex
	now   time.Duration
	seq   uint64
	tasks taskHeap
	byID  map[string]*scheduledTask
}

// NewTaskQueue creates an empty task queue at simulation time zero.
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{byID: make(map[string]*scheduledTask)}
}

// ScheduleOnce runs fn once, delay after the current simulation time.
func (q *TaskQueue) ScheduleOnce(delay time.Duration, fn TaskFunc) string {
	return q.schedule(delay, 0, fn)
}

// ScheduleRepeating runs fn after delay and then every period.
func (q *TaskQueue) ScheduleRepeating(delay, period time.Duration, fn TaskFunc) (string, error) {
	if period <= 0 {
		return "", NewPermanentError("repeating task period must be positive", nil).
			WithCode(ErrCodeValidation)
	}
	return q.schedule(delay, period, fn), nil
}

func (q *TaskQueue) schedule(delay, period time.Duration, fn TaskFunc) string {
	if delay < 0 {
		delay = 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	t := &scheduledTask{
		id:     uuid.New().String(),
		due:    q.now + delay,
		period: period,
		seq:    q.seq,
		fn:     fn,
	}
	heap.Push(&q.tasks, t)
	q.byID[t.id] = t
	return t.id
}

// Cancel removes a task. It reports whether the task was still scheduled.
func (q *TaskQueue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byID[id]
	if !ok {
		return false
	}
	delete(q.byID, id)
	if t.index >= 0 {
		heap.Remove(&q.tasks, t.index)
	}
	return true
}

// Len returns the number of scheduled tasks.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID)
}

// Now returns the current simulation time.
func (q *TaskQueue) Now() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.now
}

// Advance moves simulation time forward by delta and runs every task that is
// due, in due order. Tasks scheduled by a running task with zero delay run in
// the same call. Panics are recovered and reported as errors.
func (q *TaskQueue) Advance(ctx context.Context, delta time.Duration) []TaskResult {
	q.mu.Lock()
	if delta > 0 {
		q.now += delta
	}
	now := q.now
	q.mu.Unlock()

	var results []TaskResult
	for {
		if ctx.Err() != nil {
			return results
		}
		t := q.popDue(now)
		if t == nil {
			return results
		}
		results = append(results, TaskResult{ID: t.id, Err: runTask(ctx, t.fn)})
		q.reschedule(t)
	}
}

// popDue removes and returns the earliest task due at or before now.
func (q *TaskQueue) popDue(now time.Duration) *scheduledTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 || q.tasks[0].due > now {
		return nil
	}
	return heap.Pop(&q.tasks).(*scheduledTask)
}

// reschedule pushes a repeating task back unless it was cancelled while it ran.
func (q *TaskQueue) reschedule(t *scheduledTask) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, live := q.byID[t.id]; !live {
		return
	}
	if t.period <= 0 {
		delete(q.byID, t.id)
		return
	}
	t.due += t.period
	heap.Push(&q.tasks, t)
}

func runTask(ctx context.Context, fn TaskFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduled task panicked: %v", r)
		}
	}()
	return fn(ctx)
}
