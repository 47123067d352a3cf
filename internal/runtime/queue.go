package runtime

import (
	"errors"
	"fmt"
	"sync"

	"ciris/internal/clock"
	"ciris/internal/graph"
	"ciris/internal/logging"
	"ciris/internal/policy"
	"ciris/internal/types"
)

var (
	ErrThoughtQueueFull = errors.New("runtime: thought queue is full")
	ErrIntakeClosed     = errors.New("runtime: observation intake is closed")
)

// Queue bounds concurrent work. Tasks persist in the graph store; thoughts
// live in memory and are rebuilt from their tasks after a restart.
type Queue struct {
	mu           sync.Mutex
	store        *graph.Store
	rules        *policy.Engine
	clk          clock.Clock
	occurrenceID string

	maxActiveTasks    int
	maxActiveThoughts int

	thoughts []types.Thought
	closed   bool
}

func NewQueue(store *graph.Store, rules *policy.Engine, clk clock.Clock, occurrenceID string, maxActiveTasks, maxActiveThoughts int) *Queue {
	if maxActiveTasks <= 0 {
		maxActiveTasks = 10
	}
	if maxActiveThoughts <= 0 {
		maxActiveThoughts = 50
	}
	return &Queue{
		store:             store,
		rules:             rules,
		clk:               clk,
		occurrenceID:      occurrenceID,
		maxActiveTasks:    maxActiveTasks,
		maxActiveThoughts: maxActiveThoughts,
	}
}

// SubmitObservation turns an inbound message into work. A message on a
// channel that already has an active task does not spawn a second task; it
// flags the active task so the conscience blocks completion until the new
// content is considered.
func (q *Queue) SubmitObservation(channelRef, content string, context map[string]string) (types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return types.Task{}, ErrIntakeClosed
	}

	active, found, err := q.store.ActiveTaskForChannel(q.occurrenceID, channelRef)
	if err != nil {
		return types.Task{}, err
	}
	if found {
		active.UpdatedInfoAvailable = true
		active.UpdatedInfoContent = content
		active.UpdatedAt = q.clk.Now()
		if err := q.store.SaveTask(active); err != nil {
			return types.Task{}, err
		}
		logging.Queue("updated info on %s for active task %s", channelRef, active.TaskID)
		return active, nil
	}

	task := types.Task{
		TaskID:       clock.NewID(q.clk, "task"),
		OccurrenceID: q.occurrenceID,
		ChannelRef:   channelRef,
		Status:       types.TaskPending,
		Content:      content,
		Context:      context,
		CreatedAt:    q.clk.Now(),
		UpdatedAt:    q.clk.Now(),
	}
	if err := q.store.SaveTask(task); err != nil {
		return types.Task{}, err
	}
	logging.Queue("new task %s on %s", task.TaskID, channelRef)
	return task, nil
}

// ActivateTasks promotes pending tasks until the active cap is reached and
// seeds a root thought for each activation. Reactivated deferred tasks come
// back through pending first.
func (q *Queue) ActivateTasks() ([]types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	active, err := q.store.TasksByStatus(q.occurrenceID, types.TaskActive)
	if err != nil {
		return nil, err
	}
	slots := q.maxActiveTasks - len(active)
	if slots <= 0 {
		return nil, nil
	}

	pending, err := q.store.TasksByStatus(q.occurrenceID, types.TaskPending)
	if err != nil {
		return nil, err
	}

	var activated []types.Task
	for _, task := range pending {
		if len(activated) >= slots {
			break
		}
		if !q.rules.PermittedTaskTransition(task.Status, types.TaskActive) {
			continue
		}
		task.Status = types.TaskActive
		task.UpdatedAt = q.clk.Now()
		if err := q.store.SaveTask(task); err != nil {
			return activated, err
		}
		root := types.Thought{
			ThoughtID: clock.NewID(q.clk, "th"),
			TaskID:    task.TaskID,
			Content:   task.Content,
			Depth:     0,
			CreatedAt: q.clk.Now(),
		}
		if err := q.enqueueLocked(root); err != nil {
			logging.Queue("root thought for %s dropped: %v", task.TaskID, err)
		}
		activated = append(activated, task)
	}
	if len(activated) > 0 {
		logging.Queue("activated %d tasks (%d active)", len(activated), len(active)+len(activated))
	}
	return activated, nil
}

// EnqueueThought adds a follow-up thought, honoring the queue bound.
func (q *Queue) EnqueueThought(th types.Thought) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueLocked(th)
}

func (q *Queue) enqueueLocked(th types.Thought) error {
	if len(q.thoughts) >= q.maxActiveThoughts {
		return fmt.Errorf("%w: %d thoughts queued", ErrThoughtQueueFull, len(q.thoughts))
	}
	q.thoughts = append(q.thoughts, th)
	return nil
}

// PopThoughts removes up to n thoughts in arrival order.
func (q *Queue) PopThoughts(n int) []types.Thought {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n <= 0 || n > len(q.thoughts) {
		n = len(q.thoughts)
	}
	out := make([]types.Thought, n)
	copy(out, q.thoughts[:n])
	q.thoughts = q.thoughts[n:]
	return out
}

// ReactivateDueDeferrals wakes scheduled deferrals whose defer-until has
// passed. Deferrals waiting on a wise authority never wake on the timer;
// those tasks return to pending only through a recorded resolution. A woken
// record is marked resolved so it is not considered again.
func (q *Queue) ReactivateDueDeferrals() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	due, err := q.store.DueDeferrals(q.occurrenceID, q.clk.Now())
	if err != nil {
		return 0, err
	}
	count := 0
	for _, rec := range due {
		if rec.RequiresAuthority {
			continue
		}
		task, err := q.store.GetTask(q.occurrenceID, rec.TaskID)
		if err != nil {
			continue
		}
		if task.Status != types.TaskDeferred {
			continue
		}
		if !q.rules.PermittedTaskTransition(task.Status, types.TaskPending) {
			continue
		}
		task.Status = types.TaskPending
		task.UpdatedAt = q.clk.Now()
		if err := q.store.SaveTask(task); err != nil {
			return count, err
		}
		if _, err := q.store.ResolveDeferral(q.occurrenceID, rec.DeferralID, types.DeferralResolution{
			Approved:   true,
			ResolverID: "scheduler",
			ResolvedAt: q.clk.Now(),
			Guidance:   "defer-until elapsed",
		}); err != nil {
			return count, err
		}
		count++
		logging.Queue("deferred task %s is due, back to pending", task.TaskID)
	}
	return count, nil
}

// SetLimits adjusts the queue bounds. Shrinking does not evict queued
// thoughts; the new bound applies to future enqueues.
func (q *Queue) SetLimits(maxActiveTasks, maxActiveThoughts int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if maxActiveTasks > 0 {
		q.maxActiveTasks = maxActiveTasks
	}
	if maxActiveThoughts > 0 {
		q.maxActiveThoughts = maxActiveThoughts
	}
}

// CloseIntake stops accepting observations. Queued work keeps draining.
func (q *Queue) CloseIntake() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// Depth reports queued thought count.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.thoughts)
}

// ActiveTaskCount reports tasks currently being worked.
func (q *Queue) ActiveTaskCount() (int, error) {
	active, err := q.store.TasksByStatus(q.occurrenceID, types.TaskActive)
	if err != nil {
		return 0, err
	}
	return len(active), nil
}
