// Package actions runs agent actions through one priority queue per agent.
// At most one action per agent executes at a time; queued actions wait in
// priority order and equal priorities keep their arrival order.
package actions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	ErrQueueFull       = errors.New("actions: queue full")
	ErrInvalidPriority = errors.New("actions: invalid priority")
	ErrNotFound        = errors.New("actions: action not found")
	ErrNotCancellable  = errors.New("actions: action is not cancellable")
	ErrClosed          = errors.New("actions: scheduler closed")
)

// DefaultMaxQueue bounds queued (not executing) actions per agent.
const DefaultMaxQueue = 100

type Priority int

const (
	Critical Priority = iota
	High
	Normal
	Low
	Idle
)

var priorityNames = [...]string{"CRITICAL", "HIGH", "NORMAL", "LOW", "IDLE"}

func (p Priority) Valid() bool { return p >= Critical && p <= Idle }

func (p Priority) String() string {
	if !p.Valid() {
		return fmt.Sprintf("Priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority accepts the upper-case names; the empty string means NORMAL.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return Normal, nil
	}
	for i, n := range priorityNames {
		if n == s {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
}

type Outcome string

const (
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeExpired   Outcome = "EXPIRED"
	OutcomeCancelled Outcome = "CANCELLED"
)

type Func func(ctx context.Context) (any, error)

type Action struct {
	ID          string
	AgentID     string
	Type        string
	Priority    Priority
	CreatedAt   time.Time
	Cancellable bool
	// Timeout > 0 makes the action expire if it is still queued once it is
	// older than Timeout.
	Timeout time.Duration
	Run     Func
	// Done, when set, receives the action's report exactly once.
	Done func(Report)
}

type Report struct {
	ActionID string
	AgentID  string
	Type     string
	Priority Priority
	Outcome  Outcome
	Value    any
	Err      error
	Started  time.Time
	Finished time.Time
}

// Info is a read-only view of a queued or executing action.
type Info struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	Type        string    `json:"type"`
	Priority    string    `json:"priority"`
	CreatedAt   time.Time `json:"created_at"`
	Cancellable bool      `json:"cancellable"`
}

type CancelResult int

const (
	// CancelRemoved: the action was still queued and will never run.
	CancelRemoved CancelResult = iota + 1
	// CancelMarked: the action is executing; it was only flagged.
	CancelMarked
)

type Config struct {
	MaxQueue  int
	Now       func() time.Time
	Logger    *log.Logger
	OnOutcome func(Report)
}

type Scheduler struct {
	maxQueue  int
	now       func() time.Time
	logger    *log.Logger
	onOutcome func(Report)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	agents map[string]*agentQueue
}

type agentQueue struct {
	pending  []*Action
	running  *execution
	draining bool
}

type execution struct {
	action          *Action
	cancelRequested atomic.Bool
}

type execKey struct{}

func New(cfg Config) *Scheduler {
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = DefaultMaxQueue
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		maxQueue:  cfg.MaxQueue,
		now:       cfg.Now,
		logger:    cfg.Logger,
		onOutcome: cfg.OnOutcome,
		ctx:       ctx,
		cancel:    cancel,
		agents:    map[string]*agentQueue{},
	}
}

// Enqueue queues a for its agent and returns the action id. A missing ID is
// generated and a zero CreatedAt is set to now.
func (s *Scheduler) Enqueue(a Action) (string, error) {
	if !a.Priority.Valid() {
		return "", fmt.Errorf("%w: %d", ErrInvalidPriority, int(a.Priority))
	}
	if a.AgentID == "" || a.Run == nil {
		return "", errors.New("actions: agent id and run func are required")
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	q := s.agents[a.AgentID]
	if q == nil {
		q = &agentQueue{}
		s.agents[a.AgentID] = q
	}
	if len(q.pending) >= s.maxQueue {
		s.logger.Printf("queue full: agent=%s type=%s dropped", a.AgentID, a.Type)
		return "", ErrQueueFull
	}

	act := a
	at := len(q.pending)
	for i, p := range q.pending {
		if p.Priority > act.Priority {
			at = i
			break
		}
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[at+1:], q.pending[at:])
	q.pending[at] = &act

	if !q.draining {
		q.draining = true
		s.wg.Add(1)
		go s.drain(a.AgentID, q)
	}
	return act.ID, nil
}

func (s *Scheduler) drain(agentID string, q *agentQueue) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(q.pending) == 0 {
			q.draining = false
			if s.agents[agentID] == q {
				delete(s.agents, agentID)
			}
			s.mu.Unlock()
			return
		}
		a := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		ex := &execution{action: a}
		q.running = ex
		s.mu.Unlock()

		s.execute(ex)

		s.mu.Lock()
		q.running = nil
		s.mu.Unlock()
	}
}

func (s *Scheduler) execute(ex *execution) {
	a := ex.action
	started := s.now()
	rep := Report{ActionID: a.ID, AgentID: a.AgentID, Type: a.Type, Priority: a.Priority, Started: started}

	if a.Timeout > 0 && started.Sub(a.CreatedAt) > a.Timeout {
		rep.Outcome = OutcomeExpired
		rep.Finished = started
		s.logger.Printf("action expired: agent=%s id=%s type=%s age=%s timeout=%s",
			a.AgentID, a.ID, a.Type, started.Sub(a.CreatedAt), a.Timeout)
		s.report(a, rep)
		return
	}

	ctx := context.WithValue(s.ctx, execKey{}, ex)
	v, err := runSafely(ctx, a.Run)
	rep.Value = v
	rep.Err = err
	rep.Finished = s.now()
	if err != nil {
		rep.Outcome = OutcomeFailed
	} else {
		rep.Outcome = OutcomeSucceeded
	}
	s.report(a, rep)
}

func runSafely(ctx context.Context, fn Func) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actions: panic: %v", r)
		}
	}()
	return fn(ctx)
}

func (s *Scheduler) report(a *Action, rep Report) {
	if a.Done != nil {
		a.Done(rep)
	}
	if s.onOutcome != nil {
		s.onOutcome(rep)
	}
}

// CancelRequested reports whether Cancel was called for the action whose Run
// received ctx. Actions poll it between steps; nothing interrupts them.
func CancelRequested(ctx context.Context) bool {
	ex, ok := ctx.Value(execKey{}).(*execution)
	return ok && ex.cancelRequested.Load()
}

// ActionID returns the id of the action whose Run received ctx.
func ActionID(ctx context.Context) string {
	if ex, ok := ctx.Value(execKey{}).(*execution); ok {
		return ex.action.ID
	}
	return ""
}

// Cancel removes a queued cancellable action, or flags the executing one.
func (s *Scheduler) Cancel(agentID, actionID string) (CancelResult, error) {
	s.mu.Lock()
	q := s.agents[agentID]
	if q == nil {
		s.mu.Unlock()
		return 0, ErrNotFound
	}
	if ex := q.running; ex != nil && ex.action.ID == actionID {
		s.mu.Unlock()
		if !ex.action.Cancellable {
			return 0, ErrNotCancellable
		}
		ex.cancelRequested.Store(true)
		return CancelMarked, nil
	}
	for i, a := range q.pending {
		if a.ID != actionID {
			continue
		}
		if !a.Cancellable {
			s.mu.Unlock()
			return 0, ErrNotCancellable
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		s.mu.Unlock()
		now := s.now()
		s.report(a, Report{ActionID: a.ID, AgentID: a.AgentID, Type: a.Type, Priority: a.Priority,
			Outcome: OutcomeCancelled, Started: now, Finished: now})
		return CancelRemoved, nil
	}
	s.mu.Unlock()
	return 0, ErrNotFound
}

// Clear drops every queued action of the agent, cancellable or not. The
// executing action, if any, is flagged.
func (s *Scheduler) Clear(agentID string) int {
	s.mu.Lock()
	q := s.agents[agentID]
	if q == nil {
		s.mu.Unlock()
		return 0
	}
	dropped := q.pending
	q.pending = nil
	if q.running != nil {
		q.running.cancelRequested.Store(true)
	}
	s.mu.Unlock()

	now := s.now()
	for _, a := range dropped {
		s.report(a, Report{ActionID: a.ID, AgentID: a.AgentID, Type: a.Type, Priority: a.Priority,
			Outcome: OutcomeCancelled, Started: now, Finished: now})
	}
	return len(dropped)
}

func (s *Scheduler) Pending(agentID string) []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.agents[agentID]
	if q == nil {
		return nil
	}
	out := make([]Info, 0, len(q.pending))
	for _, a := range q.pending {
		out = append(out, infoOf(a))
	}
	return out
}

func (s *Scheduler) Executing(agentID string) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.agents[agentID]
	if q == nil || q.running == nil {
		return Info{}, false
	}
	return infoOf(q.running.action), true
}

// Stats returns the number of queued and executing actions across all agents.
func (s *Scheduler) Stats() (queued, executing int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.agents {
		queued += len(q.pending)
		if q.running != nil {
			executing++
		}
	}
	return queued, executing
}

// Close stops accepting actions, drops everything still queued, cancels the
// context handed to executing actions and waits for them until ctx ends.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Clear(id)
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func infoOf(a *Action) Info {
	return Info{
		ID:          a.ID,
		AgentID:     a.AgentID,
		Type:        a.Type,
		Priority:    a.Priority.String(),
		CreatedAt:   a.CreatedAt,
		Cancellable: a.Cancellable,
	}
}
