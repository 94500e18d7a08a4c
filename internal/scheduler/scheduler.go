package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"steward/internal/backlog"
	"steward/internal/config"
	"steward/internal/domain"
	"steward/internal/events"
	"steward/internal/graph"
	"steward/internal/repo"
)

// ActorID is the actor recorded on events the scheduler emits.
const ActorID = "steward-scheduler"

// dispatchFailureReason marks attempts that never reached the executor.
// Such attempts do not consume the per-task retry budget.
const dispatchFailureReason = "dispatch_error"

// Executor hands a work order to whatever runs attempts. Dispatch returns
// once the order is accepted; completion arrives later as events.
type Executor interface {
	Dispatch(ctx context.Context, order domain.WorkOrder) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, order domain.WorkOrder) error

func (f ExecutorFunc) Dispatch(ctx context.Context, order domain.WorkOrder) error {
	return f(ctx, order)
}

// ProposalSource reports the open, steward-authored proposals for a target.
// Left nil, the scheduler derives them from the projected graph.
type ProposalSource interface {
	OpenProposals(ctx context.Context, target string) ([]domain.Proposal, error)
}

// DispatchError wraps an executor failure for one work order.
type DispatchError struct {
	Order domain.WorkOrder
	Err   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s/%s attempt %d: %v", e.Order.Target, e.Order.TaskID, e.Order.AttemptNumber, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// CircuitOpenError refuses a cycle while the breaker is tripped.
type CircuitOpenError struct {
	Failures int
	Since    string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open after %d consecutive dispatch failures; reset required", e.Failures)
}

// Skip records why an otherwise eligible task was passed over this cycle.
type Skip struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

// WriteBack records a backlog status change the scheduler performed.
type WriteBack struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Via    string `json:"via"`
}

// CycleResult describes what one scheduling pass observed and did.
type CycleResult struct {
	Target     string            `json:"target"`
	Dispatched *domain.WorkOrder `json:"dispatched,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	OpenPRs    int               `json:"open_prs"`
	Eligible   int               `json:"eligible"`
	Skips      []Skip            `json:"skips,omitempty"`
	WriteBacks []WriteBack       `json:"write_backs,omitempty"`
}

// Scheduler runs polling cycles: observe fresh state, reconcile backlog
// status, then dispatch at most one work order.
type Scheduler struct {
	Store     *events.Store
	Projector *graph.Projector
	Repo      repo.Repo
	Policy    config.SchedulerPolicy
	Executor  Executor
	Proposals ProposalSource
	Log       *log.Logger
	Now       func() time.Time
	NewID     func() string
}

func New(store *events.Store, proj *graph.Projector, r repo.Repo, policy config.SchedulerPolicy, exec Executor) *Scheduler {
	return &Scheduler{
		Store:     store,
		Projector: proj,
		Repo:      r,
		Policy:    policy,
		Executor:  exec,
		Now:       time.Now,
		NewID:     uuid.NewString,
	}
}

// Cycle runs one scheduling pass for a target. Each cycle re-observes the
// world from scratch; nothing is carried over from previous cycles, so a
// crash between cycles loses nothing.
func (s *Scheduler) Cycle(ctx context.Context, targetID string) (CycleResult, error) {
	res := CycleResult{Target: targetID}

	breaker, err := s.advanceBreaker(ctx)
	if err != nil {
		return res, err
	}
	if breaker.Tripped {
		return res, &CircuitOpenError{Failures: breaker.ConsecutiveFailures, Since: breaker.UpdatedAt}
	}

	if err := s.Projector.Rebuild(ctx); err != nil {
		return res, err
	}
	st := s.Projector.State()

	target, err := s.Repo.GetTarget(ctx, targetID)
	if err != nil {
		return res, err
	}
	doc, err := backlog.Load(target.BacklogPath)
	if err != nil {
		return res, err
	}

	open, err := s.openProposals(ctx, st, targetID)
	if err != nil {
		return res, err
	}
	res.OpenPRs = len(open)

	wb, err := s.reconcile(ctx, st, target, doc, open)
	if err != nil {
		return res, err
	}
	res.WriteBacks = wb

	candidates := doc.Eligible()
	res.Eligible = len(candidates)

	if len(open) >= s.Policy.MaxOpenPRs {
		res.Reason = fmt.Sprintf("admission: %d open proposals at limit %d", len(open), s.Policy.MaxOpenPRs)
		return res, nil
	}

	openByTask := map[string]bool{}
	for _, p := range open {
		openByTask[p.TaskID] = true
	}

	var pick *domain.Task
	for i := range candidates {
		t := candidates[i]
		switch {
		case openByTask[t.ID]:
			res.Skips = append(res.Skips, Skip{TaskID: t.ID, Reason: "open proposal under review"})
		case st.RunningAttempt(targetID, t.ID):
			res.Skips = append(res.Skips, Skip{TaskID: t.ID, Reason: "attempt in flight"})
		case s.budgetUsed(st, targetID, t.ID) >= s.Policy.MaxAttemptsPerTask:
			res.Skips = append(res.Skips, Skip{TaskID: t.ID, Reason: "retry budget exhausted"})
		default:
			pick = &t
		}
		if pick != nil {
			break
		}
	}
	if pick == nil {
		if res.Reason == "" {
			res.Reason = "no dispatchable task"
		}
		return res, nil
	}

	order := domain.WorkOrder{
		Target:        targetID,
		TaskID:        pick.ID,
		AttemptID:     s.NewID(),
		AttemptNumber: st.NextAttemptNumber(targetID, pick.ID),
		AllowedPaths:  pick.AllowedPaths,
	}

	// Record intent durably before handing the order out. If the process
	// dies after this append, the next cycle sees a running attempt and
	// does not double-dispatch.
	if _, err := s.Store.AppendOne(ctx, s.event(targetID, "attempt.created", map[string]any{
		"attempt_id":     order.AttemptID,
		"task_id":        order.TaskID,
		"attempt_number": order.AttemptNumber,
		"allowed_paths":  order.AllowedPaths,
	})); err != nil {
		return res, err
	}

	if err := s.Executor.Dispatch(ctx, order); err != nil {
		derr := &DispatchError{Order: order, Err: err}
		s.logf("dispatch failed for %s/%s: %v", targetID, order.TaskID, err)
		if _, aerr := s.Store.AppendOne(ctx, s.event(targetID, "attempt.failed", map[string]any{
			"attempt_id": order.AttemptID,
			"task_id":    order.TaskID,
			"reason":     dispatchFailureReason,
			"detail":     err.Error(),
		})); aerr != nil {
			return res, aerr
		}
		return res, derr
	}

	res.Dispatched = &order
	return res, nil
}

// reconcile writes terminal status back to the backlog: merged proposals
// complete their task, exhausted retry budgets fail theirs. Changes go
// through an atomic file rewrite and are recorded as events.
func (s *Scheduler) reconcile(ctx context.Context, st *graph.State, target domain.Target, doc *backlog.Document, open []domain.Proposal) ([]WriteBack, error) {
	var wbs []WriteBack

	merged := map[string]bool{}
	for _, n := range st.Nodes {
		if n.Type != graph.NodePR || n.Properties["state"] != "merged" {
			continue
		}
		if tgt, _ := n.Properties["target"].(string); tgt != target.ID {
			continue
		}
		if taskID, _ := n.Properties["task_id"].(string); taskID != "" {
			merged[taskID] = true
		}
	}

	openByTask := map[string]bool{}
	for _, p := range open {
		openByTask[p.TaskID] = true
	}

	for _, t := range doc.Tasks {
		if t.Status != domain.StatusPending {
			continue
		}
		switch {
		case merged[t.ID]:
			if err := doc.SetStatus(t.ID, domain.StatusCompleted); err != nil {
				return wbs, err
			}
			wbs = append(wbs, WriteBack{TaskID: t.ID, Status: domain.StatusCompleted, Via: "proposal merged"})
		case s.budgetUsed(st, target.ID, t.ID) >= s.Policy.MaxAttemptsPerTask &&
			!st.RunningAttempt(target.ID, t.ID) && !openByTask[t.ID]:
			if err := doc.SetStatus(t.ID, domain.StatusFailed); err != nil {
				return wbs, err
			}
			wbs = append(wbs, WriteBack{TaskID: t.ID, Status: domain.StatusFailed, Via: "retry budget exhausted"})
		}
	}
	if len(wbs) == 0 {
		return nil, nil
	}

	if err := backlog.Save(target.BacklogPath, doc); err != nil {
		return wbs, err
	}
	for _, wb := range wbs {
		s.logf("backlog write-back: %s/%s -> %s (%s)", target.ID, wb.TaskID, wb.Status, wb.Via)
		if _, err := s.Store.AppendOne(ctx, s.event(target.ID, "backlog.updated", map[string]any{
			"task_id": wb.TaskID,
			"status":  wb.Status,
			"via":     wb.Via,
		})); err != nil {
			return wbs, err
		}
	}
	return wbs, nil
}

// budgetUsed counts attempts that reached the executor. Orders the
// executor never accepted are infrastructure failures, tracked by the
// breaker instead of the task budget.
func (s *Scheduler) budgetUsed(st *graph.State, targetID, taskID string) int {
	n := 0
	for _, a := range st.Attempts(targetID, taskID) {
		if r, _ := a.Properties["failure_reason"].(string); r == dispatchFailureReason {
			continue
		}
		n++
	}
	return n
}

func (s *Scheduler) openProposals(ctx context.Context, st *graph.State, targetID string) ([]domain.Proposal, error) {
	if s.Proposals != nil {
		return s.Proposals.OpenProposals(ctx, targetID)
	}
	return st.OpenPRs(targetID), nil
}

// advanceBreaker folds terminal attempt events appended since the last
// observed seq into the persisted failure streak. Any attempt.failed
// extends the streak regardless of task; attempt.succeeded breaks it. The
// streak is global: repeated failures across different tasks signal a
// systemic problem the per-task retry budget cannot see.
func (s *Scheduler) advanceBreaker(ctx context.Context) (domain.BreakerState, error) {
	b, err := s.Repo.GetBreaker(ctx)
	if err != nil {
		return b, err
	}
	cursor := b.LastSeq
	changed := false
	for {
		batch, err := s.Store.After(ctx, cursor, "", 200)
		if err != nil {
			return b, err
		}
		if len(batch) == 0 {
			break
		}
		for _, e := range batch {
			cursor = e.Seq
			switch e.Type {
			case "attempt.failed":
				b.ConsecutiveFailures++
				changed = true
			case "attempt.succeeded":
				if b.ConsecutiveFailures != 0 {
					b.ConsecutiveFailures = 0
					changed = true
				}
			}
		}
	}
	if !b.Tripped && s.Policy.BreakerThreshold > 0 && b.ConsecutiveFailures >= s.Policy.BreakerThreshold {
		b.Tripped = true
		changed = true
		s.logf("circuit opened after %d consecutive failed attempts", b.ConsecutiveFailures)
	}
	if changed || cursor != b.LastSeq {
		b.LastSeq = cursor
		b.UpdatedAt = s.now()
		if err := s.Repo.SetBreaker(ctx, b); err != nil {
			return b, err
		}
	}
	return b, nil
}

// ResetBreaker closes the circuit and forgets the failure streak, including
// failures already in the log. Reset is manual only: a human confirms the
// underlying problem is fixed before dispatch resumes.
func (s *Scheduler) ResetBreaker(ctx context.Context) error {
	seq, err := s.Repo.LatestEventSeq(ctx, "")
	if err != nil {
		return err
	}
	return s.Repo.SetBreaker(ctx, domain.BreakerState{LastSeq: seq, UpdatedAt: s.now()})
}

// Breaker returns the persisted circuit state.
func (s *Scheduler) Breaker(ctx context.Context) (domain.BreakerState, error) {
	return s.Repo.GetBreaker(ctx)
}

func (s *Scheduler) event(targetID, evtType string, payload map[string]any) domain.Event {
	return domain.Event{
		EventID: s.NewID(),
		Type:    evtType,
		TS:      s.now(),
		ActorID: ActorID,
		Target:  targetID,
		Payload: payload,
	}
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.Log != nil {
		s.Log.Printf(format, args...)
	}
}

func (s *Scheduler) now() string {
	return s.Now().UTC().Format(time.RFC3339)
}
