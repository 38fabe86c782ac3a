package wal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/alfredjean/ojd/internal/core/coordination"
	"github.com/alfredjean/ojd/internal/core/pipeline"
	"github.com/alfredjean/ojd/internal/core/queue"
	"github.com/alfredjean/ojd/internal/core/scheduling"
	"github.com/alfredjean/ojd/internal/core/session"
	"github.com/alfredjean/ojd/internal/core/strategy"
	"github.com/alfredjean/ojd/internal/core/task"
	"github.com/alfredjean/ojd/internal/core/workspace"
)

// MaxEvents bounds the durable StoredEvent ring buffer.
const MaxEvents = 1000

// MaxExecutionHistory bounds the ActionExecutionRecord/CleanupRecord ring
// buffers.
const MaxExecutionHistory = 1000

// Sentinel causes ApplyError wraps, so callers can use errors.Is instead
// of inspecting ApplyError.Kind directly.
var (
	ErrNotFound         = fmt.Errorf("wal: not found")
	ErrAlreadyExists    = fmt.Errorf("wal: already exists")
	ErrInvalidTransition = fmt.Errorf("wal: invalid transition")
)

// ApplyError is the closed set of failures Apply can report. Mirrors
// spec.md §7's taxonomy for the storage layer.
type ApplyError struct {
	Kind       string // "not_found" | "already_exists" | "invalid_transition"
	EntityKind string
	ID         string
	Detail     string
}

func (e *ApplyError) Error() string {
	switch e.Kind {
	case "not_found":
		return fmt.Sprintf("wal: %s %q not found", e.EntityKind, e.ID)
	case "already_exists":
		return fmt.Sprintf("wal: %s %q already exists", e.EntityKind, e.ID)
	default:
		return fmt.Sprintf("wal: invalid transition for %s %q: %s", e.EntityKind, e.ID, e.Detail)
	}
}

func (e *ApplyError) Unwrap() error {
	switch e.Kind {
	case "not_found":
		return ErrNotFound
	case "already_exists":
		return ErrAlreadyExists
	default:
		return ErrInvalidTransition
	}
}

func notFound(entityKind, id string) error {
	return &ApplyError{Kind: "not_found", EntityKind: entityKind, ID: id}
}

func alreadyExists(entityKind, id string) error {
	return &ApplyError{Kind: "already_exists", EntityKind: entityKind, ID: id}
}

func invalidTransition(entityKind, id, detail string) error {
	return &ApplyError{Kind: "invalid_transition", EntityKind: entityKind, ID: id, Detail: detail}
}

// StoredEvent is a durable, ring-buffer-retained audit record, distinct
// from the in-memory Event/Effect sum types that drive the event loop.
type StoredEvent struct {
	EventType       string
	Payload         json.RawMessage
	TimestampMicros int64
}

type ActionExecutionRecord struct {
	ActionID      string
	Source        string
	ExecutionType string
	Success       bool
	Output        string
	Error         string
	DurationMs    int64
	TimestampMs   int64
}

type CleanupRecord struct {
	ScannerID   string
	ResourceID  string
	Action      string
	Success     bool
	Error       string
	TimestampMs int64
}

type inFlightExecution struct {
	startedMs     int64
	source        string
	executionType string
}

// ExecutionHistory tracks action-execution and cleanup audit trails as
// bounded ring buffers, plus an in-flight map so
// ActionExecutionCompletedOp can recover the source/execution-type that
// ActionExecutionStartedOp recorded without re-threading them through
// every downstream event.
type ExecutionHistory struct {
	ActionExecutions  []ActionExecutionRecord
	CleanupOperations []CleanupRecord
	inFlight          map[string]inFlightExecution
}

func newExecutionHistory() ExecutionHistory {
	return ExecutionHistory{inFlight: map[string]inFlightExecution{}}
}

// MaterializedState is the current, fully-applied view of every durable
// entity. It is never mutated concurrently with a WAL append: Store
// always journals first, then calls Apply.
type MaterializedState struct {
	Pipelines  map[string]pipeline.Pipeline
	Tasks      map[string]task.Task
	Workspaces map[string]workspace.Workspace
	Sessions   map[string]session.Session
	Queues     map[string]queue.Queue
	Strategies map[string]strategy.Strategy

	Coordination *coordination.Manager
	Scheduling   *scheduling.Manager

	Events           []StoredEvent
	ExecutionHistory ExecutionHistory
}

func NewMaterializedState() *MaterializedState {
	return &MaterializedState{
		Pipelines:        map[string]pipeline.Pipeline{},
		Tasks:            map[string]task.Task{},
		Workspaces:       map[string]workspace.Workspace{},
		Sessions:         map[string]session.Session{},
		Queues:           map[string]queue.Queue{},
		Strategies:       map[string]strategy.Strategy{},
		Coordination:     coordination.NewManager(),
		Scheduling:       scheduling.NewManager(),
		ExecutionHistory: newExecutionHistory(),
	}
}

// Apply mutates state in place according to op. timestampMicros comes from
// the WAL entry being applied: live appends pass the current wall clock,
// replay passes each entry's own persisted timestamp.
func (s *MaterializedState) Apply(op Operation, timestampMicros int64) error {
	now := time.UnixMicro(timestampMicros)

	switch o := op.(type) {
	case *PipelineCreateOp:
		if _, exists := s.Pipelines[o.ID]; exists {
			return alreadyExists("pipeline", o.ID)
		}
		p := pipeline.New(o.ID, o.PipelineKind, o.Name, o.WorkspaceID, o.Inputs, now)
		s.Pipelines[o.ID] = p

	case *PipelineTransitionOp:
		p, ok := s.Pipelines[o.ID]
		if !ok {
			return notFound("pipeline", o.ID)
		}
		p.Phase = pipeline.Phase(o.ToPhase)
		p.UpdatedAt = now
		if o.NextNamedPhase != nil {
			p.CurrentPhase = *o.NextNamedPhase
		}
		if o.SessionID != nil {
			p.SessionID = *o.SessionID
		}
		if o.CurrentTaskID != nil {
			p.CurrentTaskID = *o.CurrentTaskID
		}
		if o.Outputs != nil {
			merged := make(map[string]string, len(p.Outputs)+len(o.Outputs))
			for k, v := range p.Outputs {
				merged[k] = v
			}
			for k, v := range o.Outputs {
				merged[k] = v
			}
			p.Outputs = merged
		}
		if o.FailedReason != nil {
			p.FailedReason = *o.FailedReason
		}
		if o.BlockedWaitingOn != nil {
			p.BlockedWaitingOn = o.BlockedWaitingOn
		}
		if o.BlockedGuardID != nil {
			p.BlockedGuardID = *o.BlockedGuardID
		}
		s.Pipelines[o.ID] = p

	case *PipelineDeleteOp:
		delete(s.Pipelines, o.ID)

	case *TaskCreateOp:
		if _, exists := s.Tasks[o.ID]; exists {
			return alreadyExists("task", o.ID)
		}
		s.Tasks[o.ID] = task.New(o.ID, o.PipelineID, o.Name, now)

	case *TaskTransitionOp:
		t, ok := s.Tasks[o.ID]
		if !ok {
			return notFound("task", o.ID)
		}
		t.State = task.State(o.ToState)
		t.UpdatedAt = now
		if o.NudgeCount != nil {
			t.NudgeCount = *o.NudgeCount
		}
		if o.Output != nil {
			t.Output = *o.Output
		}
		if o.Reason != nil {
			t.Reason = *o.Reason
		}
		s.Tasks[o.ID] = t

	case *TaskDeleteOp:
		delete(s.Tasks, o.ID)

	case *WorkspaceCreateOp:
		if _, exists := s.Workspaces[o.ID]; exists {
			return alreadyExists("workspace", o.ID)
		}
		s.Workspaces[o.ID] = workspace.New(o.ID, o.PipelineID, o.Name, o.Path, o.Branch, now)

	case *WorkspaceTransitionOp:
		w, ok := s.Workspaces[o.ID]
		if !ok {
			return notFound("workspace", o.ID)
		}
		w.State = workspace.State(o.ToState)
		w.UpdatedAt = now
		s.Workspaces[o.ID] = w

	case *WorkspaceDeleteOp:
		delete(s.Workspaces, o.ID)

	case *SessionCreateOp:
		if _, exists := s.Sessions[o.ID]; exists {
			return alreadyExists("session", o.ID)
		}
		sess := session.New(o.ID, o.PipelineID, o.TmuxName, now)
		s.Sessions[o.ID] = sess

	case *SessionTransitionOp:
		sess, ok := s.Sessions[o.ID]
		if !ok {
			return notFound("session", o.ID)
		}
		sess.State = session.State(o.ToState)
		sess.UpdatedAt = now
		if o.PID != nil {
			sess.PID = *o.PID
		}
		s.Sessions[o.ID] = sess

	case *SessionHeartbeatOp:
		sess, ok := s.Sessions[o.ID]
		if !ok {
			return notFound("session", o.ID)
		}
		// Deliberately uses the apply-time now, not a value derived from
		// o.TimestampMicros a second time: heartbeats always rebase to
		// "this instant", matching the Open Question #3 decision that
		// LastHeartbeat is meaningful only relative to the current clock.
		sess.LastHeartbeat = now
		s.Sessions[o.ID] = sess

	case *SessionDeleteOp:
		delete(s.Sessions, o.ID)

	case *QueuePushOp:
		q := s.Queues[o.Queue]
		if q.Name == "" {
			q = queue.New(o.Queue, 0, 0)
		}
		next, _ := queue.Transition(q, queue.Event{Kind: queue.EventPush, Item: queue.Item{ID: o.ItemID, Payload: o.Payload, Priority: o.Priority, MaxAttempts: o.MaxAttempts}}, systemClock{})
		s.Queues[o.Queue] = next

	case *QueueClaimOp:
		q, ok := s.Queues[o.Queue]
		if !ok {
			return notFound("queue", o.Queue)
		}
		next, _ := queue.Transition(q, queue.Event{Kind: queue.EventClaim, Worker: o.Worker, ClaimID: o.ClaimID}, systemClock{})
		s.Queues[o.Queue] = next

	case *QueueCompleteOp:
		q, ok := s.Queues[o.Queue]
		if !ok {
			return notFound("queue", o.Queue)
		}
		next, _ := queue.Transition(q, queue.Event{Kind: queue.EventComplete, ClaimID: o.ClaimID}, systemClock{})
		s.Queues[o.Queue] = next

	case *QueueFailOp:
		q, ok := s.Queues[o.Queue]
		if !ok {
			return notFound("queue", o.Queue)
		}
		next, _ := queue.Transition(q, queue.Event{Kind: queue.EventFail, ClaimID: o.ClaimID, Reason: o.Reason}, systemClock{})
		s.Queues[o.Queue] = next

	case *QueueReleaseOp:
		q, ok := s.Queues[o.Queue]
		if !ok {
			return notFound("queue", o.Queue)
		}
		next, _ := queue.Transition(q, queue.Event{Kind: queue.EventRelease, ClaimID: o.ClaimID}, systemClock{})
		s.Queues[o.Queue] = next

	case *QueueDeleteOp:
		delete(s.Queues, o.Queue)

	case *QueueTickOp:
		var q queue.Queue
		if err := json.Unmarshal([]byte(o.TickResultJSON), &q); err != nil {
			// A corrupt full-state-dump op is skipped as a no-op
			// (nothing is logged) rather than failing replay.
			return nil
		}
		s.Queues[o.Queue] = q

	case *LockAcquireOp:
		s.Coordination.AcquireLock(o.Name, o.Holder, now)

	case *LockReleaseOp:
		s.Coordination.ReleaseLock(o.Name, o.Holder)

	case *LockHeartbeatOp:
		s.Coordination.HeartbeatLock(o.Name, o.Holder, now)

	case *SemaphoreAcquireOp:
		s.Coordination.EnsureSemaphore(o.Name, o.Capacity)
		s.Coordination.AcquireSemaphore(o.Name, o.Holder, now)

	case *SemaphoreReleaseOp:
		s.Coordination.ReleaseSemaphore(o.Name, o.Holder)

	case *SemaphoreHeartbeatOp:
		s.Coordination.HeartbeatSemaphore(o.Name, o.Holder, now)

	case *EventEmitOp:
		s.pushEvent(StoredEvent{EventType: o.EventType, Payload: json.RawMessage(o.PayloadJSON), TimestampMicros: timestampMicros})

	case *CronCreateOp:
		state := scheduling.CronDisabled
		if o.Enabled {
			state = scheduling.CronEnabled
		}
		c := scheduling.NewCron(o.ID, o.Name, time.Duration(o.IntervalMs)*time.Millisecond, o.ActionID)
		c.State = state
		s.Scheduling.Crons[o.ID] = c

	case *CronTransitionOp:
		c, ok := s.Scheduling.Crons[o.ID]
		if !ok {
			return notFound("cron", o.ID)
		}
		c.State = scheduling.CronState(o.ToState)
		c.RunCount = o.RunCount
		s.Scheduling.Crons[o.ID] = c

	case *CronDeleteOp:
		delete(s.Scheduling.Crons, o.ID)

	case *ActionCreateOp:
		s.Scheduling.Actions[o.ID] = scheduling.NewAction(o.ID, o.Name, time.Duration(o.CooldownMs)*time.Millisecond)

	case *ActionTransitionOp:
		a, ok := s.Scheduling.Actions[o.ID]
		if !ok {
			return notFound("action", o.ID)
		}
		a.State = scheduling.ActionState(o.ToState)
		s.Scheduling.Actions[o.ID] = a

	case *ActionDeleteOp:
		delete(s.Scheduling.Actions, o.ID)

	case *WatcherCreateOp:
		var src scheduling.Source
		var cond scheduling.Condition
		var chain []string
		if err := json.Unmarshal([]byte(o.SourceJSON), &src); err != nil {
			return invalidTransition("watcher", o.ID, "bad source json")
		}
		if err := json.Unmarshal([]byte(o.ConditionJSON), &cond); err != nil {
			return invalidTransition("watcher", o.ID, "bad condition json")
		}
		if err := json.Unmarshal([]byte(o.ResponseChainJSON), &chain); err != nil {
			return invalidTransition("watcher", o.ID, "bad response chain json")
		}
		s.Scheduling.Watchers[o.ID] = scheduling.NewWatcher(o.ID, o.Name, time.Duration(o.IntervalMs)*time.Millisecond, src, cond, chain)

	case *WatcherTransitionOp:
		w, ok := s.Scheduling.Watchers[o.ID]
		if !ok {
			return notFound("watcher", o.ID)
		}
		w.State = scheduling.WatcherState(o.ToState)
		if o.LastValue != nil {
			w.LastValue = *o.LastValue
		}
		if o.ResponseIndex != nil {
			w = w.WithResponseIndex(*o.ResponseIndex)
		}
		s.Scheduling.Watchers[o.ID] = w

	case *WatcherDeleteOp:
		delete(s.Scheduling.Watchers, o.ID)

	case *ScannerCreateOp:
		var src scheduling.Source
		var cond scheduling.Condition
		if err := json.Unmarshal([]byte(o.SourceJSON), &src); err != nil {
			return invalidTransition("scanner", o.ID, "bad source json")
		}
		if err := json.Unmarshal([]byte(o.ConditionJSON), &cond); err != nil {
			return invalidTransition("scanner", o.ID, "bad condition json")
		}
		s.Scheduling.Scanners[o.ID] = scheduling.NewScanner(o.ID, o.Name, time.Duration(o.IntervalMs)*time.Millisecond, src, cond, o.CleanupActionID)

	case *ScannerTransitionOp:
		sc, ok := s.Scheduling.Scanners[o.ID]
		if !ok {
			return notFound("scanner", o.ID)
		}
		sc.State = scheduling.ScannerState(o.ToState)
		if o.PendingIDsJSON != nil {
			var ids []string
			if err := json.Unmarshal([]byte(*o.PendingIDsJSON), &ids); err == nil {
				index := sc.CleanupIndex()
				if o.CleanupIndex != nil {
					index = *o.CleanupIndex
				}
				sc = sc.WithCleanupProgress(ids, index)
			}
		} else if o.CleanupIndex != nil {
			sc = sc.WithCleanupProgress(sc.PendingIDs(), *o.CleanupIndex)
		}
		s.Scheduling.Scanners[o.ID] = sc

	case *ScannerDeleteOp:
		delete(s.Scheduling.Scanners, o.ID)

	case *ActionExecutionStartedOp:
		s.ExecutionHistory.inFlight[o.ActionID] = inFlightExecution{startedMs: o.TimestampMs, source: o.Source, executionType: o.ExecutionType}

	case *ActionExecutionCompletedOp:
		started := s.ExecutionHistory.inFlight[o.ActionID]
		delete(s.ExecutionHistory.inFlight, o.ActionID)
		rec := ActionExecutionRecord{
			ActionID:      o.ActionID,
			Source:        started.source,
			ExecutionType: started.executionType,
			Success:       o.Success,
			Output:        o.Output,
			Error:         o.Error,
			DurationMs:    o.DurationMs,
			TimestampMs:   o.TimestampMs,
		}
		s.ExecutionHistory.ActionExecutions = append(s.ExecutionHistory.ActionExecutions, rec)
		if len(s.ExecutionHistory.ActionExecutions) > MaxExecutionHistory {
			s.ExecutionHistory.ActionExecutions = s.ExecutionHistory.ActionExecutions[len(s.ExecutionHistory.ActionExecutions)-MaxExecutionHistory:]
		}

	case *CleanupExecutedOp:
		rec := CleanupRecord{ScannerID: o.ScannerID, ResourceID: o.ResourceID, Action: o.Action, Success: o.Success, Error: o.Error, TimestampMs: o.TimestampMs}
		s.ExecutionHistory.CleanupOperations = append(s.ExecutionHistory.CleanupOperations, rec)
		if len(s.ExecutionHistory.CleanupOperations) > MaxExecutionHistory {
			s.ExecutionHistory.CleanupOperations = s.ExecutionHistory.CleanupOperations[len(s.ExecutionHistory.CleanupOperations)-MaxExecutionHistory:]
		}

	case *StrategyCreateOp:
		if _, exists := s.Strategies[o.ID]; exists {
			return alreadyExists("strategy", o.ID)
		}
		var attempts []strategy.Attempt
		if err := json.Unmarshal([]byte(o.AttemptsJSON), &attempts); err != nil {
			return invalidTransition("strategy", o.ID, "bad attempts json")
		}
		var onExhaust strategy.ExhaustAction
		if err := json.Unmarshal([]byte(o.OnExhaustJSON), &onExhaust); err != nil {
			onExhaust = strategy.DefaultExhaustAction()
		}
		s.Strategies[o.ID] = strategy.New(o.ID, o.Name, attempts, o.Checkpoint, onExhaust, now)

	case *StrategyTransitionOp:
		st, ok := s.Strategies[o.ID]
		if !ok {
			return notFound("strategy", o.ID)
		}
		st.State = strategy.State(o.ToState)
		if o.AttemptIndex != nil {
			st.AttemptIndex = *o.AttemptIndex
		}
		if o.CheckpointValue != nil {
			st.CheckpointValue = *o.CheckpointValue
		}
		if o.CurrentTaskID != nil {
			st.CurrentTaskID = *o.CurrentTaskID
		}
		s.Strategies[o.ID] = st

	case *StrategyDeleteOp:
		delete(s.Strategies, o.ID)

	case *SnapshotTakenOp:
		// no-op: a marker only, consumed by SnapshotManager bookkeeping.

	default:
		return invalidTransition("operation", op.Kind(), "unknown operation type")
	}

	return nil
}

func (s *MaterializedState) pushEvent(e StoredEvent) {
	s.Events = append(s.Events, e)
	if len(s.Events) > MaxEvents {
		s.Events = s.Events[len(s.Events)-MaxEvents:]
	}
}

// systemClock satisfies the interface{ Now() time.Time } shape that every
// pure Transition function requires, for the apply-time calls inside this
// file that always use "now" (the queue transitions deliberately always
// use the live clock rather than any timestamp embedded in the op, same
// as the original).
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
