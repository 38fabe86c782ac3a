// Package wal implements the write-ahead log, snapshot manager, and
// materialized state that together give the daemon crash-consistent
// persistence: journal, then apply, then act.
package wal

import "time"

// Operation is the closed vocabulary of durable state changes. Every
// concrete operation type embeds opMarker and implements Kind() — the Go
// equivalent of a Rust enum with ~45 variants, realized as a sealed
// interface rather than a type switch over an open set of structs.
type Operation interface {
	op()
	Kind() string
}

type opMarker struct{}

func (opMarker) op() {}

// --- Pipeline ---

type PipelineCreateOp struct {
	opMarker
	ID           string
	PipelineKind string
	Name         string
	WorkspaceID  string
	Inputs       map[string]string
}

func (PipelineCreateOp) Kind() string { return "pipeline_create" }

type PipelineTransitionOp struct {
	opMarker
	ID               string
	ToPhase          string
	NextNamedPhase   *string
	SessionID        *string
	CurrentTaskID    *string
	Outputs          map[string]string
	FailedReason     *string
	BlockedWaitingOn []string
	BlockedGuardID   *string
}

func (PipelineTransitionOp) Kind() string { return "pipeline_transition" }

type PipelineDeleteOp struct {
	opMarker
	ID string
}

func (PipelineDeleteOp) Kind() string { return "pipeline_delete" }

// --- Task ---

type TaskCreateOp struct {
	opMarker
	ID         string
	PipelineID string
	Name       string
}

func (TaskCreateOp) Kind() string { return "task_create" }

type TaskTransitionOp struct {
	opMarker
	ID         string
	ToState    string
	NudgeCount *int
	Output     *string
	Reason     *string
}

func (TaskTransitionOp) Kind() string { return "task_transition" }

type TaskDeleteOp struct {
	opMarker
	ID string
}

func (TaskDeleteOp) Kind() string { return "task_delete" }

// --- Workspace ---

type WorkspaceCreateOp struct {
	opMarker
	ID         string
	PipelineID string
	Name       string
	Path       string
	Branch     string
}

func (WorkspaceCreateOp) Kind() string { return "workspace_create" }

type WorkspaceTransitionOp struct {
	opMarker
	ID      string
	ToState string
}

func (WorkspaceTransitionOp) Kind() string { return "workspace_transition" }

type WorkspaceDeleteOp struct {
	opMarker
	ID string
}

func (WorkspaceDeleteOp) Kind() string { return "workspace_delete" }

// --- Session ---

type SessionCreateOp struct {
	opMarker
	ID         string
	PipelineID string
	TmuxName   string
}

func (SessionCreateOp) Kind() string { return "session_create" }

type SessionTransitionOp struct {
	opMarker
	ID      string
	ToState string
	PID     *int
}

func (SessionTransitionOp) Kind() string { return "session_transition" }

type SessionHeartbeatOp struct {
	opMarker
	ID              string
	TimestampMicros int64
}

func (SessionHeartbeatOp) Kind() string { return "session_heartbeat" }

type SessionDeleteOp struct {
	opMarker
	ID string
}

func (SessionDeleteOp) Kind() string { return "session_delete" }

// --- Queue ---

type QueuePushOp struct {
	opMarker
	Queue       string
	ItemID      string
	Payload     map[string]string
	Priority    int
	MaxAttempts int
}

func (QueuePushOp) Kind() string { return "queue_push" }

type QueueClaimOp struct {
	opMarker
	Queue   string
	Worker  string
	ClaimID string
}

func (QueueClaimOp) Kind() string { return "queue_claim" }

type QueueCompleteOp struct {
	opMarker
	Queue   string
	ClaimID string
}

func (QueueCompleteOp) Kind() string { return "queue_complete" }

type QueueFailOp struct {
	opMarker
	Queue   string
	ClaimID string
	Reason  string
}

func (QueueFailOp) Kind() string { return "queue_fail" }

type QueueReleaseOp struct {
	opMarker
	Queue   string
	ClaimID string
}

func (QueueReleaseOp) Kind() string { return "queue_release" }

type QueueDeleteOp struct {
	opMarker
	Queue string
}

func (QueueDeleteOp) Kind() string { return "queue_delete" }

// QueueTickOp stores the full post-tick queue state rather than a diff,
// matching the original's "full-state-dump as op" pattern for Tick: the
// set of claims that expired in a single tick isn't naturally expressed as
// a small diff, so the op just carries the serialized result.
type QueueTickOp struct {
	opMarker
	Queue          string
	TickResultJSON string
}

func (QueueTickOp) Kind() string { return "queue_tick" }

// --- Coordination ---

type LockAcquireOp struct {
	opMarker
	Name   string
	Holder string
}

func (LockAcquireOp) Kind() string { return "lock_acquire" }

type LockReleaseOp struct {
	opMarker
	Name   string
	Holder string
}

func (LockReleaseOp) Kind() string { return "lock_release" }

type LockHeartbeatOp struct {
	opMarker
	Name   string
	Holder string
}

func (LockHeartbeatOp) Kind() string { return "lock_heartbeat" }

type SemaphoreAcquireOp struct {
	opMarker
	Name     string
	Holder   string
	Capacity int
}

func (SemaphoreAcquireOp) Kind() string { return "semaphore_acquire" }

type SemaphoreReleaseOp struct {
	opMarker
	Name   string
	Holder string
}

func (SemaphoreReleaseOp) Kind() string { return "semaphore_release" }

type SemaphoreHeartbeatOp struct {
	opMarker
	Name   string
	Holder string
}

func (SemaphoreHeartbeatOp) Kind() string { return "semaphore_heartbeat" }

// --- Events ---

type EventEmitOp struct {
	opMarker
	EventType   string
	PayloadJSON string
}

func (EventEmitOp) Kind() string { return "event_emit" }

// --- Scheduling primitives ---

type CronCreateOp struct {
	opMarker
	ID         string
	Name       string
	IntervalMs int64
	ActionID   string
	Enabled    bool
}

func (CronCreateOp) Kind() string { return "cron_create" }

type CronTransitionOp struct {
	opMarker
	ID       string
	ToState  string
	RunCount int
}

func (CronTransitionOp) Kind() string { return "cron_transition" }

type CronDeleteOp struct {
	opMarker
	ID string
}

func (CronDeleteOp) Kind() string { return "cron_delete" }

type ActionCreateOp struct {
	opMarker
	ID         string
	Name       string
	CooldownMs int64
}

func (ActionCreateOp) Kind() string { return "action_create" }

type ActionTransitionOp struct {
	opMarker
	ID      string
	ToState string
}

func (ActionTransitionOp) Kind() string { return "action_transition" }

type ActionDeleteOp struct {
	opMarker
	ID string
}

func (ActionDeleteOp) Kind() string { return "action_delete" }

type WatcherCreateOp struct {
	opMarker
	ID                string
	Name              string
	IntervalMs        int64
	SourceJSON        string
	ConditionJSON     string
	ResponseChainJSON string
}

func (WatcherCreateOp) Kind() string { return "watcher_create" }

type WatcherTransitionOp struct {
	opMarker
	ID            string
	ToState       string
	LastValue     *string
	ResponseIndex *int
}

func (WatcherTransitionOp) Kind() string { return "watcher_transition" }

type WatcherDeleteOp struct {
	opMarker
	ID string
}

func (WatcherDeleteOp) Kind() string { return "watcher_delete" }

type ScannerCreateOp struct {
	opMarker
	ID              string
	Name            string
	IntervalMs      int64
	SourceJSON      string
	ConditionJSON   string
	CleanupActionID string
}

func (ScannerCreateOp) Kind() string { return "scanner_create" }

type ScannerTransitionOp struct {
	opMarker
	ID             string
	ToState        string
	PendingIDsJSON *string
	CleanupIndex   *int
}

func (ScannerTransitionOp) Kind() string { return "scanner_transition" }

type ScannerDeleteOp struct {
	opMarker
	ID string
}

func (ScannerDeleteOp) Kind() string { return "scanner_delete" }

// --- Execution tracking ---

type ActionExecutionStartedOp struct {
	opMarker
	ActionID      string
	Source        string
	ExecutionType string
	TimestampMs   int64
}

func (ActionExecutionStartedOp) Kind() string { return "action_execution_started" }

type ActionExecutionCompletedOp struct {
	opMarker
	ActionID    string
	Success     bool
	Output      string
	Error       string
	DurationMs  int64
	TimestampMs int64
}

func (ActionExecutionCompletedOp) Kind() string { return "action_execution_completed" }

type CleanupExecutedOp struct {
	opMarker
	ScannerID   string
	ResourceID  string
	Action      string
	Success     bool
	Error       string
	TimestampMs int64
}

func (CleanupExecutedOp) Kind() string { return "cleanup_executed" }

// --- Snapshot marker ---

type SnapshotTakenOp struct {
	opMarker
	SnapshotID string
}

func (SnapshotTakenOp) Kind() string { return "snapshot_taken" }

// --- Strategy ---

type StrategyCreateOp struct {
	opMarker
	ID            string
	Name          string
	AttemptsJSON  string
	Checkpoint    string
	OnExhaustJSON string
}

func (StrategyCreateOp) Kind() string { return "strategy_create" }

type StrategyTransitionOp struct {
	opMarker
	ID              string
	ToState         string
	AttemptIndex    *int
	CheckpointValue *string
	CurrentTaskID   *string
}

func (StrategyTransitionOp) Kind() string { return "strategy_transition" }

type StrategyDeleteOp struct {
	opMarker
	ID string
}

func (StrategyDeleteOp) Kind() string { return "strategy_delete" }

// Entry is one line of the WAL file.
type Entry struct {
	Sequence        uint64
	TimestampMicros int64
	MachineID       string
	Operation       Operation
	Checksum        uint32
}

func micros(t time.Time) int64 { return t.UnixMicro() }
