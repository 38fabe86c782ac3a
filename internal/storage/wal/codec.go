package wal

import (
	"encoding/json"
	"fmt"
)

// line is the on-disk JSON shape of one WAL entry: the envelope fields
// plus the operation's own fields flattened under "op", tagged by "kind"
// so Unmarshal can pick the right concrete Go type back out of the closed
// Operation interface.
type line struct {
	Sequence        uint64          `json:"sequence"`
	TimestampMicros int64           `json:"timestamp_micros"`
	MachineID       string          `json:"machine_id"`
	Kind            string          `json:"kind"`
	Op              json.RawMessage `json:"op"`
	Checksum        uint32          `json:"checksum"`
}

// ToLine renders an Entry as one canonical JSON line (no trailing
// newline), used to append to the WAL file and to rewrite it on
// compaction. The checksum is computed separately, over checksumFields.
func (e Entry) ToLine() (string, error) {
	opJSON, err := json.Marshal(e.Operation)
	if err != nil {
		return "", fmt.Errorf("wal: marshal operation: %w", err)
	}
	l := line{
		Sequence:        e.Sequence,
		TimestampMicros: e.TimestampMicros,
		MachineID:       e.MachineID,
		Kind:            e.Operation.Kind(),
		Op:              opJSON,
		Checksum:        e.Checksum,
	}
	out, err := json.Marshal(l)
	if err != nil {
		return "", fmt.Errorf("wal: marshal entry: %w", err)
	}
	return string(out), nil
}

// ChecksumFields is the canonical text the checksum is computed over: the
// entry's sequence, timestamp, machine id, and operation JSON — everything
// except the checksum field itself.
func checksumFields(seq uint64, tsMicros int64, machineID string, opKind string, opJSON []byte) []byte {
	buf := make([]byte, 0, 64+len(opJSON))
	buf = append(buf, fmt.Sprintf("%d|%d|%s|%s|", seq, tsMicros, machineID, opKind)...)
	buf = append(buf, opJSON...)
	return buf
}

// ParseLine decodes one WAL line back into an Entry, dispatching the
// operation's concrete type by its "kind" discriminator.
func ParseLine(raw []byte) (Entry, error) {
	var l line
	if err := json.Unmarshal(raw, &l); err != nil {
		return Entry{}, fmt.Errorf("wal: unmarshal entry: %w", err)
	}
	op, err := decodeOp(l.Kind, l.Op)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Sequence:        l.Sequence,
		TimestampMicros: l.TimestampMicros,
		MachineID:       l.MachineID,
		Operation:       op,
		Checksum:        l.Checksum,
	}, nil
}

func marshalForChecksum(op Operation) ([]byte, error) {
	return json.Marshal(op)
}

func decodeOp(kind string, raw json.RawMessage) (Operation, error) {
	var op Operation
	switch kind {
	case "pipeline_create":
		op = &PipelineCreateOp{}
	case "pipeline_transition":
		op = &PipelineTransitionOp{}
	case "pipeline_delete":
		op = &PipelineDeleteOp{}
	case "task_create":
		op = &TaskCreateOp{}
	case "task_transition":
		op = &TaskTransitionOp{}
	case "task_delete":
		op = &TaskDeleteOp{}
	case "workspace_create":
		op = &WorkspaceCreateOp{}
	case "workspace_transition":
		op = &WorkspaceTransitionOp{}
	case "workspace_delete":
		op = &WorkspaceDeleteOp{}
	case "session_create":
		op = &SessionCreateOp{}
	case "session_transition":
		op = &SessionTransitionOp{}
	case "session_heartbeat":
		op = &SessionHeartbeatOp{}
	case "session_delete":
		op = &SessionDeleteOp{}
	case "queue_push":
		op = &QueuePushOp{}
	case "queue_claim":
		op = &QueueClaimOp{}
	case "queue_complete":
		op = &QueueCompleteOp{}
	case "queue_fail":
		op = &QueueFailOp{}
	case "queue_release":
		op = &QueueReleaseOp{}
	case "queue_delete":
		op = &QueueDeleteOp{}
	case "queue_tick":
		op = &QueueTickOp{}
	case "lock_acquire":
		op = &LockAcquireOp{}
	case "lock_release":
		op = &LockReleaseOp{}
	case "lock_heartbeat":
		op = &LockHeartbeatOp{}
	case "semaphore_acquire":
		op = &SemaphoreAcquireOp{}
	case "semaphore_release":
		op = &SemaphoreReleaseOp{}
	case "semaphore_heartbeat":
		op = &SemaphoreHeartbeatOp{}
	case "event_emit":
		op = &EventEmitOp{}
	case "cron_create":
		op = &CronCreateOp{}
	case "cron_transition":
		op = &CronTransitionOp{}
	case "cron_delete":
		op = &CronDeleteOp{}
	case "action_create":
		op = &ActionCreateOp{}
	case "action_transition":
		op = &ActionTransitionOp{}
	case "action_delete":
		op = &ActionDeleteOp{}
	case "watcher_create":
		op = &WatcherCreateOp{}
	case "watcher_transition":
		op = &WatcherTransitionOp{}
	case "watcher_delete":
		op = &WatcherDeleteOp{}
	case "scanner_create":
		op = &ScannerCreateOp{}
	case "scanner_transition":
		op = &ScannerTransitionOp{}
	case "scanner_delete":
		op = &ScannerDeleteOp{}
	case "action_execution_started":
		op = &ActionExecutionStartedOp{}
	case "action_execution_completed":
		op = &ActionExecutionCompletedOp{}
	case "cleanup_executed":
		op = &CleanupExecutedOp{}
	case "snapshot_taken":
		op = &SnapshotTakenOp{}
	case "strategy_create":
		op = &StrategyCreateOp{}
	case "strategy_transition":
		op = &StrategyTransitionOp{}
	case "strategy_delete":
		op = &StrategyDeleteOp{}
	default:
		return nil, fmt.Errorf("wal: unknown operation kind %q", kind)
	}
	if err := json.Unmarshal(raw, op); err != nil {
		return nil, fmt.Errorf("wal: unmarshal %s: %w", kind, err)
	}
	return op, nil
}
