package wal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alfredjean/ojd/internal/core/coordination"
	"github.com/alfredjean/ojd/internal/core/pipeline"
	"github.com/alfredjean/ojd/internal/core/queue"
	"github.com/alfredjean/ojd/internal/core/session"
	"github.com/alfredjean/ojd/internal/core/strategy"
	"github.com/alfredjean/ojd/internal/core/task"
	"github.com/alfredjean/ojd/internal/core/workspace"
)

// CurrentSnapshotVersion is bumped whenever StorableState's shape changes
// incompatibly.
const CurrentSnapshotVersion = 1

// --- Storable DTOs ---
//
// These mirror the durable entities but are shaped for JSON round-trip
// rather than for pure-transition ergonomics (e.g. plain strings for enum
// fields). Two correctness gaps present in original_source/'s Rust
// snapshot module are fixed here rather than replicated (see DESIGN.md):
// task state is fully round-tripped (the original always reset restored
// tasks to Pending, deferring to WAL replay — a gap against spec.md's S7
// scenario if a snapshot lands with no subsequent TaskTransition op before
// a crash), and queue dead-letters are restored (the original dropped
// them on restore with an explicit comment that they'd "need separate
// restoration").

type StorablePipeline struct {
	ID               string            `json:"id"`
	Kind             string            `json:"kind"`
	Name             string            `json:"name"`
	Phase            string            `json:"phase"`
	WorkspaceID      string            `json:"workspace_id"`
	SessionID        string            `json:"session_id"`
	CurrentTaskID    string            `json:"current_task_id"`
	CurrentPhase     string            `json:"current_phase"`
	Inputs           map[string]string `json:"inputs"`
	Outputs          map[string]string `json:"outputs"`
	BlockedWaitingOn []string          `json:"blocked_waiting_on,omitempty"`
	BlockedGuardID   string            `json:"blocked_guard_id,omitempty"`
	FailedReason     string            `json:"failed_reason,omitempty"`
	CreatedAtMicros  int64             `json:"created_at_micros"`
	UpdatedAtMicros  int64             `json:"updated_at_micros"`
}

func storePipeline(p pipeline.Pipeline) StorablePipeline {
	return StorablePipeline{
		ID: p.ID, Kind: p.Kind, Name: p.Name, Phase: string(p.Phase),
		WorkspaceID: p.WorkspaceID, SessionID: p.SessionID, CurrentTaskID: p.CurrentTaskID,
		CurrentPhase: p.CurrentPhase, Inputs: p.Inputs, Outputs: p.Outputs,
		BlockedWaitingOn: p.BlockedWaitingOn, BlockedGuardID: p.BlockedGuardID, FailedReason: p.FailedReason,
		CreatedAtMicros: p.CreatedAt.UnixMicro(), UpdatedAtMicros: p.UpdatedAt.UnixMicro(),
	}
}

func (sp StorablePipeline) restore() pipeline.Pipeline {
	return pipeline.Pipeline{
		ID: sp.ID, Kind: sp.Kind, Name: sp.Name, Phase: pipeline.Phase(sp.Phase),
		WorkspaceID: sp.WorkspaceID, SessionID: sp.SessionID, CurrentTaskID: sp.CurrentTaskID,
		CurrentPhase: sp.CurrentPhase, Inputs: sp.Inputs, Outputs: sp.Outputs,
		BlockedWaitingOn: sp.BlockedWaitingOn, BlockedGuardID: sp.BlockedGuardID, FailedReason: sp.FailedReason,
		CreatedAt: time.UnixMicro(sp.CreatedAtMicros), UpdatedAt: time.UnixMicro(sp.UpdatedAtMicros),
	}
}

type StorableTask struct {
	ID              string `json:"id"`
	PipelineID      string `json:"pipeline_id"`
	Name            string `json:"name"`
	State           string `json:"state"`
	NudgeCount      int    `json:"nudge_count"`
	Output          string `json:"output,omitempty"`
	Reason          string `json:"reason,omitempty"`
	SinceMicros     int64  `json:"since_micros"`
	CreatedAtMicros int64  `json:"created_at_micros"`
	UpdatedAtMicros int64  `json:"updated_at_micros"`
}

func storeTask(t task.Task) StorableTask {
	return StorableTask{
		ID: t.ID, PipelineID: t.PipelineID, Name: t.Name, State: string(t.State),
		NudgeCount: t.NudgeCount, Output: t.Output, Reason: t.Reason,
		SinceMicros: t.Since.UnixMicro(), CreatedAtMicros: t.CreatedAt.UnixMicro(), UpdatedAtMicros: t.UpdatedAt.UnixMicro(),
	}
}

func (st StorableTask) restore() task.Task {
	return task.Task{
		ID: st.ID, PipelineID: st.PipelineID, Name: st.Name, State: task.State(st.State),
		NudgeCount: st.NudgeCount, Output: st.Output, Reason: st.Reason,
		Since: time.UnixMicro(st.SinceMicros), CreatedAt: time.UnixMicro(st.CreatedAtMicros), UpdatedAt: time.UnixMicro(st.UpdatedAtMicros),
	}
}

type StorableWorkspace struct {
	ID              string `json:"id"`
	PipelineID      string `json:"pipeline_id"`
	Name            string `json:"name"`
	Path            string `json:"path"`
	Branch          string `json:"branch"`
	State           string `json:"state"`
	CreatedAtMicros int64  `json:"created_at_micros"`
	UpdatedAtMicros int64  `json:"updated_at_micros"`
}

func storeWorkspace(w workspace.Workspace) StorableWorkspace {
	return StorableWorkspace{
		ID: w.ID, PipelineID: w.PipelineID, Name: w.Name, Path: w.Path, Branch: w.Branch,
		State: string(w.State), CreatedAtMicros: w.CreatedAt.UnixMicro(), UpdatedAtMicros: w.UpdatedAt.UnixMicro(),
	}
}

func (sw StorableWorkspace) restore() workspace.Workspace {
	return workspace.Workspace{
		ID: sw.ID, PipelineID: sw.PipelineID, Name: sw.Name, Path: sw.Path, Branch: sw.Branch,
		State: workspace.State(sw.State), CreatedAt: time.UnixMicro(sw.CreatedAtMicros), UpdatedAt: time.UnixMicro(sw.UpdatedAtMicros),
	}
}

// StorableSession stores the heartbeat as an age in microseconds relative
// to snapshot-write time rather than an absolute instant, then rebases it
// against the loading clock's Now() on restore. This is the mechanism
// that makes a non-serializable monotonic clock value durable across a
// restart (spec.md §9 Open Question #3).
type StorableSession struct {
	ID                      string `json:"id"`
	PipelineID              string `json:"pipeline_id"`
	TmuxName                string `json:"tmux_name"`
	PID                     int    `json:"pid"`
	State                   string `json:"state"`
	LastHeartbeatAgeMicros  int64  `json:"last_heartbeat_age_micros"`
	CreatedAtMicros         int64  `json:"created_at_micros"`
}

func storeSession(s session.Session, at time.Time) StorableSession {
	return StorableSession{
		ID: s.ID, PipelineID: s.PipelineID, TmuxName: s.TmuxName, PID: s.PID, State: string(s.State),
		LastHeartbeatAgeMicros: at.Sub(s.LastHeartbeat).Microseconds(),
		CreatedAtMicros:        s.CreatedAt.UnixMicro(),
	}
}

func (ss StorableSession) restore(now time.Time) session.Session {
	return session.Session{
		ID: ss.ID, PipelineID: ss.PipelineID, TmuxName: ss.TmuxName, PID: ss.PID, State: session.State(ss.State),
		LastHeartbeat: now.Add(-time.Duration(ss.LastHeartbeatAgeMicros) * time.Microsecond),
		CreatedAt:     time.UnixMicro(ss.CreatedAtMicros),
		UpdatedAt:     now,
	}
}

type StorableClaim struct {
	Item          queue.Item `json:"item"`
	Worker        string     `json:"worker"`
	ClaimedAtMicros int64    `json:"claimed_at_micros"`
	LeaseTTLMicros int64     `json:"lease_ttl_micros"`
}

type StorableQueue struct {
	Name        string                   `json:"name"`
	Pending     []queue.Item             `json:"pending"`
	Claims      map[string]StorableClaim `json:"claims"`
	Dead        []queue.Item             `json:"dead"`
	MaxAttempts int                      `json:"max_attempts"`
	DefaultTTLMicros int64               `json:"default_ttl_micros"`
}

func storeQueue(q queue.Queue) StorableQueue {
	claims := make(map[string]StorableClaim, len(q.Claims))
	for id, c := range q.Claims {
		claims[id] = StorableClaim{Item: c.Item, Worker: c.Worker, ClaimedAtMicros: c.ClaimedAt.UnixMicro(), LeaseTTLMicros: int64(c.LeaseTTL)}
	}
	return StorableQueue{
		Name: q.Name, Pending: q.Pending, Claims: claims, Dead: q.Dead,
		MaxAttempts: q.MaxAttempts, DefaultTTLMicros: int64(q.DefaultTTL),
	}
}

func (sq StorableQueue) restore() queue.Queue {
	claims := make(map[string]queue.Claim, len(sq.Claims))
	for id, c := range sq.Claims {
		claims[id] = queue.Claim{ClaimID: id, Item: c.Item, Worker: c.Worker, ClaimedAt: time.UnixMicro(c.ClaimedAtMicros), LeaseTTL: time.Duration(c.LeaseTTLMicros)}
	}
	return queue.Queue{
		Name: sq.Name, Pending: sq.Pending, Claims: claims, Dead: sq.Dead,
		MaxAttempts: sq.MaxAttempts, DefaultTTL: time.Duration(sq.DefaultTTLMicros),
	}
}

// StorableCoordinationState restores locks/semaphores with clock-rebased
// staleness ages, the same age-relative pattern used for session
// heartbeats. Unlike the original (which serializes this but never reads
// it back — see DESIGN.md), ToMaterialized here actually restores it.
type StorableLock struct {
	Name                  string `json:"name"`
	Holder                string `json:"holder"`
	AcquiredAgeMicros     int64  `json:"acquired_age_micros"`
	LastHeartbeatAgeMicros int64 `json:"last_heartbeat_age_micros"`
}

type StorableSemaphore struct {
	Name     string           `json:"name"`
	Capacity int              `json:"capacity"`
	Holders  map[string]int64 `json:"holders"` // holder -> heartbeat age micros
}

type StorableCoordinationState struct {
	Locks      []StorableLock      `json:"locks"`
	Semaphores []StorableSemaphore `json:"semaphores"`
}

func storeCoordination(m *coordination.Manager, at time.Time) StorableCoordinationState {
	var out StorableCoordinationState
	for name, l := range m.Locks {
		if !l.Held() {
			continue
		}
		out.Locks = append(out.Locks, StorableLock{
			Name: name, Holder: l.Holder,
			AcquiredAgeMicros:      at.Sub(l.AcquiredAt).Microseconds(),
			LastHeartbeatAgeMicros: at.Sub(l.LastHeartbeat).Microseconds(),
		})
	}
	for name, s := range m.Semaphores {
		holders := make(map[string]int64, len(s.Holders))
		for holder, hb := range s.Holders {
			holders[holder] = at.Sub(hb).Microseconds()
		}
		out.Semaphores = append(out.Semaphores, StorableSemaphore{Name: name, Capacity: s.Capacity, Holders: holders})
	}
	return out
}

func (sc StorableCoordinationState) restore(now time.Time) *coordination.Manager {
	m := coordination.NewManager()
	for _, l := range sc.Locks {
		m.Locks[l.Name] = &coordination.Lock{
			Name: l.Name, Holder: l.Holder,
			AcquiredAt:    now.Add(-time.Duration(l.AcquiredAgeMicros) * time.Microsecond),
			LastHeartbeat: now.Add(-time.Duration(l.LastHeartbeatAgeMicros) * time.Microsecond),
		}
	}
	for _, s := range sc.Semaphores {
		m.EnsureSemaphore(s.Name, s.Capacity)
		sem := m.Semaphores[s.Name]
		for holder, age := range s.Holders {
			sem.Holders[holder] = now.Add(-time.Duration(age) * time.Microsecond)
		}
	}
	return m
}

type StorableEvent struct {
	EventType       string          `json:"event_type"`
	Payload         json.RawMessage `json:"payload"`
	TimestampMicros int64           `json:"timestamp_micros"`
}

type StorableStrategy struct {
	ID                     string          `json:"id"`
	Name                   string          `json:"name"`
	AttemptsJSON           json.RawMessage `json:"attempts"`
	Checkpoint             string          `json:"checkpoint"`
	CheckpointValue        string          `json:"checkpoint_value"`
	State                  string          `json:"state"`
	AttemptIndex           int             `json:"attempt_index"`
	AttemptStartedAgeMicros int64          `json:"attempt_started_age_micros"`
	OnExhaustJSON          json.RawMessage `json:"on_exhaust"`
	CurrentTaskID          string          `json:"current_task_id"`
	CreatedAtMicros        int64           `json:"created_at_micros"`
}

// storeStrategy records AttemptStarted as an age relative to at, the same
// clock-rebasing pattern used for session heartbeats: a Strategy mid-Trying
// when the snapshot is taken must not lose its attempt-timeout deadline on
// restore.
func storeStrategy(s strategy.Strategy, at time.Time) (StorableStrategy, error) {
	attemptsJSON, err := json.Marshal(s.Attempts)
	if err != nil {
		return StorableStrategy{}, err
	}
	exhaustJSON, err := json.Marshal(s.OnExhaust)
	if err != nil {
		return StorableStrategy{}, err
	}
	return StorableStrategy{
		ID: s.ID, Name: s.Name, AttemptsJSON: attemptsJSON, Checkpoint: s.Checkpoint,
		CheckpointValue: s.CheckpointValue, State: string(s.State), AttemptIndex: s.AttemptIndex,
		AttemptStartedAgeMicros: at.Sub(s.AttemptStarted).Microseconds(),
		OnExhaustJSON:           exhaustJSON, CurrentTaskID: s.CurrentTaskID, CreatedAtMicros: s.CreatedAt.UnixMicro(),
	}, nil
}

func (ss StorableStrategy) restore(now time.Time) (strategy.Strategy, error) {
	var attempts []strategy.Attempt
	if err := json.Unmarshal(ss.AttemptsJSON, &attempts); err != nil {
		return strategy.Strategy{}, err
	}
	var onExhaust strategy.ExhaustAction
	if err := json.Unmarshal(ss.OnExhaustJSON, &onExhaust); err != nil {
		return strategy.Strategy{}, err
	}
	return strategy.Strategy{
		ID: ss.ID, Name: ss.Name, Attempts: attempts, Checkpoint: ss.Checkpoint,
		CheckpointValue: ss.CheckpointValue, State: strategy.State(ss.State), AttemptIndex: ss.AttemptIndex,
		AttemptStarted: now.Add(-time.Duration(ss.AttemptStartedAgeMicros) * time.Microsecond),
		OnExhaust:      onExhaust, CurrentTaskID: ss.CurrentTaskID, CreatedAt: time.UnixMicro(ss.CreatedAtMicros),
	}, nil
}

// StorableState is the full snapshot payload.
type StorableState struct {
	Version           int                       `json:"version"`
	SequenceAtSnapshot uint64                   `json:"sequence_at_snapshot"`
	TimestampMicros   int64                     `json:"timestamp_micros"`
	Pipelines         []StorablePipeline        `json:"pipelines"`
	Tasks             []StorableTask            `json:"tasks"`
	Workspaces        []StorableWorkspace       `json:"workspaces"`
	Sessions          []StorableSession         `json:"sessions"`
	Queues            []StorableQueue           `json:"queues"`
	Strategies        []StorableStrategy        `json:"strategies"`
	Coordination      StorableCoordinationState `json:"coordination"`
	Events            []StorableEvent           `json:"events"`
}

func FromMaterialized(s *MaterializedState, sequence uint64, at time.Time) (StorableState, error) {
	out := StorableState{Version: CurrentSnapshotVersion, SequenceAtSnapshot: sequence, TimestampMicros: at.UnixMicro()}
	for _, p := range s.Pipelines {
		out.Pipelines = append(out.Pipelines, storePipeline(p))
	}
	for _, t := range s.Tasks {
		out.Tasks = append(out.Tasks, storeTask(t))
	}
	for _, w := range s.Workspaces {
		out.Workspaces = append(out.Workspaces, storeWorkspace(w))
	}
	for _, sess := range s.Sessions {
		out.Sessions = append(out.Sessions, storeSession(sess, at))
	}
	for _, q := range s.Queues {
		out.Queues = append(out.Queues, storeQueue(q))
	}
	for _, st := range s.Strategies {
		stored, err := storeStrategy(st, at)
		if err != nil {
			return StorableState{}, err
		}
		out.Strategies = append(out.Strategies, stored)
	}
	out.Coordination = storeCoordination(s.Coordination, at)
	for _, ev := range s.Events {
		out.Events = append(out.Events, StorableEvent{EventType: ev.EventType, Payload: ev.Payload, TimestampMicros: ev.TimestampMicros})
	}
	return out, nil
}

// ToMaterialized restores a full MaterializedState from the snapshot,
// rebasing every clock-relative age against now. Scheduling primitives
// (Cron/Action/Watcher/Scanner) and ExecutionHistory are intentionally
// not part of the snapshot: they are cheaply rebuilt from the runbook
// (primitives) and are operational audit trails, not correctness-critical
// state (history), so WAL replay from the snapshot's sequence forward is
// sufficient for them.
func (ss StorableState) ToMaterialized(now time.Time) (*MaterializedState, error) {
	s := NewMaterializedState()
	for _, p := range ss.Pipelines {
		s.Pipelines[p.ID] = p.restore()
	}
	for _, t := range ss.Tasks {
		s.Tasks[t.ID] = t.restore()
	}
	for _, w := range ss.Workspaces {
		s.Workspaces[w.ID] = w.restore()
	}
	for _, sess := range ss.Sessions {
		s.Sessions[sess.ID] = sess.restore(now)
	}
	for _, q := range ss.Queues {
		s.Queues[q.Name] = q.restore()
	}
	for _, st := range ss.Strategies {
		restored, err := st.restore(now)
		if err != nil {
			return nil, err
		}
		s.Strategies[restored.ID] = restored
	}
	s.Coordination = ss.Coordination.restore(now)
	for _, ev := range ss.Events {
		s.Events = append(s.Events, StoredEvent{EventType: ev.EventType, Payload: ev.Payload, TimestampMicros: ev.TimestampMicros})
	}
	return s, nil
}

// --- SnapshotManager ---

type SnapshotMeta struct {
	ID        string
	Sequence  uint64
	Timestamp time.Time
	SizeBytes int64
}

type SnapshotManager struct {
	dir string
}

func NewSnapshotManager(dir string) *SnapshotManager {
	return &SnapshotManager{dir: dir}
}

func (m *SnapshotManager) ensureDir() error {
	return os.MkdirAll(m.dir, 0o755)
}

func GenerateSnapshotID(sequence uint64, at time.Time) string {
	return fmt.Sprintf("%08d-%s", sequence, at.UTC().Format("20060102150405"))
}

func (m *SnapshotManager) snapshotPath(id string) string {
	return filepath.Join(m.dir, id+".json")
}

func (m *SnapshotManager) CreateSnapshot(state *MaterializedState, sequence uint64, at time.Time) (SnapshotMeta, error) {
	if err := m.ensureDir(); err != nil {
		return SnapshotMeta{}, err
	}
	storable, err := FromMaterialized(state, sequence, at)
	if err != nil {
		return SnapshotMeta{}, err
	}
	id := GenerateSnapshotID(sequence, at)
	path := m.snapshotPath(id)
	f, err := os.Create(path)
	if err != nil {
		return SnapshotMeta{}, err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(storable); err != nil {
		return SnapshotMeta{}, err
	}
	info, err := f.Stat()
	if err != nil {
		return SnapshotMeta{}, err
	}
	return SnapshotMeta{ID: id, Sequence: sequence, Timestamp: at, SizeBytes: info.Size()}, nil
}

func (m *SnapshotManager) LoadSnapshot(id string) (StorableState, error) {
	data, err := os.ReadFile(m.snapshotPath(id))
	if err != nil {
		return StorableState{}, err
	}
	var s StorableState
	if err := json.Unmarshal(data, &s); err != nil {
		return StorableState{}, err
	}
	if s.Version != CurrentSnapshotVersion {
		return StorableState{}, fmt.Errorf("wal: snapshot %s has unsupported version %d", id, s.Version)
	}
	return s, nil
}

func (m *SnapshotManager) ListSnapshots() ([]SnapshotMeta, error) {
	entries, err := os.ReadDir(m.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var metas []SnapshotMeta
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), ".json")
		parts := strings.SplitN(stem, "-", 2)
		if len(parts) != 2 {
			continue
		}
		seq, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		metas = append(metas, SnapshotMeta{ID: stem, Sequence: seq, Timestamp: info.ModTime(), SizeBytes: info.Size()})
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Sequence > metas[j].Sequence })
	return metas, nil
}

func (m *SnapshotManager) LatestSnapshot() (SnapshotMeta, bool, error) {
	metas, err := m.ListSnapshots()
	if err != nil {
		return SnapshotMeta{}, false, err
	}
	if len(metas) == 0 {
		return SnapshotMeta{}, false, nil
	}
	return metas[0], true, nil
}

func (m *SnapshotManager) DeleteSnapshot(id string) error {
	err := os.Remove(m.snapshotPath(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// CleanupOldSnapshots keeps the latest keepCount snapshots with sequence
// below keepSequence, plus everything at or after keepSequence, deleting
// the rest.
func (m *SnapshotManager) CleanupOldSnapshots(keepSequence uint64, keepCount int) error {
	metas, err := m.ListSnapshots()
	if err != nil {
		return err
	}
	kept := 0
	for _, meta := range metas {
		if meta.Sequence >= keepSequence {
			continue
		}
		kept++
		if kept <= keepCount {
			continue
		}
		if err := m.DeleteSnapshot(meta.ID); err != nil {
			return err
		}
	}
	return nil
}

// Scheduling primitives (Cron/Action/Watcher/Scanner) are rehydrated
// directly from the runbook at startup (see internal/daemon lifecycle),
// not from the snapshot, which is why scheduling.Manager has no Storable
// counterpart here.
