package daemon

import "time"

// Runbook is the already-validated declaration of a project's scheduling
// primitives and queues. Parsing/validating the on-disk runbook format is
// explicitly out of scope (SPEC_FULL.md §1's Out of scope list): the
// daemon only ever consumes an already-built Runbook value, however the
// caller produced it.
type Runbook struct {
	Crons    []CronDef
	Actions  []ActionDef
	Watchers []WatcherDef
	Scanners []ScannerDef
	Queues   []QueueDef
	Guards   []GuardDef
}

type CronDef struct {
	ID         string
	Name       string
	Interval   time.Duration
	ActionID   string
	WatcherIDs []string
	ScannerIDs []string
	Enabled    bool
}

type ActionDef struct {
	ID       string
	Name     string
	Cooldown time.Duration
}

type WatcherDef struct {
	ID            string
	Name          string
	Interval      time.Duration
	SourceKind    string
	SourceRef     string
	ConditionKind string
	ConditionVal  string
	ResponseChain []string
}

type ScannerDef struct {
	ID              string
	Name            string
	Interval        time.Duration
	SourceKind      string
	SourceRef       string
	ConditionKind   string
	ConditionVal    string
	CleanupActionID string
}

type QueueDef struct {
	Name        string
	MaxAttempts int
	DefaultTTL  time.Duration
}

// GuardDef is a runbook-authored pipeline block guard, the JSON mirror of
// coordination.Guard. Kind selects which of the remaining fields apply:
// "all"/"any" read Children, "lock_available" reads LockName,
// "custom_command" reads Command.
type GuardDef struct {
	ID       string
	Kind     string
	LockName string
	Command  string
	Children []GuardDef
}
