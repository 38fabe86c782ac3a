// Package queue implements the Queue state machine: an ordered work list
// with claim-based leasing instead of a single bespoke "processing" slot.
//
// Open Question (unified on claims, see DESIGN.md): the legacy model
// tracked at most one in-flight item per queue via a dedicated
// "processing" field. Nothing in the retrieved original sources actually
// read that field, so this port drops it and represents every claim —
// including the degenerate single-claim case — through the Claims map.
package queue

import (
	"sort"
	"time"

	"github.com/alfredjean/ojd/internal/core/event"
)

// Item is one unit of work sitting in (or having passed through) the
// queue. Priority and MaxAttempts are set by the caller at push time —
// two items in the same named queue are free to carry different values
// of either.
type Item struct {
	ID          string
	Payload     map[string]string
	Priority    int
	MaxAttempts int
	Attempts    int
	EnqueuedAt  time.Time
}

// Claim records that a worker has leased an item and until when the lease
// is valid absent a heartbeat. It carries the full Item so completion,
// failure, and release never lose payload fidelity once an item leaves
// Pending. Claims are keyed by a caller-supplied ClaimID rather than the
// item's own ID, so the same claim token travels through Complete, Fail,
// and Release independent of which item was actually dequeued.
type Claim struct {
	ClaimID   string
	Item      Item
	Worker    string
	ClaimedAt time.Time
	LeaseTTL  time.Duration
}

func (c Claim) Expired(now time.Time) bool {
	return now.Sub(c.ClaimedAt) > c.LeaseTTL
}

// Queue is the durable record of one named work queue. MaxAttempts here
// is only the fallback applied to items pushed without one of their own.
type Queue struct {
	Name        string
	Pending     []Item // kept sorted by (-Priority, EnqueuedAt)
	Claims      map[string]Claim
	Dead        []Item
	MaxAttempts int
	DefaultTTL  time.Duration
}

func New(name string, maxAttempts int, defaultTTL time.Duration) Queue {
	return Queue{
		Name:        name,
		Claims:      map[string]Claim{},
		MaxAttempts: maxAttempts,
		DefaultTTL:  defaultTTL,
	}
}

// sortPending orders Pending so the highest-priority, then oldest, item is
// always at index 0. sort.SliceStable preserves push order among items
// that tie on both keys.
func sortPending(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].EnqueuedAt.Before(items[j].EnqueuedAt)
	})
}

type Kind string

const (
	EventPush     Kind = "push"
	EventClaim    Kind = "claim"
	EventComplete Kind = "complete"
	EventFail     Kind = "fail"
	EventRelease  Kind = "release"
	EventTick     Kind = "tick" // reclaims expired claims
)

type Event struct {
	Kind    Kind
	Item    Item
	ClaimID string
	Worker  string
	Reason  string
}

// itemMaxAttempts resolves the effective max attempts for an item: its own
// value if it set one at push time, otherwise the queue's fallback.
func itemMaxAttempts(q Queue, item Item) int {
	if item.MaxAttempts > 0 {
		return item.MaxAttempts
	}
	return q.MaxAttempts
}

// Transition mutates no input; it returns the next Queue value and any
// effects. Pending is kept sorted by (-Priority, EnqueuedAt), so Claim
// always takes Pending[0] — the highest-priority, then oldest, item.
func Transition(q Queue, ev Event, clk interface{ Now() time.Time }) (Queue, []event.Effect) {
	now := clk.Now()
	next := cloneQueue(q)
	var effects []event.Effect

	switch ev.Kind {
	case EventPush:
		item := ev.Item
		if item.EnqueuedAt.IsZero() {
			item.EnqueuedAt = now
		}
		next.Pending = append(next.Pending, item)
		sortPending(next.Pending)

	case EventClaim:
		if len(next.Pending) == 0 {
			return next, nil
		}
		item := next.Pending[0]
		next.Pending = next.Pending[1:]
		next.Claims[ev.ClaimID] = Claim{
			ClaimID:   ev.ClaimID,
			Item:      item,
			Worker:    ev.Worker,
			ClaimedAt: now,
			LeaseTTL:  next.DefaultTTL,
		}
		effects = append(effects, event.Emit(event.New(event.KindQueueItemClaimed, item.ID, map[string]any{"queue": q.Name, "worker": ev.Worker, "claim_id": ev.ClaimID}, now)))

	case EventComplete:
		if _, ok := next.Claims[ev.ClaimID]; !ok {
			return next, nil
		}
		claim := next.Claims[ev.ClaimID]
		delete(next.Claims, ev.ClaimID)
		effects = append(effects, event.Emit(event.New(event.KindQueueItemCompleted, claim.Item.ID, map[string]any{"queue": q.Name, "claim_id": ev.ClaimID}, now)))

	case EventFail:
		claim, ok := next.Claims[ev.ClaimID]
		if !ok {
			return next, nil
		}
		delete(next.Claims, ev.ClaimID)
		item := claim.Item
		item.Attempts++
		if max := itemMaxAttempts(next, item); max > 0 && item.Attempts >= max {
			next.Dead = append(next.Dead, item)
			effects = append(effects, event.Emit(event.New(event.KindQueueItemDead, item.ID, map[string]any{"queue": q.Name, "reason": ev.Reason, "claim_id": ev.ClaimID}, now)))
		} else {
			next.Pending = append(next.Pending, item)
			sortPending(next.Pending)
			effects = append(effects, event.Emit(event.New(event.KindQueueItemFailed, item.ID, map[string]any{"queue": q.Name, "reason": ev.Reason, "attempts": item.Attempts, "claim_id": ev.ClaimID}, now)))
		}

	case EventRelease:
		claim, ok := next.Claims[ev.ClaimID]
		if !ok {
			return next, nil
		}
		delete(next.Claims, ev.ClaimID)
		next.Pending = append(next.Pending, claim.Item)
		sortPending(next.Pending)
		effects = append(effects, event.Emit(event.New(event.KindQueueItemReleased, claim.Item.ID, map[string]any{"queue": q.Name, "reason": "released", "claim_id": ev.ClaimID}, now)))

	case EventTick:
		for id, claim := range next.Claims {
			if claim.Expired(now) {
				delete(next.Claims, id)
				item := claim.Item
				item.Attempts++
				if max := itemMaxAttempts(next, item); max > 0 && item.Attempts >= max {
					next.Dead = append(next.Dead, item)
					effects = append(effects, event.Emit(event.New(event.KindQueueItemDead, item.ID, map[string]any{"queue": q.Name, "reason": "visibility timeout", "claim_id": id}, now)))
				} else {
					next.Pending = append(next.Pending, item)
					effects = append(effects, event.Emit(event.New(event.KindQueueItemReleased, item.ID, map[string]any{"queue": q.Name, "reason": "visibility timeout", "attempts": item.Attempts, "claim_id": id}, now)))
				}
			}
		}
		sortPending(next.Pending)
	}

	return next, effects
}

func cloneQueue(q Queue) Queue {
	out := Queue{
		Name:        q.Name,
		MaxAttempts: q.MaxAttempts,
		DefaultTTL:  q.DefaultTTL,
		Pending:     append([]Item(nil), q.Pending...),
		Dead:        append([]Item(nil), q.Dead...),
		Claims:      make(map[string]Claim, len(q.Claims)),
	}
	for k, v := range q.Claims {
		out.Claims[k] = v
	}
	return out
}

func (q Queue) Depth() int { return len(q.Pending) }
func (q Queue) InFlight() int { return len(q.Claims) }
