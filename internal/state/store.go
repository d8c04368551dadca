// Package state holds the client-side mirror of server-owned board entities.
//
// Store is the single point of serialization: every producer (push stream,
// poll loops, optimistic mutations, connectivity probe) proposes merges to it
// and every consumer reads consistent snapshots from it. All mutating
// operations take one mutex, so no reader ever observes a half-applied merge.
package state

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/boardsync/internal/bus"
	"github.com/basket/boardsync/internal/model"
	"github.com/basket/boardsync/internal/otel"
)

const defaultEventCap = 200

// MergeOutcome reports what an Upsert did.
type MergeOutcome string

const (
	OutcomeInserted  MergeOutcome = "inserted"
	OutcomeReplaced  MergeOutcome = "replaced"
	OutcomeUnchanged MergeOutcome = "unchanged" // accepted, value identical
	OutcomeStale     MergeOutcome = "stale"     // rejected, older revision
	OutcomeDuplicate MergeOutcome = "duplicate" // event id already recorded
)

// Changed reports whether observable state changed.
func (o MergeOutcome) Changed() bool {
	return o == OutcomeInserted || o == OutcomeReplaced
}

// ConnectionState is the process-wide connectivity flag.
type ConnectionState struct {
	Online        bool
	Known         bool // false until the first probe or stream sample
	LastCheckedAt time.Time
}

// Options configures a Store.
type Options struct {
	// EventCap bounds the recent-event history. Zero means 200.
	EventCap int
	Bus      *bus.Bus
	Logger   *slog.Logger
	Metrics  *otel.Metrics
}

type record struct {
	value model.Entity
	seq   uint64 // store sequence of the last accepted merge for this id
}

type entityKey struct {
	kind model.Kind
	id   string
}

// Store is the canonical in-memory mirror. The zero value is not usable;
// construct with New.
type Store struct {
	mu sync.RWMutex

	seq     uint64
	tables  map[model.Kind]map[string]*record
	events  *eventRing
	pending map[entityKey]*optimisticEntry
	tokens  map[Token]*optimisticEntry
	conn    ConnectionState

	// removal seq per deleted id; stops a poll fetched before the removal
	// from bringing the entity back
	tombstones map[entityKey]uint64

	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics
}

// New creates an empty Store.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	capacity := opts.EventCap
	if capacity <= 0 {
		capacity = defaultEventCap
	}
	return &Store{
		tables: map[model.Kind]map[string]*record{
			model.KindTask:  {},
			model.KindAgent: {},
		},
		events:  newEventRing(capacity),
		pending:    map[entityKey]*optimisticEntry{},
		tokens:     map[Token]*optimisticEntry{},
		tombstones: map[entityKey]uint64{},
		bus:        opts.Bus,
		logger:     logger.With("component", "store"),
		metrics:    opts.Metrics,
	}
}

// Seq returns the current merge sequence. It increases on every accepted merge.
func (s *Store) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// Upsert merges an entity using last-writer-wins on revisionHint. An existing
// value is replaced only when the hint is not older than its revision; ties
// prefer the incoming value.
func (s *Store) Upsert(kind model.Kind, e model.Entity, revisionHint model.Revision) (MergeOutcome, error) {
	if err := checkEntity(kind, e); err != nil {
		return "", err
	}
	s.mu.Lock()
	outcome, change := s.upsertLocked(kind, e, revisionHint)
	s.mu.Unlock()

	s.metrics.RecordMerge(context.Background(), string(kind), string(outcome))
	s.notify(change)
	return outcome, nil
}

func (s *Store) upsertLocked(kind model.Kind, e model.Entity, hint model.Revision) (MergeOutcome, *bus.StoreChanged) {
	id := e.EntityID()
	if kind == model.KindEvent {
		if s.events.has(id) {
			return OutcomeDuplicate, nil
		}
		if !s.events.add(e.(model.Event)) {
			return OutcomeStale, nil
		}
		s.seq++
		return OutcomeInserted, s.change(kind, id, bus.OpInserted)
	}

	table := s.tables[kind]
	rec, exists := table[id]

	if entry, inFlight := s.pending[entityKey{kind, id}]; inFlight {
		// The accepted server value becomes the rollback target and the
		// speculative patch is re-applied on top of it.
		if hint.OlderThan(entry.prior.Rev()) {
			return OutcomeStale, nil
		}
		entry.prior = e
		visible := e
		if patched, err := model.ApplyPatch(e, entry.patch); err == nil {
			visible = patched
		} else {
			s.logger.Debug("patch no longer applies on rebased value", "kind", kind, "id", id, "error", err)
		}
		s.seq++
		rec.seq = s.seq
		if sameEntity(rec.value, visible) {
			return OutcomeUnchanged, nil
		}
		rec.value = visible
		return OutcomeReplaced, s.change(kind, id, bus.OpReplaced)
	}

	if !exists {
		delete(s.tombstones, entityKey{kind, id})
		s.seq++
		table[id] = &record{value: e, seq: s.seq}
		return OutcomeInserted, s.change(kind, id, bus.OpInserted)
	}
	if hint.OlderThan(rec.value.Rev()) {
		return OutcomeStale, nil
	}
	s.seq++
	rec.seq = s.seq
	if sameEntity(rec.value, e) {
		return OutcomeUnchanged, nil
	}
	rec.value = e
	return OutcomeReplaced, s.change(kind, id, bus.OpReplaced)
}

// Remove deletes an entity. Removing an absent id is a no-op. An in-flight
// optimistic entry for the entity is discarded; its later resolution reports
// UnknownTokenError.
func (s *Store) Remove(kind model.Kind, id string) bool {
	s.mu.Lock()
	change := s.removeLocked(kind, id)
	s.mu.Unlock()
	s.notify(change)
	return change != nil
}

func (s *Store) removeLocked(kind model.Kind, id string) *bus.StoreChanged {
	if kind == model.KindEvent {
		if !s.events.remove(id) {
			return nil
		}
		s.seq++
		return s.change(kind, id, bus.OpRemoved)
	}
	table, ok := s.tables[kind]
	if !ok {
		return nil
	}
	if _, exists := table[id]; !exists {
		return nil
	}
	if entry, inFlight := s.pending[entityKey{kind, id}]; inFlight {
		s.resolveLocked(entry)
	}
	delete(table, id)
	s.seq++
	s.tombstones[entityKey{kind, id}] = s.seq
	return s.change(kind, id, bus.OpRemoved)
}

// ReconcileResult summarizes a full-collection merge.
type ReconcileResult struct {
	Changed int
	Stale   int
	Removed int
}

// Reconcile merges a complete fetched collection in one atomic step. For
// tasks and agents the collection is authoritative for existence: stored
// entities missing from it are removed, except those merged after since (a
// Seq value taken before the fetch started) and those with an optimistic
// mutation in flight. Likewise, an absent entity removed after since is not
// re-inserted from the fetched collection. Events are only merged, never
// removed.
func (s *Store) Reconcile(kind model.Kind, items []model.Entity, since uint64) (ReconcileResult, error) {
	for _, e := range items {
		if err := checkEntity(kind, e); err != nil {
			return ReconcileResult{}, err
		}
	}

	var (
		res      ReconcileResult
		changes  []*bus.StoreChanged
		outcomes = make([]MergeOutcome, 0, len(items))
	)
	s.mu.Lock()
	seen := make(map[string]struct{}, len(items))
	for _, e := range items {
		id := e.EntityID()
		seen[id] = struct{}{}
		if s.removedSince(kind, id, since) {
			outcomes = append(outcomes, OutcomeStale)
			res.Stale++
			continue
		}
		outcome, change := s.upsertLocked(kind, e, e.Rev())
		outcomes = append(outcomes, outcome)
		if outcome == OutcomeStale {
			res.Stale++
		}
		if change != nil {
			res.Changed++
			changes = append(changes, change)
		}
	}
	if kind != model.KindEvent {
		for id, rec := range s.tables[kind] {
			if _, ok := seen[id]; ok {
				continue
			}
			if rec.seq > since {
				continue
			}
			if _, inFlight := s.pending[entityKey{kind, id}]; inFlight {
				continue
			}
			if change := s.removeLocked(kind, id); change != nil {
				res.Removed++
				changes = append(changes, change)
			}
		}
		// Polls of one kind run one at a time, so the next since is at least
		// the current seq and older tombstones can no longer match.
		for key, removedAt := range s.tombstones {
			if key.kind == kind && removedAt <= since {
				delete(s.tombstones, key)
			}
		}
	}
	s.mu.Unlock()

	for _, outcome := range outcomes {
		s.metrics.RecordMerge(context.Background(), string(kind), string(outcome))
	}
	for _, c := range changes {
		s.notify(c)
	}
	return res, nil
}

func (s *Store) removedSince(kind model.Kind, id string, since uint64) bool {
	if kind == model.KindEvent {
		return false
	}
	if _, exists := s.tables[kind][id]; exists {
		return false
	}
	removedAt, ok := s.tombstones[entityKey{kind, id}]
	return ok && removedAt > since
}

// Get returns the visible value of one entity.
func (s *Store) Get(kind model.Kind, id string) (model.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if kind == model.KindEvent {
		ev, ok := s.events.get(id)
		if !ok {
			return nil, false
		}
		return ev, true
	}
	rec, ok := s.tables[kind][id]
	if !ok {
		return nil, false
	}
	return rec.value, true
}

// Snapshot returns a point-in-time copy of one kind. Tasks and agents are
// ordered by id; events newest first.
func (s *Store) Snapshot(kind model.Kind) []model.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if kind == model.KindEvent {
		evs := s.events.newestFirst()
		out := make([]model.Entity, len(evs))
		for i, ev := range evs {
			out[i] = ev
		}
		return out
	}
	table := s.tables[kind]
	out := make([]model.Entity, 0, len(table))
	for _, rec := range table {
		out = append(out, rec.value)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID() < out[j].EntityID() })
	return out
}

// Tasks returns a snapshot of all tasks ordered by id.
func (s *Store) Tasks() []model.Task {
	snap := s.Snapshot(model.KindTask)
	out := make([]model.Task, 0, len(snap))
	for _, e := range snap {
		out = append(out, e.(model.Task))
	}
	return out
}

// Agents returns a snapshot of all agents ordered by id.
func (s *Store) Agents() []model.Agent {
	snap := s.Snapshot(model.KindAgent)
	out := make([]model.Agent, 0, len(snap))
	for _, e := range snap {
		out = append(out, e.(model.Agent))
	}
	return out
}

// Events returns the recent event history, newest first.
func (s *Store) Events() []model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events.newestFirst()
}

// Connection returns the current connectivity flag.
func (s *Store) Connection() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// SetConnection records a connectivity decision. It reports whether the
// online flag (or its known-ness) changed; LastCheckedAt is always updated.
func (s *Store) SetConnection(online bool, checkedAt time.Time) bool {
	s.mu.Lock()
	changed := !s.conn.Known || s.conn.Online != online
	s.conn = ConnectionState{Online: online, Known: true, LastCheckedAt: checkedAt}
	s.mu.Unlock()

	if changed && s.bus != nil {
		s.bus.Publish(bus.TopicConnectivity, bus.ConnectivityChanged{Online: online, CheckedAt: checkedAt})
	}
	return changed
}

// TouchConnection updates LastCheckedAt without changing the flag.
func (s *Store) TouchConnection(checkedAt time.Time) {
	s.mu.Lock()
	s.conn.LastCheckedAt = checkedAt
	s.mu.Unlock()
}

func (s *Store) change(kind model.Kind, id string, op bus.ChangeOp) *bus.StoreChanged {
	return &bus.StoreChanged{Kind: string(kind), ID: id, Op: op, Seq: s.seq}
}

func (s *Store) notify(c *bus.StoreChanged) {
	if c == nil || s.bus == nil {
		return
	}
	s.bus.Publish(bus.StoreTopic(c.Kind), *c)
}

func checkEntity(kind model.Kind, e model.Entity) error {
	if e == nil {
		return fmt.Errorf("merge %s: nil entity", kind)
	}
	if e.EntityKind() != kind {
		return fmt.Errorf("merge %s: got %s entity", kind, e.EntityKind())
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("merge %s: %w", kind, err)
	}
	return nil
}

// sameEntity compares two values by their wire encoding.
func sameEntity(a, b model.Entity) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
