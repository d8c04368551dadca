package state

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/boardsync/internal/bus"
	"github.com/basket/boardsync/internal/model"
	"github.com/basket/boardsync/internal/syncerr"
)

// Token identifies one optimistic mutation. It is opaque to callers.
type Token string

// optimisticEntry is a speculative local change awaiting server confirmation.
// prior is the value restored on rollback; server merges that land while the
// entry is pending replace prior and get the patch re-applied on top.
type optimisticEntry struct {
	token   Token
	key     entityKey
	patch   model.Patch
	prior   model.Entity
	started time.Time
	done    chan struct{}
}

// BeginOptimistic applies patch to the visible value of an existing entity
// and records the previous value for rollback. At most one entry may exist
// per entity; a second call before resolution returns ConflictError.
func (s *Store) BeginOptimistic(kind model.Kind, id string, patch model.Patch) (Token, error) {
	if kind != model.KindTask && kind != model.KindAgent {
		return "", fmt.Errorf("begin optimistic: %s entities are immutable", kind)
	}
	key := entityKey{kind, id}

	s.mu.Lock()
	if _, inFlight := s.pending[key]; inFlight {
		s.mu.Unlock()
		return "", &syncerr.ConflictError{Kind: string(kind), ID: id}
	}
	rec, ok := s.tables[kind][id]
	if !ok {
		s.mu.Unlock()
		return "", &syncerr.NotFoundError{Kind: string(kind), ID: id}
	}
	patched, err := model.ApplyPatch(rec.value, patch)
	if err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("begin optimistic: %w", err)
	}
	entry := &optimisticEntry{
		token:   Token(uuid.NewString()),
		key:     key,
		patch:   patch,
		prior:   rec.value,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	s.pending[key] = entry
	s.tokens[entry.token] = entry
	rec.value = patched
	s.seq++
	rec.seq = s.seq
	change := s.change(kind, id, bus.OpSpeculated)
	s.mu.Unlock()

	s.notify(change)
	return entry.token, nil
}

// CommitOptimistic resolves an entry with the server's canonical value. A nil
// canonical keeps the speculative value. If a newer server value was merged
// while the request was in flight, that value stays visible. A canonical value
// for a different entity is refused and the entry stays pending; the caller
// is expected to roll back. A successful commit always notifies, even when the
// canonical value equals the speculative one, because Pending flips to false.
func (s *Store) CommitOptimistic(token Token, canonical model.Entity) error {
	s.mu.Lock()
	entry, ok := s.tokens[token]
	if !ok {
		s.mu.Unlock()
		return &syncerr.UnknownTokenError{Token: string(token)}
	}
	if canonical != nil {
		if canonical.EntityKind() != entry.key.kind || canonical.EntityID() != entry.key.id {
			s.mu.Unlock()
			return fmt.Errorf("commit %s %s: server returned %s %s",
				entry.key.kind, entry.key.id, canonical.EntityKind(), canonical.EntityID())
		}
		if err := canonical.Validate(); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("commit: %w", err)
		}
	}

	rec := s.tables[entry.key.kind][entry.key.id]
	if canonical != nil {
		if canonical.Rev().OlderThan(entry.prior.Rev()) {
			rec.value = entry.prior
		} else {
			rec.value = canonical
		}
	}
	s.resolveLocked(entry)
	s.seq++
	rec.seq = s.seq
	change := s.change(entry.key.kind, entry.key.id, bus.OpCommitted)
	s.mu.Unlock()

	s.notify(change)
	return nil
}

// RollbackOptimistic restores the value recorded at BeginOptimistic, or the
// newer server value merged since.
func (s *Store) RollbackOptimistic(token Token) error {
	s.mu.Lock()
	entry, ok := s.tokens[token]
	if !ok {
		s.mu.Unlock()
		return &syncerr.UnknownTokenError{Token: string(token)}
	}
	rec := s.tables[entry.key.kind][entry.key.id]
	rec.value = entry.prior
	s.resolveLocked(entry)
	s.seq++
	rec.seq = s.seq
	change := s.change(entry.key.kind, entry.key.id, bus.OpRolledBack)
	s.mu.Unlock()

	s.notify(change)
	return nil
}

// Pending returns the token of the in-flight mutation for an entity, if any.
func (s *Store) Pending(kind model.Kind, id string) (Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.pending[entityKey{kind, id}]
	if !ok {
		return "", false
	}
	return entry.token, true
}

// PendingCount returns the number of unresolved optimistic entries.
func (s *Store) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// AwaitResolution blocks until the entity has no pending optimistic entry or
// ctx is done.
func (s *Store) AwaitResolution(ctx context.Context, kind model.Kind, id string) error {
	for {
		s.mu.RLock()
		entry, ok := s.pending[entityKey{kind, id}]
		s.mu.RUnlock()
		if !ok {
			return nil
		}
		select {
		case <-entry.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Store) resolveLocked(entry *optimisticEntry) {
	delete(s.pending, entry.key)
	delete(s.tokens, entry.token)
	close(entry.done)
	s.logger.Debug("optimistic entry resolved",
		"kind", entry.key.kind, "id", entry.key.id,
		"elapsed", time.Since(entry.started))
}
