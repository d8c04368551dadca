package state

import (
	"sort"

	"github.com/basket/boardsync/internal/model"
)

// eventRing keeps the most recent events ordered by CreatedAt, deduplicated
// by id. Once over capacity the oldest entries are evicted.
type eventRing struct {
	capacity int
	items    []model.Event // oldest first
	index    map[string]struct{}
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{
		capacity: capacity,
		items:    make([]model.Event, 0, capacity),
		index:    make(map[string]struct{}, capacity),
	}
}

func (r *eventRing) has(id string) bool {
	_, ok := r.index[id]
	return ok
}

// add inserts ev in CreatedAt order. It returns false when ev was already
// present, or when the ring is full and ev is older than everything in it.
func (r *eventRing) add(ev model.Event) bool {
	if r.has(ev.ID) {
		return false
	}
	if len(r.items) >= r.capacity && !ev.CreatedAt.After(r.items[0].CreatedAt) {
		return false
	}
	// Insert after any events with an equal timestamp so arrival order breaks ties.
	i := sort.Search(len(r.items), func(i int) bool {
		return r.items[i].CreatedAt.After(ev.CreatedAt)
	})
	r.items = append(r.items, model.Event{})
	copy(r.items[i+1:], r.items[i:])
	r.items[i] = ev
	r.index[ev.ID] = struct{}{}

	for len(r.items) > r.capacity {
		delete(r.index, r.items[0].ID)
		r.items = r.items[1:]
	}
	return true
}

func (r *eventRing) remove(id string) bool {
	if !r.has(id) {
		return false
	}
	for i, ev := range r.items {
		if ev.ID == id {
			r.items = append(r.items[:i], r.items[i+1:]...)
			break
		}
	}
	delete(r.index, id)
	return true
}

func (r *eventRing) get(id string) (model.Event, bool) {
	if !r.has(id) {
		return model.Event{}, false
	}
	for _, ev := range r.items {
		if ev.ID == id {
			return ev, true
		}
	}
	return model.Event{}, false
}

func (r *eventRing) size() int { return len(r.items) }

// newestFirst returns a copy ordered from most to least recent.
func (r *eventRing) newestFirst() []model.Event {
	out := make([]model.Event, len(r.items))
	for i, ev := range r.items {
		out[len(r.items)-1-i] = ev
	}
	return out
}
