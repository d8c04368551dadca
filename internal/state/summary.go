package state

import "github.com/basket/boardsync/internal/model"

// Summary holds the board counters shown in the header.
type Summary struct {
	Tasks         int                      `json:"tasks"`
	ByStatus      map[model.TaskStatus]int `json:"by_status"`
	Blocked       int                      `json:"blocked"`
	InQueue       int                      `json:"in_queue"`
	Agents        int                      `json:"agents"`
	WorkingAgents int                      `json:"working_agents"`
	Events        int                      `json:"events"`
	Pending       int                      `json:"pending"`
	Online        bool                     `json:"online"`
}

// Summary computes the counters from one consistent view of the store.
func (s *Store) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := Summary{
		ByStatus: make(map[model.TaskStatus]int, len(model.TaskStatuses)),
		Events:   s.events.size(),
		Pending:  len(s.pending),
		Online:   s.conn.Online,
	}
	for _, st := range model.TaskStatuses {
		sum.ByStatus[st] = 0
	}
	for _, rec := range s.tables[model.KindTask] {
		t := rec.value.(model.Task)
		sum.Tasks++
		sum.ByStatus[t.Status]++
		if t.Blocked() {
			sum.Blocked++
		}
		if t.Status != model.TaskStatusReview && t.Status != model.TaskStatusDone {
			sum.InQueue++
		}
	}
	for _, rec := range s.tables[model.KindAgent] {
		sum.Agents++
		if rec.value.(model.Agent).Status == model.AgentStatusWorking {
			sum.WorkingAgents++
		}
	}
	return sum
}
