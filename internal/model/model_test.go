package model

import (
	"testing"
	"time"
)

func TestRevisionCompare(t *testing.T) {
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := map[string]struct {
		a, b Revision
		want int
	}{
		"version older":            {Revision{Version: 4}, Revision{Version: 5}, -1},
		"version newer":            {Revision{Version: 6}, Revision{Version: 5}, 1},
		"version equal":            {Revision{Version: 5}, Revision{Version: 5}, 0},
		"version beats timestamps": {Revision{Version: 6, Modified: t0}, Revision{Version: 5, Modified: t0.Add(time.Hour)}, 1},
		"timestamp fallback":       {Revision{Modified: t0}, Revision{Modified: t0.Add(time.Second)}, -1},
		"mixed falls back to time": {Revision{Version: 9, Modified: t0}, Revision{Modified: t0}, 0},
		"both zero":                {Revision{}, Revision{}, 0},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if got := tt.a.Compare(tt.b); got != tt.want {
				t.Fatalf("Compare = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestApplyPatch_LeavesOtherFields(t *testing.T) {
	task := Task{ID: "t-1", Title: "Ship", Status: TaskStatusBacklog, AssignedAgentID: "nia", Revision: 4}
	got, err := ApplyPatch(task, Patch{"status": "in_progress"})
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	patched := got.(Task)
	if patched.Status != TaskStatusInProgress {
		t.Fatalf("status = %q, want in_progress", patched.Status)
	}
	if patched.AssignedAgentID != "nia" || patched.Title != "Ship" || patched.Revision != 4 {
		t.Fatalf("untouched fields changed: %+v", patched)
	}
	if task.Status != TaskStatusBacklog {
		t.Fatal("ApplyPatch mutated its input")
	}
}

func TestApplyPatch_Rejects(t *testing.T) {
	task := Task{ID: "t-1", Status: TaskStatusBacklog}
	if _, err := ApplyPatch(task, Patch{"id": "t-2"}); err == nil {
		t.Fatal("expected error patching id")
	}
	if _, err := ApplyPatch(task, Patch{"status": "launched"}); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestDecodeList_SkipsInvalid(t *testing.T) {
	data := []byte(`[
		{"id":"a-1","name":"Nia","status":"working"},
		{"id":"","name":"ghost","status":"working"},
		{"id":"a-2","name":"Oto","status":"sleeping"}
	]`)
	got, skipped, err := DecodeList(KindAgent, data)
	if err != nil {
		t.Fatalf("DecodeList: %v", err)
	}
	if len(got) != 1 || got[0].EntityID() != "a-1" {
		t.Fatalf("got %v, want only a-1", got)
	}
	if len(skipped) != 2 {
		t.Fatalf("skipped = %d, want 2", len(skipped))
	}
}

func TestTaskBlocked(t *testing.T) {
	if (Task{Blockers: "  \n"}).Blocked() {
		t.Fatal("whitespace blockers should not count")
	}
	if !(Task{Blockers: "waiting on API key"}).Blocked() {
		t.Fatal("expected blocked")
	}
}
