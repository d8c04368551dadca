package bus

import "time"

// Store change topics. The full topic is TopicStorePrefix + kind + ".changed",
// e.g. "store.task.changed".
const (
	TopicStorePrefix       = "store."
	TopicConnectivity      = "store.connectivity.changed"
	TopicStreamState       = "stream.state"
	TopicMutationFailed    = "mutation.failed"
	TopicMutationCommitted = "mutation.committed"
)

// StoreTopic returns the change topic for a resource kind.
func StoreTopic(kind string) string {
	return TopicStorePrefix + kind + ".changed"
}

// ChangeOp names what happened to an entity.
type ChangeOp string

const (
	OpInserted   ChangeOp = "inserted"
	OpReplaced   ChangeOp = "replaced"
	OpRemoved    ChangeOp = "removed"
	OpSpeculated ChangeOp = "speculated"
	OpCommitted  ChangeOp = "committed"
	OpRolledBack ChangeOp = "rolled_back"
)

// StoreChanged is published whenever observable mirrored state changed.
type StoreChanged struct {
	Kind string
	ID   string
	Op   ChangeOp
	Seq  uint64 // store merge sequence after the change
}

// ConnectivityChanged is published when the online flag flips.
type ConnectivityChanged struct {
	Online    bool
	CheckedAt time.Time
}

// StreamStateChanged is published on every push-stream state transition.
type StreamStateChanged struct {
	From    string
	To      string
	Attempt int           // consecutive failed attempts so far
	Delay   time.Duration // backoff delay when To is "reconnecting"
}

// MutationFailed is published once per failed optimistic mutation, after rollback.
type MutationFailed struct {
	Kind  string
	ID    string
	Class string
	Err   error
}

// MutationCommitted is published after the server confirmed an optimistic mutation.
type MutationCommitted struct {
	Kind string
	ID   string
}
