package history

import "errors"

var (
	// ErrNoMetadata means the user has no history metadata row; the
	// caller was expected to provision the user first.
	ErrNoMetadata = errors.New("history: no metadata for user")
	// ErrNoHead means the user's chain is empty.
	ErrNoHead = errors.New("history: chain has no head")
	// ErrNoPredecessor means an overwrite named a starting serial whose
	// predecessor entry does not exist.
	ErrNoPredecessor = errors.New("history: no predecessor entry for starting serial")
	// ErrChainBroken means a stored hash no longer matches the
	// recomputed chain.
	ErrChainBroken = errors.New("history: hash chain is broken")
)

// Entry is one immutable link of a user's hash chain. NextID points to
// the chronologically previous entry: the chain links head-to-genesis.
type Entry struct {
	ID          int64
	SerialNum   int64
	HistoryHash string
	Operation   string // canonical operation string, the hash input
	NextID      *int64
	UserID      string
}

// Metadata carries the only mutable pointer in the durable model: the
// current head of a user's chain. HeadID is nil for an empty chain.
type Metadata struct {
	ID     int64
	UserID string
	HeadID *int64
}
