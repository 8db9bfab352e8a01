package domain

import "fmt"

// PointerStatus is the per-shard transfer state machine. Forward transitions
// run CREATED through FINISHED; the error cycle runs ERROR through
// BEING_REPLACED back to CREATED, bounded by the replace limit; MISSING is
// terminal and feeds reconstruction instead of failing the transfer.
type PointerStatus int

const (
	PointerCreated PointerStatus = iota
	PointerBeingTransferred
	PointerTransferred
	PointerFinished
	PointerError
	PointerErrorReported
	PointerBeingReplaced
	PointerMissing
)

var pointerStatusNames = map[PointerStatus]string{
	PointerCreated:          "CREATED",
	PointerBeingTransferred: "BEING_TRANSFERRED",
	PointerTransferred:      "TRANSFERRED",
	PointerFinished:         "FINISHED",
	PointerError:            "ERROR",
	PointerErrorReported:    "ERROR_REPORTED",
	PointerBeingReplaced:    "BEING_REPLACED",
	PointerMissing:          "MISSING",
}

func (s PointerStatus) String() string {
	if name, ok := pointerStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("PointerStatus(%d)", int(s))
}

// Terminal reports whether no further work will ever be issued for a
// pointer in this status.
func (s PointerStatus) Terminal() bool {
	return s == PointerFinished || s == PointerMissing
}

// pointerTransitions is the legal-transition table. Keeping it as data
// rather than scattered comparisons makes the legal set checkable in one
// place (and testable as such).
var pointerTransitions = map[PointerStatus][]PointerStatus{
	PointerCreated:          {PointerBeingTransferred},
	PointerBeingTransferred: {PointerTransferred, PointerError},
	PointerTransferred:      {PointerFinished, PointerError},
	PointerFinished:         {},
	PointerError:            {PointerErrorReported},
	PointerErrorReported:    {PointerBeingReplaced, PointerMissing},
	PointerBeingReplaced:    {PointerCreated, PointerMissing},
	PointerMissing:          {},
}

// CanTransition reports whether from -> to is a legal pointer transition.
func CanTransition(from, to PointerStatus) bool {
	for _, next := range pointerTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ShardPointer - the resolved contact and token information needed to move
// one shard to or from one farmer, plus the shard's transfer bookkeeping.
// Only the transfer scheduler mutates a ShardPointer; workers hand results
// back by value.
type ShardPointer struct {
	Index    int
	Status   PointerStatus
	Farmer   Farmer
	Token    string
	Hash     string
	Offset   int64
	Size     int64
	IsParity bool

	ReplaceCount    int
	TransferredSize int64

	// ResolveCount counts farmer contact/token acquisition attempts for
	// the current pointer slot; Resolving marks one outstanding request.
	ResolveCount int
	Resolving    bool

	// FailedFarmerIDs accumulates every farmer that failed this shard so
	// replacement requests can exclude them.
	FailedFarmerIDs []string

	Report *ExchangeReport
}

// Transition moves the pointer to a new status, or reports the attempted
// illegal transition.
func (p *ShardPointer) Transition(to PointerStatus) error {
	if !CanTransition(p.Status, to) {
		return fmt.Errorf("illegal pointer transition %s -> %s (shard %d)",
			p.Status, to, p.Index)
	}
	p.Status = to
	return nil
}
