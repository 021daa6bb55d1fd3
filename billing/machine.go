package billing

import (
	"fmt"

	"github.com/warp/petcare-engine/generic"
)

// =============================================================================
// TRANSITION FUNCTION - Pure, no I/O
// =============================================================================

// Event drives the payout state machine.
type Event string

const (
	EventLock    Event = "lock"    // lease acquired on an idle transaction
	EventAdvance Event = "advance" // perform the current step
	EventUnlock  Event = "unlock"  // administrative reset
)

// Effect is the side effect the interpreter must complete successfully
// before persisting the new state.
type Effect string

const (
	EffectNone     Effect = "none"
	EffectPrepare  Effect = "prepare"  // verify account and compute payable amount
	EffectTransfer Effect = "transfer" // reuse or create the external transfer
	EffectFinalize Effect = "finalize" // mark released and paid out, clear lease
	EffectClose    Effect = "close"    // reset cursor to null
	EffectRelease  Effect = "release"  // drop lease or freeze
)

var advance = map[NextState]struct {
	to     NextState
	effect Effect
}{
	NextPreparingForPayout: {NextPayingOut, EffectPrepare},
	NextPayingOut:          {NextUpdateAfterPayout, EffectTransfer},
	NextUpdateAfterPayout:  {NextFinished, EffectFinalize},
	NextFinished:           {NextNone, EffectClose},
}

// Transition returns the state that follows from under ev, and the effect
// that must succeed first. Unknown cursor values are irregular and must go
// to manual review; events invalid for a known state are BadRequest.
func Transition(id TransactionID, from NextState, ev Event) (NextState, Effect, error) {
	if !Known(from) {
		return from, EffectNone, &generic.StateError{TransactionID: int64(id), State: string(from)}
	}

	switch ev {
	case EventLock:
		if from != NextNone {
			return from, EffectNone, notAllowed(id, from, ev)
		}
		return NextPreparingForPayout, EffectNone, nil

	case EventAdvance:
		step, ok := advance[from]
		if !ok {
			return from, EffectNone, notAllowed(id, from, ev)
		}
		return step.to, step.effect, nil

	case EventUnlock:
		if from == NextFinished {
			return from, EffectNone, notAllowed(id, from, ev)
		}
		return NextNone, EffectRelease, nil

	default:
		return from, EffectNone, notAllowed(id, from, ev)
	}
}

// Known reports whether s belongs to the cursor enumeration.
func Known(s NextState) bool {
	switch s {
	case NextNone, NextPreparingForPayout, NextPayingOut, NextUpdateAfterPayout, NextFinished:
		return true
	}
	return false
}

// Terminal reports whether the walk has nothing left to do.
func Terminal(s NextState) bool { return s == NextNone }

func notAllowed(id TransactionID, from NextState, ev Event) error {
	return fmt.Errorf("%w: transaction %d: %s not allowed in payout state %q", generic.ErrBadRequest, id, ev, from)
}
