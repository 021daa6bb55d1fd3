package billing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/petcare-engine/billing"
	"github.com/warp/petcare-engine/generic"
)

func TestTransition_Table(t *testing.T) {
	tests := []struct {
		from   billing.NextState
		ev     billing.Event
		to     billing.NextState
		effect billing.Effect
		err    error
	}{
		{billing.NextNone, billing.EventLock, billing.NextPreparingForPayout, billing.EffectNone, nil},
		{billing.NextPreparingForPayout, billing.EventLock, billing.NextPreparingForPayout, billing.EffectNone, generic.ErrBadRequest},

		{billing.NextPreparingForPayout, billing.EventAdvance, billing.NextPayingOut, billing.EffectPrepare, nil},
		{billing.NextPayingOut, billing.EventAdvance, billing.NextUpdateAfterPayout, billing.EffectTransfer, nil},
		{billing.NextUpdateAfterPayout, billing.EventAdvance, billing.NextFinished, billing.EffectFinalize, nil},
		{billing.NextFinished, billing.EventAdvance, billing.NextNone, billing.EffectClose, nil},
		{billing.NextNone, billing.EventAdvance, billing.NextNone, billing.EffectNone, generic.ErrBadRequest},

		{billing.NextPreparingForPayout, billing.EventUnlock, billing.NextNone, billing.EffectRelease, nil},
		{billing.NextPayingOut, billing.EventUnlock, billing.NextNone, billing.EffectRelease, nil},
		{billing.NextUpdateAfterPayout, billing.EventUnlock, billing.NextNone, billing.EffectRelease, nil},
		{billing.NextNone, billing.EventUnlock, billing.NextNone, billing.EffectRelease, nil},
		{billing.NextFinished, billing.EventUnlock, billing.NextFinished, billing.EffectNone, generic.ErrBadRequest},

		{billing.NextNone, billing.Event("pay"), billing.NextNone, billing.EffectNone, generic.ErrBadRequest},
	}

	for _, tt := range tests {
		name := string(tt.ev) + " from " + string(tt.from)
		if tt.from == billing.NextNone {
			name = string(tt.ev) + " from null"
		}
		t.Run(name, func(t *testing.T) {
			to, effect, err := billing.Transition(1, tt.from, tt.ev)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.to, to)
			assert.Equal(t, tt.effect, effect)
		})
	}
}

func TestTransition_UnknownCursor_Irregular(t *testing.T) {
	// GIVEN: A cursor value outside the enumeration
	// WHEN: Any event is applied
	// THEN: A StateError naming the transaction is returned, never BadRequest

	for _, ev := range []billing.Event{billing.EventLock, billing.EventAdvance, billing.EventUnlock} {
		_, _, err := billing.Transition(42, "REFUNDING", ev)

		var se *generic.StateError
		assert.ErrorAs(t, err, &se)
		assert.Equal(t, int64(42), se.TransactionID)
		assert.ErrorIs(t, err, generic.ErrIrregularState)
		assert.NotErrorIs(t, err, generic.ErrBadRequest)
	}
}

func TestTransition_WalkVisitsEveryStateOnce(t *testing.T) {
	state, _, err := billing.Transition(1, billing.NextNone, billing.EventLock)
	assert.NoError(t, err)

	visited := []billing.NextState{state}
	for !billing.Terminal(state) {
		state, _, err = billing.Transition(1, state, billing.EventAdvance)
		assert.NoError(t, err)
		visited = append(visited, state)
	}

	assert.Equal(t, []billing.NextState{
		billing.NextPreparingForPayout,
		billing.NextPayingOut,
		billing.NextUpdateAfterPayout,
		billing.NextFinished,
		billing.NextNone,
	}, visited)
}
