package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/autopilot/pkg/contracts"
)

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	for _, term := range []State{Done, Killed} {
		for _, to := range AllStates() {
			assert.False(t, IsValidTransition(term, to), "%s -> %s", term, to)
		}
	}
}

func TestHoldReachableAndResumable(t *testing.T) {
	for _, s := range AllStates() {
		if IsTerminalState(s) {
			continue
		}
		assert.True(t, IsValidTransition(s, Hold), "%s -> HOLD", s)
		assert.True(t, IsValidTransition(Hold, s), "HOLD -> %s", s)
		assert.True(t, IsValidTransition(s, Killed), "%s -> KILLED", s)
	}
	assert.False(t, IsValidTransition(Hold, Done))
	require.NoError(t, CheckTransition(Hold, Hold))
}

func TestForwardPath(t *testing.T) {
	path := []State{Created, SpecReady, Implementing, Verified, MergeReady, Done}
	for i := 0; i+1 < len(path); i++ {
		require.NoError(t, CheckTransition(path[i], path[i+1]))
	}
	assert.False(t, IsValidTransition(Created, Implementing))
	assert.False(t, IsValidTransition(Implementing, Done))
}

func TestStatePredicates(t *testing.T) {
	assert.True(t, IsTerminalState(Done))
	assert.True(t, IsTerminalState(Killed))
	assert.False(t, IsTerminalState(Hold))

	assert.True(t, IsActiveState(Implementing))
	assert.False(t, IsActiveState(Hold))
	assert.False(t, IsActiveState(Done))
	assert.False(t, IsActiveState(State("BOGUS")))
}

func TestGuards(t *testing.T) {
	require.NoError(t, EnsureNotKilled(Done))
	err := EnsureNotKilled(Killed)
	require.Error(t, err)
	assert.Equal(t, contracts.KindTerminalStateViolation, contracts.KindOf(err))

	err = EnsureNotTerminal(Done)
	assert.Equal(t, contracts.KindTerminalStateViolation, contracts.KindOf(err))
	require.NoError(t, EnsureNotTerminal(Hold))
}

func TestCheckTransition_Errors(t *testing.T) {
	err := CheckTransition(Killed, Implementing)
	assert.Equal(t, contracts.KindTerminalStateViolation, contracts.KindOf(err))

	err = CheckTransition(Created, Done)
	assert.Equal(t, contracts.KindPolicyViolation, contracts.KindOf(err))

	err = CheckTransition("NOPE", Done)
	assert.Equal(t, contracts.KindValidation, contracts.KindOf(err))
}

func TestParseState(t *testing.T) {
	s, err := ParseState(" merge_ready ")
	require.NoError(t, err)
	assert.Equal(t, MergeReady, s)

	_, err = ParseState("shipping")
	assert.Equal(t, contracts.KindValidation, contracts.KindOf(err))
}
