package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFindFreeBase_NoOccupied(t *testing.T) {
	assert.Equal(t, 41820, findFreeBase(nil, 4, 41820))
}

func TestFindFreeBase_SkipsOverlap(t *testing.T) {
	occupied := []portRange{{Base: 41820, Stride: 4}}
	assert.Equal(t, 41824, findFreeBase(occupied, 4, 41820))
}

func TestFindFreeBase_FillsGapBetweenRanges(t *testing.T) {
	occupied := []portRange{
		{Base: 41820, Stride: 4},
		{Base: 41830, Stride: 4},
	}
	// a stride-4 session fits exactly in [41824,41828) before the next block
	assert.Equal(t, 41824, findFreeBase(occupied, 4, 41820))
}

func TestFindFreeBase_UnsortedInputStillDeterministic(t *testing.T) {
	occupied := []portRange{
		{Base: 41830, Stride: 4},
		{Base: 41820, Stride: 4},
	}
	assert.Equal(t, 41824, findFreeBase(occupied, 4, 41820))
}

func TestFindFreeBase_ScenarioPortReuseAfterStop(t *testing.T) {
	// Scenario 2: A's base 41820 is freed by stop and reoccupied by B;
	// C, created before B reaches running, gets the next stride.
	occupied := []portRange{{Base: 41820, Stride: 4}} // B only, A already freed
	assert.Equal(t, 41824, findFreeBase(occupied, 4, 41820))
}
