package bitio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowSetAndCheckWithinSpan(t *testing.T) {
	w := NewWindow(4, 4, 10, 0)

	assert.False(t, w.FlagAlreadySet(10))
	shifted := w.SetIDFlag(10)
	assert.False(t, shifted)
	assert.True(t, w.FlagAlreadySet(10))
	assert.Equal(t, uint32(10), w.Center())
}

func TestWindowCenterNeverDecreases(t *testing.T) {
	// center_index is monotonically non-decreasing across set_id_flag
	w := NewWindow(4, 4, 10, 0)
	require.Equal(t, uint32(10), w.Center())

	w.SetIDFlag(8) // below center: no shift
	assert.Equal(t, uint32(10), w.Center())

	w.SetIDFlag(15) // above center: shifts
	assert.Equal(t, uint32(15), w.Center())

	w.SetIDFlag(12) // below new center again
	assert.Equal(t, uint32(15), w.Center())
}

func TestWindowRejectsReplayBelowFloor(t *testing.T) {
	// an ID below center-below is always "already set" (rejected)
	w := NewWindow(2, 4, 10, 0)
	assert.Equal(t, uint32(8), w.floor())
	assert.True(t, w.FlagAlreadySet(5))

	shifted := w.SetIDFlag(5)
	assert.False(t, shifted)
	assert.Equal(t, uint32(10), w.Center(), "setting a too-old id must not move the center")
}

func TestWindowShiftDiscardsOldBitsAndClearsNewOnes(t *testing.T) {
	w := NewWindow(2, 2, 10, 0)
	w.SetIDFlag(9)
	w.SetIDFlag(10)
	require.True(t, w.FlagAlreadySet(9))
	require.True(t, w.FlagAlreadySet(10))

	w.SetIDFlag(11) // shift by 1

	assert.True(t, w.FlagAlreadySet(10), "previously-set id still below the new center stays set")
	assert.True(t, w.FlagAlreadySet(11))
	assert.False(t, w.FlagAlreadySet(12), "newly exposed high id must start unset")
	assert.True(t, w.FlagAlreadySet(8), "id that fell below the new floor is considered already seen")
}

func TestWindowOutOfRangeAboveIsNotAlreadySet(t *testing.T) {
	w := NewWindow(2, 2, 10, 0)
	assert.False(t, w.FlagAlreadySet(20))
	assert.False(t, w.IDWithinWindow(20))
}

func TestWindowReset(t *testing.T) {
	w := NewWindow(2, 2, 10, 0)
	w.SetIDFlag(10)
	w.Reset(100)
	assert.Equal(t, uint32(100), w.Center())
	assert.False(t, w.FlagAlreadySet(100))
}

func TestNewWindowPanicsOnOversizedSpan(t *testing.T) {
	assert.Panics(t, func() { NewWindow(40, 30, 0, 0) })
}
