package bitio

// Window is a fixed-width replay-window bitmap centered on a
// monotonically non-decreasing 32-bit index. It tracks which message IDs
// in [center-below, center+above] have already been observed.
//
// The bitmap is small enough in every configuration this system uses (64
// bits for the keycode protocol's 23-below/40-above window, 40 bits for
// the origin-message engine's 31-below/8-above window) to live in a
// single uint64, position 0 meaning "center - below" and position
// below+above meaning "center + above".
type Window struct {
	below, above uint32
	center       uint32
	mask         uint64
}

// NewWindow constructs a window with the given below/above span, initial
// center, and initial mask bits (position 0 = center-below).
func NewWindow(below, above uint32, center uint32, mask uint64) *Window {
	if below+above >= 64 {
		panic("bitio: window span exceeds 64 bits")
	}
	return &Window{below: below, above: above, center: center, mask: mask}
}

// Center returns the current window center ("Pd").
func (w *Window) Center() uint32 { return w.center }

// Mask returns the raw bitmap, position 0 = center-below, for persistence.
func (w *Window) Mask() uint64 { return w.mask }

func (w *Window) floor() uint32 {
	if w.center < w.below {
		return 0
	}
	return w.center - w.below
}

// IDWithinWindow reports whether id falls in [center-below, center+above].
func (w *Window) IDWithinWindow(id uint32) bool {
	if id < w.floor() {
		return false
	}
	return id <= w.center+w.above
}

// FlagAlreadySet reports whether id's bit is set, or true if id is below
// the window's floor (an ID that old is considered "already seen" and
// can never be replayed).
func (w *Window) FlagAlreadySet(id uint32) bool {
	floor := w.floor()
	if id < floor {
		return true
	}
	if id > w.center+w.above {
		return false
	}
	pos := id - floor
	return w.mask&(1<<pos) != 0
}

// SetIDFlag marks id as seen. If id is above the current center, the
// window slides right so id becomes the new center, discarding bits for
// IDs that fall off the bottom and clearing the newly exposed bits above
// the old center (they were never observed). If id is at or below the
// center (and at or above the floor), only id's bit is set; IDs below the
// floor are no-ops, matching "already seen, cannot be set".
//
// Returns whether a shift occurred, so callers know to persist the new
// center alongside the mask.
func (w *Window) SetIDFlag(id uint32) (shifted bool) {
	if id > w.center {
		shift := id - w.center
		if shift >= 64 {
			w.mask = 0
		} else {
			w.mask >>= shift
		}
		w.center = id
		pos := w.below
		w.mask |= 1 << pos
		return true
	}

	floor := w.floor()
	if id < floor {
		return false
	}
	pos := id - floor
	w.mask |= 1 << pos
	return false
}

// Reset reinitializes the window to a fresh center with an empty mask,
// used by a full credit+mask wipe.
func (w *Window) Reset(center uint32) {
	w.center = center
	w.mask = 0
}
