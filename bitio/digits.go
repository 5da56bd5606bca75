package bitio

import "math"

// UnderrunValue is the sentinel TryPullUint32 returns when there
// aren't enough digits remaining.
const UnderrunValue = math.MaxUint32

// Digits is a zero-copy view over an ASCII decimal string: a length and a
// read cursor, both in digits (not bytes).
type Digits struct {
	chars    string
	position int
	underrun bool
}

// NewDigits wraps an ASCII digit string. Callers are responsible for
// ensuring chars contains only '0'-'9'; Pull* panics on anything else.
func NewDigits(chars string) *Digits {
	return &Digits{chars: chars}
}

// Len returns the total number of digits in the stream.
func (d *Digits) Len() int { return len(d.chars) }

// Position returns the current read cursor, in digits.
func (d *Digits) Position() int { return d.position }

// Remaining returns the number of unread digits.
func (d *Digits) Remaining() int { return len(d.chars) - d.position }

// Underrun reports whether TryPullUint32 has ever failed on this stream.
// The flag is sticky: once set it never clears, so callers can detect the
// first failure even after further successful pulls on remaining digits.
func (d *Digits) Underrun() bool { return d.underrun }

func charsToUint32(chars string) uint32 {
	var value uint32
	for i := 0; i < len(chars); i++ {
		c := chars[i]
		if c < '0' || c > '9' {
			panic("bitio: char not an ASCII digit")
		}
		value = value*10 + uint32(c-'0')
	}
	return value
}

// PullUint32 consumes count digits and returns their decimal value.
// Pulling past the end of the stream is a programmer error (panics).
func (d *Digits) PullUint32(count int) uint32 {
	if d.position+count > len(d.chars) {
		panic("bitio: too many digits pulled")
	}
	v := charsToUint32(d.chars[d.position : d.position+count])
	d.position += count
	return v
}

// TryPullUint32 consumes count digits and returns their decimal value, or
// UnderrunValue if fewer than count digits remain (or the stream is
// already in an underrun state). It sets the sticky underrun flag rather
// than panicking, since running out of transmitted digits is caller data,
// not a programmer error.
func (d *Digits) TryPullUint32(count int) uint32 {
	if d.underrun || d.Remaining() < count {
		d.underrun = true
		return UnderrunValue
	}
	return d.PullUint32(count)
}

// PullUint8 is PullUint32 truncated to a byte, for short fixed-width
// fields (e.g. a 1-digit type code).
func (d *Digits) PullUint8(count int) uint8 { return uint8(d.PullUint32(count)) }

// PullUint16 is PullUint32 truncated to a uint16.
func (d *Digits) PullUint16(count int) uint16 { return uint16(d.PullUint32(count)) }
