package keycode

import (
	"github.com/fenwick-labs/nexuscore/bitio"
	"github.com/fenwick-labs/nexuscore/crypto"
)

// Window span shared by every PRO message ID search and replay check:
// 23 slots behind the center, 40 ahead.
const (
	windowBelow = 23
	windowAbove = 40
)

// ApplyOutcome is the result of parsing and applying one complete
// keycode frame.
type ApplyOutcome int

const (
	Invalid ApplyOutcome = iota
	ValidDuplicate
	ValidApplied
	DisplayDeviceID
	OutcomeNone
)

// PAYGState is the product's current credit-enforcement state.
type PAYGState int

const (
	PAYGDisabled PAYGState = iota
	PAYGEnabled
	PAYGUnlocked
)

// WipeTarget enumerates the WIPE body values.
type WipeTarget uint32

const (
	WipeCredit WipeTarget = iota
	WipeCreditAndMask
	WipeMaskOnly
	WipeCustomFlagRestricted
	WipeUARTReadLock
)

const unlockHours = 99999

// PassthroughResult is what the host reports back from a passthrough
// keycode handed to it: None means the host handled it and
// rendered its own feedback.
type PassthroughResult int

const (
	PassthroughNone PassthroughResult = iota
	PassthroughRateLimited
	PassthroughMalformed
	PassthroughUnhandled
)

// Collaborators is the subset of the host-supplied surface PRO
// needs: device identity/keys, credit application, feedback, and the
// passthrough hook for product-specific keycodes.
type Collaborators interface {
	DeviceKey() crypto.CheckKey
	UserFacingID() uint32
	PAYGState() PAYGState
	CreditAdd(seconds uint32) bool
	CreditSet(seconds uint32) bool
	CreditUnlock() bool
	Feedback(Feedback)
	NotifyCustomFlagChanged(flag string, value bool)
	PassthroughKeycode(body []byte) PassthroughResult
}

// PRO is the keycode protocol engine: shared replay window plus the
// small set of lifetime counters and flags the Full encoding's factory
// and maintenance codes touch.
type PRO struct {
	collab Collaborators
	window *bitio.Window

	qcShortCount, qcLongCount       int
	qcShortLifetimeMax, qcLongLifetimeMax int
	customFlagRestricted            bool
	unlocked                        bool
}

// NewPRO constructs PRO with a fresh window centered at the default Pd
// (23) and zeroed counters; call UnmarshalNV immediately
// after if persisted state exists.
func NewPRO(collab Collaborators, qcShortMax, qcLongMax int) *PRO {
	return &PRO{
		collab:             collab,
		window:             bitio.NewWindow(windowBelow, windowAbove, windowBelow, 0),
		qcShortLifetimeMax: qcShortMax,
		qcLongLifetimeMax:  qcLongMax,
	}
}

// canonicalBytes builds the byte sequence the check MAC is computed
// over: the inferred/candidate 32-bit id (little-endian), the type
// byte, and the raw body bytes. The same {id, type, body} recipe the
// origin-message engine authenticates with, applied to keycodes too.
func canonicalBytes(id uint32, typeCode byte, body []byte) []byte {
	out := make([]byte, 0, 5+len(body))
	out = append(out, byte(id), byte(id>>8), byte(id>>16), byte(id>>24))
	out = append(out, typeCode)
	out = append(out, body...)
	return out
}

func bodyBytesFromUint32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// inferMessageID recovers the uncompressed window id from a
// compressed id (modulus 100 for the full encoding's 2-digit field, 64
// for the small encoding's 6-bit field),
// trying every candidate in the current window low-to-high and
// accepting the first whose recomputed check matches.
func inferMessageID(window *bitio.Window, modulus uint32, compressed uint32, checkFn func(candidate uint32) bool) (uint32, bool) {
	center := window.Center()
	lo := int64(center) - windowBelow
	if lo < 0 {
		lo = 0
	}
	hi := int64(center) + windowAbove
	for id := lo; id <= hi; id++ {
		if uint32(id)%modulus != compressed {
			continue
		}
		if checkFn(uint32(id)) {
			return uint32(id), true
		}
	}
	return 0, false
}

// descrambleFull reverses the PRNG scramble applied to every
// non-check digit of a Full-encoding frame: P[i] = prngbyte(FIXED_00,
// check_u32, i), d = (transmitted[i] - P[i]) mod 10. check is the raw,
// unscrambled trailing 6-digit value the scramble is seeded from.
func descrambleFull(transmitted []byte, check uint32) []byte {
	var zeroKey crypto.CheckKey
	seed := []byte{byte(check), byte(check >> 8), byte(check >> 16), byte(check >> 24)}
	plain := make([]byte, len(transmitted))
	for i, t := range transmitted {
		p := crypto.PRNGByte(zeroKey, seed, i)
		plain[i] = byte((int(t) - int(p)%10 + 10) % 10)
	}
	return plain
}

func digitsToUint32Full(digits []byte) uint32 {
	var v uint32
	for _, dg := range digits {
		v = v*10 + uint32(dg)
	}
	return v
}

// ParseAndApplyFull decodes a completed Full-encoding frame (digits,
// start/end already stripped by MAS) and applies it.
func (p *PRO) ParseAndApplyFull(frame []byte) ApplyOutcome {
	if len(frame) < 7 || len(frame) > 30 {
		return Invalid
	}
	allDigits := make([]byte, len(frame))
	for i, c := range frame {
		allDigits[i] = c - '0'
	}

	switch {
	case len(frame) == 14: // activation message: type+id+body+check
		check := digitsToUint32Full(allDigits[8:14])
		plain := descrambleFull(allDigits[:8], check)
		typeCode := plain[0]
		if typeCode > 3 {
			return Invalid
		}
		return p.applyFullActivation(typeCode, plain, check)
	case len(frame) >= 7 && len(frame) <= 13: // factory/passthrough
		// the no-MAC device-id confirmation has no check field to seed
		// the scramble from, so it travels in the clear: a literal 7
		// followed by 8-10 digits of the user-facing id
		if allDigits[0] == 7 && len(frame) >= 9 && len(frame) <= 11 {
			return p.applyDeviceIDConfirmation(digitsToUint32Full(allDigits[1:]))
		}
		bodyLen := len(frame) - 1 - 6
		check := digitsToUint32Full(allDigits[1+bodyLen:])
		plain := descrambleFull(allDigits[:1+bodyLen], check)
		typeCode := plain[0]
		if typeCode < 4 || typeCode > 8 {
			return Invalid
		}
		return p.applyFullFactory(typeCode, plain[1:], check)
	default:
		return Invalid
	}
}

func (p *PRO) applyFullActivation(typeCode uint8, plain []byte, check uint32) ApplyOutcome {
	compressedID := uint32(plain[1])*10 + uint32(plain[2])
	bodyDigits := digitsToUint32Full(plain[3:8])

	key := p.collab.DeviceKey()
	id, ok := inferMessageID(p.window, 100, compressedID, func(candidate uint32) bool {
		mac := crypto.SipHash24(key, canonicalBytes(candidate, typeCode, bodyBytesFromUint32(bodyDigits)))
		return mac.Uint64()%1_000_000 == uint64(check)
	})
	if !ok {
		p.collab.Feedback(FeedbackMessageInvalid)
		return Invalid
	}

	// DEMO (typeCode 3) never persists a mask bit: every DEMO
	// code can be reapplied, so it's excluded from the replay window
	// entirely rather than checked-and-skipped like the others.
	if typeCode != 3 {
		if p.window.FlagAlreadySet(id) {
			p.collab.Feedback(FeedbackMessageValid)
			return ValidDuplicate
		}
		p.window.SetIDFlag(id)
	}

	outcome := p.applyActivationBody(ApplyOutcome(0), typeCode, bodyDigits)
	if outcome == ValidApplied {
		p.collab.Feedback(FeedbackMessageApplied)
	} else {
		p.collab.Feedback(FeedbackMessageValid)
	}
	return outcome
}

func (p *PRO) applyActivationBody(_ ApplyOutcome, typeCode uint8, bodyDigits uint32) ApplyOutcome {
	switch typeCode {
	case 0, 1: // ADD, SET credit (hours)
		if bodyDigits == unlockHours {
			if p.unlocked {
				return ValidDuplicate
			}
			p.unlocked = true
			p.collab.CreditUnlock()
			return ValidApplied
		}
		if p.unlocked || p.collab.PAYGState() == PAYGUnlocked {
			return ValidDuplicate
		}
		seconds := bodyDigits * 3600
		var ok bool
		if typeCode == 0 {
			ok = p.collab.CreditAdd(seconds)
		} else {
			ok = p.collab.CreditSet(seconds)
		}
		if !ok {
			return Invalid
		}
		return ValidApplied

	case 2: // WIPE_STATE
		return p.applyWipe(WipeTarget(bodyDigits))

	case 3: // DEMO: adds minutes*60 seconds, never persists a mask bit
		ok := p.collab.CreditAdd(bodyDigits * 60)
		if !ok {
			return Invalid
		}
		return ValidApplied
	}
	return Invalid
}

func (p *PRO) applyWipe(target WipeTarget) ApplyOutcome {
	switch target {
	case WipeCredit:
		p.collab.CreditSet(0)
	case WipeCreditAndMask:
		p.collab.CreditSet(0)
		p.window.Reset(windowBelow)
	case WipeMaskOnly:
		p.window.Reset(windowBelow)
		p.qcShortCount = 0
		p.qcLongCount = 0
	case WipeCustomFlagRestricted:
		p.customFlagRestricted = false
		p.collab.NotifyCustomFlagChanged("restricted", false)
	case WipeUARTReadLock:
		p.collab.NotifyCustomFlagChanged("ReadLock", true)
	default:
		return Invalid
	}
	return ValidApplied
}

// applyDeviceIDConfirmation matches the transmitted digits against the
// device's user-facing id: a match confirms this is the right device
// (VALID_APPLIED), a mismatch is reported as VALID_DUPLICATE so the
// keypad feedback distinguishes "understood but not me" from garbage.
func (p *PRO) applyDeviceIDConfirmation(claimed uint32) ApplyOutcome {
	if claimed == p.collab.UserFacingID() {
		p.collab.Feedback(FeedbackMessageApplied)
		return ValidApplied
	}
	p.collab.Feedback(FeedbackMessageValid)
	return ValidDuplicate
}

// applyFullFactory handles the 7-13 digit factory/passthrough messages:
// [type:1][body:N][check:6], N = len-7. bodyDigits has already been
// descrambled by ParseAndApplyFull.
func (p *PRO) applyFullFactory(typeCode uint8, bodyDigits []byte, check uint32) ApplyOutcome {
	body := digitsToUint32Full(bodyDigits)

	key := p.collab.DeviceKey()
	mac := crypto.SipHash24(key, canonicalBytes(0, typeCode, bodyBytesFromUint32(body)))
	if mac.Uint64()%1_000_000 != uint64(check) {
		p.collab.Feedback(FeedbackMessageInvalid)
		return Invalid
	}

	switch typeCode {
	case 4: // ALLOW_TEST: fixed grant regardless of lifetime count
		p.collab.CreditAdd(3600)
		p.collab.Feedback(FeedbackMessageApplied)
		return ValidApplied

	case 5: // QC_TEST: minutes in body, short (<=10) vs long counted separately
		minutes := body
		if minutes <= 10 {
			if p.qcShortCount >= p.qcShortLifetimeMax {
				p.collab.Feedback(FeedbackMessageInvalid)
				return Invalid
			}
			p.qcShortCount++
		} else {
			if p.qcLongCount >= p.qcLongLifetimeMax {
				p.collab.Feedback(FeedbackMessageInvalid)
				return Invalid
			}
			p.qcLongCount++
		}
		p.collab.CreditAdd(minutes * 60)
		p.collab.Feedback(FeedbackMessageApplied)
		return ValidApplied

	case 6: // DEVICE_ID_DISPLAY
		p.collab.Feedback(FeedbackMessageValid)
		return DisplayDeviceID

	case 8: // PASSTHROUGH_COMMAND: handed to the host uninterpreted
		if p.collab.PassthroughKeycode(bodyDigits) == PassthroughNone {
			// the host rendered its own feedback
			return OutcomeNone
		}
		p.collab.Feedback(FeedbackMessageInvalid)
		return Invalid
	}
	return Invalid
}

// MarshalNV serializes Pd, the window mask, and the lifetime counters
// (keycode-PRO block).
func (p *PRO) MarshalNV() []byte {
	s := bitio.NewEmptyBitstream(make([]byte, 16))
	pd := p.window.Center()
	s.PushUint8(byte(pd>>24), 8)
	s.PushUint8(byte(pd>>16), 8)
	s.PushUint8(byte(pd>>8), 8)
	s.PushUint8(byte(pd), 8)
	mask := p.window.Mask()
	for i := 56; i >= 0; i -= 8 {
		s.PushUint8(byte(mask>>uint(i)), 8)
	}
	s.PushUint8(byte(p.qcShortCount), 8)
	s.PushUint8(byte(p.qcLongCount), 8)
	var flags uint8
	if p.customFlagRestricted {
		flags |= 0x01
	}
	if p.unlocked {
		flags |= 0x02
	}
	s.PushUint8(flags, 8)
	s.PushUint8(0, 8) // reserved, pads block to 16 bytes
	return s.Data()
}

// UnmarshalNV restores state from a block previously produced by
// MarshalNV.
func (p *PRO) UnmarshalNV(payload []byte) {
	if len(payload) < 16 {
		return
	}
	s := bitio.NewBitstream(payload, len(payload)*8)
	pd := uint32(s.PullUint16BE(16))<<16 | uint32(s.PullUint16BE(16))
	var mask uint64
	for i := 0; i < 8; i++ {
		mask = mask<<8 | uint64(s.PullUint8(8))
	}
	p.window = bitio.NewWindow(windowBelow, windowAbove, pd, mask)
	p.qcShortCount = int(s.PullUint8(8))
	p.qcLongCount = int(s.PullUint8(8))
	flags := s.PullUint8(8)
	p.customFlagRestricted = flags&0x01 != 0
	p.unlocked = flags&0x02 != 0
}
