package keycode

import (
	"github.com/fenwick-labs/nexuscore/bitio"
	"github.com/fenwick-labs/nexuscore/crypto"
)

// Small-encoding type codes, the wire 2-bit enum values:
// ADD=0, PASSTHROUGH=1, SET=2, MAINTENANCE_OR_TEST=3.
const (
	smallTypeAdd         = 0
	smallTypePassthrough = 1
	smallTypeSet         = 2
	smallTypeMaintOrTest = 3
)

// Maintenance/test function_id high bit: 1 = maintenance (wipe), 0 = test.
const smallFunctionMaintenanceBit = 0x80

// SmallConfig configures a product's 4-symbol alphabet.
type SmallConfig struct {
	Alphabet [4]byte
}

// symbolValue maps a received symbol to its 2-bit value, or -1.
func (c SmallConfig) symbolValue(b byte) int {
	for i, a := range c.Alphabet {
		if a == b {
			return i
		}
	}
	return -1
}

// ExtendedHandler processes a Small-passthrough frame once its body and
// check have been recovered: body is the deinterleaved 14-bit body and
// typeHint is the frame's 12-bit check. The extended protocol block
// owns its own type-code space; passthrough frames are neither checked
// against nor recorded in PRO's replay window.
type ExtendedHandler func(body uint32, typeHint uint32) ApplyOutcome

// SmallEngine parses and applies the Small (4-symbol, 14-symbol/28-bit)
// encoding against the same PRO replay window.
type SmallEngine struct {
	pro      *PRO
	cfg      SmallConfig
	extended ExtendedHandler
}

// NewSmallEngine builds a Small-encoding parser sharing pro's window
// and collaborators. extended may be nil if the product has no
// extended-passthrough handler registered.
func NewSmallEngine(pro *PRO, cfg SmallConfig, extended ExtendedHandler) *SmallEngine {
	return &SmallEngine{pro: pro, cfg: cfg, extended: extended}
}

// incrementDaysTable maps a SET/ADD increment_id to a day count;
// 255 always means "unlock" regardless of the table's contents.
var incrementDaysTable = [256]uint16{
	0: 1, 1: 2, 2: 3, 3: 5, 4: 7, 5: 14, 6: 30, 7: 60, 8: 90,
}

func incrementDays(id uint8) (days uint16, unlock bool) {
	if id == 255 {
		return 0, true
	}
	return incrementDaysTable[id], false
}

// ParseAndApply decodes a completed 14-symbol Small frame (already
// stripped of its start symbol by MAS) and applies it.
func (s *SmallEngine) ParseAndApply(frame []byte) ApplyOutcome {
	if len(frame) != 14 {
		return Invalid
	}
	packed := make([]byte, 4)
	bits := bitio.NewEmptyBitstream(packed)
	for _, sym := range frame {
		v := s.cfg.symbolValue(sym)
		if v < 0 {
			return Invalid
		}
		bits.PushUint8(uint8(v), 2)
	}

	bits.SetPosition(0)
	typeCode := bits.PullUint8(2)

	if typeCode == smallTypePassthrough {
		body := uint32(bits.PullUint16BE(14))
		check := uint32(bits.PullUint16BE(12))
		return s.applyPassthrough(body, check)
	}

	id6 := uint32(bits.PullUint8(6))
	body := uint32(bits.PullUint8(8))
	check := uint32(bits.PullUint16BE(12))

	key := s.pro.collab.DeviceKey()
	fullID, ok := inferMessageID(s.pro.window, 64, id6, func(candidate uint32) bool {
		mac := crypto.SipHash24(key, canonicalBytes(candidate, typeCode, []byte{byte(body)}))
		return mac.Uint64()&0xFFF == uint64(check)
	})
	if !ok {
		s.pro.collab.Feedback(FeedbackMessageInvalid)
		return Invalid
	}

	alreadySeen := s.pro.window.FlagAlreadySet(fullID)
	s.pro.window.SetIDFlag(fullID)

	if alreadySeen {
		s.pro.collab.Feedback(FeedbackMessageValid)
		return ValidDuplicate
	}

	outcome := s.applyBody(typeCode, uint8(body))
	if outcome == ValidApplied {
		s.pro.collab.Feedback(FeedbackMessageApplied)
	} else {
		s.pro.collab.Feedback(FeedbackMessageValid)
	}
	return outcome
}

func (s *SmallEngine) applyBody(typeCode uint8, body uint8) ApplyOutcome {
	switch typeCode {
	case smallTypeAdd, smallTypeSet:
		days, unlock := incrementDays(body)
		if unlock {
			if s.pro.unlocked {
				return ValidDuplicate
			}
			s.pro.unlocked = true
			s.pro.collab.CreditUnlock()
			return ValidApplied
		}
		if s.pro.unlocked || s.pro.collab.PAYGState() == PAYGUnlocked {
			return ValidDuplicate
		}
		seconds := uint32(days) * 86400
		var ok bool
		if typeCode == smallTypeAdd {
			ok = s.pro.collab.CreditAdd(seconds)
		} else {
			ok = s.pro.collab.CreditSet(seconds)
		}
		if !ok {
			return Invalid
		}
		return ValidApplied

	case smallTypeMaintOrTest:
		functionID := body
		if functionID&smallFunctionMaintenanceBit != 0 {
			switch functionID &^ smallFunctionMaintenanceBit {
			case 0:
				return s.pro.applyWipe(WipeCredit)
			case 1:
				return s.pro.applyWipe(WipeCreditAndMask)
			case 2:
				return s.pro.applyWipe(WipeMaskOnly)
			default:
				return Invalid
			}
		}
		// test function: 0 = short test, 1 = QC test
		switch functionID {
		case 0:
			if s.pro.qcShortCount >= s.pro.qcShortLifetimeMax {
				return Invalid
			}
			s.pro.qcShortCount++
			s.pro.collab.CreditAdd(3600)
			return ValidApplied
		case 1:
			if s.pro.qcLongCount >= s.pro.qcLongLifetimeMax {
				return Invalid
			}
			s.pro.qcLongCount++
			s.pro.collab.CreditAdd(1800)
			return ValidApplied
		default:
			return Invalid
		}
	}
	return Invalid
}

// applyPassthrough recovers the extended protocol's body/type by
// deinterleaving with the PRNG keyed the same way origin-message
// deinterleaving is, then dispatches to the registered
// ExtendedHandler. PRO's replay window is not consulted or updated.
func (s *SmallEngine) applyPassthrough(cipherBody uint32, mac uint32) ApplyOutcome {
	if s.extended == nil {
		return OutcomeNone
	}
	var zeroKey crypto.CheckKey
	seed := []byte{byte(mac), byte(mac >> 8), byte(mac >> 16)}
	prngByte := crypto.PRNGBytes(zeroKey, seed, 2)
	plain := (cipherBody - uint32(prngByte[0])<<8 - uint32(prngByte[1])) & 0x3FFF
	return s.extended(plain, mac)
}
