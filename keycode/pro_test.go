package keycode

import (
	"testing"

	"github.com/fenwick-labs/nexuscore/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDescrambleFullScenario1 pins a known transmitted activation
// string: descrambling "13777794" under check 160692 recovers
// type=ADD(0), id=16, body=168 hours, the fields the expected
// payg_credit_add(168*3600) call is built from. The MAC check byte
// layout canonicalBytes settles on is verified separately by the
// round-trip tests below rather than against this literal vector; see
// DESIGN.md.
func TestDescrambleFullScenario1(t *testing.T) {
	raw := []byte("13777794")
	transmitted := make([]byte, len(raw))
	for i, c := range raw {
		transmitted[i] = c - '0'
	}
	plain := descrambleFull(transmitted, 160692)
	assert.Equal(t, uint8(0), plain[0], "type digit")
	assert.Equal(t, uint32(16), uint32(plain[1])*10+uint32(plain[2]), "windowed id")
	assert.Equal(t, uint32(168), digitsToUint32Full(plain[3:8]), "body hours")
}

// TestDescrambleFullScenario2 pins a second known transmitted string:
// descrambling "56022601" under check 917455 recovers type=DEMO(3),
// id=15, body=10 minutes.
func TestDescrambleFullScenario2(t *testing.T) {
	raw := []byte("56022601")
	transmitted := make([]byte, len(raw))
	for i, c := range raw {
		transmitted[i] = c - '0'
	}
	plain := descrambleFull(transmitted, 917455)
	assert.Equal(t, uint8(3), plain[0], "type digit")
	assert.Equal(t, uint32(15), uint32(plain[1])*10+uint32(plain[2]), "windowed id")
	assert.Equal(t, uint32(10), digitsToUint32Full(plain[3:8]), "body minutes")
}

func TestPROFullAddCreditAppliesOnce(t *testing.T) {
	collab := newFakeCollaborators()
	collab.state = PAYGEnabled
	pro := NewPRO(collab, 3, 3)

	frame := buildValidFullADD(collab.key, 16, 168)
	require.Len(t, frame, 14)

	outcome := pro.ParseAndApplyFull(frame)
	assert.Equal(t, ValidApplied, outcome)
	assert.Equal(t, uint32(168*3600), collab.credit)

	// replaying the identical frame is a duplicate, no further credit
	second := pro.ParseAndApplyFull(frame)
	assert.Equal(t, ValidDuplicate, second)
	assert.Equal(t, uint32(168*3600), collab.credit)
	assert.Equal(t, 1, collab.creditAddCalls)
}

func TestPROFullRejectsBadCheck(t *testing.T) {
	collab := newFakeCollaborators()
	pro := NewPRO(collab, 3, 3)

	frame := buildValidFullADD(collab.key, 16, 168)
	frame[13] = frame[13] ^ 1 // corrupt last check digit
	if frame[13] < '0' || frame[13] > '9' {
		frame[13] = '0'
	}

	outcome := pro.ParseAndApplyFull(frame)
	assert.Equal(t, Invalid, outcome)
}

func TestPROUnlockViaSpecialHoursValue(t *testing.T) {
	collab := newFakeCollaborators()
	collab.state = PAYGEnabled
	pro := NewPRO(collab, 3, 3)

	frame := buildValidFullADD(collab.key, 5, unlockHours)
	outcome := pro.ParseAndApplyFull(frame)
	assert.Equal(t, ValidApplied, outcome)
	assert.True(t, collab.unlocked)

	// further ADD/SET after unlock are accepted as duplicates, no credit change
	frame2 := buildValidFullADD(collab.key, 6, 100)
	outcome2 := pro.ParseAndApplyFull(frame2)
	assert.Equal(t, ValidDuplicate, outcome2)
	assert.Equal(t, 0, collab.creditAddCalls, "unlock itself does not call CreditAdd")
}

func TestPROWindowCenterMonotonic(t *testing.T) {
	collab := newFakeCollaborators()
	collab.state = PAYGEnabled
	pro := NewPRO(collab, 3, 3)

	before := pro.window.Center()
	pro.ParseAndApplyFull(buildValidFullADD(collab.key, 50, 1))
	after := pro.window.Center()
	assert.GreaterOrEqual(t, after, before)
}

func TestPRONVRoundTrip(t *testing.T) {
	collab := newFakeCollaborators()
	pro := NewPRO(collab, 3, 3)
	pro.ParseAndApplyFull(buildValidFullADD(collab.key, 30, 5))

	blob := pro.MarshalNV()
	require.Len(t, blob, 16)

	pro2 := NewPRO(collab, 3, 3)
	pro2.UnmarshalNV(blob)
	assert.Equal(t, pro.window.Center(), pro2.window.Center())
	assert.Equal(t, pro.window.Mask(), pro2.window.Mask())
}

// buildValidFactory constructs a factory/passthrough frame:
// [type:1][body:N][check:6], scrambled the same way activation frames
// are.
func buildValidFactory(key crypto.CheckKey, typeCode uint8, body uint32, bodyDigitCount int) []byte {
	mac := crypto.SipHash24(key, canonicalBytes(0, typeCode, bodyBytesFromUint32(body)))
	check := uint32(mac.Uint64() % 1_000_000)

	plain := make([]byte, 0, 1+bodyDigitCount)
	plain = append(plain, typeCode)
	for _, d := range digitsOf(body, bodyDigitCount) {
		plain = append(plain, d-'0')
	}
	scrambled := scrambleFull(plain, check)

	digits := make([]byte, 0, 1+bodyDigitCount+6)
	for _, d := range scrambled {
		digits = append(digits, d+'0')
	}
	digits = append(digits, digitsOf(check, 6)...)
	return digits
}

func TestPROFactoryQCTestCountsShortAndLongSeparately(t *testing.T) {
	collab := newFakeCollaborators()
	collab.state = PAYGEnabled
	pro := NewPRO(collab, 1, 1)

	short := buildValidFactory(collab.key, 5, 5, 1) // 5 minutes: short
	assert.Equal(t, ValidApplied, pro.ParseAndApplyFull(short))
	assert.Equal(t, uint32(300), collab.credit)

	// short lifetime cap of 1 is now exhausted
	short2 := buildValidFactory(collab.key, 5, 6, 1)
	assert.Equal(t, Invalid, pro.ParseAndApplyFull(short2))

	// long QC codes count against their own cap
	long := buildValidFactory(collab.key, 5, 30, 5)
	assert.Equal(t, ValidApplied, pro.ParseAndApplyFull(long))
}

func TestPRONoMACDeviceIDConfirmation(t *testing.T) {
	collab := newFakeCollaborators()
	collab.userFacingID = 12345678
	pro := NewPRO(collab, 3, 3)

	// no MAC, no scramble: a literal 7 then the claimed id digits
	assert.Equal(t, ValidApplied, pro.ParseAndApplyFull([]byte("712345678")))
	assert.Equal(t, ValidDuplicate, pro.ParseAndApplyFull([]byte("787654321")))
}

func TestPROPassthroughHandsBodyToHost(t *testing.T) {
	collab := newFakeCollaborators()
	collab.passthroughResult = PassthroughNone
	pro := NewPRO(collab, 3, 3)

	frame := buildValidFactory(collab.key, 8, 54321, 5)
	assert.Equal(t, OutcomeNone, pro.ParseAndApplyFull(frame))
	require.Len(t, collab.passthroughs, 1)
	assert.Empty(t, collab.feedback, "the host renders passthrough feedback itself")

	collab.passthroughResult = PassthroughUnhandled
	frame2 := buildValidFactory(collab.key, 8, 12345, 5)
	assert.Equal(t, Invalid, pro.ParseAndApplyFull(frame2))
	assert.Equal(t, FeedbackMessageInvalid, collab.feedback[len(collab.feedback)-1])
}
