// Package channel implements the link-establishment handshake and the
// link table that keeps the per-link symmetric keys, nonce state, and
// operating mode the rest of the system authenticates against.
package channel

import (
	"errors"

	"github.com/fenwick-labs/nexuscore/bitio"
	"github.com/fenwick-labs/nexuscore/crypto"
	"github.com/fxamacker/cbor/v2"
)

// SaltSize is the length of the mode-3 challenge salt.
const SaltSize = 8

// DeviceKeys are the two fixed derivation keys every device on the
// network shares, used to fold a per-handshake challenge and salt into
// a per-link symmetric key via the two-stage KDF. They are not
// the accessory's own long-term symmetric/origin key.
type DeviceKeys struct {
	DK1 crypto.CheckKey
	DK2 crypto.CheckKey
}

// ChallengePayload is the mode-3 create-link challenge, CBOR-encoded
// with the short field names the wire format uses: cD
// (salt || salt_mac, 16 bytes), cM (challenge mode, always 0 for this
// engine), lS (link slot hint).
type ChallengePayload struct {
	CD []byte `cbor:"cD"`
	CM uint8  `cbor:"cM"`
	LS uint8  `cbor:"lS"`
}

// ResponsePayload is the responder's reply: rD, a value derived from
// the challenge that only a holder of the device keys could produce.
type ResponsePayload struct {
	RD []byte `cbor:"rD"`
}

const (
	// ModeCreateLink3 is the only challenge mode this engine speaks; on
	// the wire it is carried as the literal value 0, not its ordinal
	// among originmsg's command types.
	ModeCreateLink3 uint8 = 0

	// Replay window shared by the accessory's handshake-index search
	// on the accessory side, same shape as the other windowed engines.
	windowBelow = 31
	windowAbove = 8

	// SimultaneousHandshakes is how many controller-initiated handshake
	// attempts may be outstanding at once.
	SimultaneousHandshakes = 4

	// AccessoryTimeoutSeconds bounds how long an accessory HS slot stays
	// Active waiting for LM to commit the pending link.
	AccessoryTimeoutSeconds = 300
	// ControllerTimeoutSeconds bounds the whole controller retry loop.
	ControllerTimeoutSeconds = 3600
	// ControllerRetrySeconds is the interval between repeated POSTs.
	ControllerRetrySeconds = 5
)

var (
	ErrBadChallengeMode   = errors.New("channel: unsupported challenge mode")
	ErrBadChallengeLength = errors.New("channel: challenge data has wrong length")
	ErrResponseMismatch   = errors.New("channel: handshake response does not match challenge")
	ErrNoMatchingIndex    = errors.New("channel: no replay-window index matches challenge")
	ErrSlotNotIdle        = errors.New("channel: handshake slot already active")
)

// EncodeChallenge CBOR-encodes a ChallengePayload for transmission as
// a CoAP request body.
func EncodeChallenge(p ChallengePayload) ([]byte, error) {
	return cbor.Marshal(p)
}

// DecodeChallenge is EncodeChallenge's inverse.
func DecodeChallenge(raw []byte) (ChallengePayload, error) {
	var p ChallengePayload
	err := cbor.Unmarshal(raw, &p)
	return p, err
}

// EncodeResponse CBOR-encodes a ResponsePayload.
func EncodeResponse(p ResponsePayload) ([]byte, error) {
	return cbor.Marshal(p)
}

// DecodeResponse is EncodeResponse's inverse.
func DecodeResponse(raw []byte) (ResponsePayload, error) {
	var p ResponsePayload
	err := cbor.Unmarshal(raw, &p)
	return p, err
}

func challengeKDFInput(challenge uint32, salt []byte) []byte {
	out := make([]byte, 0, 4+SaltSize)
	out = append(out, byte(challenge), byte(challenge>>8), byte(challenge>>16), byte(challenge>>24))
	out = append(out, salt...)
	return out
}

// DeriveLinkKey computes the per-link symmetric key from the device's
// two fixed derivation keys, the challenge index, and the salt:
// K = SipHash24(DK2, SipHash24(DK1, challenge_le_u32 ||
// salt)), expanded from the inner hash's 8 bytes to a full 16-byte
// CheckKey by calling the outer hash twice over distinct halves of the
// inner digest.
func DeriveLinkKey(keys DeviceKeys, challenge uint32, salt []byte) crypto.CheckKey {
	inner := crypto.SipHash24(keys.DK1, challengeKDFInput(challenge, salt))

	halfA := crypto.SipHash24(keys.DK2, inner[:4])
	halfB := crypto.SipHash24(keys.DK2, inner[4:])

	var key crypto.CheckKey
	copy(key[:8], halfA[:])
	copy(key[8:], halfB[:])
	return key
}

// saltMAC authenticates the salt under the derived link key:
// salt_mac = SipHash24(K, salt).
func saltMAC(key crypto.CheckKey, salt []byte) crypto.CheckValue {
	return crypto.SipHash24(key, salt)
}

func invertSalt(salt []byte) []byte {
	out := make([]byte, len(salt))
	for i, b := range salt {
		out[i] = ^b
	}
	return out
}

// responseMAC computes rD, the link key MACed
// over the bitwise complement of the salt, so a correct response
// implies the derived link key is also correct without transmitting
// the key itself.
func responseMAC(key crypto.CheckKey, salt []byte) crypto.CheckValue {
	return crypto.SipHash24(key, invertSalt(salt))
}

// BuildChallenge derives the link key for (challenge, salt) and
// returns the wire challenge payload to POST: cD = salt || salt_mac,
// cM = 0.
func BuildChallenge(keys DeviceKeys, challenge uint32, salt []byte, slotHint uint8) (ChallengePayload, crypto.CheckKey, error) {
	if len(salt) != SaltSize {
		return ChallengePayload{}, crypto.CheckKey{}, ErrBadChallengeLength
	}
	key := DeriveLinkKey(keys, challenge, salt)
	mac := saltMAC(key, salt)
	cd := make([]byte, 0, SaltSize+crypto.CheckValueSize)
	cd = append(cd, salt...)
	cd = append(cd, mac[:]...)
	return ChallengePayload{CD: cd, CM: ModeCreateLink3, LS: slotHint}, key, nil
}

// VerifyResponse checks a received response against the link key a
// controller derived when it built the challenge.
func VerifyResponse(key crypto.CheckKey, salt []byte, resp ResponsePayload) error {
	want := responseMAC(key, salt)
	if len(resp.RD) != crypto.CheckValueSize {
		return ErrResponseMismatch
	}
	for i := range want {
		if resp.RD[i] != want[i] {
			return ErrResponseMismatch
		}
	}
	return nil
}

// HSState is a handshake slot's position in the state machine:
// Idle -> Active -> Idle on success, timeout, or error.
type HSState uint8

const (
	HSIdle HSState = iota
	HSActive
)

// ControllerSlot tracks one outstanding controller-initiated handshake
// attempt: the challenge/salt/derived key it is waiting to confirm,
// and the elapsed-time budget against ControllerTimeoutSeconds.
type ControllerSlot struct {
	State            HSState
	Challenge        uint32
	Salt             [SaltSize]byte
	SlotHint         uint8
	LinkKey          crypto.CheckKey
	SecondsSinceInit uint32
	nextRetryAt      uint32
}

// Start arms the slot for a fresh attempt and returns the wire
// challenge to send.
func (s *ControllerSlot) Start(keys DeviceKeys, challenge uint32, salt []byte, slotHint uint8) (ChallengePayload, error) {
	if s.State == HSActive {
		return ChallengePayload{}, ErrSlotNotIdle
	}
	payload, key, err := BuildChallenge(keys, challenge, salt, slotHint)
	if err != nil {
		return ChallengePayload{}, err
	}
	s.State = HSActive
	s.Challenge = challenge
	copy(s.Salt[:], salt)
	s.SlotHint = slotHint
	s.LinkKey = key
	s.SecondsSinceInit = 0
	s.nextRetryAt = ControllerRetrySeconds
	return payload, nil
}

// AdvanceSeconds moves the slot's clock forward. It reports whether a
// retry POST is due now and whether the attempt has timed out; a
// timed-out slot is reset to Idle.
func (s *ControllerSlot) AdvanceSeconds(n uint32) (retryDue, timedOut bool) {
	if s.State != HSActive {
		return false, false
	}
	s.SecondsSinceInit += n
	if s.SecondsSinceInit >= ControllerTimeoutSeconds {
		s.State = HSIdle
		return false, true
	}
	if s.SecondsSinceInit >= s.nextRetryAt {
		s.nextRetryAt += ControllerRetrySeconds
		return true, false
	}
	return false, false
}

// Confirm checks resp against the slot's derived key and, on success,
// returns the link key to persist and returns the slot to Idle.
func (s *ControllerSlot) Confirm(resp ResponsePayload) (crypto.CheckKey, error) {
	if s.State != HSActive {
		return crypto.CheckKey{}, ErrSlotNotIdle
	}
	if err := VerifyResponse(s.LinkKey, s.Salt[:], resp); err != nil {
		return crypto.CheckKey{}, err
	}
	s.State = HSIdle
	return s.LinkKey, nil
}

// AccessoryHandshake is the responder side of link establishment: it
// owns a replay window of handshake indices (mirroring the windowed
// search every other protocol engine here uses) and an Idle/Active
// slot that tracks one pending accessory-initiated link.
type AccessoryHandshake struct {
	keys   DeviceKeys
	window *bitio.Window

	State            HSState
	SecondsSinceInit uint32
}

// NewAccessoryHandshake builds an AccessoryHandshake bound to the
// device's two derivation keys, with a fresh window centered so the
// floor starts at 0.
func NewAccessoryHandshake(keys DeviceKeys) *AccessoryHandshake {
	return &AccessoryHandshake{
		keys:   keys,
		window: bitio.NewWindow(windowBelow, windowAbove, windowBelow, 0),
	}
}

// Respond walks the candidate handshake indices in the replay window,
// looking for one whose derived key authenticates the received
// salt_mac. On a match it marks that index
// used, arms the Active state, and returns the response to send plus
// the link key to queue with LM. On no match or an already-used index
// it returns ErrNoMatchingIndex.
func (a *AccessoryHandshake) Respond(challenge ChallengePayload) (ResponsePayload, crypto.CheckKey, error) {
	if challenge.CM != ModeCreateLink3 {
		return ResponsePayload{}, crypto.CheckKey{}, ErrBadChallengeMode
	}
	if len(challenge.CD) != SaltSize+crypto.CheckValueSize {
		return ResponsePayload{}, crypto.CheckKey{}, ErrBadChallengeLength
	}
	salt := challenge.CD[:SaltSize]
	receivedMAC := challenge.CD[SaltSize:]

	center := a.window.Center()
	lo := int64(center) - windowBelow
	if lo < 0 {
		lo = 0
	}
	hi := int64(center) + windowAbove

	for idx := lo; idx <= hi; idx++ {
		index := uint32(idx)
		if a.window.FlagAlreadySet(index) {
			continue
		}
		key := DeriveLinkKey(a.keys, index, salt)
		mac := saltMAC(key, salt)
		if !macEqual(mac[:], receivedMAC) {
			continue
		}
		a.window.SetIDFlag(index)
		a.State = HSActive
		a.SecondsSinceInit = 0
		resp := responseMAC(key, salt)
		return ResponsePayload{RD: resp[:]}, key, nil
	}
	return ResponsePayload{}, crypto.CheckKey{}, ErrNoMatchingIndex
}

// AdvanceSeconds moves the accessory slot's clock forward, returning
// true and resetting to Idle once AccessoryTimeoutSeconds has elapsed
// without the pending link being committed via Commit.
func (a *AccessoryHandshake) AdvanceSeconds(n uint32) (timedOut bool) {
	if a.State != HSActive {
		return false
	}
	a.SecondsSinceInit += n
	if a.SecondsSinceInit >= AccessoryTimeoutSeconds {
		a.State = HSIdle
		return true
	}
	return false
}

// Commit tells the accessory slot its pending link was persisted by
// LM, returning the slot to Idle.
func (a *AccessoryHandshake) Commit() {
	a.State = HSIdle
}

func macEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
