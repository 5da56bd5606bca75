package keycode

import (
	"github.com/fenwick-labs/nexuscore/crypto"
)

// fakeCollaborators is a minimal, recording stand-in for the host
// collaborators PRO and SmallEngine depend on.
type fakeCollaborators struct {
	key crypto.CheckKey

	credit       uint32
	unlocked     bool
	state        PAYGState
	userFacingID uint32

	feedback                       []Feedback
	customEvents                   []string
	creditAddCalls, creditSetCalls int
	passthroughs                   [][]byte
	passthroughResult              PassthroughResult
}

func (f *fakeCollaborators) DeviceKey() crypto.CheckKey   { return f.key }
func (f *fakeCollaborators) UserFacingID() uint32         { return f.userFacingID }
func (f *fakeCollaborators) PAYGState() PAYGState         { return f.state }
func (f *fakeCollaborators) CreditAdd(seconds uint32) bool {
	f.creditAddCalls++
	f.credit += seconds
	return true
}
func (f *fakeCollaborators) CreditSet(seconds uint32) bool {
	f.creditSetCalls++
	f.credit = seconds
	return true
}
func (f *fakeCollaborators) CreditUnlock() bool {
	f.unlocked = true
	f.state = PAYGUnlocked
	return true
}
func (f *fakeCollaborators) Feedback(fb Feedback) { f.feedback = append(f.feedback, fb) }
func (f *fakeCollaborators) NotifyCustomFlagChanged(flag string, value bool) {
	f.customEvents = append(f.customEvents, flag)
}
func (f *fakeCollaborators) PassthroughKeycode(body []byte) PassthroughResult {
	f.passthroughs = append(f.passthroughs, append([]byte(nil), body...))
	return f.passthroughResult
}

func newFakeCollaborators() *fakeCollaborators {
	return &fakeCollaborators{}
}

// buildValidFullADD constructs a syntactically valid 14-digit ADD
// activation frame for the given collaborators' device key, using
// PRO's own check computation so the pair is internally consistent
// (round-trip test, not a fixed external vector), then applies the
// PRNG scramble over the non-check digits the way a real transmitter
// would.
func buildValidFullADD(key crypto.CheckKey, id uint32, hours uint32) []byte {
	body := hours
	mac := crypto.SipHash24(key, canonicalBytes(id, 0, bodyBytesFromUint32(body)))
	check := uint32(mac.Uint64() % 1_000_000)

	plain := make([]byte, 0, 8)
	plain = append(plain, '0') // type ADD
	plain = append(plain, digitsOf(id%100, 2)...)
	plain = append(plain, digitsOf(body, 5)...)
	for i, d := range plain {
		plain[i] = d - '0'
	}
	scrambled := scrambleFull(plain, check)

	digits := make([]byte, 0, 14)
	for _, d := range scrambled {
		digits = append(digits, d+'0')
	}
	digits = append(digits, digitsOf(check, 6)...)
	return digits
}

// scrambleFull is descrambleFull's inverse, used to build test frames:
// transmitted[i] = (plain[i] + P[i]) mod 10.
func scrambleFull(plain []byte, check uint32) []byte {
	var zeroKey crypto.CheckKey
	seed := []byte{byte(check), byte(check >> 8), byte(check >> 16), byte(check >> 24)}
	out := make([]byte, len(plain))
	for i, d := range plain {
		p := crypto.PRNGByte(zeroKey, seed, i)
		out[i] = byte((int(d) + int(p)%10) % 10)
	}
	return out
}

func digitsOf(v uint32, count int) []byte {
	out := make([]byte, count)
	for i := count - 1; i >= 0; i-- {
		out[i] = byte('0' + v%10)
		v /= 10
	}
	return out
}
