package coap

import (
	"github.com/fenwick-labs/nexuscore/crypto"
)

// AuthOutcome enumerates the result of validating an inbound secured
// request.
type AuthOutcome int

const (
	AuthValid AuthOutcome = iota
	AuthBadMAC
	AuthStaleNonce
	AuthMalformed
	AuthUnsecuredRequired
	AuthSenderNotLinked
	AuthNonceSyncReceived
	AuthNonceResetRequired
)

func (o AuthOutcome) String() string {
	switch o {
	case AuthValid:
		return "valid"
	case AuthBadMAC:
		return "bad_mac"
	case AuthStaleNonce:
		return "stale_nonce"
	case AuthMalformed:
		return "malformed"
	case AuthUnsecuredRequired:
		return "unsecured_required"
	case AuthSenderNotLinked:
		return "sender_not_linked"
	case AuthNonceSyncReceived:
		return "nonce_sync_received"
	case AuthNonceResetRequired:
		return "nonce_reset_required"
	default:
		return "unknown"
	}
}

// SecurityMode distinguishes the three protected-header modes this
// transport speaks.
type SecurityMode uint8

const (
	SecurityModeRequest   SecurityMode = 1
	SecurityModeResponse  SecurityMode = 2
	SecurityModeNonceSync SecurityMode = 3
)

// nonceResetMargin is how close to u32::MAX a peer's nonce may get
// before this side demands a forced reset instead of simply
// incrementing.
const nonceResetMargin = 64

// NonceResetSentinel is the reserved nonce value that means "reset to
// 0 after this exchange"; both sides zero their counters when a
// nonce-sync carrying it completes.
const NonceResetSentinel = ^uint32(0)

// MAC0Envelope is the COSE-MAC0-shaped secured payload carried as a
// CoAP message body with ContentFormatCoseMac0. It is kept as
// a plain struct, not the RFC's generic CBOR array, since this system
// only ever produces and consumes this one fixed shape.
type MAC0Envelope struct {
	Mode    SecurityMode
	Nonce   uint32
	Payload []byte
	Tag     uint64 // full 64-bit SipHash24 MAC over the protected bytes
}

func canonicalMAC0Bytes(mode SecurityMode, nonce uint32, payload []byte) []byte {
	out := make([]byte, 0, 5+len(payload))
	out = append(out, byte(mode))
	out = append(out, byte(nonce>>24), byte(nonce>>16), byte(nonce>>8), byte(nonce))
	out = append(out, payload...)
	return out
}

// Seal builds a MAC0Envelope authenticating payload under key with the
// given mode and nonce.
func Seal(key crypto.CheckKey, mode SecurityMode, nonce uint32, payload []byte) MAC0Envelope {
	tag := crypto.SipHash24(key, canonicalMAC0Bytes(mode, nonce, payload)).Uint64()
	return MAC0Envelope{Mode: mode, Nonce: nonce, Payload: payload, Tag: tag}
}

// Verify checks env's MAC under key, independent of any nonce-window
// bookkeeping (that's NonceTracker's job).
func (env MAC0Envelope) Verify(key crypto.CheckKey) bool {
	want := crypto.SipHash24(key, canonicalMAC0Bytes(env.Mode, env.Nonce, env.Payload)).Uint64()
	return want == env.Tag
}

// Serialize packs the envelope into a fixed binary layout: mode byte,
// 4-byte big-endian nonce, 8-byte big-endian tag, then payload.
func (env MAC0Envelope) Serialize() []byte {
	out := make([]byte, 0, 13+len(env.Payload))
	out = append(out, byte(env.Mode))
	out = append(out, byte(env.Nonce>>24), byte(env.Nonce>>16), byte(env.Nonce>>8), byte(env.Nonce))
	for shift := 56; shift >= 0; shift -= 8 {
		out = append(out, byte(env.Tag>>uint(shift)))
	}
	out = append(out, env.Payload...)
	return out
}

// ParseMAC0Envelope is Serialize's inverse.
func ParseMAC0Envelope(raw []byte) (MAC0Envelope, bool) {
	if len(raw) < 13 {
		return MAC0Envelope{}, false
	}
	mode := SecurityMode(raw[0])
	nonce := uint32(raw[1])<<24 | uint32(raw[2])<<16 | uint32(raw[3])<<8 | uint32(raw[4])
	var tag uint64
	for i := 0; i < 8; i++ {
		tag = tag<<8 | uint64(raw[5+i])
	}
	return MAC0Envelope{Mode: mode, Nonce: nonce, Payload: raw[13:], Tag: tag}, true
}

// NonceTracker enforces the per-link monotonic nonce discipline:
// a request's nonce must exceed the last accepted
// nonce, except that a peer nonce within nonceResetMargin of overflow
// triggers a forced resync rather than an ordinary rejection.
type NonceTracker struct {
	last uint32
	seen bool
}

// NewNonceTracker returns a tracker with no prior accepted nonce.
func NewNonceTracker() *NonceTracker { return &NonceTracker{} }

// Check validates candidate against the tracked state, advancing it on
// acceptance. It never mutates state on an ordinary rejection, so a
// replayed or stale request can be retried with a corrected nonce
// without losing the tracker's position. The NonceResetSentinel is the
// one mutation-on-special-case: it zeroes the tracker (forced
// reset) and reports AuthNonceSyncReceived so the caller knows the
// exchange was a sync, not ordinary traffic.
func (n *NonceTracker) Check(candidate uint32) AuthOutcome {
	if candidate == NonceResetSentinel {
		n.last = 0
		n.seen = false
		return AuthNonceSyncReceived
	}
	if candidate >= NonceResetSentinel-nonceResetMargin {
		// peer's counter is about to wrap; demand an explicit reset
		// exchange rather than letting it overflow into looking "new"
		return AuthNonceResetRequired
	}
	if n.seen && candidate <= n.last {
		return AuthStaleNonce
	}
	n.last = candidate
	n.seen = true
	return AuthValid
}

// Sync moves the tracker to the peer's advertised expected nonce, the
// receive side of a nonce-sync reply, after which the caller resends
// with the updated nonce. The sentinel zeroes the tracker instead.
func (n *NonceTracker) Sync(expected uint32) {
	if expected == NonceResetSentinel || expected == 0 {
		n.last = 0
		n.seen = false
		return
	}
	n.last = expected - 1
	n.seen = true
}

// Last returns the most recently accepted nonce (0 if none yet), the
// value a link persists as its security_data nonce.
func (n *NonceTracker) Last() uint32 {
	if !n.seen {
		return 0
	}
	return n.last
}

// NextNonce returns the value this side should stamp on its next
// outbound request. Once the counter is within nonceResetMargin of
// wrapping it returns NonceResetSentinel, forcing the reset exchange.
func (n *NonceTracker) NextNonce() uint32 {
	if !n.seen {
		return 1
	}
	if n.last >= NonceResetSentinel-nonceResetMargin-1 {
		return NonceResetSentinel
	}
	return n.last + 1
}

// ResetRequired reports whether this side's own counter has drifted
// close enough to wrapping that its next send must be the sentinel.
func (n *NonceTracker) ResetRequired() bool {
	return n.seen && n.last >= NonceResetSentinel-nonceResetMargin-1
}

// AuthenticateRequest validates an inbound secured CoAP message: it
// must carry ContentFormatCoseMac0, parse as a MAC0Envelope, verify
// under key, and pass the nonce tracker. On success it
// returns the envelope's plaintext payload.
func AuthenticateRequest(msg *Message, key crypto.CheckKey, tracker *NonceTracker) ([]byte, AuthOutcome) {
	if !msg.HasContentFormat() || msg.ContentFormat != ContentFormatCoseMac0 {
		return nil, AuthUnsecuredRequired
	}
	env, ok := ParseMAC0Envelope(msg.Payload())
	if !ok || env.Mode != SecurityModeRequest {
		return nil, AuthMalformed
	}
	if !env.Verify(key) {
		return nil, AuthBadMAC
	}
	switch outcome := tracker.Check(env.Nonce); outcome {
	case AuthValid:
		return env.Payload, AuthValid
	case AuthNonceSyncReceived:
		// the sentinel request IS the reset exchange; its payload is
		// still authenticated and processed, both counters now zeroed
		return env.Payload, AuthNonceSyncReceived
	default:
		return nil, outcome
	}
}

// SealResponse wraps payload as a mode-2 secured response carrying the
// request's echoed nonce, the authenticated-reply pattern used to let a
// requester detect a replayed or forged acknowledgement.
func SealResponse(key crypto.CheckKey, requestNonce uint32, payload []byte) MAC0Envelope {
	return Seal(key, SecurityModeResponse, requestNonce, payload)
}

// SealNonceSync builds the nonce-sync message a receiver replies with
// after rejecting a request for a stale or near-wrap nonce:
// the envelope's nonce field carries the receiver's expected next
// nonce (or the reset sentinel), authenticated under the link key so a
// third party can't desynchronize the pair.
func SealNonceSync(key crypto.CheckKey, expected uint32) MAC0Envelope {
	return Seal(key, SecurityModeNonceSync, expected, nil)
}

// ParseNonceSync validates raw as a nonce-sync envelope under key and
// returns the expected nonce it advertises.
func ParseNonceSync(key crypto.CheckKey, raw []byte) (expected uint32, ok bool) {
	env, ok := ParseMAC0Envelope(raw)
	if !ok || env.Mode != SecurityModeNonceSync || len(env.Payload) != 0 {
		return 0, false
	}
	if !env.Verify(key) {
		return 0, false
	}
	return env.Nonce, true
}
