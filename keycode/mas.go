// Package keycode implements the inbound keycode pipeline: message
// assembly (frame detection, rate limiting) and the protocol engine
// (parse, authenticate, and apply both wire encodings against the
// shared replay window).
package keycode

import (
	"errors"

	"github.com/fenwick-labs/nexuscore/bitio"
)

// MaxMessageLength bounds a single frame's buffered symbols, sized to
// the longest accepted passthrough keycode.
const MaxMessageLength = 30

// Feedback is the local, synchronous UI hint MAS and PRO emit as
// symbols are pushed and frames are applied.
type Feedback int

const (
	FeedbackNone Feedback = iota
	FeedbackKeyAccepted
	FeedbackKeyRejected
	FeedbackMessageValid
	FeedbackMessageInvalid
	FeedbackMessageApplied
)

func (f Feedback) String() string {
	switch f {
	case FeedbackKeyAccepted:
		return "KeyAccepted"
	case FeedbackKeyRejected:
		return "KeyRejected"
	case FeedbackMessageValid:
		return "MessageValid"
	case FeedbackMessageInvalid:
		return "MessageInvalid"
	case FeedbackMessageApplied:
		return "MessageApplied"
	default:
		return "None"
	}
}

// masState is MAS's bookend frame-assembly state.
type masState int

const (
	stateIdle masState = iota
	stateAwaitingStart
	stateReceiving
	stateFinalizing
)

// BookendConfig configures the start/end/alphabet framing scheme a
// product selects at init time.
type BookendConfig struct {
	StartChar  byte
	EndChar    byte // 0 means "no end char" (small-pad framing)
	HasEndChar bool
	Alphabet   []byte
	StopLength int // frame length when HasEndChar is false

	RateLimitMax       int // 0 disables rate limiting
	RateLimitInitial   int
	RefillSecPerAttempt int // must be >= 1 when rate limiting is enabled
	EntryTimeoutS      int
}

// Valid reports whether c is a syntactically usable configuration:
// range-check what is set, reject what cannot work.
func (c BookendConfig) Valid() error {
	if c.HasEndChar {
		if c.EndChar == c.StartChar {
			return errors.New("keycode: end char must differ from start char")
		}
	} else if c.StopLength <= 0 || c.StopLength > MaxMessageLength {
		return errors.New("keycode: stop length out of range")
	}
	if c.RateLimitMax > 0 && c.RefillSecPerAttempt < 1 {
		return errors.New("keycode: refill_sec_per_attempt must be >= 1 when rate limiting is enabled")
	}
	if c.RateLimitInitial > c.RateLimitMax {
		return errors.New("keycode: initial grace count exceeds bucket max")
	}
	return nil
}

func (c BookendConfig) inAlphabet(b byte) bool {
	for _, a := range c.Alphabet {
		if a == b {
			return true
		}
	}
	return false
}

// FrameHandler receives a completed frame's raw symbols.
type FrameHandler func(frame []byte)

// MAS assembles a stream of single-symbol key presses into complete
// frames, gated by a token-bucket rate limiter measured in seconds.
type MAS struct {
	cfg     BookendConfig
	state   masState
	buffer  []byte
	handler FrameHandler

	lastPushUptime uint32
	haveLastPush   bool

	bucketSeconds  int
	graceKeycodes  int
}

// NewMAS constructs a MAS state machine; the rate-limit bucket starts
// at RateLimitInitial * RefillSecPerAttempt seconds, which is below its
// RateLimitMax * RefillSecPerAttempt capacity whenever RateLimitInitial
// is less than RateLimitMax.
func NewMAS(cfg BookendConfig, handler FrameHandler) (*MAS, error) {
	if err := cfg.Valid(); err != nil {
		return nil, err
	}
	m := &MAS{cfg: cfg, handler: handler}
	m.bucketSeconds = cfg.RateLimitInitial * cfg.RefillSecPerAttempt
	m.graceKeycodes = cfg.RateLimitInitial
	return m, nil
}

// Reset returns MAS to Idle with an empty buffer, without touching the
// rate-limit bucket.
func (m *MAS) Reset() {
	m.state = stateIdle
	m.buffer = m.buffer[:0]
}

// Receiving reports whether a frame is currently being assembled, so
// the process loop knows the entry timeout is armed.
func (m *MAS) Receiving() bool {
	return m.state != stateIdle
}

// RateLimited reports whether the bucket currently blocks new frames.
func (m *MAS) RateLimited() bool {
	if m.cfg.RateLimitMax == 0 {
		return false
	}
	return m.bucketSeconds < m.cfg.RefillSecPerAttempt
}

// AttemptsRemaining returns the number of grace-period keycodes left,
// derived from the bucket level (floor(level/refill) clamped to
// [0, initial]).
func (m *MAS) AttemptsRemaining() int {
	if m.cfg.RateLimitMax == 0 || m.cfg.RefillSecPerAttempt == 0 {
		return 0
	}
	n := m.bucketSeconds / m.cfg.RefillSecPerAttempt
	if n > m.cfg.RateLimitInitial {
		n = m.cfg.RateLimitInitial
	}
	if n < 0 {
		n = 0
	}
	return n
}

// Push feeds one symbol into the frame assembler and returns the local
// feedback to render. uptime is the current monotone uptime in
// seconds, used to drive the inter-key idle timer.
func (m *MAS) Push(symbol byte, uptime uint32) Feedback {
	m.lastPushUptime = uptime
	m.haveLastPush = true

	if m.RateLimited() {
		return FeedbackKeyRejected
	}

	switch m.state {
	case stateIdle:
		if symbol == m.cfg.StartChar {
			m.buffer = m.buffer[:0]
			m.state = stateReceiving
			return FeedbackKeyAccepted
		}
		return FeedbackKeyRejected

	case stateReceiving:
		switch {
		case symbol == m.cfg.StartChar:
			m.buffer = m.buffer[:0]
			return FeedbackKeyAccepted
		case m.cfg.HasEndChar && symbol == m.cfg.EndChar:
			m.completeFrame()
			return FeedbackKeyAccepted
		case m.cfg.inAlphabet(symbol):
			if len(m.buffer) >= MaxMessageLength {
				m.Reset()
				return FeedbackKeyRejected
			}
			m.buffer = append(m.buffer, symbol)
			if !m.cfg.HasEndChar && len(m.buffer) >= m.cfg.StopLength {
				m.completeFrame()
			}
			return FeedbackKeyAccepted
		default:
			return FeedbackKeyRejected
		}

	default:
		return FeedbackKeyRejected
	}
}

func (m *MAS) completeFrame() {
	frame := append([]byte(nil), m.buffer...)
	m.Reset()
	if m.deductBucket() {
		if m.handler != nil {
			m.handler(frame)
		}
	}
}

// deductBucket enforces the rate limit at frame-completion time: a
// frame that arrives once the bucket has dropped below one refill
// increment is silently dropped. Feedback was already emitted as
// KeyAccepted per-symbol; rejection only applies to symbols pushed
// from here on.
func (m *MAS) deductBucket() bool {
	if m.cfg.RateLimitMax == 0 {
		return true
	}
	if m.bucketSeconds < m.cfg.RefillSecPerAttempt {
		return false
	}
	m.bucketSeconds -= m.cfg.RefillSecPerAttempt
	return true
}

// Process advances the idle timer and credits the rate-limit bucket by
// elapsed seconds, returning the remaining grace-period keycode count
// (for NV persistence by the caller) and whether the entry timer fired.
func (m *MAS) Process(elapsed uint32, uptime uint32) (graceKeycodes int, timedOut bool) {
	if m.state != stateIdle && m.haveLastPush {
		if uptime-m.lastPushUptime > uint32(m.cfg.EntryTimeoutS) {
			m.Reset()
			timedOut = true
		}
	}

	if m.cfg.RateLimitMax > 0 {
		capacity := m.cfg.RateLimitMax * m.cfg.RefillSecPerAttempt
		room := capacity - m.bucketSeconds
		credit := int(elapsed)
		if credit > room {
			credit = room
		}
		if credit > 0 {
			m.bucketSeconds += credit
		}
	}

	m.graceKeycodes = m.AttemptsRemaining()
	return m.graceKeycodes, timedOut
}

// masNVPayload is the persisted shape of the MAS block: just
// the rate-limit bucket level in seconds, big-endian.
type masNVPayload struct {
	BucketSeconds uint32
}

func encodeMASBlock(bucketSeconds uint32) []byte {
	s := bitio.NewEmptyBitstream(make([]byte, 4))
	s.PushUint8(byte(bucketSeconds>>24), 8)
	s.PushUint8(byte(bucketSeconds>>16), 8)
	s.PushUint8(byte(bucketSeconds>>8), 8)
	s.PushUint8(byte(bucketSeconds), 8)
	return s.Data()
}

func decodeMASBlock(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	s := bitio.NewBitstream(b, 32)
	hi := uint32(s.PullUint16BE(16))
	lo := uint32(s.PullUint16BE(16))
	return hi<<16 | lo
}

// MarshalNV serializes the bucket level for nvstore.Store.Update.
func (m *MAS) MarshalNV() []byte {
	return encodeMASBlock(uint32(m.bucketSeconds))
}

// UnmarshalNV restores the bucket level read back from nvstore.Store.Read.
func (m *MAS) UnmarshalNV(payload []byte) {
	m.bucketSeconds = int(decodeMASBlock(payload))
	m.graceKeycodes = m.AttemptsRemaining()
}
