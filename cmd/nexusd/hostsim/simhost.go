package hostsim

import (
	"crypto/rand"
	"math/big"
	"sync"

	"github.com/fenwick-labs/nexuscore/crypto"
	"github.com/fenwick-labs/nexuscore/keycode"
	"github.com/fenwick-labs/nexuscore/nexuscore"
	"go.uber.org/zap"
)

// SimHost is the harness's stand-in for the product firmware that
// would otherwise implement nexuscore.HostCollaborators: a PAYG credit
// meter kept in memory, a deterministic device identity, and every
// event/feedback callout logged rather than wired to real hardware.
type SimHost struct {
	mu sync.Mutex

	log *zap.SugaredLogger

	secretKey  crypto.CheckKey
	originKey  crypto.CheckKey
	nexusID    nexuscore.NexusID
	userID     uint32
	uptimeS    uint32
	state      keycode.PAYGState
	creditSecs uint32
}

// NewSimHost builds a SimHost identified by nexusID/userID, drawing
// its two device keys fresh from crypto/rand on every call so repeated
// runs against the same bbolt file don't silently reuse a stale
// identity. The caller cannot fix the keys or their seed.
func NewSimHost(log *zap.SugaredLogger, nexusID nexuscore.NexusID, userID uint32) (*SimHost, error) {
	secret, err := randomCheckKey()
	if err != nil {
		return nil, err
	}
	origin, err := randomCheckKey()
	if err != nil {
		return nil, err
	}
	return &SimHost{
		log:       log,
		secretKey: secret,
		originKey: origin,
		nexusID:   nexusID,
		userID:    userID,
		state:     keycode.PAYGEnabled,
	}, nil
}

func randomCheckKey() (crypto.CheckKey, error) {
	var key crypto.CheckKey
	for i := range key {
		n, err := rand.Int(rand.Reader, big.NewInt(256))
		if err != nil {
			return key, err
		}
		key[i] = byte(n.Int64())
	}
	return key, nil
}

// AdvanceUptime moves the simulated clock forward by secondsElapsed,
// the harness's stand-in for the appliance's wall-clock tick source.
func (h *SimHost) AdvanceUptime(secondsElapsed uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.uptimeS += secondsElapsed
}

// RandomValue implements nexuscore.HostCollaborators.
func (h *SimHost) RandomValue() uint32 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<32))
	if err != nil {
		return 1
	}
	return uint32(n.Int64())
}

// UptimeSeconds implements nexuscore.HostCollaborators.
func (h *SimHost) UptimeSeconds() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.uptimeS
}

// RequestProcessing implements nexuscore.HostCollaborators. The
// harness drives Process from its own scheduling loop rather than a
// hardware interrupt, so this is a log line, not a wakeup signal.
func (h *SimHost) RequestProcessing() {
	h.log.Debug("processing requested")
}

// FeedbackStart implements nexuscore.HostCollaborators.
func (h *SimHost) FeedbackStart(kind keycode.Feedback) {
	h.log.Infow("feedback", "kind", kind.String())
}

// PAYGCreditAdd implements nexuscore.HostCollaborators.
func (h *SimHost) PAYGCreditAdd(seconds uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.creditSecs += seconds
	h.log.Infow("credit added", "seconds", seconds, "total_seconds", h.creditSecs)
	return true
}

// PAYGCreditSet implements nexuscore.HostCollaborators.
func (h *SimHost) PAYGCreditSet(seconds uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.creditSecs = seconds
	h.log.Infow("credit set", "seconds", seconds)
	return true
}

// PAYGCreditUnlock implements nexuscore.HostCollaborators.
func (h *SimHost) PAYGCreditUnlock() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = keycode.PAYGUnlocked
	h.log.Info("unlocked")
	return true
}

// PAYGStateGetCurrent implements nexuscore.HostCollaborators.
func (h *SimHost) PAYGStateGetCurrent() keycode.PAYGState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// SecretKey implements nexuscore.HostCollaborators.
func (h *SimHost) SecretKey() crypto.CheckKey { return h.secretKey }

// SymmetricOriginKey implements nexuscore.HostCollaborators.
func (h *SimHost) SymmetricOriginKey() crypto.CheckKey { return h.originKey }

// NexusID implements nexuscore.HostCollaborators.
func (h *SimHost) NexusID() nexuscore.NexusID { return h.nexusID }

// UserFacingID implements nexuscore.HostCollaborators.
func (h *SimHost) UserFacingID() uint32 { return h.userID }

// PassthroughKeycode implements nexuscore.HostCollaborators. The
// harness has no product-specific passthrough handling; it logs the
// body and reports it unhandled.
func (h *SimHost) PassthroughKeycode(body []byte) keycode.PassthroughResult {
	h.log.Infow("passthrough keycode", "digits", len(body))
	return keycode.PassthroughUnhandled
}

// NetworkSend implements nexuscore.HostCollaborators. The harness has
// no real transport; it logs the outbound datagram as if it had been
// handed to a UDP socket.
func (h *SimHost) NetworkSend(payload []byte, src, dst nexuscore.NexusID, multicast bool) nexuscore.NetworkSendResult {
	h.log.Debugw("network send", "bytes", len(payload), "src", src, "dst", dst, "multicast", multicast)
	return nexuscore.NetworkSendOK
}

// NotifyEvent implements nexuscore.HostCollaborators.
func (h *SimHost) NotifyEvent(evt nexuscore.EventNotification) {
	h.log.Infow("event", "kind", evt.Kind, "flag", evt.Flag, "value", evt.Value)
}
