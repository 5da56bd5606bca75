// Package nexuscore ties the engine packages together behind one
// owning aggregate: a single Core struct built by Init holds every
// engine's state, so there are no package-level singletons and the
// whole library can be stood up, driven, and shut down per instance.
package nexuscore

import (
	"errors"
	"sync"

	"github.com/fenwick-labs/nexuscore/channel"
	"github.com/fenwick-labs/nexuscore/coap"
	"github.com/fenwick-labs/nexuscore/crypto"
	"github.com/fenwick-labs/nexuscore/keycode"
	"github.com/fenwick-labs/nexuscore/nexuscore/log"
	"github.com/fenwick-labs/nexuscore/nvstore"
	"github.com/fenwick-labs/nexuscore/originmsg"
	"github.com/fenwick-labs/nexuscore/sched"
)

// Role selects which side of the channel protocol this device plays.
// Both paths are always compiled; behavior is gated on this field at
// Init instead of on a build tag, so the two sides cannot drift.
type Role uint8

const (
	RoleController Role = iota
	RoleAccessory
	RoleDual
)

// Event is the set of notifications Core reports upward through
// HostCollaborators.NotifyEvent.
type Event uint8

const (
	EventLinkHandshakeStarted Event = iota
	EventLinkHandshakeTimedOut
	EventLinkEstablishedAsController
	EventLinkEstablishedAsAccessory
	EventLinkDeleted
	EventCustomFlagChanged
)

// EventNotification carries an Event plus whatever payload it needs;
// only EventCustomFlagChanged uses Flag/Value.
type EventNotification struct {
	Kind  Event
	Flag  string
	Value bool
}

// ChannelError is the result of a channel-core-facing operation
// (`handle_origin_command`/`network_receive` return type).
type ChannelError int

const (
	ChannelOK ChannelError = iota
	ChannelErrMalformed
	ChannelErrUnauthorized
	ChannelErrUnhandled
)

// NetworkSendResult is the result the host reports back from
// HostCollaborators.NetworkSend.
type NetworkSendResult int

const (
	NetworkSendOK NetworkSendResult = iota
	NetworkSendUnspecified
	NetworkSendActionRejected
)

// NexusID identifies a device on the Nexus network by authority and
// device number, the same pair originmsg.AccessoryRef uses.
type NexusID struct {
	Authority uint16
	Device    uint32
}

func (id NexusID) accessoryRef() originmsg.AccessoryRef {
	return originmsg.AccessoryRef{Authority: id.Authority, Device: id.Device}
}

// HostCollaborators is every call-out the library makes into its
// host. NV storage is handled separately via nvstore.Backend, since
// that seam already exists and is exercised independently of Core.
type HostCollaborators interface {
	RandomValue() uint32
	UptimeSeconds() uint32
	RequestProcessing()
	FeedbackStart(kind keycode.Feedback)
	PAYGCreditAdd(seconds uint32) bool
	PAYGCreditSet(seconds uint32) bool
	PAYGCreditUnlock() bool
	PAYGStateGetCurrent() keycode.PAYGState
	SecretKey() crypto.CheckKey
	SymmetricOriginKey() crypto.CheckKey
	NexusID() NexusID
	UserFacingID() uint32
	PassthroughKeycode(body []byte) keycode.PassthroughResult
	NetworkSend(payload []byte, src, dst NexusID, multicast bool) NetworkSendResult
	NotifyEvent(evt EventNotification)
}

// Config is Core's range-checked startup configuration: unset fields
// get a documented default, out-of-range ones are an error.
type Config struct {
	Role                 Role
	MaxSimultaneousLinks int
	LinkTimeoutSeconds   uint32 // default 7_776_000 (90 days)
	QCShortLifetimeMax   int
	QCLongLifetimeMax    int
	Bookend              keycode.BookendConfig
}

const defaultLinkTimeoutSeconds = channel.DefaultLinkTimeoutSeconds

// Valid range-checks cfg, filling in defaults for zero-valued fields.
func (cfg *Config) Valid() error {
	if cfg == nil {
		return errors.New("nexuscore: nil config")
	}
	if cfg.LinkTimeoutSeconds == 0 {
		cfg.LinkTimeoutSeconds = defaultLinkTimeoutSeconds
	}
	if cfg.MaxSimultaneousLinks == 0 {
		cfg.MaxSimultaneousLinks = channel.MaxLinks
	} else if cfg.MaxSimultaneousLinks < 0 || cfg.MaxSimultaneousLinks > channel.MaxLinks {
		return errors.New("nexuscore: MaxSimultaneousLinks out of [0, channel.MaxLinks]")
	}
	if cfg.QCShortLifetimeMax < 0 || cfg.QCShortLifetimeMax > 15 {
		return errors.New("nexuscore: QCShortLifetimeMax not in [0, 15]")
	}
	if cfg.QCLongLifetimeMax < 0 || cfg.QCLongLifetimeMax > 15 {
		return errors.New("nexuscore: QCLongLifetimeMax not in [0, 15]")
	}
	if !cfg.Bookend.HasEndChar && len(cfg.Bookend.Alphabet) != 4 {
		return errors.New("nexuscore: small-pad framing requires a 4-symbol alphabet")
	}
	return cfg.Bookend.Valid()
}

type queuedKey struct {
	symbol byte
	uptime uint32
}

// Core is the single owning aggregate: every engine's state lives
// here, reachable from the host-facing methods in surface.go.
type Core struct {
	cfg  Config
	host HostCollaborators
	nv   *nvstore.Store
	log  *log.Gate
	mid  uint16

	mas       *keycode.MAS
	pro       *keycode.PRO
	small     *keycode.SmallEngine
	om        *originmsg.Engine
	links     *channel.LinkManager
	handshake *channel.AccessoryHandshake
	hsKeys    channel.DeviceKeys
	registry  *channel.Registry
	sched     *sched.Scheduler

	controllers [channel.SimultaneousHandshakes]channel.ControllerSlot

	// keys pushed from interrupt context wait here until the next
	// process tick drains them; the push path may only enqueue and
	// request processing, nothing else
	keyMu    sync.Mutex
	keyQueue []queuedKey

	customFlags map[string]bool
}

var _ keycode.Collaborators = (*hostAdapter)(nil)

// hostAdapter adapts HostCollaborators to keycode.Collaborators,
// the seam keycode was built against so it compiles and tests
// independently of this package.
type hostAdapter struct {
	host HostCollaborators
}

func (h *hostAdapter) DeviceKey() crypto.CheckKey    { return h.host.SecretKey() }
func (h *hostAdapter) UserFacingID() uint32          { return h.host.UserFacingID() }
func (h *hostAdapter) PAYGState() keycode.PAYGState  { return h.host.PAYGStateGetCurrent() }
func (h *hostAdapter) CreditAdd(seconds uint32) bool { return h.host.PAYGCreditAdd(seconds) }
func (h *hostAdapter) CreditSet(seconds uint32) bool { return h.host.PAYGCreditSet(seconds) }
func (h *hostAdapter) CreditUnlock() bool            { return h.host.PAYGCreditUnlock() }
func (h *hostAdapter) Feedback(f keycode.Feedback)   { h.host.FeedbackStart(f) }
func (h *hostAdapter) PassthroughKeycode(body []byte) keycode.PassthroughResult {
	return h.host.PassthroughKeycode(body)
}
func (h *hostAdapter) NotifyCustomFlagChanged(flag string, value bool) {
	h.host.NotifyEvent(EventNotification{Kind: EventCustomFlagChanged, Flag: flag, Value: value})
}

// Init builds a Core from cfg and host, wiring every engine together.
// The CoAP message-ID counter is seeded once here from RandomValue and
// lives on the struct, not in a global.
func Init(cfg Config, host HostCollaborators, backend nvstore.Backend, logger *log.Gate) (*Core, error) {
	if err := cfg.Valid(); err != nil {
		return nil, err
	}

	adapter := &hostAdapter{host: host}
	pro := keycode.NewPRO(adapter, cfg.QCShortLifetimeMax, cfg.QCLongLifetimeMax)

	links := channel.NewLinkManager()

	// DK1/DK2 are meant to be fixed keys compiled into every device on
	// the network, not this device's own keys; HostCollaborators has
	// no such surface, so the device's own keys stand in here.
	hsKeys := channel.DeviceKeys{DK1: host.SecretKey(), DK2: host.SymmetricOriginKey()}

	c := &Core{
		cfg:       cfg,
		host:      host,
		nv:        nvstore.New(backend),
		log:       logger,
		mid:       uint16(host.RandomValue()),
		pro:       pro,
		links:     links,
		hsKeys:    hsKeys,
		handshake: channel.NewAccessoryHandshake(hsKeys),
		registry:  channel.NewRegistry(),
		sched:     sched.New(logger),
	}

	c.om = originmsg.NewEngine(host.SymmetricOriginKey, links, coreDispatcher{c})

	frameHandler := func(frame []byte) { c.pro.ParseAndApplyFull(frame) }
	if !cfg.Bookend.HasEndChar {
		var smallCfg keycode.SmallConfig
		copy(smallCfg.Alphabet[:], cfg.Bookend.Alphabet)
		c.small = keycode.NewSmallEngine(pro, smallCfg, nil)
		frameHandler = func(frame []byte) { c.small.ParseAndApply(frame) }
	}

	mas, err := keycode.NewMAS(cfg.Bookend, frameHandler)
	if err != nil {
		return nil, err
	}
	c.mas = mas

	links.OnEvent = c.onLinkEvent

	if cfg.Role != RoleController {
		c.registry.Register(channel.Resource{Path: "h", Secured: false, Handle: c.handleHandshakePost})
	}

	c.restoreFromNV()
	c.registerTasks()
	return c, nil
}

// coreDispatcher routes authenticated origin commands: link-table
// actions go straight to LM, while a create-link command starts the
// controller handshake with the accessory's transmitted challenge
// (dispatch into the channel core).
type coreDispatcher struct {
	c *Core
}

func (d coreDispatcher) ApplyControllerAction(a originmsg.ControllerAction) bool {
	return d.c.links.ApplyControllerAction(a)
}

func (d coreDispatcher) ApplyAccessoryUnlock(acc originmsg.AccessoryRef) bool {
	return d.c.links.ApplyAccessoryUnlock(acc)
}

func (d coreDispatcher) ApplyAccessoryUnlink(acc originmsg.AccessoryRef) bool {
	return d.c.links.ApplyAccessoryUnlink(acc)
}

func (d coreDispatcher) ApplyCreateLinkMode3(challenge uint32) bool {
	if d.c.links.LinkCount() >= d.c.cfg.MaxSimultaneousLinks {
		return false
	}
	return d.c.StartLinkHandshake(challenge) == nil
}

func (c *Core) onLinkEvent(e channel.LinkEvent) {
	switch e.Kind {
	case channel.LinkEventEstablished:
		kind := EventLinkEstablishedAsAccessory
		if e.Mode == channel.ModeController {
			kind = EventLinkEstablishedAsController
		} else {
			// the pending accessory handshake's link just committed
			c.handshake.Commit()
		}
		c.host.NotifyEvent(EventNotification{Kind: kind})
	case channel.LinkEventDeleted:
		c.host.NotifyEvent(EventNotification{Kind: EventLinkDeleted})
	}
}

// handleHandshakePost is the accessory side of the `/h` resource:
// decode the CBOR challenge, search the handshake-index window
// for a key that authenticates it, and queue the resulting link.
func (c *Core) handleHandshakePost(req *coap.Message, origin originmsg.AccessoryRef, body []byte) ([]byte, coap.Code) {
	chal, err := channel.DecodeChallenge(body)
	if err != nil {
		return nil, coap.CodeBadRequest400
	}
	resp, linkKey, err := c.handshake.Respond(chal)
	if err != nil {
		return nil, coap.CodeBadRequest400
	}
	c.links.QueueCreateLink(origin, linkKey, channel.ModeAccessory, c.cfg.LinkTimeoutSeconds)
	c.host.RequestProcessing()

	out, err := channel.EncodeResponse(resp)
	if err != nil {
		return nil, coap.CodeBadRequest400
	}
	return out, coap.CodeCreated201
}

func (c *Core) nextMID() uint16 {
	c.mid++
	return c.mid
}

// StartLinkHandshake begins a controller-initiated mode-3 handshake
// for the challenge value an origin command authorized: allocate a
// slot, derive salt and link key, and POST the challenge to the
// Nexus-All multicast address.
func (c *Core) StartLinkHandshake(challenge uint32) error {
	for i := range c.controllers {
		slot := &c.controllers[i]
		if slot.State != channel.HSIdle {
			continue
		}
		salt := make([]byte, channel.SaltSize)
		r1, r2 := c.host.RandomValue(), c.host.RandomValue()
		salt[0], salt[1], salt[2], salt[3] = byte(r1), byte(r1>>8), byte(r1>>16), byte(r1>>24)
		salt[4], salt[5], salt[6], salt[7] = byte(r2), byte(r2>>8), byte(r2>>16), byte(r2>>24)

		payload, err := slot.Start(c.hsKeys, challenge, salt, uint8(i))
		if err != nil {
			return err
		}
		c.host.NotifyEvent(EventNotification{Kind: EventLinkHandshakeStarted})
		return c.postChallenge(payload)
	}
	return errors.New("nexuscore: no free handshake slot")
}

func (c *Core) postChallenge(payload channel.ChallengePayload) error {
	body, err := channel.EncodeChallenge(payload)
	if err != nil {
		return err
	}
	msg := &coap.Message{
		Type:      coap.NonConfirmable,
		Code:      coap.CodePOST,
		MessageID: c.nextMID(),
		Token:     byte(c.host.RandomValue()),
		URIPath:   "h",
	}
	msg.SetPayload(body)
	raw, err := msg.Serialize()
	if err != nil {
		return err
	}
	if res := c.host.NetworkSend(raw, c.host.NexusID(), NexusID{}, true); res != NetworkSendOK {
		return errors.New("nexuscore: handshake challenge send rejected")
	}
	return nil
}

func (c *Core) restoreFromNV() {
	buf := make([]byte, 8)
	if c.nv.Read(nvstore.BlockKeycodeMAS, buf) {
		c.mas.UnmarshalNV(buf)
	}
	proBuf := make([]byte, 16)
	if c.nv.Read(nvstore.BlockKeycodePRO, proBuf) {
		c.pro.UnmarshalNV(proBuf)
	}
	omBuf := make([]byte, 8)
	if c.nv.Read(nvstore.BlockChannelOM, omBuf) {
		c.om.UnmarshalNV(omBuf)
	}
	for i := 0; i < channel.MaxLinks; i++ {
		id, err := channel.BlockForSlot(i)
		if err != nil {
			continue
		}
		slotBuf := make([]byte, channel.LinkBlockSize)
		if c.nv.Read(id, slotBuf) {
			c.links.UnmarshalSlot(i, slotBuf)
		}
	}
}

func (c *Core) drainKeyQueue() {
	c.keyMu.Lock()
	queued := c.keyQueue
	c.keyQueue = nil
	c.keyMu.Unlock()

	for _, k := range queued {
		fb := c.mas.Push(k.symbol, k.uptime)
		c.host.FeedbackStart(fb)
	}
}

// registerTasks wires the process order: MAS, then PRO, then HS,
// then LM. Each task tracks its own last-seen uptime so it sees the
// true elapsed seconds even if a future change reorders registration.
func (c *Core) registerTasks() {
	lastMAS := c.sched.Uptime()
	c.sched.Register("keycode.mas", func(uptimeS uint32) uint32 {
		elapsed := uptimeS - lastMAS
		lastMAS = uptimeS
		c.drainKeyQueue()
		grace, timedOut := c.mas.Process(elapsed, uptimeS)
		if timedOut {
			c.log.Debug("keycode.mas: entry timed out, grace=%d", grace)
		}
		c.nv.Update(nvstore.BlockKeycodeMAS, c.mas.MarshalNV())
		if c.mas.Receiving() && c.cfg.Bookend.EntryTimeoutS > 0 {
			return uint32(c.cfg.Bookend.EntryTimeoutS)
		}
		return sched.NoRecall
	})

	c.sched.Register("keycode.pro", func(uptimeS uint32) uint32 {
		c.nv.Update(nvstore.BlockKeycodePRO, c.pro.MarshalNV())
		return sched.NoRecall
	})

	lastHS := c.sched.Uptime()
	c.sched.Register("channel.hs", func(uptimeS uint32) uint32 {
		elapsed := uptimeS - lastHS
		lastHS = uptimeS

		anyActive := false
		for i := range c.controllers {
			slot := &c.controllers[i]
			retryDue, timedOut := slot.AdvanceSeconds(elapsed)
			if timedOut {
				c.host.NotifyEvent(EventNotification{Kind: EventLinkHandshakeTimedOut})
				continue
			}
			if retryDue {
				if payload, _, err := channel.BuildChallenge(c.hsKeys, slot.Challenge, slot.Salt[:], slot.SlotHint); err == nil {
					if err := c.postChallenge(payload); err != nil {
						c.log.Warn("channel.hs: retry send failed: %v", err)
					}
				}
			}
			if slot.State == channel.HSActive {
				anyActive = true
			}
		}
		if c.handshake.AdvanceSeconds(elapsed) {
			c.host.NotifyEvent(EventNotification{Kind: EventLinkHandshakeTimedOut})
		}
		if anyActive {
			return channel.ControllerRetrySeconds
		}
		return sched.NoRecall
	})

	lastLM := c.sched.Uptime()
	c.sched.Register("channel.lm", func(uptimeS uint32) uint32 {
		elapsed := uptimeS - lastLM
		lastLM = uptimeS
		for _, slot := range c.links.Process(elapsed) {
			id, err := channel.BlockForSlot(slot)
			if err != nil {
				continue
			}
			c.nv.Update(id, c.links.MarshalSlot(slot))
		}
		c.nv.Update(nvstore.BlockChannelOM, c.om.MarshalNV())
		return sched.NoRecall
	})
}

// Shutdown persists every engine's state one final time. Core has no
// other teardown to do; there is no background goroutine to stop
// unless the caller started one via Run.
func (c *Core) Shutdown() {
	c.nv.Update(nvstore.BlockKeycodeMAS, c.mas.MarshalNV())
	c.nv.Update(nvstore.BlockKeycodePRO, c.pro.MarshalNV())
	c.nv.Update(nvstore.BlockChannelOM, c.om.MarshalNV())
	for i := 0; i < channel.MaxLinks; i++ {
		id, err := channel.BlockForSlot(i)
		if err != nil {
			continue
		}
		c.nv.Update(id, c.links.MarshalSlot(i))
	}
}
