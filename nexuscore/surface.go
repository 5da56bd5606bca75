package nexuscore

import (
	"github.com/fenwick-labs/nexuscore/channel"
	"github.com/fenwick-labs/nexuscore/coap"
	"github.com/fenwick-labs/nexuscore/keycode"
	"github.com/fenwick-labs/nexuscore/sched"
)

// Process steps the cooperative scheduler by secondsElapsed and
// returns how many seconds may pass before Process must be called
// again (`core_process`): the minimum across every subsystem's
// request, bounded by the idle ceiling.
func (c *Core) Process(secondsElapsed uint32) uint32 {
	next := c.sched.Tick(secondsElapsed)
	if next == sched.NoRecall || next > sched.DefaultIdleCeilingS {
		return sched.DefaultIdleCeilingS
	}
	return next
}

// HandleSingleKey enqueues one keycode symbol and asks the host to
// call Process soon. It is safe to call from an interrupt context: no
// parsing, crypto, NV access, or feedback happens here; the next
// process tick drains the queue through the message assembler.
func (c *Core) HandleSingleKey(symbol byte) {
	uptime := c.host.UptimeSeconds()
	c.keyMu.Lock()
	c.keyQueue = append(c.keyQueue, queuedKey{symbol: symbol, uptime: uptime})
	c.keyMu.Unlock()
	c.host.RequestProcessing()
}

// HandleCompleteKeycode applies an already-assembled frame directly,
// bypassing MAS (`handle_complete_keycode`), returning whether
// it was valid.
func (c *Core) HandleCompleteKeycode(frame []byte) bool {
	var outcome keycode.ApplyOutcome
	if c.small != nil {
		outcome = c.small.ParseAndApply(frame)
	} else {
		outcome = c.pro.ParseAndApplyFull(frame)
	}
	return outcome == keycode.ValidApplied || outcome == keycode.ValidDuplicate
}

// HandleOriginCommand authenticates and dispatches an ASCII origin
// command (`handle_origin_command`). Origin commands are a
// controller-side surface; an accessory-only device rejects them.
func (c *Core) HandleOriginCommand(commandData string) ChannelError {
	if c.cfg.Role == RoleAccessory {
		return ChannelErrUnhandled
	}
	if !c.om.HandleASCIICommand(commandData) {
		return ChannelErrUnauthorized
	}
	return ChannelOK
}

// NetworkReceive parses an inbound UDP datagram as a CoAP message and
// routes it (`network_receive`): responses feed the controller
// handshake slots, requests are routed to the resource registered for
// their Uri-Path. Secured resources must authenticate under the
// sender's link key (or, for unlinked senders, are refused) before
// their handler runs.
func (c *Core) NetworkReceive(raw []byte, origin NexusID) ChannelError {
	msg, err := coap.Parse(raw)
	if err != nil {
		return ChannelErrMalformed
	}

	if msg.Code == coap.CodeCreated201 {
		return c.handleHandshakeResponse(msg, origin)
	}

	res, ok := c.registry.Lookup(msg.URIPath)
	if !ok {
		return ChannelErrUnhandled
	}

	originRef := origin.accessoryRef()
	body := msg.Payload()
	if res.Secured {
		link := c.links.LinkByAccessory(originRef)
		if link == nil {
			return ChannelErrUnauthorized
		}
		payload, outcome := coap.AuthenticateRequest(msg, link.Key, link.NonceTracker())
		switch outcome {
		case coap.AuthValid, coap.AuthNonceSyncReceived:
			c.links.MarkActive(originRef)
			body = payload
		case coap.AuthStaleNonce, coap.AuthNonceResetRequired:
			c.sendNonceSync(link, origin, outcome)
			return ChannelErrUnauthorized
		default:
			return ChannelErrUnauthorized
		}
	}

	respPayload, code := res.Handle(msg, originRef, body)
	c.sendResponse(msg, origin, respPayload, code)
	return ChannelOK
}

// sendNonceSync replies to a stale or near-wrap nonce with the
// receiver's expectation: the next acceptable nonce, or the
// reset sentinel when the counter must restart from zero.
func (c *Core) sendNonceSync(link *channel.Link, origin NexusID, outcome coap.AuthOutcome) {
	expected := link.NonceTracker().NextNonce()
	if outcome == coap.AuthNonceResetRequired {
		expected = coap.NonceResetSentinel
	}
	env := coap.SealNonceSync(link.Key, expected)
	if outcome == coap.AuthNonceResetRequired {
		// the advertised sentinel means both sides restart at zero
		// once the peer resends; adopt that now on the receive side
		link.NonceTracker().Sync(0)
	}

	msg := &coap.Message{
		Type:      coap.NonConfirmable,
		Code:      coap.CodeUnauthorized401,
		MessageID: c.nextMID(),
		Token:     byte(c.host.RandomValue()),
	}
	msg.SetContentFormat(coap.ContentFormatCoseMac0)
	msg.SetPayload(env.Serialize())
	raw, err := msg.Serialize()
	if err != nil {
		return
	}
	c.host.NetworkSend(raw, c.host.NexusID(), origin, false)
}

func (c *Core) sendResponse(req *coap.Message, origin NexusID, payload []byte, code coap.Code) {
	resp := &coap.Message{
		Type:      coap.NonConfirmable,
		Code:      code,
		MessageID: c.nextMID(),
		Token:     req.Token,
	}
	if len(payload) > 0 {
		resp.SetPayload(payload)
	}
	raw, err := resp.Serialize()
	if err != nil {
		return
	}
	c.host.NetworkSend(raw, c.host.NexusID(), origin, false)
}

// handleHandshakeResponse feeds a 2.01 Created response into whichever
// active controller handshake slot its rD value confirms; on a match
// the link is queued for the next LM tick under the derived key.
func (c *Core) handleHandshakeResponse(msg *coap.Message, origin NexusID) ChannelError {
	resp, err := channel.DecodeResponse(msg.Payload())
	if err != nil {
		return ChannelErrMalformed
	}
	for i := range c.controllers {
		slot := &c.controllers[i]
		if slot.State != channel.HSActive {
			continue
		}
		key, err := slot.Confirm(resp)
		if err != nil {
			continue
		}
		c.links.QueueCreateLink(origin.accessoryRef(), key, channel.ModeController, c.cfg.LinkTimeoutSeconds)
		c.host.RequestProcessing()
		return ChannelOK
	}
	return ChannelErrUnauthorized
}

// RegisterResource adds a CoAP resource to the registry, keyed by its
// Uri-Path alone; nothing in this module discriminates resources by
// method or interface.
func (c *Core) RegisterResource(uriPath string, secured bool, handler channel.Handler) ChannelError {
	c.registry.Register(channel.Resource{Path: uriPath, Secured: secured, Handle: handler})
	return ChannelOK
}

// LinkCount reports the number of currently-established links.
func (c *Core) LinkCount() uint32 {
	return uint32(c.links.LinkCount())
}

// OperatingMode reports the device's inferred channel role, derived
// from the directions of its live links.
func (c *Core) OperatingMode() channel.DeviceMode {
	return c.links.DeviceMode()
}

// GetCustomFlag and SetCustomFlag are the host-facing flag accessors.
// Flag state lives on Core since the host only observes it through
// notifications, never owns the storage.
func (c *Core) GetCustomFlag(flag string) bool {
	return c.customFlags[flag]
}

func (c *Core) SetCustomFlag(flag string, value bool) {
	if c.customFlags == nil {
		c.customFlags = make(map[string]bool)
	}
	c.customFlags[flag] = value
	c.host.NotifyEvent(EventNotification{Kind: EventCustomFlagChanged, Flag: flag, Value: value})
}
