package channel

import (
	"errors"

	"github.com/fenwick-labs/nexuscore/bitio"
	"github.com/fenwick-labs/nexuscore/coap"
	"github.com/fenwick-labs/nexuscore/crypto"
	"github.com/fenwick-labs/nexuscore/nvstore"
	"github.com/fenwick-labs/nexuscore/originmsg"
)

// MaxLinks is the hard ceiling on simultaneously linked accessories:
// one NV block per link, `nvstore.BlockChannelLMLink1` through
// `BlockChannelLMLink10`.
const MaxLinks = 10

// DefaultLinkTimeoutSeconds is how long a link may sit with no
// authenticated traffic before it expires (about three months).
const DefaultLinkTimeoutSeconds = 7_776_000

// OperatingMode is the role this device plays on a link after the
// handshake settles: ModeController on the initiating side,
// ModeAccessory on the responding side. The table shape is shared so
// a dual-mode device holds both kinds at once.
type OperatingMode uint8

const (
	ModeUnestablished OperatingMode = iota
	ModeAccessory
	ModeController
)

// DeviceMode is the whole device's inferred operating mode, derived
// from which directions its live links point (last bullet).
type DeviceMode uint8

const (
	DeviceModeIdle DeviceMode = iota
	DeviceModeController
	DeviceModeAccessory
	DeviceModeDualActive
)

var (
	ErrNoFreeSlot       = errors.New("channel: link table full")
	ErrDuplicateLink    = errors.New("channel: accessory already linked")
	ErrLinkNotFound     = errors.New("channel: no link for accessory")
	ErrLinkIDOutOfRange = errors.New("channel: link id out of range")
)

// Link is one entry in the link table: a derived symmetric key, the
// nonce discipline guarding requests over it, the accessory identity it
// was established with, and the activity clock its expiry runs on.
type Link struct {
	Accessory originmsg.AccessoryRef
	Key       crypto.CheckKey
	Mode      OperatingMode

	// TimeSinceActiveS resets to 0 on every authenticated frame; the
	// link expires once it exceeds TimeToExpiryS.
	TimeSinceActiveS uint32
	TimeToExpiryS    uint32

	nonce *coap.NonceTracker
}

func newLink(acc originmsg.AccessoryRef, key crypto.CheckKey, mode OperatingMode, expiryS uint32) *Link {
	if expiryS == 0 {
		expiryS = DefaultLinkTimeoutSeconds
	}
	return &Link{Accessory: acc, Key: key, Mode: mode, TimeToExpiryS: expiryS, nonce: coap.NewNonceTracker()}
}

// NonceTracker exposes the link's nonce state for use when sending or
// authenticating a secured CoAP exchange over it.
func (l *Link) NonceTracker() *coap.NonceTracker { return l.nonce }

// LinkEvent is the notification a LinkManager hands its OnEvent hook
// as links come and go during Process.
type LinkEvent struct {
	Kind      LinkEventKind
	Accessory originmsg.AccessoryRef
	Mode      OperatingMode
}

type LinkEventKind uint8

const (
	LinkEventEstablished LinkEventKind = iota
	LinkEventDeleted
)

type pendingCreate struct {
	acc    originmsg.AccessoryRef
	key    crypto.CheckKey
	mode   OperatingMode
	expiry uint32
}

// LinkManager owns the fixed-size link table and implements both
// originmsg.AccessoryLookup and originmsg.Dispatcher, so the origin-
// message engine can resolve truncated accessory ids and apply
// link/unlink commands directly against live link state.
//
// Link creations requested by a completed handshake and the
// unlink-all controller action are queued and drained by Process, so
// their NV writes stay serialized on the tick. ApplyAccessoryUnlink is
// the exception: it removes its entry at once, outside the tick.
type LinkManager struct {
	links [MaxLinks]*Link // nil slot == free

	pendingCreates []pendingCreate
	deleteAll      bool

	// OnEvent, if set, receives establishment and deletion events as
	// Process applies queued work and expiry.
	OnEvent func(LinkEvent)
}

// NewLinkManager returns an empty link table.
func NewLinkManager() *LinkManager {
	return &LinkManager{}
}

func (lm *LinkManager) emit(kind LinkEventKind, l *Link) {
	if lm.OnEvent != nil {
		lm.OnEvent(LinkEvent{Kind: kind, Accessory: l.Accessory, Mode: l.Mode})
	}
}

// Accessories implements originmsg.AccessoryLookup.
func (lm *LinkManager) Accessories() []originmsg.AccessoryRef {
	out := make([]originmsg.AccessoryRef, 0, MaxLinks)
	for _, l := range lm.links {
		if l != nil {
			out = append(out, l.Accessory)
		}
	}
	return out
}

// CreateLink installs a freshly-handshaken link in the first free slot,
// refusing duplicates of the same (authority, device) pair.
func (lm *LinkManager) CreateLink(acc originmsg.AccessoryRef, key crypto.CheckKey, mode OperatingMode, expiryS uint32) (int, error) {
	if lm.find(acc) >= 0 {
		return -1, ErrDuplicateLink
	}
	for i, l := range lm.links {
		if l == nil {
			lm.links[i] = newLink(acc, key, mode, expiryS)
			lm.emit(LinkEventEstablished, lm.links[i])
			return i, nil
		}
	}
	return -1, ErrNoFreeSlot
}

// QueueCreateLink defers link creation to the next Process call, the
// path a completing handshake uses so table and NV mutations happen in
// tick context only.
func (lm *LinkManager) QueueCreateLink(acc originmsg.AccessoryRef, key crypto.CheckKey, mode OperatingMode, expiryS uint32) {
	lm.pendingCreates = append(lm.pendingCreates, pendingCreate{acc: acc, key: key, mode: mode, expiry: expiryS})
}

// QueueDeleteAllLinks defers clearing the whole table to the next
// Process call; each removed link produces a LinkEventDeleted.
func (lm *LinkManager) QueueDeleteAllLinks() {
	lm.deleteAll = true
}

// Process drains the queued creates/deletes, then adds elapsed seconds
// to every link's activity clock and removes the ones whose
// TimeSinceActiveS passed TimeToExpiryS. It returns the slot
// indices whose contents changed, so the caller knows which NV blocks
// to rewrite.
func (lm *LinkManager) Process(elapsedS uint32) (changedSlots []int) {
	changed := map[int]bool{}

	if lm.deleteAll {
		lm.deleteAll = false
		for i, l := range lm.links {
			if l == nil {
				continue
			}
			lm.emit(LinkEventDeleted, l)
			lm.links[i] = nil
			changed[i] = true
		}
	}

	for _, pc := range lm.pendingCreates {
		slot, err := lm.CreateLink(pc.acc, pc.key, pc.mode, pc.expiry)
		if err != nil {
			continue // full or duplicate: refuse, no event
		}
		changed[slot] = true
	}
	lm.pendingCreates = lm.pendingCreates[:0]

	for i, l := range lm.links {
		if l == nil {
			continue
		}
		l.TimeSinceActiveS += elapsedS
		if l.TimeSinceActiveS > l.TimeToExpiryS {
			lm.emit(LinkEventDeleted, l)
			lm.links[i] = nil
			changed[i] = true
		}
	}

	for i := 0; i < MaxLinks; i++ {
		if changed[i] {
			changedSlots = append(changedSlots, i)
		}
	}
	return changedSlots
}

// Link returns the link at slot i, or nil if that slot is free.
func (lm *LinkManager) Link(i int) *Link {
	if i < 0 || i >= MaxLinks {
		return nil
	}
	return lm.links[i]
}

// LinkByAccessory returns the live link for acc, or nil.
func (lm *LinkManager) LinkByAccessory(acc originmsg.AccessoryRef) *Link {
	i := lm.find(acc)
	if i < 0 {
		return nil
	}
	return lm.links[i]
}

// LinkCount reports how many slots are currently occupied.
func (lm *LinkManager) LinkCount() int {
	n := 0
	for _, l := range lm.links {
		if l != nil {
			n++
		}
	}
	return n
}

// DeviceMode infers the device's overall operating mode from the
// directions of its live links: controller-role links only,
// accessory-role links only, both, or none.
func (lm *LinkManager) DeviceMode() DeviceMode {
	var asController, asAccessory bool
	for _, l := range lm.links {
		if l == nil {
			continue
		}
		switch l.Mode {
		case ModeController:
			asController = true
		case ModeAccessory:
			asAccessory = true
		}
	}
	switch {
	case asController && asAccessory:
		return DeviceModeDualActive
	case asController:
		return DeviceModeController
	case asAccessory:
		return DeviceModeAccessory
	default:
		return DeviceModeIdle
	}
}

// MarkActive resets acc's activity clock, called after any successfully
// authenticated frame over the link (invariant).
func (lm *LinkManager) MarkActive(acc originmsg.AccessoryRef) bool {
	l := lm.LinkByAccessory(acc)
	if l == nil {
		return false
	}
	l.TimeSinceActiveS = 0
	return true
}

func (lm *LinkManager) find(acc originmsg.AccessoryRef) int {
	for i, l := range lm.links {
		if l != nil && l.Accessory == acc {
			return i
		}
	}
	return -1
}

// ApplyControllerAction implements originmsg.Dispatcher.
func (lm *LinkManager) ApplyControllerAction(action originmsg.ControllerAction) bool {
	switch action {
	case originmsg.ActionUnlinkAllLinkedAccessories:
		lm.QueueDeleteAllLinks()
		return true
	}
	return false
}

// ApplyAccessoryUnlock implements originmsg.Dispatcher. Unlock does not
// remove the link; it only signals the accessory to exit its locked
// credit-enforcement state. Actually applying that transition is the
// host product's job; this manager only confirms the accessory is
// still linked.
func (lm *LinkManager) ApplyAccessoryUnlock(acc originmsg.AccessoryRef) bool {
	return lm.find(acc) >= 0
}

// ApplyAccessoryUnlink implements originmsg.Dispatcher: removes the
// accessory's link entirely.
func (lm *LinkManager) ApplyAccessoryUnlink(acc originmsg.AccessoryRef) bool {
	i := lm.find(acc)
	if i < 0 {
		return false
	}
	lm.emit(LinkEventDeleted, lm.links[i])
	lm.links[i] = nil
	return true
}

// ApplyCreateLinkMode3 implements originmsg.Dispatcher: the caller
// supplies the challenge value extracted from the origin command; the
// actual handshake round trip happens at the CoAP layer, so this hook
// only reports whether the link table has a free slot. It records
// nothing and starts no handshake.
func (lm *LinkManager) ApplyCreateLinkMode3(challenge uint32) bool {
	return lm.LinkCount() < MaxLinks
}

// BlockForSlot returns the nvstore.BlockID for link table slot i, the
// mapping callers outside this package (nexuscore's persistence pass)
// need too.
func BlockForSlot(i int) (nvstore.BlockID, error) {
	if i < 0 || i >= MaxLinks {
		return 0, ErrLinkIDOutOfRange
	}
	return nvstore.BlockChannelLMLink1 + nvstore.BlockID(i), nil
}

// LinkBlockSize is the fixed NV block payload size for one link entry:
// 2-byte authority + 4-byte device id + 16-byte key + 1-byte mode +
// 4-byte time-since-active + 4-byte expiry + 4-byte auth nonce, padded
// to 36 bytes.
const LinkBlockSize = 36

func pushUint32(s *bitio.Bitstream, v uint32) {
	s.PushUint8(byte(v>>24), 8)
	s.PushUint8(byte(v>>16), 8)
	s.PushUint8(byte(v>>8), 8)
	s.PushUint8(byte(v), 8)
}

func pullUint32(s *bitio.Bitstream) uint32 {
	return uint32(s.PullUint16BE(16))<<16 | uint32(s.PullUint16BE(16))
}

// MarshalSlot serializes link table slot i for nvstore.Store.Update, or
// a zeroed block if the slot is free.
func (lm *LinkManager) MarshalSlot(i int) []byte {
	buf := make([]byte, LinkBlockSize)
	l := lm.links[i]
	if l == nil {
		return buf
	}
	s := bitio.NewEmptyBitstream(buf)
	s.PushUint8(byte(l.Accessory.Authority>>8), 8)
	s.PushUint8(byte(l.Accessory.Authority), 8)
	pushUint32(s, l.Accessory.Device)
	for _, b := range l.Key {
		s.PushUint8(b, 8)
	}
	s.PushUint8(byte(l.Mode), 8)
	pushUint32(s, l.TimeSinceActiveS)
	pushUint32(s, l.TimeToExpiryS)
	pushUint32(s, l.nonce.Last())
	return s.Data()
}

// UnmarshalSlot restores link table slot i from a block previously
// produced by MarshalSlot. An all-zero block (authority 0, device 0,
// mode Unestablished) is treated as a free slot.
func (lm *LinkManager) UnmarshalSlot(i int, payload []byte) {
	if len(payload) < LinkBlockSize {
		return
	}
	s := bitio.NewBitstream(payload, LinkBlockSize*8)
	authority := uint16(s.PullUint8(8))<<8 | uint16(s.PullUint8(8))
	device := pullUint32(s)
	var key crypto.CheckKey
	for k := range key {
		key[k] = s.PullUint8(8)
	}
	mode := OperatingMode(s.PullUint8(8))
	sinceActive := pullUint32(s)
	expiry := pullUint32(s)
	nonce := pullUint32(s)

	if authority == 0 && device == 0 && mode == ModeUnestablished {
		lm.links[i] = nil
		return
	}
	l := newLink(originmsg.AccessoryRef{Authority: authority, Device: device}, key, mode, expiry)
	l.TimeSinceActiveS = sinceActive
	l.nonce.Sync(nonce + 1)
	lm.links[i] = l
}
