// Package originmsg implements the origin-message engine: ASCII-digit
// authenticated command decoding with interleaving obfuscation, field
// inference, and a 40-slot replay window.
package originmsg

import (
	"github.com/fenwick-labs/nexuscore/bitio"
	"github.com/fenwick-labs/nexuscore/crypto"
)

const (
	windowBelow = 31
	windowAbove = 8

	maxDigits    = 20
	macDigits    = 6
)

// CommandType is the first plaintext digit of a deinterleaved message.
type CommandType uint8

const (
	GenericControllerAction CommandType = 0
	AccessoryActionUnlock   CommandType = 1
	AccessoryActionUnlink   CommandType = 2
	CreateLinkMode3         CommandType = 9
)

func validCommandType(v uint8) (CommandType, bool) {
	switch CommandType(v) {
	case GenericControllerAction, AccessoryActionUnlock, AccessoryActionUnlink, CreateLinkMode3:
		return CommandType(v), true
	default:
		return 0, false
	}
}

// ControllerAction is the GENERIC_CONTROLLER_ACTION sub-action enum;
// the 2-digit body is a small closed set, not free-form.
type ControllerAction uint32

const (
	ActionUnlinkAllLinkedAccessories ControllerAction = 0
)

// AccessoryRef identifies a linked accessory by its full (authority,
// device) pair.
type AccessoryRef struct {
	Authority uint16
	Device    uint32
}

// TruncatedDeviceDigit returns the single decimal digit truncated
// accessory ids are matched against: device_id mod 10.
func (r AccessoryRef) TruncatedDeviceDigit() uint8 {
	return uint8(r.Device % 10)
}

// AccessoryLookup enumerates the live link table so truncated-id
// resolution walks the real accessory set.
type AccessoryLookup interface {
	Accessories() []AccessoryRef
}

// Dispatcher applies a successfully authenticated origin command to
// the channel core / link manager.
type Dispatcher interface {
	ApplyControllerAction(action ControllerAction) bool
	ApplyAccessoryUnlock(accessory AccessoryRef) bool
	ApplyAccessoryUnlink(accessory AccessoryRef) bool
	ApplyCreateLinkMode3(challenge uint32) bool
}

// Engine is the controller-side origin-message decoder: it owns the
// 40-slot (31-below/8-above) replay window and dispatches authenticated
// commands.
type Engine struct {
	window     *bitio.Window
	originKey  func() crypto.CheckKey
	lookup     AccessoryLookup
	dispatcher Dispatcher
}

// NewEngine builds an Engine with a fresh window centered at the
// default command index (31, so the floor starts at 0).
func NewEngine(originKey func() crypto.CheckKey, lookup AccessoryLookup, dispatcher Dispatcher) *Engine {
	return &Engine{
		window:     bitio.NewWindow(windowBelow, windowAbove, windowBelow, 0),
		originKey:  originKey,
		lookup:     lookup,
		dispatcher: dispatcher,
	}
}

func deinterleave(cipher []byte, mac uint32) []byte {
	seed := []byte{byte(mac), byte(mac >> 8), byte(mac >> 16), byte(mac >> 24)}
	var zeroKey crypto.CheckKey
	plain := make([]byte, len(cipher))
	for i := range cipher {
		p := crypto.PRNGByte(zeroKey, seed, i)
		plain[i] = byte((int(cipher[i]-'0') - int(p)%10 + 10) % 10)
	}
	return plain
}

// interleave is deinterleave's inverse, exercised by the round-trip
// property test and usable by anything generating test fixtures.
func interleave(plain []byte, mac uint32) []byte {
	seed := []byte{byte(mac), byte(mac >> 8), byte(mac >> 16), byte(mac >> 24)}
	var zeroKey crypto.CheckKey
	cipher := make([]byte, len(plain))
	for i := range plain {
		p := crypto.PRNGByte(zeroKey, seed, i)
		cipher[i] = byte('0' + (int(plain[i])+int(p)%10)%10)
	}
	return cipher
}

// parsedMessage holds a command's transmitted fields plus the fields
// the authentication search infers: the full command id for every
// type, and the full accessory identity for accessory actions (only a
// truncated digit of it is transmitted).
type parsedMessage struct {
	typ CommandType

	controllerAction ControllerAction // GenericControllerAction
	truncDigit       uint8            // accessory actions: device_id mod 10
	challenge        uint32           // CreateLinkMode3

	accessory AccessoryRef // inferred during authentication
}

// authBytes assembles the byte sequence the 6-digit check is computed
// over: the candidate 32-bit command id (little-endian), the type
// byte, then the type's own little-endian body field.
func authBytes(id uint32, typ CommandType, body []byte) []byte {
	out := make([]byte, 0, 5+len(body))
	out = append(out, byte(id), byte(id>>8), byte(id>>16), byte(id>>24))
	out = append(out, byte(typ))
	out = append(out, body...)
	return out
}

func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func accessoryIDBytes(acc AccessoryRef) []byte {
	out := make([]byte, 0, 6)
	out = append(out, byte(acc.Authority), byte(acc.Authority>>8))
	return append(out, le32(acc.Device)...)
}

// checkValue reduces a full check to the transmitted 6-digit form: the
// lower 32 bits of the SipHash, as a decimal number mod 1_000_000
// (leading zeros are not significant; the check is the numeric value,
// not the individual digits).
func checkValue(key crypto.CheckKey, bytes []byte) uint32 {
	mac := crypto.SipHash24(key, bytes)
	return uint32(mac.Uint64()&0xffffffff) % 1_000_000
}

// HandleASCIICommand parses, authenticates, infers the command ID, and
// dispatches commandData (an ASCII decimal string, length <= 20). It
// returns false if the command is malformed, fails authentication, or
// is a replay.
func (e *Engine) HandleASCIICommand(commandData string) bool {
	if len(commandData) < macDigits+1 || len(commandData) > maxDigits {
		return false
	}
	bodyLen := len(commandData) - macDigits
	cipherBody := []byte(commandData[:bodyLen])
	macVal := parseDecimal(commandData[bodyLen:])

	plain := deinterleave(cipherBody, macVal)
	msg, ok := parsePlainDigits(plain)
	if !ok {
		return false
	}

	key := e.originKey()
	id, ok := e.inferAndAuthenticate(&msg, macVal, key)
	if !ok {
		return false
	}

	e.window.SetIDFlag(id)
	return e.dispatch(msg)
}

// parsePlainDigits extracts the transmitted fields from the
// deinterleaved digits: one type digit, then a fixed-width body whose
// length the type dictates exactly (2-digit action, 1 truncated digit,
// or 6-digit challenge).
func parsePlainDigits(plain []byte) (parsedMessage, bool) {
	typ, ok := validCommandType(plain[0])
	if !ok {
		return parsedMessage{}, false
	}
	body := plain[1:]
	msg := parsedMessage{typ: typ}

	switch typ {
	case GenericControllerAction:
		if len(body) != 2 {
			return parsedMessage{}, false
		}
		msg.controllerAction = ControllerAction(digitsToUint32(body))
	case AccessoryActionUnlock, AccessoryActionUnlink:
		if len(body) != 1 {
			return parsedMessage{}, false
		}
		msg.truncDigit = body[0]
	case CreateLinkMode3:
		if len(body) != 6 {
			return parsedMessage{}, false
		}
		msg.challenge = digitsToUint32(body)
	}
	return msg, true
}

func parseDecimal(s string) uint32 {
	var v uint32
	for i := 0; i < len(s); i++ {
		v = v*10 + uint32(s[i]-'0')
	}
	return v
}

// inferAndAuthenticate walks ids [center-31, center+8], skipping ids
// already marked in the window, recomputing the check for each
// candidate until one matches the transmitted MAC. For accessory
// actions the check covers the full accessory identity, which is not
// transmitted, so each candidate id is tried against every linked
// accessory whose device id ends in the truncated digit; the first
// whose full MAC matches is the intended recipient, and its identity
// is recorded on msg. O(window width x linked accessories), both
// small (40 ids, at most a handful of links).
func (e *Engine) inferAndAuthenticate(msg *parsedMessage, transmittedMAC uint32, key crypto.CheckKey) (uint32, bool) {
	center := e.window.Center()
	lo := int64(center) - windowBelow
	if lo < 0 {
		lo = 0
	}
	hi := int64(center) + windowAbove

	var accessories []AccessoryRef
	if msg.typ == AccessoryActionUnlock || msg.typ == AccessoryActionUnlink {
		accessories = e.lookup.Accessories()
	}

	for id := lo; id <= hi; id++ {
		cid := uint32(id)
		if e.window.FlagAlreadySet(cid) {
			continue
		}
		switch msg.typ {
		case GenericControllerAction:
			if checkValue(key, authBytes(cid, msg.typ, le32(uint32(msg.controllerAction)))) == transmittedMAC {
				return cid, true
			}
		case AccessoryActionUnlock, AccessoryActionUnlink:
			for _, acc := range accessories {
				if acc.TruncatedDeviceDigit() != msg.truncDigit {
					continue
				}
				if checkValue(key, authBytes(cid, msg.typ, accessoryIDBytes(acc))) == transmittedMAC {
					msg.accessory = acc
					return cid, true
				}
			}
		case CreateLinkMode3:
			if checkValue(key, authBytes(cid, msg.typ, le32(msg.challenge))) == transmittedMAC {
				return cid, true
			}
		}
	}
	return 0, false
}

func digitsToUint32(digits []byte) uint32 {
	var v uint32
	for _, d := range digits {
		v = v*10 + uint32(d)
	}
	return v
}

func (e *Engine) dispatch(msg parsedMessage) bool {
	switch msg.typ {
	case GenericControllerAction:
		return e.dispatcher.ApplyControllerAction(msg.controllerAction)

	case AccessoryActionUnlock:
		return e.dispatcher.ApplyAccessoryUnlock(msg.accessory)

	case AccessoryActionUnlink:
		return e.dispatcher.ApplyAccessoryUnlink(msg.accessory)

	case CreateLinkMode3:
		return e.dispatcher.ApplyCreateLinkMode3(msg.challenge)
	}
	return false
}

// MarshalNV serializes command_index and the 4-byte received-ids
// bitmap.
func (e *Engine) MarshalNV() []byte {
	s := bitio.NewEmptyBitstream(make([]byte, 8))
	center := e.window.Center()
	s.PushUint8(byte(center>>24), 8)
	s.PushUint8(byte(center>>16), 8)
	s.PushUint8(byte(center>>8), 8)
	s.PushUint8(byte(center), 8)
	mask := e.window.Mask()
	s.PushUint8(byte(mask>>24), 8)
	s.PushUint8(byte(mask>>16), 8)
	s.PushUint8(byte(mask>>8), 8)
	s.PushUint8(byte(mask), 8)
	return s.Data()
}

// UnmarshalNV restores state from a block produced by MarshalNV.
func (e *Engine) UnmarshalNV(payload []byte) {
	if len(payload) < 8 {
		return
	}
	s := bitio.NewBitstream(payload, 64)
	center := uint32(s.PullUint16BE(16))<<16 | uint32(s.PullUint16BE(16))
	mask := uint64(s.PullUint16BE(16))<<16 | uint64(s.PullUint16BE(16))
	e.window = bitio.NewWindow(windowBelow, windowAbove, center, mask)
}
