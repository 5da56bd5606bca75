// Package nvstore implements the nonvolatile block envelope every Nexus
// module uses to persist state: a 2-byte block ID, the module's own
// payload, and a trailing 2-byte CRC-CCITT check, backed by a caller-
// supplied Backend.
package nvstore

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fenwick-labs/nexuscore/crypto"
)

const (
	// BlockIDWidth is the width, in bytes, of the block ID prefix.
	BlockIDWidth = 2
	// BlockCRCWidth is the width, in bytes, of the trailing CRC.
	BlockCRCWidth = 2
	// WrapperSize is the combined overhead of the ID and CRC fields.
	WrapperSize = BlockIDWidth + BlockCRCWidth
)

// ErrInvalidLength is returned when a block's declared length cannot
// possibly hold the ID and CRC wrapper.
var ErrInvalidLength = errors.New("nvstore: block length too short for wrapper")

// BlockID identifies a single nonvolatile block. Every Nexus module that
// persists state owns one or more of these.
type BlockID uint16

// Registered block IDs, one per persisted Nexus module. The mapping is
// a fixed compile-time table; renumbering invalidates stored blocks.
const (
	BlockKeycodeMAS BlockID = iota
	BlockKeycodePRO
	BlockChannelHSAccessory
	BlockChannelOM
	BlockChannelLMLink1
	BlockChannelLMLink2
	BlockChannelLMLink3
	BlockChannelLMLink4
	BlockChannelLMLink5
	BlockChannelLMLink6
	BlockChannelLMLink7
	BlockChannelLMLink8
	BlockChannelLMLink9
	BlockChannelLMLink10
)

// Backend is the product-side storage interface a Store is built on top
// of: read the raw bytes last written for a block ID, or write them.
// Implementations need not validate anything; Store does that.
type Backend interface {
	// ReadBlock copies up to len(into) bytes previously written for id
	// into into, and reports whether any data was found. Returning
	// false (or short/garbage data) is a normal "never written" case,
	// not an error.
	ReadBlock(id BlockID, into []byte) bool
	// WriteBlock persists the full wrapped block (ID + payload + CRC)
	// for id.
	WriteBlock(id BlockID, block []byte) error
}

// Store wraps a Backend with the block ID + CRC envelope and
// write-avoidance: Update is a no-op if the payload hasn't changed
// since the last successful write.
type Store struct {
	backend Backend
}

// New builds a Store over backend.
func New(backend Backend) *Store {
	return &Store{backend: backend}
}

func computeCRC(id BlockID, payload []byte) uint16 {
	buf := make([]byte, BlockIDWidth+len(payload))
	binary.LittleEndian.PutUint16(buf, uint16(id))
	copy(buf[BlockIDWidth:], payload)
	return crypto.CRCCCITT(buf)
}

// blockValid reports whether full (ID + payload + CRC) is a well-formed
// block for id: the leading two bytes must match id and the trailing
// two bytes must match the CRC over everything before them.
func blockValid(id BlockID, full []byte) bool {
	if len(full) < WrapperSize {
		return false
	}
	gotID := binary.LittleEndian.Uint16(full[:BlockIDWidth])
	if BlockID(gotID) != id {
		return false
	}
	crcStart := len(full) - BlockCRCWidth
	computed := crypto.CRCCCITT(full[:crcStart])
	gotCRC := binary.LittleEndian.Uint16(full[crcStart:])
	return computed == gotCRC
}

// Read retrieves the inner payload previously written for id into
// payload (sized to the module's own block length). It returns false,
// leaving payload zeroed, if nothing valid has ever been written: a
// missing block, a corrupt CRC, or a block written for a different ID
// (e.g. layout changed underfoot) are all treated the same way.
func (s *Store) Read(id BlockID, payload []byte) bool {
	full := make([]byte, WrapperSize+len(payload))
	if !s.backend.ReadBlock(id, full) || !blockValid(id, full) {
		for i := range payload {
			payload[i] = 0
		}
		return false
	}
	copy(payload, full[BlockIDWidth:len(full)-BlockCRCWidth])
	return true
}

// Update persists payload for id, wrapped with the block ID and a fresh
// CRC. It skips the write entirely if the backend already holds this
// exact payload under this ID; flash wear and bus traffic are both
// expensive on embedded targets.
func (s *Store) Update(id BlockID, payload []byte) error {
	existing := make([]byte, WrapperSize+len(payload))
	if s.backend.ReadBlock(id, existing) && blockValid(id, existing) {
		if bytesEqual(existing[BlockIDWidth:len(existing)-BlockCRCWidth], payload) {
			return nil
		}
	}

	full := make([]byte, WrapperSize+len(payload))
	binary.LittleEndian.PutUint16(full, uint16(id))
	copy(full[BlockIDWidth:], payload)
	crc := computeCRC(id, payload)
	binary.LittleEndian.PutUint16(full[len(full)-BlockCRCWidth:], crc)

	if err := s.backend.WriteBlock(id, full); err != nil {
		return fmt.Errorf("nvstore: write block %d: %w", id, err)
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
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
