package bitio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitstreamPushPullRoundTrip(t *testing.T) {
	buf := make([]byte, 4)
	s := NewEmptyBitstream(buf)

	s.PushUint8(0x05, 3)  // 101
	s.PushUint8(0xff, 8)  // 11111111
	s.PushUint8(0x00, 1)  // 0

	require.Equal(t, 12, s.LengthInBits())

	s.SetPosition(0)
	assert.Equal(t, uint8(0x05), s.PullUint8(3))
	assert.Equal(t, uint8(0xff), s.PullUint8(8))
	assert.Equal(t, uint8(0x00), s.PullUint8(1))
}

func TestBitstreamPullUint16BESpansBytes(t *testing.T) {
	buf := make([]byte, 3)
	s := NewEmptyBitstream(buf)

	s.PushUint8(0x07, 3) // 3 leading filler bits: 111
	s.PushUint8(0xAB, 8)
	s.PushUint8(0x3, 2)

	s.SetPosition(3)
	got := s.PullUint16BE(10)
	assert.Equal(t, uint16(0x2AF), got)
}

func TestBitstreamOverflowPanics(t *testing.T) {
	buf := make([]byte, 1)
	s := NewEmptyBitstream(buf)
	s.PushUint8(0xff, 8)
	assert.Panics(t, func() { s.PushUint8(0x01, 1) })
}

func TestBitstreamOverrunPanics(t *testing.T) {
	buf := make([]byte, 1)
	s := NewBitstream(buf, 4)
	s.PullUint8(4)
	assert.Panics(t, func() { s.PullUint8(1) })
}

func TestBitstreamSetPositionBeyondLengthPanics(t *testing.T) {
	buf := make([]byte, 1)
	s := NewBitstream(buf, 4)
	assert.Panics(t, func() { s.SetPosition(5) })
}
