package coap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	// parse(serialize(p)) must preserve every observable field
	m := &Message{
		Type:      Confirmable,
		Code:      CodePOST,
		MessageID: 0xBEEF,
		Token:     0x42,
		URIPath:   "hs/challenge",
	}
	m.SetContentFormat(ContentFormatCoseMac0)
	m.SetPayload([]byte("hello"))

	raw, err := m.Serialize()
	require.NoError(t, err)

	back, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, m.Type, back.Type)
	assert.Equal(t, m.Code, back.Code)
	assert.Equal(t, m.MessageID, back.MessageID)
	assert.Equal(t, m.Token, back.Token)
	assert.Equal(t, m.URIPath, back.URIPath)
	assert.True(t, back.HasContentFormat())
	assert.Equal(t, uint32(ContentFormatCoseMac0), back.ContentFormat)
	assert.Equal(t, []byte("hello"), back.Payload())
}

func TestMessageMultipleURIPathSegmentsJoin(t *testing.T) {
	m := &Message{Type: NonConfirmable, Code: CodeGET, MessageID: 1, Token: 1, URIPath: "a/bb/ccc"}
	raw, err := m.Serialize()
	require.NoError(t, err)

	back, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "a/bb/ccc", back.URIPath)
}

func TestMessageNoPayloadOmitsMarker(t *testing.T) {
	m := &Message{Type: Acknowledgement, Code: CodeCreated201, MessageID: 9, Token: 3}
	raw, err := m.Serialize()
	require.NoError(t, err)
	assert.NotContains(t, raw, byte(0xFF))
}

func TestParseRejectsShortHeader(t *testing.T) {
	_, err := Parse([]byte{0x40, 0x01})
	assert.Equal(t, ErrTruncated, err)
}

func TestParseRejectsBadVersion(t *testing.T) {
	raw := []byte{0x01<<6 | 0x00<<4 | 0x01, byte(CodeGET), 0x00, 0x01, 0x00}
	raw[0] = 0x00<<6 | 0x00<<4 | 0x01 // version 0
	_, err := Parse(raw)
	assert.Equal(t, ErrBadVersion, err)
}

func TestParseRejectsUnknownCriticalOption(t *testing.T) {
	m := &Message{Type: Confirmable, Code: CodeGET, MessageID: 5, Token: 1}
	raw, err := m.Serialize()
	require.NoError(t, err)

	// append an unknown critical (odd-numbered) option: delta 17 (nibble
	// 13 + ext byte 4), zero length
	raw = append(raw, byte(13<<4|0), 4)

	_, err = Parse(raw)
	assert.Equal(t, ErrBadOption, err)
}

func TestParsePayloadHasNoTrailingNUL(t *testing.T) {
	m := &Message{Type: Confirmable, Code: CodePUT, MessageID: 2, Token: 1}
	m.SetPayload([]byte{1, 2, 3})
	raw, err := m.Serialize()
	require.NoError(t, err)

	back, err := Parse(raw)
	require.NoError(t, err)
	assert.Len(t, back.Payload(), 3)
}
