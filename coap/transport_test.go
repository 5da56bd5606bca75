package coap

import (
	"testing"

	"github.com/fenwick-labs/nexuscore/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() crypto.CheckKey {
	var k crypto.CheckKey
	for i := range k {
		k[i] = byte(i * 7)
	}
	return k
}

func TestMAC0EnvelopeSerializeRoundTrip(t *testing.T) {
	env := Seal(testKey(), SecurityModeRequest, 42, []byte("payload"))
	raw := env.Serialize()

	back, ok := ParseMAC0Envelope(raw)
	require.True(t, ok)
	assert.Equal(t, env.Mode, back.Mode)
	assert.Equal(t, env.Nonce, back.Nonce)
	assert.Equal(t, env.Tag, back.Tag)
	assert.Equal(t, env.Payload, back.Payload)
	assert.True(t, back.Verify(testKey()))
}

func TestMAC0EnvelopeVerifyRejectsTamperedPayload(t *testing.T) {
	env := Seal(testKey(), SecurityModeRequest, 1, []byte("hello"))
	env.Payload = []byte("hellp")
	assert.False(t, env.Verify(testKey()))
}

func TestAuthenticateRequestAcceptsValidMessage(t *testing.T) {
	key := testKey()
	tracker := NewNonceTracker()
	env := Seal(key, SecurityModeRequest, tracker.NextNonce(), []byte("hs-data"))

	msg := &Message{Type: Confirmable, Code: CodePOST, MessageID: 1, Token: 1}
	msg.SetContentFormat(ContentFormatCoseMac0)
	msg.SetPayload(env.Serialize())

	payload, outcome := AuthenticateRequest(msg, key, tracker)
	require.Equal(t, AuthValid, outcome)
	assert.Equal(t, []byte("hs-data"), payload)
}

func TestAuthenticateRequestRejectsBadMAC(t *testing.T) {
	key := testKey()
	tracker := NewNonceTracker()
	env := Seal(key, SecurityModeRequest, 1, []byte("hs-data"))
	env.Tag ^= 1

	msg := &Message{Type: Confirmable, Code: CodePOST, MessageID: 1, Token: 1}
	msg.SetContentFormat(ContentFormatCoseMac0)
	msg.SetPayload(env.Serialize())

	_, outcome := AuthenticateRequest(msg, key, tracker)
	assert.Equal(t, AuthBadMAC, outcome)
}

func TestAuthenticateRequestRequiresContentFormat(t *testing.T) {
	key := testKey()
	tracker := NewNonceTracker()
	msg := &Message{Type: Confirmable, Code: CodePOST, MessageID: 1, Token: 1}
	msg.SetPayload([]byte("not an envelope"))

	_, outcome := AuthenticateRequest(msg, key, tracker)
	assert.Equal(t, AuthUnsecuredRequired, outcome)
}

func TestNonceTrackerRejectsStaleNonce(t *testing.T) {
	tracker := NewNonceTracker()
	require.Equal(t, AuthValid, tracker.Check(5))
	assert.Equal(t, AuthStaleNonce, tracker.Check(5), "replayed nonce must be rejected")
	assert.Equal(t, AuthStaleNonce, tracker.Check(3), "older nonce must be rejected")
	assert.Equal(t, AuthValid, tracker.Check(6))
}

func TestNonceTrackerDemandsResetNearOverflow(t *testing.T) {
	tracker := NewNonceTracker()
	near := ^uint32(0) - nonceResetMargin + 1
	assert.Equal(t, AuthNonceResetRequired, tracker.Check(near))
	// the demand mutates nothing: ordinary traffic still flows
	assert.Equal(t, AuthValid, tracker.Check(1))
}

func TestNonceTrackerSentinelResetsBothCounters(t *testing.T) {
	tracker := NewNonceTracker()
	require.Equal(t, AuthValid, tracker.Check(10))
	assert.Equal(t, AuthNonceSyncReceived, tracker.Check(NonceResetSentinel))
	assert.Equal(t, uint32(0), tracker.Last())
	assert.Equal(t, uint32(1), tracker.NextNonce())
	assert.Equal(t, AuthValid, tracker.Check(1))
}

func TestNonceResetExchangeNearMax(t *testing.T) {
	// sender's counter is 4 below the sentinel: its next send must be
	// the sentinel, the receiver treats that exchange as the reset, and
	// both sides land back at 0
	key := testKey()
	sender := NewNonceTracker()
	sender.Sync(^uint32(0) - 4)
	require.True(t, sender.ResetRequired())
	require.Equal(t, NonceResetSentinel, sender.NextNonce())

	receiver := NewNonceTracker()
	env := Seal(key, SecurityModeRequest, sender.NextNonce(), []byte("final"))
	msg := &Message{Type: Confirmable, Code: CodePOST, MessageID: 9, Token: 1}
	msg.SetContentFormat(ContentFormatCoseMac0)
	msg.SetPayload(env.Serialize())

	payload, outcome := AuthenticateRequest(msg, key, receiver)
	require.Equal(t, AuthNonceSyncReceived, outcome)
	assert.Equal(t, []byte("final"), payload)

	sender.Sync(0)
	assert.Equal(t, uint32(0), sender.Last())
	assert.Equal(t, uint32(0), receiver.Last())
}

func TestNonceSyncEnvelopeRoundTrip(t *testing.T) {
	key := testKey()
	env := SealNonceSync(key, 77)
	expected, ok := ParseNonceSync(key, env.Serialize())
	require.True(t, ok)
	assert.Equal(t, uint32(77), expected)

	var otherKey crypto.CheckKey
	_, ok = ParseNonceSync(otherKey, env.Serialize())
	assert.False(t, ok, "sync under the wrong key must not verify")
}

func TestNonceTrackerSyncAdoptsExpected(t *testing.T) {
	tracker := NewNonceTracker()
	tracker.Sync(50)
	assert.Equal(t, uint32(50), tracker.NextNonce())
	assert.Equal(t, AuthValid, tracker.Check(50))
	assert.Equal(t, AuthStaleNonce, tracker.Check(49))
}

func TestSequentialRequestsAcrossTwoPeersInterleave(t *testing.T) {
	key := testKey()
	clientTracker := NewNonceTracker()
	serverTracker := NewNonceTracker()

	for i := 0; i < 3; i++ {
		env := Seal(key, SecurityModeRequest, clientTracker.NextNonce(), []byte{byte(i)})
		msg := &Message{Type: Confirmable, Code: CodePOST, MessageID: uint16(i), Token: 1}
		msg.SetContentFormat(ContentFormatCoseMac0)
		msg.SetPayload(env.Serialize())

		payload, outcome := AuthenticateRequest(msg, key, serverTracker)
		require.Equal(t, AuthValid, outcome)
		assert.Equal(t, []byte{byte(i)}, payload)

		// advance the client's own notion of its last sent nonce
		clientTracker.Check(env.Nonce)
	}
}
