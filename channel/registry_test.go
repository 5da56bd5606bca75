package channel

import (
	"testing"

	"github.com/fenwick-labs/nexuscore/coap"
	"github.com/fenwick-labs/nexuscore/originmsg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(req *coap.Message, origin originmsg.AccessoryRef, body []byte) ([]byte, coap.Code) {
	return nil, coap.CodeCreated201
}

func TestRegistryLookupFindsRegisteredPath(t *testing.T) {
	r := NewRegistry()
	r.Register(Resource{Path: "h", Handle: noopHandler})

	res, ok := r.Lookup("h")
	require.True(t, ok)
	assert.Equal(t, "h", res.Path)

	_, ok = r.Lookup("missing")
	assert.False(t, ok)
}

func TestRegistryRegisterReplacesExistingPath(t *testing.T) {
	r := NewRegistry()
	r.Register(Resource{Path: "l", Secured: false, Handle: noopHandler})
	r.Register(Resource{Path: "l", Secured: true, Handle: noopHandler})

	res, ok := r.Lookup("l")
	require.True(t, ok)
	assert.True(t, res.Secured)
}

func TestRegistryDiscoverOmitsSecuredResources(t *testing.T) {
	r := NewRegistry()
	r.Register(Resource{Path: "h", Secured: false, Handle: noopHandler})
	r.Register(Resource{Path: "c", Secured: true, Handle: noopHandler})

	paths := r.Discover()
	assert.Contains(t, paths, "h")
	assert.NotContains(t, paths, "c")
}
