package channel

import (
	"github.com/fenwick-labs/nexuscore/coap"
	"github.com/fenwick-labs/nexuscore/originmsg"
)

// Handler processes one authenticated or unsecured CoAP request body
// for a registered resource and returns the response payload to seal
// and send back. origin identifies the requesting device, resolved by
// the transport from the datagram's source.
type Handler func(req *coap.Message, origin originmsg.AccessoryRef, body []byte) ([]byte, coap.Code)

// Resource is one entry in the registry: a URI path this side answers
// requests on, and whether requests to it must carry a valid COSE-MAC0
// envelope. The handshake resource itself is the one
// exception that must remain unsecured, since no link key exists yet.
type Resource struct {
	Path     string
	Secured  bool
	Handle   Handler
}

// Registry dispatches inbound CoAP requests to the resource registered
// for their Uri-Path. A flat table, not a routing tree; the resource
// set is small and fixed.
type Registry struct {
	resources map[string]Resource
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{resources: make(map[string]Resource)}
}

// Register adds or replaces the handler for a path.
func (r *Registry) Register(res Resource) {
	r.resources[res.Path] = res
}

// Lookup returns the resource registered for a path, or false if none
// exists.
func (r *Registry) Lookup(path string) (Resource, bool) {
	res, ok := r.resources[path]
	return res, ok
}

// Discover lists the paths a multicast endpoint query may learn about.
// Secured resources are never advertised; discovery requests
// targeting them are routed but not answered.
func (r *Registry) Discover() []string {
	out := make([]string, 0, len(r.resources))
	for path, res := range r.resources {
		if res.Secured {
			continue
		}
		out = append(out, path)
	}
	return out
}
