package route

import "github.com/tproxy/tproxy/internal/netutil"

// Kind tags the variant a Decision carries.
type Kind int

const (
	// NeedMore means decide produced nothing yet; the accumulated buffer
	// is not sufficient to decide.
	NeedMore Kind = iota
	// Forward means dial the given remote and relay.
	Forward
	// Close means reply (optionally) and close without dialing.
	Close
)

// Decision is the tagged result of a route script's Decide call.
//
// Semantics (spec §3): when Data is set, it replaces the accumulated
// client buffer before forwarding; when Reply is set, those bytes are
// written back to the client before dialing. Close's CloseReply is
// written before closing.
type Decision struct {
	Kind Kind

	// Forward fields.
	Remote            netutil.Address
	SSL               bool
	SSLOpts           map[string]string
	Data              []byte
	Reply             []byte
	ConnectTimeoutSec float64
	InactivityTimeoutSec float64
	Extra             any

	// Close fields.
	CloseReply []byte
}
