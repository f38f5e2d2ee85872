package sandbox

import (
	"foundry/internal/types"
)

// Port is a bidirectional endpoint inside a sandbox (§4.3). Export publishes
// local service ids; Import declares named slots the peer's exports must
// fill. Both calls may be made on either side of a pair — imports and
// exports are not mutually exclusive per port.
type Port interface {
	// Export registers the capability table entries to publish under ids.
	Export(ids []uint64, capabilities map[uint64]ServiceFunc)
	// Import declares the named slots this port expects the peer to fill.
	Import(slots []string)
	// Bind is called by a Linker once handle exchange succeeds, installing
	// the remote services this port may now call by slot name.
	Bind(remote map[string]ServiceFunc) error
	// Call invokes a previously bound import slot.
	Call(slot, method string, args []byte) ([]byte, error)
	// Handles returns the capability table entries under ids for
	// cross-port exchange; used by Linker implementations.
	Handles(ids []uint64) map[uint64]ServiceFunc
	// Slots returns the import slots this port declared.
	Slots() []string
}

// NewLocalPortForHost constructs a bare Port for the coordinator's
// host-facing services (§4.3 step 4): the host is a counterparty module
// with no sandbox of its own, so it needs a port without a Sandbox to vend
// one from.
func NewLocalPortForHost() Port { return newLocalPort() }

// localPort is the shared Port implementation used by both sandbox kinds;
// what differs between single- and multi-process sandboxes is only how
// Bind's remote ServiceFunc values actually reach the peer (direct closure
// vs. serialized RPC over the wire), not the port's bookkeeping.
type localPort struct {
	exportIDs    []uint64
	capabilities map[uint64]ServiceFunc
	importSlots  []string
	bound        map[string]ServiceFunc
}

func newLocalPort() *localPort {
	return &localPort{capabilities: make(map[uint64]ServiceFunc)}
}

func (p *localPort) Export(ids []uint64, capabilities map[uint64]ServiceFunc) {
	p.exportIDs = ids
	for _, id := range ids {
		if fn, ok := capabilities[id]; ok {
			p.capabilities[id] = fn
		}
	}
}

func (p *localPort) Import(slots []string) { p.importSlots = slots }

func (p *localPort) Slots() []string { return p.importSlots }

func (p *localPort) Handles(ids []uint64) map[uint64]ServiceFunc {
	out := make(map[uint64]ServiceFunc, len(ids))
	for _, id := range ids {
		if fn, ok := p.capabilities[id]; ok {
			out[id] = fn
		}
	}
	return out
}

func (p *localPort) Bind(remote map[string]ServiceFunc) error {
	if len(remote) != len(p.importSlots) {
		return types.NewError(types.ErrImportCountOutOfBounds, nil)
	}
	p.bound = remote
	return nil
}

func (p *localPort) Call(slot, method string, args []byte) ([]byte, error) {
	fn, ok := p.bound[slot]
	if !ok {
		return nil, types.NewError(types.ErrUnsupportedPortType, nil)
	}
	return fn(method, args)
}
