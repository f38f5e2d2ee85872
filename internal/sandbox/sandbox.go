// Package sandbox implements C3, the module runtime: sandboxes that host one
// module each, ports that expose and consume named services across a
// sandbox boundary, and linkers that exchange service handles between two
// ports (§4.3).
package sandbox

import (
	"foundry/internal/types"
)

// ServiceFunc is a capability-table entry: a locally callable method on an
// exported service, keyed by service id and invoked by method name with an
// opaque, module-defined argument/result encoding. The original's
// dynamic-dispatch trait objects become this single function-pointer shape
// (§9 REDESIGN FLAGS, "capability tables").
type ServiceFunc func(method string, args []byte) ([]byte, error)

// Sandbox is an isolated execution domain hosting one module (§4.3).
type Sandbox interface {
	// Debug sends an opaque diagnostic request directly to the module,
	// bypassing the port/service machinery.
	Debug(arg []byte) ([]byte, error)
	// NewPort creates a fresh port into this sandbox's module.
	NewPort() (Port, error)
	// SupportedLinkers lists the linker tags this sandbox's ports accept.
	SupportedLinkers() []string
	// SetStorage installs the module's per-block sub-storage handle if the
	// hosted module implements StatefulModule, reporting whether it did
	// (§6.2 "stateful", called once per block before block_opened). sub is
	// typed any because sandbox cannot import the state package without
	// creating an import cycle; implementations forward it unchanged.
	SetStorage(sub any) bool
	// Shutdown disables garbage collection of remote handles and tears the
	// sandbox down. Idempotent.
	Shutdown() error
}

// StatefulModule is implemented by modules that receive their per-block
// storage handle as a direct, in-process call before block_opened, rather
// than through the port/service machinery (§6.2 "stateful"). Only
// single-process modules can implement it: a live storage handle cannot
// cross the OS-process boundary a ProcessSandbox guards.
type StatefulModule interface {
	SetStorage(sub any)
}

// Sandboxer loads modules into a particular kind of Sandbox.
type Sandboxer interface {
	ID() string
	SupportedModuleTypes() []string
	// Load starts a module from artifactPath with the given init payload and
	// named export constructors, returning its Sandbox once initialized.
	Load(artifactPath string, init []byte, exports map[string][]byte) (Sandbox, error)
}

// Registry resolves a sandboxer tag to an implementation, used by the
// coordinator's wiring algorithm step 2 (§4.3).
type Registry struct {
	byID map[string]Sandboxer
}

func NewRegistry() *Registry { return &Registry{byID: make(map[string]Sandboxer)} }

func (r *Registry) Register(s Sandboxer) { r.byID[s.ID()] = s }

func (r *Registry) Get(id string) (Sandboxer, error) {
	s, ok := r.byID[id]
	if !ok {
		return nil, types.NewError(types.ErrSandboxerUnknown, nil)
	}
	return s, nil
}
