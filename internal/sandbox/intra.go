package sandbox

import (
	"sync"

	"foundry/internal/types"
)

// IntraModule is the contract a single-process module implements: the host
// loads it by calling Initialize once, then the module's exports are
// reachable through ports created via NewPort. This stands in for the
// original's remote-trait-object FoundryModule interface collapsed onto a
// single address space (§9 REDESIGN FLAGS).
type IntraModule interface {
	Initialize(init []byte, exports map[string][]byte) error
	Debug(arg []byte) ([]byte, error)
	// Export returns this module's capability table, keyed by a dense,
	// module-assigned service id.
	Export() map[uint64]ServiceFunc
	Shutdown()
}

// SingleProcessSandbox hosts a module in the host's own process, on the
// host's own goroutines (§4.3 "single-process, in-process, cooperative").
type SingleProcessSandbox struct {
	mu       sync.Mutex
	module   IntraModule
	shutdown bool
}

func NewSingleProcessSandbox(module IntraModule) *SingleProcessSandbox {
	return &SingleProcessSandbox{module: module}
}

func (s *SingleProcessSandbox) Debug(arg []byte) ([]byte, error) {
	return s.module.Debug(arg)
}

func (s *SingleProcessSandbox) NewPort() (Port, error) {
	p := newLocalPort()
	p.Export(exportIDsOf(s.module.Export()), s.module.Export())
	return p, nil
}

func (s *SingleProcessSandbox) SupportedLinkers() []string { return []string{"intra"} }

// SetStorage forwards to the hosted module directly if it implements
// StatefulModule; single-process modules share the host's address space, so
// this is an ordinary method call rather than a service exchanged over a
// port (§6.2 "stateful").
func (s *SingleProcessSandbox) SetStorage(sub any) bool {
	sm, ok := s.module.(StatefulModule)
	if !ok {
		return false
	}
	sm.SetStorage(sub)
	return true
}

func (s *SingleProcessSandbox) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return nil
	}
	s.module.Shutdown()
	s.shutdown = true
	return nil
}

func exportIDsOf(caps map[uint64]ServiceFunc) []uint64 {
	ids := make([]uint64, 0, len(caps))
	for id := range caps {
		ids = append(ids, id)
	}
	return ids
}

// SingleProcessSandboxer loads modules registered in-process by a
// constructor function, the Go analogue of loading a dynamic artifact
// (§4.3): there is no dynamic loading story in Go worth emulating, so the
// "artifact path" doubles as a registry key.
type SingleProcessSandboxer struct {
	constructors map[string]func() IntraModule
}

func NewSingleProcessSandboxer() *SingleProcessSandboxer {
	return &SingleProcessSandboxer{constructors: make(map[string]func() IntraModule)}
}

func (s *SingleProcessSandboxer) Register(artifactPath string, ctor func() IntraModule) {
	s.constructors[artifactPath] = ctor
}

func (s *SingleProcessSandboxer) ID() string { return "single-process" }

func (s *SingleProcessSandboxer) SupportedModuleTypes() []string { return []string{"intra"} }

func (s *SingleProcessSandboxer) Load(artifactPath string, init []byte, exports map[string][]byte) (Sandbox, error) {
	ctor, ok := s.constructors[artifactPath]
	if !ok {
		return nil, types.NewError(types.ErrModuleNotFound, nil)
	}
	module := ctor()
	if err := module.Initialize(init, exports); err != nil {
		return nil, err
	}
	return NewSingleProcessSandbox(module), nil
}

// IntraLinker exchanges handles directly, in-memory, between two
// SingleProcessSandbox ports (§4.3).
type IntraLinker struct{}

func (IntraLinker) ID() string { return "intra" }

func (IntraLinker) Link(a, b Port) error {
	la, aok := a.(*localPort)
	lb, bok := b.(*localPort)
	if !aok || !bok {
		return types.NewError(types.ErrUnsupportedPortType, nil)
	}
	aToB := la.Handles(la.exportIDs)
	bToA := lb.Handles(lb.exportIDs)
	if len(aToB) != len(lb.importSlots) || len(bToA) != len(la.importSlots) {
		return types.NewError(types.ErrImportCountOutOfBounds, nil)
	}
	remoteForB := make(map[string]ServiceFunc, len(lb.importSlots))
	for i, slot := range lb.importSlots {
		remoteForB[slot] = selectHandle(aToB, i)
	}
	remoteForA := make(map[string]ServiceFunc, len(la.importSlots))
	for i, slot := range la.importSlots {
		remoteForA[slot] = selectHandle(bToA, i)
	}
	if err := lb.Bind(remoteForB); err != nil {
		return err
	}
	return la.Bind(remoteForA)
}

// selectHandle picks the i-th handle from a capability table in id order,
// matching the exporter's dense export_ids ordering against the importer's
// declared slot order (§4.3 step 3).
func selectHandle(caps map[uint64]ServiceFunc, i int) ServiceFunc {
	ids := exportIDsOf(caps)
	sortUint64(ids)
	if i >= len(ids) {
		return nil
	}
	return caps[ids[i]]
}

func sortUint64(ids []uint64) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}
