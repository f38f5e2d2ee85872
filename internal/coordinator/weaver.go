package coordinator

import (
	"fmt"
	"sort"

	"foundry/internal/sandbox"
)

// HostModuleName is the reserved name the weaver uses for host-facing
// services (tx_owner-independent contracts the coordinator itself answers),
// mirroring the original's HOST_ID.
const HostModuleName = "__host__"

type linkInfo struct {
	sb      sandbox.Sandbox
	caps    map[uint64]sandbox.ServiceFunc
	exports map[string]uint64 // export-name -> service id
	imports map[string]string // import-slot -> global-name
}

// Weaver instantiates every module's sandbox and links every pair that
// shares an import edge, exactly once per unordered pair (§4.3).
type Weaver struct {
	registry *sandbox.Registry
	linkers  *sandbox.LinkerSet
	modules  map[string]*linkInfo
	ports    map[string]map[string]sandbox.Port // module -> peer module -> bound port
}

func NewWeaver(registry *sandbox.Registry, linkers *sandbox.LinkerSet) *Weaver {
	return &Weaver{
		registry: registry,
		linkers:  linkers,
		modules:  make(map[string]*linkInfo),
		ports:    make(map[string]map[string]sandbox.Port),
	}
}

// ownerSlot is the host's deterministic import-slot name for a module's
// tx_owner export (§4.3 step 4, "the host acts as a counterparty module").
func ownerSlot(module string) string { return "owner:" + module }

// hostImportsFor derives the host's import map: one "owner:<module>" slot
// per module that owns at least one transaction type (targeting its
// tx_owner export), plus whatever host-facing services (tx_sorter,
// graphql_handler, ...) the descriptor's host.imports block names
// explicitly (§4.3 step 4).
func hostImportsFor(desc *Descriptor) map[string]string {
	seen := make(map[string]bool)
	imports := make(map[string]string)
	for _, module := range desc.Transactions {
		if seen[module] {
			continue
		}
		seen[module] = true
		imports[ownerSlot(module)] = module + "/tx_owner"
	}
	for slot, global := range desc.Host.Imports {
		imports[slot] = global
	}
	return imports
}

// Weave loads every module named in desc, then links every unordered pair
// of modules (including the reserved host entry, if present) that shares at
// least one import edge (§4.3 steps 1-3).
func (w *Weaver) Weave(desc *Descriptor, hostCaps map[uint64]sandbox.ServiceFunc) error {
	loadOrder := make([]string, 0, len(desc.Modules))
	for name := range desc.Modules {
		loadOrder = append(loadOrder, name)
	}
	sort.Strings(loadOrder)
	for _, name := range loadOrder {
		setup := desc.Modules[name]
		sandboxerID := setup.Sandboxer
		if sandboxerID == "" {
			sandboxerID = desc.DefaultSandboxer
		}
		sb, err := w.registry.Get(sandboxerID)
		if err != nil {
			return err
		}
		instance, err := sb.Load(setup.Hash, []byte(setup.InitConfig), stringMapToBytes(setup.Exports))
		if err != nil {
			return fmt.Errorf("coordinator: load module %q: %w", name, err)
		}
		w.modules[name] = &linkInfo{
			sb:      instance,
			exports: denseExportIDs(setup.Exports),
			imports: setup.Imports,
		}
	}
	w.modules[HostModuleName] = &linkInfo{
		caps:    hostCaps,
		exports: denseExportIDsFromCaps(hostCaps),
		imports: hostImportsFor(desc),
	}

	return w.linkAll()
}

// linkAll computes, for every unordered pair of modules sharing at least one
// import edge in either direction, the single Linker invocation that wires
// them (§4.3 invariant (a): each pair linked exactly once).
func (w *Weaver) linkAll() error {
	pairs := w.edgePairs()
	for _, pair := range pairs {
		a, b := pair[0], pair[1]
		ia, ib := w.modules[a], w.modules[b]

		aSlots := slotsTowards(ia.imports, b)
		bSlots := slotsTowards(ib.imports, a)

		portA, portB, err := w.linkPair(a, b, ia, ib, aSlots, bSlots)
		if err != nil {
			return fmt.Errorf("coordinator: link %q<->%q: %w", a, b, err)
		}
		w.bindPort(a, b, portA)
		w.bindPort(b, a, portB)
	}
	return nil
}

func (w *Weaver) linkPair(aName, bName string, ia, ib *linkInfo, aSlots, bSlots []string) (sandbox.Port, sandbox.Port, error) {
	if ia.sb != nil && ib.sb != nil {
		return w.linkers.LinkPair(ia.sb, ib.sb,
			exportIDList(ia.exports), ia.caps, aSlots,
			exportIDList(ib.exports), ib.caps, bSlots)
	}
	// One side is the host, which has no sandbox of its own; link its
	// in-process capability table directly via the intra linker's shape
	// without a Sandbox wrapper.
	return linkHostPair(ia, ib, aSlots, bSlots)
}

func (w *Weaver) bindPort(owner, peer string, p sandbox.Port) {
	if w.ports[owner] == nil {
		w.ports[owner] = make(map[string]sandbox.Port)
	}
	w.ports[owner][peer] = p
}

// Call routes a call from caller through its bound port for slot (declared
// in caller's imports) to the peer module that owns it.
func (w *Weaver) Call(caller, slot, method string, args []byte) ([]byte, error) {
	info := w.modules[caller]
	global, ok := info.imports[slot]
	if !ok {
		return nil, fmt.Errorf("coordinator: %q has no import slot %q", caller, slot)
	}
	peer, _ := SplitGlobalName(global)
	port, ok := w.ports[caller][peer]
	if !ok {
		return nil, fmt.Errorf("coordinator: %q has no bound port to %q", caller, peer)
	}
	return port.Call(slot, method, args)
}

// SetModuleStorage installs sub as module's per-block storage handle if its
// sandbox supports the stateful contract (§6.2), reporting whether it did.
// The host module itself never carries storage and always reports false.
func (w *Weaver) SetModuleStorage(module string, sub any) bool {
	info, ok := w.modules[module]
	if !ok || info.sb == nil {
		return false
	}
	return info.sb.SetStorage(sub)
}

// Shutdown tears sandboxes down in reverse load order (§4.3 invariant (d)):
// Weave loads modules in ascending name order, so this walks names descending.
func (w *Weaver) Shutdown() {
	names := make([]string, 0, len(w.modules))
	for name := range w.modules {
		if name != HostModuleName {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for i := len(names) - 1; i >= 0; i-- {
		if sb := w.modules[names[i]].sb; sb != nil {
			sb.Shutdown()
		}
	}
}

// edgePairs returns every unordered {a,b} pair with at least one import edge
// between them, each appearing exactly once, in deterministic order.
func (w *Weaver) edgePairs() [][2]string {
	seen := make(map[[2]string]bool)
	var pairs [][2]string
	for name, info := range w.modules {
		for _, global := range info.imports {
			peer, ok := splitOrEmpty(global)
			if !ok || peer == name {
				continue
			}
			key := orderedPair(name, peer)
			if seen[key] {
				continue
			}
			seen[key] = true
			pairs = append(pairs, key)
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})
	return pairs
}

func splitOrEmpty(global string) (string, bool) {
	if !IsGlobalName(global) {
		return "", false
	}
	m, _ := SplitGlobalName(global)
	return m, true
}

func orderedPair(a, b string) [2]string {
	if a < b {
		return [2]string{a, b}
	}
	return [2]string{b, a}
}

// slotsTowards returns the import slots in imports whose global-name targets
// peer, sorted for determinism.
func slotsTowards(imports map[string]string, peer string) []string {
	var slots []string
	for slot, global := range imports {
		if m, ok := splitOrEmpty(global); ok && m == peer {
			slots = append(slots, slot)
		}
	}
	sort.Strings(slots)
	return slots
}

func denseExportIDs(exports map[string]string) map[string]uint64 {
	names := make([]string, 0, len(exports))
	for name := range exports {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make(map[string]uint64, len(names))
	for i, name := range names {
		out[name] = uint64(i)
	}
	return out
}

func denseExportIDsFromCaps(caps map[uint64]sandbox.ServiceFunc) map[string]uint64 {
	// host capabilities are already keyed by dense id; expose them under a
	// synthetic name equal to their id so exportIDList/slotsTowards keep
	// working uniformly.
	out := make(map[string]uint64, len(caps))
	for id := range caps {
		out[fmt.Sprintf("%d", id)] = id
	}
	return out
}

func exportIDList(exports map[string]uint64) []uint64 {
	ids := make([]uint64, 0, len(exports))
	for _, id := range exports {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func stringMapToBytes(m map[string]string) map[string][]byte {
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = []byte(v)
	}
	return out
}

// linkHostPair links the host's in-process capability table against a real
// module sandbox (or another host-like endpoint) using the same
// exactly-once pairing the intra linker provides, without requiring the
// host to implement the Sandbox interface itself. This only works when the
// peer sandbox also vends *localPort instances (single-process modules);
// wiring the host to a multi-process module needs its own bridge process
// and is out of scope for the illustrative descriptors this package ships.
func linkHostPair(ia, ib *linkInfo, aSlots, bSlots []string) (sandbox.Port, sandbox.Port, error) {
	linker := sandbox.IntraLinker{}
	portA, err := hostSidePort(ia, aSlots)
	if err != nil {
		return nil, nil, err
	}
	portB, err := hostSidePort(ib, bSlots)
	if err != nil {
		return nil, nil, err
	}
	if err := linker.Link(portA, portB); err != nil {
		return nil, nil, err
	}
	return portA, portB, nil
}

// hostSidePort returns a Port for one side of a host<->module link. A real
// module sandbox already exports its full capability table the moment its
// port is created (SingleProcessSandbox.NewPort); only the bare host side
// needs its capabilities attached explicitly here.
func hostSidePort(info *linkInfo, importSlots []string) (sandbox.Port, error) {
	if info.sb != nil {
		port, err := info.sb.NewPort()
		if err != nil {
			return nil, err
		}
		port.Import(importSlots)
		return port, nil
	}
	port := sandbox.NewLocalPortForHost()
	port.Export(exportIDList(info.exports), info.caps)
	port.Import(importSlots)
	return port, nil
}
