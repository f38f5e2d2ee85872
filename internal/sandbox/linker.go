package sandbox

import "foundry/internal/types"

// Linker pairs two ports' exports and imports and performs the handle
// exchange (§4.3). Each linker advertises an id; two sandboxes can only be
// linked by a linker both of them list in SupportedLinkers.
type Linker interface {
	ID() string
	Link(a, b Port) error
}

// LinkerSet resolves the best mutually supported linker for a pair of
// sandboxes (§4.3 step 3: "invoke the best mutually supported Linker").
type LinkerSet struct {
	byID  map[string]Linker
	order []string // preference order, most capable first
}

func NewLinkerSet(linkers ...Linker) *LinkerSet {
	ls := &LinkerSet{byID: make(map[string]Linker, len(linkers))}
	for _, l := range linkers {
		ls.byID[l.ID()] = l
		ls.order = append(ls.order, l.ID())
	}
	return ls
}

// Resolve picks the first linker id (in registration order) present in both
// supported lists, and fails with NoLinkerForPair if none match.
func (ls *LinkerSet) Resolve(aSupported, bSupported []string) (Linker, error) {
	bSet := make(map[string]struct{}, len(bSupported))
	for _, id := range bSupported {
		bSet[id] = struct{}{}
	}
	aSet := make(map[string]struct{}, len(aSupported))
	for _, id := range aSupported {
		aSet[id] = struct{}{}
	}
	for _, id := range ls.order {
		_, inA := aSet[id]
		_, inB := bSet[id]
		if inA && inB {
			return ls.byID[id], nil
		}
	}
	return nil, types.NewError(types.ErrNoLinkerForPair, nil)
}

// LinkPair opens one port on each sandbox, applies the export/import
// declarations, invokes the resolved linker, and returns both bound ports so
// the caller (the coordinator's wiring algorithm) can route calls through
// them afterwards (§4.3 step 3).
func (ls *LinkerSet) LinkPair(a, b Sandbox, aExports []uint64, aCaps map[uint64]ServiceFunc, aImports []string, bExports []uint64, bCaps map[uint64]ServiceFunc, bImports []string) (Port, Port, error) {
	linker, err := ls.Resolve(a.SupportedLinkers(), b.SupportedLinkers())
	if err != nil {
		return nil, nil, err
	}
	portA, err := a.NewPort()
	if err != nil {
		return nil, nil, err
	}
	portB, err := b.NewPort()
	if err != nil {
		return nil, nil, err
	}
	// A sandbox's own NewPort already publishes its module's full capability
	// table (see SingleProcessSandbox.NewPort); only override it when the
	// caller supplies an explicit capability map, which is how the
	// coordinator's bare host endpoint (no sandbox of its own) attaches its
	// exports.
	if aCaps != nil {
		portA.Export(aExports, aCaps)
	}
	portA.Import(aImports)
	if bCaps != nil {
		portB.Export(bExports, bCaps)
	}
	portB.Import(bImports)
	if err := linker.Link(portA, portB); err != nil {
		return nil, nil, err
	}
	return portA, portB, nil
}
