package sandbox

import (
	"testing"

	"foundry/internal/types"
)

type echoModule struct {
	initialized bool
}

func (m *echoModule) Initialize(init []byte, exports map[string][]byte) error {
	m.initialized = true
	return nil
}

func (m *echoModule) Debug(arg []byte) ([]byte, error) { return arg, nil }

func (m *echoModule) Export() map[uint64]ServiceFunc {
	return map[uint64]ServiceFunc{
		1: func(method string, args []byte) ([]byte, error) {
			return append([]byte("echo:"), args...), nil
		},
	}
}

func (m *echoModule) Shutdown() {}

func newEchoSandboxer() *SingleProcessSandboxer {
	sb := NewSingleProcessSandboxer()
	sb.Register("echo", func() IntraModule { return &echoModule{} })
	return sb
}

func TestSingleProcessLoadAndDebug(t *testing.T) {
	sb := newEchoSandboxer()
	sandbox, err := sb.Load("echo", nil, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	out, err := sandbox.Debug([]byte("ping"))
	if err != nil || string(out) != "ping" {
		t.Fatalf("debug = %q, %v", out, err)
	}
}

func TestLoadUnknownArtifactFails(t *testing.T) {
	sb := newEchoSandboxer()
	_, err := sb.Load("missing", nil, nil)
	if err == nil {
		t.Fatalf("expected ModuleNotFound")
	}
	ce, ok := err.(*types.CodedError)
	if !ok || ce.Kind != types.ErrModuleNotFound {
		t.Fatalf("expected ModuleNotFound, got %v", err)
	}
}

func TestIntraLinkerExchangesHandles(t *testing.T) {
	sb := newEchoSandboxer()
	a, err := sb.Load("echo", nil, nil)
	if err != nil {
		t.Fatalf("load a: %v", err)
	}
	b, err := sb.Load("echo", nil, nil)
	if err != nil {
		t.Fatalf("load b: %v", err)
	}

	linkers := NewLinkerSet(IntraLinker{})
	aModule := a.(*SingleProcessSandbox).module
	bModule := b.(*SingleProcessSandbox).module

	portA, portB, err := linkers.LinkPair(a, b,
		exportIDsOf(aModule.Export()), aModule.Export(), []string{"peer"},
		exportIDsOf(bModule.Export()), bModule.Export(), []string{"peer"},
	)
	if err != nil {
		t.Fatalf("link: %v", err)
	}

	out, err := portA.Call("peer", "greet", []byte("hi"))
	if err != nil || string(out) != "echo:hi" {
		t.Fatalf("call from a to b = %q, %v", out, err)
	}
	out, err = portB.Call("peer", "greet", []byte("yo"))
	if err != nil || string(out) != "echo:yo" {
		t.Fatalf("call from b to a = %q, %v", out, err)
	}
}

func TestIntraLinkRejectsImportCountMismatch(t *testing.T) {
	sb := newEchoSandboxer()
	a, _ := sb.Load("echo", nil, nil)
	b, _ := sb.Load("echo", nil, nil)
	aModule := a.(*SingleProcessSandbox).module
	bModule := b.(*SingleProcessSandbox).module

	linkers := NewLinkerSet(IntraLinker{})
	_, _, err := linkers.LinkPair(a, b,
		exportIDsOf(aModule.Export()), aModule.Export(), []string{"peer", "extra"},
		exportIDsOf(bModule.Export()), bModule.Export(), []string{"peer"},
	)
	if err == nil {
		t.Fatalf("expected ImportCountOutOfBounds")
	}
	ce, ok := err.(*types.CodedError)
	if !ok || ce.Kind != types.ErrImportCountOutOfBounds {
		t.Fatalf("expected ImportCountOutOfBounds, got %v", err)
	}
}

func TestLinkerSetNoMutualLinkerFails(t *testing.T) {
	ls := NewLinkerSet(IntraLinker{})
	_, err := ls.Resolve([]string{"intra"}, []string{"process"})
	if err == nil {
		t.Fatalf("expected NoLinkerForPair")
	}
	ce, ok := err.(*types.CodedError)
	if !ok || ce.Kind != types.ErrNoLinkerForPair {
		t.Fatalf("expected NoLinkerForPair, got %v", err)
	}
}
