package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"foundry/internal/types"
)

// bridgeStreamDesc describes the single bidirectional-streaming RPC every
// multi-process sandbox exposes: a raw, protowire-framed byte channel
// (§4.3 "separate OS process communicating over a bidirectional byte
// channel"). Multiplexing several logical services and methods onto it is
// the job of envelope, not of gRPC itself.
var bridgeStreamDesc = grpc.StreamDesc{
	StreamName:    "Exchange",
	ServerStreams: true,
	ClientStreams: true,
}

const bridgeMethod = "/foundry.sandbox.Bridge/Exchange"

// ProcessSandbox hosts a module in a child OS process, exchanging envelope
// frames with it over a single gRPC bidi stream dialed at the process's
// control socket (§4.3 "multi-process").
type ProcessSandbox struct {
	cmd    *exec.Cmd
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc

	capabilities map[uint64]ServiceFunc

	mu       sync.Mutex
	pending  map[uint64]chan envelope
	nextCorr uint64

	closeOnce sync.Once
}

// dialWithRetry gives the child process a short grace period to bind its
// control socket before the first dial attempt succeeds.
func dialWithRetry(ctx context.Context, target string) (*grpc.ClientConn, error) {
	deadline := time.Now().Add(5 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		conn, err := grpc.DialContext(attemptCtx, target,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithBlock(),
		)
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(50 * time.Millisecond)
	}
	return nil, fmt.Errorf("sandbox: dial %s: %w", target, lastErr)
}

func newProcessSandbox(artifactPath string, sockAddr string) (*ProcessSandbox, error) {
	cmd := exec.Command(artifactPath, "--sandbox-sock", sockAddr)
	if err := cmd.Start(); err != nil {
		return nil, types.NewError(types.ErrModuleNotFound, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn, err := dialWithRetry(ctx, sockAddr)
	if err != nil {
		cancel()
		_ = cmd.Process.Kill()
		return nil, types.NewError(types.ErrModuleNotFound, err)
	}

	stream, err := conn.NewStream(ctx, &bridgeStreamDesc, bridgeMethod, grpc.CallContentSubtype(codecName))
	if err != nil {
		cancel()
		conn.Close()
		_ = cmd.Process.Kill()
		return nil, err
	}

	ps := &ProcessSandbox{
		cmd:          cmd,
		conn:         conn,
		stream:       stream,
		cancel:       cancel,
		capabilities: make(map[uint64]ServiceFunc),
		pending:      make(map[uint64]chan envelope),
	}
	go ps.readLoop()
	return ps, nil
}

func (ps *ProcessSandbox) readLoop() {
	for {
		var raw []byte
		if err := ps.stream.RecvMsg(&raw); err != nil {
			ps.failPending(err)
			return
		}
		env, err := decodeEnvelope(raw)
		if err != nil {
			continue
		}
		if env.isResponse {
			ps.deliver(env)
			continue
		}
		go ps.handleRequest(env)
	}
}

func (ps *ProcessSandbox) handleRequest(req envelope) {
	resp := envelope{correlationID: req.correlationID, isResponse: true, serviceID: req.serviceID}
	fn, ok := ps.capabilities[req.serviceID]
	if !ok {
		resp.isError = true
		resp.payload = []byte("sandbox: unknown service id")
	} else {
		out, err := fn(req.method, req.payload)
		if err != nil {
			resp.isError = true
			resp.payload = []byte(err.Error())
		} else {
			resp.payload = out
		}
	}
	raw := encodeEnvelope(resp)
	_ = ps.stream.SendMsg(&raw)
}

func (ps *ProcessSandbox) deliver(env envelope) {
	ps.mu.Lock()
	ch, ok := ps.pending[env.correlationID]
	if ok {
		delete(ps.pending, env.correlationID)
	}
	ps.mu.Unlock()
	if ok {
		ch <- env
	}
}

func (ps *ProcessSandbox) failPending(err error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for id, ch := range ps.pending {
		ch <- envelope{correlationID: id, isResponse: true, isError: true, payload: []byte(err.Error())}
		delete(ps.pending, id)
	}
}

// callRemote sends a request envelope and blocks for the matching response,
// the RPC half of §4.3's "tunnel through a serialised RPC on the port".
func (ps *ProcessSandbox) callRemote(serviceID uint64, method string, args []byte) ([]byte, error) {
	corr := atomic.AddUint64(&ps.nextCorr, 1)
	ch := make(chan envelope, 1)
	ps.mu.Lock()
	ps.pending[corr] = ch
	ps.mu.Unlock()

	req := encodeEnvelope(envelope{serviceID: serviceID, method: method, payload: args, correlationID: corr})
	if err := ps.stream.SendMsg(&req); err != nil {
		return nil, err
	}
	resp := <-ch
	if resp.isError {
		return nil, types.NewError(types.ErrTermination, fmt.Errorf("%s", string(resp.payload)))
	}
	return resp.payload, nil
}

func (ps *ProcessSandbox) Debug(arg []byte) ([]byte, error) {
	return ps.callRemote(0, "debug", arg)
}

func (ps *ProcessSandbox) NewPort() (Port, error) {
	return newRemotePort(ps), nil
}

func (ps *ProcessSandbox) SupportedLinkers() []string { return []string{"process"} }

// SetStorage is unsupported across a process boundary: a *state.SubState is
// a live Go value, not something the envelope wire format can carry, so a
// multi-process stateful module needs its own storage bridge. None of the
// descriptors this package ships declare one, so this always reports false.
func (ps *ProcessSandbox) SetStorage(sub any) bool { return false }

func (ps *ProcessSandbox) Shutdown() error {
	var err error
	ps.closeOnce.Do(func() {
		ps.cancel()
		ps.conn.Close()
		if ps.cmd.Process != nil {
			err = ps.cmd.Process.Kill()
		}
		ps.cmd.Wait()
	})
	return err
}

// remotePort is the multi-process Port: like localPort it tracks export ids
// and import slots, but Call forwards over the sandbox's gRPC stream
// instead of invoking a Go closure directly.
type remotePort struct {
	*localPort
	sandbox         *ProcessSandbox
	boundServiceIDs map[string]uint64
}

func newRemotePort(ps *ProcessSandbox) *remotePort {
	return &remotePort{localPort: newLocalPort(), sandbox: ps, boundServiceIDs: make(map[string]uint64)}
}

func (p *remotePort) Export(ids []uint64, capabilities map[uint64]ServiceFunc) {
	p.localPort.Export(ids, capabilities)
	for _, id := range ids {
		if fn, ok := capabilities[id]; ok {
			p.sandbox.capabilities[id] = fn
		}
	}
}

func (p *remotePort) Call(slot, method string, args []byte) ([]byte, error) {
	id, ok := p.boundServiceIDs[slot]
	if !ok {
		return nil, types.NewError(types.ErrUnsupportedPortType, nil)
	}
	return p.sandbox.callRemote(id, method, args)
}

// ProcessSandboxer launches modules as subprocesses, each listening for the
// bridge stream on its own unix-domain control socket (§4.3 "multi-process,
// separate OS process").
type ProcessSandboxer struct {
	sockDir string
	seq     uint64
}

func NewProcessSandboxer(sockDir string) *ProcessSandboxer {
	return &ProcessSandboxer{sockDir: sockDir}
}

func (s *ProcessSandboxer) ID() string { return "multi-process" }

func (s *ProcessSandboxer) SupportedModuleTypes() []string { return []string{"process"} }

func (s *ProcessSandboxer) Load(artifactPath string, init []byte, exports map[string][]byte) (Sandbox, error) {
	s.seq++
	sock := fmt.Sprintf("unix://%s/sandbox-%d.sock", s.sockDir, s.seq)
	ps, err := newProcessSandbox(artifactPath, sock)
	if err != nil {
		return nil, err
	}
	if _, err := ps.callRemote(0, "initialize", encodeInitPayload(init, exports)); err != nil {
		ps.Shutdown()
		return nil, err
	}
	return ps, nil
}

// encodeInitPayload packs the init blob and named export constructors into
// a single envelope payload using the same protowire machinery as the
// request/response frames, so the bridge protocol has exactly one encoding
// scheme end to end.
func encodeInitPayload(init []byte, exports map[string][]byte) []byte {
	var b []byte
	b = append(b, encodeEnvelope(envelope{payload: init})...)
	for name, data := range exports {
		b = append(b, encodeEnvelope(envelope{method: name, payload: data})...)
	}
	return b
}

// ProcessLinker exchanges handles between two process sandboxes: since each
// remotePort's Call already forwards to its own sandbox's stream, linking is
// just recording which service id a given import slot resolves to on the
// peer, which the port's own Export set already exposed to the peer
// sandbox's capability table.
type ProcessLinker struct{}

func (ProcessLinker) ID() string { return "process" }

func (ProcessLinker) Link(a, b Port) error {
	ra, aok := a.(*remotePort)
	rb, bok := b.(*remotePort)
	if !aok || !bok {
		return types.NewError(types.ErrUnsupportedPortType, nil)
	}
	if len(ra.exportIDs) != len(rb.importSlots) || len(rb.exportIDs) != len(ra.importSlots) {
		return types.NewError(types.ErrImportCountOutOfBounds, nil)
	}
	ra.boundServiceIDs = bindSlotsToIDs(rb.importSlots, ra.exportIDs)
	rb.boundServiceIDs = bindSlotsToIDs(ra.importSlots, rb.exportIDs)
	return nil
}

func bindSlotsToIDs(slots []string, ids []uint64) map[string]uint64 {
	sorted := append([]uint64(nil), ids...)
	sortUint64(sorted)
	out := make(map[string]uint64, len(slots))
	for i, slot := range slots {
		if i < len(sorted) {
			out[slot] = sorted[i]
		}
	}
	return out
}
