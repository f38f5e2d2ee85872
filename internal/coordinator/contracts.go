package coordinator

import (
	"encoding/json"

	"foundry/internal/state"
	"foundry/internal/types"
)

// The module-facing service contracts of §6.2. These are thin, JSON-encoded
// request/response shapes carried as a sandbox ServiceFunc's opaque
// method+payload — an encoding local to the host/module boundary, distinct
// from the canonical chain encoding of §6.4 which RLP serves instead.

type blockOpenedRequest struct {
	Header types.PreHeader `json:"header"`
}

type executeTransactionRequest struct {
	Tx types.Transaction `json:"tx"`
}

type executeTransactionResponse struct {
	Outcome *types.Outcome `json:"outcome,omitempty"`
	ErrKind string         `json:"err_kind,omitempty"`
}

type checkTransactionResponse struct {
	OK      bool   `json:"ok"`
	ErrKind string `json:"err_kind,omitempty"`
}

type blockClosedResponse struct {
	Events                 [][]byte               `json:"events,omitempty"`
	UpdatedValidatorSet     *types.ValidatorSet     `json:"updated_validator_set,omitempty"`
	UpdatedConsensusParams  *types.ConsensusParams  `json:"updated_consensus_params,omitempty"`
}

// statefulModule wraps the host's installation of a module's per-block
// storage handle (§6.2 "stateful"), called once per block before
// block_opened. Unlike txOwner this never crosses a port: the handle is a
// live *state.SubState, not an opaque byte payload a wire encoding could
// carry, so the weaver routes it as a direct call into the module's
// sandbox instead of a serialized method invocation.
type statefulModule struct {
	weaver *Weaver
	module string
}

// SetStorage installs sub, reporting whether module's sandbox accepted it
// (false for modules that hold no stateful storage, e.g. pure tx_sorter
// modules, and for any module running in a ProcessSandbox).
func (s *statefulModule) SetStorage(sub *state.SubState) bool {
	return s.weaver.SetModuleStorage(s.module, sub)
}

// txOwner wraps a weaver call to a module's tx_owner export (§6.2).
type txOwner struct {
	weaver *Weaver
	caller string // not read: call always goes through HostModuleName's import slots
	module string
}

func (t *txOwner) call(method string, reqBody []byte) ([]byte, error) {
	return t.weaver.Call(HostModuleName, ownerSlot(t.module), method, reqBody)
}

func (t *txOwner) BlockOpened(header types.PreHeader) error {
	req, _ := json.Marshal(blockOpenedRequest{Header: header})
	_, err := t.call("block_opened", req)
	return err
}

func (t *txOwner) ExecuteTransaction(tx types.Transaction) (*types.Outcome, error) {
	req, _ := json.Marshal(executeTransactionRequest{Tx: tx})
	raw, err := t.call("execute_transaction", req)
	if err != nil {
		return nil, err
	}
	var resp executeTransactionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if resp.ErrKind != "" {
		return nil, types.NewError(resp.ErrKind, nil)
	}
	return resp.Outcome, nil
}

func (t *txOwner) CheckTransaction(tx types.Transaction) error {
	req, _ := json.Marshal(executeTransactionRequest{Tx: tx})
	raw, err := t.call("check_transaction", req)
	if err != nil {
		return err
	}
	var resp checkTransactionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return types.NewError(resp.ErrKind, nil)
	}
	return nil
}

func (t *txOwner) BlockClosed() (blockClosedResponse, error) {
	raw, err := t.call("block_closed", nil)
	if err != nil {
		return blockClosedResponse{}, err
	}
	var resp blockClosedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return blockClosedResponse{}, err
	}
	return resp, nil
}
