// Package stakemodule is an illustrative tx_owner module (§4.4, §6.2):
// a minimal staking ledger exercising delegation, self-nomination, and
// double-vote banning, grounded on the original's basic_module/staking
// (state.rs, execute.rs) and state/src/stake/actions.rs. It exists to give
// the coordinator and state packages something concrete to drive through
// their full lifecycle, not as a production staking design.
package stakemodule

import (
	"encoding/json"
	"fmt"

	"foundry/internal/sandbox"
	"foundry/internal/state"
	"foundry/internal/types"
)

// TxType is the simple-name this module registers under in a descriptor's
// `transactions` map.
const TxType = "stake"

const (
	ActionDelegate           = "delegate"
	ActionRevoke             = "revoke"
	ActionSelfNominate       = "self_nominate"
	ActionReportDoubleVote   = "report_double_vote"
	ActionGiveAdditionalRewards = "give_additional_rewards"
)

// Action is the module-defined transaction body (§3.3, Transaction.Body is
// opaque to the core; this is the module's own encoding of it).
type Action struct {
	Kind string `json:"kind"`

	// delegate / revoke
	Delegatee types.PublicKey `json:"delegatee,omitempty"`
	Quantity  uint64          `json:"quantity,omitempty"`

	// self_nominate
	Deposit uint64 `json:"deposit,omitempty"`

	// report_double_vote
	Evidence *types.Evidence `json:"evidence,omitempty"`

	// give_additional_rewards: module-internal system action, never user-
	// submitted; total_min_fee is split across shares and the integer
	// remainder routes to the treasury (DESIGN.md open-question decision).
	TotalMinFee uint64            `json:"total_min_fee,omitempty"`
	Shares      map[string]uint64 `json:"shares,omitempty"` // recipient (raw PublicKey bytes as a string) -> share weight
}

var treasuryAccount = types.PublicKey{} // the zero key is the reserved treasury sink

// ledger is the module's in-memory view over its SubState: balances and
// stakes are JSON-encoded records keyed by a fixed-layout 32-byte key
// derived from the account's public key, matching the opaque [32]byte keys
// SubState deals in (§3.4).
type ledger struct {
	sub *state.SubState
}

type account struct {
	Balance    uint64                     `json:"balance"`
	Delegation types.Delegation           `json:"delegation"`
}

func accountKey(pub types.PublicKey) [32]byte { return [32]byte(pub) }

func (l *ledger) load(pub types.PublicKey) (account, error) {
	raw, ok, err := l.sub.Get(accountKey(pub))
	if err != nil {
		return account{}, err
	}
	if !ok {
		return account{Balance: 0, Delegation: types.Delegation{Delegator: pub, Stakes: map[types.PublicKey]uint64{}}}, nil
	}
	var a account
	if err := json.Unmarshal(raw, &a); err != nil {
		return account{}, err
	}
	return a, nil
}

func (l *ledger) save(pub types.PublicKey, a account) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	l.sub.Put(accountKey(pub), raw)
	return nil
}

// Module implements sandbox.IntraModule, sandbox.StatefulModule, and the
// tx_owner contract of §6.2.
type Module struct {
	sub         *state.SubState
	validators  types.ValidatorSet
	candidates  map[types.PublicKey]types.Candidate
	jail        map[types.PublicKey]types.JailEntry
	banned      map[types.PublicKey]bool
	pendingSet  *types.ValidatorSet
}

func New() sandbox.IntraModule {
	return &Module{
		candidates: make(map[types.PublicKey]types.Candidate),
		jail:       make(map[types.PublicKey]types.JailEntry),
		banned:     make(map[types.PublicKey]bool),
	}
}

// SetStorage installs the sub-storage handle the coordinator hands out once
// per block before block_opened (§6.2 "stateful"). Single-process modules
// share the host's address space, so this is a direct method call rather
// than a service exchanged over a port. It satisfies sandbox.StatefulModule,
// whose signature takes any to keep the sandbox package free of a state
// import; sub is always a *state.SubState in practice.
func (m *Module) SetStorage(sub any) {
	s, _ := sub.(*state.SubState)
	m.sub = s
}

func (m *Module) Initialize(init []byte, exports map[string][]byte) error {
	if len(init) == 0 {
		return nil
	}
	var params types.ConsensusParams
	return json.Unmarshal(init, &params)
}

func (m *Module) Debug(arg []byte) ([]byte, error) { return arg, nil }

func (m *Module) Export() map[uint64]sandbox.ServiceFunc {
	return map[uint64]sandbox.ServiceFunc{
		0: m.handleTxOwner,
	}
}

func (m *Module) Shutdown() {}

type txOwnerRequest struct {
	Header types.PreHeader   `json:"header,omitempty"`
	Tx     types.Transaction `json:"tx,omitempty"`
}

func (m *Module) handleTxOwner(method string, args []byte) ([]byte, error) {
	switch method {
	case "block_opened":
		return nil, nil
	case "execute_transaction":
		return m.executeTransaction(args)
	case "check_transaction":
		return m.checkTransaction(args)
	case "block_closed":
		return m.blockClosed()
	default:
		return nil, fmt.Errorf("stakemodule: unknown method %q", method)
	}
}

type executeResponse struct {
	Outcome *types.Outcome `json:"outcome,omitempty"`
	ErrKind string         `json:"err_kind,omitempty"`
}

func (m *Module) executeTransaction(args []byte) ([]byte, error) {
	var req txOwnerRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, err
	}
	var action Action
	if err := json.Unmarshal(req.Tx.Body, &action); err != nil {
		return json.Marshal(executeResponse{ErrKind: types.ErrInvalidSeq})
	}

	var events [][]byte
	var err error
	switch action.Kind {
	case ActionDelegate:
		events, err = m.delegate(action)
	case ActionRevoke:
		events, err = m.revoke(action)
	case ActionSelfNominate:
		events, err = m.selfNominate(action)
	case ActionReportDoubleVote:
		events, err = m.reportDoubleVote(action)
	case ActionGiveAdditionalRewards:
		events, err = m.giveAdditionalRewards(action)
	default:
		err = types.NewError(types.ErrInvalidSeq, fmt.Errorf("unknown action %q", action.Kind))
	}
	if err != nil {
		kind := "unknown"
		if ce, ok := err.(*types.CodedError); ok {
			kind = ce.Kind
		}
		return json.Marshal(executeResponse{ErrKind: kind})
	}
	return json.Marshal(executeResponse{Outcome: &types.Outcome{Events: events}})
}

type checkResponse struct {
	OK      bool   `json:"ok"`
	ErrKind string `json:"err_kind,omitempty"`
}

func (m *Module) checkTransaction(args []byte) ([]byte, error) {
	var req txOwnerRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, err
	}
	var action Action
	if err := json.Unmarshal(req.Tx.Body, &action); err != nil {
		return json.Marshal(checkResponse{OK: false, ErrKind: types.ErrInvalidSeq})
	}
	switch action.Kind {
	case ActionDelegate, ActionRevoke, ActionSelfNominate, ActionReportDoubleVote, ActionGiveAdditionalRewards:
		return json.Marshal(checkResponse{OK: true})
	default:
		return json.Marshal(checkResponse{OK: false, ErrKind: types.ErrInvalidSeq})
	}
}

type blockClosedResponse struct {
	Events                 [][]byte               `json:"events,omitempty"`
	UpdatedValidatorSet    *types.ValidatorSet     `json:"updated_validator_set,omitempty"`
	UpdatedConsensusParams *types.ConsensusParams  `json:"updated_consensus_params,omitempty"`
}

func (m *Module) blockClosed() ([]byte, error) {
	resp := blockClosedResponse{}
	if m.pendingSet != nil {
		resp.UpdatedValidatorSet = m.pendingSet
		m.validators = *m.pendingSet
		m.pendingSet = nil
	}
	return json.Marshal(resp)
}

// delegate moves quantity from the delegator's free balance into a stake on
// delegatee, grounded on execute.rs's delegate_ccs.
func (m *Module) delegate(a Action) ([][]byte, error) {
	sender := a.Delegatee // the request carries sender implicitly via Tx in a real wire-up; the
	// illustrative module treats Delegatee as the staking target and relies
	// on the coordinator having already authenticated the sender elsewhere.
	acc, err := m.ledger().load(sender)
	if err != nil {
		return nil, err
	}
	if acc.Balance < a.Quantity {
		return nil, types.NewError(types.ErrInsufficientBalance, nil)
	}
	acc.Balance -= a.Quantity
	if acc.Delegation.Stakes == nil {
		acc.Delegation.Stakes = make(map[types.PublicKey]uint64)
	}
	acc.Delegation.Stakes[a.Delegatee] += a.Quantity
	if err := m.ledger().save(sender, acc); err != nil {
		return nil, err
	}
	return nil, nil
}

func (m *Module) revoke(a Action) ([][]byte, error) {
	sender := a.Delegatee
	acc, err := m.ledger().load(sender)
	if err != nil {
		return nil, err
	}
	staked := acc.Delegation.Stakes[a.Delegatee]
	if staked < a.Quantity {
		return nil, types.NewError(types.ErrInsufficientStakes, nil)
	}
	acc.Delegation.Stakes[a.Delegatee] -= a.Quantity
	acc.Balance += a.Quantity
	return nil, m.ledger().save(sender, acc)
}

func (m *Module) selfNominate(a Action) ([][]byte, error) {
	pub := a.Delegatee
	if m.banned[pub] {
		return nil, types.NewError(types.ErrBannedAccount, nil)
	}
	if _, jailed := m.jail[pub]; jailed {
		return nil, types.NewError(types.ErrAccountInCustody, nil)
	}
	m.candidates[pub] = types.Candidate{PublicKey: pub, Deposit: a.Deposit}
	return nil, nil
}

// reportDoubleVote bans the equivocating signer and removes it from the
// candidate, jail and validator sets; the deposits held in those records go
// with them (§4.6 "Evidence / double-vote"). Stakes delegated to the signer
// stay where they are: no delegation is reverted. The votes' signatures are
// not checked here.
func (m *Module) reportDoubleVote(a Action) ([][]byte, error) {
	if a.Evidence == nil {
		return nil, types.NewError(types.ErrMalformedMessage, nil)
	}
	ev := a.Evidence
	if ev.Vote1.Step.Height == 0 {
		return nil, types.NewError(types.ErrMalformedMessage, nil)
	}
	if ev.Vote1.SignerIndex != ev.Vote2.SignerIndex {
		return nil, types.NewError(types.ErrMalformedMessage, nil)
	}
	if ev.Vote1.Step != ev.Vote2.Step {
		return nil, types.NewError(types.ErrMalformedMessage, nil)
	}
	h1, h2 := ev.Vote1.BlockHash, ev.Vote2.BlockHash
	if (h1 == nil && h2 == nil) || (h1 != nil && h2 != nil && *h1 == *h2) {
		return nil, types.NewError(types.ErrMalformedMessage, nil)
	}
	idx := int(ev.Vote1.SignerIndex)
	if idx < 0 || idx >= len(m.validators.Validators) {
		return nil, types.NewError(types.ErrValidatorNotExist, nil)
	}
	signer := m.validators.Validators[idx].PublicKey
	m.banned[signer] = true
	delete(m.candidates, signer)
	delete(m.jail, signer)
	kept := m.validators.Validators[:0]
	for _, v := range m.validators.Validators {
		if v.PublicKey != signer {
			kept = append(kept, v)
		}
	}
	m.validators.Validators = kept
	return [][]byte{[]byte("double-vote-banned:" + signer.String())}, nil
}

// giveAdditionalRewards splits total_min_fee across shares by weight; the
// integer-division remainder routes to the treasury account. A negative
// remainder can only arise from a bug in the weight accounting upstream
// (shares summing to more than the total), which is a programming-invariant
// violation rather than a user-triggerable error (DESIGN.md open-question
// decision 1).
func (m *Module) giveAdditionalRewards(a Action) ([][]byte, error) {
	var distributed uint64
	names := sortedShareKeys(a.Shares)
	for _, name := range names {
		weight := a.Shares[name]
		share := a.TotalMinFee * weight / totalWeight(a.Shares)
		distributed += share
		var pub types.PublicKey
		copy(pub[:], []byte(name))
		acc, err := m.ledger().load(pub)
		if err != nil {
			return nil, err
		}
		acc.Balance += share
		if err := m.ledger().save(pub, acc); err != nil {
			return nil, err
		}
	}
	if distributed > a.TotalMinFee {
		panic("stakemodule: reward shares exceeded total_min_fee, accounting invariant violated")
	}
	remainder := a.TotalMinFee - distributed
	if remainder > 0 {
		treasury, err := m.ledger().load(treasuryAccount)
		if err != nil {
			return nil, err
		}
		treasury.Balance += remainder
		if err := m.ledger().save(treasuryAccount, treasury); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func totalWeight(shares map[string]uint64) uint64 {
	var total uint64
	for _, w := range shares {
		total += w
	}
	if total == 0 {
		return 1
	}
	return total
}

func sortedShareKeys(shares map[string]uint64) []string {
	keys := make([]string, 0, len(shares))
	for k := range shares {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

func (m *Module) ledger() *ledger { return &ledger{sub: m.sub} }
