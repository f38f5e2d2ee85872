package stakemodule

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"foundry/internal/kvstore"
	"foundry/internal/sandbox"
	"foundry/internal/state"
	"foundry/internal/triedb"
	"foundry/internal/types"
)

func newTestModule(t *testing.T) (*Module, *state.TopLevelState) {
	t.Helper()
	dir := t.TempDir()
	kv, err := kvstore.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("open kvstore: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	store, err := triedb.NewStore(kv, 1024, 10)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	db := triedb.NewDB(store)
	ts, err := state.NewTopLevelState(db, types.Hash{})
	if err != nil {
		t.Fatalf("new top level: %v", err)
	}
	id := ts.CreateModule("stake")
	sub, ok := ts.ModuleState(id)
	if !ok {
		t.Fatalf("module state missing after create")
	}
	m := New().(*Module)
	m.SetStorage(sub)
	return m, ts
}

func pubkey(b byte) types.PublicKey {
	var p types.PublicKey
	p[0] = b
	return p
}

func fund(t *testing.T, m *Module, pub types.PublicKey, amount uint64) {
	t.Helper()
	acc, err := m.ledger().load(pub)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	acc.Balance = amount
	if err := m.ledger().save(pub, acc); err != nil {
		t.Fatalf("save: %v", err)
	}
}

func callTxOwner(t *testing.T, m *Module, method string, tx types.Transaction) []byte {
	t.Helper()
	fn := m.Export()[0]
	req, err := json.Marshal(txOwnerRequest{Tx: tx})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := fn(method, req)
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	return resp
}

func actionTx(t *testing.T, a Action) types.Transaction {
	t.Helper()
	body, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal action: %v", err)
	}
	return types.Transaction{TxType: TxType, Body: body}
}

func TestDelegateMovesBalanceIntoStake(t *testing.T) {
	m, _ := newTestModule(t)
	delegator := pubkey(1)
	fund(t, m, delegator, 100)

	tx := actionTx(t, Action{Kind: ActionDelegate, Delegatee: delegator, Quantity: 40})
	raw := callTxOwner(t, m, "execute_transaction", tx)

	var resp executeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ErrKind != "" {
		t.Fatalf("unexpected error: %s", resp.ErrKind)
	}

	acc, err := m.ledger().load(delegator)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if acc.Balance != 60 {
		t.Fatalf("balance = %d, want 60", acc.Balance)
	}
	if acc.Delegation.Stakes[delegator] != 40 {
		t.Fatalf("stake = %d, want 40", acc.Delegation.Stakes[delegator])
	}
}

func TestDelegateInsufficientBalanceFails(t *testing.T) {
	m, _ := newTestModule(t)
	delegator := pubkey(2)
	fund(t, m, delegator, 10)

	tx := actionTx(t, Action{Kind: ActionDelegate, Delegatee: delegator, Quantity: 40})
	raw := callTxOwner(t, m, "execute_transaction", tx)

	var resp executeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ErrKind != types.ErrInsufficientBalance {
		t.Fatalf("err kind = %q, want %q", resp.ErrKind, types.ErrInsufficientBalance)
	}
}

func TestRevokeReturnsBalance(t *testing.T) {
	m, _ := newTestModule(t)
	delegator := pubkey(3)
	fund(t, m, delegator, 100)
	callTxOwner(t, m, "execute_transaction", actionTx(t, Action{Kind: ActionDelegate, Delegatee: delegator, Quantity: 50}))

	raw := callTxOwner(t, m, "execute_transaction", actionTx(t, Action{Kind: ActionRevoke, Delegatee: delegator, Quantity: 20}))
	var resp executeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ErrKind != "" {
		t.Fatalf("unexpected error: %s", resp.ErrKind)
	}

	acc, err := m.ledger().load(delegator)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if acc.Balance != 70 {
		t.Fatalf("balance = %d, want 70", acc.Balance)
	}
	if acc.Delegation.Stakes[delegator] != 30 {
		t.Fatalf("stake = %d, want 30", acc.Delegation.Stakes[delegator])
	}
}

func TestSelfNominateRegistersCandidate(t *testing.T) {
	m, _ := newTestModule(t)
	pub := pubkey(4)

	tx := actionTx(t, Action{Kind: ActionSelfNominate, Delegatee: pub, Deposit: 500})
	raw := callTxOwner(t, m, "execute_transaction", tx)
	var resp executeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ErrKind != "" {
		t.Fatalf("unexpected error: %s", resp.ErrKind)
	}
	cand, ok := m.candidates[pub]
	if !ok {
		t.Fatalf("candidate not registered")
	}
	if cand.Deposit != 500 {
		t.Fatalf("deposit = %d, want 500", cand.Deposit)
	}
}

func TestSelfNominateRejectsBannedAccount(t *testing.T) {
	m, _ := newTestModule(t)
	pub := pubkey(5)
	m.banned[pub] = true

	raw := callTxOwner(t, m, "execute_transaction", actionTx(t, Action{Kind: ActionSelfNominate, Delegatee: pub, Deposit: 10}))
	var resp executeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ErrKind != types.ErrBannedAccount {
		t.Fatalf("err kind = %q, want %q", resp.ErrKind, types.ErrBannedAccount)
	}
}

func TestReportDoubleVoteBansSignerAndRemovesFromSet(t *testing.T) {
	m, _ := newTestModule(t)
	signer := pubkey(6)
	m.validators = types.ValidatorSet{Validators: []types.Validator{{PublicKey: signer, Weight: 10}}}
	m.candidates[signer] = types.Candidate{PublicKey: signer, Deposit: 100}

	h1, h2 := types.Hash{1}, types.Hash{2}
	step := types.VoteStep{Height: 5, View: 0, Step: types.StepPrecommit}
	ev := &types.Evidence{
		Vote1: types.Vote{Step: step, BlockHash: &h1, SignerIndex: 0},
		Vote2: types.Vote{Step: step, BlockHash: &h2, SignerIndex: 0},
	}

	raw := callTxOwner(t, m, "execute_transaction", actionTx(t, Action{Kind: ActionReportDoubleVote, Evidence: ev}))
	var resp executeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ErrKind != "" {
		t.Fatalf("unexpected error: %s", resp.ErrKind)
	}
	if !m.banned[signer] {
		t.Fatalf("signer not banned")
	}
	if _, ok := m.candidates[signer]; ok {
		t.Fatalf("banned signer still a candidate")
	}
	if len(m.validators.Validators) != 0 {
		t.Fatalf("banned signer still in validator set")
	}
}

func TestReportDoubleVoteRejectsMatchingBlockHash(t *testing.T) {
	m, _ := newTestModule(t)
	m.validators = types.ValidatorSet{Validators: []types.Validator{{PublicKey: pubkey(7), Weight: 10}}}

	h := types.Hash{9}
	step := types.VoteStep{Height: 5, View: 0, Step: types.StepPrecommit}
	ev := &types.Evidence{
		Vote1: types.Vote{Step: step, BlockHash: &h, SignerIndex: 0},
		Vote2: types.Vote{Step: step, BlockHash: &h, SignerIndex: 0},
	}

	raw := callTxOwner(t, m, "execute_transaction", actionTx(t, Action{Kind: ActionReportDoubleVote, Evidence: ev}))
	var resp executeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ErrKind != types.ErrMalformedMessage {
		t.Fatalf("err kind = %q, want %q", resp.ErrKind, types.ErrMalformedMessage)
	}
}

func TestGiveAdditionalRewardsSplitsAndRoutesRemainderToTreasury(t *testing.T) {
	m, _ := newTestModule(t)
	a, b := pubkey(10), pubkey(11)
	// Encode pubkeys as the map key exactly as giveAdditionalRewards decodes
	// them (copy of the raw string bytes into a PublicKey).
	shares := map[string]uint64{
		string(a[:]): 1,
		string(b[:]): 2,
	}

	tx := actionTx(t, Action{Kind: ActionGiveAdditionalRewards, TotalMinFee: 10, Shares: shares})
	raw := callTxOwner(t, m, "execute_transaction", tx)
	var resp executeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ErrKind != "" {
		t.Fatalf("unexpected error: %s", resp.ErrKind)
	}

	accA, err := m.ledger().load(a)
	if err != nil {
		t.Fatalf("load a: %v", err)
	}
	accB, err := m.ledger().load(b)
	if err != nil {
		t.Fatalf("load b: %v", err)
	}
	treasury, err := m.ledger().load(treasuryAccount)
	if err != nil {
		t.Fatalf("load treasury: %v", err)
	}
	if accA.Balance+accB.Balance+treasury.Balance != 10 {
		t.Fatalf("shares did not sum to total: a=%d b=%d treasury=%d", accA.Balance, accB.Balance, treasury.Balance)
	}
}

func TestBlockClosedSurfacesPendingValidatorSet(t *testing.T) {
	m, _ := newTestModule(t)
	next := types.ValidatorSet{Validators: []types.Validator{{PublicKey: pubkey(20), Weight: 1}}}
	m.pendingSet = &next

	fn := m.Export()[0]
	raw, err := fn("block_closed", nil)
	if err != nil {
		t.Fatalf("block_closed: %v", err)
	}
	var resp blockClosedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.UpdatedValidatorSet == nil || len(resp.UpdatedValidatorSet.Validators) != 1 {
		t.Fatalf("updated validator set not surfaced")
	}
	if m.pendingSet != nil {
		t.Fatalf("pendingSet not cleared after block_closed")
	}
}

func TestCheckTransactionRejectsUnknownAction(t *testing.T) {
	m, _ := newTestModule(t)
	tx := types.Transaction{TxType: TxType, Body: []byte(`{"kind":"not_a_real_action"}`)}
	raw := callTxOwner(t, m, "check_transaction", tx)
	var resp checkResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.OK {
		t.Fatalf("expected check_transaction to reject unknown action")
	}
}

var _ sandbox.IntraModule = (*Module)(nil)
var _ sandbox.StatefulModule = (*Module)(nil)
