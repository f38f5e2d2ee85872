package chain

import (
	"path/filepath"
	"testing"

	"foundry/internal/cryptoutil"
	"foundry/internal/kvstore"
	"foundry/internal/rlpcodec"
	"foundry/internal/tendermint"
	"foundry/internal/types"
)

func openTestDB(t *testing.T) *kvstore.DB {
	t.Helper()
	db, err := kvstore.Open(filepath.Join(t.TempDir(), "chain.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type testSigner struct {
	signer tendermint.Signer
}

func buildValidatorSet(t *testing.T, n int) ([]testSigner, types.ValidatorSet) {
	t.Helper()
	var signers []testSigner
	var vs types.ValidatorSet
	for i := 0; i < n; i++ {
		pub, priv, err := cryptoutil.GenerateEd25519()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		var p types.PublicKey
		copy(p[:], pub)
		signers = append(signers, testSigner{signer: tendermint.NewStaticSigner(priv)})
		vs.Validators = append(vs.Validators, types.Validator{PublicKey: p, DelegationWeight: 1, Weight: 1})
	}
	return signers, vs
}

func rootsFor(t *testing.T, txs []types.Transaction) (types.Hash, types.Hash) {
	t.Helper()
	txRoot, err := rlpcodec.TransactionsRoot(txs)
	if err != nil {
		t.Fatalf("tx root: %v", err)
	}
	evRoot, err := rlpcodec.EvidencesRoot(nil)
	if err != nil {
		t.Fatalf("ev root: %v", err)
	}
	return txRoot, evRoot
}

func sealBlock(t *testing.T, signers []testSigner, vs types.ValidatorSet, height types.BlockNumber, parentHash types.Hash) types.Header {
	t.Helper()
	txRoot, evRoot := rootsFor(t, nil)
	header := types.Header{
		ParentHash:       parentHash,
		Number:           height,
		Timestamp:        height + 1000,
		Author:           signers[0].signer.PublicKey(),
		TransactionsRoot: txRoot,
		EvidencesRoot:    evRoot,
	}
	step := types.VoteStep{Height: height - 1, View: 0, Step: types.StepPrecommit}
	precommits := map[int][64]byte{}
	for i, s := range signers {
		v, err := tendermint.SignVote(s.signer, vs, step, &parentHash)
		if err != nil {
			t.Fatalf("sign vote: %v", err)
		}
		precommits[i] = v.Signature
	}
	seal := tendermint.AssembleSeal(0, 0, len(vs.Validators), precommits)
	fields, err := tendermint.EncodeSeal(seal)
	if err != nil {
		t.Fatalf("encode seal: %v", err)
	}
	header.Seal = fields
	return header
}

func genesisHeader(signers []testSigner) types.Header {
	return types.Header{Number: 0, Timestamp: 1, Author: signers[0].signer.PublicKey(), Seal: [][]byte{{}, {}, {}, {}}}
}

func TestImportGenesisAndNextBlock(t *testing.T) {
	db := openTestDB(t)
	signers, vs := buildValidatorSet(t, 3)
	genesis := types.Block{Header: genesisHeader(signers)}
	imp, err := NewImporter(db, nil, genesis, nil)
	if err != nil {
		t.Fatalf("new importer: %v", err)
	}
	genesisHash := genesis.Header.Hash()
	best, err := imp.BestHash()
	if err != nil || best != genesisHash {
		t.Fatalf("expected genesis as best, got %v err %v", best, err)
	}

	header := sealBlock(t, signers, vs, 1, genesisHash)
	block := types.Block{Header: header}
	result, err := imp.Import(block, vs, types.ChainParams{})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(result.Imported) != 1 || len(result.Enacted) != 1 {
		t.Fatalf("expected imported+enacted, got %+v", result)
	}
	best, err = imp.BestHash()
	if err != nil || best != header.Hash() {
		t.Fatalf("expected new block as best, got %v err %v", best, err)
	}
}

func TestImportRejectsAlreadyInChain(t *testing.T) {
	db := openTestDB(t)
	signers, vs := buildValidatorSet(t, 3)
	genesis := types.Block{Header: genesisHeader(signers)}
	imp, err := NewImporter(db, nil, genesis, nil)
	if err != nil {
		t.Fatalf("new importer: %v", err)
	}
	header := sealBlock(t, signers, vs, 1, genesis.Header.Hash())
	block := types.Block{Header: header}
	if _, err := imp.Import(block, vs, types.ChainParams{}); err != nil {
		t.Fatalf("first import: %v", err)
	}
	_, err = imp.Import(block, vs, types.ChainParams{})
	ce, ok := err.(*types.CodedError)
	if !ok || ce.Kind != types.ErrAlreadyInChain {
		t.Fatalf("expected AlreadyInChain, got %v", err)
	}
}

func TestImportRejectsUnknownParent(t *testing.T) {
	db := openTestDB(t)
	signers, vs := buildValidatorSet(t, 3)
	genesis := types.Block{Header: genesisHeader(signers)}
	imp, err := NewImporter(db, nil, genesis, nil)
	if err != nil {
		t.Fatalf("new importer: %v", err)
	}
	header := sealBlock(t, signers, vs, 1, types.Hash{0xFF})
	_, err = imp.Import(types.Block{Header: header}, vs, types.ChainParams{})
	ce, ok := err.(*types.CodedError)
	if !ok || ce.Kind != types.ErrUnknownParent {
		t.Fatalf("expected UnknownParent, got %v", err)
	}
}

func TestImportRejectsBadSeal(t *testing.T) {
	// Height 1's seal is never checked (it would precommit over the
	// genesis parent before any view has run), so this exercises height 2.
	db := openTestDB(t)
	signers, vs := buildValidatorSet(t, 3)
	genesis := types.Block{Header: genesisHeader(signers)}
	imp, err := NewImporter(db, nil, genesis, nil)
	if err != nil {
		t.Fatalf("new importer: %v", err)
	}
	header1 := sealBlock(t, signers, vs, 1, genesis.Header.Hash())
	if _, err := imp.Import(types.Block{Header: header1}, vs, types.ChainParams{}); err != nil {
		t.Fatalf("import block 1: %v", err)
	}
	header2 := sealBlock(t, signers, vs, 2, header1.Hash())
	header2.Seal[2] = []byte{1, 2, 3} // corrupt the signature list
	_, err = imp.Import(types.Block{Header: header2}, vs, types.ChainParams{})
	if err == nil {
		t.Fatalf("expected seal verification failure")
	}
}

func TestImportMarksKnownBadOnSecondAttempt(t *testing.T) {
	db := openTestDB(t)
	signers, vs := buildValidatorSet(t, 3)
	genesis := types.Block{Header: genesisHeader(signers)}
	imp, err := NewImporter(db, nil, genesis, nil)
	if err != nil {
		t.Fatalf("new importer: %v", err)
	}
	header := sealBlock(t, signers, vs, 1, types.Hash{0xAB})
	block := types.Block{Header: header}
	if _, err := imp.Import(block, vs, types.ChainParams{}); err == nil {
		t.Fatalf("expected first import to fail (unknown parent)")
	}
	_, err = imp.Import(block, vs, types.ChainParams{})
	ce, ok := err.(*types.CodedError)
	if !ok || ce.Kind != types.ErrKnownBad {
		t.Fatalf("expected KnownBad on retry, got %v", err)
	}
}

func TestTransactionAddressIndexedAfterImport(t *testing.T) {
	db := openTestDB(t)
	signers, vs := buildValidatorSet(t, 3)
	genesis := types.Block{Header: genesisHeader(signers)}
	imp, err := NewImporter(db, nil, genesis, nil)
	if err != nil {
		t.Fatalf("new importer: %v", err)
	}
	tx := types.Transaction{TxType: "stake", Body: []byte(`{"kind":"delegate"}`)}
	txRoot, evRoot := rootsFor(t, []types.Transaction{tx})
	header := sealBlock(t, signers, vs, 1, genesis.Header.Hash())
	header.TransactionsRoot = txRoot
	header.EvidencesRoot = evRoot
	block := types.Block{Header: header, Transactions: []types.Transaction{tx}}
	if _, err := imp.Import(block, vs, types.ChainParams{}); err != nil {
		t.Fatalf("import: %v", err)
	}
	hash, err := rlpcodec.TxHash(&tx)
	if err != nil {
		t.Fatalf("tx hash: %v", err)
	}
	addr, ok, err := imp.TransactionAddress(hash)
	if err != nil || !ok {
		t.Fatalf("expected indexed tx address, ok=%v err=%v", ok, err)
	}
	if addr.BlockHash != header.Hash() || addr.Index != 0 {
		t.Fatalf("unexpected address: %+v", addr)
	}
}
