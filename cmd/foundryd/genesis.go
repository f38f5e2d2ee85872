package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"foundry/internal/tendermint"
	"foundry/internal/types"
)

// genesisValidatorFile is the on-disk shape of a node's genesis validator
// set: hex-encoded Ed25519 public keys plus the weights seal verification
// needs (§3.6, §4.6). It exists purely to get a ValidatorSet from disk into
// the process; it is not part of any wire or storage encoding.
type genesisValidatorFile struct {
	Validators []struct {
		PublicKey        string `yaml:"public_key"`
		DelegationWeight uint64 `yaml:"delegation_weight"`
		Deposit          uint64 `yaml:"deposit"`
		Weight           uint64 `yaml:"weight"`
	} `yaml:"validators"`
}

func loadGenesisValidators(path string) (types.ValidatorSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return types.ValidatorSet{}, fmt.Errorf("read genesis validators: %w", err)
	}
	var f genesisValidatorFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return types.ValidatorSet{}, fmt.Errorf("parse genesis validators: %w", err)
	}
	vs := types.ValidatorSet{Validators: make([]types.Validator, 0, len(f.Validators))}
	for _, v := range f.Validators {
		keyBytes, err := hex.DecodeString(v.PublicKey)
		if err != nil || len(keyBytes) != len(types.PublicKey{}) {
			return types.ValidatorSet{}, fmt.Errorf("genesis validator %q: malformed public key", v.PublicKey)
		}
		var pub types.PublicKey
		copy(pub[:], keyBytes)
		vs.Validators = append(vs.Validators, types.Validator{
			PublicKey:        pub,
			DelegationWeight: v.DelegationWeight,
			Deposit:          v.Deposit,
			Weight:           v.Weight,
		})
	}
	return vs.SortedCopy(), nil
}

// loadValidatorSigner reads a hex-encoded Ed25519 seed from path and wraps
// it in a tendermint.StaticSigner, the local validator identity a node
// installs on its engine to propose and vote (§5 "consensus actor",
// "SetSigner"). A node run purely as an observer passes no path and never
// proposes.
func loadValidatorSigner(path string) (*tendermint.StaticSigner, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read validator key: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("validator key %q: expected a %d-byte hex-encoded Ed25519 seed", path, ed25519.SeedSize)
	}
	return tendermint.NewStaticSigner(ed25519.NewKeyFromSeed(seed)), nil
}

// buildGenesisBlock constructs the height-0 block an Importer is seeded
// with. It carries no seal (VerifySeal is a no-op at height <= 1) and an
// empty state root, matching an application descriptor whose host.genesis
// step is responsible for populating initial state on first open (§4.4.1).
func buildGenesisBlock(chainParams types.ChainParams) types.Block {
	return types.Block{
		Header: types.Header{
			Number:    0,
			Timestamp: 0,
			Extra:     []byte(chainParams.Extra["genesis"]),
			Seal:      [][]byte{{}, {}, {}, {}},
		},
	}
}
