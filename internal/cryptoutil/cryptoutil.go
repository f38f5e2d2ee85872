// Package cryptoutil wraps the signature primitives the consensus engine
// needs: Ed25519 for the per-validator vote signature §4.6 requires, and an
// optional BLS12-381 batch-verify path for nodes that want to amortize
// quorum checks over many signatures at once, grounded on the teacher's
// core/security.go Sign/Verify/AggregateBLSSigs helpers.
package cryptoutil

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	bls "github.com/herumi/bls-eth-go-binary/bls"
)

var blsInitialized bool

func initBLS() error {
	if blsInitialized {
		return nil
	}
	if err := bls.Init(bls.BLS12_381); err != nil {
		return fmt.Errorf("cryptoutil: bls init: %w", err)
	}
	blsInitialized = true
	return nil
}

// GenerateEd25519 produces a fresh validator-style keypair.
func GenerateEd25519() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(nil)
}

// SignEd25519 signs msg with priv.
func SignEd25519(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// VerifyEd25519 checks sig for msg under pub, the vote-signature check of
// §4.6 ("(b) the Ed25519 signature ... verifies against that validator's key").
func VerifyEd25519(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// BLSSecretKey and BLSPublicKey alias the herumi types so callers outside
// this package never import bls-eth-go-binary directly.
type (
	BLSSecretKey = bls.SecretKey
	BLSPublicKey = bls.PublicKey
)

// GenerateBLS produces a fresh BLS12-381 keypair.
func GenerateBLS() (*BLSSecretKey, *BLSPublicKey, error) {
	if err := initBLS(); err != nil {
		return nil, nil, err
	}
	var sk bls.SecretKey
	sk.SetByCSPRNG()
	pk := sk.GetPublicKey()
	return &sk, pk, nil
}

// SignBLS signs msg, returning the compressed signature bytes.
func SignBLS(sk *BLSSecretKey, msg []byte) []byte {
	return sk.SignByte(msg).Serialize()
}

// VerifyBLS checks a single compressed BLS signature.
func VerifyBLS(pub *BLSPublicKey, msg, sig []byte) (bool, error) {
	var s bls.Sign
	if err := s.Deserialize(sig); err != nil {
		return false, err
	}
	return s.VerifyByte(pub, msg), nil
}

// AggregateBLS merges multiple compressed BLS signatures into one compressed
// aggregate signature. BatchVerifyBLS below can check the aggregate only
// when every signature was made over the same message.
func AggregateBLS(sigs [][]byte) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, errors.New("cryptoutil: no signatures to aggregate")
	}
	var agg bls.Sign
	for i, raw := range sigs {
		var s bls.Sign
		if err := s.Deserialize(raw); err != nil {
			return nil, fmt.Errorf("cryptoutil: aggregate sig %d: %w", i, err)
		}
		if i == 0 {
			agg = s
		} else {
			agg.Add(&s)
		}
	}
	return agg.Serialize(), nil
}

// BatchVerifyBLS verifies one aggregate signature against every signer's
// public key, all over the same message — the shape a seal's quorum check
// needs, since every precommit signature in a seal is over the identical
// canonical vote encoding (§4.6 "Seal"), just signed by distinct validators.
// This is an optional faster path; it never substitutes for the
// per-signature Ed25519 path the spec requires when signers use Ed25519.
func BatchVerifyBLS(aggSig []byte, pubs []*BLSPublicKey, msg []byte) (bool, error) {
	if len(pubs) == 0 {
		return false, errors.New("cryptoutil: batch verify requires at least one public key")
	}
	var sig bls.Sign
	if err := sig.Deserialize(aggSig); err != nil {
		return false, err
	}
	pks := make([]bls.PublicKey, len(pubs))
	for i, p := range pubs {
		pks[i] = *p
	}
	return sig.FastAggregateVerify(pks, msg), nil
}
