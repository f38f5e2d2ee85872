// Package types holds the data model shared by every Foundry component:
// hashes, headers, blocks, transactions, and the illustrative validator/
// delegation records used by the staking-style modules.
package types

import (
	"encoding/hex"
	"fmt"
)

// Hash is a 32-byte content hash used for BlockHash, StateRoot and TxHash.
type Hash [32]byte

// ZeroHash is the canonical empty hash.
var ZeroHash Hash

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

func (h Hash) IsZero() bool { return h == ZeroHash }

// BytesToHash left-pads or truncates b to 32 bytes.
func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) > 32 {
		b = b[len(b)-32:]
	}
	copy(h[32-len(b):], b)
	return h
}

// PublicKey is a 32-byte Ed25519 public key.
type PublicKey [32]byte

func (p PublicKey) String() string { return hex.EncodeToString(p[:]) }

// Less provides the canonical ordering used when sorting validator sets.
func (p PublicKey) Less(o PublicKey) bool {
	for i := range p {
		if p[i] != o[i] {
			return p[i] < o[i]
		}
	}
	return false
}

type (
	BlockNumber = uint64
	Seq         = uint64
	Term        = uint64
	Timestamp   = uint64
	// StorageId identifies a module's sub-storage; assigned sequentially
	// as modules register storage with the state engine (§3.1).
	StorageId = uint16
)

// BlockHash, StateRoot and TxHash are the three named Hash uses from §3.1.
// They are plain aliases: the core never needs to distinguish their Go type,
// only their role, which call sites make clear.
type (
	BlockHash = Hash
	StateRoot = Hash
	TxHash    = Hash
)

// Origin distinguishes a mempool entry submitted by a local client from one
// relayed in from a peer (§3.3). Local entries are never evicted (§3.7).
type Origin uint8

const (
	OriginExternal Origin = iota
	OriginLocal
)

func (o Origin) String() string {
	if o == OriginLocal {
		return "local"
	}
	return "external"
}

// CodedError is a §7 error kind wrapped with context. Components switch on
// Kind rather than matching error strings.
type CodedError struct {
	Kind string
	Err  error
}

func (e *CodedError) Error() string {
	if e.Err == nil {
		return e.Kind
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *CodedError) Unwrap() error { return e.Err }

// NewError builds a CodedError; err may be nil when the kind alone is the
// payload (e.g. sentinel import/startup errors).
func NewError(kind string, err error) *CodedError {
	return &CodedError{Kind: kind, Err: err}
}

// Error kind constants, verbatim from spec.md §7.
const (
	ErrInvalidStateRoot             = "InvalidStateRoot"
	ErrInvalidTransactionsRoot      = "InvalidTransactionsRoot"
	ErrInvalidNextValidatorSetHash  = "InvalidNextValidatorSetHash"
	ErrInvalidSeal                  = "InvalidSeal"
	ErrInvalidTimestamp             = "InvalidTimestamp"
	ErrUnknownParent                = "UnknownParent"
	ErrBodySizeTooBig                = "BodySizeTooBig"
	ErrInvalidValidatorSet          = "InvalidValidatorSet"
	ErrAlreadyInChain               = "AlreadyInChain"
	ErrAlreadyQueued                = "AlreadyQueued"
	ErrKnownBad                     = "KnownBad"
	ErrBlockNotAuthorized           = "BlockNotAuthorized"
	ErrMessageWithInvalidSignature  = "MessageWithInvalidSignature"
	ErrFutureMessage                = "FutureMessage"
	ErrValidatorNotExist            = "ValidatorNotExist"
	ErrDoubleVote                   = "DoubleVote"
	ErrNotProposer                  = "NotProposer"
	ErrBadSealFieldSize             = "BadSealFieldSize"
	ErrMalformedMessage             = "MalformedMessage"
	ErrCannotOpenBlock              = "CannotOpenBlock"
	ErrInvalidSeq                   = "InvalidSeq"
	ErrInsufficientBalance          = "InsufficientBalance"
	ErrInsufficientStakes           = "InsufficientStakes"
	ErrNotApproved                  = "NotApproved"
	ErrBannedAccount                = "BannedAccount"
	ErrAccountInCustody             = "AccountInCustody"
	ErrDelegateeNotFound            = "DelegateeNotFound"
	ErrIncompleteDatabase           = "IncompleteDatabase"
	ErrModuleNotFound               = "ModuleNotFound"
	ErrUnsupportedPortType          = "UnsupportedPortType"
	ErrSandboxerUnknown             = "SandboxerUnknown"
	ErrNoLinkerForPair              = "NoLinkerForPair"
	ErrImportCountOutOfBounds       = "ImportCountOutOfBounds"
	ErrAlreadyImported              = "AlreadyImported"
	ErrTermination                  = "Termination"
)
