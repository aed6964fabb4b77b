package quorum

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	bridgecommon "github.com/0xPolygon/exportbridge/common"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// MinValidators is the smallest active validator set allowed to authorize an import
const MinValidators = 3

// Policy decides how many active validators must agree on a root
type Policy string

const (
	// PolicyAll requires every active validator
	PolicyAll Policy = "all"
	// PolicyMajority requires more than half of the active validators
	PolicyMajority Policy = "majority"
)

func (p Policy) Validate() error {
	switch p {
	case PolicyAll, PolicyMajority:
		return nil
	default:
		return fmt.Errorf("unknown quorum policy %q", p)
	}
}

// ChainPair identifies the bridge direction a validator set is responsible for
type ChainPair struct {
	Source      uint32 `json:"source"`
	Destination uint32 `json:"destination"`
}

func (c ChainPair) String() string {
	return fmt.Sprintf("%d->%d", c.Source, c.Destination)
}

type ValidatorIdentity struct {
	Address common.Address `meddler:"address,address" json:"address"`
	Active  bool           `meddler:"active" json:"active"`
}

// ValidatorSet is the versioned set of validators of a chain pair.
// Version is the number of updates applied to it.
type ValidatorSet struct {
	Pair       ChainPair           `json:"pair"`
	Version    uint64              `json:"version"`
	Validators []ValidatorIdentity `json:"validators"`
}

// Active returns the addresses of the active validators
func (v ValidatorSet) Active() []common.Address {
	active := []common.Address{}
	for _, val := range v.Validators {
		if val.Active {
			active = append(active, val.Address)
		}
	}
	return active
}

// IsActive reports whether addr is an active validator of the set
func (v ValidatorSet) IsActive(addr common.Address) bool {
	for _, val := range v.Validators {
		if val.Address == addr {
			return val.Active
		}
	}
	return false
}

// ValidatorSetUpdate adds, activates or deactivates one validator of a set. Updates are kept
// forever as the audit trail of the set.
type ValidatorSetUpdate struct {
	SourceChain      uint32         `meddler:"source_chain" json:"sourceChain"`
	DestinationChain uint32         `meddler:"destination_chain" json:"destinationChain"`
	Version          uint64         `meddler:"version" json:"version"`
	Validator        common.Address `meddler:"address,address" json:"validator"`
	Active           bool           `meddler:"active" json:"active"`
	Operator         string         `meddler:"operator" json:"operator"`
	Reason           string         `meddler:"reason,zeroisnull" json:"reason,omitempty"`
	CreatedAt        int64          `meddler:"created_at" json:"createdAt"`
}

// Attestation is a validator statement that burnHash is included in the window with root ProofRoot
type Attestation struct {
	BurnHash         common.Hash    `meddler:"burn_hash,hash" json:"burnHash"`
	Validator        common.Address `meddler:"validator,address" json:"validator"`
	SourceChain      uint32         `meddler:"source_chain" json:"sourceChain"`
	DestinationChain uint32         `meddler:"destination_chain" json:"destinationChain"`
	ProofRoot        common.Hash    `meddler:"proof_root,hash" json:"proofRoot"`
	Signature        hexutil.Bytes  `meddler:"signature" json:"signature"`
	ReceivedAt       int64          `meddler:"received_at" json:"receivedAt"`
}

func (a *Attestation) Pair() ChainPair {
	return ChainPair{Source: a.SourceChain, Destination: a.DestinationChain}
}

// Digest is the message signed by the validator:
// keccak256(burnHash | proofRoot | sourceChain | destinationChain)
func (a *Attestation) Digest() common.Hash {
	return crypto.Keccak256Hash(
		a.BurnHash[:],
		a.ProofRoot[:],
		bridgecommon.Uint32ToBytes(a.SourceChain),
		bridgecommon.Uint32ToBytes(a.DestinationChain),
	)
}

// Sign fills Validator and Signature using key
func (a *Attestation) Sign(key *ecdsa.PrivateKey) error {
	digest := a.Digest()
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return err
	}
	a.Validator = crypto.PubkeyToAddress(key.PublicKey)
	a.Signature = sig
	return nil
}

// VerifySignature checks that the signature was produced by Validator over Digest
func (a *Attestation) VerifySignature() error {
	if len(a.Signature) != crypto.SignatureLength {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, crypto.SignatureLength, len(a.Signature))
	}
	digest := a.Digest()
	pub, err := crypto.SigToPub(digest[:], a.Signature)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	if signer := crypto.PubkeyToAddress(*pub); signer != a.Validator {
		return fmt.Errorf("%w: signed by %s, claims %s", ErrInvalidSignature, signer.Hex(), a.Validator.Hex())
	}
	return nil
}

// AuditEntry is one line of the attestation audit log
type AuditEntry struct {
	ID               uint64         `meddler:"id,pk" json:"id"`
	BurnHash         common.Hash    `meddler:"burn_hash,hash" json:"burnHash"`
	Validator        common.Address `meddler:"validator,address" json:"validator"`
	SourceChain      uint32         `meddler:"source_chain" json:"sourceChain"`
	DestinationChain uint32         `meddler:"destination_chain" json:"destinationChain"`
	ProofRoot        common.Hash    `meddler:"proof_root,hash" json:"proofRoot"`
	Signature        hexutil.Bytes  `meddler:"signature" json:"signature,omitempty"`
	Action           string         `meddler:"action" json:"action"`
	CreatedAt        int64          `meddler:"created_at" json:"createdAt"`
}

const (
	actionSubmitted = "submitted"
	actionReplaced  = "replaced"
	actionRejected  = "rejected"
	actionConflict  = "conflict"
	actionResolved  = "resolved"
)

// Status summarizes the attestations collected for a burn
type Status struct {
	BurnHash   common.Hash                    `json:"burnHash"`
	Pair       ChainPair                      `json:"pair"`
	Policy     Policy                         `json:"policy"`
	Roots      map[common.Address]common.Hash `json:"roots"`
	Attested   int                            `json:"attested"`
	Active     int                            `json:"active"`
	Required   int                            `json:"required"`
	Reached    bool                           `json:"reached"`
	Conflicted bool                           `json:"conflicted"`
}

var (
	ErrInvalidSignature = errors.New("invalid attestation signature")
	ErrUnknownValidator = errors.New("validator is not active for the chain pair")
	ErrNoConflict       = errors.New("no conflict recorded for burn")
)

// InsufficientValidatorsError is returned when a chain pair has fewer active validators than required
type InsufficientValidatorsError struct {
	Pair     ChainPair
	Active   int
	Required int
}

func (e *InsufficientValidatorsError) Error() string {
	return fmt.Sprintf("chain pair %s has %d active validators, at least %d required", e.Pair, e.Active, e.Required)
}

// ConflictingProofError is returned when validators attested different roots for the same burn.
// It blocks the import of the burn until an operator resolves it.
type ConflictingProofError struct {
	BurnHash common.Hash
	Roots    map[common.Address]common.Hash
}

func (e *ConflictingProofError) Error() string {
	return fmt.Sprintf("conflicting proof roots for burn %s: %v", e.BurnHash.Hex(), e.Roots)
}
