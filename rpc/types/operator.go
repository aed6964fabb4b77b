package types

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	bridgecommon "github.com/0xPolygon/exportbridge/common"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	ActionResolveConflict = "resolveConflict"
	ActionResumeChain     = "resumeChain"

	operatorDomain = "exportbridge-operator"
)

var ErrInvalidOperatorSignature = errors.New("invalid operator signature")

// OperatorRequest is an operator action on the node, signed by the operator key. BurnHash is set
// for conflict resolutions and ChainID for chain resumes.
type OperatorRequest struct {
	Action    string         `json:"action"`
	BurnHash  common.Hash    `json:"burnHash"`
	ChainID   uint32         `json:"chainId"`
	Note      string         `json:"note"`
	Timestamp int64          `json:"timestamp"`
	Operator  common.Address `json:"operator"`
	Signature hexutil.Bytes  `json:"signature"`
}

// Digest is the message signed by the operator:
// keccak256(domain | action | burnHash | chainID | timestamp | keccak256(note))
func (r *OperatorRequest) Digest() common.Hash {
	return crypto.Keccak256Hash(
		[]byte(operatorDomain),
		[]byte(r.Action),
		r.BurnHash[:],
		bridgecommon.Uint32ToBytes(r.ChainID),
		bridgecommon.Uint64ToBytes(uint64(r.Timestamp)),
		crypto.Keccak256([]byte(r.Note)),
	)
}

// Sign fills Operator and Signature using key
func (r *OperatorRequest) Sign(key *ecdsa.PrivateKey) error {
	digest := r.Digest()
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return err
	}
	r.Operator = crypto.PubkeyToAddress(key.PublicKey)
	r.Signature = sig
	return nil
}

// VerifySignature checks that the signature was produced by Operator over Digest
func (r *OperatorRequest) VerifySignature() error {
	if len(r.Signature) != crypto.SignatureLength {
		return fmt.Errorf("%w: expected %d bytes, got %d",
			ErrInvalidOperatorSignature, crypto.SignatureLength, len(r.Signature))
	}
	digest := r.Digest()
	pub, err := crypto.SigToPub(digest[:], r.Signature)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOperatorSignature, err)
	}
	if signer := crypto.PubkeyToAddress(*pub); signer != r.Operator {
		return fmt.Errorf("%w: signed by %s, claims %s", ErrInvalidOperatorSignature, signer.Hex(), r.Operator.Hex())
	}
	return nil
}
