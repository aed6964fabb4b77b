package rpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/0xPolygon/cdk-rpc/rpc"
	"github.com/0xPolygon/exportbridge/log"
	"github.com/0xPolygon/exportbridge/proofservice"
	"github.com/0xPolygon/exportbridge/quorum"
	"github.com/0xPolygon/exportbridge/rpc/types"
	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	// BRIDGE is the namespace of the bridge service
	BRIDGE    = "bridge"
	meterName = "github.com/0xPolygon/exportbridge/rpc"
)

// BridgeEndpoints contains implementations for the "bridge" RPC endpoints
type BridgeEndpoints struct {
	logger       *log.Logger
	meter        metric.Meter
	readTimeout  time.Duration
	writeTimeout time.Duration
	prover       Prover
	attestations AttestationStore
	imports      ImportStatuser
	watchers     map[uint32]ChainWatcher
	resumer      ChainResumer
	operators    *OperatorAuth
}

// NewBridgeEndpoints returns BridgeEndpoints. imports may be nil when the node doesn't run the
// submitter, and watchers only holds the chains watched by this node. The operator endpoints
// reject every request when operators is nil.
func NewBridgeEndpoints(
	logger *log.Logger,
	writeTimeout time.Duration,
	readTimeout time.Duration,
	prover Prover,
	attestations AttestationStore,
	imports ImportStatuser,
	watchers map[uint32]ChainWatcher,
	resumer ChainResumer,
	operators *OperatorAuth,
) *BridgeEndpoints {
	meter := otel.Meter(meterName)
	return &BridgeEndpoints{
		logger:       logger,
		meter:        meter,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		prover:       prover,
		attestations: attestations,
		imports:      imports,
		watchers:     watchers,
		resumer:      resumer,
		operators:    operators,
	}
}

func (b *BridgeEndpoints) count(ctx context.Context, name string) {
	c, merr := b.meter.Int64Counter(name)
	if merr != nil {
		b.logger.Warnf("failed to create %s counter: %s", name, merr)
		return
	}
	c.Add(ctx, 1)
}

// ProveBurn returns the proof bundle of burnHash on sourceChain
func (b *BridgeEndpoints) ProveBurn(sourceChain uint32, burnHash common.Hash) (interface{}, rpc.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.readTimeout)
	defer cancel()
	b.count(ctx, "prove_burn")

	bundle, err := b.prover.ProveBurn(ctx, sourceChain, burnHash)
	if err != nil {
		var unknown *proofservice.UnknownBurnError
		if errors.As(err, &unknown) {
			return nil, rpc.NewRPCError(rpc.NotFoundErrorCode, err.Error())
		}
		return nil, rpc.NewRPCError(rpc.DefaultErrorCode,
			fmt.Sprintf("failed to prove burn %s of chain %d, error: %s", burnHash.Hex(), sourceChain, err))
	}
	return bundle, nil
}

// SubmitAttestation records the attestation of a peer validator.
// A conflict is recorded anyway and reported back to the sender.
func (b *BridgeEndpoints) SubmitAttestation(att quorum.Attestation) (interface{}, rpc.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.writeTimeout)
	defer cancel()
	b.count(ctx, "submit_attestation")

	if err := b.attestations.SubmitAttestation(ctx, att); err != nil {
		return nil, rpc.NewRPCError(rpc.DefaultErrorCode,
			fmt.Sprintf("attestation of %s for burn %s not accepted, error: %s",
				att.Validator.Hex(), att.BurnHash.Hex(), err))
	}
	return true, nil
}

// QuorumStatus returns the attestation summary of burnHash
func (b *BridgeEndpoints) QuorumStatus(burnHash common.Hash) (interface{}, rpc.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.readTimeout)
	defer cancel()
	b.count(ctx, "quorum_status")

	status, err := b.attestations.Status(ctx, burnHash)
	if err != nil {
		return nil, rpc.NewRPCError(rpc.DefaultErrorCode,
			fmt.Sprintf("failed to get quorum status of burn %s, error: %s", burnHash.Hex(), err))
	}
	return status, nil
}

// AttestationLog returns the audit log of the attestations received for burnHash
func (b *BridgeEndpoints) AttestationLog(burnHash common.Hash) (interface{}, rpc.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.readTimeout)
	defer cancel()
	b.count(ctx, "attestation_log")

	entries, err := b.attestations.AttestationLog(ctx, burnHash)
	if err != nil {
		return nil, rpc.NewRPCError(rpc.DefaultErrorCode,
			fmt.Sprintf("failed to get attestation log of burn %s, error: %s", burnHash.Hex(), err))
	}
	return entries, nil
}

// ImportStatus returns the local import record and last failure of burnHash
func (b *BridgeEndpoints) ImportStatus(burnHash common.Hash) (interface{}, rpc.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.readTimeout)
	defer cancel()
	b.count(ctx, "import_status")

	if b.imports == nil {
		return nil, rpc.NewRPCError(rpc.DefaultErrorCode, "the import submitter is not enabled on this node")
	}
	status, err := b.imports.Status(ctx, burnHash)
	if err != nil {
		return nil, rpc.NewRPCError(rpc.DefaultErrorCode,
			fmt.Sprintf("failed to get import status of burn %s, error: %s", burnHash.Hex(), err))
	}
	return status, nil
}

// ChainStatus returns the health of the watcher of chainID
func (b *BridgeEndpoints) ChainStatus(chainID uint32) (interface{}, rpc.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.readTimeout)
	defer cancel()
	b.count(ctx, "chain_status")

	w, ok := b.watchers[chainID]
	if !ok {
		return nil, rpc.NewRPCError(rpc.NotFoundErrorCode, fmt.Sprintf("chain %d is not watched by this node", chainID))
	}
	return w.Status(), nil
}

// ResolveConflict clears the conflict recorded for req.BurnHash so validators can attest again.
// req must be signed by an operator.
func (b *BridgeEndpoints) ResolveConflict(req types.OperatorRequest) (interface{}, rpc.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.writeTimeout)
	defer cancel()
	b.count(ctx, "resolve_conflict")

	if err := b.operators.Authorize(req, types.ActionResolveConflict); err != nil {
		b.logger.Warnf("rejected conflict resolution of burn %s: %v", req.BurnHash.Hex(), err)
		return nil, rpc.NewRPCError(rpc.DefaultErrorCode, err.Error())
	}
	operator := req.Operator.Hex()
	if err := b.attestations.ResolveConflict(ctx, req.BurnHash, operator, req.Note); err != nil {
		code := rpc.DefaultErrorCode
		if errors.Is(err, quorum.ErrNoConflict) {
			code = rpc.NotFoundErrorCode
		}
		return nil, rpc.NewRPCError(code,
			fmt.Sprintf("failed to resolve conflict of burn %s, error: %s", req.BurnHash.Hex(), err))
	}
	b.logger.Infof("conflict of burn %s resolved by %s: %s", req.BurnHash.Hex(), operator, req.Note)
	return true, nil
}

// ResumeChain lifts the halt of req.ChainID and drops the proofs cached for the chain. The
// watcher picks up on its next poll. req must be signed by an operator.
func (b *BridgeEndpoints) ResumeChain(req types.OperatorRequest) (interface{}, rpc.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.writeTimeout)
	defer cancel()
	b.count(ctx, "resume_chain")

	if err := b.operators.Authorize(req, types.ActionResumeChain); err != nil {
		b.logger.Warnf("rejected resume of chain %d: %v", req.ChainID, err)
		return nil, rpc.NewRPCError(rpc.DefaultErrorCode, err.Error())
	}
	if b.resumer == nil {
		return nil, rpc.NewRPCError(rpc.DefaultErrorCode, "the ledger is not available on this node")
	}
	if err := b.resumer.Resume(ctx, req.ChainID); err != nil {
		return nil, rpc.NewRPCError(rpc.DefaultErrorCode,
			fmt.Sprintf("failed to resume chain %d, error: %s", req.ChainID, err))
	}
	b.prover.PurgeChain(req.ChainID)
	b.logger.Warnf("chain %d resumed by %s: %s", req.ChainID, req.Operator.Hex(), req.Note)
	return true, nil
}
