package rpc

import (
	"context"

	"github.com/0xPolygon/exportbridge/chainwatcher"
	"github.com/0xPolygon/exportbridge/importsubmitter"
	"github.com/0xPolygon/exportbridge/proofservice"
	"github.com/0xPolygon/exportbridge/quorum"
	"github.com/ethereum/go-ethereum/common"
)

type Prover interface {
	ProveBurn(ctx context.Context, sourceChain uint32, burnHash common.Hash) (proofservice.ProofBundle, error)
	PurgeChain(chain uint32) int
}

type AttestationStore interface {
	SubmitAttestation(ctx context.Context, att quorum.Attestation) error
	Status(ctx context.Context, burnHash common.Hash) (quorum.Status, error)
	AttestationLog(ctx context.Context, burnHash common.Hash) ([]quorum.AuditEntry, error)
	ResolveConflict(ctx context.Context, burnHash common.Hash, operator, note string) error
}

type ImportStatuser interface {
	Status(ctx context.Context, burnHash common.Hash) (importsubmitter.ImportStatus, error)
}

type ChainWatcher interface {
	Status() chainwatcher.Status
}

type ChainResumer interface {
	Resume(ctx context.Context, chain uint32) error
}
