package proofservice

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/0xPolygon/exportbridge/burnledger"
	"github.com/0xPolygon/exportbridge/db"
	"github.com/0xPolygon/exportbridge/log"
	bridgesync "github.com/0xPolygon/exportbridge/sync"
	"github.com/0xPolygon/exportbridge/tree"
	treetypes "github.com/0xPolygon/exportbridge/tree/types"
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
)

// WindowSize is the number of ledger records, ending at the proven burn, committed by a proof.
// Provers and verifiers must agree on it.
const WindowSize = 16

const defaultCacheSize = 1024

// UnknownBurnError is returned when the burn hash is not in the ledger of the source chain
type UnknownBurnError struct {
	SourceChain uint32
	BurnHash    common.Hash
}

func (e *UnknownBurnError) Error() string {
	return fmt.Sprintf("unknown burn %s on chain %d", e.BurnHash.Hex(), e.SourceChain)
}

// ProofBundle is everything a verifier needs to check that a burn belongs to the ledger window
type ProofBundle struct {
	Record burnledger.BurnRecord `json:"record"`
	Root   common.Hash           `json:"root"`
	Proof  treetypes.Proof       `json:"proof"`
}

type Ledger interface {
	GetByHash(ctx context.Context, chain uint32, burnHash common.Hash) (burnledger.BurnRecord, error)
	Window(ctx context.Context, chain uint32, upToSequence uint64, size int) ([]burnledger.BurnRecord, error)
	HaltReason(chain uint32) (string, bool)
}

type cacheKey struct {
	chain    uint32
	burnHash common.Hash
}

// ProofService builds inclusion proofs of burns over the ledger window that ends at each burn.
// Since the ledger is append only and the window is anchored at the proven burn, a proof never
// changes once built, so results are cached.
type ProofService struct {
	ledger Ledger
	cache  *lru.Cache
	log    *log.Logger

	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64
}

func New(logger *log.Logger, ledger Ledger, cacheSize int) (*ProofService, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &ProofService{
		ledger: ledger,
		cache:  cache,
		log:    logger,
	}, nil
}

// ProveBurn returns the record of burnHash together with the root of its window and the proof
// of the burn inside that window
func (p *ProofService) ProveBurn(ctx context.Context, sourceChain uint32, burnHash common.Hash) (ProofBundle, error) {
	if reason, halted := p.ledger.HaltReason(sourceChain); halted {
		return ProofBundle{}, fmt.Errorf("chain %d halted (%s): %w", sourceChain, reason, bridgesync.ErrInconsistentState)
	}
	key := cacheKey{chain: sourceChain, burnHash: burnHash}
	if cached, ok := p.cache.Get(key); ok {
		p.cacheHits.Add(1)
		return cached.(ProofBundle), nil
	}
	p.cacheMisses.Add(1)

	record, err := p.ledger.GetByHash(ctx, sourceChain, burnHash)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ProofBundle{}, &UnknownBurnError{SourceChain: sourceChain, BurnHash: burnHash}
		}
		return ProofBundle{}, err
	}
	root, proof, err := p.proveRecord(ctx, record)
	if err != nil {
		return ProofBundle{}, err
	}
	bundle := ProofBundle{
		Record: record,
		Root:   root,
		Proof:  proof,
	}
	p.cache.Add(key, bundle)
	p.log.Debugf("built proof for %s, root %s", record.String(), root.Hex())
	return bundle, nil
}

func (p *ProofService) proveRecord(
	ctx context.Context, record burnledger.BurnRecord,
) (common.Hash, treetypes.Proof, error) {
	window, err := p.ledger.Window(ctx, record.SourceChain, record.Sequence, WindowSize)
	if err != nil {
		return common.Hash{}, treetypes.Proof{}, fmt.Errorf("error getting window of %s: %w", record.String(), err)
	}
	leaves := make([]common.Hash, 0, len(window))
	for _, r := range window {
		leaves = append(leaves, r.BurnHash)
	}
	last := len(leaves) - 1
	if last < 0 || leaves[last] != record.BurnHash {
		return common.Hash{}, treetypes.Proof{}, fmt.Errorf(
			"window of %s doesn't end at the burn: %w", record.String(), bridgesync.ErrInconsistentState,
		)
	}
	t, err := tree.New(leaves)
	if err != nil {
		return common.Hash{}, treetypes.Proof{}, err
	}
	proof, err := t.Proof(uint32(last))
	if err != nil {
		return common.Hash{}, treetypes.Proof{}, err
	}
	return t.Root(), proof, nil
}

// VerifyBundle checks a bundle built elsewhere: the proof must verify against its root and the
// root must match the one rebuilt from the local ledger window
func (p *ProofService) VerifyBundle(ctx context.Context, bundle ProofBundle) error {
	if err := tree.Verify(bundle.Root, bundle.Record.BurnHash, bundle.Proof); err != nil {
		return err
	}
	local, err := p.ProveBurn(ctx, bundle.Record.SourceChain, bundle.Record.BurnHash)
	if err != nil {
		return err
	}
	if local.Record.Sequence != bundle.Record.Sequence {
		return fmt.Errorf("burn %s: sequence %d doesn't match local sequence %d",
			bundle.Record.BurnHash.Hex(), bundle.Record.Sequence, local.Record.Sequence)
	}
	if local.Root != bundle.Root {
		return &tree.ProofMismatchError{Expected: local.Root, Computed: bundle.Root}
	}
	return nil
}

// PurgeChain drops the cached proofs of chain. Proofs built before an operator repaired and
// resumed a halted chain may no longer match its ledger.
func (p *ProofService) PurgeChain(chain uint32) int {
	purged := 0
	for _, k := range p.cache.Keys() {
		if key, ok := k.(cacheKey); ok && key.chain == chain && p.cache.Remove(key) {
			purged++
		}
	}
	p.log.Infof("purged %d cached proofs of chain %d", purged, chain)
	return purged
}

// CacheStats returns the number of cache hits and misses
func (p *ProofService) CacheStats() (hits, misses uint64) {
	return p.cacheHits.Load(), p.cacheMisses.Load()
}
