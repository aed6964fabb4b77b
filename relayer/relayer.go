package relayer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/0xPolygon/exportbridge/burnledger"
	"github.com/0xPolygon/exportbridge/db"
	"github.com/0xPolygon/exportbridge/importsubmitter"
	"github.com/0xPolygon/exportbridge/log"
	"github.com/0xPolygon/exportbridge/proofservice"
	"github.com/0xPolygon/exportbridge/quorum"
	"github.com/0xPolygon/exportbridge/sync"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/sync/errgroup"
)

const (
	defaultCheckInterval  = 10 * time.Second
	defaultBroadcastTries = 5
)

type Prover interface {
	ProveBurn(ctx context.Context, sourceChain uint32, burnHash common.Hash) (proofservice.ProofBundle, error)
	VerifyBundle(ctx context.Context, bundle proofservice.ProofBundle) error
}

type AttestationStore interface {
	SubmitAttestation(ctx context.Context, att quorum.Attestation) error
	IsQuorumReached(ctx context.Context, burnHash common.Hash) (bool, error)
	Attestations(ctx context.Context, burnHash common.Hash) ([]quorum.Attestation, error)
}

type Importer interface {
	SubmitImport(ctx context.Context, bundle importsubmitter.ImportBundle) (importsubmitter.ImportRecord, error)
	GetImportRecord(ctx context.Context, burnHash common.Hash) (importsubmitter.ImportRecord, error)
	Failures(ctx context.Context) ([]importsubmitter.FailureRecord, error)
}

type Ledger interface {
	LastSequence(ctx context.Context, chain uint32) (uint64, error)
	GetBySequence(ctx context.Context, chain uint32, sequence uint64) (burnledger.BurnRecord, error)
}

// Peer is another validator of the network
type Peer interface {
	URL() string
	SubmitAttestation(att quorum.Attestation) error
}

// Relayer is the validator loop: it proves every new burn of the ledger, signs and broadcasts an
// attestation of the proof root and, when an importer is set, submits the import once the quorum
// agrees on the root.
type Relayer struct {
	log      *log.Logger
	key      *ecdsa.PrivateKey
	address  common.Address
	ledger   Ledger
	prover   Prover
	store    AttestationStore
	importer Importer
	peers    []Peer
	rh       *sync.RetryHandler
	cfg      Config

	pendingMu gosync.Mutex
	pending   map[common.Hash]proofservice.ProofBundle
}

// New returns a relayer. importer may be nil, in which case the relayer only attests.
func New(
	logger *log.Logger,
	key *ecdsa.PrivateKey,
	ledger Ledger,
	prover Prover,
	store AttestationStore,
	importer Importer,
	peers []Peer,
	cfg Config,
) *Relayer {
	if cfg.CheckInterval.Duration <= 0 {
		cfg.CheckInterval.Duration = defaultCheckInterval
	}
	if cfg.MaxRetryAttemptsAfterError <= 0 {
		cfg.MaxRetryAttemptsAfterError = defaultBroadcastTries
	}
	return &Relayer{
		log:      logger,
		key:      key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
		ledger:   ledger,
		prover:   prover,
		store:    store,
		importer: importer,
		peers:    peers,
		rh: &sync.RetryHandler{
			RetryAfterErrorPeriod:      cfg.RetryAfterErrorPeriod.Duration,
			MaxRetryAttemptsAfterError: cfg.MaxRetryAttemptsAfterError,
		},
		cfg:     cfg,
		pending: make(map[common.Hash]proofservice.ProofBundle),
	}
}

// Address of the validator key
func (r *Relayer) Address() common.Address {
	return r.address
}

// Start handles the burns received on burns until ctx is done. The last CatchUpDepth burns of
// every chain in catchUpChains are handled first, so burns appended while the relayer was down
// are not missed.
func (r *Relayer) Start(ctx context.Context, burns <-chan burnledger.BurnRecord, catchUpChains []uint32) {
	r.log.Infof("starting relayer for validator %s with %d peers", r.address.Hex(), len(r.peers))
	for _, chain := range catchUpChains {
		if err := r.catchUp(ctx, chain); err != nil {
			r.log.Errorf("error catching up chain %d: %v", chain, err)
		}
	}

	ticker := time.NewTicker(r.cfg.CheckInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("context cancelled")
			return
		case record, ok := <-burns:
			if !ok {
				return
			}
			if err := r.HandleBurn(ctx, record); err != nil {
				r.log.Errorf("error handling burn %s: %v", record.String(), err)
			}
		case <-ticker.C:
			r.CheckPending(ctx)
			r.RetryFailedImports(ctx)
		}
	}
}

func (r *Relayer) catchUp(ctx context.Context, chain uint32) error {
	last, err := r.ledger.LastSequence(ctx, chain)
	if err != nil {
		return err
	}
	first := uint64(1)
	if r.cfg.CatchUpDepth > 0 && last > r.cfg.CatchUpDepth {
		first = last - r.cfg.CatchUpDepth + 1
	}
	for seq := first; seq <= last && ctx.Err() == nil; seq++ {
		record, err := r.ledger.GetBySequence(ctx, chain, seq)
		if err != nil {
			return err
		}
		if r.importer != nil {
			if _, err := r.importer.GetImportRecord(ctx, record.BurnHash); err == nil {
				continue
			} else if !errors.Is(err, db.ErrNotFound) {
				return err
			}
		}
		if err := r.HandleBurn(ctx, record); err != nil {
			r.log.Warnf("error handling burn %s on catch up: %v", record.String(), err)
		}
	}
	return nil
}

// HandleBurn proves record, attests to the proof root locally and to every peer, and tries to
// import the burn
func (r *Relayer) HandleBurn(ctx context.Context, record burnledger.BurnRecord) error {
	bundle, err := r.prover.ProveBurn(ctx, record.SourceChain, record.BurnHash)
	if err != nil {
		return fmt.Errorf("error proving burn: %w", err)
	}
	att := quorum.Attestation{
		BurnHash:         record.BurnHash,
		SourceChain:      record.SourceChain,
		DestinationChain: record.RecipientChain,
		ProofRoot:        bundle.Root,
	}
	if err := att.Sign(r.key); err != nil {
		return fmt.Errorf("error signing attestation: %w", err)
	}

	localErr := r.store.SubmitAttestation(ctx, att)
	var conflictErr *quorum.ConflictingProofError
	if localErr != nil && !errors.As(localErr, &conflictErr) {
		return fmt.Errorf("error submitting local attestation: %w", localErr)
	}
	// peers learn about our root even when it conflicts with theirs
	r.Broadcast(ctx, att)
	if localErr != nil {
		return localErr
	}

	r.pendingMu.Lock()
	r.pending[record.BurnHash] = bundle
	r.pendingMu.Unlock()
	_, err = r.TryImport(ctx, bundle)
	return err
}

// Broadcast sends att to every peer, retrying each one with backoff. Delivery is at least once:
// peers replace the previous attestation of the same validator.
func (r *Relayer) Broadcast(ctx context.Context, att quorum.Attestation) {
	g, ctx := errgroup.WithContext(ctx)
	for _, peer := range r.peers {
		peer := peer
		g.Go(func() error {
			for attempts := 1; ; attempts++ {
				err := peer.SubmitAttestation(att)
				if err == nil {
					return nil
				}
				r.log.Warnf("error sending attestation of burn %s to %s: %v", att.BurnHash.Hex(), peer.URL(), err)
				if errWait := r.rh.Wait(ctx, "Broadcast", attempts); errWait != nil {
					r.log.Errorf("giving up sending attestation of burn %s to %s: %v",
						att.BurnHash.Hex(), peer.URL(), errWait)
					return nil
				}
			}
		})
	}
	_ = g.Wait()
}

// TryImport submits the import of bundle if the quorum is reached. It returns false while the
// quorum is still missing.
func (r *Relayer) TryImport(ctx context.Context, bundle proofservice.ProofBundle) (bool, error) {
	if r.importer == nil {
		r.removePending(bundle.Record.BurnHash)
		return false, nil
	}
	burnHash := bundle.Record.BurnHash
	reached, err := r.store.IsQuorumReached(ctx, burnHash)
	if err != nil {
		var conflictErr *quorum.ConflictingProofError
		if errors.As(err, &conflictErr) {
			r.removePending(burnHash)
		}
		return false, err
	}
	if !reached {
		return false, nil
	}
	if err := r.prover.VerifyBundle(ctx, bundle); err != nil {
		return false, fmt.Errorf("error verifying bundle before import: %w", err)
	}
	attestations, err := r.store.Attestations(ctx, burnHash)
	if err != nil {
		return false, err
	}
	record, err := r.importer.SubmitImport(ctx, importsubmitter.ImportBundle{
		ProofBundle:      bundle,
		DestinationChain: bundle.Record.RecipientChain,
		Attestations:     attestations,
	})
	// a failed import is kept by the importer and retried from its failure log
	r.removePending(burnHash)
	if err != nil {
		return false, err
	}
	r.log.Infof("burn %s imported on chain %d in tx %s", burnHash.Hex(), record.DestinationChain, record.TxHash.Hex())
	return true, nil
}

// CheckPending retries the import of the burns still waiting for their quorum
func (r *Relayer) CheckPending(ctx context.Context) {
	r.pendingMu.Lock()
	bundles := make([]proofservice.ProofBundle, 0, len(r.pending))
	for _, b := range r.pending {
		bundles = append(bundles, b)
	}
	r.pendingMu.Unlock()
	for _, b := range bundles {
		if _, err := r.TryImport(ctx, b); err != nil {
			r.log.Errorf("error importing burn %s: %v", b.Record.BurnHash.Hex(), err)
		}
	}
}

// RetryFailedImports submits again the burns of the importer failure log
func (r *Relayer) RetryFailedImports(ctx context.Context) {
	if r.importer == nil {
		return
	}
	failures, err := r.importer.Failures(ctx)
	if err != nil {
		r.log.Errorf("error getting failed imports: %v", err)
		return
	}
	for _, f := range failures {
		bundle, err := r.prover.ProveBurn(ctx, f.SourceChain, f.BurnHash)
		if err != nil {
			r.log.Errorf("error proving failed import %s: %v", f.BurnHash.Hex(), err)
			continue
		}
		if _, err := r.TryImport(ctx, bundle); err != nil {
			r.log.Errorf("retry of import %s failed: %v", f.BurnHash.Hex(), err)
		}
	}
}

// Pending returns the number of burns waiting for their quorum
func (r *Relayer) Pending() int {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return len(r.pending)
}

func (r *Relayer) removePending(burnHash common.Hash) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	delete(r.pending, burnHash)
}
