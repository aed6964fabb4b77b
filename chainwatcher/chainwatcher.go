package chainwatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	gosync "sync"
	"time"

	"github.com/0xPolygon/exportbridge/burnledger"
	"github.com/0xPolygon/exportbridge/log"
	"github.com/0xPolygon/exportbridge/sync"
	"github.com/ethereum/go-ethereum/common"
)

const (
	defaultPollInterval   = 5 * time.Second
	defaultMaxBlockRange  = 10000
	defaultRequestTimeout = 30 * time.Second
)

// State of a watcher
type State string

const (
	StateIdle        State = "idle"
	StatePolling     State = "polling"
	StateIngesting   State = "ingesting"
	StateBackfilling State = "backfilling"
	StateFaulted     State = "faulted"
	StateHalted      State = "halted"
)

// HashMismatchError is returned when a burn doesn't match the history of the source chain.
// The chain is halted when it happens.
type HashMismatchError struct {
	Chain    uint32
	Sequence uint64
	Expected common.Hash
	Got      common.Hash
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("burn hash mismatch on chain %d at sequence %d: expected %s, got %s",
		e.Chain, e.Sequence, e.Expected.Hex(), e.Got.Hex())
}

// SourceClient reads burns from a source chain
type SourceClient interface {
	LatestBlock(ctx context.Context) (uint64, error)
	GetExportEvents(ctx context.Context, fromBlock, toBlock uint64) ([]burnledger.BurnRecord, error)
	GetBurnHashAt(ctx context.Context, sequence uint64) (common.Hash, error)
}

// Ledger is where the watcher appends the burns it observes
type Ledger interface {
	AppendBatch(ctx context.Context, chain uint32, records []burnledger.BurnRecord, lastBlock uint64) error
	GetBySequence(ctx context.Context, chain uint32, sequence uint64) (burnledger.BurnRecord, error)
	LastSequence(ctx context.Context, chain uint32) (uint64, error)
	LastProcessedBlock(ctx context.Context, chain uint32) (uint64, error)
	Halt(ctx context.Context, chain uint32, reason error) error
	HaltReason(chain uint32) (string, bool)
}

// Status is the health of a watcher
type Status struct {
	ChainID             uint32 `json:"chainId"`
	State               State  `json:"state"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	Degraded            bool   `json:"degraded"`
	LastSequence        uint64 `json:"lastSequence"`
	LastBlock           uint64 `json:"lastBlock"`
	LastError           string `json:"lastError,omitempty"`
	HaltReason          string `json:"haltReason,omitempty"`
}

// Watcher polls a source chain for burns and appends them to the ledger. There must be a
// single watcher per source chain.
type Watcher struct {
	log     *log.Logger
	chainID uint32
	source  SourceClient
	ledger  Ledger
	rh      *sync.RetryHandler
	cfg     Config

	statusMu gosync.RWMutex
	status   Status
}

func New(logger *log.Logger, chainID uint32, source SourceClient, ledger Ledger, cfg Config) *Watcher {
	if cfg.PollInterval.Duration <= 0 {
		cfg.PollInterval.Duration = defaultPollInterval
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = defaultMaxBlockRange
	}
	if cfg.RequestTimeout.Duration <= 0 {
		cfg.RequestTimeout.Duration = defaultRequestTimeout
	}
	return &Watcher{
		log:     logger,
		chainID: chainID,
		source:  source,
		ledger:  ledger,
		rh: &sync.RetryHandler{
			RetryAfterErrorPeriod:      cfg.RetryAfterErrorPeriod.Duration,
			MaxBackoff:                 cfg.MaxBackoff.Duration,
			MaxRetryAttemptsAfterError: cfg.MaxRetryAttemptsAfterError,
		},
		cfg:    cfg,
		status: Status{ChainID: chainID, State: StateIdle},
	}
}

// ChainID returns the source chain watched
func (w *Watcher) ChainID() uint32 {
	return w.chainID
}

// Status returns a snapshot of the health of the watcher
func (w *Watcher) Status() Status {
	w.statusMu.RLock()
	defer w.statusMu.RUnlock()
	s := w.status
	if reason, halted := w.ledger.HaltReason(w.chainID); halted {
		s.State = StateHalted
		s.HaltReason = reason
	}
	return s
}

func (w *Watcher) setState(state State) {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	if w.status.State != state {
		w.log.Debugf("state %s -> %s", w.status.State, state)
	}
	w.status.State = state
}

func (w *Watcher) setProgress(lastSequence, lastBlock uint64) {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	w.status.LastSequence = lastSequence
	w.status.LastBlock = lastBlock
}

func (w *Watcher) recordFailure(err error) int {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	w.status.ConsecutiveFailures++
	w.status.LastError = err.Error()
	w.status.State = StateFaulted
	w.status.Degraded = w.rh.Exhausted(w.status.ConsecutiveFailures)
	return w.status.ConsecutiveFailures
}

func (w *Watcher) recordSuccess() {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	w.status.ConsecutiveFailures = 0
	w.status.Degraded = false
	w.status.LastError = ""
}

// Start polls the source chain until ctx is done. Transient failures are retried with a capped
// exponential backoff forever; the watcher is reported degraded after MaxRetryAttemptsAfterError
// consecutive failures. A halted chain is not polled until an operator resumes it.
func (w *Watcher) Start(ctx context.Context) {
	w.log.Infof("starting watcher for chain %d", w.chainID)
	defer w.setState(StateIdle)
	for {
		if ctx.Err() != nil {
			return
		}
		if reason, halted := w.ledger.HaltReason(w.chainID); halted {
			w.setState(StateHalted)
			w.log.Debugf("chain %d halted (%s), waiting for operator", w.chainID, reason)
			if !sleep(ctx, w.cfg.PollInterval.Duration) {
				return
			}
			continue
		}

		caughtUp, err := w.Poll(ctx)
		switch {
		case err == nil:
			w.recordSuccess()
			if caughtUp && !sleep(ctx, w.cfg.PollInterval.Duration) {
				return
			}
		case ctx.Err() != nil:
			w.log.Info("context cancelled")
			return
		case errors.Is(err, sync.ErrInconsistentState):
			w.setState(StateHalted)
			if _, halted := w.ledger.HaltReason(w.chainID); !halted {
				// the halt wasn't persisted, the next poll finds the inconsistency again
				attempts := w.recordFailure(err)
				w.log.Errorf("inconsistent state not persisted as a halt (attempt %d), retrying in %s: %v",
					attempts, w.cfg.PollInterval.Duration, err)
				if !sleep(ctx, w.cfg.PollInterval.Duration) {
					return
				}
			}
		default:
			attempts := w.recordFailure(err)
			wait := w.rh.Backoff(attempts)
			w.log.Errorf("poll failed (attempt %d), retrying in %s: %v", attempts, wait, err)
			if !sleep(ctx, wait) {
				return
			}
		}
	}
}

// Poll runs a single polling round: it reads the events of the blocks following the last
// processed one and appends them to the ledger in a single batch. It returns true when the
// watcher reached the head of the chain.
func (w *Watcher) Poll(ctx context.Context) (bool, error) {
	w.setState(StatePolling)
	lastBlock, err := w.ledger.LastProcessedBlock(ctx, w.chainID)
	if err != nil {
		return false, err
	}
	fromBlock := lastBlock + 1
	if lastBlock == 0 && w.cfg.InitialBlock > 0 {
		fromBlock = w.cfg.InitialBlock
	}

	var latest uint64
	err = w.call(ctx, func(ctx context.Context) (err error) {
		latest, err = w.source.LatestBlock(ctx)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("error getting latest block: %w", err)
	}
	if latest < fromBlock {
		return true, nil
	}
	toBlock := latest
	if toBlock-fromBlock+1 > w.cfg.MaxBlockRange {
		toBlock = fromBlock + w.cfg.MaxBlockRange - 1
	}

	var events []burnledger.BurnRecord
	err = w.call(ctx, func(ctx context.Context) (err error) {
		events, err = w.source.GetExportEvents(ctx, fromBlock, toBlock)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("error getting export events in [%d, %d]: %w", fromBlock, toBlock, err)
	}

	w.setState(StateIngesting)
	if err := w.ingest(ctx, events, toBlock); err != nil {
		var gapErr *burnledger.SequenceGapError
		if !errors.As(err, &gapErr) {
			return false, err
		}
		w.log.Warnf("%v, backfilling", gapErr)
		if err := w.backfill(ctx, gapErr, toBlock); err != nil {
			return false, err
		}
	}
	return toBlock == latest, nil
}

// ingest appends the new records among events, all or nothing
func (w *Watcher) ingest(ctx context.Context, events []burnledger.BurnRecord, toBlock uint64) error {
	lastSeq, err := w.ledger.LastSequence(ctx, w.chainID)
	if err != nil {
		return err
	}
	records, err := w.newRecords(ctx, events, lastSeq)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := w.ledger.AppendBatch(ctx, w.chainID, records, toBlock); err != nil {
		var dupErr *burnledger.DuplicateBurnError
		if errors.As(err, &dupErr) {
			return w.halt(ctx, dupErr)
		}
		return err
	}
	if len(records) > 0 {
		lastSeq = records[len(records)-1].Sequence
		w.log.Infof("appended %d burns, last sequence %d", len(records), lastSeq)
	}
	w.setProgress(lastSeq, toBlock)
	return nil
}

// newRecords drops the events already in the ledger, which happens when blocks are scanned
// again after a restart. A replayed event that differs from the stored record halts the chain.
func (w *Watcher) newRecords(
	ctx context.Context, events []burnledger.BurnRecord, lastSeq uint64,
) ([]burnledger.BurnRecord, error) {
	records := make([]burnledger.BurnRecord, 0, len(events))
	for _, ev := range events {
		if w.cfg.VerifyBurnHash {
			if computed := ev.Hash(); computed != ev.BurnHash {
				return nil, w.halt(ctx, &HashMismatchError{
					Chain: w.chainID, Sequence: ev.Sequence, Expected: ev.BurnHash, Got: computed,
				})
			}
		}
		if ev.Sequence > lastSeq {
			records = append(records, ev)
			continue
		}
		stored, err := w.ledger.GetBySequence(ctx, w.chainID, ev.Sequence)
		if err != nil {
			return nil, err
		}
		if stored.BurnHash != ev.BurnHash {
			return nil, w.halt(ctx, &HashMismatchError{
				Chain: w.chainID, Sequence: ev.Sequence, Expected: stored.BurnHash, Got: ev.BurnHash,
			})
		}
	}
	return records, nil
}

// backfill re-scans the source chain from the block of the last burn in the ledger and re-derives
// the burns missing before the event that revealed the gap. Every re-derived
// burn is checked against the hash the source contract stores for its sequence.
func (w *Watcher) backfill(ctx context.Context, gapErr *burnledger.SequenceGapError, toBlock uint64) error {
	w.setState(StateBackfilling)
	fromBlock := w.cfg.InitialBlock
	lastGood, err := w.ledger.LastSequence(ctx, w.chainID)
	if err != nil {
		return err
	}
	if lastGood > 0 {
		record, err := w.ledger.GetBySequence(ctx, w.chainID, lastGood)
		if err != nil {
			return fmt.Errorf("error getting last known good burn %d: %w", lastGood, err)
		}
		fromBlock = record.OriginBlock
	}

	var events []burnledger.BurnRecord
	err = w.call(ctx, func(ctx context.Context) (err error) {
		events, err = w.source.GetExportEvents(ctx, fromBlock, toBlock)
		return err
	})
	if err != nil {
		return fmt.Errorf("error re-scanning [%d, %d]: %w", fromBlock, toBlock, err)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })
	events = dedupBySequence(events)

	for _, ev := range events {
		if ev.Sequence <= lastGood || ev.Sequence >= gapErr.Got {
			continue
		}
		var onChain common.Hash
		err := w.call(ctx, func(ctx context.Context) (err error) {
			onChain, err = w.source.GetBurnHashAt(ctx, ev.Sequence)
			return err
		})
		if err != nil {
			return fmt.Errorf("error getting burn hash of sequence %d: %w", ev.Sequence, err)
		}
		if onChain != ev.BurnHash {
			return w.halt(ctx, &HashMismatchError{
				Chain: w.chainID, Sequence: ev.Sequence, Expected: onChain, Got: ev.BurnHash,
			})
		}
	}

	if err := w.ingest(ctx, events, toBlock); err != nil {
		var stillGap *burnledger.SequenceGapError
		if errors.As(err, &stillGap) {
			return fmt.Errorf("backfill of [%d, %d] did not close the gap: %w", fromBlock, toBlock, err)
		}
		return err
	}
	w.log.Infof("backfill of blocks [%d, %d] closed the gap before sequence %d", fromBlock, toBlock, gapErr.Got)
	return nil
}

func (w *Watcher) halt(ctx context.Context, reason error) error {
	w.setState(StateHalted)
	if err := w.ledger.Halt(ctx, w.chainID, reason); err != nil {
		w.log.Errorf("error halting chain %d: %v", w.chainID, err)
	}
	return fmt.Errorf("%w: %w", sync.ErrInconsistentState, reason)
}

func (w *Watcher) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout.Duration)
	defer cancel()
	return fn(ctx)
}

func dedupBySequence(records []burnledger.BurnRecord) []burnledger.BurnRecord {
	out := make([]burnledger.BurnRecord, 0, len(records))
	for _, r := range records {
		if len(out) > 0 && out[len(out)-1].Sequence == r.Sequence {
			continue
		}
		out = append(out, r)
	}
	return out
}

// sleep returns false if ctx is done before d elapses
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

var _ Ledger = (*burnledger.Ledger)(nil)
