package burnledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	gosync "sync"

	"github.com/0xPolygon/exportbridge/burnledger/migrations"
	"github.com/0xPolygon/exportbridge/db"
	"github.com/0xPolygon/exportbridge/log"
	"github.com/0xPolygon/exportbridge/sync"
	"github.com/ethereum/go-ethereum/common"
	"github.com/russross/meddler"
)

const errWhileRollbackFormat = "error while rolling back tx: %v"

// Ledger is the append only, per source chain record of burns. Appends on a chain are
// serialized; reads run concurrently inside a single read transaction.
type Ledger struct {
	db     *sql.DB
	readDB *sql.DB
	log    *log.Logger

	chainLocksMu gosync.Mutex
	chainLocks   map[uint32]*gosync.Mutex

	haltedMu gosync.RWMutex
	halted   map[uint32]string

	newBurns *sync.GenericSubscriberImpl[BurnRecord]
}

// New runs the migrations on dbPath and opens the ledger
func New(logger *log.Logger, dbPath string) (*Ledger, error) {
	if err := migrations.RunMigrations(dbPath); err != nil {
		return nil, err
	}
	sqlDB, err := db.NewSQLiteDB(dbPath)
	if err != nil {
		return nil, err
	}
	readDB, err := db.NewSQLiteReadDB(dbPath)
	if err != nil {
		return nil, err
	}
	l := &Ledger{
		db:         sqlDB,
		readDB:     readDB,
		log:        logger,
		chainLocks: make(map[uint32]*gosync.Mutex),
		halted:     make(map[uint32]string),
		newBurns:   sync.NewGenericSubscriberImpl[BurnRecord](),
	}
	if err := l.loadHalted(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) loadHalted() error {
	rows, err := l.db.Query(`SELECT source_chain, halt_reason FROM chain_state WHERE halt_reason IS NOT NULL;`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			chain  uint32
			reason string
		)
		if err := rows.Scan(&chain, &reason); err != nil {
			return err
		}
		l.log.Warnf("chain %d is halted: %s", chain, reason)
		l.halted[chain] = reason
	}
	return rows.Err()
}

func (l *Ledger) chainLock(chain uint32) *gosync.Mutex {
	l.chainLocksMu.Lock()
	defer l.chainLocksMu.Unlock()
	mu, ok := l.chainLocks[chain]
	if !ok {
		mu = &gosync.Mutex{}
		l.chainLocks[chain] = mu
	}
	return mu
}

// Subscribe returns a channel receiving every record once its append has been committed
func (l *Ledger) Subscribe(subscriberName string) <-chan BurnRecord {
	return l.newBurns.Subscribe(subscriberName)
}

// Append adds a single record to the ledger of its source chain
func (l *Ledger) Append(ctx context.Context, record BurnRecord) error {
	return l.AppendBatch(ctx, record.SourceChain, []BurnRecord{record}, 0)
}

// AppendBatch appends records in order, all or nothing. If lastBlock is greater than the
// stored progress of the chain it is persisted in the same transaction, which allows
// recording progress through blocks without burns by passing no records.
func (l *Ledger) AppendBatch(ctx context.Context, chain uint32, records []BurnRecord, lastBlock uint64) error {
	if err := l.checkHalted(chain); err != nil {
		return err
	}
	mu := l.chainLock(chain)
	mu.Lock()
	defer mu.Unlock()

	tx, err := db.NewTx(ctx, l.db)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if errRllbck := tx.Rollback(); errRllbck != nil {
				l.log.Errorf(errWhileRollbackFormat, errRllbck)
			}
		}
	}()

	lastSeq, err := lastSequence(tx, chain)
	if err != nil {
		return err
	}
	for i := range records {
		record := records[i]
		if record.SourceChain != chain {
			err = fmt.Errorf("record for chain %d appended to chain %d", record.SourceChain, chain)
			return err
		}
		if record.Sequence != lastSeq+1 {
			err = &SequenceGapError{Chain: chain, Expected: lastSeq + 1, Got: record.Sequence}
			return err
		}
		var existing BurnRecord
		existing, err = getByHash(tx, chain, record.BurnHash)
		if err == nil {
			err = &DuplicateBurnError{Chain: chain, BurnHash: record.BurnHash, Sequence: existing.Sequence}
			return err
		}
		if !errors.Is(err, db.ErrNotFound) {
			return err
		}
		if err = meddler.Insert(tx, "burn", &record); err != nil {
			err = fmt.Errorf("error inserting burn %d: %w", record.Sequence, err)
			return err
		}
		lastSeq = record.Sequence
	}
	if lastBlock > 0 {
		if _, err = tx.Exec(`
			INSERT INTO chain_state (source_chain, last_block) VALUES ($1, $2)
			ON CONFLICT(source_chain) DO UPDATE SET last_block = MAX(last_block, excluded.last_block);
		`, chain, lastBlock); err != nil {
			return err
		}
	}

	appended := make([]BurnRecord, len(records))
	copy(appended, records)
	tx.AddCommitCallback(func() {
		for _, r := range appended {
			l.newBurns.Publish(r)
		}
	})
	if err = tx.Commit(); err != nil {
		return err
	}
	if len(records) > 0 {
		l.log.Debugf("chain %d: appended burns %d to %d", chain, records[0].Sequence, lastSeq)
	}
	return nil
}

// Window returns, in ascending order, the last size records of chain ending at upToSequence.
// Fewer records are returned when the history is shorter than size.
func (l *Ledger) Window(ctx context.Context, chain uint32, upToSequence uint64, size int) ([]BurnRecord, error) {
	if err := l.checkHalted(chain); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("invalid window size %d", size)
	}
	tx, err := db.NewReadTx(ctx, l.readDB)
	if err != nil {
		return nil, err
	}
	defer func() {
		if errRllbck := tx.Rollback(); errRllbck != nil {
			l.log.Errorf(errWhileRollbackFormat, errRllbck)
		}
	}()

	if _, err := getBySequence(tx, chain, upToSequence); err != nil {
		return nil, err
	}
	var first uint64 = 1
	if upToSequence > uint64(size) {
		first = upToSequence - uint64(size) + 1
	}
	var records []*BurnRecord
	if err := meddler.QueryAll(tx, &records, `
		SELECT * FROM burn
		WHERE source_chain = $1 AND sequence >= $2 AND sequence <= $3
		ORDER BY sequence ASC;
	`, chain, first, upToSequence); err != nil {
		return nil, err
	}
	if uint64(len(records)) != upToSequence-first+1 {
		return nil, fmt.Errorf(
			"chain %d: window [%d, %d] has %d records: %w",
			chain, first, upToSequence, len(records), sync.ErrInconsistentState,
		)
	}
	return db.SlicePtrsToSlice(records).([]BurnRecord), nil
}

// GetByHash returns the record of chain with the given burn hash
func (l *Ledger) GetByHash(ctx context.Context, chain uint32, burnHash common.Hash) (BurnRecord, error) {
	if err := l.checkHalted(chain); err != nil {
		return BurnRecord{}, err
	}
	return getByHash(l.db, chain, burnHash)
}

// GetBySequence returns the record of chain with the given sequence
func (l *Ledger) GetBySequence(ctx context.Context, chain uint32, sequence uint64) (BurnRecord, error) {
	if err := l.checkHalted(chain); err != nil {
		return BurnRecord{}, err
	}
	return getBySequence(l.db, chain, sequence)
}

// LastSequence returns the sequence of the last appended record, 0 if none
func (l *Ledger) LastSequence(ctx context.Context, chain uint32) (uint64, error) {
	if err := l.checkHalted(chain); err != nil {
		return 0, err
	}
	return lastSequence(l.db, chain)
}

// LastProcessedBlock returns the last source block whose events are fully in the ledger
func (l *Ledger) LastProcessedBlock(ctx context.Context, chain uint32) (uint64, error) {
	var lastBlock uint64
	err := l.db.QueryRow(`SELECT last_block FROM chain_state WHERE source_chain = $1;`, chain).Scan(&lastBlock)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return lastBlock, err
}

// Halt marks chain as inconsistent. Every further read or append on it fails with
// sync.ErrInconsistentState until an operator calls Resume.
func (l *Ledger) Halt(ctx context.Context, chain uint32, reason error) error {
	l.haltedMu.Lock()
	defer l.haltedMu.Unlock()
	if _, err := l.db.ExecContext(ctx, `
		INSERT INTO chain_state (source_chain, halt_reason) VALUES ($1, $2)
		ON CONFLICT(source_chain) DO UPDATE SET halt_reason = excluded.halt_reason;
	`, chain, reason.Error()); err != nil {
		return err
	}
	l.halted[chain] = reason.Error()
	l.log.Errorf("chain %d halted: %s", chain, reason)
	return nil
}

// Resume clears the halt of chain
func (l *Ledger) Resume(ctx context.Context, chain uint32) error {
	l.haltedMu.Lock()
	defer l.haltedMu.Unlock()
	if _, err := l.db.ExecContext(ctx,
		`UPDATE chain_state SET halt_reason = NULL WHERE source_chain = $1;`, chain,
	); err != nil {
		return err
	}
	delete(l.halted, chain)
	l.log.Infof("chain %d resumed", chain)
	return nil
}

// HaltReason returns why chain is halted and whether it is
func (l *Ledger) HaltReason(chain uint32) (string, bool) {
	l.haltedMu.RLock()
	defer l.haltedMu.RUnlock()
	reason, ok := l.halted[chain]
	return reason, ok
}

func (l *Ledger) checkHalted(chain uint32) error {
	if reason, ok := l.HaltReason(chain); ok {
		return fmt.Errorf("chain %d halted (%s): %w", chain, reason, sync.ErrInconsistentState)
	}
	return nil
}

// Close closes the underlying database handles
func (l *Ledger) Close() error {
	return errors.Join(l.readDB.Close(), l.db.Close())
}

func lastSequence(tx db.Querier, chain uint32) (uint64, error) {
	var seq sql.NullInt64
	if err := tx.QueryRow(
		`SELECT MAX(sequence) FROM burn WHERE source_chain = $1;`, chain,
	).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

func getByHash(tx meddler.DB, chain uint32, burnHash common.Hash) (BurnRecord, error) {
	record := BurnRecord{}
	err := meddler.QueryRow(tx, &record,
		`SELECT * FROM burn WHERE source_chain = $1 AND burn_hash = $2;`, chain, burnHash.Hex())
	if err != nil {
		if errors.Is(db.ReturnErrNotFound(err), db.ErrNotFound) {
			return BurnRecord{}, &NotFoundError{Chain: chain, BurnHash: burnHash}
		}
		return BurnRecord{}, err
	}
	return record, nil
}

func getBySequence(tx meddler.DB, chain uint32, sequence uint64) (BurnRecord, error) {
	record := BurnRecord{}
	err := meddler.QueryRow(tx, &record,
		`SELECT * FROM burn WHERE source_chain = $1 AND sequence = $2;`, chain, sequence)
	if err != nil {
		if errors.Is(db.ReturnErrNotFound(err), db.ErrNotFound) {
			return BurnRecord{}, &NotFoundError{Chain: chain, Sequence: sequence}
		}
		return BurnRecord{}, err
	}
	return record, nil
}
