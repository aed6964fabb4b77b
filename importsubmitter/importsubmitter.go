package importsubmitter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/0xPolygon/exportbridge/db"
	"github.com/0xPolygon/exportbridge/importsubmitter/migrations"
	"github.com/0xPolygon/exportbridge/log"
	"github.com/0xPolygon/exportbridge/sync"
	"github.com/ethereum/go-ethereum/common"
	"github.com/russross/meddler"
	"golang.org/x/sync/singleflight"
)

const defaultMaxAttempts = 5

// Submitter sends authorized imports to destination chains. Submissions are idempotent per burn
// hash and at most one is in flight for a given burn.
type Submitter struct {
	db             *sql.DB
	log            *log.Logger
	destinations   map[uint32]DestinationClient
	rh             *sync.RetryHandler
	attemptTimeout time.Duration
	inFlight       singleflight.Group
	now            func() time.Time

	// ctx outlives the callers of SubmitImport, it is canceled by Close
	ctx    context.Context
	cancel context.CancelFunc
}

func New(
	logger *log.Logger,
	dbPath string,
	destinations map[uint32]DestinationClient,
	rh *sync.RetryHandler,
	attemptTimeout time.Duration,
) (*Submitter, error) {
	if err := migrations.RunMigrations(dbPath); err != nil {
		return nil, err
	}
	sqlDB, err := db.NewSQLiteDB(dbPath)
	if err != nil {
		return nil, err
	}
	retry := *rh
	if retry.MaxRetryAttemptsAfterError <= 0 {
		retry.MaxRetryAttemptsAfterError = defaultMaxAttempts
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Submitter{
		db:             sqlDB,
		log:            logger,
		destinations:   destinations,
		rh:             &retry,
		attemptTimeout: attemptTimeout,
		now:            time.Now,
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

func (s *Submitter) Close() error {
	s.cancel()
	return s.db.Close()
}

// SubmitImport imports the burn of bundle on its destination chain. If the burn is already in the
// import log the logged record is returned without contacting the chain. Concurrent calls for the
// same burn share a single submission, which keeps running if the caller that started it goes away.
func (s *Submitter) SubmitImport(ctx context.Context, bundle ImportBundle) (ImportRecord, error) {
	key := bundle.Record.BurnHash.Hex()
	ch := s.inFlight.DoChan(key, func() (interface{}, error) {
		workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(s.ctx, cancel)
		defer stop()
		return s.submit(workCtx, bundle)
	})
	select {
	case <-ctx.Done():
		return ImportRecord{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			s.log.Debugf("import of burn %s shared with a concurrent submission", key)
		}
		if res.Err != nil {
			return ImportRecord{}, res.Err
		}
		return res.Val.(ImportRecord), nil
	}
}

func (s *Submitter) submit(ctx context.Context, bundle ImportBundle) (ImportRecord, error) {
	burnHash := bundle.Record.BurnHash
	record, err := getImportRecord(s.db, burnHash)
	if err == nil {
		s.log.Debugf("burn %s already imported in tx %s", burnHash.Hex(), record.TxHash.Hex())
		return record, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return ImportRecord{}, err
	}
	if err := s.validate(bundle); err != nil {
		return ImportRecord{}, err
	}
	dest := s.destinations[bundle.DestinationChain]

	attempts := 0
	for {
		receipt, alreadyImported, err := s.attempt(ctx, dest, bundle)
		if err == nil {
			return s.recordImport(ctx, bundle, receipt, alreadyImported)
		}
		attempts++
		s.log.Warnf("attempt %d to import burn %s failed: %v", attempts, burnHash.Hex(), err)
		if errWait := s.rh.Wait(ctx, "SubmitImport", attempts); errWait != nil {
			failed := &ImportFailedError{BurnHash: burnHash, Attempts: attempts, Err: err}
			if errFailure := s.recordFailure(bundle, attempts, err); errFailure != nil {
				s.log.Errorf("error recording failed import of burn %s: %v", burnHash.Hex(), errFailure)
			}
			s.log.Errorf("%v", failed)
			if !errors.Is(errWait, sync.ErrMaxAttemptsReached) {
				return ImportRecord{}, fmt.Errorf("%w: %w", failed, errWait)
			}
			return ImportRecord{}, failed
		}
	}
}

func (s *Submitter) validate(bundle ImportBundle) error {
	if _, ok := s.destinations[bundle.DestinationChain]; !ok {
		return fmt.Errorf("no destination client for chain %d", bundle.DestinationChain)
	}
	if bundle.Record.RecipientChain != bundle.DestinationChain {
		return fmt.Errorf("burn %s targets chain %d, not %d",
			bundle.Record.BurnHash.Hex(), bundle.Record.RecipientChain, bundle.DestinationChain)
	}
	if len(bundle.Attestations) == 0 {
		return fmt.Errorf("burn %s has no attestations", bundle.Record.BurnHash.Hex())
	}
	for _, a := range bundle.Attestations {
		if a.BurnHash != bundle.Record.BurnHash || a.ProofRoot != bundle.Root {
			return fmt.Errorf("attestation of %s doesn't match burn %s and root %s",
				a.Validator.Hex(), bundle.Record.BurnHash.Hex(), bundle.Root.Hex())
		}
	}
	return nil
}

// attempt waits for the in-flight tx of the burn, if there is one, and sends a new tx otherwise.
// The in-flight tx is only forgotten once the destination reports it failed.
func (s *Submitter) attempt(ctx context.Context, dest DestinationClient, bundle ImportBundle) (Receipt, bool, error) {
	attemptCtx := ctx
	if s.attemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, s.attemptTimeout)
		defer cancel()
	}
	burnHash := bundle.Record.BurnHash
	inFlight, err := getInFlight(s.db, burnHash)
	switch {
	case err == nil:
		s.log.Infof("waiting for in-flight tx %s of burn %s", inFlight.TxID.Hex(), burnHash.Hex())
	case errors.Is(err, db.ErrNotFound):
		txID, err := dest.SendImport(attemptCtx, bundle.Record, bundle.Root, bundle.Proof, bundle.Attestations)
		if errors.Is(err, ErrAlreadyImported) {
			s.log.Infof("burn %s was already imported on chain %d", burnHash.Hex(), bundle.DestinationChain)
			return Receipt{}, true, nil
		}
		if err != nil {
			return Receipt{}, false, err
		}
		inFlight = InFlightImport{
			BurnHash:         burnHash,
			DestinationChain: bundle.DestinationChain,
			TxID:             txID,
			SentAt:           s.now().Unix(),
		}
		if err := meddler.Insert(s.db, "import_inflight", &inFlight); err != nil {
			s.log.Errorf("error storing in-flight tx %s of burn %s: %v", txID.Hex(), burnHash.Hex(), err)
		}
	default:
		return Receipt{}, false, err
	}

	receipt, err := dest.WaitImport(attemptCtx, burnHash, inFlight.TxID)
	switch {
	case errors.Is(err, ErrAlreadyImported):
		s.log.Infof("burn %s was already imported on chain %d", burnHash.Hex(), bundle.DestinationChain)
		return Receipt{}, true, nil
	case errors.Is(err, ErrImportTxFailed):
		if _, errDel := s.db.Exec(`DELETE FROM import_inflight WHERE burn_hash = $1;`, burnHash.Hex()); errDel != nil {
			s.log.Errorf("error deleting failed in-flight tx of burn %s: %v", burnHash.Hex(), errDel)
		}
	}
	return receipt, false, err
}

func (s *Submitter) recordImport(
	ctx context.Context, bundle ImportBundle, receipt Receipt, alreadyImported bool,
) (ImportRecord, error) {
	record := ImportRecord{
		BurnHash:         bundle.Record.BurnHash,
		SourceChain:      bundle.Record.SourceChain,
		Sequence:         bundle.Record.Sequence,
		DestinationChain: bundle.DestinationChain,
		ProofRoot:        bundle.Root,
		TxHash:           receipt.TxHash,
		BlockNumber:      receipt.BlockNumber,
		AlreadyImported:  alreadyImported,
		ImportedAt:       s.now().Unix(),
	}
	tx, err := db.NewTx(ctx, s.db)
	if err != nil {
		return ImportRecord{}, err
	}
	defer func() {
		if err != nil {
			if errRllbck := tx.Rollback(); errRllbck != nil {
				s.log.Errorf("error while rolling back tx: %v", errRllbck)
			}
		}
	}()
	if err = meddler.Insert(tx, "import_record", &record); err != nil {
		if db.IsUniqueViolation(err) {
			return ImportRecord{}, fmt.Errorf("burn %s already has an import record: %w", record.BurnHash.Hex(), err)
		}
		return ImportRecord{}, fmt.Errorf("error inserting import record: %w", err)
	}
	if _, err = tx.Exec(`DELETE FROM import_failure WHERE burn_hash = $1;`, record.BurnHash.Hex()); err != nil {
		return ImportRecord{}, err
	}
	if _, err = tx.Exec(`DELETE FROM import_inflight WHERE burn_hash = $1;`, record.BurnHash.Hex()); err != nil {
		return ImportRecord{}, err
	}
	if err = tx.Commit(); err != nil {
		return ImportRecord{}, err
	}
	s.log.Infof("burn %s (chain %d seq %d) imported on chain %d in tx %s",
		record.BurnHash.Hex(), record.SourceChain, record.Sequence, record.DestinationChain, record.TxHash.Hex())
	return record, nil
}

func (s *Submitter) recordFailure(bundle ImportBundle, attempts int, cause error) error {
	failure := FailureRecord{
		BurnHash:         bundle.Record.BurnHash,
		SourceChain:      bundle.Record.SourceChain,
		DestinationChain: bundle.DestinationChain,
		Attempts:         attempts,
		LastError:        cause.Error(),
		FailedAt:         s.now().Unix(),
	}
	if _, err := s.db.Exec(`DELETE FROM import_failure WHERE burn_hash = $1;`, failure.BurnHash.Hex()); err != nil {
		return err
	}
	return meddler.Insert(s.db, "import_failure", &failure)
}

// GetImportRecord returns the import record of burnHash or db.ErrNotFound
func (s *Submitter) GetImportRecord(ctx context.Context, burnHash common.Hash) (ImportRecord, error) {
	return getImportRecord(s.db, burnHash)
}

// Status returns the import record, the in-flight tx and the last failure of burnHash, if any
func (s *Submitter) Status(ctx context.Context, burnHash common.Hash) (ImportStatus, error) {
	status := ImportStatus{BurnHash: burnHash}
	record, err := getImportRecord(s.db, burnHash)
	switch {
	case err == nil:
		status.Record = &record
	case !errors.Is(err, db.ErrNotFound):
		return ImportStatus{}, err
	}
	inFlight, err := getInFlight(s.db, burnHash)
	switch {
	case err == nil:
		status.InFlight = &inFlight
	case !errors.Is(err, db.ErrNotFound):
		return ImportStatus{}, err
	}
	failure := &FailureRecord{}
	err = meddler.QueryRow(s.db, failure, `SELECT * FROM import_failure WHERE burn_hash = $1;`, burnHash.Hex())
	switch err = db.ReturnErrNotFound(err); {
	case err == nil:
		status.Failure = failure
	case !errors.Is(err, db.ErrNotFound):
		return ImportStatus{}, err
	}
	return status, nil
}

// Failures returns the burns whose last submission failed and are still not imported
func (s *Submitter) Failures(ctx context.Context) ([]FailureRecord, error) {
	var failures []*FailureRecord
	if err := meddler.QueryAll(s.db, &failures, `SELECT * FROM import_failure ORDER BY failed_at ASC;`); err != nil {
		return nil, err
	}
	return db.SlicePtrsToSlice(failures).([]FailureRecord), nil
}

func getImportRecord(tx meddler.DB, burnHash common.Hash) (ImportRecord, error) {
	record := ImportRecord{}
	err := meddler.QueryRow(tx, &record, `SELECT * FROM import_record WHERE burn_hash = $1;`, burnHash.Hex())
	if err != nil {
		return ImportRecord{}, db.ReturnErrNotFound(err)
	}
	return record, nil
}

func getInFlight(tx meddler.DB, burnHash common.Hash) (InFlightImport, error) {
	inFlight := InFlightImport{}
	err := meddler.QueryRow(tx, &inFlight, `SELECT * FROM import_inflight WHERE burn_hash = $1;`, burnHash.Hex())
	if err != nil {
		return InFlightImport{}, db.ReturnErrNotFound(err)
	}
	return inFlight, nil
}
