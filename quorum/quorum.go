package quorum

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/0xPolygon/exportbridge/db"
	"github.com/0xPolygon/exportbridge/log"
	"github.com/0xPolygon/exportbridge/quorum/migrations"
	"github.com/ethereum/go-ethereum/common"
	"github.com/russross/meddler"
)

const errWhileRollbackFormat = "error while rolling back tx: %v"

// Quorum collects validator attestations and decides when a burn is authorized for import.
// Validator sets, attestations and every decision are persisted for audit.
type Quorum struct {
	db            *sql.DB
	log           *log.Logger
	policy        Policy
	minValidators int
	now           func() time.Time

	// serializes writes so conflict detection sees every attestation
	mu sync.Mutex
}

func New(logger *log.Logger, dbPath string, policy Policy, minValidators int) (*Quorum, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if minValidators < MinValidators {
		return nil, fmt.Errorf("min validators must be at least %d, got %d", MinValidators, minValidators)
	}
	if err := migrations.RunMigrations(dbPath); err != nil {
		return nil, err
	}
	sqlDB, err := db.NewSQLiteDB(dbPath)
	if err != nil {
		return nil, err
	}
	return &Quorum{
		db:            sqlDB,
		log:           logger,
		policy:        policy,
		minValidators: minValidators,
		now:           time.Now,
	}, nil
}

func (q *Quorum) Close() error {
	return q.db.Close()
}

// ValidatorSet returns the current set of pair
func (q *Quorum) ValidatorSet(ctx context.Context, pair ChainPair) (ValidatorSet, error) {
	return getValidatorSet(q.db, pair)
}

// ApplyUpdate applies a validator set change and records it in the audit trail
func (q *Quorum) ApplyUpdate(ctx context.Context, update ValidatorSetUpdate) (ValidatorSet, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := db.NewTx(ctx, q.db)
	if err != nil {
		return ValidatorSet{}, err
	}
	defer func() {
		if err != nil {
			if errRllbck := tx.Rollback(); errRllbck != nil {
				q.log.Errorf(errWhileRollbackFormat, errRllbck)
			}
		}
	}()

	pair := ChainPair{Source: update.SourceChain, Destination: update.DestinationChain}
	version, err := getVersion(tx, pair)
	if err != nil {
		return ValidatorSet{}, err
	}
	update.Version = version + 1
	update.CreatedAt = q.now().Unix()
	if _, err = tx.Exec(`
		INSERT INTO validator (source_chain, destination_chain, address, active) VALUES ($1, $2, $3, $4)
		ON CONFLICT(source_chain, destination_chain, address) DO UPDATE SET active = excluded.active;
	`, pair.Source, pair.Destination, update.Validator.Hex(), update.Active); err != nil {
		return ValidatorSet{}, err
	}
	if err = meddler.Insert(tx, "validator_set_update", &update); err != nil {
		return ValidatorSet{}, fmt.Errorf("error inserting validator set update: %w", err)
	}
	set, err := getValidatorSet(tx, pair)
	if err != nil {
		return ValidatorSet{}, err
	}
	if err = tx.Commit(); err != nil {
		return ValidatorSet{}, err
	}
	q.log.Infof("validator set %s v%d: %s active=%t by %s",
		pair, update.Version, update.Validator.Hex(), update.Active, update.Operator)
	return set, nil
}

// EnsureValidators applies the updates needed for the active set of pair to be exactly validators
func (q *Quorum) EnsureValidators(
	ctx context.Context, pair ChainPair, validators []common.Address, operator string,
) (ValidatorSet, error) {
	set, err := q.ValidatorSet(ctx, pair)
	if err != nil {
		return ValidatorSet{}, err
	}
	wanted := make(map[common.Address]bool, len(validators))
	for _, v := range validators {
		wanted[v] = true
		if !set.IsActive(v) {
			if set, err = q.ApplyUpdate(ctx, ValidatorSetUpdate{
				SourceChain:      pair.Source,
				DestinationChain: pair.Destination,
				Validator:        v,
				Active:           true,
				Operator:         operator,
				Reason:           "configured",
			}); err != nil {
				return ValidatorSet{}, err
			}
		}
	}
	for _, v := range set.Active() {
		if !wanted[v] {
			if set, err = q.ApplyUpdate(ctx, ValidatorSetUpdate{
				SourceChain:      pair.Source,
				DestinationChain: pair.Destination,
				Validator:        v,
				Active:           false,
				Operator:         operator,
				Reason:           "removed from configuration",
			}); err != nil {
				return ValidatorSet{}, err
			}
		}
	}
	return set, nil
}

// ValidatorSetUpdates returns the audit trail of pair, oldest first
func (q *Quorum) ValidatorSetUpdates(ctx context.Context, pair ChainPair) ([]ValidatorSetUpdate, error) {
	var updates []*ValidatorSetUpdate
	if err := meddler.QueryAll(q.db, &updates, `
		SELECT * FROM validator_set_update
		WHERE source_chain = $1 AND destination_chain = $2
		ORDER BY version ASC;
	`, pair.Source, pair.Destination); err != nil {
		return nil, err
	}
	return db.SlicePtrsToSlice(updates).([]ValidatorSetUpdate), nil
}

// SubmitAttestation records att, replacing any previous attestation of the same validator for
// the same burn. Rejections are written to the audit log. If the active validators now disagree
// on the root of the burn, the conflict is persisted and ConflictingProofError returned.
func (q *Quorum) SubmitAttestation(ctx context.Context, att Attestation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	att.ReceivedAt = q.now().Unix()
	if err := q.validate(ctx, att); err != nil {
		q.audit(att, fmt.Sprintf("%s: %v", actionRejected, err))
		q.log.Warnf("rejected attestation of %s for burn %s: %v", att.Validator.Hex(), att.BurnHash.Hex(), err)
		return err
	}

	tx, err := db.NewTx(ctx, q.db)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if errRllbck := tx.Rollback(); errRllbck != nil {
				q.log.Errorf(errWhileRollbackFormat, errRllbck)
			}
		}
	}()

	existing, err := getAttestations(tx, att.BurnHash)
	if err != nil {
		return err
	}
	action := actionSubmitted
	for _, e := range existing {
		if e.Pair() != att.Pair() {
			err = fmt.Errorf("burn %s already attested for chain pair %s, got %s",
				att.BurnHash.Hex(), e.Pair(), att.Pair())
			return err
		}
		if e.Validator == att.Validator {
			action = actionReplaced
		}
	}
	if _, err = tx.Exec(`DELETE FROM attestation WHERE burn_hash = $1 AND validator = $2;`,
		att.BurnHash.Hex(), att.Validator.Hex()); err != nil {
		return err
	}
	if err = meddler.Insert(tx, "attestation", &att); err != nil {
		return fmt.Errorf("error inserting attestation: %w", err)
	}
	if err = insertAudit(tx, att, action, att.ReceivedAt); err != nil {
		return err
	}

	set, err := getValidatorSet(tx, att.Pair())
	if err != nil {
		return err
	}
	attestations, err := getAttestations(tx, att.BurnHash)
	if err != nil {
		return err
	}
	roots := activeRoots(set, attestations)
	var conflictErr *ConflictingProofError
	if distinctRoots(roots) > 1 {
		conflictErr = &ConflictingProofError{BurnHash: att.BurnHash, Roots: roots}
		var encoded []byte
		if encoded, err = json.Marshal(roots); err != nil {
			return err
		}
		if _, err = tx.Exec(`
			INSERT INTO conflict (burn_hash, roots, detected_at) VALUES ($1, $2, $3)
			ON CONFLICT(burn_hash) DO UPDATE SET roots = excluded.roots;
		`, att.BurnHash.Hex(), string(encoded), att.ReceivedAt); err != nil {
			return err
		}
		if err = insertAudit(tx, att, actionConflict, att.ReceivedAt); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}

	if conflictErr != nil {
		q.log.Errorf("CONFLICT: %v. Imports of this burn are blocked until an operator resolves it", conflictErr)
		return conflictErr
	}
	q.log.Debugf("attestation %s by %s for burn %s root %s",
		action, att.Validator.Hex(), att.BurnHash.Hex(), att.ProofRoot.Hex())
	return nil
}

func (q *Quorum) validate(ctx context.Context, att Attestation) error {
	set, err := q.ValidatorSet(ctx, att.Pair())
	if err != nil {
		return err
	}
	if active := len(set.Active()); active < q.minValidators {
		return &InsufficientValidatorsError{Pair: att.Pair(), Active: active, Required: q.minValidators}
	}
	if !set.IsActive(att.Validator) {
		return fmt.Errorf("%w: %s on %s", ErrUnknownValidator, att.Validator.Hex(), att.Pair())
	}
	return att.VerifySignature()
}

// audit writes a standalone audit entry, failures are only logged
func (q *Quorum) audit(att Attestation, action string) {
	if err := insertAudit(q.db, att, action, att.ReceivedAt); err != nil {
		q.log.Errorf("error writing attestation audit entry: %v", err)
	}
}

// IsQuorumReached reports whether the active validators agree on the root of burnHash as
// required by the policy. It fails with ConflictingProofError while a conflict is recorded.
func (q *Quorum) IsQuorumReached(ctx context.Context, burnHash common.Hash) (bool, error) {
	status, err := q.Status(ctx, burnHash)
	if err != nil {
		return false, err
	}
	if status.Conflicted {
		return false, &ConflictingProofError{BurnHash: burnHash, Roots: status.Roots}
	}
	if status.Attested == 0 {
		return false, nil
	}
	if status.Active < q.minValidators {
		return false, &InsufficientValidatorsError{Pair: status.Pair, Active: status.Active, Required: q.minValidators}
	}
	return status.Reached, nil
}

// Status returns the attestation summary of burnHash
func (q *Quorum) Status(ctx context.Context, burnHash common.Hash) (Status, error) {
	status := Status{
		BurnHash: burnHash,
		Policy:   q.policy,
		Roots:    map[common.Address]common.Hash{},
	}
	attestations, err := getAttestations(q.db, burnHash)
	if err != nil {
		return Status{}, err
	}
	conflicted, err := hasConflict(q.db, burnHash)
	if err != nil {
		return Status{}, err
	}
	status.Conflicted = conflicted
	if len(attestations) == 0 {
		return status, nil
	}
	status.Pair = attestations[0].Pair()
	set, err := getValidatorSet(q.db, status.Pair)
	if err != nil {
		return Status{}, err
	}
	status.Roots = activeRoots(set, attestations)
	status.Attested = len(status.Roots)
	status.Active = len(set.Active())
	status.Required = q.required(status.Active)
	if distinctRoots(status.Roots) > 1 {
		status.Conflicted = true
	}
	status.Reached = !status.Conflicted &&
		status.Active >= q.minValidators &&
		status.Attested >= status.Required
	return status, nil
}

func (q *Quorum) required(active int) int {
	if q.policy == PolicyMajority {
		return active/2 + 1 //nolint:mnd
	}
	return active
}

// Attestations returns the attestations of the currently active validators for burnHash
func (q *Quorum) Attestations(ctx context.Context, burnHash common.Hash) ([]Attestation, error) {
	attestations, err := getAttestations(q.db, burnHash)
	if err != nil || len(attestations) == 0 {
		return attestations, err
	}
	set, err := getValidatorSet(q.db, attestations[0].Pair())
	if err != nil {
		return nil, err
	}
	active := make([]Attestation, 0, len(attestations))
	for _, a := range attestations {
		if set.IsActive(a.Validator) {
			active = append(active, a)
		}
	}
	return active, nil
}

// AttestationLog returns every audit entry of burnHash, oldest first
func (q *Quorum) AttestationLog(ctx context.Context, burnHash common.Hash) ([]AuditEntry, error) {
	var entries []*AuditEntry
	if err := meddler.QueryAll(q.db, &entries,
		`SELECT * FROM attestation_audit WHERE burn_hash = $1 ORDER BY id ASC;`, burnHash.Hex(),
	); err != nil {
		return nil, err
	}
	return db.SlicePtrsToSlice(entries).([]AuditEntry), nil
}

// ResolveConflict is the operator action that unblocks a conflicted burn: the conflict and the
// attestations of the burn are discarded so validators can attest again
func (q *Quorum) ResolveConflict(ctx context.Context, burnHash common.Hash, operator, note string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := db.NewTx(ctx, q.db)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if errRllbck := tx.Rollback(); errRllbck != nil {
				q.log.Errorf(errWhileRollbackFormat, errRllbck)
			}
		}
	}()

	res, err := tx.Exec(`DELETE FROM conflict WHERE burn_hash = $1;`, burnHash.Hex())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		err = fmt.Errorf("%w %s", ErrNoConflict, burnHash.Hex())
		return err
	}
	attestations, err := getAttestations(tx, burnHash)
	if err != nil {
		return err
	}
	if _, err = tx.Exec(`DELETE FROM attestation WHERE burn_hash = $1;`, burnHash.Hex()); err != nil {
		return err
	}
	now := q.now().Unix()
	action := fmt.Sprintf("%s by %s: %s", actionResolved, operator, note)
	for _, a := range attestations {
		if err = insertAudit(tx, a, action, now); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	q.log.Warnf("conflict on burn %s resolved by %s: %s", burnHash.Hex(), operator, note)
	return nil
}

func getVersion(tx db.Querier, pair ChainPair) (uint64, error) {
	var version sql.NullInt64
	if err := tx.QueryRow(`
		SELECT MAX(version) FROM validator_set_update WHERE source_chain = $1 AND destination_chain = $2;
	`, pair.Source, pair.Destination).Scan(&version); err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return uint64(version.Int64), nil
}

func getValidatorSet(tx meddler.DB, pair ChainPair) (ValidatorSet, error) {
	version, err := getVersion(tx, pair)
	if err != nil {
		return ValidatorSet{}, err
	}
	var validators []*ValidatorIdentity
	if err := meddler.QueryAll(tx, &validators, `
		SELECT address, active FROM validator
		WHERE source_chain = $1 AND destination_chain = $2
		ORDER BY address ASC;
	`, pair.Source, pair.Destination); err != nil {
		return ValidatorSet{}, err
	}
	return ValidatorSet{
		Pair:       pair,
		Version:    version,
		Validators: db.SlicePtrsToSlice(validators).([]ValidatorIdentity),
	}, nil
}

func getAttestations(tx meddler.DB, burnHash common.Hash) ([]Attestation, error) {
	var attestations []*Attestation
	if err := meddler.QueryAll(tx, &attestations,
		`SELECT * FROM attestation WHERE burn_hash = $1 ORDER BY validator ASC;`, burnHash.Hex(),
	); err != nil {
		return nil, err
	}
	return db.SlicePtrsToSlice(attestations).([]Attestation), nil
}

func hasConflict(tx db.Querier, burnHash common.Hash) (bool, error) {
	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM conflict WHERE burn_hash = $1;`, burnHash.Hex()).Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return count > 0, nil
}

func insertAudit(tx meddler.DB, att Attestation, action string, createdAt int64) error {
	entry := &AuditEntry{
		BurnHash:         att.BurnHash,
		Validator:        att.Validator,
		SourceChain:      att.SourceChain,
		DestinationChain: att.DestinationChain,
		ProofRoot:        att.ProofRoot,
		Signature:        att.Signature,
		Action:           action,
		CreatedAt:        createdAt,
	}
	if err := meddler.Insert(tx, "attestation_audit", entry); err != nil {
		return fmt.Errorf("error inserting attestation audit entry: %w", err)
	}
	return nil
}

func activeRoots(set ValidatorSet, attestations []Attestation) map[common.Address]common.Hash {
	roots := map[common.Address]common.Hash{}
	for _, a := range attestations {
		if set.IsActive(a.Validator) {
			roots[a.Validator] = a.ProofRoot
		}
	}
	return roots
}

func distinctRoots(roots map[common.Address]common.Hash) int {
	distinct := map[common.Hash]struct{}{}
	for _, r := range roots {
		distinct[r] = struct{}{}
	}
	return len(distinct)
}
