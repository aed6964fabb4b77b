package importsubmitter

import (
	"context"
	"errors"
	"fmt"

	"github.com/0xPolygon/exportbridge/burnledger"
	"github.com/0xPolygon/exportbridge/proofservice"
	"github.com/0xPolygon/exportbridge/quorum"
	treetypes "github.com/0xPolygon/exportbridge/tree/types"
	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrAlreadyImported is returned by destination clients when the destination already minted the burn
	ErrAlreadyImported = errors.New("burn already imported on destination chain")
	// ErrImportTxFailed is returned by WaitImport once the monitored tx can no longer be mined, a new
	// tx must be sent
	ErrImportTxFailed = errors.New("import tx failed")
)

// Receipt of a confirmed import transaction
type Receipt struct {
	TxHash      common.Hash `json:"txHash"`
	BlockNumber uint64      `json:"blockNumber"`
}

// DestinationClient submits import proofs to a destination chain. Sending and waiting are split so
// the id of the monitored tx can be persisted before waiting on it.
type DestinationClient interface {
	// SendImport queues the import tx and returns the id of the monitored tx
	SendImport(
		ctx context.Context,
		record burnledger.BurnRecord,
		root common.Hash,
		proof treetypes.Proof,
		attestations []quorum.Attestation,
	) (common.Hash, error)
	// WaitImport waits until the monitored tx txID is mined
	WaitImport(ctx context.Context, burnHash, txID common.Hash) (Receipt, error)
}

// ImportBundle is a proven burn together with the attestations authorizing its import
type ImportBundle struct {
	proofservice.ProofBundle
	DestinationChain uint32               `json:"destinationChain"`
	Attestations     []quorum.Attestation `json:"attestations"`
}

// ImportRecord is the append only log entry of a confirmed import. A burn with a record is never
// submitted again.
type ImportRecord struct {
	BurnHash         common.Hash `meddler:"burn_hash,hash" json:"burnHash"`
	SourceChain      uint32      `meddler:"source_chain" json:"sourceChain"`
	Sequence         uint64      `meddler:"sequence" json:"sequence"`
	DestinationChain uint32      `meddler:"destination_chain" json:"destinationChain"`
	ProofRoot        common.Hash `meddler:"proof_root,hash" json:"proofRoot"`
	TxHash           common.Hash `meddler:"tx_hash,hash" json:"txHash"`
	BlockNumber      uint64      `meddler:"block_number" json:"blockNumber"`
	// AlreadyImported is set when the destination reported the burn as imported by someone else
	AlreadyImported bool  `meddler:"already_imported" json:"alreadyImported"`
	ImportedAt      int64 `meddler:"imported_at" json:"importedAt"`
}

// FailureRecord keeps the last failed submission of a burn until it is imported
type FailureRecord struct {
	BurnHash         common.Hash `meddler:"burn_hash,hash" json:"burnHash"`
	SourceChain      uint32      `meddler:"source_chain" json:"sourceChain"`
	DestinationChain uint32      `meddler:"destination_chain" json:"destinationChain"`
	Attempts         int         `meddler:"attempts" json:"attempts"`
	LastError        string      `meddler:"last_error" json:"lastError"`
	FailedAt         int64       `meddler:"failed_at" json:"failedAt"`
}

// InFlightImport is the monitored tx of a burn sent but not yet confirmed. While it exists no other
// tx is sent for the burn.
type InFlightImport struct {
	BurnHash         common.Hash `meddler:"burn_hash,hash" json:"burnHash"`
	DestinationChain uint32      `meddler:"destination_chain" json:"destinationChain"`
	TxID             common.Hash `meddler:"tx_id,hash" json:"txId"`
	SentAt           int64       `meddler:"sent_at" json:"sentAt"`
}

// ImportStatus is the local view of a burn import
type ImportStatus struct {
	BurnHash common.Hash     `json:"burnHash"`
	Record   *ImportRecord   `json:"record,omitempty"`
	InFlight *InFlightImport `json:"inFlight,omitempty"`
	Failure  *FailureRecord  `json:"failure,omitempty"`
}

// ImportFailedError is returned once every attempt to submit a burn failed. The burn is kept in the
// failure log for operator intervention.
type ImportFailedError struct {
	BurnHash common.Hash
	Attempts int
	Err      error
}

func (e *ImportFailedError) Error() string {
	return fmt.Sprintf("import of burn %s failed after %d attempts: %v", e.BurnHash.Hex(), e.Attempts, e.Err)
}

func (e *ImportFailedError) Unwrap() error {
	return e.Err
}
