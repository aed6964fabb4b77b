package burnledger

import (
	"fmt"

	"github.com/0xPolygon/exportbridge/db"
	"github.com/ethereum/go-ethereum/common"
)

// SequenceGapError is returned when a record doesn't extend the chain's sequence by exactly one.
// It signals a missed or replayed event and must never be retried as is.
type SequenceGapError struct {
	Chain    uint32
	Expected uint64
	Got      uint64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("sequence gap on chain %d: expected %d, got %d", e.Chain, e.Expected, e.Got)
}

// DuplicateBurnError is returned when the burn hash is already in the ledger
type DuplicateBurnError struct {
	Chain    uint32
	BurnHash common.Hash
	Sequence uint64
}

func (e *DuplicateBurnError) Error() string {
	return fmt.Sprintf("burn %s already recorded on chain %d at sequence %d", e.BurnHash.Hex(), e.Chain, e.Sequence)
}

// NotFoundError is returned when a sequence or burn hash is unknown. It matches db.ErrNotFound.
type NotFoundError struct {
	Chain    uint32
	Sequence uint64
	BurnHash common.Hash
}

func (e *NotFoundError) Error() string {
	if e.BurnHash != (common.Hash{}) {
		return fmt.Sprintf("burn %s not found on chain %d", e.BurnHash.Hex(), e.Chain)
	}
	return fmt.Sprintf("sequence %d not found on chain %d", e.Sequence, e.Chain)
}

func (e *NotFoundError) Unwrap() error {
	return db.ErrNotFound
}
