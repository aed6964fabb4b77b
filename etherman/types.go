package etherman

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rpc"
)

// BlockNumberFinality is the block tag used to decide which blocks are safe to read events from
type BlockNumberFinality string

const (
	FinalizedBlock = BlockNumberFinality("FinalizedBlock")
	SafeBlock      = BlockNumberFinality("SafeBlock")
	PendingBlock   = BlockNumberFinality("PendingBlock")
	LatestBlock    = BlockNumberFinality("LatestBlock")
	EarliestBlock  = BlockNumberFinality("EarliestBlock")
)

// ToBlockNum returns the block number argument understood by ethclient for the finality
func (b BlockNumberFinality) ToBlockNum() (*big.Int, error) {
	switch b {
	case FinalizedBlock:
		return big.NewInt(int64(rpc.FinalizedBlockNumber)), nil
	case SafeBlock:
		return big.NewInt(int64(rpc.SafeBlockNumber)), nil
	case PendingBlock:
		return big.NewInt(int64(rpc.PendingBlockNumber)), nil
	case LatestBlock:
		return big.NewInt(int64(rpc.LatestBlockNumber)), nil
	case EarliestBlock:
		return big.NewInt(int64(rpc.EarliestBlockNumber)), nil
	default:
		return nil, fmt.Errorf("invalid finality keyword: %s", string(b))
	}
}
