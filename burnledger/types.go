package burnledger

import (
	"fmt"

	bridgecommon "github.com/0xPolygon/exportbridge/common"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/iden3/go-iden3-crypto/keccak256"
)

// BurnRecord is a burn observed on a source chain. Records are immutable once appended
// and their sequence is gap free per source chain, starting at 1.
type BurnRecord struct {
	SourceChain      uint32         `meddler:"source_chain" json:"sourceChain"`
	Sequence         uint64         `meddler:"sequence" json:"sequence"`
	BurnHash         common.Hash    `meddler:"burn_hash,hash" json:"burnHash"`
	RecipientChain   uint32         `meddler:"recipient_chain" json:"recipientChain"`
	RecipientAddress common.Address `meddler:"recipient_address,address" json:"recipientAddress"`
	Amount           *uint256.Int   `meddler:"amount,uint256" json:"amount"`
	ExtraData        []byte         `meddler:"extra_data" json:"extraData"`
	OriginBlock      uint64         `meddler:"origin_block" json:"originBlock"`
}

// Hash computes the burn hash the source chain commits to for this record:
// keccak256(sourceChain | sequence | recipientChain | recipientAddress | amount | keccak256(extraData))
func (b *BurnRecord) Hash() common.Hash {
	amount := [32]byte{}
	if b.Amount != nil {
		amount = b.Amount.Bytes32()
	}
	hash := common.Hash{}
	copy(
		hash[:],
		keccak256.Hash(
			bridgecommon.Uint32ToBytes(b.SourceChain),
			bridgecommon.Uint64ToBytes(b.Sequence),
			bridgecommon.Uint32ToBytes(b.RecipientChain),
			b.RecipientAddress[:],
			amount[:],
			keccak256.Hash(b.ExtraData),
		),
	)
	return hash
}

func (b *BurnRecord) String() string {
	return fmt.Sprintf("chain=%d seq=%d hash=%s block=%d", b.SourceChain, b.Sequence, b.BurnHash.Hex(), b.OriginBlock)
}
