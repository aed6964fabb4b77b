package etherman

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/0xPolygon/exportbridge/burnledger"
	"github.com/0xPolygon/exportbridge/log"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

const defaultSyncBlockChunkSize = 1000

// EthClienter is the subset of ethclient.Client used to read the bridge contract
type EthClienter interface {
	ethereum.LogFilterer
	bind.ContractCaller
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// exportLog mirrors the fields of the Export event
type exportLog struct {
	Sequence         uint64
	BurnHash         [32]byte
	RecipientChain   uint32
	RecipientAddress common.Address
	Amount           *big.Int
	ExtraData        []byte
}

// EVMSource reads burns from the bridge contract of an EVM source chain
type EVMSource struct {
	logger             *log.Logger
	chainID            uint32
	bridgeAddr         common.Address
	client             EthClienter
	contract           *bind.BoundContract
	exportTopic        common.Hash
	blockFinality      *big.Int
	syncBlockChunkSize uint64
}

func NewEVMSource(
	logger *log.Logger,
	chainID uint32,
	bridgeAddr common.Address,
	client EthClienter,
	finality BlockNumberFinality,
	syncBlockChunkSize uint64,
) (*EVMSource, error) {
	finalityNum, err := finality.ToBlockNum()
	if err != nil {
		return nil, err
	}
	parsed, err := GetExportBridgeABI()
	if err != nil {
		return nil, err
	}
	if syncBlockChunkSize == 0 {
		syncBlockChunkSize = defaultSyncBlockChunkSize
	}
	return &EVMSource{
		logger:             logger,
		chainID:            chainID,
		bridgeAddr:         bridgeAddr,
		client:             client,
		contract:           bind.NewBoundContract(bridgeAddr, parsed, client, nil, client),
		exportTopic:        parsed.Events["Export"].ID,
		blockFinality:      finalityNum,
		syncBlockChunkSize: syncBlockChunkSize,
	}, nil
}

// ChainID returns the id of the chain this source reads from
func (s *EVMSource) ChainID() uint32 {
	return s.chainID
}

// LatestBlock returns the number of the last block with the configured finality
func (s *EVMSource) LatestBlock(ctx context.Context) (uint64, error) {
	header, err := s.client.HeaderByNumber(ctx, s.blockFinality)
	if err != nil {
		return 0, fmt.Errorf("error getting header by number: %w", err)
	}
	if header == nil || header.Number == nil {
		return 0, ethereum.NotFound
	}
	return header.Number.Uint64(), nil
}

// GetExportEvents returns the burns emitted in [fromBlock, toBlock] in emission order. The range is
// queried in chunks of syncBlockChunkSize blocks.
func (s *EVMSource) GetExportEvents(ctx context.Context, fromBlock, toBlock uint64) ([]burnledger.BurnRecord, error) {
	if fromBlock > toBlock {
		return nil, nil
	}
	records := []burnledger.BurnRecord{}
	for from := fromBlock; from <= toBlock; from += s.syncBlockChunkSize {
		to := from + s.syncBlockChunkSize - 1
		if to > toBlock {
			to = toBlock
		}
		query := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{s.bridgeAddr},
			Topics:    [][]common.Hash{{s.exportTopic}},
		}
		logs, err := s.client.FilterLogs(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("error calling FilterLogs to eth client: filter: %s err: %w",
				filterQueryToString(query), err)
		}
		for _, l := range logs {
			if l.Removed || len(l.Topics) == 0 || l.Topics[0] != s.exportTopic {
				continue
			}
			record, err := s.decodeExport(l)
			if err != nil {
				return nil, err
			}
			records = append(records, record)
		}
	}
	return records, nil
}

func (s *EVMSource) decodeExport(l types.Log) (burnledger.BurnRecord, error) {
	var ev exportLog
	if err := s.contract.UnpackLog(&ev, "Export", l); err != nil {
		return burnledger.BurnRecord{}, fmt.Errorf("error unpacking Export log %s/%d: %w", l.TxHash, l.Index, err)
	}
	amount, overflow := uint256.FromBig(ev.Amount)
	if overflow {
		return burnledger.BurnRecord{}, fmt.Errorf("amount of burn %d overflows uint256", ev.Sequence)
	}
	return burnledger.BurnRecord{
		SourceChain:      s.chainID,
		Sequence:         ev.Sequence,
		BurnHash:         ev.BurnHash,
		RecipientChain:   ev.RecipientChain,
		RecipientAddress: ev.RecipientAddress,
		Amount:           amount,
		ExtraData:        ev.ExtraData,
		OriginBlock:      l.BlockNumber,
	}, nil
}

// GetBurnHashAt returns the burn hash the contract stores for the sequence. A zero hash means the
// sequence has not been emitted yet.
func (s *EVMSource) GetBurnHashAt(ctx context.Context, sequence uint64) (common.Hash, error) {
	var out []interface{}
	err := s.contract.Call(&bind.CallOpts{Context: ctx, BlockNumber: s.callBlockNumber()}, &out, "burnHashAt", sequence)
	if err != nil {
		return common.Hash{}, fmt.Errorf("error calling burnHashAt(%d): %w", sequence, err)
	}
	if len(out) != 1 {
		return common.Hash{}, errors.New("unexpected output of burnHashAt")
	}
	hash, ok := abi.ConvertType(out[0], new([32]byte)).(*[32]byte)
	if !ok {
		return common.Hash{}, errors.New("unexpected output type of burnHashAt")
	}
	return *hash, nil
}

// callBlockNumber only pins finalized/safe reads; pending and latest use the node default
func (s *EVMSource) callBlockNumber() *big.Int {
	if s.blockFinality.Sign() < 0 && s.blockFinality.Int64() < -2 {
		return s.blockFinality
	}
	return nil
}

func filterQueryToString(query ethereum.FilterQuery) string {
	return fmt.Sprintf("FromBlock: %s, ToBlock: %s, Addresses: %s, Topics: %s",
		query.FromBlock.String(), query.ToBlock.String(), query.Addresses, query.Topics)
}
