package etherman

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/0xPolygon/exportbridge/burnledger"
	"github.com/0xPolygon/exportbridge/importsubmitter"
	"github.com/0xPolygon/exportbridge/log"
	"github.com/0xPolygon/exportbridge/quorum"
	treetypes "github.com/0xPolygon/exportbridge/tree/types"
	ethtxtypes "github.com/0xPolygon/zkevm-ethtx-manager/types"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const alreadyImportedRevert = "AlreadyImported"

type EthTxManager interface {
	Result(ctx context.Context, id common.Hash) (ethtxtypes.MonitoredTxResult, error)
	Add(ctx context.Context,
		to *common.Address,
		value *big.Int,
		data []byte,
		gasOffset uint64,
		sidecar *types.BlobTxSidecar,
	) (common.Hash, error)
}

// EVMDestination submits imports to the bridge contract of an EVM destination chain
type EVMDestination struct {
	logger              *log.Logger
	chainID             uint32
	bridgeAddr          common.Address
	abi                 abi.ABI
	contract            *bind.BoundContract
	ethTxMan            EthTxManager
	gasOffset           uint64
	waitPeriodMonitorTx time.Duration
}

func NewEVMDestination(
	logger *log.Logger,
	chainID uint32,
	bridgeAddr common.Address,
	client bind.ContractCaller,
	ethTxMan EthTxManager,
	gasOffset uint64,
	waitPeriodMonitorTx time.Duration,
) (*EVMDestination, error) {
	parsed, err := GetExportBridgeABI()
	if err != nil {
		return nil, err
	}
	return &EVMDestination{
		logger:              logger,
		chainID:             chainID,
		bridgeAddr:          bridgeAddr,
		abi:                 parsed,
		contract:            bind.NewBoundContract(bridgeAddr, parsed, client, nil, nil),
		ethTxMan:            ethTxMan,
		gasOffset:           gasOffset,
		waitPeriodMonitorTx: waitPeriodMonitorTx,
	}, nil
}

// IsImported asks the destination contract whether the burn has been minted already
func (d *EVMDestination) IsImported(ctx context.Context, burnHash common.Hash) (bool, error) {
	var out []interface{}
	if err := d.contract.Call(&bind.CallOpts{Context: ctx}, &out, "isImported", burnHash); err != nil {
		return false, fmt.Errorf("error calling isImported(%s): %w", burnHash, err)
	}
	if len(out) != 1 {
		return false, errors.New("unexpected output of isImported")
	}
	imported, ok := out[0].(bool)
	if !ok {
		return false, errors.New("unexpected output type of isImported")
	}
	return imported, nil
}

// PackImport returns the calldata of the importBurn call authorizing the burn
func (d *EVMDestination) PackImport(
	record burnledger.BurnRecord,
	root common.Hash,
	proof treetypes.Proof,
	attestations []quorum.Attestation,
) ([]byte, error) {
	siblings := make([][32]byte, len(proof.Siblings))
	isLeft := make([]bool, len(proof.Siblings))
	for i, s := range proof.Siblings {
		siblings[i] = s.Hash
		isLeft[i] = s.Left
	}
	signatures := make([][]byte, len(attestations))
	for i, a := range attestations {
		signatures[i] = a.Signature
	}
	amount := big.NewInt(0)
	if record.Amount != nil {
		amount = record.Amount.ToBig()
	}
	extraData := record.ExtraData
	if extraData == nil {
		extraData = []byte{}
	}
	return d.abi.Pack("importBurn",
		record.SourceChain,
		record.Sequence,
		record.BurnHash,
		record.RecipientChain,
		record.RecipientAddress,
		amount,
		extraData,
		root,
		proof.LeafIndex,
		proof.LeafCount,
		siblings,
		isLeft,
		signatures,
	)
}

// SendImport queues the importBurn transaction in the tx manager and returns the id of the
// monitored tx. A burn the contract already knows is reported with importsubmitter.ErrAlreadyImported.
func (d *EVMDestination) SendImport(
	ctx context.Context,
	record burnledger.BurnRecord,
	root common.Hash,
	proof treetypes.Proof,
	attestations []quorum.Attestation,
) (common.Hash, error) {
	imported, err := d.IsImported(ctx, record.BurnHash)
	if err != nil {
		return common.Hash{}, err
	}
	if imported {
		return common.Hash{}, importsubmitter.ErrAlreadyImported
	}
	data, err := d.PackImport(record, root, proof, attestations)
	if err != nil {
		return common.Hash{}, fmt.Errorf("error packing importBurn: %w", err)
	}
	id, err := d.ethTxMan.Add(ctx, &d.bridgeAddr, big.NewInt(0), data, d.gasOffset, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("error adding import tx: %w", err)
	}
	d.logger.Infof("import of burn %s sent to chain %d, monitored tx %s", record.BurnHash, d.chainID, id)
	return id, nil
}

// WaitImport polls the tx manager until the monitored tx id is mined. A tx that won't be mined
// returns an error wrapping importsubmitter.ErrImportTxFailed.
func (d *EVMDestination) WaitImport(ctx context.Context, burnHash, id common.Hash) (importsubmitter.Receipt, error) {
	ticker := time.NewTicker(d.waitPeriodMonitorTx)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return importsubmitter.Receipt{}, ctx.Err()
		case <-ticker.C:
		}
		d.logger.Debugf("waiting for tx %s to be mined", id.Hex())
		res, err := d.ethTxMan.Result(ctx, id)
		if err != nil {
			d.logger.Errorf("error calling ethTxMan.Result: %v", err)
			continue
		}
		switch res.Status {
		case ethtxtypes.MonitoredTxStatusCreated,
			ethtxtypes.MonitoredTxStatusSent:
			continue
		case ethtxtypes.MonitoredTxStatusFailed:
			return importsubmitter.Receipt{}, d.failedTxError(ctx, burnHash, res)
		case ethtxtypes.MonitoredTxStatusMined,
			ethtxtypes.MonitoredTxStatusSafe,
			ethtxtypes.MonitoredTxStatusFinalized:
			return d.receipt(ctx, burnHash, res)
		default:
			d.logger.Errorf("unexpected tx status: %s", res.Status)
		}
	}
}

func (d *EVMDestination) receipt(
	ctx context.Context, burnHash common.Hash, res ethtxtypes.MonitoredTxResult,
) (importsubmitter.Receipt, error) {
	receipt := importsubmitter.Receipt{TxHash: res.ID}
	if res.MinedAtBlockNumber != nil {
		receipt.BlockNumber = res.MinedAtBlockNumber.Uint64()
	}
	for hash, tx := range res.Txs {
		if tx.Receipt == nil {
			continue
		}
		receipt.TxHash = hash
		if tx.Receipt.Status == types.ReceiptStatusFailed {
			return importsubmitter.Receipt{}, d.failedTxError(ctx, burnHash, res)
		}
		if tx.Receipt.BlockNumber != nil {
			receipt.BlockNumber = tx.Receipt.BlockNumber.Uint64()
		}
		break
	}
	return receipt, nil
}

func (d *EVMDestination) failedTxError(
	ctx context.Context, burnHash common.Hash, res ethtxtypes.MonitoredTxResult,
) error {
	for _, tx := range res.Txs {
		if strings.Contains(tx.RevertMessage, alreadyImportedRevert) {
			return importsubmitter.ErrAlreadyImported
		}
	}
	imported, err := d.IsImported(ctx, burnHash)
	if err != nil {
		d.logger.Warnf("error checking import of burn %s after failed tx %s: %v", burnHash, res.ID, err)
	} else if imported {
		return importsubmitter.ErrAlreadyImported
	}
	return fmt.Errorf("import tx %s of burn %s: %w", res.ID, burnHash, importsubmitter.ErrImportTxFailed)
}
