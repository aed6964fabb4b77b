package etherman_test

import (
	"context"
	"errors"
	"math/big"
	"path"
	"sync/atomic"
	"testing"
	"time"

	"github.com/0xPolygon/exportbridge/burnledger"
	"github.com/0xPolygon/exportbridge/etherman"
	"github.com/0xPolygon/exportbridge/etherman/mocks"
	"github.com/0xPolygon/exportbridge/importsubmitter"
	"github.com/0xPolygon/exportbridge/log"
	"github.com/0xPolygon/exportbridge/proofservice"
	"github.com/0xPolygon/exportbridge/quorum"
	"github.com/0xPolygon/exportbridge/sync"
	treetypes "github.com/0xPolygon/exportbridge/tree/types"
	ethtxtypes "github.com/0xPolygon/zkevm-ethtx-manager/types"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var bridgeAddr = common.HexToAddress("0xb71d9E0d3c4bF2A4cB8e0a7B4bB4E0bd12aA0001")

func exportLog(t *testing.T, blockNum uint64, record burnledger.BurnRecord) types.Log {
	t.Helper()
	parsed, err := etherman.GetExportBridgeABI()
	require.NoError(t, err)
	ev := parsed.Events["Export"]
	data, err := ev.Inputs.NonIndexed().Pack(
		record.RecipientChain, record.RecipientAddress, record.Amount.ToBig(), record.ExtraData,
	)
	require.NoError(t, err)
	return types.Log{
		Address:     bridgeAddr,
		BlockNumber: blockNum,
		Topics: []common.Hash{
			ev.ID,
			common.BigToHash(new(big.Int).SetUint64(record.Sequence)),
			record.BurnHash,
		},
		Data: data,
	}
}

func testRecord(seq uint64) burnledger.BurnRecord {
	r := burnledger.BurnRecord{
		SourceChain:      1,
		Sequence:         seq,
		RecipientChain:   2,
		RecipientAddress: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Amount:           uint256.NewInt(1000 + seq),
		ExtraData:        []byte{byte(seq)},
	}
	r.BurnHash = r.Hash()
	return r
}

func TestBlockNumberFinality(t *testing.T) {
	n, err := etherman.FinalizedBlock.ToBlockNum()
	require.NoError(t, err)
	require.Equal(t, int64(rpc.FinalizedBlockNumber), n.Int64())
	n, err = etherman.SafeBlock.ToBlockNum()
	require.NoError(t, err)
	require.Equal(t, int64(rpc.SafeBlockNumber), n.Int64())
	_, err = etherman.BlockNumberFinality("Tomorrow").ToBlockNum()
	require.Error(t, err)
}

func TestSourceLatestBlock(t *testing.T) {
	client := mocks.NewEthClienter(t)
	src, err := etherman.NewEVMSource(log.WithFields("module", "etherman"), 1, bridgeAddr, client, etherman.FinalizedBlock, 0)
	require.NoError(t, err)

	client.EXPECT().HeaderByNumber(mock.Anything, big.NewInt(int64(rpc.FinalizedBlockNumber))).
		Return(&types.Header{Number: big.NewInt(77)}, nil).Once()
	latest, err := src.LatestBlock(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(77), latest)

	client.EXPECT().HeaderByNumber(mock.Anything, mock.Anything).Return(nil, errors.New("unavailable")).Once()
	_, err = src.LatestBlock(context.Background())
	require.Error(t, err)
}

func TestSourceGetExportEvents(t *testing.T) {
	client := mocks.NewEthClienter(t)
	src, err := etherman.NewEVMSource(log.WithFields("module", "etherman"), 1, bridgeAddr, client, etherman.LatestBlock, 100)
	require.NoError(t, err)

	r1, r2, r3 := testRecord(1), testRecord(2), testRecord(3)
	removed := exportLog(t, 20, testRecord(9))
	removed.Removed = true

	client.EXPECT().FilterLogs(mock.Anything, mock.MatchedBy(func(q ethereum.FilterQuery) bool {
		return q.FromBlock.Uint64() == 1 && q.ToBlock.Uint64() == 100
	})).Return([]types.Log{exportLog(t, 10, r1), removed, exportLog(t, 50, r2)}, nil).Once()
	client.EXPECT().FilterLogs(mock.Anything, mock.MatchedBy(func(q ethereum.FilterQuery) bool {
		return q.FromBlock.Uint64() == 101 && q.ToBlock.Uint64() == 200
	})).Return(nil, nil).Once()
	client.EXPECT().FilterLogs(mock.Anything, mock.MatchedBy(func(q ethereum.FilterQuery) bool {
		return q.FromBlock.Uint64() == 201 && q.ToBlock.Uint64() == 250
	})).Return([]types.Log{exportLog(t, 230, r3)}, nil).Once()

	records, err := src.GetExportEvents(context.Background(), 1, 250)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, expected := range []burnledger.BurnRecord{r1, r2, r3} {
		require.Equal(t, expected.Sequence, records[i].Sequence)
		require.Equal(t, expected.BurnHash, records[i].BurnHash)
		require.Equal(t, expected.RecipientAddress, records[i].RecipientAddress)
		require.Equal(t, expected.Amount, records[i].Amount)
		require.Equal(t, expected.ExtraData, records[i].ExtraData)
		require.Equal(t, uint32(1), records[i].SourceChain)
		require.Equal(t, expected.BurnHash, records[i].Hash())
	}
	require.Equal(t, uint64(230), records[2].OriginBlock)

	records, err = src.GetExportEvents(context.Background(), 300, 299)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestSourceGetExportEventsError(t *testing.T) {
	client := mocks.NewEthClienter(t)
	src, err := etherman.NewEVMSource(log.WithFields("module", "etherman"), 1, bridgeAddr, client, etherman.LatestBlock, 100)
	require.NoError(t, err)
	client.EXPECT().FilterLogs(mock.Anything, mock.Anything).Return(nil, errors.New("timeout")).Once()
	_, err = src.GetExportEvents(context.Background(), 1, 500)
	require.ErrorContains(t, err, "timeout")
}

func TestSourceGetBurnHashAt(t *testing.T) {
	client := mocks.NewEthClienter(t)
	src, err := etherman.NewEVMSource(log.WithFields("module", "etherman"), 1, bridgeAddr, client, etherman.LatestBlock, 0)
	require.NoError(t, err)
	parsed, err := etherman.GetExportBridgeABI()
	require.NoError(t, err)

	expected := testRecord(4).BurnHash
	out, err := parsed.Methods["burnHashAt"].Outputs.Pack(expected)
	require.NoError(t, err)
	input, err := parsed.Pack("burnHashAt", uint64(4))
	require.NoError(t, err)
	client.EXPECT().CallContract(mock.Anything, mock.MatchedBy(func(msg ethereum.CallMsg) bool {
		return *msg.To == bridgeAddr && string(msg.Data) == string(input)
	}), mock.Anything).Return(out, nil).Once()

	hash, err := src.GetBurnHashAt(context.Background(), 4)
	require.NoError(t, err)
	require.Equal(t, expected, hash)
}

func newDestination(t *testing.T) (*etherman.EVMDestination, *mocks.EthClienter, *mocks.EthTxManager) {
	t.Helper()
	client := mocks.NewEthClienter(t)
	txMan := mocks.NewEthTxManager(t)
	dst, err := etherman.NewEVMDestination(log.WithFields("module", "etherman"), 2, bridgeAddr, client, txMan, 0, time.Millisecond)
	require.NoError(t, err)
	return dst, client, txMan
}

func expectIsImported(t *testing.T, client *mocks.EthClienter, imported bool) {
	t.Helper()
	parsed, err := etherman.GetExportBridgeABI()
	require.NoError(t, err)
	out, err := parsed.Methods["isImported"].Outputs.Pack(imported)
	require.NoError(t, err)
	client.EXPECT().CallContract(mock.Anything, mock.Anything, mock.Anything).Return(out, nil).Once()
}

func importArgs() (burnledger.BurnRecord, common.Hash, treetypes.Proof, []quorum.Attestation) {
	record := testRecord(5)
	root := common.HexToHash("0x01")
	proof := treetypes.Proof{
		Root: root, LeafIndex: 1, LeafCount: 2,
		Siblings: []treetypes.Sibling{{Hash: testRecord(4).BurnHash, Left: true}},
	}
	atts := []quorum.Attestation{{Signature: []byte{1, 2, 3}}, {Signature: []byte{4, 5, 6}}}
	return record, root, proof, atts
}

func TestDestinationAlreadyImported(t *testing.T) {
	dst, client, _ := newDestination(t)
	expectIsImported(t, client, true)
	record, root, proof, atts := importArgs()
	_, err := dst.SendImport(context.Background(), record, root, proof, atts)
	require.ErrorIs(t, err, importsubmitter.ErrAlreadyImported)
}

func TestDestinationSubmitMined(t *testing.T) {
	dst, client, txMan := newDestination(t)
	expectIsImported(t, client, false)
	record, root, proof, atts := importArgs()
	data, err := dst.PackImport(record, root, proof, atts)
	require.NoError(t, err)

	id := common.HexToHash("0xaa")
	txHash := common.HexToHash("0xbb")
	txMan.EXPECT().Add(mock.Anything, &bridgeAddr, big.NewInt(0), data, uint64(0), (*types.BlobTxSidecar)(nil)).
		Return(id, nil).Once()
	txMan.EXPECT().Result(mock.Anything, id).
		Return(ethtxtypes.MonitoredTxResult{ID: id, Status: ethtxtypes.MonitoredTxStatusSent}, nil).Once()
	txMan.EXPECT().Result(mock.Anything, id).Return(ethtxtypes.MonitoredTxResult{
		ID:                 id,
		Status:             ethtxtypes.MonitoredTxStatusMined,
		MinedAtBlockNumber: big.NewInt(12),
		Txs: map[common.Hash]ethtxtypes.TxResult{
			txHash: {Receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(12)}},
		},
	}, nil).Once()

	sent, err := dst.SendImport(context.Background(), record, root, proof, atts)
	require.NoError(t, err)
	require.Equal(t, id, sent)
	receipt, err := dst.WaitImport(context.Background(), record.BurnHash, sent)
	require.NoError(t, err)
	require.Equal(t, txHash, receipt.TxHash)
	require.Equal(t, uint64(12), receipt.BlockNumber)
}

func TestDestinationFailedWithAlreadyImportedRevert(t *testing.T) {
	dst, client, txMan := newDestination(t)
	expectIsImported(t, client, false)
	record, root, proof, atts := importArgs()
	id := common.HexToHash("0xcc")
	txMan.EXPECT().Add(mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(id, nil).Once()
	txMan.EXPECT().Result(mock.Anything, id).Return(ethtxtypes.MonitoredTxResult{
		ID:     id,
		Status: ethtxtypes.MonitoredTxStatusFailed,
		Txs: map[common.Hash]ethtxtypes.TxResult{
			common.HexToHash("0xdd"): {RevertMessage: "execution reverted: AlreadyImported"},
		},
	}, nil).Once()

	sent, err := dst.SendImport(context.Background(), record, root, proof, atts)
	require.NoError(t, err)
	_, err = dst.WaitImport(context.Background(), record.BurnHash, sent)
	require.ErrorIs(t, err, importsubmitter.ErrAlreadyImported)
}

func TestDestinationFailed(t *testing.T) {
	dst, client, txMan := newDestination(t)
	expectIsImported(t, client, false)
	record, root, proof, atts := importArgs()
	id := common.HexToHash("0xee")
	txMan.EXPECT().Add(mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(id, nil).Once()
	txMan.EXPECT().Result(mock.Anything, id).
		Return(ethtxtypes.MonitoredTxResult{ID: id, Status: ethtxtypes.MonitoredTxStatusFailed}, nil).Once()
	expectIsImported(t, client, false)

	sent, err := dst.SendImport(context.Background(), record, root, proof, atts)
	require.NoError(t, err)
	_, err = dst.WaitImport(context.Background(), record.BurnHash, sent)
	require.ErrorIs(t, err, importsubmitter.ErrImportTxFailed)
	require.NotErrorIs(t, err, importsubmitter.ErrAlreadyImported)
}

func TestDestinationCanceledWhileWaiting(t *testing.T) {
	dst, client, txMan := newDestination(t)
	expectIsImported(t, client, false)
	record, root, proof, atts := importArgs()
	id := common.HexToHash("0xff")
	ctx, cancel := context.WithCancel(context.Background())
	txMan.EXPECT().Add(mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(id, nil).Once()
	txMan.EXPECT().Result(mock.Anything, id).Return(ethtxtypes.MonitoredTxResult{ID: id, Status: ethtxtypes.MonitoredTxStatusSent}, nil).
		Run(func(args mock.Arguments) { cancel() }).Maybe()

	sent, err := dst.SendImport(ctx, record, root, proof, atts)
	require.NoError(t, err)
	_, err = dst.WaitImport(ctx, record.BurnHash, sent)
	require.ErrorIs(t, err, context.Canceled)
}

func newImportSubmitter(t *testing.T, dbPath string, dst importsubmitter.DestinationClient) *importsubmitter.Submitter {
	t.Helper()
	s, err := importsubmitter.New(
		log.WithFields("module", "importsubmitter"),
		dbPath,
		map[uint32]importsubmitter.DestinationClient{2: dst},
		&sync.RetryHandler{RetryAfterErrorPeriod: time.Millisecond, MaxBackoff: 5 * time.Millisecond, MaxRetryAttemptsAfterError: 3},
		20*time.Millisecond,
	)
	require.NoError(t, err)
	return s
}

func TestSubmitterKeepsWaitingOnPendingImportTx(t *testing.T) {
	dst, client, txMan := newDestination(t)
	record, root, proof, _ := importArgs()
	bundle := importsubmitter.ImportBundle{
		ProofBundle:      proofservice.ProofBundle{Record: record, Root: root, Proof: proof},
		DestinationChain: 2,
		Attestations:     []quorum.Attestation{{BurnHash: record.BurnHash, ProofRoot: root, Signature: []byte{1}}},
	}
	id := common.HexToHash("0x0a")
	txHash := common.HexToHash("0x0b")
	var mined atomic.Bool

	// a single isImported call and a single Add: every later attempt polls the same monitored tx
	expectIsImported(t, client, false)
	txMan.EXPECT().Add(mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(id, nil).Once()
	txMan.EXPECT().Result(mock.Anything, id).
		RunAndReturn(func(context.Context, common.Hash) (ethtxtypes.MonitoredTxResult, error) {
			if !mined.Load() {
				return ethtxtypes.MonitoredTxResult{ID: id, Status: ethtxtypes.MonitoredTxStatusSent}, nil
			}
			return ethtxtypes.MonitoredTxResult{
				ID:     id,
				Status: ethtxtypes.MonitoredTxStatusMined,
				Txs: map[common.Hash]ethtxtypes.TxResult{
					txHash: {Receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(30)}},
				},
			}, nil
		})

	dbPath := path.Join(t.TempDir(), "importsubmitter.sqlite")
	s := newImportSubmitter(t, dbPath, dst)
	_, err := s.SubmitImport(context.Background(), bundle)
	var failed *importsubmitter.ImportFailedError
	require.ErrorAs(t, err, &failed)
	require.Equal(t, 3, failed.Attempts)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	status, err := s.Status(context.Background(), record.BurnHash)
	require.NoError(t, err)
	require.NotNil(t, status.InFlight)
	require.Equal(t, id, status.InFlight.TxID)
	require.NotNil(t, status.Failure)
	require.NoError(t, s.Close())

	// after a restart the pending tx is still the one waited on
	mined.Store(true)
	s = newImportSubmitter(t, dbPath, dst)
	defer s.Close()
	imported, err := s.SubmitImport(context.Background(), bundle)
	require.NoError(t, err)
	require.Equal(t, txHash, imported.TxHash)
	require.Equal(t, uint64(30), imported.BlockNumber)

	status, err = s.Status(context.Background(), record.BurnHash)
	require.NoError(t, err)
	require.NotNil(t, status.Record)
	require.Nil(t, status.InFlight)
	require.Nil(t, status.Failure)
}
