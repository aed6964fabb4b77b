package burnledger

import (
	"context"
	"fmt"
	"path"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/0xPolygon/exportbridge/db"
	"github.com/0xPolygon/exportbridge/log"
	"github.com/0xPolygon/exportbridge/sync"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

const testChain uint32 = 1

func newTestLedger(t *testing.T) (*Ledger, string) {
	t.Helper()
	dbPath := path.Join(t.TempDir(), "burnledger.sqlite")
	l, err := New(log.WithFields("module", "burnledger"), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, dbPath
}

func testRecord(chain uint32, seq uint64) BurnRecord {
	r := BurnRecord{
		SourceChain:      chain,
		Sequence:         seq,
		RecipientChain:   2,
		RecipientAddress: common.HexToAddress(fmt.Sprintf("0x%x", seq)),
		Amount:           uint256.NewInt(seq * 1000),
		ExtraData:        []byte{byte(seq)},
		OriginBlock:      100 + seq,
	}
	r.BurnHash = r.Hash()
	return r
}

func appendN(t *testing.T, l *Ledger, chain uint32, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		require.NoError(t, l.Append(context.Background(), testRecord(chain, uint64(i))))
	}
}

func TestAppendAndGet(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	last, err := l.LastSequence(ctx, testChain)
	require.NoError(t, err)
	require.Equal(t, uint64(0), last)

	appendN(t, l, testChain, 3)
	last, err = l.LastSequence(ctx, testChain)
	require.NoError(t, err)
	require.Equal(t, uint64(3), last)

	expected := testRecord(testChain, 2)
	actual, err := l.GetByHash(ctx, testChain, expected.BurnHash)
	require.NoError(t, err)
	require.Equal(t, expected.Sequence, actual.Sequence)
	require.Equal(t, expected.RecipientAddress, actual.RecipientAddress)
	require.Equal(t, expected.ExtraData, actual.ExtraData)
	require.Equal(t, 0, expected.Amount.Cmp(actual.Amount))
	require.Equal(t, expected.BurnHash, actual.Hash())

	bySeq, err := l.GetBySequence(ctx, testChain, 2)
	require.NoError(t, err)
	require.Equal(t, expected.BurnHash, bySeq.BurnHash)

	_, err = l.GetByHash(ctx, testChain, common.HexToHash("0xbeef"))
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestAppendSequenceGap(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	for _, seq := range []uint64{1, 2, 3} {
		require.NoError(t, l.Append(ctx, testRecord(testChain, seq)))
	}
	err := l.Append(ctx, testRecord(testChain, 5))
	var gapErr *SequenceGapError
	require.ErrorAs(t, err, &gapErr)
	require.Equal(t, uint64(4), gapErr.Expected)
	require.Equal(t, uint64(5), gapErr.Got)

	last, err := l.LastSequence(ctx, testChain)
	require.NoError(t, err)
	require.Equal(t, uint64(3), last)

	// replaying an already appended sequence is also a gap
	err = l.Append(ctx, testRecord(testChain, 3))
	require.ErrorAs(t, err, &gapErr)
}

func TestAppendDuplicateBurn(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	appendN(t, l, testChain, 2)

	dup := testRecord(testChain, 3)
	dup.BurnHash = testRecord(testChain, 1).BurnHash
	err := l.Append(ctx, dup)
	var dupErr *DuplicateBurnError
	require.ErrorAs(t, err, &dupErr)
	require.Equal(t, uint64(1), dupErr.Sequence)

	last, err := l.LastSequence(ctx, testChain)
	require.NoError(t, err)
	require.Equal(t, uint64(2), last)
}

func TestAppendBatchIsAtomic(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	batch := []BurnRecord{testRecord(testChain, 1), testRecord(testChain, 2), testRecord(testChain, 4)}
	err := l.AppendBatch(ctx, testChain, batch, 50)
	var gapErr *SequenceGapError
	require.ErrorAs(t, err, &gapErr)

	last, err := l.LastSequence(ctx, testChain)
	require.NoError(t, err)
	require.Equal(t, uint64(0), last)
	lastBlock, err := l.LastProcessedBlock(ctx, testChain)
	require.NoError(t, err)
	require.Equal(t, uint64(0), lastBlock)

	require.NoError(t, l.AppendBatch(ctx, testChain, batch[:2], 50))
	lastBlock, err = l.LastProcessedBlock(ctx, testChain)
	require.NoError(t, err)
	require.Equal(t, uint64(50), lastBlock)

	// progress never goes backwards
	require.NoError(t, l.AppendBatch(ctx, testChain, nil, 40))
	lastBlock, err = l.LastProcessedBlock(ctx, testChain)
	require.NoError(t, err)
	require.Equal(t, uint64(50), lastBlock)
}

func TestAppendWrongChain(t *testing.T) {
	l, _ := newTestLedger(t)
	err := l.AppendBatch(context.Background(), testChain, []BurnRecord{testRecord(7, 1)}, 0)
	require.Error(t, err)
}

func TestChainsAreIndependent(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	appendN(t, l, 1, 3)
	appendN(t, l, 2, 1)

	last, err := l.LastSequence(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(1), last)
}

func TestConcurrentAppendsOnSeveralChains(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	chains := []uint32{10, 11, 12, 13}
	const burns, batchSize = 100, 10

	var (
		writers gosync.WaitGroup
		readers gosync.WaitGroup
		done    atomic.Bool
	)
	appendErrs := make([]error, len(chains))
	for i, chain := range chains {
		writers.Add(1)
		go func(i int, chain uint32) {
			defer writers.Done()
			for first := uint64(1); first <= burns; first += batchSize {
				batch := make([]BurnRecord, 0, batchSize)
				for seq := first; seq < first+batchSize; seq++ {
					batch = append(batch, testRecord(chain, seq))
				}
				if err := l.AppendBatch(ctx, chain, batch, 100+first); err != nil {
					appendErrs[i] = err
					return
				}
			}
		}(i, chain)
	}
	readErrs := make([]error, len(chains))
	for i, chain := range chains {
		readers.Add(1)
		go func(i int, chain uint32) {
			defer readers.Done()
			for !done.Load() {
				last, err := l.LastSequence(ctx, chain)
				if err != nil {
					readErrs[i] = err
					return
				}
				if last == 0 {
					continue
				}
				window, err := l.Window(ctx, chain, last, 16)
				if err != nil {
					readErrs[i] = err
					return
				}
				if window[len(window)-1].Sequence != last {
					readErrs[i] = fmt.Errorf("window of chain %d ends at %d, not %d",
						chain, window[len(window)-1].Sequence, last)
					return
				}
			}
		}(i, chain)
	}
	writers.Wait()
	done.Store(true)
	readers.Wait()

	for i := range chains {
		require.NoError(t, appendErrs[i])
		require.NoError(t, readErrs[i])
	}
	for _, chain := range chains {
		last, err := l.LastSequence(ctx, chain)
		require.NoError(t, err)
		require.Equal(t, uint64(burns), last)
		lastBlock, err := l.LastProcessedBlock(ctx, chain)
		require.NoError(t, err)
		require.Equal(t, uint64(100+burns-batchSize+1), lastBlock)
	}
}

func TestWindow(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	appendN(t, l, testChain, 20)

	window, err := l.Window(ctx, testChain, 20, 16)
	require.NoError(t, err)
	require.Len(t, window, 16)
	for i, r := range window {
		require.Equal(t, uint64(5+i), r.Sequence)
	}

	window, err = l.Window(ctx, testChain, 3, 16)
	require.NoError(t, err)
	require.Len(t, window, 3)
	require.Equal(t, uint64(1), window[0].Sequence)
	require.Equal(t, uint64(3), window[2].Sequence)

	_, err = l.Window(ctx, testChain, 21, 16)
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, uint64(21), notFound.Sequence)

	_, err = l.Window(ctx, testChain, 20, 0)
	require.Error(t, err)
}

func TestHalt(t *testing.T) {
	l, dbPath := newTestLedger(t)
	ctx := context.Background()
	appendN(t, l, testChain, 2)

	require.NoError(t, l.Halt(ctx, testChain, fmt.Errorf("burn hash mismatch")))
	_, err := l.Window(ctx, testChain, 2, 16)
	require.ErrorIs(t, err, sync.ErrInconsistentState)
	err = l.Append(ctx, testRecord(testChain, 3))
	require.ErrorIs(t, err, sync.ErrInconsistentState)

	// other chains keep working
	appendN(t, l, 9, 1)

	// the halt survives a restart
	require.NoError(t, l.Close())
	reopened, err := New(log.WithFields("module", "burnledger"), dbPath)
	require.NoError(t, err)
	defer reopened.Close()
	reason, halted := reopened.HaltReason(testChain)
	require.True(t, halted)
	require.Contains(t, reason, "mismatch")

	require.NoError(t, reopened.Resume(ctx, testChain))
	require.NoError(t, reopened.Append(ctx, testRecord(testChain, 3)))
}

func TestSubscribe(t *testing.T) {
	l, _ := newTestLedger(t)
	ch := l.Subscribe("test")
	appendN(t, l, testChain, 1)
	select {
	case r := <-ch:
		require.Equal(t, uint64(1), r.Sequence)
	case <-time.After(time.Second):
		t.Fatal("no burn published")
	}
}

func TestBurnRecordHash(t *testing.T) {
	a := testRecord(testChain, 1)
	b := testRecord(testChain, 1)
	require.Equal(t, a.Hash(), b.Hash())
	b.Amount = uint256.NewInt(1)
	require.NotEqual(t, a.Hash(), b.Hash())
	b.Amount = nil
	require.NotEqual(t, a.Hash(), b.Hash())
}
