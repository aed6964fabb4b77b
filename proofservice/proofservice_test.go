package proofservice

import (
	"context"
	"fmt"
	"path"
	"testing"

	"github.com/0xPolygon/exportbridge/burnledger"
	"github.com/0xPolygon/exportbridge/log"
	bridgesync "github.com/0xPolygon/exportbridge/sync"
	"github.com/0xPolygon/exportbridge/tree"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

const testChain uint32 = 1

func newTestService(t *testing.T, burns int) (*ProofService, *burnledger.Ledger, []burnledger.BurnRecord) {
	t.Helper()
	ctx := context.Background()
	ledger, err := burnledger.New(log.WithFields("module", "burnledger"), path.Join(t.TempDir(), "ledger.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	records := make([]burnledger.BurnRecord, 0, burns)
	for i := 1; i <= burns; i++ {
		r := burnledger.BurnRecord{
			SourceChain:      testChain,
			Sequence:         uint64(i),
			RecipientChain:   2,
			RecipientAddress: common.HexToAddress(fmt.Sprintf("0x%x", i)),
			Amount:           uint256.NewInt(uint64(i)),
			OriginBlock:      uint64(i),
		}
		r.BurnHash = r.Hash()
		require.NoError(t, ledger.Append(ctx, r))
		records = append(records, r)
	}
	svc, err := New(log.WithFields("module", "proofservice"), ledger, 10)
	require.NoError(t, err)
	return svc, ledger, records
}

func TestProveBurnWindow(t *testing.T) {
	svc, _, records := newTestService(t, 20)
	ctx := context.Background()

	bundle, err := svc.ProveBurn(ctx, testChain, records[19].BurnHash)
	require.NoError(t, err)
	require.Equal(t, uint64(20), bundle.Record.Sequence)
	require.Equal(t, uint32(WindowSize), bundle.Proof.LeafCount)
	require.Equal(t, uint32(WindowSize-1), bundle.Proof.LeafIndex)

	// the window covers burns 5 to 20
	leaves := []common.Hash{}
	for _, r := range records[4:] {
		leaves = append(leaves, r.BurnHash)
	}
	expectedRoot, err := tree.Root(leaves)
	require.NoError(t, err)
	require.Equal(t, expectedRoot, bundle.Root)
	require.NoError(t, tree.Verify(bundle.Root, bundle.Record.BurnHash, bundle.Proof))
}

func TestProveBurnShortHistory(t *testing.T) {
	svc, _, records := newTestService(t, 20)

	bundle, err := svc.ProveBurn(context.Background(), testChain, records[2].BurnHash)
	require.NoError(t, err)
	require.Equal(t, uint32(3), bundle.Proof.LeafCount)
	require.Equal(t, uint32(2), bundle.Proof.LeafIndex)
	require.NoError(t, tree.Verify(bundle.Root, records[2].BurnHash, bundle.Proof))
}

func TestProveBurnUnknown(t *testing.T) {
	svc, _, _ := newTestService(t, 2)
	_, err := svc.ProveBurn(context.Background(), testChain, common.HexToHash("0xdead"))
	var unknown *UnknownBurnError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, testChain, unknown.SourceChain)
}

func TestProveBurnCache(t *testing.T) {
	svc, _, records := newTestService(t, 4)
	ctx := context.Background()

	first, err := svc.ProveBurn(ctx, testChain, records[3].BurnHash)
	require.NoError(t, err)
	second, err := svc.ProveBurn(ctx, testChain, records[3].BurnHash)
	require.NoError(t, err)
	require.Equal(t, first.Root, second.Root)

	hits, misses := svc.CacheStats()
	require.Equal(t, uint64(1), hits)
	require.Equal(t, uint64(1), misses)
}

func TestProveBurnHaltedChain(t *testing.T) {
	svc, ledger, records := newTestService(t, 2)
	ctx := context.Background()
	_, err := svc.ProveBurn(ctx, testChain, records[1].BurnHash)
	require.NoError(t, err)

	require.NoError(t, ledger.Halt(ctx, testChain, fmt.Errorf("corrupted")))
	_, err = svc.ProveBurn(ctx, testChain, records[1].BurnHash)
	require.ErrorIs(t, err, bridgesync.ErrInconsistentState)
}

func TestVerifyBundle(t *testing.T) {
	svc, _, records := newTestService(t, 6)
	ctx := context.Background()
	bundle, err := svc.ProveBurn(ctx, testChain, records[5].BurnHash)
	require.NoError(t, err)
	require.NoError(t, svc.VerifyBundle(ctx, bundle))

	// a proof built over a different window doesn't match the local root
	leaves := []common.Hash{records[4].BurnHash, records[5].BurnHash}
	foreign, err := tree.BuildProof(leaves, 1)
	require.NoError(t, err)
	tampered := bundle
	tampered.Root = foreign.Root
	tampered.Proof = foreign
	err = svc.VerifyBundle(ctx, tampered)
	var mismatch *tree.ProofMismatchError
	require.ErrorAs(t, err, &mismatch)

	// altered leaf
	altered := bundle
	altered.Record.BurnHash = common.HexToHash("0x01")
	err = svc.VerifyBundle(ctx, altered)
	require.ErrorAs(t, err, &mismatch)
}

func TestPurgeChain(t *testing.T) {
	svc, ledger, records := newTestService(t, 3)
	ctx := context.Background()
	other := burnledger.BurnRecord{
		SourceChain:      7,
		Sequence:         1,
		RecipientChain:   2,
		RecipientAddress: common.HexToAddress("0x07"),
		Amount:           uint256.NewInt(7),
	}
	other.BurnHash = other.Hash()
	require.NoError(t, ledger.Append(ctx, other))

	for _, r := range records {
		_, err := svc.ProveBurn(ctx, testChain, r.BurnHash)
		require.NoError(t, err)
	}
	_, err := svc.ProveBurn(ctx, 7, other.BurnHash)
	require.NoError(t, err)

	require.Equal(t, 3, svc.PurgeChain(testChain))
	require.Equal(t, 0, svc.PurgeChain(testChain))

	_, err = svc.ProveBurn(ctx, testChain, records[0].BurnHash)
	require.NoError(t, err)
	_, err = svc.ProveBurn(ctx, 7, other.BurnHash)
	require.NoError(t, err)
	hits, misses := svc.CacheStats()
	require.Equal(t, uint64(1), hits)
	require.Equal(t, uint64(5), misses)
}
