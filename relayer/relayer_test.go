package relayer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"path"
	gosync "sync"
	"testing"
	"time"

	"github.com/0xPolygon/exportbridge/burnledger"
	"github.com/0xPolygon/exportbridge/config/types"
	"github.com/0xPolygon/exportbridge/importsubmitter"
	"github.com/0xPolygon/exportbridge/importsubmitter/mocks"
	"github.com/0xPolygon/exportbridge/log"
	"github.com/0xPolygon/exportbridge/proofservice"
	"github.com/0xPolygon/exportbridge/quorum"
	"github.com/0xPolygon/exportbridge/sync"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	srcChain  uint32 = 1
	destChain uint32 = 2
)

type fakePeer struct {
	url   string
	mu    gosync.Mutex
	fails int
	calls int
	atts  []quorum.Attestation
}

func (p *fakePeer) URL() string { return p.url }

func (p *fakePeer) SubmitAttestation(att quorum.Attestation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fails != 0 {
		if p.fails > 0 {
			p.fails--
		}
		return errors.New("peer unavailable")
	}
	p.atts = append(p.atts, att)
	return nil
}

func (p *fakePeer) received() []quorum.Attestation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]quorum.Attestation{}, p.atts...)
}

type testEnv struct {
	ledger *burnledger.Ledger
	prover *proofservice.ProofService
	quorum *quorum.Quorum
	sub    *importsubmitter.Submitter
	dest   *mocks.DestinationClient
	keys   []*ecdsa.PrivateKey
	peers  []*fakePeer
}

func newTestEnv(t *testing.T, burns int) *testEnv {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	logger := log.WithFields("module", "relayer")

	ledger, err := burnledger.New(logger, path.Join(dir, "ledger.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })
	for i := 1; i <= burns; i++ {
		r := burnledger.BurnRecord{
			SourceChain:      srcChain,
			Sequence:         uint64(i),
			RecipientChain:   destChain,
			RecipientAddress: common.HexToAddress("0x00000000000000000000000000000000000000b0"),
			Amount:           uint256.NewInt(uint64(i)),
			OriginBlock:      uint64(i),
		}
		r.BurnHash = r.Hash()
		require.NoError(t, ledger.Append(ctx, r))
	}

	prover, err := proofservice.New(logger, ledger, 0)
	require.NoError(t, err)
	q, err := quorum.New(logger, path.Join(dir, "quorum.sqlite"), quorum.PolicyAll, quorum.MinValidators)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	env := &testEnv{ledger: ledger, prover: prover, quorum: q}
	addrs := []common.Address{}
	for i := 0; i < 3; i++ {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		env.keys = append(env.keys, key)
		addrs = append(addrs, crypto.PubkeyToAddress(key.PublicKey))
	}
	_, err = q.EnsureValidators(ctx, quorum.ChainPair{Source: srcChain, Destination: destChain}, addrs, "test")
	require.NoError(t, err)

	env.dest = mocks.NewDestinationClient(t)
	env.sub, err = importsubmitter.New(
		logger,
		path.Join(dir, "imports.sqlite"),
		map[uint32]importsubmitter.DestinationClient{destChain: env.dest},
		&sync.RetryHandler{RetryAfterErrorPeriod: time.Millisecond, MaxRetryAttemptsAfterError: 2},
		time.Second,
	)
	require.NoError(t, err)
	t.Cleanup(func() { env.sub.Close() })
	env.peers = []*fakePeer{{url: "http://peer-b"}, {url: "http://peer-c"}}
	return env
}

func (e *testEnv) relayer(importer Importer) *Relayer {
	peers := make([]Peer, len(e.peers))
	for i, p := range e.peers {
		peers[i] = p
	}
	return New(log.WithFields("module", "relayer"), e.keys[0], e.ledger, e.prover, e.quorum, importer, peers, Config{
		CheckInterval:              types.NewDuration(5 * time.Millisecond),
		RetryAfterErrorPeriod:      types.NewDuration(time.Millisecond),
		MaxRetryAttemptsAfterError: 3,
	})
}

func (e *testEnv) record(t *testing.T, seq uint64) burnledger.BurnRecord {
	t.Helper()
	r, err := e.ledger.GetBySequence(context.Background(), srcChain, seq)
	require.NoError(t, err)
	return r
}

func (e *testEnv) attest(t *testing.T, key *ecdsa.PrivateKey, record burnledger.BurnRecord, root common.Hash) error {
	t.Helper()
	att := quorum.Attestation{
		BurnHash:         record.BurnHash,
		SourceChain:      record.SourceChain,
		DestinationChain: record.RecipientChain,
		ProofRoot:        root,
	}
	require.NoError(t, att.Sign(key))
	return e.quorum.SubmitAttestation(context.Background(), att)
}

func matchBurn(burnHash common.Hash) interface{} {
	return mock.MatchedBy(func(r burnledger.BurnRecord) bool { return r.BurnHash == burnHash })
}

func TestHandleBurnImportsOnceQuorumReached(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 3)
	r := env.relayer(env.sub)
	record := env.record(t, 3)

	require.NoError(t, r.HandleBurn(ctx, record))
	require.Equal(t, 1, r.Pending())
	for _, p := range env.peers {
		atts := p.received()
		require.Len(t, atts, 1)
		require.Equal(t, r.Address(), atts[0].Validator)
		require.NoError(t, atts[0].VerifySignature())
	}

	bundle, err := env.prover.ProveBurn(ctx, srcChain, record.BurnHash)
	require.NoError(t, err)
	require.Equal(t, bundle.Root, env.peers[0].received()[0].ProofRoot)

	require.NoError(t, env.attest(t, env.keys[1], record, bundle.Root))
	r.CheckPending(ctx)
	require.Equal(t, 1, r.Pending())

	require.NoError(t, env.attest(t, env.keys[2], record, bundle.Root))
	env.dest.EXPECT().SendImport(mock.Anything, matchBurn(record.BurnHash), bundle.Root, bundle.Proof, mock.Anything).
		Return(common.HexToHash("0x01"), nil).Once()
	env.dest.EXPECT().WaitImport(mock.Anything, record.BurnHash, common.HexToHash("0x01")).
		Return(importsubmitter.Receipt{TxHash: common.HexToHash("0x1234"), BlockNumber: 9}, nil).Once()
	r.CheckPending(ctx)
	require.Equal(t, 0, r.Pending())

	imported, err := env.sub.GetImportRecord(ctx, record.BurnHash)
	require.NoError(t, err)
	require.Equal(t, common.HexToHash("0x1234"), imported.TxHash)
}

func TestBroadcastRetriesPeers(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 1)
	env.peers[0].fails = 2
	env.peers[1].fails = -1
	r := env.relayer(nil)

	require.NoError(t, r.HandleBurn(ctx, env.record(t, 1)))
	require.Len(t, env.peers[0].received(), 1)
	require.Equal(t, 3, env.peers[0].calls)
	require.Empty(t, env.peers[1].received())
	require.Equal(t, 3, env.peers[1].calls)
	require.Equal(t, 0, r.Pending())
}

func TestConflictingRootIsStillBroadcast(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 2)
	record := env.record(t, 2)
	require.NoError(t, env.attest(t, env.keys[1], record, common.HexToHash("0xbad")))
	r := env.relayer(env.sub)

	err := r.HandleBurn(ctx, record)
	var conflictErr *quorum.ConflictingProofError
	require.ErrorAs(t, err, &conflictErr)
	require.Len(t, env.peers[0].received(), 1)
	require.Equal(t, 0, r.Pending())

	reached, err := env.quorum.IsQuorumReached(ctx, record.BurnHash)
	require.False(t, reached)
	require.ErrorAs(t, err, &conflictErr)
}

func TestUnknownBurnIsRejected(t *testing.T) {
	env := newTestEnv(t, 1)
	r := env.relayer(env.sub)
	record := env.record(t, 1)
	record.BurnHash = common.HexToHash("0x99")

	err := r.HandleBurn(context.Background(), record)
	var unknown *proofservice.UnknownBurnError
	require.ErrorAs(t, err, &unknown)
	require.Empty(t, env.peers[0].received())
}

func TestRetryFailedImports(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 1)
	record := env.record(t, 1)
	bundle, err := env.prover.ProveBurn(ctx, srcChain, record.BurnHash)
	require.NoError(t, err)
	require.NoError(t, env.attest(t, env.keys[1], record, bundle.Root))
	require.NoError(t, env.attest(t, env.keys[2], record, bundle.Root))
	r := env.relayer(env.sub)

	env.dest.EXPECT().SendImport(mock.Anything, matchBurn(record.BurnHash), mock.Anything, mock.Anything, mock.Anything).
		Return(common.Hash{}, errors.New("rpc down")).Times(2)
	err = r.HandleBurn(ctx, record)
	var failed *importsubmitter.ImportFailedError
	require.ErrorAs(t, err, &failed)
	failures, err := env.sub.Failures(ctx)
	require.NoError(t, err)
	require.Len(t, failures, 1)

	env.dest.EXPECT().SendImport(mock.Anything, matchBurn(record.BurnHash), mock.Anything, mock.Anything, mock.Anything).
		Return(common.HexToHash("0x02"), nil).Once()
	env.dest.EXPECT().WaitImport(mock.Anything, record.BurnHash, common.HexToHash("0x02")).
		Return(importsubmitter.Receipt{TxHash: common.HexToHash("0x77")}, nil).Once()
	r.RetryFailedImports(ctx)
	failures, err = env.sub.Failures(ctx)
	require.NoError(t, err)
	require.Empty(t, failures)
	_, err = env.sub.GetImportRecord(ctx, record.BurnHash)
	require.NoError(t, err)
}

func TestStartCatchesUpAndHandlesNewBurns(t *testing.T) {
	env := newTestEnv(t, 3)
	r := env.relayer(nil)
	burns := make(chan burnledger.BurnRecord, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx, burns, []uint32{srcChain})
		close(done)
	}()
	require.Eventually(t, func() bool { return len(env.peers[0].received()) == 3 }, 2*time.Second, 5*time.Millisecond)

	next := burnledger.BurnRecord{
		SourceChain:      srcChain,
		Sequence:         4,
		RecipientChain:   destChain,
		RecipientAddress: common.HexToAddress("0x00000000000000000000000000000000000000b0"),
		Amount:           uint256.NewInt(4),
		OriginBlock:      4,
	}
	next.BurnHash = next.Hash()
	require.NoError(t, env.ledger.Append(context.Background(), next))
	burns <- next
	require.Eventually(t, func() bool { return len(env.peers[1].received()) == 4 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
