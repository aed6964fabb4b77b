package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	jRPC "github.com/0xPolygon/cdk-rpc/rpc"
	"github.com/0xPolygon/exportbridge"
	"github.com/0xPolygon/exportbridge/burnledger"
	"github.com/0xPolygon/exportbridge/chainwatcher"
	bridgecommon "github.com/0xPolygon/exportbridge/common"
	"github.com/0xPolygon/exportbridge/config"
	"github.com/0xPolygon/exportbridge/etherman"
	"github.com/0xPolygon/exportbridge/importsubmitter"
	"github.com/0xPolygon/exportbridge/log"
	"github.com/0xPolygon/exportbridge/proofservice"
	"github.com/0xPolygon/exportbridge/quorum"
	"github.com/0xPolygon/exportbridge/relayer"
	"github.com/0xPolygon/exportbridge/rpc"
	rpcclient "github.com/0xPolygon/exportbridge/rpc/client"
	"github.com/0xPolygon/exportbridge/sync"
	"github.com/0xPolygon/zkevm-ethtx-manager/ethtxmanager"
	ethtxlog "github.com/0xPolygon/zkevm-ethtx-manager/log"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func start(cliCtx *cli.Context) error {
	c, err := config.Load(cliCtx)
	if err != nil {
		return err
	}

	log.Init(c.Log)

	if c.Log.Environment == log.EnvironmentDevelopment {
		exportbridge.PrintVersion(os.Stdout)
		log.Info("Starting application")
	} else if c.Log.Environment == log.EnvironmentProduction {
		log.WithFields().Infow("Starting application", exportbridge.GetBuildInfo().KeysAndValues()...)
	}

	components := cliCtx.StringSlice(config.FlagComponents)
	ctx, stop := signal.NotifyContext(cliCtx.Context, os.Interrupt)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	ledger, err := burnledger.New(log.WithFields("module", "burnledger"), c.Ledger.DBPath)
	if err != nil {
		return fmt.Errorf("error creating ledger: %w", err)
	}
	defer ledger.Close()
	prover, err := proofservice.New(log.WithFields("module", "proofservice"), ledger, c.Proofs.CacheSize)
	if err != nil {
		return err
	}
	attestations := createQuorumIfNeeded(ctx, components, *c)
	if attestations != nil {
		defer attestations.Close()
	}
	importer := runSubmitterIfNeeded(components, *c)
	if importer != nil {
		defer importer.Close()
	}

	watchers := map[uint32]rpc.ChainWatcher{}
	for _, component := range components {
		switch component {
		case bridgecommon.WATCHER:
			for _, chain := range c.Chains {
				w := createWatcher(chain, ledger)
				watchers[chain.ChainID] = w
				g.Go(func() error {
					w.Start(ctx)
					return nil
				})
			}
		case bridgecommon.VALIDATOR:
			r := createRelayer(*c, ledger, prover, attestations, importer)
			burns := ledger.Subscribe(bridgecommon.VALIDATOR)
			chainIDs := make([]uint32, 0, len(c.Chains))
			for _, chain := range c.Chains {
				chainIDs = append(chainIDs, chain.ChainID)
			}
			g.Go(func() error {
				r.Start(ctx, burns, chainIDs)
				return nil
			})
		case bridgecommon.SUBMITTER:
			if !isNeeded([]string{bridgecommon.VALIDATOR}, components) {
				log.Warn("the submitter only imports burns attested by the validator component of this node")
			}
		case bridgecommon.RPC:
			// started below, once every watcher is registered
		default:
			return fmt.Errorf("unknown component %s", component)
		}
	}
	if isNeeded([]string{bridgecommon.RPC}, components) {
		var imports rpc.ImportStatuser
		if importer != nil {
			imports = importer
		}
		server := createRPC(c.RPC, c.Operators, prover, attestations, imports, watchers, ledger)
		go func() {
			if err := server.Start(); err != nil {
				log.Fatal(err)
			}
		}()
	}

	<-ctx.Done()
	log.Info("terminating application gracefully...")
	return g.Wait()
}

func createWatcher(chain config.ChainConfig, ledger *burnledger.Ledger) *chainwatcher.Watcher {
	logger := log.WithFields("module", bridgecommon.WATCHER, "chain", chain.ChainID)
	client, err := ethclient.Dial(chain.RPCURL)
	if err != nil {
		logger.Fatalf("failed to create client for chain %d using URL: %s. Err:%v", chain.ChainID, chain.RPCURL, err)
	}
	source, err := etherman.NewEVMSource(
		logger, chain.ChainID, chain.BridgeAddr, client, chain.BlockFinality, chain.SyncBlockChunkSize,
	)
	if err != nil {
		logger.Fatal(err)
	}
	return chainwatcher.New(logger, chain.ChainID, source, ledger, chain.Watcher)
}

func createQuorumIfNeeded(ctx context.Context, components []string, cfg config.Config) *quorum.Quorum {
	if !isNeeded([]string{bridgecommon.VALIDATOR, bridgecommon.RPC}, components) {
		return nil
	}
	logger := log.WithFields("module", "quorum")
	q, err := quorum.New(logger, cfg.Quorum.DBPath, cfg.Quorum.Policy, cfg.Quorum.MinValidators)
	if err != nil {
		logger.Fatal(err)
	}
	if len(cfg.Quorum.Validators) == 0 {
		logger.Warn("no validators configured, using the stored validator sets")
		return q
	}
	for _, pair := range cfg.ChainPairs() {
		set, err := q.EnsureValidators(ctx, pair, cfg.Quorum.Validators, "config")
		if err != nil {
			logger.Fatalf("error applying configured validators to %s: %v", pair, err)
		}
		logger.Infof("chain pair %s: %d active validators, set version %d", pair, len(set.Active()), set.Version)
	}
	return q
}

func runSubmitterIfNeeded(components []string, cfg config.Config) *importsubmitter.Submitter {
	if !isNeeded([]string{bridgecommon.SUBMITTER}, components) {
		return nil
	}
	logger := log.WithFields("module", bridgecommon.SUBMITTER)
	destinations := make(map[uint32]importsubmitter.DestinationClient, len(cfg.Destinations))
	for _, dest := range cfg.Destinations {
		client, err := ethclient.Dial(dest.RPCURL)
		if err != nil {
			logger.Fatalf("failed to create client for chain %d using URL: %s. Err:%v", dest.ChainID, dest.RPCURL, err)
		}
		dest.EthTxManager.Log = ethtxlog.Config{
			Environment: ethtxlog.LogEnvironment(cfg.Log.Environment),
			Level:       cfg.Log.Level,
			Outputs:     cfg.Log.Outputs,
		}
		ethTxManager, err := ethtxmanager.New(dest.EthTxManager)
		if err != nil {
			logger.Fatal(err)
		}
		go ethTxManager.Start()
		evmDest, err := etherman.NewEVMDestination(
			logger.WithFields("destination", dest.ChainID),
			dest.ChainID,
			dest.BridgeAddr,
			client,
			ethTxManager,
			dest.GasOffset,
			dest.WaitPeriodMonitorTx.Duration,
		)
		if err != nil {
			logger.Fatal(err)
		}
		destinations[dest.ChainID] = evmDest
	}
	sub, err := importsubmitter.New(
		logger,
		cfg.Submitter.DBPath,
		destinations,
		&sync.RetryHandler{
			RetryAfterErrorPeriod:      cfg.Submitter.RetryAfterErrorPeriod.Duration,
			MaxRetryAttemptsAfterError: cfg.Submitter.MaxRetryAttemptsAfterError,
		},
		cfg.Submitter.AttemptTimeout.Duration,
	)
	if err != nil {
		logger.Fatal(err)
	}
	return sub
}

func createRelayer(
	cfg config.Config,
	ledger *burnledger.Ledger,
	prover *proofservice.ProofService,
	attestations *quorum.Quorum,
	importer *importsubmitter.Submitter,
) *relayer.Relayer {
	logger := log.WithFields("module", bridgecommon.VALIDATOR)
	key, err := bridgecommon.NewKeyFromKeystore(cfg.Validator.PrivateKey)
	if err != nil {
		logger.Fatalf("error reading validator key: %v", err)
	}
	peers := make([]relayer.Peer, 0, len(cfg.Validator.Peers))
	for _, url := range cfg.Validator.Peers {
		peers = append(peers, rpcclient.NewClient(url))
	}
	var imp relayer.Importer
	if importer != nil {
		imp = importer
	}
	return relayer.New(logger, key, ledger, prover, attestations, imp, peers, cfg.Validator)
}

func createRPC(
	cfg jRPC.Config,
	operators config.OperatorsConfig,
	prover *proofservice.ProofService,
	attestations *quorum.Quorum,
	imports rpc.ImportStatuser,
	watchers map[uint32]rpc.ChainWatcher,
	ledger *burnledger.Ledger,
) *jRPC.Server {
	logger := log.WithFields("module", bridgecommon.RPC)
	if len(operators.Addresses) == 0 {
		logger.Warn("no operators configured, resolveConflict and resumeChain are disabled")
	}
	services := []jRPC.Service{
		{
			Name: rpc.BRIDGE,
			Service: rpc.NewBridgeEndpoints(
				logger,
				cfg.WriteTimeout.Duration,
				cfg.ReadTimeout.Duration,
				prover,
				attestations,
				imports,
				watchers,
				ledger,
				rpc.NewOperatorAuth(operators.Addresses, operators.MaxRequestAge.Duration),
			),
		},
	}
	return jRPC.NewServer(cfg, services, jRPC.WithLogger(logger.GetSugaredLogger()))
}

func isNeeded(casesWhereNeeded, actualCases []string) bool {
	for _, actualCase := range actualCases {
		for _, caseWhereNeeded := range casesWhereNeeded {
			if actualCase == caseWhereNeeded {
				return true
			}
		}
	}
	return false
}
