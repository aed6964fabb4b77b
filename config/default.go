package config

// DefaultMandatoryVars have no default value because they depend on the deployment
const DefaultMandatoryVars = `
# SourceChainID is the bridge id of the chain burns are exported from
SourceChainID = 1
# SourceURL is the RPC URL of a node of the source chain
SourceURL = "http://localhost:8545"
# SourceBridgeAddr is the bridge contract emitting Export events
SourceBridgeAddr = "0x0000000000000000000000000000000000000000"

# DestinationChainID is the bridge id of the chain burns are imported to
DestinationChainID = 2
# DestinationURL is the RPC URL of a node of the destination chain
DestinationURL = "http://localhost:8546"
# DestinationEVMChainID is the EVM chain id of the destination, used to sign import txs
DestinationEVMChainID = 1337
# DestinationBridgeAddr is the bridge contract exposing importBurn
DestinationBridgeAddr = "0x0000000000000000000000000000000000000000"

# ValidatorKeyPath is the keystore of the key signing attestations
ValidatorKeyPath = "/app/validator.keystore"
ValidatorKeyPassword = "testonly"
# SubmitterKeyPath is the keystore of the account paying the import txs
SubmitterKeyPath = "/app/submitter.keystore"
SubmitterKeyPassword = "testonly"
`

// DefaultVars are not part of the config, they avoid repetition in config files
const DefaultVars = `
PathRWData = "/tmp/exportbridge"
SyncBlockChunkSize = 1000
`

// DefaultValues is the default configuration
const DefaultValues = `
# This is the default configuration for the exportbridge node

# Log configuration
[Log]
  # Environment is the environment where the node is running
  Environment = "development" # "production" or "development"
  # Level is the log level
  Level = "info"
  # Outputs are the outputs where the logs will be written
  Outputs = ["stderr"]

# Chains are replaced as a whole when a config file defines [[Chains]]
[[Chains]]
  ChainID = {{SourceChainID}}
  RPCURL = "{{SourceURL}}"
  BridgeAddr = "{{SourceBridgeAddr}}"
  # BlockFinality is the block tag the watcher reads up to
  BlockFinality = "FinalizedBlock"
  SyncBlockChunkSize = {{SyncBlockChunkSize}}
  [Chains.Watcher]
    InitialBlock = 0
    PollInterval = "5s"
    MaxBlockRange = 10000
    RequestTimeout = "30s"
    RetryAfterErrorPeriod = "1s"
    MaxBackoff = "1m"
    # after this number of failed polls the chain is reported degraded
    MaxRetryAttemptsAfterError = 10
    VerifyBurnHash = true

[[Destinations]]
  ChainID = {{DestinationChainID}}
  RPCURL = "{{DestinationURL}}"
  BridgeAddr = "{{DestinationBridgeAddr}}"
  GasOffset = 0
  WaitPeriodMonitorTx = "5s"
  [Destinations.EthTxManager]
    # FrequencyToMonitorTxs frequency of the resending failed txs
    FrequencyToMonitorTxs = "1s"
    # WaitTxToBeMined time to wait after transaction was sent to the ethereum
    WaitTxToBeMined = "2m"
    # GetReceiptMaxTime is the max time to wait to get the receipt of the mined transaction
    GetReceiptMaxTime = "250ms"
    # GetReceiptWaitInterval is the time to sleep before trying to get the receipt of the mined transaction
    GetReceiptWaitInterval = "1s"
    PrivateKeys = [
      {Path = "{{SubmitterKeyPath}}", Password = "{{SubmitterKeyPassword}}"},
    ]
    ForcedGas = 0
    GasPriceMarginFactor = 1
    MaxGasPriceLimit = 0
    StoragePath = "{{PathRWData}}/ethtxmanager.sqlite"
    ReadPendingL1Txs = false
    SafeStatusL1NumberOfBlocks = 0
    FinalizedStatusL1NumberOfBlocks = 0
    [Destinations.EthTxManager.Etherman]
      URL = "{{DestinationURL}}"
      MultiGasProvider = false
      L1ChainID = {{DestinationEVMChainID}}

[Ledger]
  DBPath = "{{PathRWData}}/ledger.sqlite"

[Proofs]
  # CacheSize is the number of proof bundles kept in memory
  CacheSize = 1024

[Quorum]
  DBPath = "{{PathRWData}}/quorum.sqlite"
  # Policy is "all" or "majority"
  Policy = "all"
  MinValidators = 3
  # Validators are the addresses allowed to attest, for every chain pair
  Validators = []

[Validator]
  PrivateKey = {Path = "{{ValidatorKeyPath}}", Password = "{{ValidatorKeyPassword}}"}
  # Peers are the RPC URLs of the other validators
  Peers = []
  CheckInterval = "10s"
  RetryAfterErrorPeriod = "1s"
  MaxRetryAttemptsAfterError = 5
  CatchUpDepth = 256

[Submitter]
  DBPath = "{{PathRWData}}/imports.sqlite"
  RetryAfterErrorPeriod = "2s"
  MaxRetryAttemptsAfterError = 5
  AttemptTimeout = "5m"

[RPC]
  # Host defines the network adapter that will be used to serve the HTTP requests
  Host = "0.0.0.0"
  # Port defines the port to serve the endpoints via HTTP
  Port = 5576
  # ReadTimeout is the HTTP server read timeout
  # check net/http.server.ReadTimeout and net/http.server.ReadHeaderTimeout
  ReadTimeout = "2s"
  # WriteTimeout is the HTTP server write timeout
  # check net/http.server.WriteTimeout
  WriteTimeout = "2s"
  # MaxRequestsPerIPAndSecond defines how much requests a single IP can
  # send within a single second
  MaxRequestsPerIPAndSecond = 10

[Operators]
  # Addresses allowed to sign resolveConflict and resumeChain requests,
  # the operator endpoints reject every request when empty
  Addresses = []
  # MaxRequestAge is how old a signed operator request can be
  MaxRequestAge = "5m"
`
