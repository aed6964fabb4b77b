package config

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"strings"

	jRPC "github.com/0xPolygon/cdk-rpc/rpc"
	"github.com/0xPolygon/exportbridge/chainwatcher"
	"github.com/0xPolygon/exportbridge/config/types"
	"github.com/0xPolygon/exportbridge/etherman"
	"github.com/0xPolygon/exportbridge/log"
	"github.com/0xPolygon/exportbridge/quorum"
	"github.com/0xPolygon/exportbridge/relayer"
	"github.com/0xPolygon/zkevm-ethtx-manager/ethtxmanager"
	"github.com/ethereum/go-ethereum/common"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

const (
	// FlagCfg is the flag for cfg.
	FlagCfg = "cfg"
	// FlagComponents is the flag for components.
	FlagComponents = "components"
	// FlagSaveConfigPath is the flag to save the final configuration file
	FlagSaveConfigPath = "save-config-path"

	EnvVarPrefix       = "BRIDGE"
	ConfigType         = "toml"
	SaveConfigFileName = "exportbridge_config.toml"

	DefaultCreationFilePermissions = os.FileMode(0600)
)

// Config is the configuration of an export bridge node. The file is TOML, JSON files are
// converted before being merged with the defaults. Any value can be overridden with an
// environment variable prefixed by BRIDGE_ (Submitter.DBPath -> BRIDGE_SUBMITTER_DBPATH).
type Config struct {
	// Configure Log level for all the services, allow also to store the logs in a file
	Log log.Config
	// PathRWData is the folder where the databases are created
	PathRWData string
	// Chains are the source chains watched for Export events
	Chains []ChainConfig
	// Destinations are the chains where burns are imported
	Destinations []DestinationConfig
	// Ledger is the storage of the burns of every source chain
	Ledger LedgerConfig
	// Proofs configures the proof service
	Proofs ProofsConfig
	// Quorum configures the validator sets and the attestation store
	Quorum QuorumConfig
	// Validator configures the relayer that attests to burns and broadcasts attestations
	Validator relayer.Config
	// Submitter configures the import submitter
	Submitter SubmitterConfig
	// RPC is the config for the RPC server
	RPC jRPC.Config
	// Operators authorizes the operator endpoints of the RPC server
	Operators OperatorsConfig
}

// ChainConfig is a source chain
type ChainConfig struct {
	// ChainID is the bridge identifier of the chain, not necessarily its EVM chain id
	ChainID uint32 `mapstructure:"ChainID"`
	// RPCURL of a node of the chain
	RPCURL string `mapstructure:"RPCURL"`
	// BridgeAddr is the address of the bridge contract emitting Export events
	BridgeAddr common.Address `mapstructure:"BridgeAddr"`
	// BlockFinality is the block tag the watcher reads up to
	BlockFinality etherman.BlockNumberFinality `jsonschema:"enum=LatestBlock, enum=SafeBlock, enum=PendingBlock, enum=FinalizedBlock, enum=EarliestBlock" mapstructure:"BlockFinality"` //nolint:lll
	// SyncBlockChunkSize is the max number of blocks requested per eth_getLogs call
	SyncBlockChunkSize uint64 `mapstructure:"SyncBlockChunkSize"`
	// Watcher of the chain
	Watcher chainwatcher.Config `mapstructure:"Watcher"`
}

// DestinationConfig is a chain where imports are submitted
type DestinationConfig struct {
	// ChainID is the bridge identifier of the chain
	ChainID uint32 `mapstructure:"ChainID"`
	// RPCURL of a node of the chain
	RPCURL string `mapstructure:"RPCURL"`
	// BridgeAddr is the address of the bridge contract exposing importBurn
	BridgeAddr common.Address `mapstructure:"BridgeAddr"`
	// GasOffset is added to the estimated gas of the import tx
	GasOffset uint64 `mapstructure:"GasOffset"`
	// WaitPeriodMonitorTx is the time between checks of the status of the import tx
	WaitPeriodMonitorTx types.Duration `mapstructure:"WaitPeriodMonitorTx"`
	// EthTxManager sends the import txs of the chain
	EthTxManager ethtxmanager.Config `mapstructure:"EthTxManager"`
}

type LedgerConfig struct {
	// DBPath is the path of the ledger database
	DBPath string `mapstructure:"DBPath"`
}

type ProofsConfig struct {
	// CacheSize is the number of proof bundles kept in memory
	CacheSize int `mapstructure:"CacheSize"`
}

type QuorumConfig struct {
	// DBPath is the path of the attestation database
	DBPath string `mapstructure:"DBPath"`
	// Policy is the number of agreeing validators required: "all" or "majority"
	Policy quorum.Policy `jsonschema:"enum=all, enum=majority" mapstructure:"Policy"`
	// MinValidators is the smallest active set allowed to authorize imports
	MinValidators int `mapstructure:"MinValidators"`
	// Validators is the active set of every configured chain pair. It is reconciled with the
	// stored set on start and the changes are written to the validator set audit trail.
	Validators []common.Address `mapstructure:"Validators"`
}

type OperatorsConfig struct {
	// Addresses allowed to sign resolveConflict and resumeChain requests. The operator endpoints
	// are disabled when empty.
	Addresses []common.Address `mapstructure:"Addresses"`
	// MaxRequestAge is how old a signed operator request can be
	MaxRequestAge types.Duration `mapstructure:"MaxRequestAge"`
}

type SubmitterConfig struct {
	// DBPath is the path of the import log database
	DBPath string `mapstructure:"DBPath"`
	// RetryAfterErrorPeriod is the wait after the first failed attempt, doubled on each retry
	RetryAfterErrorPeriod types.Duration `mapstructure:"RetryAfterErrorPeriod"`
	// MaxRetryAttemptsAfterError is the number of attempts before an import is logged as failed
	MaxRetryAttemptsAfterError int `mapstructure:"MaxRetryAttemptsAfterError"`
	// AttemptTimeout bounds a single submission, including the wait for the receipt
	AttemptTimeout types.Duration `mapstructure:"AttemptTimeout"`
}

// Validate checks the values that can't be defaulted
func (c *Config) Validate() error {
	if err := c.Quorum.Policy.Validate(); err != nil {
		return err
	}
	if c.Quorum.MinValidators < quorum.MinValidators {
		return fmt.Errorf("Quorum.MinValidators must be at least %d, got %d", quorum.MinValidators, c.Quorum.MinValidators)
	}
	seen := map[uint32]bool{}
	for _, chain := range c.Chains {
		if seen[chain.ChainID] {
			return fmt.Errorf("chain %d configured twice, there must be a single watcher per chain", chain.ChainID)
		}
		seen[chain.ChainID] = true
		if _, err := chain.BlockFinality.ToBlockNum(); err != nil {
			return fmt.Errorf("chain %d: %w", chain.ChainID, err)
		}
	}
	dests := map[uint32]bool{}
	for _, dest := range c.Destinations {
		if dests[dest.ChainID] {
			return fmt.Errorf("destination %d configured twice", dest.ChainID)
		}
		dests[dest.ChainID] = true
	}
	return nil
}

// ChainPairs returns every source/destination pair of the configured chains
func (c *Config) ChainPairs() []quorum.ChainPair {
	pairs := []quorum.ChainPair{}
	for _, src := range c.Chains {
		for _, dst := range c.Destinations {
			if src.ChainID != dst.ChainID {
				pairs = append(pairs, quorum.ChainPair{Source: src.ChainID, Destination: dst.ChainID})
			}
		}
	}
	return pairs
}

// Load loads the configuration
func Load(ctx *cli.Context) (*Config, error) {
	configFilePath := ctx.StringSlice(FlagCfg)
	filesData, err := readFiles(configFilePath)
	if err != nil {
		return nil, fmt.Errorf("error reading files:  Err:%w", err)
	}
	saveConfigPath := ctx.String(FlagSaveConfigPath)
	return LoadFile(filesData, saveConfigPath)
}

func readFiles(files []string) ([]FileData, error) {
	result := make([]FileData, 0)
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("error reading file content: %s. Err:%w", file, err)
		}
		fileContent := string(content)
		fileExtension := getFileExtension(file)
		if fileExtension != ConfigType {
			fileContent, err = convertFileToToml(fileContent, fileExtension)
			if err != nil {
				return nil, fmt.Errorf("error converting file: %s from %s to TOML. Err:%w", file, fileExtension, err)
			}
		}
		result = append(result, FileData{Name: file, Content: fileContent})
	}
	return result, nil
}

func getFileExtension(fileName string) string {
	return fileName[strings.LastIndex(fileName, ".")+1:]
}

// LoadFile merges files over the default configuration, renders the variables and decodes it
func LoadFile(files []FileData, saveConfigPath string) (*Config, error) {
	fileData := make([]FileData, 0, len(files)+2) //nolint:mnd
	fileData = append(fileData, FileData{Name: "default_vars", Content: DefaultVars})
	fileData = append(fileData, FileData{Name: "default_values", Content: DefaultValues})
	fileData = append(fileData, files...)

	renderedCfg, err := NewRenderer(fileData, EnvVarPrefix).Render()
	if err != nil {
		return nil, err
	}
	if saveConfigPath != "" {
		fullPath := path.Join(saveConfigPath, SaveConfigFileName)
		if err = os.WriteFile(fullPath, []byte(renderedCfg), DefaultCreationFilePermissions); err != nil {
			err = fmt.Errorf("error writing config file: %s. Err: %w", fullPath, err)
			log.Error(err)
			return nil, err
		}
	}
	cfg, err := LoadFileFromString(renderedCfg, ConfigType)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFileFromString decodes an already rendered configuration
func LoadFileFromString(configFileData string, configType string) (*Config, error) {
	cfg := &Config{}
	if err := loadString(cfg, configFileData, configType, true, EnvVarPrefix); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadString(cfg *Config, configData string, configType string, allowEnvVars bool, envPrefix string) error {
	v := viper.New()
	v.SetConfigType(configType)
	if allowEnvVars {
		replacer := strings.NewReplacer(".", "_")
		v.SetEnvKeyReplacer(replacer)
		v.SetEnvPrefix(envPrefix)
		v.AutomaticEnv()
	}
	if err := v.ReadConfig(bytes.NewBuffer([]byte(configData))); err != nil {
		return err
	}
	decodeHooks := []viper.DecoderConfigOption{
		// this allows arrays to be decoded from env var separated by ",", example: MY_VAR="value1,value2,value3"
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(), mapstructure.StringToSliceHookFunc(","))),
	}
	return v.Unmarshal(cfg, decodeHooks...)
}
