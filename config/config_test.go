package config

import (
	"os"
	"path"
	"testing"
	"time"

	"github.com/0xPolygon/exportbridge/etherman"
	"github.com/0xPolygon/exportbridge/quorum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultConfig(t *testing.T) {
	cfg, err := LoadFile([]FileData{{Name: "mandatory", Content: DefaultMandatoryVars}}, "")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	require.Len(t, cfg.Chains, 1)
	require.Equal(t, uint32(1), cfg.Chains[0].ChainID)
	require.Equal(t, "http://localhost:8545", cfg.Chains[0].RPCURL)
	require.Equal(t, etherman.FinalizedBlock, cfg.Chains[0].BlockFinality)
	require.Equal(t, uint64(1000), cfg.Chains[0].SyncBlockChunkSize)
	require.Equal(t, 5*time.Second, cfg.Chains[0].Watcher.PollInterval.Duration)
	require.True(t, cfg.Chains[0].Watcher.VerifyBurnHash)

	require.Len(t, cfg.Destinations, 1)
	require.Equal(t, uint32(2), cfg.Destinations[0].ChainID)
	require.Equal(t, "http://localhost:8546", cfg.Destinations[0].EthTxManager.Etherman.URL)
	require.Equal(t, "/tmp/exportbridge/ethtxmanager.sqlite", cfg.Destinations[0].EthTxManager.StoragePath)

	require.Equal(t, "/tmp/exportbridge/ledger.sqlite", cfg.Ledger.DBPath)
	require.Equal(t, quorum.PolicyAll, cfg.Quorum.Policy)
	require.Equal(t, "/app/validator.keystore", cfg.Validator.PrivateKey.Path)
	require.Equal(t, 5*time.Minute, cfg.Submitter.AttemptTimeout.Duration)
	require.Empty(t, cfg.Operators.Addresses)
	require.Equal(t, 5*time.Minute, cfg.Operators.MaxRequestAge.Duration)
	require.Equal(t, []quorum.ChainPair{{Source: 1, Destination: 2}}, cfg.ChainPairs())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	custom := `
PathRWData = "/data"
SyncBlockChunkSize = 50

[Quorum]
  Policy = "majority"
  Validators = ["0x00000000000000000000000000000000000000a1", "0x00000000000000000000000000000000000000a2"]

[Validator]
  Peers = ["http://validator-b:5576", "http://validator-c:5576"]

[Operators]
  Addresses = ["0x00000000000000000000000000000000000000b1"]
`
	files := []FileData{
		{Name: "mandatory", Content: DefaultMandatoryVars},
		{Name: "custom", Content: custom},
	}
	dir := t.TempDir()
	cfg, err := LoadFile(files, dir)
	require.NoError(t, err)

	require.Equal(t, "/data/quorum.sqlite", cfg.Quorum.DBPath)
	require.Equal(t, uint64(50), cfg.Chains[0].SyncBlockChunkSize)
	require.Equal(t, quorum.PolicyMajority, cfg.Quorum.Policy)
	require.Equal(t, []common.Address{
		common.HexToAddress("0xa1"),
		common.HexToAddress("0xa2"),
	}, cfg.Quorum.Validators)
	require.Len(t, cfg.Validator.Peers, 2)
	require.Equal(t, []common.Address{common.HexToAddress("0xb1")}, cfg.Operators.Addresses)

	saved, err := os.ReadFile(path.Join(dir, SaveConfigFileName))
	require.NoError(t, err)
	require.Contains(t, string(saved), `DBPath = "/data/imports.sqlite"`)
}

func TestLoadFileMissingVars(t *testing.T) {
	_, err := LoadFile(nil, "")
	require.ErrorIs(t, err, ErrMissingVars)
}

func TestLoadFileInvalid(t *testing.T) {
	custom := `
[Quorum]
  Policy = "some"
`
	_, err := LoadFile([]FileData{
		{Name: "mandatory", Content: DefaultMandatoryVars},
		{Name: "custom", Content: custom},
	}, "")
	require.ErrorContains(t, err, "invalid config")

	custom = `
[[Chains]]
  ChainID = 1
  BlockFinality = "FinalizedBlock"
[[Chains]]
  ChainID = 1
  BlockFinality = "SafeBlock"
`
	_, err = LoadFile([]FileData{
		{Name: "mandatory", Content: DefaultMandatoryVars},
		{Name: "custom", Content: custom},
	}, "")
	require.ErrorContains(t, err, "configured twice")
}

func TestLoadFileFromJSON(t *testing.T) {
	dir := t.TempDir()
	jsonPath := path.Join(dir, "custom.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"Submitter": {"MaxRetryAttemptsAfterError": 9}}`), 0600))
	files, err := readFiles([]string{jsonPath})
	require.NoError(t, err)

	cfg, err := LoadFile(append([]FileData{{Name: "mandatory", Content: DefaultMandatoryVars}}, files...), "")
	require.NoError(t, err)
	require.Equal(t, 9, cfg.Submitter.MaxRetryAttemptsAfterError)
}

func TestLoadFileEnvOverride(t *testing.T) {
	t.Setenv("BRIDGE_SUBMITTER_DBPATH", "/env/imports.sqlite")
	t.Setenv("BRIDGE_SourceURL", "http://source-from-env:8545")
	cfg, err := LoadFile([]FileData{{Name: "mandatory", Content: DefaultMandatoryVars}}, "")
	require.NoError(t, err)
	require.Equal(t, "/env/imports.sqlite", cfg.Submitter.DBPath)
	require.Equal(t, "http://source-from-env:8545", cfg.Chains[0].RPCURL)
}
