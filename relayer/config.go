package relayer

import (
	"github.com/0xPolygon/exportbridge/config/types"
)

// Config of the validator loop
type Config struct {
	// PrivateKey is the keystore of the validator key used to sign attestations
	PrivateKey types.KeystoreFileConfig `mapstructure:"PrivateKey"`
	// Peers are the RPC URLs of the other validators of the network
	Peers []string `mapstructure:"Peers"`
	// CheckInterval is the period used to re-check pending quorums and failed imports
	CheckInterval types.Duration `mapstructure:"CheckInterval"`
	// RetryAfterErrorPeriod is the first backoff after a failed broadcast to a peer
	RetryAfterErrorPeriod types.Duration `mapstructure:"RetryAfterErrorPeriod"`
	// MaxRetryAttemptsAfterError bounds the broadcast attempts to a single peer
	MaxRetryAttemptsAfterError int `mapstructure:"MaxRetryAttemptsAfterError"`
	// CatchUpDepth is the number of most recent burns per chain handled again at start
	CatchUpDepth uint64 `mapstructure:"CatchUpDepth"`
}
