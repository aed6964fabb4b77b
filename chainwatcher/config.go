package chainwatcher

import (
	"github.com/0xPolygon/exportbridge/config/types"
)

// Config of the watcher of a single source chain
type Config struct {
	// InitialBlock is the first block scanned when the ledger has no progress for the chain
	InitialBlock uint64 `mapstructure:"InitialBlock"`
	// PollInterval is the wait between two polls once the watcher caught up with the chain
	PollInterval types.Duration `mapstructure:"PollInterval"`
	// MaxBlockRange caps the number of blocks ingested by a single poll
	MaxBlockRange uint64 `mapstructure:"MaxBlockRange"`
	// RequestTimeout bounds every call to the source chain
	RequestTimeout types.Duration `mapstructure:"RequestTimeout"`
	// RetryAfterErrorPeriod is the first backoff after a failed poll
	RetryAfterErrorPeriod types.Duration `mapstructure:"RetryAfterErrorPeriod"`
	// MaxBackoff caps the wait between failed polls
	MaxBackoff types.Duration `mapstructure:"MaxBackoff"`
	// MaxRetryAttemptsAfterError is the number of consecutive failed polls after which the
	// watcher reports itself degraded. It keeps retrying.
	MaxRetryAttemptsAfterError int `mapstructure:"MaxRetryAttemptsAfterError"`
	// VerifyBurnHash recomputes the hash of every event and halts the chain on a mismatch
	VerifyBurnHash bool `mapstructure:"VerifyBurnHash"`
}
