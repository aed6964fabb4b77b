package migrations

import (
	"context"
	"path"
	"testing"

	"github.com/0xPolygon/exportbridge/db"
	"github.com/stretchr/testify/require"
)

func Test001(t *testing.T) {
	dbPath := path.Join(t.TempDir(), "burnledgerTest001.sqlite")

	err := RunMigrations(dbPath)
	require.NoError(t, err)
	db, err := db.NewSQLiteDB(dbPath)
	require.NoError(t, err)

	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)

	_, err = tx.Exec(`
		INSERT INTO burn (
			source_chain,
			sequence,
			burn_hash,
			recipient_chain,
			recipient_address,
			amount,
			extra_data,
			origin_block
		) VALUES (1, 1, '0x01', 2, '0x0000', '100', NULL, 10);

		INSERT INTO chain_state (source_chain, last_block) VALUES (1, 10);
	`)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	// running them twice is a no-op
	require.NoError(t, RunMigrations(dbPath))
}
