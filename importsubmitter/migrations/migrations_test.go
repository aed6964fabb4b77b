package migrations

import (
	"path"
	"testing"

	"github.com/0xPolygon/exportbridge/db"
	"github.com/stretchr/testify/require"
)

func Test001(t *testing.T) {
	dbPath := path.Join(t.TempDir(), "importsubmitterTest001.sqlite")
	require.NoError(t, RunMigrations(dbPath))

	db, err := db.NewSQLiteDB(dbPath)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`
		INSERT INTO import_record (
			burn_hash, source_chain, sequence, destination_chain, proof_root,
			tx_hash, block_number, already_imported, imported_at
		) VALUES ('0x01', 1, 1, 2, '0x02', '0x03', 10, FALSE, 0);
	`)
	require.NoError(t, err)
	_, err = db.Exec(`
		INSERT INTO import_record (
			burn_hash, source_chain, sequence, destination_chain, proof_root,
			tx_hash, block_number, already_imported, imported_at
		) VALUES ('0x01', 1, 1, 2, '0x02', '0x04', 11, FALSE, 0);
	`)
	require.Error(t, err)
}

func Test002(t *testing.T) {
	dbPath := path.Join(t.TempDir(), "importsubmitterTest002.sqlite")
	require.NoError(t, RunMigrations(dbPath))

	db, err := db.NewSQLiteDB(dbPath)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`INSERT INTO import_inflight (burn_hash, destination_chain, tx_id, sent_at) VALUES ('0x01', 2, '0xaa', 0);`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO import_inflight (burn_hash, destination_chain, tx_id, sent_at) VALUES ('0x01', 2, '0xbb', 1);`)
	require.Error(t, err)
}
