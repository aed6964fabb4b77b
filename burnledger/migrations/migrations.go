package migrations

import (
	_ "embed"

	"github.com/0xPolygon/exportbridge/db"
)

//go:embed burnledger0001.sql
var mig001 string

func RunMigrations(dbPath string) error {
	return db.RunMigrations(dbPath, []db.Migration{
		{ID: "burnledger0001", SQL: mig001},
	})
}
