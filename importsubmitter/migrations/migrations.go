package migrations

import (
	_ "embed"

	"github.com/0xPolygon/exportbridge/db"
)

//go:embed importsubmitter0001.sql
var mig001 string

//go:embed importsubmitter0002.sql
var mig002 string

func RunMigrations(dbPath string) error {
	return db.RunMigrations(dbPath, []db.Migration{
		{ID: "importsubmitter0001", SQL: mig001},
		{ID: "importsubmitter0002", SQL: mig002},
	})
}
