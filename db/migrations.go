package db

import (
	"fmt"
	"strings"

	"github.com/0xPolygon/exportbridge/log"
	_ "github.com/mattn/go-sqlite3"
	migrate "github.com/rubenv/sql-migrate"
)

const upDownSeparator = "-- +migrate Up"

// Migration is a single embedded sql file holding both the down and the up statements,
// separated by the "-- +migrate Up" marker
type Migration struct {
	ID  string
	SQL string
}

// RunMigrations will execute pending migrations if needed to keep
// the database updated with the latest changes
func RunMigrations(dbPath string, migrations []Migration) error {
	source := &migrate.MemoryMigrationSource{}
	for _, m := range migrations {
		splitted := strings.Split(m.SQL, upDownSeparator)
		if len(splitted) != 2 { //nolint:mnd
			return fmt.Errorf("migration %s: expected a single %q marker", m.ID, upDownSeparator)
		}
		source.Migrations = append(source.Migrations, &migrate.Migration{
			Id:   m.ID,
			Up:   []string{splitted[1]},
			Down: []string{splitted[0]},
		})
	}
	return runMigrations(dbPath, source, migrate.Up)
}

func runMigrations(dbPath string, migrations migrate.MigrationSource, direction migrate.MigrationDirection) error {
	db, err := NewSQLiteDB(dbPath)
	if err != nil {
		return fmt.Errorf("error creating DB %w", err)
	}
	defer db.Close()

	nMigrations, err := migrate.Exec(db, "sqlite3", migrations, direction)
	if err != nil {
		return fmt.Errorf("error executing migration %w", err)
	}

	log.Infof("successfully ran %d migrations on %s", nMigrations, dbPath)
	return nil
}
