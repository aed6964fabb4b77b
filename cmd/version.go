package main

import (
	"os"

	"github.com/0xPolygon/exportbridge"
	"github.com/urfave/cli/v2"
)

func versionCmd(*cli.Context) error {
	exportbridge.PrintVersion(os.Stdout)
	return nil
}
