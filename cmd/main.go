package main

import (
	"os"

	"github.com/0xPolygon/exportbridge"
	"github.com/0xPolygon/exportbridge/common"
	"github.com/0xPolygon/exportbridge/config"
	"github.com/0xPolygon/exportbridge/log"
	"github.com/urfave/cli/v2"
)

const appName = "exportbridge"

var (
	configFileFlag = cli.StringSliceFlag{
		Name:     config.FlagCfg,
		Aliases:  []string{"c"},
		Usage:    "Configuration file(s)",
		Required: true,
	}
	componentsFlag = cli.StringSliceFlag{
		Name:     config.FlagComponents,
		Aliases:  []string{"co"},
		Usage:    "List of components to run",
		Required: false,
		Value:    cli.NewStringSlice(common.WATCHER, common.VALIDATOR, common.SUBMITTER, common.RPC),
	}
	saveConfigFlag = cli.StringFlag{
		Name:     config.FlagSaveConfigPath,
		Aliases:  []string{"s"},
		Usage:    "Save final configuration into to the indicated path (name: " + config.SaveConfigFileName + ")",
		Required: false,
	}
)

func main() {
	app := cli.NewApp()
	app.Name = appName
	app.Usage = "Burn on a source chain, import on a destination chain"
	app.Version = exportbridge.Version
	app.Commands = []*cli.Command{
		{
			Name:    "version",
			Aliases: []string{},
			Usage:   "Application version and build",
			Action:  versionCmd,
		},
		{
			Name:    "run",
			Aliases: []string{},
			Usage:   "Run the exportbridge node",
			Action:  start,
			Flags:   []cli.Flag{&configFileFlag, &componentsFlag, &saveConfigFlag},
		},
		{
			Name:   "config",
			Usage:  "Print the default configuration",
			Action: configCmd,
		},
		{
			Name:   "schema",
			Usage:  "Print the JSON schema of the configuration",
			Action: schemaCmd,
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
		os.Exit(1)
	}
}
