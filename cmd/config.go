package main

import (
	"os"
	"strings"

	"github.com/0xPolygon/exportbridge/config"
	"github.com/urfave/cli/v2"
)

func configCmd(*cli.Context) error {
	defaultConfig := strings.Builder{}
	defaultConfig.WriteString(config.DefaultMandatoryVars)
	defaultConfig.WriteString(config.DefaultVars)
	defaultConfig.WriteString(config.DefaultValues)
	_, err := os.Stdout.WriteString(defaultConfig.String())
	return err
}

func schemaCmd(*cli.Context) error {
	schema, err := config.Schema()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(append(schema, '\n'))
	return err
}
