package main

import (
	"github.com/pboyd/livepatch"
	"github.com/scott-cotton/cli"
	"go.uber.org/zap"
)

type MainConfig struct {
	Verbose bool `cli:"name=v aliases=verbose desc='log at debug level'"`

	Main *cli.Command
}

// settings merges the environment with the command line.
func (cfg *MainConfig) settings() (livepatch.Config, *zap.Logger, error) {
	c, err := livepatch.ConfigFromEnv()
	if err != nil {
		return c, nil, err
	}
	if cfg.Verbose {
		c.LogLevel = "debug"
	}
	log, err := c.Logger()
	if err != nil {
		return c, nil, err
	}
	return c, log, nil
}

type DemoConfig struct {
	*MainConfig
	Strategy string `cli:"name=s aliases=strategy desc='protection strategy: pages or alias'"`
	Demo     *cli.Command
}

type ScanConfig struct {
	*MainConfig
	Arch string `cli:"name=arch desc='instruction set of the files: amd64 or arm64'"`
	Base string `cli:"name=base desc='load address of the files' default=0x0"`
	Scan *cli.Command
}

type ResolveConfig struct {
	*MainConfig
	Resolve *cli.Command
}
