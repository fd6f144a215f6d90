package main

import (
	"fmt"
	"os"

	"github.com/mohammad-safakhou/dqagent/config"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := rootCMD().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCMD() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "dqagent",
		Short:         "Multi-agent data quality investigations over a warehouse",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config/config.json)")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}
	root.AddCommand(runCMD(load), serveCMD(load), workerCMD(load), migrateCMD(load), tokenCMD(load))
	return root
}

type configLoader func() (*config.Config, error)
