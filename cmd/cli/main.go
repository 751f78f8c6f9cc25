package main

import (
	"fmt"
	"log"
	"os"

	"github.com/absmach/anchor"
	"github.com/absmach/anchor/cli"
	"github.com/absmach/anchor/pkg/sdk"
	"github.com/spf13/cobra"
)

const (
	defCoordinatorURL = "http://localhost:7070"
	defConfigPath     = "config.toml"
)

func main() {
	sdkConf := sdk.Config{
		CoordinatorURL: defCoordinatorURL,
	}
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "anchor-cli",
		Short: "anchor-cli is a command line interface for the anchor compute coordinator",
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if !cmd.Flags().Changed("coordinator-url") {
				if url := fileCoordinatorURL(configPath); url != "" {
					sdkConf.CoordinatorURL = url
				}
			}
			cli.SetSDK(sdk.NewSDK(sdkConf))
		},
	}

	rootCmd.AddCommand(cli.NewTasksCmd())
	rootCmd.AddCommand(cli.NewGraphsCmd())
	rootCmd.AddCommand(cli.NewWorkersCmd())
	rootCmd.AddCommand(cli.NewClusterCmd())

	rootCmd.PersistentFlags().StringVarP(
		&sdkConf.CoordinatorURL,
		"coordinator-url",
		"m",
		sdkConf.CoordinatorURL,
		"Coordinator URL",
	)
	rootCmd.PersistentFlags().BoolVarP(
		&sdkConf.TLSVerification,
		"tls-verification",
		"t",
		false,
		"Verify the coordinator TLS certificate",
	)
	rootCmd.PersistentFlags().StringVarP(
		&configPath,
		"config",
		"c",
		defConfigPath,
		"Config file with a [cli] section",
	)
	rootCmd.PersistentFlags().Uint64VarP(
		&cli.Offset,
		"offset",
		"o",
		cli.Offset,
		"Offset for list commands",
	)
	rootCmd.PersistentFlags().Uint64VarP(
		&cli.Limit,
		"limit",
		"l",
		cli.Limit,
		"Limit for list commands",
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func fileCoordinatorURL(path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}

	cfg, err := anchor.LoadConfig(path)
	if err != nil {
		log.Printf("Ignoring config file %s: %v\n", path, err)

		return ""
	}

	return cfg.CLI.CoordinatorURL
}
