package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "codeguard",
		Short: "Validate and safely run untrusted Python, JavaScript and TypeScript",
		Long: `codeguard checks untrusted code against security rules, explains what it
found and runs code that passes inside an isolated context with resource limits.

Without a subcommand it starts the MCP server, like "codeguard serve".`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return serve(configFile)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./config.yaml or ./config/config.yaml)")

	root.AddCommand(
		newServeCmd(&configFile),
		newCheckCmd(&configFile),
		newRunCmd(&configFile),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "codeguard %s (commit: %s)\n", version, commit)
		},
	}
}

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
