package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gateway",
		Short:         "Compose OpenAPI and GraphQL applications behind one HTTP gateway",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newComposeCmd())
	return root
}

func newComposeCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Print the composed OpenAPI document and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompose(cmd, cfgPath)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to YAML config")
	return cmd
}
