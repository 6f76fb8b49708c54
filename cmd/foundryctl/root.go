package main

import (
	"os"

	"github.com/spf13/cobra"
)

const defaultAPIURL = "http://localhost:8000"

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	ctx := newCommandContext(opts)

	rootCmd := &cobra.Command{
		Use:           "foundryctl",
		Short:         "Operate the video foundry render API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.apiURL, "api", envOr("FOUNDRY_API_URL", defaultAPIURL), "API base URL")
	rootCmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("FOUNDRY_TOKEN"), "Bearer token")
	rootCmd.PersistentFlags().BoolVar(&opts.json, "json", false, "Print raw JSON")

	rootCmd.AddCommand(newSegmentsCommand(ctx))
	rootCmd.AddCommand(newRenderCommand(ctx))
	rootCmd.AddCommand(newTokenCommand())

	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
