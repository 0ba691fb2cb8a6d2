package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/gembridge/gembridge/pkg/logutil"
)

var rootLogLevel string

var rootCmd = &cobra.Command{
	Use:   "gembridge",
	Short: "OpenAI-compatible bridge for the Gemini web backend",
	Long:  "Gembridge exposes a cookie-authenticated Gemini web session through OpenAI-compatible HTTP APIs, with conversation continuation and an admin API.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return logutil.Configure(rootLogLevel)
	}
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "loglevel", "info", "Log level (debug, info, warn, error, fatal)")
}
