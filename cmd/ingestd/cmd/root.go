package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/posthog/ingest-core/cmd/ingestd/cmd.version=1.2.3"
	version = "0.1.0"
	logo    = "\n" +
		" _                     _   _  \n" +
		"(_)_ __   __ _  ___ ___| |_ __| |\n" +
		"| | '_ \\ / _` |/ _ / __| __/ _` |\n" +
		"| | | | | (_| |  __\\__ \\ || (_| |\n" +
		"|_|_| |_|\\__, |\\___|___/\\__\\__,_|\n" +
		"         |___/\n"
)

var rootCmd = &cobra.Command{
	Use:   "ingestd",
	Short: "ingestd - event ingestion core",
	Long:  color.CyanString(logo) + "\nBounded-concurrency event capture, identity resolution, and emission.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(replayCmd)
}
