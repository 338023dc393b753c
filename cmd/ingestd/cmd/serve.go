package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/posthog/ingest-core/internal/config"
)

var serveInputPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion pipeline against a continuous event feed",
	Long: "Reads newline-delimited PluginEvent JSON from stdin (or --input) and\n" +
		"drives it through identity resolution and capture until EOF or an\n" +
		"interrupt, then drains the worker pool before exiting.",
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveInputPath, "input", "", "path to a newline-delimited PluginEvent JSON file (default: stdin)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	input := os.Stdin
	if serveInputPath != "" {
		f, err := os.Open(serveInputPath)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		input = f
	}

	processed, failed, err := ingestReader(ctx, input, a)
	fmt.Fprintf(cmd.OutOrStdout(), "ingestd: processed=%d failed=%d\n", processed, failed)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
