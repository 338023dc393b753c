package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/posthog/ingest-core/internal/config"
)

var replayCmd = &cobra.Command{
	Use:   "replay <file>",
	Short: "Replay a newline-delimited PluginEvent JSON file to completion",
	Long: "Like serve, but runs a fixed file to EOF instead of following a\n" +
		"live feed, and prints a final per-team timing summary.",
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open %s: %w", args[0], err)
	}
	defer f.Close()

	processed, failed, err := ingestReader(context.Background(), f, a)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ingestd: processed=%d failed=%d\n", processed, failed)

	stats, jsonErr := json.MarshalIndent(a.processor.Stats(), "", "  ")
	if jsonErr == nil {
		fmt.Fprintln(cmd.OutOrStdout(), string(stats))
	}
	return nil
}
