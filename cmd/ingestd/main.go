// Command ingestd is the entry point for the event-ingestion core.
package main

import (
	"os"

	"github.com/posthog/ingest-core/cmd/ingestd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
