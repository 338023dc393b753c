package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/posthog/ingest-core/internal/model"
	"github.com/posthog/ingest-core/internal/workerpool"
)

// ingestReader feeds r's newline-delimited PluginEvent JSON through the
// worker pool one line at a time, per SPEC_FULL.md's deployment-surface
// note: "a JSON-over-HTTP-free intake loop reading newline-delimited
// PluginEvent JSON from stdin or a file". Blank lines are skipped. A
// malformed line is counted as a failure and does not stop the loop; a
// task failure (including a WorkerCrashedError) is reported and also
// does not stop the loop — one bad event must not wedge the feed.
func ingestReader(ctx context.Context, r io.Reader, a *app) (processed, failed int, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var ev model.PluginEvent
		if jsonErr := json.Unmarshal([]byte(line), &ev); jsonErr != nil {
			failed++
			slog.Warn("ingestd: dropping malformed line", "error", jsonErr)
			continue
		}

		res, submitErr := a.pool.Submit(ctx, workerpool.Task{Kind: workerpool.TaskProcessEvent, Event: &ev})
		if submitErr != nil {
			return processed, failed, fmt.Errorf("submit: %w", submitErr)
		}
		if res.Err != nil {
			failed++
			slog.Warn("ingestd: task failed", "event", ev.Event, "team_id", ev.TeamID, "error", res.Err)
			continue
		}
		processed++
	}
	if scanErr := scanner.Err(); scanErr != nil {
		return processed, failed, fmt.Errorf("scan: %w", scanErr)
	}
	return processed, failed, nil
}
