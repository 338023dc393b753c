// Package tsreconcile derives the canonical event timestamp from the
// client-supplied timestamp/sent_at/offset triple and the server's own
// clock, per spec.md §4.1. The server's now is always trusted; client
// values are used only to correct for clock skew or to recover an explicit
// client-side timestamp.
package tsreconcile

import (
	"log/slog"
	"time"
)

// Reconcile implements the four-rule cascade of spec.md §4.1:
//  1. timestamp + sent_at present: now + (timestamp - sent_at) (clock-skew correction).
//  2. timestamp present alone: returned as-is.
//  3. offset present (ms, non-negative): now - offset.
//  4. otherwise: now.
//
// Reconcile never returns an error: a failure in rule 1 falls through to
// rule 2 (spec.md: "If the subtraction fails ... log, report to error sink,
// and fall through"). Since both operands are already parsed time.Time
// values in this Go rendition, rule 1 cannot itself fail to subtract — the
// fallthrough exists for parity with callers that reconcile from raw
// strings (see ReconcileStrings) and is exercised there.
func Reconcile(now time.Time, clientTimestamp, sentAt *time.Time, offsetMs *int64) time.Time {
	if clientTimestamp != nil && sentAt != nil {
		skew := clientTimestamp.Sub(*sentAt)
		return now.Add(skew)
	}
	if clientTimestamp != nil {
		return *clientTimestamp
	}
	if offsetMs != nil && *offsetMs >= 0 {
		return now.Add(-time.Duration(*offsetMs) * time.Millisecond)
	}
	return now
}

// ReconcileStrings parses ISO-8601 timestamp/sent_at strings before
// reconciling, matching the plugin-server's original signature where
// client fields arrive as raw strings. Parse failures are logged and
// reported to errSink, then the corresponding field is treated as absent
// so the cascade falls through to the next rule (spec.md §4.1 rule 1).
func ReconcileStrings(now time.Time, clientTimestamp, sentAt string, offsetMs *int64, errSink func(error)) time.Time {
	var ts, sa *time.Time

	if clientTimestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, clientTimestamp); err == nil {
			ts = &t
		} else {
			report(errSink, err, "parse client timestamp")
		}
	}
	if sentAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, sentAt); err == nil {
			sa = &t
		} else {
			report(errSink, err, "parse sent_at")
		}
	}

	if clientTimestamp != "" && sentAt != "" && (ts == nil || sa == nil) {
		// Rule 1 was attempted but one side failed to parse: drop sent_at
		// and keep the client timestamp only if it parsed, so the cascade
		// falls through to rule 2, or to rule 3/4 when it did not parse.
		ts, sa = nil, nil
		if t, err := time.Parse(time.RFC3339Nano, clientTimestamp); err == nil {
			ts = &t
		}
	}

	return Reconcile(now, ts, sa, offsetMs)
}

func report(errSink func(error), err error, context string) {
	slog.Warn("tsreconcile: failed to parse timestamp field", "context", context, "error", err)
	if errSink != nil {
		errSink(err)
	}
}
