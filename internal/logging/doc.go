// Package logging assembles structured slog loggers and formatting helpers used
// by the pinentry-box supervisor, client, and helper server.
//
// It owns the console and JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so connection handlers can tag
// log lines with session and connection identifiers. A no-op logger is
// provided for tests and wiring code that cannot fail.
//
// Prefer these constructors over hand-rolled slog setup so supervisor events
// (launches, stale socket cleanup) carry the same event_type, error_hint and
// impact fields everywhere.
package logging
