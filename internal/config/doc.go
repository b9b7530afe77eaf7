// Package config loads, normalizes, and validates pinentry-box configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours PINENTRY_BOX__* environment
// overrides. The Config value is constructed once at startup and handed to the
// supervisor, client, and helper constructors; nothing in the module reads a
// process-wide default.
package config
