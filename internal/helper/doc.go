// Package helper is the pinentry-box helper runtime: the process the supervisor
// launches with --start-server.
//
// Run binds the configured socket and answers a small set of built-in Assuan
// commands until its context ends. With server.fallback set, every other
// command is relayed to a fallback pinentry started per connection on first
// use and stopped when the connection ends. Finding the socket already served
// by a live peer is treated as success so concurrent launches converge on one
// helper.
package helper
