// Package main hosts the pinentry-box CLI entrypoint and command graph.
//
// The same binary is both the helper and its supervisor client: invoked with
// --start-server (the default launch arguments) or `serve` it binds the
// pinentry socket and answers Assuan commands; `start`, `status`, and `send`
// drive the supervisor to bring that helper up on demand and talk to it.
//
// Keep this package lean: behaviour lives in the internal packages and is only
// surfaced here through commands and flags.
package main
