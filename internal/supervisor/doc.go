// Package supervisor decides whether the pinentry-box helper is reachable and
// launches it when it is not.
//
// Probe inspects the socket path under an advisory launch lock and reports
// Ready, Started, or Failed; it never waits for the helper to bind. Connect
// dials the socket and records refused connections as stale so the next probe
// can unlink the file and relaunch, up to a fixed number of times. EnsureReady
// is the caller-side polling loop that combines both with bounded backoff.
package supervisor
