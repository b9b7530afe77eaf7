// Package launcher resolves and spawns the pinentry-box helper as a fully
// detached background process.
//
// Spawn returns as soon as the helper has been handed to the OS. The helper
// runs in its own session with its standard streams on the null device and is
// never waited on; the returned Handle is for diagnostics only.
package launcher
