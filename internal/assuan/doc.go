// Package assuan speaks the line-oriented Assuan protocol used between the
// pinentry-box supervisor and its helper.
//
// ParseLine turns one raw line into a Response from a closed set of record
// kinds and rejects everything else. Client owns a single Unix socket
// connection and exposes the responses of each command as a lazy iter.Seq2
// that stops at the terminal OK or ERR record. Server is the matching line
// server the helper binary (and the tests) run behind the socket.
//
// A connection is strictly half-duplex: a new command may only be sent once
// the previous command's responses reached their terminal record.
package assuan
