// Package ir holds the payload values replicas carry.
//
// The replicated core treats payloads as opaque. It only ever asks two
// things of them: are two payloads equal, and what is a payload's
// value-derived key. Numbers are int64 only, and ValueKey hashes the
// NFC-normalized RFC 8785 encoding under a domain prefix.
//
// ir imports no other internal package.
package ir
