// Package contracts defines the wire-level protocol messages moved by
// the bridge.
//
// The protocol is JSON-RPC 2.0: a tagged union of Request, Response,
// ErrorResponse, and Notification. The bridge treats method names and
// params as opaque; contracts only guarantees the structural
// invariants the transport layer depends on:
//   - Request, Response, and ErrorResponse carry a non-null id
//   - Notification never carries an id
//   - ids are correlated by their exact JSON bytes
//
// Decode failures are reported as *DecodeError values so receive loops
// can forward them to the session layer instead of crashing.
package contracts
