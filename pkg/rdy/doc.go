// Package rdy implements the flow-control core of a pull-with-credit
// consumer client: a per-connection credit (RDY) controller and a
// reader-level coordinator that apportions a global in-flight budget
// across many live connections and drives backoff after failures.
//
// The package owns no sockets, no framing, and no message decoding.
// Callers hand it a Conn per live connection and drive it purely
// through the Conn's event stream; rdy drives the wire back only
// through Conn.SetRdy.
package rdy
