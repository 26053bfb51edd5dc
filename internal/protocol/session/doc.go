// Package session owns one client-server transport session: the JSON-line
// hello handshake, the framed message exchange on top of a net.Conn, the
// bounded outbound ring with its drop-oldest-observation policy, heartbeats
// in both directions, and the Connecting -> Active -> Degraded -> Closing ->
// Closed lifecycle.
//
// All timeout and staleness decisions are made against the local clock;
// nothing compares timestamps across machines.
package session
