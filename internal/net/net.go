// Package net provides the client side DOIP transport: a Connection that
// multiplexes concurrent requests over one socket, and a ConnectionPool that
// bounds the connections opened to one destination.
//
// Key components:
// - Connection: one socket, a pending-request table and a reader goroutine
// - Exchange: a request whose input segments are written incrementally
// - Response: a response header plus its lazily read body
// - ConnectionPool / PooledConn: bounded reuse with release-once handles
package net
