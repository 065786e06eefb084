// Package proxy is the client-facing websocket endpoint.
//
// A session authenticates with its first frame, then subscribes to streams
// identified by (exchange, symbol, mode). Every distinct stream a session
// holds is one holder on the connection manager, so any number of clients
// share a single upstream subscription. One goroutine per active stream
// reads the bus and hands ticks to the sessions in the subscription index;
// each (session, stream) pair coalesces ticks over a trailing window and
// sends only the latest value.
package proxy
