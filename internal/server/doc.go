// Package server implements the pipechat broker.
//
// A Server accepts connections from transport listeners and hands each one to
// the Hub. The hub runs the per-connection lifecycle: identity handshake,
// registration under the declared name, replay of that user's earlier
// messages, and a read loop that stores every new message in the user's
// history and broadcasts it to everyone else. HTTP helpers expose health,
// Prometheus metrics and the websocket endpoint.
package server
