// Package ws serves the execution backend's WebSocket endpoint.
//
// The package implements:
//   - Client: one upgraded connection and its outbound frame queue
//   - Hub: the registry of connected clients, at most one per session
//   - Handler: the read and write pumps that route execute, input and
//     terminate commands to the session manager
//   - Service: wires the hub, handler and session manager together
//
// Each connection is confirmed with a connection_established frame carrying
// its session id. Frames that are not valid JSON are answered with an error
// frame; well-formed frames of an unknown type are ignored.
package ws
