// Package ws is the websocket gateway between UI consumers and the broker.
//
// The package implements:
//   - Hub: fans broadcast events out to every connected client
//   - Handler: serves the broadcast socket and the per-session lane sockets
//   - Service: runs the dispatcher and the router behind the handler
//
// A client connects to the broadcast socket and sends command envelopes.
// When it sends CONNECT_SHELL the gateway answers with LANE_INIT carrying
// the lane path and a token; attaching to that path moves the session's
// shell events off the broadcast socket. Closing the lane socket moves them
// back.
package ws
