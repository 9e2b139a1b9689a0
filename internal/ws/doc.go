// Package ws bridges browser websockets to the session broker.
//
// Each connection authenticates with a token query parameter, becomes a
// Client attached to its identity's session and then runs two pumps:
//   - readPump decodes input and resize frames and routes them to the broker
//   - writePump drains the client's send queue and keeps the peer alive with pings
//
// A failed credential closes the socket with 1008 before anything is attached.
// A failed spawn closes it with 1011.
package ws
