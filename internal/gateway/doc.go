// Package gateway implements the socket side of the relay using the actor pattern.
//
// Registry owns every connection and its group memberships from a single goroutine fed by a
// command channel (no mutexes). Per-connection writer goroutines absorb slow clients; a full
// send buffer evicts the client. Gateway runs the per-connection flow: welcome greeting,
// authenticate_request handling against the identity service, group assignment.
package gateway
