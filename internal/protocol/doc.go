// Package protocol defines the envelopes exchanged between contexts, the
// identities of those contexts and the error codes carried on the wire.
//
// The protocol is transport-agnostic: the in-process host, the gRPC gateway
// and the WebSocket gateway all move the same JSON-encoded Envelope and
// Response values.
package protocol
