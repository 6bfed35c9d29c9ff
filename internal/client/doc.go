// Package client is the SMB connection engine: one Conn per socket, any
// number of Sessions and Trees on top of it.
//
// Ownership boundary:
// - dialect negotiation and the negotiated connection surface
// - request submission, credit accounting and response correlation
// - session setup, key installation, signing and encryption decisions
// - multi-channel binding, tree connect and echo
//
// Security blobs are opaque; building authentication tokens is the caller's
// job. Nothing here reconnects or retries.
package client
