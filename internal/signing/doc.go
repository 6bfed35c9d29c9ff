// Package signing derives SMB session keys and applies message integrity and
// confidentiality.
//
// Ownership boundary:
// - key derivation for every dialect (raw key for 2.x, SP800-108 for 3.x)
// - SMB1 MD5 signatures with the per-connection sequence counter
// - SMB2 HMAC-SHA256 and AES-CMAC signatures
// - AES-128-CCM and AES-128-GCM transform envelopes
// - the 3.1.1 preauthentication integrity hash
//
// Nothing here touches sockets or the pending table; callers serialize
// access to stateful values such as SMB1Signer.
package signing
