// Package protocol owns the dialect, status and error vocabulary shared by
// the SMB1 and SMB2/3 wire codecs and the client engine.
//
// Ownership boundary:
// - dialect identifiers and negotiation ranges
// - NT status values returned by servers
// - error kinds and fatality policy
//
// Wire layout lives in the frame, smb1 and smb2 subpackages.
package protocol
