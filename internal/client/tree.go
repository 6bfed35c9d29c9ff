package client

import (
	"context"
	"fmt"

	"github.com/danmuck/smbwire/internal/protocol"
	"github.com/danmuck/smbwire/internal/protocol/smb1"
	"github.com/danmuck/smbwire/internal/protocol/smb2"
)

// Tree is a connected share.
type Tree struct {
	session    *Session
	id         uint32
	path       string
	shareType  uint8
	shareFlags uint32
	encrypt    bool
}

func (t *Tree) ID() uint32         { return t.id }
func (t *Tree) Path() string       { return t.path }
func (t *Tree) Session() *Session  { return t.session }
func (t *Tree) ShareType() uint8   { return t.shareType }
func (t *Tree) ShareFlags() uint32 { return t.shareFlags }
func (t *Tree) EncryptsData() bool { return t.encrypt }

// TreeConnect mounts path, in \\server\share form, on the session.
func (s *Session) TreeConnect(ctx context.Context, path string) (*Tree, error) {
	c := s.conn
	neg, ok := c.Negotiated()
	if !ok {
		return nil, ErrNotNegotiated
	}
	if neg.Dialect == protocol.DialectSMB1 {
		req, err := (&smb1.TreeConnectRequest{Path: path}).Request()
		if err != nil {
			return nil, err
		}
		reply, err := c.DoSMB1(ctx, s, nil, SMB1Request{Request: req, Expect: smb1.ExpectTreeConnect()})
		if err != nil {
			return nil, fmt.Errorf("tree connect %q: %w", path, err)
		}
		return &Tree{session: s, id: uint32(reply.Header.TID), path: path}, nil
	}

	body, err := smb2.TreeConnectRequest{Path: path}.Encode()
	if err != nil {
		return nil, err
	}
	u, err := c.DoSMB2(ctx, s, &SMB2Request{
		Command: smb2.CommandTreeConnect,
		Body:    body,
		Expect:  smb2.ExpectTreeConnect,
	})
	if err != nil {
		return nil, fmt.Errorf("tree connect %q: %w", path, err)
	}
	resp, err := smb2.DecodeTreeConnectResponse(u.Body)
	if err != nil {
		return nil, err
	}
	t := &Tree{
		session:    s,
		id:         u.Header.TreeID,
		path:       path,
		shareType:  resp.ShareType,
		shareFlags: resp.ShareFlags,
		encrypt:    neg.Dialect.IsSMB3() && resp.ShareFlags&smb2.ShareFlagEncryptData != 0,
	}
	if t.encrypt {
		// Share-level encryption needs the session's ciphers even when the
		// session itself is not sealed.
		c.mu.Lock()
		st := s.shared
		st.mu.Lock()
		err := st.ensureCiphersLocked(neg.Cipher)
		st.mu.Unlock()
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Disconnect unmounts the tree.
func (t *Tree) Disconnect(ctx context.Context) error {
	s := t.session
	c := s.conn
	neg, ok := c.Negotiated()
	if !ok {
		return ErrNotNegotiated
	}
	if neg.Dialect == protocol.DialectSMB1 {
		_, err := c.DoSMB1(ctx, s, t, SMB1Request{Request: smb1.TreeDisconnectRequest(), Expect: smb1.ExpectTreeDisconnect()})
		return err
	}
	_, err := c.DoSMB2(ctx, s, &SMB2Request{
		Command: smb2.CommandTreeDisconnect,
		Body:    smb2.SimpleBody(),
		Tree:    t,
		Expect:  smb2.ExpectSimple,
	})
	return err
}
