package client

import (
	"context"

	"github.com/danmuck/smbwire/internal/protocol"
	"github.com/danmuck/smbwire/internal/protocol/smb1"
	"github.com/danmuck/smbwire/internal/protocol/smb2"
)

var echoPayload = []byte("smbwire")

// Echo is a keepalive round trip. It needs no session.
func (c *Conn) Echo(ctx context.Context) error {
	neg, ok := c.Negotiated()
	if !ok {
		return ErrNotNegotiated
	}
	if neg.Dialect == protocol.DialectSMB1 {
		_, err := c.DoSMB1(ctx, nil, nil, SMB1Request{Request: smb1.EchoRequest(1, echoPayload), Expect: smb1.ExpectEcho()})
		return err
	}
	_, err := c.DoSMB2(ctx, nil, &SMB2Request{
		Command: smb2.CommandEcho,
		Body:    smb2.SimpleBody(),
		Expect:  smb2.ExpectSimple,
	})
	return err
}
