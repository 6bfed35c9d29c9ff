package protocol

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/smbwire/internal/testutil/testlog"
)

func TestRangeSMB2FiltersAndOrders(t *testing.T) {
	testlog.Start(t)
	r := Range{Min: DialectSMB1, Max: DialectSMB210}
	require.NoError(t, r.Validate())
	require.True(t, r.IncludesSMB1())
	require.Equal(t, []Dialect{DialectSMB202, DialectSMB210}, r.SMB2())

	r = Range{Min: DialectSMB300, Max: DialectSMB311}
	require.False(t, r.IncludesSMB1())
	require.Equal(t, []Dialect{DialectSMB300, DialectSMB302, DialectSMB311}, r.SMB2())
	require.False(t, r.Contains(DialectSMB210))
	require.False(t, r.Contains(DialectWildcard))
}

func TestRangeValidateRejectsEmptyAndUnknown(t *testing.T) {
	testlog.Start(t)
	require.ErrorIs(t, Range{Min: DialectSMB311, Max: DialectSMB202}.Validate(), ErrProtocolMismatch)
	require.ErrorIs(t, Range{Min: DialectWildcard, Max: DialectSMB311}.Validate(), ErrProtocolMismatch)
}

func TestParseDialect(t *testing.T) {
	testlog.Start(t)
	d, err := ParseDialect(" smb3_11 ")
	require.NoError(t, err)
	require.Equal(t, DialectSMB311, d)

	_, err = ParseDialect("SMB2_FF")
	require.ErrorIs(t, err, ErrProtocolMismatch)
}

func TestStatusSeverity(t *testing.T) {
	testlog.Start(t)
	require.True(t, StatusAccessDenied.IsError())
	require.False(t, StatusMoreProcessingRequired.IsWarning())
	require.True(t, StatusBufferOverflow.IsWarning())
	require.False(t, StatusPending.IsError())
	require.Equal(t, "STATUS_LOGON_FAILURE", StatusLogonFailure.String())
	require.Equal(t, "NTSTATUS(0xc0001234)", Status(0xC0001234).String())
}

func TestServerErrorIsScopedNotFatal(t *testing.T) {
	testlog.Start(t)
	err := fmt.Errorf("tree connect: %w", &ServerError{Command: "TREE_CONNECT", Status: StatusBadNetworkName})
	st, ok := StatusOf(err)
	require.True(t, ok)
	require.Equal(t, StatusBadNetworkName, st)
	require.False(t, IsFatal(err))

	require.True(t, IsFatal(fmt.Errorf("read: %w", ErrSignatureInvalid)))
	require.True(t, IsFatal(Malformed("short body %d", 3)))
	require.False(t, IsFatal(ErrCreditExhausted))
	require.False(t, IsFatal(errors.New("other")))
}

func TestKindPrefersConnectionLost(t *testing.T) {
	testlog.Start(t)
	cause := Malformed("bad offset")
	require.Equal(t, "malformed_response", Kind(cause))
	require.Equal(t, "connection_lost", Kind(fmt.Errorf("%w: %w", ErrConnectionLost, cause)))
	require.Equal(t, "server_error", Kind(&ServerError{Status: StatusAccessDenied}))
	require.Equal(t, "ok", Kind(nil))
	require.Equal(t, "other", Kind(errors.New("x")))
}
