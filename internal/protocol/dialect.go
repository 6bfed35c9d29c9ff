package protocol

import (
	"fmt"
	"strings"
)

// Dialect identifies a negotiated protocol revision. SMB2/3 dialects use
// their wire value, so ordering by numeric value matches protocol age.
type Dialect uint16

const (
	DialectUnknown Dialect = 0x0000
	DialectSMB1    Dialect = 0x0100
	DialectSMB202  Dialect = 0x0202
	DialectSMB210  Dialect = 0x0210
	DialectSMB300  Dialect = 0x0300
	DialectSMB302  Dialect = 0x0302
	DialectSMB311  Dialect = 0x0311

	// DialectWildcard is returned by an SMB2-capable server answering a
	// multi-protocol SMB1 negotiate; the client must negotiate again.
	DialectWildcard Dialect = 0x02FF
)

// SMB2Dialects lists every SMB2/3 revision in ascending order.
var SMB2Dialects = []Dialect{
	DialectSMB202,
	DialectSMB210,
	DialectSMB300,
	DialectSMB302,
	DialectSMB311,
}

var dialectNames = map[Dialect]string{
	DialectSMB1:     "NT1",
	DialectSMB202:   "SMB2_02",
	DialectSMB210:   "SMB2_10",
	DialectSMB300:   "SMB3_00",
	DialectSMB302:   "SMB3_02",
	DialectSMB311:   "SMB3_11",
	DialectWildcard: "SMB2_FF",
}

func (d Dialect) String() string {
	if name, ok := dialectNames[d]; ok {
		return name
	}
	return fmt.Sprintf("dialect(0x%04x)", uint16(d))
}

// IsSMB2 reports whether d uses the 64-byte SMB2 header.
func (d Dialect) IsSMB2() bool {
	return d >= DialectSMB202 && d != DialectWildcard
}

// IsSMB3 reports whether d derives keys with the SP800-108 KDF.
func (d Dialect) IsSMB3() bool {
	return d >= DialectSMB300
}

// Known reports whether d is a concrete negotiable dialect.
func (d Dialect) Known() bool {
	_, ok := dialectNames[d]
	return ok && d != DialectWildcard
}

// ParseDialect accepts the names produced by String, case-insensitively.
func ParseDialect(raw string) (Dialect, error) {
	want := strings.ToUpper(strings.TrimSpace(raw))
	for d, name := range dialectNames {
		if d == DialectWildcard {
			continue
		}
		if name == want {
			return d, nil
		}
	}
	return DialectUnknown, fmt.Errorf("%w: unknown dialect %q", ErrProtocolMismatch, raw)
}

// Range is an inclusive dialect range offered by the client.
type Range struct {
	Min Dialect
	Max Dialect
}

func (r Range) Validate() error {
	if !r.Min.Known() || !r.Max.Known() {
		return fmt.Errorf("%w: invalid dialect range %s..%s", ErrProtocolMismatch, r.Min, r.Max)
	}
	if r.Min > r.Max {
		return fmt.Errorf("%w: empty dialect range %s..%s", ErrProtocolMismatch, r.Min, r.Max)
	}
	return nil
}

func (r Range) Contains(d Dialect) bool {
	return d.Known() && d >= r.Min && d <= r.Max
}

// IncludesSMB1 reports whether the legacy dialect is offered.
func (r Range) IncludesSMB1() bool {
	return r.Min <= DialectSMB1
}

// SMB2 returns the SMB2/3 dialects inside the range, ascending.
func (r Range) SMB2() []Dialect {
	out := make([]Dialect, 0, len(SMB2Dialects))
	for _, d := range SMB2Dialects {
		if r.Contains(d) {
			out = append(out, d)
		}
	}
	return out
}

func (r Range) String() string {
	return r.Min.String() + ".." + r.Max.String()
}
