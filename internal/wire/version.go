package wire

import (
	"strconv"
	"strings"

	"github.com/quietloop/xmppstream/xmpperror"
)

// Version represents the XMPP stream version as a single comparable integer,
// encoded as 100*Major + Minor. A stream open with no version attribute (a
// pre-RFC3920 "legacy" server) parses as LegacyVersion.
type Version int

// LegacyVersion is the Version assigned to a stream open that carries no
// version attribute at all.
const LegacyVersion Version = 90

// DefaultVersion is the version this engine writes on its own stream opens.
const DefaultVersion Version = 100

// ParseVersion parses a "Major.Minor" attribute value, where 0 <= Major,
// Minor <= 99. An empty string yields LegacyVersion. Anything else that
// isn't valid "M.m" returns xmpperror.ProtocolError.
func ParseVersion(s string) (Version, error) {
	if s == "" {
		return LegacyVersion, nil
	}
	major, minor, ok := strings.Cut(s, ".")
	if !ok {
		return 0, xmpperror.ProtocolError
	}
	m, err := strconv.Atoi(major)
	if err != nil || m < 0 || m > 99 {
		return 0, xmpperror.ProtocolError
	}
	n, err := strconv.Atoi(minor)
	if err != nil || n < 0 || n > 99 {
		return 0, xmpperror.ProtocolError
	}
	return Version(100*m + n), nil
}

// Legacy reports whether v represents a pre-1.0 stream, i.e. one that never
// advertises <features/> on its own.
func (v Version) Legacy() bool {
	return v < 100
}

// String renders the version back in "Major.Minor" form.
func (v Version) String() string {
	return strconv.Itoa(int(v)/100) + "." + pad2(int(v)%100)
}

func pad2(n int) string {
	s := strconv.Itoa(n)
	if len(s) < 2 {
		return "0" + s
	}
	return s
}
