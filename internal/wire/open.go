package wire

import (
	"bufio"
	"fmt"
	"io"

	"github.com/quietloop/xmppstream/xmpperror"
)

// OpenInfo is the metadata extracted from a received <stream:stream> open
// tag.
type OpenInfo struct {
	ID      string
	Version Version
}

// WriteOpen writes the literal client stream-open header and flushes it.
// encoding/xml cannot produce this element: the standard encoder always
// balances every StartElement with an EndElement, but the stream open is
// deliberately left unbalanced until the stream closes, possibly much later
// and possibly never on the read side at all.
func WriteOpen(w io.Writer, serviceName string) error {
	bw := bufio.NewWriter(w)
	_, err := fmt.Fprintf(bw,
		`<stream:stream to="%s" xmlns="jabber:client" xmlns:stream="http://etherx.jabber.org/streams" version="1.0">`,
		serviceName,
	)
	if err != nil {
		return err
	}
	return bw.Flush()
}

// CloseTag is the literal outer stream close, written verbatim (not through
// the XML encoder, for the same reason as WriteOpen).
const CloseTag = `</stream:stream>`

// ParseOpen extracts the id and version from a received stream-open element.
// An unparsable version attribute (see ParseVersion) reports
// xmpperror.ProtocolError; an element that isn't the stream root is a
// programmer error on the caller's part and is not checked here.
func ParseOpen(e *Element) (OpenInfo, error) {
	v, err := ParseVersion(e.Attribute("version"))
	if err != nil {
		return OpenInfo{}, xmpperror.ProtocolError
	}
	return OpenInfo{ID: e.Attribute("id"), Version: v}, nil
}
