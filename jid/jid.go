// Package jid implements XMPP addresses ("Jabber IDs") as described in RFC
// 7622:
//
//	jid          = [ localpart "@" ] domainpart [ "/" resourcepart ]
//
// The domainpart is converted to its Unicode form with golang.org/x/net/idna
// (its case is left as given) and the localpart/resourcepart are prepared
// with the PRECIS profiles (golang.org/x/text/secure/precis). The localpart
// profile maps case and width, so two JIDs whose localparts differ only by
// case or width end up byte-identical and therefore compare equal with Equal.
package jid

import (
	"encoding/xml"
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
)

// JID represents an XMPP address comprising a localpart, a domainpart, and a
// resourcepart. All three parts are guaranteed to be valid UTF-8; the
// localpart and resourcepart are stored in their PRECIS-prepared form.
type JID struct {
	locallen  int
	domainlen int
	data      []byte
}

// Parse constructs a new JID from its string representation.
func Parse(s string) (*JID, error) {
	local, domain, resource, err := split(s)
	if err != nil {
		return nil, err
	}
	return New(local, domain, resource)
}

// MustParse is like Parse but panics if s cannot be parsed. It is intended
// for use with constant, known-good strings such as test fixtures.
func MustParse(s string) *JID {
	j, err := Parse(s)
	if err != nil {
		panic("jid: MustParse(" + s + "): " + err.Error())
	}
	return j
}

// New constructs a JID from its three parts, normalizing and validating each
// one individually.
func New(localpart, domainpart, resourcepart string) (*JID, error) {
	if !utf8.ValidString(localpart) || !utf8.ValidString(resourcepart) {
		return nil, errors.New("jid: part contains invalid UTF-8")
	}

	domainpart, err := idna.ToUnicode(domainpart)
	if err != nil {
		return nil, err
	}
	if domainpart == "" {
		return nil, errors.New("jid: domainpart must not be empty")
	}
	if !utf8.ValidString(domainpart) {
		return nil, errors.New("jid: domainpart contains invalid UTF-8")
	}

	data := make([]byte, 0, len(localpart)+len(domainpart)+len(resourcepart))
	var lenlocal int
	if localpart != "" {
		data, err = precis.UsernameCaseMapped.Append(data, []byte(localpart))
		if err != nil {
			return nil, err
		}
		lenlocal = len(data)
	}
	data = append(data, domainpart...)
	if resourcepart != "" {
		data, err = precis.OpaqueString.Append(data, []byte(resourcepart))
		if err != nil {
			return nil, err
		}
	}

	return &JID{
		locallen:  lenlocal,
		domainlen: len(domainpart),
		data:      data,
	}, nil
}

// split separates a raw string into its localpart, domainpart, and
// resourcepart without yet validating or normalizing any of them.
func split(s string) (local, domain, resource string, err error) {
	if s == "" {
		return "", "", "", errors.New("jid: empty JID")
	}
	if at := strings.IndexByte(s, '@'); at >= 0 {
		local = s[:at]
		s = s[at+1:]
		if local == "" {
			return "", "", "", errors.New("jid: empty localpart")
		}
	}
	if slash := strings.IndexByte(s, '/'); slash >= 0 {
		domain = s[:slash]
		resource = s[slash+1:]
		if resource == "" {
			return "", "", "", errors.New("jid: empty resourcepart")
		}
	} else {
		domain = s
	}
	if domain == "" {
		return "", "", "", errors.New("jid: empty domainpart")
	}
	return local, domain, resource, nil
}

// WithResource returns a copy of j with a new resourcepart. An empty
// resourcepart removes the resourcepart entirely.
func (j *JID) WithResource(resourcepart string) (*JID, error) {
	bare := j.Bare()
	data := make([]byte, len(bare.data), len(bare.data)+len(resourcepart))
	copy(data, bare.data)
	if resourcepart == "" {
		bare.data = data
		return bare, nil
	}
	if !utf8.ValidString(resourcepart) {
		return nil, errors.New("jid: resourcepart contains invalid UTF-8")
	}
	data, err := precis.OpaqueString.Append(data, []byte(resourcepart))
	if err != nil {
		return nil, err
	}
	bare.data = data
	return bare, nil
}

// Bare returns a copy of j with the resourcepart removed.
func (j *JID) Bare() *JID {
	return &JID{
		locallen:  j.locallen,
		domainlen: j.domainlen,
		data:      append([]byte(nil), j.data[:j.domainlen+j.locallen]...),
	}
}

// Domain returns a copy of j with the localpart and resourcepart removed.
func (j *JID) Domain() *JID {
	if j == nil {
		return nil
	}
	return &JID{
		domainlen: j.domainlen,
		data:      append([]byte(nil), j.data[j.locallen:j.domainlen+j.locallen]...),
	}
}

// Localpart returns the localpart of the JID (e.g. "alice").
func (j *JID) Localpart() string {
	if j == nil {
		return ""
	}
	return string(j.data[:j.locallen])
}

// Domainpart returns the domainpart of the JID (e.g. "example.com").
func (j *JID) Domainpart() string {
	if j == nil {
		return ""
	}
	return string(j.data[j.locallen : j.locallen+j.domainlen])
}

// Resourcepart returns the resourcepart of the JID, or the empty string if
// the JID is bare.
func (j *JID) Resourcepart() string {
	if j == nil {
		return ""
	}
	return string(j.data[j.locallen+j.domainlen:])
}

// String returns the canonical string representation of the JID.
func (j *JID) String() string {
	if j == nil {
		return ""
	}
	var b strings.Builder
	if j.locallen > 0 {
		b.Write(j.data[:j.locallen])
		b.WriteByte('@')
	}
	b.Write(j.data[j.locallen : j.locallen+j.domainlen])
	if res := j.data[j.locallen+j.domainlen:]; len(res) > 0 {
		b.WriteByte('/')
		b.Write(res)
	}
	return b.String()
}

// Network satisfies net.Addr by returning the constant "xmpp".
func (*JID) Network() string { return "xmpp" }

// Equal reports whether j and j2 address the same entity, comparing their
// canonical, PRECIS-prepared forms octet for octet.
func (j *JID) Equal(j2 *JID) bool {
	if j == nil || j2 == nil {
		return j == j2
	}
	return j.locallen == j2.locallen && j.domainlen == j2.domainlen && string(j.data) == string(j2.data)
}

// MarshalXML satisfies xml.Marshaler, encoding the JID as character data.
func (j *JID) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	if err := e.EncodeToken(xml.CharData(j.String())); err != nil {
		return err
	}
	return e.EncodeToken(start.End())
}

// UnmarshalXML satisfies xml.Unmarshaler, decoding the JID from character
// data.
func (j *JID) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var data struct {
		CharData string `xml:",chardata"`
	}
	if err := d.DecodeElement(&data, &start); err != nil {
		return err
	}
	parsed, err := Parse(data.CharData)
	if err != nil {
		return err
	}
	*j = *parsed
	return nil
}

// MarshalXMLAttr satisfies xml.MarshalerAttr.
func (j *JID) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	if j == nil {
		return xml.Attr{Name: name}, nil
	}
	return xml.Attr{Name: name, Value: j.String()}, nil
}

// UnmarshalXMLAttr satisfies xml.UnmarshalerAttr.
func (j *JID) UnmarshalXMLAttr(attr xml.Attr) error {
	parsed, err := Parse(attr.Value)
	if err != nil {
		return err
	}
	*j = *parsed
	return nil
}
