package jid_test

import (
	"encoding/xml"
	"fmt"
	"net"
	"testing"

	"github.com/quietloop/xmppstream/jid"
)

// Compile-time interface checks.
var (
	_ fmt.Stringer        = (*jid.JID)(nil)
	_ xml.MarshalerAttr   = (*jid.JID)(nil)
	_ xml.UnmarshalerAttr = (*jid.JID)(nil)
	_ xml.Marshaler       = (*jid.JID)(nil)
	_ xml.Unmarshaler     = (*jid.JID)(nil)
	_ net.Addr            = (*jid.JID)(nil)
)

func TestValidJIDs(t *testing.T) {
	for i, tc := range []struct {
		jid, lp, dp, rp string
	}{
		{"example.net", "", "example.net", ""},
		{"example.net/rp", "", "example.net", "rp"},
		{"mercutio@example.net", "mercutio", "example.net", ""},
		{"mercutio@example.net/rp", "mercutio", "example.net", "rp"},
		{"mercutio@example.net/rp@rp", "mercutio", "example.net", "rp@rp"},
		{"mercutio@example.net/rp@rp/rp", "mercutio", "example.net", "rp@rp/rp"},
		{"juliet@example.com/ foo", "juliet", "example.com", " foo"},
	} {
		t.Run(fmt.Sprintf("%d_%s", i, tc.jid), func(t *testing.T) {
			j, err := jid.Parse(tc.jid)
			if err != nil {
				t.Fatalf("Parse(%q) = %v", tc.jid, err)
			}
			if got := j.Localpart(); got != tc.lp {
				t.Errorf("localpart = %q, want %q", got, tc.lp)
			}
			if got := j.Domainpart(); got != tc.dp {
				t.Errorf("domainpart = %q, want %q", got, tc.dp)
			}
			if got := j.Resourcepart(); got != tc.rp {
				t.Errorf("resourcepart = %q, want %q", got, tc.rp)
			}
		})
	}
}

var invalidJIDs = []string{
	"",
	"@example.net",
	"test@/test",
	"lp@/rp",
	"e@example.net/",
}

func TestInvalidJIDs(t *testing.T) {
	for _, raw := range invalidJIDs {
		if _, err := jid.Parse(raw); err == nil {
			t.Errorf("Parse(%q) should have failed", raw)
		}
	}
}

func TestBareAndDomain(t *testing.T) {
	j := jid.MustParse("alice@example.com/phone")
	bare := j.Bare()
	if bare.String() != "alice@example.com" {
		t.Errorf("Bare() = %q, want alice@example.com", bare.String())
	}
	domain := j.Domain()
	if domain.String() != "example.com" {
		t.Errorf("Domain() = %q, want example.com", domain.String())
	}
	// The original JID must not be mutated by deriving a bare/domain copy.
	if j.String() != "alice@example.com/phone" {
		t.Errorf("original JID was mutated: %q", j.String())
	}
}

func TestWithResource(t *testing.T) {
	bare := jid.MustParse("alice@example.com")
	full, err := bare.WithResource("phone")
	if err != nil {
		t.Fatal(err)
	}
	if full.String() != "alice@example.com/phone" {
		t.Errorf("WithResource = %q, want alice@example.com/phone", full.String())
	}
	again, err := full.WithResource("")
	if err != nil {
		t.Fatal(err)
	}
	if again.Resourcepart() != "" {
		t.Errorf("WithResource(\"\") left a resourcepart: %q", again.Resourcepart())
	}
}

func TestEqual(t *testing.T) {
	a := jid.MustParse("alice@example.com/phone")
	b := jid.MustParse("alice@example.com/phone")
	c := jid.MustParse("alice@example.com/desktop")
	if !a.Equal(b) {
		t.Error("expected a.Equal(b)")
	}
	if a.Equal(c) {
		t.Error("did not expect a.Equal(c)")
	}
	var nilJID *jid.JID
	if !nilJID.Equal(nil) {
		t.Error("expected nil.Equal(nil) to be true")
	}
}

func TestMarshalXML(t *testing.T) {
	j := jid.MustParse("alice@example.com/phone")
	out, err := xml.Marshal(struct {
		XMLName xml.Name `xml:"j"`
		J       *jid.JID `xml:"jid"`
	}{J: j})
	if err != nil {
		t.Fatal(err)
	}
	want := "<j><jid>alice@example.com/phone</jid></j>"
	if string(out) != want {
		t.Errorf("MarshalXML = %q, want %q", out, want)
	}

	var decoded struct {
		XMLName xml.Name `xml:"j"`
		J       jid.JID  `xml:"jid"`
	}
	if err := xml.Unmarshal(out, &decoded); err != nil {
		t.Fatal(err)
	}
	if !decoded.J.Equal(j) {
		t.Errorf("round-tripped JID = %q, want %q", decoded.J.String(), j.String())
	}
}
