package wire_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/quietloop/xmppstream/internal/wire"
)

func TestWriteOpen(t *testing.T) {
	var buf bytes.Buffer
	if err := wire.WriteOpen(&buf, "example.net"); err != nil {
		t.Fatalf("WriteOpen = %v", err)
	}
	got := buf.String()
	for _, want := range []string{
		`to="example.net"`,
		`xmlns="jabber:client"`,
		`xmlns:stream="http://etherx.jabber.org/streams"`,
		`version="1.0"`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("WriteOpen output %q missing %q", got, want)
		}
	}
	if strings.Contains(got, "</stream:stream>") {
		t.Errorf("WriteOpen output %q must not close the element", got)
	}
}

func TestParseOpenRejectsBadVersion(t *testing.T) {
	p := wire.NewParser(strings.NewReader(`<stream:stream xmlns:stream="http://etherx.jabber.org/streams" xmlns="jabber:client" version="nope">`))
	el, err := p.Next()
	if err != nil {
		t.Fatalf("Next() = %v", err)
	}
	if _, err := wire.ParseOpen(el); err == nil {
		t.Error("ParseOpen with bad version should have failed")
	}
}
