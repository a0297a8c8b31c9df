package wire

import (
	"encoding/xml"
	"errors"
	"io"

	"github.com/quietloop/xmppstream/xmpperror"
)

// Parser pulls top-level elements off an XML document one at a time: the
// <stream:stream> open (parser depth 1, returned exactly once) and then each
// stanza or protocol element that follows it (parser depth 2). Whitespace
// between stanzas is skipped. After returning a depth-2 element the parser
// sits at that element's end tag, ready for the next call to Next.
type Parser struct {
	dec      *xml.Decoder
	stack    []*Element
	rootSeen bool
	done     bool
}

// NewParser creates a Parser reading from r.
func NewParser(r io.Reader) *Parser {
	return &Parser{dec: xml.NewDecoder(r)}
}

// Reset points the parser at a new byte reader and clears all parsing state.
// It is used both when the underlying byte stream is replaced (after TLS or
// compression is installed) and when the stream is logically restarted (a
// fresh <stream:stream> over the same bytes, e.g. after SASL success): in
// both cases the parser's depth and position are discarded and it again
// expects a stream open as the very next token.
func (p *Parser) Reset(r io.Reader) {
	p.dec = xml.NewDecoder(r)
	p.stack = p.stack[:0]
	p.rootSeen = false
	p.done = false
}

// Next advances the parser and returns the next top-level element. It
// returns xmpperror.StreamTerminated on end-of-document or an outer
// </stream:stream> end tag. Calling Next again after a terminal result keeps
// returning xmpperror.StreamTerminated without touching the underlying
// reader.
func (p *Parser) Next() (*Element, error) {
	if p.done {
		return nil, xmpperror.StreamTerminated
	}
	for {
		tok, err := p.dec.Token()
		if err != nil {
			p.done = true
			// encoding/xml reports end-of-input inside the still-open
			// stream root as a SyntaxError rather than io.EOF.
			var syntaxErr *xml.SyntaxError
			if err == io.EOF || (errors.As(err, &syntaxErr) && syntaxErr.Msg == "unexpected EOF") {
				return nil, xmpperror.StreamTerminated
			}
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			el := &Element{
				Name:  t.Name.Local,
				Space: t.Name.Space,
				Attr:  append([]xml.Attr(nil), t.Attr...),
			}
			p.stack = append(p.stack, el)
			if !p.rootSeen {
				p.rootSeen = true
				return el, nil
			}
		case xml.CharData:
			if n := len(p.stack); n > 0 {
				p.stack[n-1].Text += string(t)
			}
		case xml.EndElement:
			switch len(p.stack) {
			case 0:
				p.done = true
				return nil, xmpperror.StreamTerminated
			case 1:
				p.stack = p.stack[:0]
				p.done = true
				return nil, xmpperror.StreamTerminated
			default:
				finished := p.stack[len(p.stack)-1]
				p.stack = p.stack[:len(p.stack)-1]
				parent := p.stack[len(p.stack)-1]
				parent.Child = append(parent.Child, finished)
				if len(p.stack) == 1 {
					return finished, nil
				}
			}
		default:
			// xml.ProcInst, xml.Comment, xml.Directive: benign, keep reading.
		}
	}
}
