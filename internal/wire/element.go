package wire

import "encoding/xml"

// Element is a minimal XML element tree: enough to inspect the handful of
// stream-level elements the negotiator and SASL driver need to look inside
// (<features/>, <proceed/>, <failure/>, <compressed/>, <challenge/>,
// <success/>, <bind/>, and so on) without pulling in a full DOM.
type Element struct {
	Name  string
	Space string
	Attr  []xml.Attr
	Text  string
	Child []*Element
}

// Is reports whether e has the given local name and namespace. An empty
// space matches an element in any namespace.
func (e *Element) Is(space, name string) bool {
	return e != nil && e.Name == name && (space == "" || e.Space == space)
}

// Attribute returns the value of the unprefixed attribute with the given
// local name, or "" if it is not present.
func (e *Element) Attribute(name string) string {
	if e == nil {
		return ""
	}
	for _, a := range e.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// FindChild looks up the first direct child with the given namespace and
// local name, or nil if there is none.
func (e *Element) FindChild(space, name string) *Element {
	if e == nil {
		return nil
	}
	for _, c := range e.Child {
		if c.Is(space, name) {
			return c
		}
	}
	return nil
}

// Children returns every direct child with the given namespace and local
// name.
func (e *Element) Children(space, name string) []*Element {
	if e == nil {
		return nil
	}
	var out []*Element
	for _, c := range e.Child {
		if c.Is(space, name) {
			out = append(out, c)
		}
	}
	return out
}
