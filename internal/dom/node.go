// Package dom gives the extractor a read-only view of a chat element.
//
// The live page never hands Go a node reference. The browser side serialises
// the element (outerHTML) and Go parses that snapshot here, so every read the
// extractor does is a pure function of one snapshot taken at one instant.
package dom

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Handle identifies an element that the page hook has attached to. It is the
// value of the element's data-hover-reply-id attribute. A Handle is a weak
// reference: the host page may drop the element at any time, so callers must
// re-check attachment before acting on one.
type Handle string

// HandleAttr is the attribute the page hook stamps on every attached element.
const HandleAttr = "data-hover-reply-id"

// ErrEmptySnapshot is returned when a snapshot contains no element.
var ErrEmptySnapshot = errors.New("dom: snapshot has no element")

// Node wraps a parsed element.
type Node struct {
	n *html.Node
}

// Parse turns an element's outerHTML into a Node. Parsing happens in a <body>
// context so list items and inline markup keep their structure.
func Parse(outerHTML string) (*Node, error) {
	ctx := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(outerHTML), ctx)
	if err != nil {
		return nil, fmt.Errorf("dom: parse snapshot: %w", err)
	}
	for _, n := range nodes {
		if n.Type == html.ElementNode {
			return &Node{n: n}, nil
		}
	}
	return nil, ErrEmptySnapshot
}

// Wrap exposes an already parsed html node.
func Wrap(n *html.Node) *Node {
	if n == nil {
		return nil
	}
	return &Node{n: n}
}

var selectorCache sync.Map // string -> cascadia.Selector

func compile(sel string) (cascadia.Selector, error) {
	if v, ok := selectorCache.Load(sel); ok {
		return v.(cascadia.Selector), nil
	}
	s, err := cascadia.Compile(sel)
	if err != nil {
		return nil, fmt.Errorf("dom: compile selector %q: %w", sel, err)
	}
	selectorCache.Store(sel, s)
	return s, nil
}

// Query returns the first descendant matching sel, or nil. Like
// Element.querySelector it never returns the node itself.
func (d *Node) Query(sel string) (*Node, error) {
	s, err := compile(sel)
	if err != nil {
		return nil, err
	}
	return Wrap(cascadia.Query(d.n, s)), nil
}

// QueryAll returns every descendant matching sel in document order.
func (d *Node) QueryAll(sel string) ([]*Node, error) {
	s, err := compile(sel)
	if err != nil {
		return nil, err
	}
	found := cascadia.QueryAll(d.n, s)
	out := make([]*Node, 0, len(found))
	for _, n := range found {
		out = append(out, &Node{n: n})
	}
	return out, nil
}

// Matches reports whether the node itself matches sel.
func (d *Node) Matches(sel string) (bool, error) {
	s, err := compile(sel)
	if err != nil {
		return false, err
	}
	return s.Match(d.n), nil
}

// Tag returns the lowercase tag name.
func (d *Node) Tag() string { return d.n.Data }

// Attr returns the attribute value and whether it was present.
func (d *Node) Attr(name string) (string, bool) {
	for _, a := range d.n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

// HasAttr reports whether the attribute is present.
func (d *Node) HasAttr(name string) bool {
	_, ok := d.Attr(name)
	return ok
}

// Handle returns the hook-assigned handle, if any.
func (d *Node) Handle() Handle {
	v, _ := d.Attr(HandleAttr)
	return Handle(v)
}

// Text mirrors Node.textContent: every descendant text node, concatenated.
func (d *Node) Text() string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(d.n)
	return b.String()
}

var blockTags = map[atom.Atom]bool{
	atom.Address: true, atom.Article: true, atom.Aside: true, atom.Blockquote: true,
	atom.Dd: true, atom.Div: true, atom.Dl: true, atom.Dt: true, atom.Fieldset: true,
	atom.Figcaption: true, atom.Figure: true, atom.Footer: true, atom.Form: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Header: true, atom.Hr: true, atom.Li: true, atom.Main: true, atom.Nav: true,
	atom.Ol: true, atom.P: true, atom.Pre: true, atom.Section: true, atom.Table: true,
	atom.Tr: true, atom.Ul: true,
}

// InnerText approximates HTMLElement.innerText: script and style are skipped
// and block-level boundaries and <br> become line breaks.
func (d *Node) InnerText() string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			return
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Template:
				return
			case atom.Br:
				b.WriteByte('\n')
				return
			}
		}
		block := n.Type == html.ElementNode && blockTags[n.DataAtom]
		if block {
			b.WriteByte('\n')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if block {
			b.WriteByte('\n')
		}
	}
	walk(d.n)
	return b.String()
}
