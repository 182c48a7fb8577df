package harvest

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// XMLNode is a minimal element tree over encoding/xml tokens. The pipeline
// needs structural access (find the metadata payload inside a protocol
// envelope, lift children out into fresh documents), which the stream decoder
// alone does not give us.
type XMLNode struct {
	Name     xml.Name
	Attrs    []xml.Attr
	Children []*XMLNode
	Text     string
}

// ParseXML decodes a document into an element tree. Character data directly
// under an element is concatenated into Text; processing instructions and
// comments are dropped.
func ParseXML(r io.Reader) (*XMLNode, error) {
	dec := xml.NewDecoder(r)

	var root *XMLNode
	var stack []*XMLNode

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("xml parse: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &XMLNode{Name: t.Name, Attrs: append([]xml.Attr(nil), t.Attr...)}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("xml parse: multiple root elements")
				}
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, n)
			}
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, fmt.Errorf("xml parse: unbalanced end element %s", t.Name.Local)
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				s := string(t)
				if strings.TrimSpace(s) != "" {
					stack[len(stack)-1].Text += s
				}
			}
		}
	}
	if root == nil {
		return nil, fmt.Errorf("xml parse: empty document")
	}
	return root, nil
}

// ParseXMLBytes is ParseXML over a byte slice.
func ParseXMLBytes(b []byte) (*XMLNode, error) {
	return ParseXML(bytes.NewReader(b))
}

// Local reports whether the node's local name matches (namespace ignored,
// like the //*[local-name()=...] lookups the envelope handling needs).
func (n *XMLNode) Local(name string) bool {
	return n != nil && n.Name.Local == name
}

// FindAll returns every descendant (including n itself) with the given local
// name, in document order.
func (n *XMLNode) FindAll(local string) []*XMLNode {
	if n == nil {
		return nil
	}
	var out []*XMLNode
	if n.Local(local) {
		out = append(out, n)
	}
	for _, c := range n.Children {
		out = append(out, c.FindAll(local)...)
	}
	return out
}

// Child returns the first direct child with the given local name, or nil.
func (n *XMLNode) Child(local string) *XMLNode {
	if n == nil {
		return nil
	}
	for _, c := range n.Children {
		if c.Local(local) {
			return c
		}
	}
	return nil
}

// ChildText returns the trimmed text of the first direct child with the given
// local name, or "".
func (n *XMLNode) ChildText(local string) string {
	c := n.Child(local)
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.Text)
}

// WriteTo serializes the tree as XML.
func (n *XMLNode) WriteTo(w io.Writer) error {
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := n.encode(enc); err != nil {
		return err
	}
	return enc.Flush()
}

func (n *XMLNode) encode(enc *xml.Encoder) error {
	start := xml.StartElement{Name: n.Name, Attr: n.Attrs}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if n.Text != "" {
		if err := enc.EncodeToken(xml.CharData(n.Text)); err != nil {
			return err
		}
	}
	for _, c := range n.Children {
		if err := c.encode(enc); err != nil {
			return err
		}
	}
	return enc.EncodeToken(xml.EndElement{Name: n.Name})
}

// Bytes serializes the tree with an XML declaration, ready to be written to
// the mirror.
func (n *XMLNode) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := n.WriteTo(&buf); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
