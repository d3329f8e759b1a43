// Package meitree wraps an MEI XML document in the shape the selection
// engine needs: every element addressable by a stable id, document
// order available as a monotonic position, and parent pointers for
// ancestor walks. It is a thin layer over github.com/beevik/etree, which
// was chosen (spec.md §9's design notes) for preserving attribute order
// and mixed content across edits — properties encoding/xml's streaming
// model doesn't give us.
package meitree

import (
	"fmt"

	"github.com/beevik/etree"

	"github.com/emaaddr/ema/internal/meierr"
)

// idAttr is the MEI convention for a stable element identifier.
const idAttr = "xml:id"

// Tree owns a parsed MEI document for the duration of one selection
// request. Per spec.md §5, a Tree is never shared between concurrent
// slices: mutation is destructive and exclusive.
type Tree struct {
	Doc *etree.Document

	ids     map[string]*etree.Element
	pos     map[*etree.Element]int
	ordered []*etree.Element
	nextGen int
}

// Load parses raw MEI bytes into a Tree and assigns a stable id to every
// element that doesn't already carry an xml:id. Synthesized ids are
// never written back out except as part of a document that was actually
// mutated; the HTTP layer's all/all/@all passthrough never calls Load at
// all, so byte-identity of an unmodified document is unaffected.
func Load(data []byte) (*Tree, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, meierr.Malformedf("could not parse MEI document: %v", err)
	}
	t := &Tree{Doc: doc}
	t.Reindex()
	return t, nil
}

// Serialize renders the tree back to MEI/XML bytes.
func (t *Tree) Serialize() ([]byte, error) {
	b, err := t.Doc.WriteToBytes()
	if err != nil {
		return nil, meierr.Malformedf("could not serialize MEI document: %v", err)
	}
	return b, nil
}

// Reindex walks the document and rebuilds the id and document-position
// indices. It must be called after any mutation that a later lookup
// depends on (moves, insertions, id assignment) — the spanner table and
// id lookups are otherwise built over a stale view of the tree, per
// spec.md §3's ownership note.
func (t *Tree) Reindex() {
	t.ids = make(map[string]*etree.Element)
	t.pos = make(map[*etree.Element]int)
	t.ordered = t.ordered[:0]

	var walk func(el *etree.Element)
	walk = func(el *etree.Element) {
		t.pos[el] = len(t.ordered)
		t.ordered = append(t.ordered, el)

		if id := t.existingID(el); id != "" {
			t.ids[id] = el
		} else {
			t.assignID(el)
		}

		for _, c := range el.ChildElements() {
			walk(c)
		}
	}
	walk(t.Doc.Root())
}

func (t *Tree) existingID(el *etree.Element) string {
	if a := el.SelectAttr(idAttr); a != nil {
		return a.Value
	}
	if a := el.SelectAttr("id"); a != nil {
		return a.Value
	}
	return ""
}

func (t *Tree) assignID(el *etree.Element) {
	for {
		t.nextGen++
		candidate := fmt.Sprintf("ema-gen-%d", t.nextGen)
		if _, taken := t.ids[candidate]; !taken {
			el.CreateAttr(idAttr, candidate)
			t.ids[candidate] = el
			return
		}
	}
}

// ID returns el's stable identifier, assigning and registering one if it
// doesn't have one yet (e.g. for an element created during slicing).
func (t *Tree) ID(el *etree.Element) string {
	if id := t.existingID(el); id != "" {
		if _, ok := t.ids[id]; !ok {
			t.ids[id] = el
		}
		return id
	}
	t.assignID(el)
	return t.existingID(el)
}

// ByID resolves a stable identifier to its element, stripping a leading
// "#" if present (MEI's URI-fragment convention for startid/endid).
func (t *Tree) ByID(ref string) (*etree.Element, bool) {
	ref = stripHash(ref)
	el, ok := t.ids[ref]
	return el, ok
}

func stripHash(ref string) string {
	if len(ref) > 0 && ref[0] == '#' {
		return ref[1:]
	}
	return ref
}

// Position returns el's 0-based document-order position, as assigned by
// the last Reindex call.
func (t *Tree) Position(el *etree.Element) int {
	return t.pos[el]
}

// MusicElement finds the document's unique <music> element, failing with
// MalformedMei per spec.md §4.1 if there isn't exactly one.
func (t *Tree) MusicElement() (*etree.Element, error) {
	found := DescendantsByTag(t.Doc.Root(), "music")
	if t.Doc.Root() != nil && t.Doc.Root().Tag == "music" {
		found = append([]*etree.Element{t.Doc.Root()}, found...)
	}
	if len(found) != 1 {
		return nil, meierr.Malformedf("MEI document must have exactly one <music> element, found %d", len(found))
	}
	return found[0], nil
}

// DescendantsByTag returns el's descendants named tag, in document order.
func DescendantsByTag(el *etree.Element, tag string) []*etree.Element {
	var out []*etree.Element
	var walk func(e *etree.Element)
	walk = func(e *etree.Element) {
		for _, c := range e.ChildElements() {
			if c.Tag == tag {
				out = append(out, c)
			}
			walk(c)
		}
	}
	walk(el)
	return out
}

// Ancestor returns the closest ancestor of el named tag, or nil.
func Ancestor(el *etree.Element, tag string) *etree.Element {
	for p := el.Parent(); p != nil; p = p.Parent() {
		if p.Tag == tag {
			return p
		}
	}
	return nil
}

// Peers returns the ordered list of el's parent's element children
// (el's siblings, el included), or nil if el has no parent.
func Peers(el *etree.Element) []*etree.Element {
	p := el.Parent()
	if p == nil {
		return nil
	}
	return p.ChildElements()
}

// Remove detaches el from its parent. A no-op if el has no parent.
func Remove(el *etree.Element) {
	if p := el.Parent(); p != nil {
		p.RemoveChild(el)
	}
}

// ReplaceInPlace swaps oldEl for newEl at oldEl's position among its
// parent's children, preserving document order. It relies only on
// InsertChild/RemoveChild (insert-before-then-remove), not on reordering
// the raw child slice, so it stays correct regardless of how many text
// nodes surround the element.
func ReplaceInPlace(oldEl, newEl *etree.Element) {
	p := oldEl.Parent()
	if p == nil {
		return
	}
	p.InsertChild(oldEl, newEl)
	p.RemoveChild(oldEl)
}

// PrependChild inserts el as newParent's first child.
func PrependChild(newParent, el *etree.Element) {
	kids := newParent.ChildElements()
	if len(kids) == 0 {
		newParent.AddChild(el)
		return
	}
	newParent.InsertChild(kids[0], el)
}

// MoveTo detaches el from its current parent and appends it as
// newParent's last child.
func MoveTo(el, newParent *etree.Element) {
	Remove(el)
	newParent.AddChild(el)
}

// MoveToFront detaches el from its current parent and makes it
// newParent's first child.
func MoveToFront(el, newParent *etree.Element) {
	Remove(el)
	PrependChild(newParent, el)
}

// Attr returns the value of attribute name on el and whether it was
// present.
func Attr(el *etree.Element, name string) (string, bool) {
	a := el.SelectAttr(name)
	if a == nil {
		return "", false
	}
	return a.Value, true
}

// SetAttr sets attribute name on el to value, creating it if absent.
func SetAttr(el *etree.Element, name, value string) {
	el.CreateAttr(name, value)
}

// HasStaffNumber reports whether el's @staff attribute (a
// space-separated list per spec.md §9's open questions) names number.
func HasStaffNumber(el *etree.Element, number int) bool {
	v, ok := Attr(el, "staff")
	if !ok {
		return false
	}
	return containsInt(v, number)
}

func containsInt(spaceSeparated string, n int) bool {
	cur := 0
	has := false
	neg := false
	flush := func() bool {
		if !has {
			return false
		}
		v := cur
		if neg {
			v = -v
		}
		cur, has, neg = 0, false, false
		return v == n
	}
	for _, r := range spaceSeparated + " " {
		switch {
		case r == ' ' || r == '\t' || r == '\n':
			if flush() {
				return true
			}
		case r == '-' && !has:
			neg = true
		case r >= '0' && r <= '9':
			has = true
			cur = cur*10 + int(r-'0')
		}
	}
	return false
}
