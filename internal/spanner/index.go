// Package spanner builds the lookup spec.md §4.3 calls the SpannerTable:
// for a measure window, which events that originate in earlier measures
// land in or cross into that window.
package spanner

import (
	"regexp"
	"strconv"

	"github.com/beevik/etree"

	"github.com/emaaddr/ema/internal/meierr"
	"github.com/emaaddr/ema/internal/meitree"
)

// Entry describes one spanning event as seen from its destination
// measure.
type Entry struct {
	Element     *etree.Element
	OriginID    string
	Distance    int
	StartID     string
	EndID       string
	Tstamp      string
	Tstamp2     string
}

// Table maps a destination measure's element to the spanning events that
// land there, keyed by event id for stable iteration (insertion order is
// preserved via the order field).
type Table struct {
	byMeasure map[*etree.Element]map[string]*Entry
	order     map[*etree.Element][]string
}

// ForMeasure returns the spanning events destined for measure, in the
// order they were discovered.
func (t *Table) ForMeasure(measure *etree.Element) []*Entry {
	ids, ok := t.order[measure]
	if !ok {
		return nil
	}
	out := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.byMeasure[measure][id])
	}
	return out
}

var tstamp2Spanner = regexp.MustCompile(`^([1-9][0-9]*)m\+`)

// Build constructs a SpannerTable over measures[0:windowEnd+1] (0-based,
// inclusive), as spec.md §4.3 describes: every descendant of every
// measure up to windowEnd that names a destination measure other than
// its own via endid or a multi-measure tstamp2 is recorded, with
// distance measured from windowStart.
func Build(tree *meitree.Tree, measures []*etree.Element, windowStart, windowEnd int) (*Table, error) {
	t := &Table{
		byMeasure: make(map[*etree.Element]map[string]*Entry),
		order:     make(map[*etree.Element][]string),
	}

	add := func(dest *etree.Element, id string, e *Entry) {
		if t.byMeasure[dest] == nil {
			t.byMeasure[dest] = make(map[string]*Entry)
		}
		if _, exists := t.byMeasure[dest][id]; !exists {
			t.order[dest] = append(t.order[dest], id)
		}
		t.byMeasure[dest][id] = e
	}

	for i := 0; i <= windowEnd && i < len(measures); i++ {
		origin := measures[i]
		originID := tree.ID(origin)

		var walk func(el *etree.Element)
		walk = func(el *etree.Element) {
			for _, c := range el.ChildElements() {
				processCandidate(tree, measures, i, origin, originID, c, windowStart, add)
				walk(c)
			}
		}
		walk(origin)
	}

	return t, nil
}

func processCandidate(
	tree *meitree.Tree,
	measures []*etree.Element,
	originIdx int,
	origin *etree.Element,
	originID string,
	el *etree.Element,
	windowStart int,
	add func(dest *etree.Element, id string, e *Entry),
) {
	if endidAttr, ok := meitree.Attr(el, "endid"); ok {
		target, found := tree.ByID(endidAttr)
		if !found {
			return
		}
		destMeasure := meitree.Ancestor(target, "measure")
		if destMeasure == nil || destMeasure == origin {
			return
		}
		entry := &Entry{
			Element:  el,
			OriginID: originID,
			Distance: windowStart - originIdx,
			EndID:    stripHash(endidAttr),
		}
		if startidAttr, ok := meitree.Attr(el, "startid"); ok {
			entry.StartID = stripHash(startidAttr)
		}
		add(destMeasure, tree.ID(el), entry)
		return
	}

	if t2, ok := meitree.Attr(el, "tstamp2"); ok {
		m := tstamp2Spanner.FindStringSubmatch(t2)
		if m == nil {
			return
		}
		offset, _ := strconv.Atoi(m[1])
		destIdx := originIdx + offset
		if destIdx < 0 || destIdx >= len(measures) {
			return
		}
		destMeasure := measures[destIdx]
		entry := &Entry{
			Element:  el,
			OriginID: originID,
			Distance: windowStart - originIdx,
			Tstamp2:  t2,
		}
		if ts, ok := meitree.Attr(el, "tstamp"); ok {
			entry.Tstamp = ts
		}
		add(destMeasure, tree.ID(el), entry)
	}
}

func stripHash(s string) string {
	if len(s) > 0 && s[0] == '#' {
		return s[1:]
	}
	return s
}

// ResolveEndID locates a spanner's end target and fails with
// UnsupportedEncoding if the id doesn't resolve — the table itself stores raw ids, not resolved
// elements, since elements may move during slicing.
func ResolveEndID(tree *meitree.Tree, entry *Entry) (*etree.Element, error) {
	el, ok := tree.ByID(entry.EndID)
	if !ok {
		return nil, meierr.UnsupportedEncodingf("spanner endid %q does not resolve to an element", entry.EndID)
	}
	return el, nil
}
