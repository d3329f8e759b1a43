// Package slicer performs the tree surgery described in spec.md §4.4: for
// each Selection, it keeps exactly the addressed notation, converts or
// removes the rest, and rewires spanning control events, then deletes
// everything structurally outside the preserved ranges.
package slicer

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/emaaddr/ema/internal/docinfo"
	"github.com/emaaddr/ema/internal/expr"
	"github.com/emaaddr/ema/internal/meierr"
	"github.com/emaaddr/ema/internal/meitree"
	"github.com/emaaddr/ema/internal/spanner"
)

// tstamp2MultiMeasure matches the "Nm+beat" form spanner.Build uses to
// recognize a multi-measure duration (spec.md §4.3).
var tstamp2MultiMeasure = regexp.MustCompile(`^([1-9][0-9]*)m\+`)

// alwaysKept never gets pruned regardless of whether it contains a
// preserved measure.
var alwaysKept = map[string]bool{"meiHead": true}

// Slice mutates tree in place so that it contains exactly the measures,
// staves, and beats named by selections, honoring opts. The caller
// serializes the tree afterward; spec.md §5 means this call owns tree
// exclusively and runs to completion without I/O.
func Slice(tree *meitree.Tree, info *docinfo.Info, selections []expr.Selection, opts expr.Completeness) error {
	music, err := tree.MusicElement()
	if err != nil {
		return err
	}
	measures := meitree.DescendantsByTag(music, "measure")
	if len(measures) == 0 {
		return meierr.Malformedf("document has no measures")
	}

	scoreDefPos, err := collectScoreDefPositions(music, measures)
	if err != nil {
		return err
	}

	kept := map[*etree.Element]bool{}
	for selIdx, sel := range selections {
		if len(sel.Measures) == 0 {
			continue
		}
		isAbsoluteLast := selIdx == len(selections)-1
		if err := processRange(tree, info, measures, sel, opts, isAbsoluteLast); err != nil {
			return err
		}
		for _, ms := range sel.Measures {
			kept[measures[ms.Index-1]] = true
		}
	}

	prune(music, kept)

	for _, sel := range selections {
		if len(sel.Measures) == 0 {
			continue
		}
		firstIdx := sel.Measures[0].Index - 1
		sd := applicableScoreDef(scoreDefPos, firstIdx)
		if sd == nil {
			continue
		}
		firstMeasure := measures[sel.Measures[0].Index-1]
		if p := firstMeasure.Parent(); p != nil {
			p.InsertChild(firstMeasure, sd.Copy())
		}
	}

	if opts.Raw {
		firstKept, lastKept := boundaryMeasures(selections, measures)
		if firstKept != nil && lastKept != nil {
			lca := lowestCommonAncestor(firstKept, lastKept)
			if lca != nil {
				tree.Doc.SetRoot(lca)
				if opts.Signature {
					sd := applicableScoreDef(scoreDefPos, 0)
					if sd != nil {
						meitree.PrependChild(lca, sd.Copy())
					}
				}
			}
		}
	}

	tree.Reindex()
	return nil
}

func boundaryMeasures(selections []expr.Selection, measures []*etree.Element) (*etree.Element, *etree.Element) {
	var first, last *etree.Element
	for _, sel := range selections {
		for _, ms := range sel.Measures {
			el := measures[ms.Index-1]
			if first == nil {
				first = el
			}
			last = el
		}
	}
	return first, last
}

func lowestCommonAncestor(a, b *etree.Element) *etree.Element {
	ancestors := map[*etree.Element]bool{}
	for p := a; p != nil; p = p.Parent() {
		ancestors[p] = true
	}
	for p := b; p != nil; p = p.Parent() {
		if ancestors[p] {
			return p
		}
	}
	return nil
}

type scoreDefEntry struct {
	El  *etree.Element
	Pos int
}

func collectScoreDefPositions(music *etree.Element, measures []*etree.Element) ([]scoreDefEntry, error) {
	var out []scoreDefEntry
	for _, sd := range meitree.DescendantsByTag(music, "scoreDef") {
		pos, err := measurePositionAfter(sd, measures)
		if err != nil {
			return nil, err
		}
		out = append(out, scoreDefEntry{El: sd, Pos: pos})
	}
	return out, nil
}

func measurePositionAfter(sd *etree.Element, measures []*etree.Element) (int, error) {
	indexOf := func(m *etree.Element) int {
		for i, x := range measures {
			if x == m {
				return i
			}
		}
		return -1
	}
	var seek func(el *etree.Element) (int, bool)
	seek = func(el *etree.Element) (int, bool) {
		if el.Tag == "measure" {
			if idx := indexOf(el); idx >= 0 {
				return idx, true
			}
		}
		desc := meitree.DescendantsByTag(el, "measure")
		if len(desc) > 0 {
			if idx := indexOf(desc[0]); idx >= 0 {
				return idx, true
			}
		}
		return 0, false
	}
	peers := meitree.Peers(sd)
	pos := -1
	for i, p := range peers {
		if p == sd {
			pos = i
			break
		}
	}
	if pos < 0 {
		return 0, meierr.Malformedf("scoreDef is not attached to the document")
	}
	for i := pos + 1; i < len(peers); i++ {
		if idx, ok := seek(peers[i]); ok {
			return idx, nil
		}
	}
	return 0, meierr.Malformedf("could not locate measure following scoreDef")
}

func applicableScoreDef(entries []scoreDefEntry, idx int) *etree.Element {
	var best *scoreDefEntry
	for i := range entries {
		e := &entries[i]
		if e.Pos <= idx && (best == nil || e.Pos > best.Pos) {
			best = e
		}
	}
	if best == nil {
		return nil
	}
	return best.El
}

// prune removes every element under root that neither is a kept
// "measure", is in alwaysKept, nor has a descendant that is. It
// implements spec.md §4.4 steps 3 and 5 (gap removal and
// peers-before/after removal) as a single recursive pass, since both
// reduce to the same rule.
func prune(root *etree.Element, kept map[*etree.Element]bool) bool {
	if alwaysKept[root.Tag] {
		return true
	}
	if root.Tag == "measure" {
		return kept[root]
	}
	kids := append([]*etree.Element(nil), root.ChildElements()...)
	keepSelf := false
	for _, c := range kids {
		if prune(c, kept) {
			keepSelf = true
		} else {
			meitree.Remove(c)
		}
	}
	return keepSelf
}

// processRange performs the per-contiguous-range algorithm of spec.md
// §4.4: on-staff beat selection, control-event filtering, and
// multi-measure spanner rewiring, for one Selection.
func processRange(tree *meitree.Tree, info *docinfo.Info, measures []*etree.Element, sel expr.Selection, opts expr.Completeness, isAbsoluteLast bool) error {
	rangeStart := sel.Measures[0].Index
	rangeEnd := sel.Measures[len(sel.Measures)-1].Index

	spannerTable, err := spanner.Build(tree, measures, rangeStart-1, rangeEnd-1)
	if err != nil {
		return err
	}

	for i, ms := range sel.Measures {
		measureEl := measures[ms.Index-1]

		meterKey, ok := docinfo.ClosestKeyAtOrBefore(info.Beats, ms.Index-1)
		if !ok {
			return meierr.Malformedf("no meter applies at measure %d", ms.Index)
		}
		meter := info.Beats[meterKey]

		isFirstM := i == 0
		isLastM := i == len(sel.Measures)-1
		isAbsoluteTail := isAbsoluteLast && isLastM

		selectedStaves := map[int]*expr.StaffSelection{}
		for idx := range ms.Staves {
			selectedStaves[ms.Staves[idx].Number] = &ms.Staves[idx]
		}

		staffChildren := directChildrenByTag(measureEl, "staff")
		for pos, staffEl := range staffChildren {
			num, _ := staffNumber(staffEl, pos)
			if sel, ok := selectedStaves[num]; ok {
				if err := selectOnStaff(staffEl, sel, meter, opts, isFirstM, isLastM, isAbsoluteTail); err != nil {
					return err
				}
			} else {
				meitree.Remove(staffEl)
			}
		}

		if err := filterAroundEvents(tree, measureEl, selectedStaves); err != nil {
			return err
		}

		if isFirstM {
			rangeLength := len(sel.Measures)
			if err := rewireSpanners(tree, measureEl, ms, spannerTable, opts, rangeLength); err != nil {
				return err
			}
		}
	}

	return nil
}

func directChildrenByTag(el *etree.Element, tag string) []*etree.Element {
	var out []*etree.Element
	for _, c := range el.ChildElements() {
		if c.Tag == tag {
			out = append(out, c)
		}
	}
	return out
}

// staffNumber resolves a <staff> element's number: its @n attribute if
// present, else its 0-based position among <staff> siblings (spec.md
// §4.4c and §9's documented-risk fallback).
func staffNumber(staffEl *etree.Element, pos int) (int, bool) {
	if v, ok := meitree.Attr(staffEl, "n"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n, true
		}
	}
	return pos, false
}

// beatLen computes an element's beat length: unit/dur plus the
// dotted-duration series, per spec.md §4.4's on-staff beat selection.
func beatLen(el *etree.Element, unit int) (float64, bool, error) {
	durAttr, ok := meitree.Attr(el, "dur")
	if !ok {
		return 0, false, nil
	}
	dur, err := strconv.Atoi(durAttr)
	if err != nil || dur == 0 {
		return 0, false, meierr.Malformedf("element has non-numeric @dur %q", durAttr)
	}
	dots := 0
	if v, ok := meitree.Attr(el, "dots"); ok {
		dots, _ = strconv.Atoi(v)
	} else {
		dots = len(directChildrenByTag(el, "dot"))
	}
	l := float64(unit) / float64(dur)
	total := l
	for k := 1; k <= dots; k++ {
		total += float64(unit) / (float64(dur) * pow2(k))
	}
	return total, true, nil
}

func pow2(k int) float64 {
	v := 1.0
	for i := 0; i < k; i++ {
		v *= 2
	}
	return v
}

// selectOnStaff walks staffEl's layers in document order, classifying
// each dur-bearing element as selected, space, or removal, and commits
// the result (spec.md §4.4's "On-staff beat selection").
func selectOnStaff(staffEl *etree.Element, sel *expr.StaffSelection, meter docinfo.Meter, opts expr.Completeness, isFirstM, isLastM, isAbsoluteTail bool) error {
	for _, br := range sel.BeatRanges {
		if br.First > float64(meter.Count) || br.Last > float64(meter.Count) {
			return meierr.BadRequestf("beat %.2f exceeds meter count %d", br.Last, meter.Count)
		}
	}

	for _, layer := range meitree.DescendantsByTag(staffEl, "layer") {
		curBeat := 0.0
		elems := durBearingDescendants(layer)
		for idx, el := range elems {
			length, ok, err := beatLen(el, meter.Unit)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}

			state, matchedLast := classifyBeat(curBeat, length, sel.BeatRanges)
			switch state {
			case stateSelected:
				if opts.Cut && matchedLast {
					cutToUnit(el, meter.Unit)
				}
			case stateRemoval:
				isLastElement := idx == len(elems)-1
				if isAbsoluteTail && isLastM && isLastElement {
					meitree.Remove(el)
				} else {
					toSpace(el, opts)
				}
			}
			curBeat += length
		}
	}
	return nil
}

func durBearingDescendants(layer *etree.Element) []*etree.Element {
	var out []*etree.Element
	var walk func(el *etree.Element)
	walk = func(el *etree.Element) {
		for _, c := range el.ChildElements() {
			if _, ok := meitree.Attr(c, "dur"); ok {
				out = append(out, c)
			}
			walk(c)
		}
	}
	walk(layer)
	return out
}

type beatState int

const (
	stateSelected beatState = iota
	stateRemoval
)

// classifyBeat decides a dur-bearing element's fate given its current
// beat offset and length, per spec.md §4.4. matchedLast reports whether
// this is the cut point for its beat range (the element whose span
// exceeds last).
func classifyBeat(curBeat, length float64, ranges []expr.BeatRange) (beatState, bool) {
	for _, br := range ranges {
		if curBeat+length >= br.First && curBeat < br.Last {
			exceeds := curBeat+length > br.Last
			return stateSelected, exceeds
		}
	}
	for _, br := range ranges {
		if curBeat >= br.Last {
			return stateRemoval, false
		}
	}
	return stateRemoval, false
}

func cutToUnit(el *etree.Element, unit int) {
	meitree.SetAttr(el, "dur", strconv.Itoa(unit))
	el.RemoveAttr("dots")
	for _, d := range directChildrenByTag(el, "dot") {
		meitree.Remove(d)
	}
}

func toSpace(el *etree.Element, opts expr.Completeness) {
	if opts.NoSpace {
		meitree.Remove(el)
		return
	}
	space := etree.NewElement("space")
	if v, ok := meitree.Attr(el, "dur"); ok {
		meitree.SetAttr(space, "dur", v)
	}
	if v, ok := meitree.Attr(el, "dots"); ok {
		meitree.SetAttr(space, "dots", v)
	}
	meitree.ReplaceInPlace(el, space)
}

// filterAroundEvents applies spec.md §4.4's "Control events" rules to
// every non-staff child of measureEl that names a selected staff.
func filterAroundEvents(tree *meitree.Tree, measureEl *etree.Element, selectedStaves map[int]*expr.StaffSelection) error {
	for _, el := range measureEl.ChildElements() {
		if el.Tag == "staff" || el.Tag == "scoreDef" {
			continue
		}
		staffAttr, ok := meitree.Attr(el, "staff")
		if !ok {
			continue
		}
		matching := matchingSelections(staffAttr, selectedStaves)
		if len(matching) == 0 {
			continue
		}
		keep, err := keepControlEvent(tree, el, matching)
		if err != nil {
			return err
		}
		if !keep {
			meitree.Remove(el)
		}
	}
	return nil
}

func matchingSelections(staffAttr string, selectedStaves map[int]*expr.StaffSelection) []*expr.StaffSelection {
	var out []*expr.StaffSelection
	for _, tok := range strings.Fields(staffAttr) {
		n, err := strconv.Atoi(tok)
		if err != nil {
			continue
		}
		if s, ok := selectedStaves[n]; ok {
			out = append(out, s)
		}
	}
	return out
}

func keepControlEvent(tree *meitree.Tree, el *etree.Element, matching []*expr.StaffSelection) (bool, error) {
	tsAttr, hasTs := meitree.Attr(el, "tstamp")
	ts2Attr, hasTs2 := meitree.Attr(el, "tstamp2")

	if hasTs && hasTs2 && !isMultiMeasure(ts2Attr) {
		ts, err1 := strconv.ParseFloat(tsAttr, 64)
		ts2, err2 := strconv.ParseFloat(ts2Attr, 64)
		if err1 != nil || err2 != nil {
			return false, meierr.Malformedf("control event has non-numeric tstamp/tstamp2")
		}
		for _, sel := range matching {
			for _, br := range sel.BeatRanges {
				if ts2 >= br.First && ts <= br.Last {
					return true, nil
				}
			}
		}
		return false, nil
	}

	if hasTs2 && isMultiMeasure(ts2Attr) {
		return true, nil
	}

	if hasTs {
		ts, err := strconv.ParseFloat(tsAttr, 64)
		if err != nil {
			return false, meierr.Malformedf("control event has non-numeric tstamp")
		}
		for _, sel := range matching {
			for _, br := range sel.BeatRanges {
				if ts >= br.First && ts <= br.Last {
					return true, nil
				}
			}
		}
		return false, nil
	}

	if startidAttr, ok := meitree.Attr(el, "startid"); ok {
		startTarget, found := tree.ByID(startidAttr)
		if !found {
			return false, meierr.UnsupportedEncodingf("startid %q does not resolve", startidAttr)
		}
		eventMeasure := meitree.Ancestor(el, "measure")
		startMeasure := meitree.Ancestor(startTarget, "measure")
		if eventMeasure == nil || startMeasure != eventMeasure {
			return false, meierr.UnsupportedEncodingf("startid target is not in the same measure as its control event")
		}

		if endidAttr, ok := meitree.Attr(el, "endid"); ok {
			if endTarget, found := tree.ByID(endidAttr); found {
				if endMeasure := meitree.Ancestor(endTarget, "measure"); endMeasure != eventMeasure {
					// Forward-spanning: this event's destination is in a
					// later measure, handled at that measure by the
					// SpannerTable/rewireSpanners mechanism. Here we only
					// decide whether its own origin beat survived.
					return elementSurvived(startTarget), nil
				}
				return elementSurvived(startTarget) || elementSurvived(endTarget), nil
			}
		}
		return elementSurvived(startTarget), nil
	}

	return false, nil
}

func isMultiMeasure(ts2 string) bool {
	return tstamp2MultiMeasure.MatchString(ts2)
}

// elementSurvived reports whether el is still attached to a <staff>
// subtree (i.e. it wasn't converted to <space> or removed).
func elementSurvived(el *etree.Element) bool {
	if el == nil {
		return false
	}
	return el.Parent() != nil && el.Tag != "space"
}

// rewireSpanners re-anchors the multi-measure control events that land
// in measureEl (the first measure of a preserved range) but originated
// before it, per spec.md §4.3-§4.4. Their endid target is already inside
// measureEl by construction of the SpannerTable, so only the start side
// always needs rewriting: startid/tstamp move to the window's own
// beginning. How the spanner's end is adjusted depends on opts.Cut: cut
// mode rewrites Xm+B to range_length-1 and moves a set @endid to the
// last surviving note; otherwise X is reduced by the entry's distance.
func rewireSpanners(tree *meitree.Tree, measureEl *etree.Element, ms expr.MeasureSelection, table *spanner.Table, opts expr.Completeness, rangeLength int) error {
	entries := table.ForMeasure(measureEl)
	if len(entries) == 0 || len(ms.Staves) == 0 {
		return nil
	}
	firstStaff := ms.Staves[0]
	if len(firstStaff.BeatRanges) == 0 {
		return nil
	}
	firstBeat := firstStaff.BeatRanges[0].First

	for _, entry := range entries {
		if entry.Distance <= 0 {
			continue
		}
		meitree.SetAttr(entry.Element, "tstamp", formatBeatValue(firstBeat))
		target, _ := findFirstSurvivingNote(measureEl, firstStaff.Number)
		if target == nil {
			return meierr.UnsupportedEncodingf("no surviving note on staff %d to re-anchor spanner %q", firstStaff.Number, tree.ID(entry.Element))
		}
		meitree.SetAttr(entry.Element, "startid", "#"+tree.ID(target))

		if opts.Cut {
			if entry.Tstamp2 != "" {
				if m := tstamp2MultiMeasure.FindStringSubmatch(entry.Tstamp2); m != nil {
					newX := rangeLength - 1
					rest := entry.Tstamp2[len(m[0]):]
					meitree.SetAttr(entry.Element, "tstamp2", strconv.Itoa(newX)+"m+"+rest)
				}
			}
			if entry.EndID != "" {
				if target, err := findLastSurvivingNote(measureEl, firstStaff.Number); err == nil && target != nil {
					meitree.SetAttr(entry.Element, "endid", "#"+tree.ID(target))
				}
			}
		} else if entry.Tstamp2 != "" {
			if m := tstamp2MultiMeasure.FindStringSubmatch(entry.Tstamp2); m != nil {
				oldX, _ := strconv.Atoi(m[1])
				newX := oldX - entry.Distance
				rest := entry.Tstamp2[len(m[0]):]
				meitree.SetAttr(entry.Element, "tstamp2", strconv.Itoa(newX)+"m+"+rest)
			}
		}

		meitree.MoveTo(entry.Element, measureEl)
	}
	return nil
}

// findFirstSurvivingNote locates the first dur-bearing element still
// attached under the named staff of measureEl, in document order.
func findFirstSurvivingNote(measureEl *etree.Element, staffNum int) (*etree.Element, error) {
	for pos, staffEl := range directChildrenByTag(measureEl, "staff") {
		num, _ := staffNumber(staffEl, pos)
		if num != staffNum {
			continue
		}
		for _, layer := range meitree.DescendantsByTag(staffEl, "layer") {
			for _, el := range durBearingDescendants(layer) {
				if el.Parent() != nil {
					return el, nil
				}
			}
		}
	}
	return nil, nil
}

// findLastSurvivingNote locates the last dur-bearing element still
// attached under the named staff of measureEl, in document order.
func findLastSurvivingNote(measureEl *etree.Element, staffNum int) (*etree.Element, error) {
	var last *etree.Element
	for pos, staffEl := range directChildrenByTag(measureEl, "staff") {
		num, _ := staffNumber(staffEl, pos)
		if num != staffNum {
			continue
		}
		for _, layer := range meitree.DescendantsByTag(staffEl, "layer") {
			for _, el := range durBearingDescendants(layer) {
				if el.Parent() != nil {
					last = el
				}
			}
		}
	}
	return last, nil
}

func formatBeatValue(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	return s
}
