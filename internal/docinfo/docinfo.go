// Package docinfo computes the facts the expression parser needs from an
// MEI document: measure count and labels, and the ordered staff/meter
// layout maps. See spec.md §3-§4.1.
package docinfo

import (
	"sort"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/emaaddr/ema/internal/meierr"
	"github.com/emaaddr/ema/internal/meitree"
)

// Meter is a {count, unit} pair, e.g. 4/4 = {4, 4}.
type Meter struct {
	Count int `json:"count"`
	Unit  int `json:"unit"`
}

// Info is the complete set of facts DocInfo derives from one document.
// Staves and Beats are keyed by a stringified measure index; the
// smallest key in each must be "0" (spec.md §3's invariant) because it
// asserts there's an initial layout/meter before the first measure.
type Info struct {
	MeasureCount  int              `json:"measures"`
	MeasureLabels []string         `json:"measure_labels"`
	Staves        map[string][]string `json:"staves"`
	Beats         map[string]Meter `json:"beats"`
}

// Compute walks tree once and derives Info, per spec.md §4.1.
func Compute(tree *meitree.Tree) (*Info, error) {
	music, err := tree.MusicElement()
	if err != nil {
		return nil, err
	}

	measures := meitree.DescendantsByTag(music, "measure")

	info := &Info{
		MeasureCount:  len(measures),
		MeasureLabels: make([]string, len(measures)),
		Staves:        map[string][]string{},
		Beats:         map[string]Meter{},
	}
	for i, m := range measures {
		if n, ok := meitree.Attr(m, "n"); ok {
			info.MeasureLabels[i] = n
		}
	}

	scoreDefs := meitree.DescendantsByTag(music, "scoreDef")
	for _, sd := range scoreDefs {
		mPos, err := measurePositionAfter(tree, sd, measures)
		if err != nil {
			return nil, err
		}
		key := strconv.Itoa(mPos)

		if meter, ok, err := scoreDefMeter(sd); err != nil {
			return nil, err
		} else if ok {
			info.Beats[key] = meter
		}

		if labels, ok := scoreDefStaffLabels(sd); ok {
			info.Staves[key] = labels
		}
	}

	if len(measures) > 0 {
		if _, ok := info.Beats["0"]; !ok {
			return nil, meierr.Malformedf("document has no initial meter (scoreDef at measure 0)")
		}
		if _, ok := info.Staves["0"]; !ok {
			return nil, meierr.Malformedf("document has no initial staff layout (scoreDef at measure 0)")
		}
	}

	return info, nil
}

// measurePositionAfter finds the 0-based index of the nearest measure at
// or following sd in document order, recursing through intervening
// non-measure siblings the way spec.md §4.1 describes.
func measurePositionAfter(tree *meitree.Tree, sd *etree.Element, measures []*etree.Element) (int, error) {
	byID := func(m *etree.Element) int {
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
			if idx := byID(el); idx >= 0 {
				return idx, true
			}
		}
		desc := meitree.DescendantsByTag(el, "measure")
		if len(desc) > 0 {
			if idx := byID(desc[0]); idx >= 0 {
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

func scoreDefMeter(sd *etree.Element) (Meter, bool, error) {
	if countAttr, ok := meitree.Attr(sd, "meter.count"); ok {
		unitAttr, unitOK := meitree.Attr(sd, "meter.unit")
		if !unitOK {
			return Meter{}, false, nil
		}
		count, err1 := strconv.Atoi(countAttr)
		unit, err2 := strconv.Atoi(unitAttr)
		if err1 != nil || err2 != nil {
			return Meter{}, false, meierr.Malformedf("scoreDef has non-numeric meter.count/meter.unit")
		}
		return Meter{Count: count, Unit: unit}, true, nil
	}

	sigs := meitree.DescendantsByTag(sd, "meterSig")
	if len(sigs) == 0 {
		return Meter{}, false, nil
	}
	if len(sigs) > 1 {
		return Meter{}, false, meierr.UnsupportedEncodingf("mixed meter (multiple meterSig siblings) is not supported")
	}
	countAttr, okC := meitree.Attr(sigs[0], "count")
	unitAttr, okU := meitree.Attr(sigs[0], "unit")
	if !okC || !okU {
		return Meter{}, false, meierr.Malformedf("meterSig is missing count/unit")
	}
	count, err1 := strconv.Atoi(countAttr)
	unit, err2 := strconv.Atoi(unitAttr)
	if err1 != nil || err2 != nil {
		return Meter{}, false, meierr.Malformedf("meterSig has non-numeric count/unit")
	}
	return Meter{Count: count, Unit: unit}, true, nil
}

func scoreDefStaffLabels(sd *etree.Element) ([]string, bool) {
	if len(meitree.DescendantsByTag(sd, "staffGrp")) == 0 {
		return nil, false
	}
	defs := meitree.DescendantsByTag(sd, "staffDef")
	labels := make([]string, len(defs))
	for i, sdDef := range defs {
		labels[i] = staffDefLabel(sdDef)
	}
	return labels, true
}

func staffDefLabel(el *etree.Element) string {
	if v, ok := meitree.Attr(el, "label"); ok && v != "" {
		return v
	}
	labelChildren := el.SelectElements("label")
	if len(labelChildren) > 0 {
		var parts []string
		for _, lc := range labelChildren {
			text := strings.TrimSpace(normalizeSpace(lc.Text()))
			if text != "" {
				parts = append(parts, text)
			}
		}
		if joined := strings.Join(parts, " "); joined != "" {
			return joined
		}
	}
	if v, ok := meitree.Attr(el, "label.abbr"); ok {
		return v
	}
	return ""
}

func normalizeSpace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// SortedKeys returns m's keys sorted by integer value, as spec.md §3
// requires when consuming a "starting at measure k" map.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, _ := strconv.Atoi(keys[i])
		b, _ := strconv.Atoi(keys[j])
		return a < b
	})
	return keys
}

// ClosestKeyAtOrBefore returns the key in m (stringified ints) closest to
// but not greater than measureIdx, implementing the "starting at measure
// k, this layout applies" lookup spec.md §3 and §4.2 both rely on.
func ClosestKeyAtOrBefore[V any](m map[string]V, measureIdx int) (string, bool) {
	best := ""
	bestVal := -1
	found := false
	for k := range m {
		v, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		if v <= measureIdx && v > bestVal {
			bestVal = v
			best = k
			found = true
		}
	}
	return best, found
}
