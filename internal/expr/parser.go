// Package expr parses EMA (Expression for Music Addressing) measures,
// staves, and beats strings into Selection objects, per spec.md §4.2.
package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/emaaddr/ema/internal/docinfo"
	"github.com/emaaddr/ema/internal/meierr"
)

// BeatRange is a pair of beats, counted from 1.0, within a measure's
// current meter. First is always <= Last.
type BeatRange struct {
	First float64
	Last  float64
}

// StaffSelection is one staff number and the (possibly several,
// possibly disjoint) beat ranges requested on it.
type StaffSelection struct {
	Number     int
	BeatRanges []BeatRange
}

// MeasureSelection is one 1-based measure index and the staves selected
// within it.
type MeasureSelection struct {
	Index  int
	Staves []StaffSelection
}

// Selection is one contiguous run of measures. An expression naming
// non-contiguous measure groups (e.g. "1-3,5-8") yields multiple
// Selections, never one Selection with a gap.
type Selection struct {
	Measures []MeasureSelection
}

// Completeness is the subset of {raw, signature, cut, nospace} requested
// for post-processing (spec.md §4.4).
type Completeness struct {
	Raw       bool
	Signature bool
	Cut       bool
	NoSpace   bool
}

// ParseCompleteness parses a comma-separated completeness string.
func ParseCompleteness(s string) (Completeness, error) {
	var c Completeness
	if s == "" {
		return c, nil
	}
	for _, tok := range strings.Split(s, ",") {
		switch strings.TrimSpace(tok) {
		case "raw":
			c.Raw = true
		case "signature":
			c.Signature = true
		case "cut":
			c.Cut = true
		case "nospace":
			c.NoSpace = true
		case "":
			// tolerate trailing commas
		default:
			return c, meierr.BadRequestf("unknown completeness option %q", tok)
		}
	}
	return c, nil
}

// Result is everything Parse derives from one measures/staves/beats
// request: the Selections plus the canonical compiled expression used as
// a stable identifier (spec.md §4.2 point 7).
type Result struct {
	Selections []Selection
	Compiled   string
}

// Parse consumes the raw measures/staves/beats strings against info and
// produces a Result, or one of BadRequest/OutOfBounds on a malformed or
// out-of-range expression.
func Parse(info *docinfo.Info, measuresStr, stavesStr, beatsStr string) (*Result, error) {
	measureRuns, err := parseMeasureRuns(info, measuresStr)
	if err != nil {
		return nil, err
	}

	merged := flatten(measureRuns)
	if len(merged) == 0 {
		return nil, meierr.BadRequestf("measures expression selects nothing")
	}
	for _, m := range merged {
		if m < 1 || m > info.MeasureCount {
			return nil, meierr.OutOfBoundsf("measure %d is out of bounds (document has %d measures)", m, info.MeasureCount)
		}
	}

	stavesByMeasure := strings.Split(stavesStr, ",")
	if len(stavesByMeasure) == 1 {
		stavesByMeasure = repeat(stavesByMeasure[0], len(merged))
	}
	beatsByMeasure := strings.Split(beatsStr, ",")
	if len(beatsByMeasure) == 1 {
		beatsByMeasure = repeat(beatsByMeasure[0], len(merged))
	}

	if len(stavesByMeasure) != len(merged) {
		return nil, meierr.BadRequestf("staves expression has %d groups, expected %d (one per selected measure)", len(stavesByMeasure), len(merged))
	}
	if len(beatsByMeasure) != len(merged) {
		return nil, meierr.BadRequestf("beats expression has %d groups, expected %d (one per selected measure)", len(beatsByMeasure), len(merged))
	}

	var selections []Selection
	var compiledParts []string
	cursor := 0
	for _, run := range measureRuns {
		sel := Selection{}
		var compiledStaves []string
		var compiledBeats []string

		firstMeasure := run[0]
		staffContextKey, staffOK := docinfo.ClosestKeyAtOrBefore(info.Staves, firstMeasure-1)
		if !staffOK {
			return nil, meierr.Malformedf("no staff layout applies at measure %d", firstMeasure)
		}
		staffCount := len(info.Staves[staffContextKey])

		for _, mIdx := range run {
			staffGroup := stavesByMeasure[cursor]
			beatGroup := beatsByMeasure[cursor]
			cursor++

			staffNums, err := parseStaffGroup(staffGroup, staffCount)
			if err != nil {
				return nil, err
			}

			beatContextKey, beatOK := docinfo.ClosestKeyAtOrBefore(info.Beats, mIdx-1)
			if !beatOK {
				return nil, meierr.Malformedf("no meter applies at measure %d", mIdx)
			}
			meter := info.Beats[beatContextKey]

			beatGroups, err := parseBeatGroup(beatGroup, meter.Count, len(staffNums))
			if err != nil {
				return nil, err
			}
			if len(beatGroups) != len(staffNums) {
				return nil, meierr.BadRequestf("measure %d: %d beat group(s) do not match %d requested staff/staves", mIdx, len(beatGroups), len(staffNums))
			}

			ms := MeasureSelection{Index: mIdx}
			byStaff := map[int]int{} // staff number -> index into ms.Staves
			for i, num := range staffNums {
				for _, br := range beatGroups[i] {
					if br.First > float64(meter.Count) || br.Last > float64(meter.Count) {
						return nil, meierr.BadRequestf("measure %d: beat %.2f exceeds meter count %d", mIdx, br.Last, meter.Count)
					}
				}
				if idx, ok := byStaff[num]; ok {
					ms.Staves[idx].BeatRanges = append(ms.Staves[idx].BeatRanges, beatGroups[i]...)
					continue
				}
				byStaff[num] = len(ms.Staves)
				ms.Staves = append(ms.Staves, StaffSelection{Number: num, BeatRanges: append([]BeatRange{}, beatGroups[i]...)})
			}
			sel.Measures = append(sel.Measures, ms)

			compiledStaves = append(compiledStaves, compileStaffGroup(staffNums))
			compiledBeats = append(compiledBeats, compileBeatGroup(beatGroups))
		}

		selections = append(selections, sel)
		compiledParts = append(compiledParts, fmt.Sprintf(
			"%s/%s/%s",
			compileMeasureRun(run),
			strings.Join(compiledStaves, ","),
			strings.Join(compiledBeats, ","),
		))
	}

	return &Result{Selections: selections, Compiled: strings.Join(compiledParts, ",")}, nil
}

// parseMeasureRuns resolves keywords in measuresStr, expands ranges, and
// groups the result into maximal contiguous runs — one run per
// eventual Selection.
func parseMeasureRuns(info *docinfo.Info, measuresStr string) ([][]int, error) {
	end := strconv.Itoa(info.MeasureCount)
	resolved := substituteKeywords(measuresStr, end, "1-"+end)

	var ranges [][2]int
	for _, group := range strings.Split(resolved, ",") {
		lo, hi, err := parseIntRange(group)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, [2]int{lo, hi})
	}

	var runs [][]int
	for _, r := range ranges {
		expanded := expandRange(r[0], r[1])
		if len(runs) > 0 {
			last := runs[len(runs)-1]
			if last[len(last)-1]+1 == r[0] {
				runs[len(runs)-1] = append(last, expanded...)
				continue
			}
		}
		runs = append(runs, expanded)
	}
	return runs, nil
}

func substituteKeywords(s, end, all string) string {
	s = strings.ReplaceAll(s, "start", "1")
	s = strings.ReplaceAll(s, "end", end)
	s = strings.ReplaceAll(s, "all", all)
	return s
}

func parseIntRange(group string) (int, int, error) {
	group = strings.TrimSpace(group)
	if group == "" {
		return 0, 0, meierr.BadRequestf("empty measure/staff range")
	}
	if idx := strings.IndexByte(group, '-'); idx >= 0 {
		lo, err1 := strconv.Atoi(group[:idx])
		hi, err2 := strconv.Atoi(group[idx+1:])
		if err1 != nil || err2 != nil {
			return 0, 0, meierr.BadRequestf("invalid range %q", group)
		}
		if lo > hi {
			return 0, 0, meierr.BadRequestf("invalid range %q: start exceeds end", group)
		}
		return lo, hi, nil
	}
	v, err := strconv.Atoi(group)
	if err != nil {
		return 0, 0, meierr.BadRequestf("invalid integer %q", group)
	}
	return v, v, nil
}

func expandRange(lo, hi int) []int {
	out := make([]int, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		out = append(out, i)
	}
	return out
}

func flatten(runs [][]int) []int {
	var out []int
	for _, r := range runs {
		out = append(out, r...)
	}
	return out
}

func repeat(s string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = s
	}
	return out
}

// parseStaffGroup parses one measure's staves expression ("1+3",
// "1-4", "all", ...) into the ordered list of requested staff numbers.
func parseStaffGroup(group string, staffCountAtContext int) ([]int, error) {
	end := strconv.Itoa(staffCountAtContext)
	resolved := substituteKeywords(group, end, "1-"+end)

	var nums []int
	for _, atom := range strings.Split(resolved, "+") {
		lo, hi, err := parseIntRange(atom)
		if err != nil {
			return nil, err
		}
		if lo < 1 || hi > staffCountAtContext {
			return nil, meierr.OutOfBoundsf("requested staff %d is out of bounds (%d staves defined)", hi, staffCountAtContext)
		}
		nums = append(nums, expandRange(lo, hi)...)
	}
	return nums, nil
}

// parseBeatGroup parses one measure's "@1-2+@3-4" beats expression into
// one BeatRange slice per "+"-separated segment. A single segment is
// replicated to match staffCount, per spec.md §4.2 point 4.
func parseBeatGroup(group string, meterCount int, staffCount int) ([][]BeatRange, error) {
	end := strconv.Itoa(meterCount)
	resolved := substituteKeywords(group, end, "1-"+end)

	segments := strings.Split(resolved, "+")
	if len(segments) == 1 && staffCount > 1 {
		segments = repeat(segments[0], staffCount)
	}

	out := make([][]BeatRange, 0, len(segments))
	for _, seg := range segments {
		seg = strings.TrimSpace(seg)
		if !strings.HasPrefix(seg, "@") {
			return nil, meierr.BadRequestf("beat segment %q must start with '@'", seg)
		}
		seg = seg[1:]
		br, err := parseBeatRange(seg)
		if err != nil {
			return nil, err
		}
		out = append(out, []BeatRange{br})
	}
	return out, nil
}

func parseBeatRange(s string) (BeatRange, error) {
	if idx := strings.IndexByte(s, '-'); idx >= 0 {
		first, err1 := strconv.ParseFloat(s[:idx], 64)
		last, err2 := strconv.ParseFloat(s[idx+1:], 64)
		if err1 != nil || err2 != nil {
			return BeatRange{}, meierr.BadRequestf("invalid beat range %q", s)
		}
		if first > last {
			return BeatRange{}, meierr.BadRequestf("invalid beat range %q: start exceeds end", s)
		}
		return BeatRange{First: first, Last: last}, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return BeatRange{}, meierr.BadRequestf("invalid beat %q", s)
	}
	return BeatRange{First: v, Last: v}, nil
}

func compileMeasureRun(run []int) string {
	if len(run) == 1 {
		return strconv.Itoa(run[0])
	}
	return fmt.Sprintf("%d-%d", run[0], run[len(run)-1])
}

func compileStaffGroup(nums []int) string {
	parts := make([]string, len(nums))
	for i, n := range nums {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, "+")
}

func compileBeatGroup(groups [][]BeatRange) string {
	parts := make([]string, len(groups))
	for i, brs := range groups {
		sub := make([]string, len(brs))
		for j, br := range brs {
			sub[j] = "@" + formatBeatRange(br)
		}
		parts[i] = strings.Join(sub, "+")
	}
	return strings.Join(parts, "+")
}

func formatBeatRange(br BeatRange) string {
	if br.First == br.Last {
		return formatFloat(br.First)
	}
	return formatFloat(br.First) + "-" + formatFloat(br.Last)
}

func formatFloat(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
