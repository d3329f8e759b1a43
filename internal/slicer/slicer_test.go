package slicer

import (
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emaaddr/ema/internal/docinfo"
	"github.com/emaaddr/ema/internal/expr"
	"github.com/emaaddr/ema/internal/meitree"
)

const fourMeasureMEI = `<?xml version="1.0" encoding="UTF-8"?>
<mei xmlns="http://www.music-encoding.org/ns/mei">
  <music><body><mdiv><score>
    <scoreDef meter.count="4" meter.unit="4">
      <staffGrp><staffDef n="1" label="Violin"/></staffGrp>
    </scoreDef>
    <section>
      <measure n="1"><staff n="1"><layer><note dur="4"/><note dur="4"/></layer></staff></measure>
      <measure n="2"><staff n="1"><layer><note xml:id="m2n1" dur="4"/><note xml:id="m2n2" dur="4"/></layer></staff></measure>
      <measure n="3"><staff n="1"><layer><note dur="4"/><note dur="4"/></layer></staff></measure>
      <measure n="4"><staff n="1"><layer><note dur="4"/><note dur="4"/></layer></staff></measure>
    </section>
  </score></mdiv></body></music>
</mei>`

func sliceExpr(t *testing.T, measures, staves, beats string) (*meitree.Tree, *docinfo.Info, *expr.Result) {
	t.Helper()
	tree, err := meitree.Load([]byte(fourMeasureMEI))
	require.NoError(t, err)
	info, err := docinfo.Compute(tree)
	require.NoError(t, err)
	result, err := expr.Parse(info, measures, staves, beats)
	require.NoError(t, err)
	return tree, info, result
}

func TestSliceSingleMeasureSingleBeatPrunesRestOfDocument(t *testing.T) {
	tree, info, result := sliceExpr(t, "2", "all", "@1-1")

	err := Slice(tree, info, result.Selections, expr.Completeness{})
	require.NoError(t, err)

	music, err := tree.MusicElement()
	require.NoError(t, err)
	measures := meitree.DescendantsByTag(music, "measure")
	require.Len(t, measures, 1)
	assert.Equal(t, "2", mustAttr(measures[0], "n"))

	notes := meitree.DescendantsByTag(measures[0], "note")
	require.Len(t, notes, 1)
	assert.Equal(t, "m2n1", tree.ID(notes[0]))

	scoreDefs := meitree.DescendantsByTag(music, "scoreDef")
	assert.Len(t, scoreDefs, 1, "the applicable scoreDef should be re-attached before the kept measure")
}

func TestSliceKeepsTwoDisjointRanges(t *testing.T) {
	tree, info, result := sliceExpr(t, "1,3", "all", "@all")

	err := Slice(tree, info, result.Selections, expr.Completeness{})
	require.NoError(t, err)

	music, err := tree.MusicElement()
	require.NoError(t, err)
	measures := meitree.DescendantsByTag(music, "measure")
	require.Len(t, measures, 2)
	assert.Equal(t, "1", mustAttr(measures[0], "n"))
	assert.Equal(t, "3", mustAttr(measures[1], "n"))
}

func mustAttr(el interface{ SelectAttrValue(string, string) string }, name string) string {
	return el.SelectAttrValue(name, "")
}

// cutRewireMEI has, in measure 1 (the origin, outside the "4-6" range
// used below), a multi-measure tstamp2 spanner and an endid spanner
// both landing on measure 4, the first measure of that range.
const cutRewireMEI = `<?xml version="1.0" encoding="UTF-8"?>
<mei xmlns="http://www.music-encoding.org/ns/mei">
  <music><body><mdiv><score>
    <scoreDef meter.count="4" meter.unit="4">
      <staffGrp><staffDef n="1" label="Violin"/></staffGrp>
    </scoreDef>
    <section>
      <measure n="1"><staff n="1"><layer>
        <note xml:id="n1" dur="4"/><note dur="4"/>
        <dir tstamp="1" tstamp2="3m+2"/>
        <slur startid="#n1" endid="#n4a"/>
      </layer></staff></measure>
      <measure n="2"><staff n="1"><layer><note dur="4"/><note dur="4"/></layer></staff></measure>
      <measure n="3"><staff n="1"><layer><note dur="4"/><note dur="4"/></layer></staff></measure>
      <measure n="4"><staff n="1"><layer><note xml:id="n4a" dur="4"/><note xml:id="n4b" dur="4"/></layer></staff></measure>
      <measure n="5"><staff n="1"><layer><note dur="4"/><note dur="4"/></layer></staff></measure>
      <measure n="6"><staff n="1"><layer><note dur="4"/><note dur="4"/></layer></staff></measure>
    </section>
  </score></mdiv></body></music>
</mei>`

func sliceCutRewireMEI(t *testing.T, opts expr.Completeness) *etree.Element {
	t.Helper()
	tree, err := meitree.Load([]byte(cutRewireMEI))
	require.NoError(t, err)
	info, err := docinfo.Compute(tree)
	require.NoError(t, err)
	result, err := expr.Parse(info, "4-6", "all", "@all")
	require.NoError(t, err)

	err = Slice(tree, info, result.Selections, opts)
	require.NoError(t, err)

	music, err := tree.MusicElement()
	require.NoError(t, err)
	measures := meitree.DescendantsByTag(music, "measure")
	require.Len(t, measures, 3)
	require.Equal(t, "4", mustAttr(measures[0], "n"))
	return measures[0]
}

func TestSliceCutModeRewritesSpannerEndPerRangeLength(t *testing.T) {
	firstMeasure := sliceCutRewireMEI(t, expr.Completeness{Cut: true})

	dirs := meitree.DescendantsByTag(firstMeasure, "dir")
	require.Len(t, dirs, 1)
	assert.Equal(t, "2m+2", mustAttr(dirs[0], "tstamp2"), "cut mode rewrites Xm+B to range_length-1")

	slurs := meitree.DescendantsByTag(firstMeasure, "slur")
	require.Len(t, slurs, 1)
	assert.Equal(t, "#n4b", mustAttr(slurs[0], "endid"), "cut mode moves a set endid to the last surviving note")
}

func TestSliceNonCutModeReducesSpannerXByDistance(t *testing.T) {
	firstMeasure := sliceCutRewireMEI(t, expr.Completeness{})

	dirs := meitree.DescendantsByTag(firstMeasure, "dir")
	require.Len(t, dirs, 1)
	assert.Equal(t, "0m+2", mustAttr(dirs[0], "tstamp2"), "non-cut mode reduces X by the entry's distance")

	slurs := meitree.DescendantsByTag(firstMeasure, "slur")
	require.Len(t, slurs, 1)
	assert.Equal(t, "#n4a", mustAttr(slurs[0], "endid"), "non-cut mode leaves a set endid untouched")
}
