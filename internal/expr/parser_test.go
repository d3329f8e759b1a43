package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emaaddr/ema/internal/docinfo"
)

func fourMeasureInfo() *docinfo.Info {
	return &docinfo.Info{
		MeasureCount: 4,
		Staves:       map[string][]string{"0": {"Violin", "Viola"}},
		Beats:        map[string]docinfo.Meter{"0": {Count: 4, Unit: 4}},
	}
}

func TestParseSingleMeasureAllStavesAllBeats(t *testing.T) {
	r, err := Parse(fourMeasureInfo(), "2", "all", "@all")
	require.NoError(t, err)
	require.Len(t, r.Selections, 1)
	require.Len(t, r.Selections[0].Measures, 1)

	ms := r.Selections[0].Measures[0]
	assert.Equal(t, 2, ms.Index)
	require.Len(t, ms.Staves, 2)
	assert.Equal(t, 1, ms.Staves[0].Number)
	assert.Equal(t, []BeatRange{{First: 1, Last: 4}}, ms.Staves[0].BeatRanges)
}

func TestParseKeywordsStartEnd(t *testing.T) {
	r, err := Parse(fourMeasureInfo(), "start-end", "all", "@all")
	require.NoError(t, err)
	require.Len(t, r.Selections[0].Measures, 4)
	assert.Equal(t, 1, r.Selections[0].Measures[0].Index)
	assert.Equal(t, 4, r.Selections[0].Measures[3].Index)
}

func TestParseMeasureOutOfBounds(t *testing.T) {
	_, err := Parse(fourMeasureInfo(), "5", "all", "@all")
	assert.Error(t, err)
}

func TestParseStaffCountMismatch(t *testing.T) {
	_, err := Parse(fourMeasureInfo(), "1,2", "1,1,1", "@all")
	assert.Error(t, err)
}

func TestParseBeatOutOfMeter(t *testing.T) {
	_, err := Parse(fourMeasureInfo(), "1", "all", "@1-5")
	assert.Error(t, err)
}

func TestParseMergesDuplicateStaffBeatRanges(t *testing.T) {
	r, err := Parse(fourMeasureInfo(), "1", "1+1", "@1-2+@3-4")
	require.NoError(t, err)
	require.Len(t, r.Selections[0].Measures[0].Staves, 1)
	assert.Equal(t,
		[]BeatRange{{First: 1, Last: 2}, {First: 3, Last: 4}},
		r.Selections[0].Measures[0].Staves[0].BeatRanges)
}

func TestParseCompletenessFlags(t *testing.T) {
	c, err := ParseCompleteness("raw,signature")
	require.NoError(t, err)
	assert.True(t, c.Raw)
	assert.True(t, c.Signature)
	assert.False(t, c.Cut)
	assert.False(t, c.NoSpace)

	empty, err := ParseCompleteness("")
	require.NoError(t, err)
	assert.Equal(t, Completeness{}, empty)
}
