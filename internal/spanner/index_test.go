package spanner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emaaddr/ema/internal/meitree"
)

const slurMEI = `<?xml version="1.0" encoding="UTF-8"?>
<mei xmlns="http://www.music-encoding.org/ns/mei">
  <music><body><mdiv><score>
    <scoreDef meter.count="4" meter.unit="4"/>
    <section>
      <measure n="1">
        <staff n="1"><layer>
          <note xml:id="n1" dur="4"/>
          <slur startid="#n1" endid="#n2"/>
        </layer></staff>
      </measure>
      <measure n="2">
        <staff n="1"><layer><note xml:id="n2" dur="4"/></layer></staff>
      </measure>
      <measure n="3">
        <staff n="1"><layer>
          <note xml:id="n3" dur="4"/>
          <dir tstamp="1" tstamp2="1m+2"/>
        </layer></staff>
      </measure>
      <measure n="4">
        <staff n="1"><layer><note dur="4"/></layer></staff>
      </measure>
    </section>
  </score></mdiv></body></music>
</mei>`

func TestBuildFindsEndidSpanner(t *testing.T) {
	tree, err := meitree.Load([]byte(slurMEI))
	require.NoError(t, err)
	music, err := tree.MusicElement()
	require.NoError(t, err)
	measures := meitree.DescendantsByTag(music, "measure")

	table, err := Build(tree, measures, 1, 1)
	require.NoError(t, err)

	entries := table.ForMeasure(measures[1])
	require.Len(t, entries, 1)
	assert.Equal(t, "n2", entries[0].EndID)
	assert.Equal(t, "n1", entries[0].StartID)
	assert.Equal(t, 1, entries[0].Distance)
}

func TestBuildFindsMultiMeasureTstamp2(t *testing.T) {
	tree, err := meitree.Load([]byte(slurMEI))
	require.NoError(t, err)
	music, err := tree.MusicElement()
	require.NoError(t, err)
	measures := meitree.DescendantsByTag(music, "measure")

	table, err := Build(tree, measures, 2, 3)
	require.NoError(t, err)

	entries := table.ForMeasure(measures[3])
	require.Len(t, entries, 1)
	assert.Equal(t, "1", entries[0].Tstamp)
	assert.Equal(t, "1m+2", entries[0].Tstamp2)
}
