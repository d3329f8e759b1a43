package docinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emaaddr/ema/internal/meitree"
)

const twoMeasureMEI = `<?xml version="1.0" encoding="UTF-8"?>
<mei xmlns="http://www.music-encoding.org/ns/mei">
  <music>
    <body><mdiv><score>
      <scoreDef meter.count="3" meter.unit="4">
        <staffGrp>
          <staffDef n="1" label="Violin"/>
          <staffDef n="2" label="Viola"/>
        </staffGrp>
      </scoreDef>
      <section>
        <measure n="1"><staff n="1"><layer/></staff><staff n="2"><layer/></staff></measure>
        <scoreDef meter.count="4" meter.unit="4"/>
        <measure n="2"><staff n="1"><layer/></staff><staff n="2"><layer/></staff></measure>
      </section>
    </score></mdiv></body>
  </music>
</mei>`

func TestComputeBasic(t *testing.T) {
	tree, err := meitree.Load([]byte(twoMeasureMEI))
	require.NoError(t, err)

	info, err := Compute(tree)
	require.NoError(t, err)

	assert.Equal(t, 2, info.MeasureCount)
	assert.Equal(t, Meter{Count: 3, Unit: 4}, info.Beats["0"])
	assert.Equal(t, Meter{Count: 4, Unit: 4}, info.Beats["1"])
	assert.Equal(t, []string{"Violin", "Viola"}, info.Staves["0"])
}

func TestMissingInitialMeterIsMalformed(t *testing.T) {
	const noInitialMeter = `<mei xmlns="http://www.music-encoding.org/ns/mei">
    <music><body><mdiv><score>
      <section><measure n="1"><staff n="1"><layer/></staff></measure></section>
    </score></mdiv></body></music>
  </mei>`

	tree, err := meitree.Load([]byte(noInitialMeter))
	require.NoError(t, err)

	_, err = Compute(tree)
	assert.Error(t, err)
}

func TestClosestKeyAtOrBefore(t *testing.T) {
	m := map[string]Meter{"0": {4, 4}, "5": {3, 4}, "10": {6, 8}}

	k, ok := ClosestKeyAtOrBefore(m, 0)
	require.True(t, ok)
	assert.Equal(t, "0", k)

	k, ok = ClosestKeyAtOrBefore(m, 7)
	require.True(t, ok)
	assert.Equal(t, "5", k)

	k, ok = ClosestKeyAtOrBefore(m, 10)
	require.True(t, ok)
	assert.Equal(t, "10", k)
}

func TestSortedKeys(t *testing.T) {
	m := map[string]Meter{"10": {}, "0": {}, "2": {}}
	assert.Equal(t, []string{"0", "2", "10"}, SortedKeys(m))
}
