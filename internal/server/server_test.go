package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emaaddr/ema/internal/cache"
	"github.com/emaaddr/ema/internal/fetch"
)

const twoMeasureMEI = `<?xml version="1.0" encoding="UTF-8"?>
<mei xmlns="http://www.music-encoding.org/ns/mei">
  <music><body><mdiv><score>
    <scoreDef meter.count="4" meter.unit="4">
      <staffGrp><staffDef n="1" label="Violin"/></staffGrp>
    </scoreDef>
    <section>
      <measure n="1"><staff n="1"><layer><note dur="4"/><note dur="4"/></layer></staff></measure>
      <measure n="2"><staff n="1"><layer><note dur="4"/><note dur="4"/></layer></staff></measure>
    </section>
  </score></mdiv></body></music>
</mei>`

func newTestServer(t *testing.T, meipath string) *Server {
	t.Helper()
	c, err := cache.New(t.TempDir())
	require.NoError(t, err)
	c.Put(meipath, []byte(twoMeasureMEI))
	return New(fetch.NewClient(time.Second), c)
}

func TestHandleAddressAllAllAtAllPassesThroughByteIdentical(t *testing.T) {
	s := newTestServer(t, "local/doc.mei")
	req := httptest.NewRequest(http.MethodGet, "/local/doc.mei/all/all/@all", nil)
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, twoMeasureMEI, w.Body.String())
}

func TestHandleAddressSlicesByMeasure(t *testing.T) {
	s := newTestServer(t, "local/doc.mei")
	req := httptest.NewRequest(http.MethodGet, "/local/doc.mei/1/all/@all", nil)
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `n="1"`)
	assert.NotContains(t, w.Body.String(), `measure n="2"`)
}

func TestHandleAddressCompileReturnsCanonicalExpression(t *testing.T) {
	s := newTestServer(t, "local/doc.mei")
	req := httptest.NewRequest(http.MethodGet, "/local/doc.mei/1/1/@1-1/compile", nil)
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/plain", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Body.String())
}

func TestHandleInfoReturnsJSON(t *testing.T) {
	s := newTestServer(t, "local/doc.mei")
	req := httptest.NewRequest(http.MethodGet, "/local/doc.mei/info.json", nil)
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), `"measures":2`)
	assert.Contains(t, w.Body.String(), `"completeness":["raw","signature","nospace","cut"]`)
}

func TestHandleAddressTooFewSegmentsIsBadRequest(t *testing.T) {
	s := newTestServer(t, "local/doc.mei")
	req := httptest.NewRequest(http.MethodGet, "/local/doc.mei/all", nil)
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleAddressOutOfBoundsMeasureIsBadRequest(t *testing.T) {
	s := newTestServer(t, "local/doc.mei")
	req := httptest.NewRequest(http.MethodGet, "/local/doc.mei/99/all/@all", nil)
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
