package meierr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"bad request", BadRequestf("bad"), 400},
		{"out of bounds", OutOfBoundsf("oob"), 400},
		{"malformed", Malformedf("malformed"), 500},
		{"unsupported encoding", UnsupportedEncodingf("unsupported"), 500},
		{"unrelated error", errors.New("boom"), 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusCode(tt.err))
		})
	}
}

func TestErrorsIs(t *testing.T) {
	err := BadRequestf("measures out of range: %d", 5)
	assert.True(t, errors.Is(err, ErrBadRequest))
	assert.False(t, errors.Is(err, ErrMalformedMei))
}

func TestWrappedStatusCode(t *testing.T) {
	wrapped := errors.New("context: " + BadRequestf("bad").Error())
	// A plain wrapped string loses the sentinel, so it falls back to 500;
	// a real wrap (errors.Join here) preserves it.
	assert.Equal(t, 500, StatusCode(wrapped))

	realWrap := errors.Join(BadRequestf("bad"))
	assert.Equal(t, 400, StatusCode(realWrap))
}
