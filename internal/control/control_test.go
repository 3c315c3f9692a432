package control

import (
	"bytes"
	"io"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromProposal(t *testing.T) {
	tests := []struct {
		name       string
		cols, rows float64
		want       ResizeMessage
		ok         bool
	}{
		{name: "standard terminal", cols: 80, rows: 24, want: ResizeMessage{Cols: 76, Rows: 24}, ok: true},
		{name: "narrow floors at one", cols: 3, rows: 10, want: ResizeMessage{Cols: 1, Rows: 10}, ok: true},
		{name: "exactly margin", cols: 4, rows: 2, want: ResizeMessage{Cols: 1, Rows: 2}, ok: true},
		{name: "single column", cols: 1, rows: 1, want: ResizeMessage{Cols: 1, Rows: 1}, ok: true},
		{name: "fractional truncates", cols: 100.7, rows: 30.2, want: ResizeMessage{Cols: 96, Rows: 30}, ok: true},
		{name: "nan cols", cols: math.NaN(), rows: 24},
		{name: "nan rows", cols: 80, rows: math.NaN()},
		{name: "infinite cols", cols: math.Inf(1), rows: 24},
		{name: "negative infinite rows", cols: 80, rows: math.Inf(-1)},
		{name: "zero cols", cols: 0, rows: 24},
		{name: "zero rows", cols: 80, rows: 0},
		{name: "negative", cols: -5, rows: 24},
		{name: "below one", cols: 0.5, rows: 24},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, wc, wr, ok := FromProposal(tt.cols, tt.rows, 4)
			assert.Equal(t, tt.ok, ok)
			if !tt.ok {
				assert.Zero(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, int(tt.cols), wc)
			assert.Equal(t, int(tt.rows), wr)
		})
	}
}

func TestMarshalText(t *testing.T) {
	b, err := ResizeMessage{Cols: 76, Rows: 24}.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "76x24\n", string(b))

	_, err = ResizeMessage{Cols: 0, Rows: 24}.MarshalText()
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestParse(t *testing.T) {
	m, err := Parse("120x40\n")
	require.NoError(t, err)
	assert.Equal(t, ResizeMessage{Cols: 120, Rows: 40}, m)

	for _, bad := range []string{"", "x", "80", "80x", "x24", "axb", "0x24", "80x-1", "70000x10"} {
		_, err := Parse(bad)
		assert.ErrorIs(t, err, ErrInvalidMessage, "line %q", bad)
	}
}

func TestWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Send(ResizeMessage{Cols: 76, Rows: 24}))
	require.NoError(t, w.Send(ResizeMessage{Cols: 1, Rows: 5}))
	assert.Equal(t, "76x24\n1x5\n", buf.String())
}

func TestReaderSkipsMalformedLines(t *testing.T) {
	r := NewReader(strings.NewReader("garbage\n80x24\n\n0x0\n100x30"))

	m, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, ResizeMessage{Cols: 80, Rows: 24}, m)

	m, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, ResizeMessage{Cols: 100, Rows: 30}, m)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}
