package process

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLineWriterSplitsAcrossWrites(t *testing.T) {
	var got []string
	w := NewLineWriter(func(s string) { got = append(got, s) })
	_, _ = w.Write([]byte("hel"))
	_, _ = w.Write([]byte("lo\nwor"))
	_, _ = w.Write([]byte("ld\r\n\n"))
	_, _ = w.Write([]byte("partial"))
	assert.Equal(t, []string{"hello", "world\r", ""}, got)
	_ = w.Close()
	assert.Equal(t, []string{"hello", "world\r", "", "partial"}, got)
}

func TestLineWriterChunksOverlongLines(t *testing.T) {
	var got []string
	w := NewLineWriter(func(s string) { got = append(got, s) })
	n, err := w.Write([]byte(strings.Repeat("x", maxLine+10)))
	assert.NoError(t, err)
	assert.Equal(t, maxLine+10, n)
	_ = w.Close()
	assert.Len(t, got, 1)
	assert.Len(t, got[0], maxLine+10)
}
