package web

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogBuffer_JoinsPartialWrites(t *testing.T) {
	b := NewLogBuffer(10)
	_, _ = b.Write([]byte("compass "))
	_, _ = b.Write([]byte("fusing\r\nsecond"))

	lines, _ := b.Snapshot(10, "")
	assert.Equal(t, []string{"compass fusing"}, lines)

	_, _ = b.Write([]byte(" line\n\n"))
	lines, _ = b.Snapshot(10, "")
	assert.Equal(t, []string{"compass fusing", "second line"}, lines)
}

func TestLogBuffer_RingDropsOldest(t *testing.T) {
	b := NewLogBuffer(3)
	_, _ = b.Write([]byte("a\nb\nc\nd\ne\n"))

	lines, dropped := b.Snapshot(10, "")
	assert.Equal(t, []string{"c", "d", "e"}, lines)
	assert.Equal(t, uint64(2), dropped)

	lines, _ = b.Snapshot(2, "")
	assert.Equal(t, []string{"d", "e"}, lines)
}

func TestLogBuffer_Filter(t *testing.T) {
	b := NewLogBuffer(0)
	_, _ = b.Write([]byte("gps fix\ncompass idle\ngps lost\ncompass fusing\n"))

	lines, _ := b.Snapshot(1, "gps")
	assert.Equal(t, []string{"gps lost"}, lines)
	lines, _ = b.Snapshot(5, "nothing")
	assert.Empty(t, lines)
}
