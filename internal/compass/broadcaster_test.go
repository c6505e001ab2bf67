package compass

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcaster_ReplaysLastToNewSubscriber(t *testing.T) {
	b := NewBroadcaster()
	b.Publish(Reading{HeadingDeg: 10})
	b.Publish(Reading{HeadingDeg: 20})

	id, ch := b.Subscribe(1)
	defer b.Unsubscribe(id)

	r := <-ch
	assert.Equal(t, 20.0, r.HeadingDeg)
}

func TestBroadcaster_DropsForSlowSubscriber(t *testing.T) {
	b := NewBroadcaster()
	id, ch := b.Subscribe(1)
	for i := 0; i < 10; i++ {
		b.Publish(Reading{HeadingDeg: float64(i)})
	}
	r := <-ch
	assert.Equal(t, 0.0, r.HeadingDeg)

	last, ok := b.Last()
	require.True(t, ok)
	assert.Equal(t, 9.0, last.HeadingDeg)

	b.Unsubscribe(id)
	b.Unsubscribe(id)
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, b.Subscribers())
}

func TestBroadcaster_Nil(t *testing.T) {
	var b *Broadcaster
	b.Publish(Reading{})
	_, ch := b.Subscribe(1)
	assert.Nil(t, ch)
	_, ok := b.Last()
	assert.False(t, ok)
}
