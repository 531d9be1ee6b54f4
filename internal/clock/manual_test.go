package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualFiresInOrder(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	m := NewManual(start)

	var fired []string
	m.Every(100*time.Millisecond, func() { fired = append(fired, "fast") })
	m.Every(250*time.Millisecond, func() { fired = append(fired, "slow") })

	m.Advance(300 * time.Millisecond)

	assert.Equal(t, []string{"fast", "fast", "slow", "fast"}, fired)
	assert.Equal(t, start.Add(300*time.Millisecond), m.Now())
}

func TestManualCancelFromCallback(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	count := 0
	var cancel func()
	cancel = m.Every(time.Second, func() {
		count++
		cancel()
	})

	m.Advance(5 * time.Second)
	assert.Equal(t, 1, count)
	assert.Equal(t, 0, m.Pending())
}

func TestManualSetDoesNotFire(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	count := 0
	m.Every(time.Second, func() { count++ })

	m.Set(time.Unix(10, 0))
	assert.Equal(t, 0, count)

	m.Advance(time.Second)
	assert.Equal(t, 1, count)
}
