package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)

func TestFakeClock_SetAndAdvance(t *testing.T) {
	c := NewFakeClock(t0)
	assert.Equal(t, t0, c.Now())

	c.Advance(2 * time.Second)
	assert.Equal(t, t0.Add(2*time.Second), c.Now())

	c.Set(t0)
	assert.Equal(t, t0, c.Now())
}

func TestManualScheduler_FiresInDeadlineOrder(t *testing.T) {
	c := NewFakeClock(t0)
	s := NewManualScheduler(c)

	var fired []string
	var firedAt []time.Time
	record := func(name string) func() {
		return func() {
			fired = append(fired, name)
			firedAt = append(firedAt, c.Now())
		}
	}
	s.AfterFunc(2*time.Second, record("b"))
	s.AfterFunc(time.Second, record("a"))
	s.AfterFunc(2*time.Second, record("c"))
	s.AfterFunc(5*time.Second, record("late"))

	s.Advance(3*time.Second, nil)

	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, []time.Time{t0.Add(time.Second), t0.Add(2 * time.Second), t0.Add(2 * time.Second)}, firedAt)
	assert.Equal(t, t0.Add(3*time.Second), c.Now())
	assert.Equal(t, 1, s.Pending())
}

func TestManualScheduler_StopPreventsFiring(t *testing.T) {
	c := NewFakeClock(t0)
	s := NewManualScheduler(c)

	fired := false
	timer := s.AfterFunc(time.Second, func() { fired = true })
	require.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second stop reports not pending")

	s.Advance(time.Minute, nil)
	assert.False(t, fired)
}

func TestManualScheduler_RearmDuringAdvance(t *testing.T) {
	c := NewFakeClock(t0)
	s := NewManualScheduler(c)

	ticks := 0
	var tick func()
	tick = func() {
		ticks++
		s.AfterFunc(500*time.Millisecond, tick)
	}
	s.AfterFunc(500*time.Millisecond, tick)

	s.Advance(2*time.Second, nil)
	assert.Equal(t, 4, ticks)
}
