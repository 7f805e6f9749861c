package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/stemsi/exstem-engine/internal/clock"
)

func TestTimerExpiresExactlyOnce(t *testing.T) {
	c := clock.NewFake(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	var fired atomic.Int32

	// A long tick keeps expiry on the deterministic AfterFunc path.
	tm := ForExam(c, 10, func() { fired.Add(1) }, WithTick(time.Hour, nil))
	tm.Start()
	assert.Equal(t, 600, tm.RemainingSeconds())

	c.Advance(9*time.Minute + 59*time.Second)
	assert.Equal(t, int32(0), fired.Load())
	assert.Equal(t, 1, tm.RemainingSeconds())

	c.Advance(time.Second)
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, 0, tm.RemainingSeconds())

	c.Advance(time.Hour)
	tm.Stop()
	assert.Equal(t, int32(1), fired.Load())

	select {
	case <-tm.Done():
	default:
		t.Fatal("done not closed after expiry")
	}
}

func TestTimerStopPreventsExpiry(t *testing.T) {
	c := clock.NewFake(time.Now())
	var fired atomic.Int32

	tm := New(c, time.Minute, func() { fired.Add(1) })
	tm.Start()
	tm.Stop()
	tm.Stop()

	c.Advance(2 * time.Minute)
	assert.Equal(t, int32(0), fired.Load())
	assert.Zero(t, c.Pending())
}

func TestTimerStopFromCallback(t *testing.T) {
	c := clock.NewFake(time.Now())
	var tm *Timer
	tm = New(c, time.Second, func() { tm.Stop() }, WithTick(time.Hour, nil))
	tm.Start()

	c.Advance(time.Second)

	select {
	case <-tm.Done():
	default:
		t.Fatal("expected timer to be done")
	}
}

func TestTimerWithDeadlineInPast(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	c := clock.NewFake(now)
	fired := make(chan struct{})

	tm := New(c, time.Hour, func() { close(fired) }, WithDeadline(now.Add(-time.Second)))
	tm.Start()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer with elapsed deadline did not expire")
	}
	assert.Equal(t, time.Duration(0), tm.Remaining())
}

func TestTimerRemainingFollowsWallClock(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	c := clock.NewFake(now)

	tm := New(c, 10*time.Minute, nil, WithDeadline(now.Add(5*time.Minute)))
	assert.Equal(t, now.Add(5*time.Minute), tm.Deadline())

	c.Advance(90 * time.Second)
	assert.Equal(t, 210*time.Second, tm.Remaining())
}

func TestTimerPublishesTicks(t *testing.T) {
	c := clock.NewFake(time.Now())
	ticks := make(chan time.Duration, 8)

	tm := New(c, 5*time.Second, nil, WithTick(time.Second, func(r time.Duration) { ticks <- r }))
	tm.Start()
	defer tm.Stop()

	c.Advance(time.Second)
	select {
	case r := <-ticks:
		assert.Equal(t, 4*time.Second, r)
	case <-time.After(time.Second):
		t.Fatal("no tick published")
	}
}
