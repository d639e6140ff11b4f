package kclock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemClock_NeverGoesBackwards(t *testing.T) {
	c := System()
	prev := c.Now()
	for i := 0; i < 1000; i++ {
		cur := c.Now()
		assert.True(t, cur.After(prev))
		prev = cur
	}
}

func TestDeadlineQueue_FiresInOrder(t *testing.T) {
	fake := NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	q := NewDeadlineQueue(fake)
	defer q.Stop()

	var fired []string
	var mu struct {
		sync chan struct{}
	}
	_ = mu
	done := make(chan string, 3)

	q.Schedule(fake.Now().Add(3*time.Second), func(time.Time) { done <- "third" })
	q.Schedule(fake.Now().Add(1*time.Second), func(time.Time) { done <- "first" })
	q.Schedule(fake.Now().Add(2*time.Second), func(time.Time) { done <- "second" })

	fake.Advance(3 * time.Second)

	for i := 0; i < 3; i++ {
		select {
		case f := <-done:
			fired = append(fired, f)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for deadline callback")
		}
	}
	require.Len(t, fired, 3)
	assert.Equal(t, []string{"first", "second", "third"}, fired)
}

func TestDeadlineQueue_CancelPreventsFiring(t *testing.T) {
	fake := NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	q := NewDeadlineQueue(fake)
	defer q.Stop()

	fired := make(chan struct{}, 1)
	cancel := q.Schedule(fake.Now().Add(time.Second), func(time.Time) { fired <- struct{}{} })
	cancel()

	fake.Advance(2 * time.Second)
	select {
	case <-fired:
		t.Fatal("cancelled deadline fired")
	case <-time.After(100 * time.Millisecond):
	}
}
