package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAdvanceFiresDueWaiters(t *testing.T) {
	c := Fake(epoch)
	short := c.After(time.Second)
	long := c.After(10 * time.Second)
	assert.Equal(t, 2, c.Pending())

	c.Advance(2 * time.Second)
	select {
	case got := <-short:
		assert.Equal(t, epoch.Add(2*time.Second), got)
	default:
		t.Fatal("short waiter did not fire")
	}
	select {
	case <-long:
		t.Fatal("long waiter fired early")
	default:
	}
	assert.Equal(t, 1, c.Pending())
}

func TestFakeImmediate(t *testing.T) {
	c := Fake(epoch)
	select {
	case got := <-c.After(0):
		assert.Equal(t, epoch, got)
	default:
		t.Fatal("zero duration must fire immediately")
	}
}

func TestFakeAutoAdvance(t *testing.T) {
	c := Fake(epoch).SetAutoAdvance(true)
	<-c.After(5 * time.Second)
	<-c.After(5 * time.Second)
	assert.Equal(t, epoch.Add(10*time.Second), c.Now())
	assert.Zero(t, c.Pending())
}

func TestFakeWaitForWaiters(t *testing.T) {
	c := Fake(epoch)
	done := make(chan time.Time, 1)
	go func() {
		done <- <-c.After(time.Minute)
	}()
	c.WaitForWaiters(1)
	c.Advance(time.Minute)
	got := <-done
	require.Equal(t, epoch.Add(time.Minute), got)
}
