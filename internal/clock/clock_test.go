package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFake_AfterFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	ch := c.After(time.Second)

	select {
	case <-ch:
		t.Fatal("fired before advance")
	default:
	}

	c.Advance(999 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}

	c.Advance(time.Millisecond)
	select {
	case got := <-ch:
		assert.Equal(t, epoch.Add(time.Second), got)
	default:
		t.Fatal("expected timer to fire")
	}
}

func TestFake_AfterFuncStop(t *testing.T) {
	c := Fake(epoch)
	ran := false
	timer := c.AfterFunc(time.Second, func() { ran = true })

	require.Equal(t, 1, c.Pending())
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	c.Advance(2 * time.Second)
	assert.False(t, ran)
	assert.Equal(t, 0, c.Pending())
}

func TestFake_WaitForTimers(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		<-c.After(time.Minute)
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(time.Minute)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not observe timer")
	}
}

func TestDebouncer_OnlyLastRuns(t *testing.T) {
	c := Fake(epoch)
	d := NewDebouncer(c)

	var got []int
	for i := 1; i <= 3; i++ {
		n := i
		d.Schedule("resize:s1", 50*time.Millisecond, func() { got = append(got, n) })
		c.Advance(20 * time.Millisecond)
	}
	c.Advance(50 * time.Millisecond)

	assert.Equal(t, []int{3}, got)
}

func TestDebouncer_KeysAreIndependent(t *testing.T) {
	c := Fake(epoch)
	d := NewDebouncer(c)

	var got []string
	d.Schedule("a", 10*time.Millisecond, func() { got = append(got, "a") })
	d.Schedule("b", 10*time.Millisecond, func() { got = append(got, "b") })
	assert.True(t, d.Cancel("a"))
	assert.False(t, d.Cancel("a"))

	c.Advance(10 * time.Millisecond)
	assert.Equal(t, []string{"b"}, got)
}
