package alarm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlarmFiresInOrder(t *testing.T) {
	q := NewQueue()
	go q.Run()
	defer q.Stop()

	var order []int
	done := make(chan struct{})

	q.RegisterAlarm(30*time.Millisecond, func() time.Duration {
		order = append(order, 2)
		return 0
	})
	q.RegisterAlarm(10*time.Millisecond, func() time.Duration {
		order = append(order, 1)
		return 0
	})
	q.RegisterAlarm(50*time.Millisecond, func() time.Duration {
		order = append(order, 3)
		close(done)
		return 0
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("alarms did not fire in time")
	}

	require.Equal(t, []int{1, 2, 3}, order)
}

func TestUnregisterIsIdempotent(t *testing.T) {
	q := NewQueue()
	go q.Run()
	defer q.Stop()

	fired := false
	id := q.RegisterAlarm(20*time.Millisecond, func() time.Duration {
		fired = true
		return 0
	})

	q.Unregister(id)
	q.Unregister(id) // must not panic or double-fire

	time.Sleep(60 * time.Millisecond)
	assert.False(t, fired)
}

func TestRecurringAlarmReschedules(t *testing.T) {
	q := NewQueue()
	go q.Run()
	defer q.Stop()

	count := 0
	done := make(chan struct{})
	q.RegisterAlarm(5*time.Millisecond, func() time.Duration {
		count++
		if count >= 3 {
			close(done)
			return 0
		}
		return 5 * time.Millisecond
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recurring alarm did not fire three times")
	}
	assert.GreaterOrEqual(t, count, 3)
}
