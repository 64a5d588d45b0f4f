package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	var received []Event

	unsub := bus.Subscribe(func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	}, TaskAdded)
	defer unsub()

	bus.Publish(TaskAdded, map[string]interface{}{"task_id": "task_123"})
	bus.Publish(TaskClaimed, map[string]interface{}{"task_id": "task_123"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, TaskAdded, received[0].Type)
	assert.Equal(t, "task_123", received[0].Data["task_id"])
}

func TestBus_SubscribeAllTypes(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	got := make(chan Type, 4)
	unsub := bus.Subscribe(func(e Event) { got <- e.Type })
	defer unsub()

	bus.Publish(TaskAdded, nil)
	bus.Publish(WorkerFailed, nil)

	assert.Equal(t, TaskAdded, <-got)
	assert.Equal(t, WorkerFailed, <-got)
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	unsub := bus.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, TaskCancelled)

	bus.Publish(TaskCancelled, nil)
	unsub()
	bus.Publish(TaskCancelled, nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestBus_SubscriberPanicIsIsolated(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	delivered := make(chan struct{}, 2)
	unsub := bus.Subscribe(func(e Event) {
		if e.Data["boom"] == true {
			panic("subscriber failure")
		}
		delivered <- struct{}{}
	}, WorkerUnhealthy)
	defer unsub()

	bus.Publish(WorkerUnhealthy, map[string]interface{}{"boom": true})
	bus.Publish(WorkerUnhealthy, map[string]interface{}{"boom": false})

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("subscriber stopped receiving after a panic")
	}
}

func TestBus_PublishAfterCloseIsNoop(t *testing.T) {
	bus := NewBus(1)
	unsub := bus.Subscribe(func(Event) {}, TaskAdded)
	bus.Close()
	unsub()

	assert.NotPanics(t, func() { bus.Publish(TaskAdded, nil) })
	var nilBus *Bus
	assert.NotPanics(t, func() { nilBus.Publish(TaskAdded, nil) })
}
