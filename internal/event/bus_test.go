package event

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, bus *Bus, eventType EventType) (func() []Event, func()) {
	t.Helper()
	var mu sync.Mutex
	var got []Event
	unsub := bus.Subscribe(eventType, func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	snapshot := func() []Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]Event(nil), got...)
	}
	return snapshot, unsub
}

func TestBus_DeliversTypedPayload(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	got, unsub := collect(t, bus, SessionUpdated)
	defer unsub()

	bus.Publish(Event{Type: SessionUpdated, Data: SessionUpdatedData{}})
	bus.Publish(Event{Type: SessionIdle, Data: SessionIdleData{SessionID: "s1", IdleSince: "now"}})

	snapshot, unsubIdle := collect(t, bus, SessionIdle)
	defer unsubIdle()
	bus.Publish(Event{Type: SessionIdle, Data: SessionIdleData{SessionID: "s2"}})

	require.Eventually(t, func() bool { return len(snapshot()) == 1 }, time.Second, 10*time.Millisecond)

	// The payload crossed the topic marshaled but comes back as its
	// concrete type, assertable without any JSON handling.
	data, ok := snapshot()[0].Data.(SessionIdleData)
	require.True(t, ok, "expected SessionIdleData, got %T", snapshot()[0].Data)
	assert.Equal(t, "s2", data.SessionID)

	require.Eventually(t, func() bool { return len(got()) == 1 }, time.Second, 10*time.Millisecond)
}

func TestBus_DeliveryPreservesPublishOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var mu sync.Mutex
	var seen []string
	unsub := bus.SubscribeAll(func(e Event) {
		data, ok := e.Data.(SessionIdleData)
		if !ok {
			return
		}
		mu.Lock()
		seen = append(seen, data.SessionID)
		mu.Unlock()
	})
	defer unsub()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		bus.Publish(Event{Type: SessionIdle, Data: SessionIdleData{SessionID: id}})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 5
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, seen, "single-consumer dispatch keeps publish order")
}

func TestBus_TypeFiltering(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var sessions, processes int32
	defer bus.Subscribe(SessionCreated, func(Event) { atomic.AddInt32(&sessions, 1) })()
	defer bus.Subscribe(ProcessStarted, func(Event) { atomic.AddInt32(&processes, 1) })()

	bus.PublishSync(Event{Type: SessionCreated})
	bus.PublishSync(Event{Type: SessionCreated})
	bus.PublishSync(Event{Type: ProcessStarted})

	assert.EqualValues(t, 2, atomic.LoadInt32(&sessions))
	assert.EqualValues(t, 1, atomic.LoadInt32(&processes))
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count int32
	unsub := bus.Subscribe(SessionCreated, func(Event) { atomic.AddInt32(&count, 1) })

	bus.PublishSync(Event{Type: SessionCreated})
	require.EqualValues(t, 1, atomic.LoadInt32(&count))

	unsub()
	bus.PublishSync(Event{Type: SessionCreated})
	assert.EqualValues(t, 1, atomic.LoadInt32(&count))
}

func TestBus_UnsubscribeAll(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count int32
	unsub := bus.SubscribeAll(func(Event) { atomic.AddInt32(&count, 1) })

	bus.PublishSync(Event{Type: SessionCreated})
	require.EqualValues(t, 1, atomic.LoadInt32(&count))

	unsub()
	bus.PublishSync(Event{Type: ProcessStarted})
	assert.EqualValues(t, 1, atomic.LoadInt32(&count))
}

func TestBus_PublishSyncCompletesBeforeReturning(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var received []EventType
	defer bus.Subscribe(SessionCreated, func(e Event) { received = append(received, e.Type) })()
	defer bus.Subscribe(SessionUpdated, func(e Event) { received = append(received, e.Type) })()

	bus.PublishSync(Event{Type: SessionCreated})
	bus.PublishSync(Event{Type: SessionUpdated})

	assert.Equal(t, []EventType{SessionCreated, SessionUpdated}, received)
}

func TestBus_UnmarshalablePayloadIsDropped(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count int32
	defer bus.SubscribeAll(func(Event) { atomic.AddInt32(&count, 1) })()

	bus.Publish(Event{Type: SessionCreated, Data: make(chan int)}) // unmarshalable
	bus.Publish(Event{Type: SessionIdle, Data: SessionIdleData{SessionID: "s1"}})

	require.Eventually(t, func() bool { return atomic.LoadInt32(&count) == 1 }, time.Second, 10*time.Millisecond)
}

func TestBus_NoSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	bus.Publish(Event{Type: SessionCreated})
	bus.PublishSync(Event{Type: SessionCreated})
}

func TestBus_PublishAfterCloseIsNoop(t *testing.T) {
	bus := NewBus()

	var count int32
	bus.SubscribeAll(func(Event) { atomic.AddInt32(&count, 1) })

	require.NoError(t, bus.Close())
	bus.Publish(Event{Type: SessionCreated})
	bus.PublishSync(Event{Type: SessionCreated})

	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&count))
}

func TestGlobalBus_Reset(t *testing.T) {
	var count int32
	Subscribe(SessionCreated, func(Event) { atomic.AddInt32(&count, 1) })

	PublishSync(Event{Type: SessionCreated})
	require.EqualValues(t, 1, atomic.LoadInt32(&count))

	Reset()

	PublishSync(Event{Type: SessionCreated})
	assert.EqualValues(t, 1, atomic.LoadInt32(&count))
}

func TestBus_ConcurrentSubscribePublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsub := bus.Subscribe(SessionCreated, func(Event) { atomic.AddInt32(&count, 1) })
			defer unsub()
			for j := 0; j < 10; j++ {
				bus.Publish(Event{Type: SessionCreated})
			}
		}()
	}
	wg.Wait()
	// No assertion on the exact count (subscribers come and go while
	// publishes are in flight); this guards against deadlock and racing
	// registry mutation.
}
