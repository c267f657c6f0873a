package eventbus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magpie-ai/internal/domain"
)

func newTestBus() *Bus {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// collector accumulates events delivered across handler goroutines.
type collector struct {
	mu     sync.Mutex
	events []domain.Event
	signal chan struct{}
}

func newCollector() *collector {
	return &collector{signal: make(chan struct{}, 64)}
}

func (c *collector) handler(_ context.Context, e domain.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	c.signal <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []domain.Event {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.signal:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d of %d", i+1, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Event(nil), c.events...)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestBusDeliversToTypedSubscriber(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	c := newCollector()
	bus.Subscribe(domain.EventPluginLoaded, c.handler)

	payload := json.RawMessage(`{"plugin_id":"a"}`)
	bus.Publish(context.Background(), domain.Event{Type: domain.EventPluginLoaded, Payload: payload})
	bus.Publish(context.Background(), domain.Event{Type: domain.EventPluginActivated})

	got := c.wait(t, 1)
	require.Len(t, got, 1)
	assert.Equal(t, domain.EventPluginLoaded, got[0].Type)
	assert.JSONEq(t, `{"plugin_id":"a"}`, string(got[0].Payload))
}

func TestBusFanOut(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	c1 := newCollector()
	c2 := newCollector()
	bus.Subscribe(domain.EventPluginActivated, c1.handler)
	bus.Subscribe(domain.EventPluginActivated, c2.handler)

	bus.Publish(context.Background(), domain.Event{Type: domain.EventPluginActivated})

	c1.wait(t, 1)
	c2.wait(t, 1)
}

func TestBusSubscribeAll(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	c := newCollector()
	bus.SubscribeAll(c.handler)

	bus.Publish(context.Background(), domain.Event{Type: domain.EventPluginLoaded})
	bus.Publish(context.Background(), domain.Event{Type: domain.EventPluginCrashed})

	got := c.wait(t, 2)
	assert.Len(t, got, 2)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	c := newCollector()
	unsub := bus.Subscribe(domain.EventPluginLoaded, c.handler)

	bus.Publish(context.Background(), domain.Event{Type: domain.EventPluginLoaded})
	c.wait(t, 1)

	unsub()
	bus.Publish(context.Background(), domain.Event{Type: domain.EventPluginLoaded})

	// The bus runs handlers in goroutines; give a stray delivery time to land.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, c.count())

	// Unsubscribing twice is harmless.
	unsub()
}

func TestBusHandlerPanicIsContained(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	c := newCollector()
	bus.Subscribe(domain.EventPluginLoaded, func(context.Context, domain.Event) {
		panic("handler bug")
	})
	bus.Subscribe(domain.EventPluginLoaded, c.handler)

	bus.Publish(context.Background(), domain.Event{Type: domain.EventPluginLoaded})

	// The healthy subscriber still gets the event.
	c.wait(t, 1)
}

func TestBusCloseStopsPublishing(t *testing.T) {
	bus := newTestBus()

	c := newCollector()
	bus.Subscribe(domain.EventPluginLoaded, c.handler)

	bus.Close()
	bus.Publish(context.Background(), domain.Event{Type: domain.EventPluginLoaded})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, c.count())

	// Close is idempotent.
	bus.Close()
}

func TestBusCloseWaitsForHandlers(t *testing.T) {
	bus := newTestBus()

	started := make(chan struct{})
	var finished sync.WaitGroup
	finished.Add(1)
	bus.Subscribe(domain.EventPluginLoaded, func(context.Context, domain.Event) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Done()
	})

	bus.Publish(context.Background(), domain.Event{Type: domain.EventPluginLoaded})
	<-started
	bus.Close()

	// Close returned, so the handler must have run to completion.
	done := make(chan struct{})
	go func() { finished.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close returned before the in-flight handler finished")
	}
}
