package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/correlator-io/correlator/internal/spiderevent"
)

type stubModule struct {
	name      string
	watched   []string
	produced  []string
	threadSafe bool
}

func (s *stubModule) Name() string             { return s.name }
func (s *stubModule) Setup(spiderevent.Framework, map[string]string) error { return nil }
func (s *stubModule) WatchedEvents() []string   { return s.watched }
func (s *stubModule) ProducedEvents() []string  { return s.produced }
func (s *stubModule) ThreadSafe() bool          { return s.threadSafe }
func (s *stubModule) HandleEvent(context.Context, spiderevent.Event) error { return nil }

func TestBusRoutesToWatchers(t *testing.T) {
	bus := New(Config{HighWaterMark: 10})
	defer bus.Close()

	a := &stubModule{name: "mod_a", watched: []string{"DOMAIN_NAME"}}
	b := &stubModule{name: "mod_b", watched: []string{"IP_ADDRESS"}}
	bus.Register(a)
	bus.Register(b)

	evt := spiderevent.New("DOMAIN_NAME", "example.com", "seeder", "", 1.0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, bus.Publish(ctx, evt))

	select {
	case d := <-bus.Deliveries():
		assert.Equal(t, "mod_a", d.Module.Name())
		bus.Release()
	case <-time.After(time.Second):
		t.Fatal("expected a delivery to mod_a")
	}

	select {
	case <-bus.Deliveries():
		t.Fatal("mod_b should not receive a DOMAIN_NAME event")
	default:
	}
}

func TestBusNoSelfFeedback(t *testing.T) {
	bus := New(Config{HighWaterMark: 10})
	defer bus.Close()

	a := &stubModule{name: "mod_a", watched: []string{"*"}}
	bus.Register(a)

	evt := spiderevent.New("IP_ADDRESS", "1.2.3.4", "mod_a", "", 1.0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, bus.Publish(ctx, evt))

	select {
	case <-bus.Deliveries():
		t.Fatal("module must not receive its own published event")
	default:
	}
}

func TestBusDedupPerModule(t *testing.T) {
	bus := New(Config{HighWaterMark: 10})
	defer bus.Close()

	a := &stubModule{name: "mod_a", watched: []string{"*"}}
	bus.Register(a)

	evt := spiderevent.New("IP_ADDRESS", "1.2.3.4", "seeder", "", 1.0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, bus.Publish(ctx, evt))
	require.NoError(t, bus.Publish(ctx, evt)) // duplicate publish of same hash

	received := 0
	for {
		select {
		case <-bus.Deliveries():
			received++
			bus.Release()
		case <-time.After(200 * time.Millisecond):
			assert.Equal(t, 1, received, "module must see the event at most once")
			return
		}
	}
}

func TestBusQuiescence(t *testing.T) {
	bus := New(Config{HighWaterMark: 10, QuiescenceGrace: 50 * time.Millisecond})
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.True(t, bus.Quiescent(ctx))
}
