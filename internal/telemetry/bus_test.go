package telemetry_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/harmonizer/internal/telemetry"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, s *telemetry.Subscription) []telemetry.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	var got []telemetry.Event
	for {
		e, err := s.Next(ctx)
		if errors.Is(err, telemetry.ErrClosed) {
			return got
		}
		require.NoError(t, err)
		got = append(got, e)
	}
}

func TestBusFanOut(t *testing.T) {
	t.Parallel()
	bus := telemetry.NewBus()

	subs := []*telemetry.Subscription{
		bus.Subscribe("a"),
		bus.Subscribe("a"),
		bus.Subscribe("a"),
	}
	other := bus.Subscribe("b")
	t.Cleanup(func() { bus.Unsubscribe(other) })
	require.Equal(t, 3, bus.Subscribers("a"))

	want := []telemetry.Event{
		telemetry.Progress{JobID: "a", Current: 10, Total: 100},
		telemetry.Log{JobID: "a", Line: "hello"},
		telemetry.Progress{JobID: "a", Current: 100, Total: 100},
		telemetry.Done{JobID: "a"},
	}
	for _, e := range want {
		bus.Publish(e)
	}

	for _, s := range subs {
		require.Equal(t, want, drain(t, s))
	}
	require.Zero(t, bus.Subscribers("a"))
	require.Equal(t, 1, bus.Subscribers("b"))
}

func TestBusNoSubscribers(t *testing.T) {
	t.Parallel()
	bus := telemetry.NewBus()
	bus.Publish(telemetry.Log{JobID: "x", Line: "lost"})

	s := bus.Subscribe("x")
	bus.Publish(telemetry.Done{JobID: "x"})
	require.Equal(t, []telemetry.Event{telemetry.Done{JobID: "x"}}, drain(t, s))
}

func TestSubscriptionSingleDone(t *testing.T) {
	t.Parallel()
	bus := telemetry.NewBus()
	s := bus.Subscribe("x")

	s.Inject(telemetry.Done{JobID: "x"})
	bus.Publish(telemetry.Done{JobID: "x"})
	bus.Publish(telemetry.Log{JobID: "x", Line: "too late"})

	require.Equal(t, []telemetry.Event{telemetry.Done{JobID: "x"}}, drain(t, s))
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()
	bus := telemetry.NewBus()
	s := bus.Subscribe("x")
	bus.Publish(telemetry.Log{JobID: "x", Line: "dropped on close"})

	bus.Unsubscribe(s)
	bus.Unsubscribe(s)
	require.Zero(t, bus.Subscribers("x"))

	_, err := s.Next(t.Context())
	require.ErrorIs(t, err, telemetry.ErrClosed)
}

func TestNextContext(t *testing.T) {
	t.Parallel()
	bus := telemetry.NewBus()
	s := bus.Subscribe("x")
	t.Cleanup(func() { bus.Unsubscribe(s) })

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBusConcurrent(t *testing.T) {
	t.Parallel()
	const (
		jobs   = 8
		subs   = 4
		events = 200
	)
	bus := telemetry.NewBus()

	var wg sync.WaitGroup
	results := make(chan error, jobs*subs)
	for j := range jobs {
		id := "job-" + strconv.Itoa(j)
		var ready sync.WaitGroup
		for range subs {
			s := bus.Subscribe(id)
			ready.Add(1)
			wg.Go(func() {
				ready.Done()
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				next := 0
				for {
					e, err := s.Next(ctx)
					if errors.Is(err, telemetry.ErrClosed) {
						break
					}
					if err != nil {
						results <- err
						return
					}
					if l, ok := e.(telemetry.Log); ok {
						if l.Line != strconv.Itoa(next) {
							results <- errors.New("out of order: " + l.Line)
							return
						}
						next++
					}
				}
				if next != events {
					results <- errors.New("missing events for " + id)
				}
			})
		}
		ready.Wait()
		wg.Go(func() {
			for i := range events {
				bus.Publish(telemetry.Log{JobID: id, Line: strconv.Itoa(i)})
			}
			bus.Publish(telemetry.Done{JobID: id})
		})
	}

	wg.Wait()
	close(results)
	for err := range results {
		t.Error(err)
	}
}
