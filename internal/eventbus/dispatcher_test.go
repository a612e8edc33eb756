package eventbus_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"custodia/internal/eventbus"
	"custodia/internal/eventbus/mocks"
	"custodia/internal/eventbus/store/deadletter"
	"custodia/internal/eventbus/store/outbox"
	"custodia/pkg/platform/circuit"
)

func testDispatcherConfig() eventbus.DispatcherConfig {
	return eventbus.DispatcherConfig{
		Workers:        2,
		ClaimBatch:     16,
		ClaimInterval:  5 * time.Millisecond,
		Lease:          100 * time.Millisecond,
		MaxAttempts:    3,
		BaseBackoff:    5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		HandlerTimeout: time.Second,
	}
}

// startDispatcher runs d until the returned stop function is called.
func startDispatcher(t *testing.T, d *eventbus.Dispatcher) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestDispatcher_DeliversToAllSubscribers(t *testing.T) {
	store := outbox.NewMemoryStore()
	bus := eventbus.New(store)
	subA := newRecordingSubscriber()
	subB := newRecordingSubscriber()
	bus.Subscribe("record.accessed", "ledger", subA.Handle)
	bus.Subscribe("record.accessed", "notifications", subB.Handle)

	id, err := bus.Publish(context.Background(), "record.accessed", "patient-1", nil)
	require.NoError(t, err)

	d := eventbus.NewDispatcher(bus, deadletter.NewMemoryStore(), circuit.NewRegistry(), testDispatcherConfig())
	stop := startDispatcher(t, d)
	defer stop()

	require.Eventually(t, func() bool {
		env, ok := store.Get(id)
		return ok && env.Status == eventbus.StatusDelivered
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, subA.uniqueCount())
	assert.Equal(t, 1, subB.uniqueCount())

	env, _ := store.Get(id)
	assert.ElementsMatch(t, []string{"ledger", "notifications"}, env.DeliveredTo)
}

func TestDispatcher_RetriesThenDeadLetters(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := outbox.NewMemoryStore()
	deadLetters := deadletter.NewMemoryStore()
	bus := eventbus.New(store)

	good := newRecordingSubscriber()
	var badCalls sync.Map
	bus.Subscribe("record.updated", "ledger", good.Handle)
	bus.Subscribe("record.updated", "broken", func(ctx context.Context, env eventbus.Envelope) error {
		n, _ := badCalls.LoadOrStore(env.ID, new(int))
		*(n.(*int))++
		return errors.New("handler down")
	})

	notifier := mocks.NewMockAlertNotifier(ctrl)
	alerted := make(chan eventbus.DeadLetter, 1)
	notifier.EXPECT().DeadLettered(gomock.Any(), gomock.Any()).Do(func(_ context.Context, dl eventbus.DeadLetter) {
		alerted <- dl
	})

	// Breaker threshold above MaxAttempts so the dead-letter path, not the
	// breaker, is what we exercise here.
	breakers := circuit.NewRegistry(withHighThreshold())

	id, err := bus.Publish(context.Background(), "record.updated", "patient-2", nil)
	require.NoError(t, err)

	d := eventbus.NewDispatcher(bus, deadLetters, breakers, testDispatcherConfig(),
		eventbus.WithAlertNotifier(notifier),
	)
	stop := startDispatcher(t, d)
	defer stop()

	select {
	case dl := <-alerted:
		assert.Equal(t, id, dl.Envelope.ID)
		assert.Contains(t, dl.LastError, "delivery attempts exhausted")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dead-letter alert")
	}

	require.Eventually(t, func() bool {
		env, ok := store.Get(id)
		return ok && env.Status == eventbus.StatusDeadLettered
	}, 5*time.Second, 10*time.Millisecond)

	// The healthy subscriber got the envelope and was not punished for the
	// broken one.
	assert.Equal(t, 1, good.uniqueCount())

	letters, err := deadLetters.List(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, id, letters[0].Envelope.ID)
}

// withHighThreshold keeps breakers out of the way for tests that exercise
// retry/dead-letter accounting.
func withHighThreshold() circuit.RegistryOption {
	return circuit.WithDefaults(circuit.WithFailureThreshold(1000))
}

func TestDispatcher_PerPartitionOrdering(t *testing.T) {
	store := outbox.NewMemoryStore()
	bus := eventbus.New(store)

	var mu sync.Mutex
	var order []string
	failedOnce := false
	bus.Subscribe("vitals.recorded", "ledger", func(ctx context.Context, env eventbus.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		// First attempt on the head envelope fails; later envelopes in the
		// partition must wait rather than overtake it.
		if string(env.Payload) == `"first"` && !failedOnce {
			failedOnce = true
			return errors.New("transient")
		}
		order = append(order, string(env.Payload))
		return nil
	})

	ctx := context.Background()
	for _, payload := range []string{"first", "second", "third"} {
		_, err := bus.Publish(ctx, "vitals.recorded", "patient-7", payload)
		require.NoError(t, err)
	}

	d := eventbus.NewDispatcher(bus, deadletter.NewMemoryStore(), circuit.NewRegistry(withHighThreshold()), testDispatcherConfig())
	stop := startDispatcher(t, d)
	defer stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`"first"`, `"second"`, `"third"`}, order)
}

func TestDispatcher_MirrorsDeliveredEnvelopes(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := outbox.NewMemoryStore()
	bus := eventbus.New(store)
	bus.Subscribe("record.accessed", "ledger", newRecordingSubscriber().Handle)

	mirror := mocks.NewMockMirror(ctrl)
	mirrored := make(chan eventbus.Envelope, 1)
	mirror.EXPECT().Mirror(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, env eventbus.Envelope) error {
		mirrored <- env
		return nil
	})

	id, err := bus.Publish(context.Background(), "record.accessed", "patient-1", nil)
	require.NoError(t, err)

	d := eventbus.NewDispatcher(bus, deadletter.NewMemoryStore(), circuit.NewRegistry(), testDispatcherConfig(),
		eventbus.WithMirror(mirror),
	)
	stop := startDispatcher(t, d)
	defer stop()

	select {
	case env := <-mirrored:
		assert.Equal(t, id, env.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for mirror")
	}
}

// TestDispatcher_AtLeastOnceAcrossRestarts publishes 1,000 events across 5
// partitions with 3 idempotent subscribers and kills the dispatcher twice
// mid-processing. Every subscriber must see every event at least once;
// duplicates are permitted, loss is not.
func TestDispatcher_AtLeastOnceAcrossRestarts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}

	store := outbox.NewMemoryStore()
	deadLetters := deadletter.NewMemoryStore()
	bus := eventbus.New(store)

	const total = 1000
	subs := []*recordingSubscriber{
		newRecordingSubscriber(),
		newRecordingSubscriber(),
		newRecordingSubscriber(),
	}
	for i, sub := range subs {
		bus.Subscribe("record.accessed", fmt.Sprintf("subscriber-%d", i), sub.Handle)
	}

	ctx := context.Background()
	for i := 0; i < total; i++ {
		partition := fmt.Sprintf("patient-%d", i%5)
		_, err := bus.Publish(ctx, "record.accessed", partition, map[string]int{"n": i})
		require.NoError(t, err)
	}

	newDispatcher := func() *eventbus.Dispatcher {
		return eventbus.NewDispatcher(bus, deadLetters, circuit.NewRegistry(), testDispatcherConfig())
	}

	// First run, killed mid-processing.
	stop := startDispatcher(t, newDispatcher())
	time.Sleep(50 * time.Millisecond)
	stop()

	// Second run, killed again.
	stop = startDispatcher(t, newDispatcher())
	time.Sleep(50 * time.Millisecond)
	stop()

	// Final run drains everything.
	stop = startDispatcher(t, newDispatcher())
	defer stop()

	require.Eventually(t, func() bool {
		for _, sub := range subs {
			if sub.uniqueCount() < total {
				return false
			}
		}
		return true
	}, 30*time.Second, 50*time.Millisecond, "every subscriber must see all events at least once")

	for _, sub := range subs {
		assert.Equal(t, total, sub.uniqueCount())
	}
}
