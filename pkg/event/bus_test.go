package event

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type recorder struct {
	mu    sync.Mutex
	texts []string
	kinds []Kind
}

func (r *recorder) OnEvent(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.kinds = append(r.kinds, ev.Kind())

	switch ev := ev.(type) {
	case *Message:
		r.texts = append(r.texts, ev.Text)
	case *Progress:
		r.texts = append(r.texts, "progress:"+ev.OperationID)
	}

	return nil
}

func (r *recorder) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.texts))
	copy(out, r.texts)
	return out
}

type diagnostics struct {
	mu   sync.Mutex
	errs []*DeliveryError
}

func (d *diagnostics) sink(derr *DeliveryError) {
	d.mu.Lock()
	d.errs = append(d.errs, derr)
	d.mu.Unlock()
}

func (d *diagnostics) Errors() []*DeliveryError {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*DeliveryError, len(d.errs))
	copy(out, d.errs)
	return out
}

func msg(sev Severity, text string) *Message {
	return NewMessage(sev, "", text)
}

// modes runs f against a synchronous and an asynchronous bus. Async
// results are only compared after a Flush.
func modes(t *testing.T, f func(t *testing.T, mk func(opts ...Option) *Bus, settle func(b *Bus))) {
	t.Run("sync", func(t *testing.T) {
		f(t, func(opts ...Option) *Bus { return New(opts...) }, func(*Bus) {})
	})

	t.Run("async", func(t *testing.T) {
		f(t, func(opts ...Option) *Bus {
			b := New(append(opts, WithAsyncDelivery(4))...)
			t.Cleanup(func() { b.Close(context.Background()) })
			return b
		}, func(b *Bus) {
			require.NoError(t, b.Flush(context.Background()))
		})
	})
}

func TestBus(t *testing.T) {
	modes(t, func(t *testing.T, mk func(opts ...Option) *Bus, settle func(b *Bus)) {
		t.Run("delivers to listeners according to when they were added and removed", func(t *testing.T) {
			bus := mk()

			var l1, l2 recorder

			h1 := NewHandle(&l1)
			h2 := NewHandle(&l2)

			require.NoError(t, bus.Publish(AddListenerEvent(h1, Info)))
			require.NoError(t, bus.Publish(msg(Info, "a")))
			require.NoError(t, bus.Publish(AddListenerEvent(h2, Warn)))
			require.NoError(t, bus.Publish(msg(Warn, "b")))
			require.NoError(t, bus.Publish(RemoveListenerEvent(h1)))
			require.NoError(t, bus.Publish(msg(Error, "c")))

			settle(bus)

			assert.Equal(t, []string{"a", "b"}, l1.Texts())
			assert.Equal(t, []string{"b", "c"}, l2.Texts())
		})

		t.Run("a late listener sees none of the earlier events", func(t *testing.T) {
			bus := mk()

			var early, late recorder

			_, err := bus.AddListener(&early, Debug)
			require.NoError(t, err)

			for i := 0; i < 10; i++ {
				require.NoError(t, bus.Publish(msg(Info, fmt.Sprintf("m%d", i))))
			}

			_, err = bus.AddListener(&late, Debug)
			require.NoError(t, err)

			require.NoError(t, bus.Publish(msg(Info, "after")))

			settle(bus)

			assert.Len(t, early.Texts(), 11)
			assert.Equal(t, []string{"after"}, late.Texts())
		})

		t.Run("never hands a WARN listener an INFO message", func(t *testing.T) {
			bus := mk()

			var calls int
			var mu sync.Mutex

			_, err := bus.AddListener(ListenerFunc(func(ev Event) error {
				mu.Lock()
				defer mu.Unlock()

				calls++
				assert.True(t, ev.LogLevel().Severity >= Warn)
				return nil
			}), Warn)
			require.NoError(t, err)

			require.NoError(t, bus.Publish(msg(Info, "quiet")))
			require.NoError(t, bus.Publish(msg(Debug, "quieter")))
			require.NoError(t, bus.Publish(msg(Lifecycle, "lifecycle")))
			require.NoError(t, bus.Publish(msg(Quiet, "shown")))

			settle(bus)

			mu.Lock()
			defer mu.Unlock()

			assert.Equal(t, 1, calls)
		})

		t.Run("progress without a level reaches every listener", func(t *testing.T) {
			bus := mk()

			var r recorder

			_, err := bus.AddListener(&r, Error)
			require.NoError(t, err)

			require.NoError(t, bus.Publish(NewProgress(PhaseStart, "op", "working")))

			p := NewProgress(PhaseUpdate, "hidden", "")
			p.Level = SeverityOf(Info)
			require.NoError(t, bus.Publish(p))

			settle(bus)

			assert.Equal(t, []string{"progress:op"}, r.Texts())
		})

		t.Run("rejects a duplicate add and keeps the original registration", func(t *testing.T) {
			bus := mk()

			var r recorder

			h := NewHandle(&r)

			require.NoError(t, bus.Publish(AddListenerEvent(h, Warn)))

			err := bus.Publish(AddListenerEvent(h, Debug))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDuplicateListener))

			require.NoError(t, bus.Publish(msg(Info, "filtered")))
			require.NoError(t, bus.Publish(msg(Warn, "kept")))

			settle(bus)

			assert.Equal(t, []string{"kept"}, r.Texts())
			assert.Len(t, bus.Listeners(), 1)
		})

		t.Run("surfaces a second remove as an error", func(t *testing.T) {
			bus := mk()

			h, err := bus.AddListener(nopListener(), Info)
			require.NoError(t, err)

			require.NoError(t, bus.RemoveListener(h))

			err = bus.RemoveListener(h)
			assert.True(t, errors.Is(err, ErrUnknownListener))

			err = bus.Publish(AddListenerEvent(h, Info))
			assert.True(t, errors.Is(err, ErrRemovedListener))

			require.NoError(t, bus.Publish(msg(Info, "still works")))
		})

		t.Run("does not deliver control events", func(t *testing.T) {
			bus := mk()

			var r recorder

			_, err := bus.AddListener(&r, Debug)
			require.NoError(t, err)

			h, err := bus.AddListener(nopListener(), Debug)
			require.NoError(t, err)
			require.NoError(t, bus.RemoveListener(h))

			settle(bus)

			r.mu.Lock()
			defer r.mu.Unlock()

			assert.Empty(t, r.kinds)
		})

		t.Run("isolates failing listeners", func(t *testing.T) {
			var diag diagnostics

			bus := mk(WithDiagnostics(diag.sink))

			var before, after recorder

			_, err := bus.AddListener(&before, Debug)
			require.NoError(t, err)

			failing, err := bus.AddListener(ListenerFunc(func(Event) error {
				return errors.New("disk full")
			}), Debug)
			require.NoError(t, err)

			panicking, err := bus.AddListener(ListenerFunc(func(Event) error {
				panic("renderer exploded")
			}), Debug)
			require.NoError(t, err)

			_, err = bus.AddListener(&after, Debug)
			require.NoError(t, err)

			require.NoError(t, bus.Publish(msg(Info, "one")))
			require.NoError(t, bus.Publish(msg(Info, "two")))

			settle(bus)

			assert.Equal(t, []string{"one", "two"}, before.Texts())
			assert.Equal(t, []string{"one", "two"}, after.Texts())

			errs := diag.Errors()
			require.Len(t, errs, 4)

			var sawFailing, sawPanic bool

			for _, derr := range errs {
				assert.True(t, errors.Is(derr, ErrListenerDelivery))

				switch derr.Handle {
				case failing:
					sawFailing = true
					assert.False(t, derr.Panicked)
					assert.Equal(t, "disk full", errors.Cause(derr.Cause).Error())
				case panicking:
					sawPanic = true
					assert.True(t, derr.Panicked)
					assert.Contains(t, derr.Error(), "renderer exploded")
				default:
					t.Errorf("unexpected failing handle %s", derr.Handle)
				}
			}

			assert.True(t, sawFailing)
			assert.True(t, sawPanic)

			// Both listeners stay registered under the default policy.
			assert.Len(t, bus.Listeners(), 4)

			st := bus.Stats()
			assert.Equal(t, uint64(4), st.Failures)
			assert.Equal(t, uint64(4), st.Delivered)
		})

		t.Run("counts consecutive failures", func(t *testing.T) {
			var diag diagnostics

			bus := mk(WithDiagnostics(diag.sink))

			fail := map[string]bool{"a": true, "b": true, "d": true}

			_, err := bus.AddListener(ListenerFunc(func(ev Event) error {
				if fail[ev.(*Message).Text] {
					return errors.New("nope")
				}
				return nil
			}), Debug)
			require.NoError(t, err)

			for _, text := range []string{"a", "b", "c", "d"} {
				require.NoError(t, bus.Publish(msg(Info, text)))
			}

			settle(bus)

			var counts []int
			for _, derr := range diag.Errors() {
				counts = append(counts, derr.Consecutive)
			}

			assert.Equal(t, []int{1, 2, 1}, counts)
		})

		t.Run("rejects publishing after close", func(t *testing.T) {
			bus := mk()

			var r recorder

			h, err := bus.AddListener(&r, Debug)
			require.NoError(t, err)

			require.NoError(t, bus.Publish(msg(Info, "before")))
			require.NoError(t, bus.Close(context.Background()))

			assert.Equal(t, ErrBusClosed, bus.Publish(msg(Info, "after")))
			assert.Equal(t, ErrBusClosed, bus.Flush(context.Background()))
			assert.NoError(t, bus.Close(context.Background()))

			assert.Equal(t, []string{"before"}, r.Texts())
			assert.True(t, h.Removed())
			assert.Empty(t, bus.Listeners())
		})

		t.Run("rejects nil events", func(t *testing.T) {
			bus := mk()

			var m *Message

			assert.Equal(t, ErrNilEvent, bus.Publish(nil))
			assert.Equal(t, ErrNilEvent, bus.Publish(m))
		})
	})
}

func TestBusConcurrentProducers(t *testing.T) {
	const (
		producers = 4
		perProd   = 250
		consumers = 3
	)

	modes(t, func(t *testing.T, mk func(opts ...Option) *Bus, settle func(b *Bus)) {
		bus := mk()

		recs := make([]*recorder, consumers)
		for i := range recs {
			recs[i] = &recorder{}

			_, err := bus.AddListener(recs[i], Debug)
			require.NoError(t, err)
		}

		var g errgroup.Group

		for p := 0; p < producers; p++ {
			p := p
			g.Go(func() error {
				for i := 0; i < perProd; i++ {
					err := bus.Publish(msg(Info, fmt.Sprintf("%d-%d", p, i)))
					if err != nil {
						return err
					}
				}
				return nil
			})
		}

		require.NoError(t, g.Wait())

		settle(bus)

		first := recs[0].Texts()
		require.Len(t, first, producers*perProd)

		for _, r := range recs[1:] {
			assert.Equal(t, first, r.Texts())
		}

		// Each producer's own events stay in the order it published them.
		next := make(map[string]int)
		for _, text := range first {
			parts := strings.SplitN(text, "-", 2)
			assert.Equal(t, fmt.Sprintf("%d", next[parts[0]]), parts[1])
			next[parts[0]]++
		}
	})
}

func TestBusMembershipUnderLoad(t *testing.T) {
	modes(t, func(t *testing.T, mk func(opts ...Option) *Bus, settle func(b *Bus)) {
		bus := mk()

		var (
			mu        sync.Mutex
			published []string
		)

		var (
			stop = make(chan struct{})
			g    errgroup.Group
		)

		g.Go(func() error {
			for i := 0; ; i++ {
				select {
				case <-stop:
					return nil
				default:
				}

				text := fmt.Sprintf("m%d", i)

				// Holding mu across Publish ties the published list to the
				// bus order.
				mu.Lock()
				err := bus.Publish(msg(Info, text))
				if err == nil {
					published = append(published, text)
				}
				mu.Unlock()

				if err != nil {
					return err
				}
			}
		})

		var r recorder

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		h, err := bus.AddListener(&r, Debug)
		start := len(published)
		mu.Unlock()
		require.NoError(t, err)

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		require.NoError(t, bus.RemoveListener(h))
		end := len(published)
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)
		close(stop)
		require.NoError(t, g.Wait())

		settle(bus)

		mu.Lock()
		defer mu.Unlock()

		assert.Equal(t, published[start:end], r.Texts())
	})
}

func TestBusAsync(t *testing.T) {
	t.Run("queued events still reach a removed listener but later ones do not", func(t *testing.T) {
		bus := New(WithAsyncDelivery(16))
		defer bus.Close(context.Background())

		gate := make(chan struct{})

		var r recorder

		h, err := bus.AddListener(ListenerFunc(func(ev Event) error {
			<-gate
			return r.OnEvent(ev)
		}), Debug)
		require.NoError(t, err)

		require.NoError(t, bus.Publish(msg(Info, "m1")))
		require.NoError(t, bus.Publish(msg(Info, "m2")))
		require.NoError(t, bus.RemoveListener(h))
		require.NoError(t, bus.Publish(msg(Info, "m3")))

		close(gate)

		require.NoError(t, bus.Flush(context.Background()))

		assert.Equal(t, []string{"m1", "m2"}, r.Texts())
	})

	t.Run("a slow listener does not hold up the others", func(t *testing.T) {
		bus := New(WithAsyncDelivery(16))
		defer bus.Close(context.Background())

		gate := make(chan struct{})

		_, err := bus.AddListener(ListenerFunc(func(ev Event) error {
			<-gate
			return nil
		}), Debug)
		require.NoError(t, err)

		var fast recorder

		_, err = bus.AddListener(&fast, Debug)
		require.NoError(t, err)

		require.NoError(t, bus.Publish(msg(Info, "x")))

		require.Eventually(t, func() bool {
			return len(fast.Texts()) == 1
		}, time.Second, time.Millisecond)

		close(gate)
	})

	t.Run("flush gives up when the context ends", func(t *testing.T) {
		bus := New(WithAsyncDelivery(16))

		gate := make(chan struct{})

		_, err := bus.AddListener(ListenerFunc(func(ev Event) error {
			<-gate
			return nil
		}), Debug)
		require.NoError(t, err)

		require.NoError(t, bus.Publish(msg(Info, "stuck")))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		assert.Equal(t, context.DeadlineExceeded, bus.Flush(ctx))

		close(gate)
		require.NoError(t, bus.Close(context.Background()))
	})

	t.Run("flush gives up on a full queue and releases the bus", func(t *testing.T) {
		bus := New(WithAsyncDelivery(1))

		var (
			busy = make(chan struct{})
			gate = make(chan struct{})
			once sync.Once
		)

		_, err := bus.AddListener(ListenerFunc(func(ev Event) error {
			once.Do(func() { close(busy) })
			<-gate
			return nil
		}), Debug)
		require.NoError(t, err)

		require.NoError(t, bus.Publish(msg(Info, "m1")))
		<-busy
		require.NoError(t, bus.Publish(msg(Info, "m2")))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		start := time.Now()
		assert.Equal(t, context.DeadlineExceeded, bus.Flush(ctx))
		assert.True(t, time.Since(start) < 500*time.Millisecond)

		var other recorder

		added := make(chan error, 1)
		go func() {
			_, err := bus.AddListener(&other, Debug)
			added <- err
		}()

		select {
		case err := <-added:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("bus still locked after flush returned")
		}

		close(gate)
		require.NoError(t, bus.Close(context.Background()))
	})
}

func TestBusFailurePolicy(t *testing.T) {
	t.Run("sync evicts after repeated failures", func(t *testing.T) {
		var diag diagnostics

		bus := New(
			WithFailurePolicy(FailurePolicy{MaxConsecutiveFailures: 3}),
			WithDiagnostics(diag.sink),
		)

		var calls int

		h, err := bus.AddListener(ListenerFunc(func(Event) error {
			calls++
			return errors.New("broken pipe")
		}), Debug)
		require.NoError(t, err)

		var ok recorder

		_, err = bus.AddListener(&ok, Debug)
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			require.NoError(t, bus.Publish(msg(Info, fmt.Sprintf("m%d", i))))
		}

		assert.Equal(t, 3, calls)
		assert.Len(t, diag.Errors(), 3)
		assert.True(t, h.Removed())
		assert.Len(t, bus.Listeners(), 1)
		assert.Len(t, ok.Texts(), 5)

		assert.Equal(t, uint64(1), bus.Stats().Evicted)

		err = bus.RemoveListener(h)
		assert.True(t, errors.Is(err, ErrUnknownListener))
	})

	t.Run("async evicts after repeated failures", func(t *testing.T) {
		var diag diagnostics

		bus := New(
			WithAsyncDelivery(8),
			WithFailurePolicy(FailurePolicy{MaxConsecutiveFailures: 2}),
			WithDiagnostics(diag.sink),
		)
		defer bus.Close(context.Background())

		h, err := bus.AddListener(ListenerFunc(func(Event) error {
			panic("always")
		}), Debug)
		require.NoError(t, err)

		for i := 0; i < 6; i++ {
			require.NoError(t, bus.Publish(msg(Info, fmt.Sprintf("m%d", i))))
		}

		require.Eventually(t, h.Removed, time.Second, time.Millisecond)

		require.NoError(t, bus.Flush(context.Background()))

		// Events queued before the eviction committed are still attempted.
		errs := diag.Errors()
		assert.True(t, len(errs) >= 2 && len(errs) <= 6, "got %d failures", len(errs))
		assert.Equal(t, uint64(1), bus.Stats().Evicted)
		assert.Empty(t, bus.Listeners())
	})

	t.Run("async keeps delivering while an eviction is pending", func(t *testing.T) {
		var diag diagnostics

		bus := New(
			WithAsyncDelivery(8),
			WithFailurePolicy(FailurePolicy{MaxConsecutiveFailures: 1}),
			WithDiagnostics(diag.sink),
		)
		defer bus.Close(context.Background())

		gate := make(chan struct{})

		var r recorder

		h, err := bus.AddListener(ListenerFunc(func(ev Event) error {
			if ev.(*Message).Text == "m0" {
				<-gate
				return errors.New("first one fails")
			}
			return r.OnEvent(ev)
		}), Debug)
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			require.NoError(t, bus.Publish(msg(Info, fmt.Sprintf("m%d", i))))
		}

		assert.True(t, bus.registry.Contains(h))

		close(gate)

		require.Eventually(t, h.Removed, time.Second, time.Millisecond)

		require.NoError(t, bus.Publish(msg(Info, "after")))
		require.NoError(t, bus.Flush(context.Background()))

		assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, r.Texts())
		assert.Len(t, diag.Errors(), 1)
		assert.Equal(t, uint64(1), bus.Stats().Evicted)
	})

	t.Run("a success resets the count", func(t *testing.T) {
		bus := New(
			WithFailurePolicy(FailurePolicy{MaxConsecutiveFailures: 2}),
			WithDiagnostics(func(*DeliveryError) {}),
		)

		var n int

		h, err := bus.AddListener(ListenerFunc(func(Event) error {
			n++
			if n%2 == 1 {
				return errors.New("odd")
			}
			return nil
		}), Debug)
		require.NoError(t, err)

		for i := 0; i < 10; i++ {
			require.NoError(t, bus.Publish(msg(Info, "x")))
		}

		assert.False(t, h.Removed())
		assert.Equal(t, 10, n)
	})
}

func TestContext(t *testing.T) {
	t.Run("fires into the bus carried by the context", func(t *testing.T) {
		bus := New()

		var r recorder

		_, err := bus.AddListener(&r, Debug)
		require.NoError(t, err)

		ctx := WithBus(context.Background(), bus)
		assert.Equal(t, bus, FromContext(ctx))

		require.NoError(t, Fire(ctx, msg(Info, "fired")))
		require.NoError(t, Log(ctx, Warn, "test", "logged"))

		assert.Equal(t, []string{"fired", "logged"}, r.Texts())
	})

	t.Run("drops events without a bus", func(t *testing.T) {
		assert.Nil(t, FromContext(context.Background()))
		assert.NoError(t, Fire(context.Background(), msg(Info, "nowhere")))
	})
}
