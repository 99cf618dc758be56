package processor_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"eventline/pkg/dcb"
	"eventline/pkg/processor"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func orderPlaced(orderID string) dcb.InputEvent {
	return dcb.NewInputEvent("OrderPlaced",
		dcb.NewTags("order_id", orderID),
		[]byte(`{"order_id":"`+orderID+`"}`))
}

func paymentTaken(orderID string) dcb.InputEvent {
	return dcb.NewInputEvent("PaymentTaken",
		dcb.NewTags("order_id", orderID),
		[]byte(`{"order_id":"`+orderID+`"}`))
}

// collectingHandler records every delivered event and can be told to fail.
type collectingHandler struct {
	mu       sync.Mutex
	events   []dcb.Event
	calls    int
	failures int // fail this many leading calls
}

func (h *collectingHandler) Handle(_ context.Context, _ string, events []dcb.Event) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.calls <= h.failures {
		return 0, errors.New("handler failure")
	}
	h.events = append(h.events, events...)
	return len(events), nil
}

func (h *collectingHandler) collected() []dcb.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]dcb.Event(nil), h.events...)
}

func (h *collectingHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func testConfig(instanceID string) processor.Config {
	cfg := processor.DefaultRuntimeConfig(instanceID)
	cfg.TickInterval = 10 * time.Millisecond
	cfg.Backoff = processor.BackoffPolicy{BaseSkip: 1, Growth: 2.0, MaxSkip: 4}
	return cfg
}

// startRuntime runs rt in the background and returns a stop function that
// cancels it and waits for shutdown.
func startRuntime(rt *processor.Runtime) func() {
	ctx, cancel := context.WithCancel(suiteCtx)
	done := make(chan error, 1)
	go func() {
		done <- rt.Start(ctx)
	}()
	return func() {
		cancel()
		Eventually(done, 5*time.Second).Should(Receive(BeNil()))
	}
}

var _ = Describe("ProgressStore", func() {
	var progress *processor.ProgressStore

	BeforeEach(func() {
		Expect(truncateTables(suiteCtx, pool)).To(Succeed())
		progress = processor.NewProgressStore(pool)
	})

	It("registers once and preserves position on re-registration", func() {
		Expect(progress.AutoRegister(suiteCtx, "views/orders", "instance-a")).To(Succeed())
		Expect(progress.UpdateProgress(suiteCtx, "views/orders", 42)).To(Succeed())

		// A failed-over instance re-registers without losing progress.
		Expect(progress.AutoRegister(suiteCtx, "views/orders", "instance-b")).To(Succeed())

		pos, err := progress.GetLastPosition(suiteCtx, "views/orders")
		Expect(err).NotTo(HaveOccurred())
		Expect(pos).To(Equal(int64(42)))

		rec, err := progress.Get(suiteCtx, "views/orders")
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.InstanceID).To(Equal("instance-b"))
		Expect(rec.Status).To(Equal(processor.StatusActive))
	})

	It("fails the processor after maxErrors consecutive errors", func() {
		Expect(progress.AutoRegister(suiteCtx, "outbox/kafka", "instance-a")).To(Succeed())

		Expect(progress.RecordError(suiteCtx, "outbox/kafka", "broker down", 3)).To(Succeed())
		Expect(progress.RecordError(suiteCtx, "outbox/kafka", "broker down", 3)).To(Succeed())
		status, err := progress.GetStatus(suiteCtx, "outbox/kafka")
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal(processor.StatusActive))

		Expect(progress.RecordError(suiteCtx, "outbox/kafka", "broker down", 3)).To(Succeed())
		status, err = progress.GetStatus(suiteCtx, "outbox/kafka")
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal(processor.StatusFailed))

		rec, err := progress.Get(suiteCtx, "outbox/kafka")
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.ErrorCount).To(Equal(3))
		Expect(*rec.LastError).To(Equal("broker down"))
	})

	It("clears the error state on reset", func() {
		Expect(progress.AutoRegister(suiteCtx, "p", "i")).To(Succeed())
		Expect(progress.RecordError(suiteCtx, "p", "x", 5)).To(Succeed())
		Expect(progress.ResetErrorCount(suiteCtx, "p")).To(Succeed())

		rec, err := progress.Get(suiteCtx, "p")
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.ErrorCount).To(BeZero())
		Expect(rec.LastError).To(BeNil())
	})
})

var _ = Describe("LeaderElector", func() {
	BeforeEach(func() {
		Expect(truncateTables(suiteCtx, pool)).To(Succeed())
	})

	It("grants a GLOBAL lock to exactly one instance", func() {
		a := processor.NewLeaderElector(pool, processor.StrategyGlobal, "instance-a", nil)
		b := processor.NewLeaderElector(pool, processor.StrategyGlobal, "instance-b", nil)
		defer a.ReleaseAll(suiteCtx)
		defer b.ReleaseAll(suiteCtx)

		ok, err := a.TryAcquire(suiteCtx, "any")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())

		ok, err = b.TryAcquire(suiteCtx, "any")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())

		// Re-acquisition by the holder is a no-op success.
		ok, err = a.TryAcquire(suiteCtx, "other")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())

		Expect(a.Release(suiteCtx, "any")).To(Succeed())
		ok, err = b.TryAcquire(suiteCtx, "any")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
	})

	It("lets different instances lead different processors under PER_PROCESSOR", func() {
		a := processor.NewLeaderElector(pool, processor.StrategyPerProcessor, "instance-a", nil)
		b := processor.NewLeaderElector(pool, processor.StrategyPerProcessor, "instance-b", nil)
		defer a.ReleaseAll(suiteCtx)
		defer b.ReleaseAll(suiteCtx)

		ok, err := a.TryAcquire(suiteCtx, "views/orders")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())

		ok, err = b.TryAcquire(suiteCtx, "outbox/kafka")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())

		// But never the same processor twice.
		ok, err = b.TryAcquire(suiteCtx, "views/orders")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
		Expect(b.IsLeader("views/orders")).To(BeFalse())
		Expect(a.IsLeader("views/orders")).To(BeTrue())
	})
})

var _ = Describe("Fetcher", func() {
	var fetcher *processor.Fetcher

	BeforeEach(func() {
		Expect(truncateTables(suiteCtx, pool)).To(Succeed())
		fetcher = processor.NewFetcher(pool, "events")
	})

	It("returns events past the position in ascending order", func() {
		_, err := store.Append(suiteCtx, []dcb.InputEvent{
			orderPlaced("o1"), paymentTaken("o1"), orderPlaced("o2"),
		})
		Expect(err).NotTo(HaveOccurred())

		events, err := fetcher.FetchEvents(suiteCtx, dcb.Query{}, 0, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(3))
		for i := 1; i < len(events); i++ {
			Expect(events[i].Position).To(BeNumerically(">", events[i-1].Position))
		}

		tail, err := fetcher.FetchEvents(suiteCtx, dcb.Query{}, events[0].Position, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(tail).To(HaveLen(2))
	})

	It("applies the processor filter", func() {
		_, err := store.Append(suiteCtx, []dcb.InputEvent{
			orderPlaced("o1"), paymentTaken("o1"), orderPlaced("o2"),
		})
		Expect(err).NotTo(HaveOccurred())

		events, err := fetcher.FetchEvents(suiteCtx, dcb.NewQuery(nil, "OrderPlaced"), 0, 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(2))
		for _, e := range events {
			Expect(e.Type).To(Equal("OrderPlaced"))
		}
	})

	It("caps the batch size", func() {
		_, err := store.Append(suiteCtx, []dcb.InputEvent{
			orderPlaced("o1"), orderPlaced("o2"), orderPlaced("o3"),
		})
		Expect(err).NotTo(HaveOccurred())

		events, err := fetcher.FetchEvents(suiteCtx, dcb.Query{}, 0, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(2))
	})
})

var _ = Describe("Runtime", func() {
	BeforeEach(func() {
		Expect(truncateTables(suiteCtx, pool)).To(Succeed())
	})

	It("delivers appended events and advances progress", func() {
		handler := &collectingHandler{}
		rt := processor.NewRuntime(pool, testConfig("instance-a"))
		Expect(rt.Register(processor.Processor{ID: "views/orders", Handler: handler})).To(Succeed())

		stop := startRuntime(rt)
		defer stop()

		_, err := store.Append(suiteCtx, []dcb.InputEvent{
			orderPlaced("o1"), paymentTaken("o1"),
		})
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() int {
			return len(handler.collected())
		}, 5*time.Second, 20*time.Millisecond).Should(Equal(2))

		events := handler.collected()
		Eventually(func() (int64, error) {
			rec, err := rt.Status(suiteCtx, "views/orders")
			return rec.LastPosition, err
		}, 5*time.Second, 20*time.Millisecond).Should(Equal(events[len(events)-1].Position))
	})

	It("redelivers a batch whose handler failed", func() {
		handler := &collectingHandler{failures: 2}
		cfg := testConfig("instance-a")
		cfg.MaxErrors = 10
		rt := processor.NewRuntime(pool, cfg)
		Expect(rt.Register(processor.Processor{ID: "views/orders", Handler: handler})).To(Succeed())

		_, err := store.Append(suiteCtx, []dcb.InputEvent{orderPlaced("o1")})
		Expect(err).NotTo(HaveOccurred())

		stop := startRuntime(rt)
		defer stop()

		// The first two deliveries fail without advancing progress; the third
		// succeeds with the same event.
		Eventually(func() int {
			return len(handler.collected())
		}, 5*time.Second, 20*time.Millisecond).Should(Equal(1))
		Expect(handler.callCount()).To(BeNumerically(">=", 3))

		Eventually(func() (int64, error) {
			rec, err := rt.Status(suiteCtx, "views/orders")
			return rec.LastPosition, err
		}, 5*time.Second, 20*time.Millisecond).Should(Equal(handler.collected()[0].Position))

		rec, err := rt.Status(suiteCtx, "views/orders")
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.ErrorCount).To(BeZero(), "success resets the error count")
	})

	It("marks a persistently failing processor FAILED and stops polling it", func() {
		handler := &collectingHandler{failures: 1 << 30}
		cfg := testConfig("instance-a")
		cfg.MaxErrors = 2
		rt := processor.NewRuntime(pool, cfg)
		Expect(rt.Register(processor.Processor{ID: "outbox/kafka", Handler: handler})).To(Succeed())

		_, err := store.Append(suiteCtx, []dcb.InputEvent{orderPlaced("o1")})
		Expect(err).NotTo(HaveOccurred())

		stop := startRuntime(rt)
		defer stop()

		Eventually(func() (processor.Status, error) {
			rec, err := rt.Status(suiteCtx, "outbox/kafka")
			return rec.Status, err
		}, 5*time.Second, 20*time.Millisecond).Should(Equal(processor.StatusFailed))

		// Let any in-flight tick drain before sampling.
		time.Sleep(100 * time.Millisecond)
		calls := handler.callCount()
		Consistently(handler.callCount, 300*time.Millisecond, 50*time.Millisecond).Should(Equal(calls))

		rec, err := rt.Status(suiteCtx, "outbox/kafka")
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.LastPosition).To(BeZero(), "failed handler must not advance progress")
	})

	It("honors pause and resume", func() {
		handler := &collectingHandler{}
		rt := processor.NewRuntime(pool, testConfig("instance-a"))
		Expect(rt.Register(processor.Processor{ID: "views/orders", Handler: handler})).To(Succeed())

		stop := startRuntime(rt)
		defer stop()

		// Wait for auto-registration, then pause.
		Eventually(func() error {
			_, err := rt.Status(suiteCtx, "views/orders")
			return err
		}, 5*time.Second, 20*time.Millisecond).Should(Succeed())
		Expect(rt.Pause(suiteCtx, "views/orders")).To(Succeed())

		_, err := store.Append(suiteCtx, []dcb.InputEvent{orderPlaced("o1")})
		Expect(err).NotTo(HaveOccurred())

		Consistently(func() int {
			return len(handler.collected())
		}, 300*time.Millisecond, 50*time.Millisecond).Should(BeZero())

		Expect(rt.Resume(suiteCtx, "views/orders")).To(Succeed())
		Eventually(func() int {
			return len(handler.collected())
		}, 5*time.Second, 20*time.Millisecond).Should(Equal(1))
	})

	It("reports lag against the log head", func() {
		handler := &collectingHandler{}
		rt := processor.NewRuntime(pool, testConfig("instance-a"))
		Expect(rt.Register(processor.Processor{ID: "views/orders", Handler: handler})).To(Succeed())

		stop := startRuntime(rt)
		defer stop()

		_, err := store.Append(suiteCtx, []dcb.InputEvent{orderPlaced("o1"), orderPlaced("o2")})
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() (int64, error) {
			return rt.Lag(suiteCtx, "views/orders")
		}, 5*time.Second, 20*time.Millisecond).Should(BeZero())
	})

	It("backs off while idle and resets on delivery", func() {
		handler := &collectingHandler{}
		rt := processor.NewRuntime(pool, testConfig("instance-a"))
		Expect(rt.Register(processor.Processor{ID: "views/orders", Handler: handler})).To(Succeed())

		stop := startRuntime(rt)
		defer stop()

		Eventually(func() (int, error) {
			info, err := rt.Backoff("views/orders")
			return info.EmptyPolls, err
		}, 5*time.Second, 20*time.Millisecond).Should(BeNumerically(">", 1))

		_, err := store.Append(suiteCtx, []dcb.InputEvent{orderPlaced("o1")})
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() int {
			return len(handler.collected())
		}, 5*time.Second, 20*time.Millisecond).Should(Equal(1))

		info, err := rt.Backoff("views/orders")
		Expect(err).NotTo(HaveOccurred())
		Expect(info.EmptyPolls).To(BeZero())
	})
})
