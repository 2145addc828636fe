package kafka

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	mu      sync.Mutex
	written []kafka.Message
	err     error
	closed  bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func TestProducerFlushesOnShutdown(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	p := newProducer(w, "order.paid", 8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	for _, k := range []string{"a", "b", "c"} {
		m, err := NewMessage([]byte(k), "OrderPaid", 1, map[string]string{"order_id": k})
		if err != nil {
			t.Fatal(err)
		}
		if err := p.TryPublish(m); err != nil {
			t.Fatal(err)
		}
	}
	cancel()
	p.WaitClosed()

	if len(w.written) != 3 || !w.closed {
		t.Fatalf("expected 3 flushed messages and a closed writer, got %d closed=%v", len(w.written), w.closed)
	}
	if Header(w.written[0], HeaderEventType) != "OrderPaid" || Header(w.written[0], HeaderEventVersion) != "1" {
		t.Fatalf("headers missing: %+v", w.written[0].Headers)
	}
}

func TestTryPublishNeverBlocks(t *testing.T) {
	t.Parallel()

	p := newProducer(&fakeWriter{}, "t", 1, nil) // loop not started
	if err := p.TryPublish(kafka.Message{Key: []byte("1")}); err != nil {
		t.Fatal(err)
	}
	if err := p.TryPublish(kafka.Message{Key: []byte("2")}); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("expected buffer full, got %v", err)
	}
}

type fakeReader struct {
	mu        sync.Mutex
	msgs      chan kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConsumerRetriesFailureBeforeCommittingLaterOffsets(t *testing.T) {
	t.Parallel()

	r := &fakeReader{msgs: make(chan kafka.Message, 3)}
	r.msgs <- kafka.Message{Offset: 1}
	r.msgs <- kafka.Message{Offset: 2, Value: []byte("flaky")}
	r.msgs <- kafka.Message{Offset: 3}

	c := newConsumer(r, 1, nil)
	c.backoff = func(int) time.Duration { return time.Millisecond }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu      sync.Mutex
		handled []int64
		failed  bool
	)
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx, func(_ context.Context, m kafka.Message) error {
			mu.Lock()
			defer mu.Unlock()
			handled = append(handled, m.Offset)
			if string(m.Value) == "flaky" && !failed {
				failed = true
				return errors.New("erp busy")
			}
			return nil
		})
	}()

	waitFor(t, func() bool { return len(r.commits()) == 3 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("shutdown should be clean, got %v", err)
	}
	got := r.commits()
	if got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("expected offsets committed in order 1,2,3, got %v", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(handled) != 4 || handled[1] != 2 || handled[2] != 2 || handled[3] != 3 {
		t.Fatalf("offset 2 must be retried before 3 is handled, got %v", handled)
	}
}

func TestConsumerHoldsOnlyTheFailingPartition(t *testing.T) {
	t.Parallel()

	r := &fakeReader{msgs: make(chan kafka.Message, 3)}
	r.msgs <- kafka.Message{Partition: 0, Offset: 10, Value: []byte("bad")}
	r.msgs <- kafka.Message{Partition: 0, Offset: 11}
	r.msgs <- kafka.Message{Partition: 1, Offset: 20}

	c := newConsumer(r, 2, nil)
	c.backoff = func(int) time.Duration { return time.Millisecond }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx, func(_ context.Context, m kafka.Message) error {
			if string(m.Value) == "bad" {
				attempts.Add(1)
				return errors.New("cannot submit")
			}
			return nil
		})
	}()

	waitFor(t, func() bool { return len(r.commits()) == 1 && attempts.Load() >= 3 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("shutdown should be clean, got %v", err)
	}
	if got := r.commits(); len(got) != 1 || got[0] != 20 {
		t.Fatalf("only the healthy partition may commit, got %v", got)
	}
}

func TestRetryDelayIsCapped(t *testing.T) {
	t.Parallel()

	if d := retryDelay(1); d != 200*time.Millisecond {
		t.Fatalf("first retry %v", d)
	}
	if d := retryDelay(3); d != 800*time.Millisecond {
		t.Fatalf("third retry %v", d)
	}
	if d := retryDelay(50); d != maxRetryDelay {
		t.Fatalf("late retry %v", d)
	}
}
