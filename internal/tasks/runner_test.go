package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memRecorder struct {
	mu      sync.Mutex
	started map[string]string
	ended   map[string]string
	msgs    map[string]string
}

func newMemRecorder() *memRecorder {
	return &memRecorder{started: map[string]string{}, ended: map[string]string{}, msgs: map[string]string{}}
}

func (m *memRecorder) Started(_ context.Context, id, name, _ string, _ time.Time) error {
	m.mu.Lock()
	m.started[id] = name
	m.mu.Unlock()
	return nil
}

func (m *memRecorder) Finished(_ context.Context, id, status, msg string, _ time.Time) error {
	m.mu.Lock()
	m.ended[id] = status
	m.msgs[id] = msg
	m.mu.Unlock()
	return nil
}

func TestRunnerRecordsOutcomes(t *testing.T) {
	t.Parallel()

	rec := newMemRecorder()
	r := NewRunner(context.Background(), rec, time.Second, nil)

	ok := r.Go("erp.create_documents", "order-1", func(context.Context) error { return nil })
	bad := r.Go("erp.create_documents", "order-2", func(context.Context) error { return errors.New("erp 502") })
	boom := r.Go("erp.create_documents", "order-3", func(context.Context) error { panic("nil map") })

	if err := r.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := map[string]string{ok: StatusSucceeded, bad: StatusFailed, boom: StatusFailed}
	for id, status := range want {
		if rec.started[id] != "erp.create_documents" || rec.ended[id] != status {
			t.Fatalf("task %s: started=%q ended=%q want %q", id, rec.started[id], rec.ended[id], status)
		}
	}
	if rec.msgs[bad] != "erp 502" {
		t.Fatalf("error message not recorded: %q", rec.msgs[bad])
	}
}

func TestRunnerTimeout(t *testing.T) {
	t.Parallel()

	rec := newMemRecorder()
	r := NewRunner(context.Background(), rec, 10*time.Millisecond, nil)
	id := r.Go("slow", "", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := r.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rec.ended[id] != StatusFailed {
		t.Fatalf("timed out task must be failed, got %q", rec.ended[id])
	}
}

func TestRunnerGoForOutlivesDefaultTimeout(t *testing.T) {
	t.Parallel()

	rec := newMemRecorder()
	r := NewRunner(context.Background(), rec, 5*time.Millisecond, nil)
	id := r.GoFor("inventory.sync", "inventory", time.Second, func(ctx context.Context) error {
		select {
		case <-time.After(30 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err := r.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rec.ended[id] != StatusSucceeded {
		t.Fatalf("task with its own timeout must finish, got %q", rec.ended[id])
	}
}
