package emergency

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/reliefsync/internal/store"
	"github.com/hyperengineering/reliefsync/internal/types"
)

// mockDispatcher records calls and fails while fail is set.
type mockDispatcher struct {
	mu    sync.Mutex
	calls []types.CallRequest
	fail  bool
}

func (m *mockDispatcher) Dispatch(_ context.Context, req types.CallRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if m.fail {
		return errors.New("carrier unavailable")
	}
	return nil
}

func (m *mockDispatcher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockDispatcher) setFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
}

type staticOnline bool

func (s staticOnline) IsOnline() bool { return bool(s) }

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var call = types.CallRequest{ContactPhone: "+15550100", Message: "Trapped on roof", CallerID: "+15550111"}

func TestEnqueue_OfflineHoldsItem(t *testing.T) {
	d := &mockDispatcher{}
	q := NewQueue(newTestStore(t), d, staticOnline(false), QueueConfig{})
	ctx := context.Background()

	item, err := q.Enqueue(ctx, call)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if item.Priority != "critical" || item.MaxRetries != 3 || item.Type != types.QueueItemEmergencyCall {
		t.Errorf("item = %+v", item)
	}
	if d.count() != 0 {
		t.Errorf("dispatch attempted while offline")
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Errorf("Len() = %d, want 1", n)
	}
}

func TestEnqueue_OnlineProcessesImmediately(t *testing.T) {
	d := &mockDispatcher{}
	q := NewQueue(newTestStore(t), d, staticOnline(true), QueueConfig{})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, call); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if d.count() != 1 {
		t.Errorf("dispatch calls = %d, want 1", d.count())
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("Len() = %d, want 0 after dispatch", n)
	}
}

func TestProcess_RetryCap(t *testing.T) {
	d := &mockDispatcher{fail: true}
	q := NewQueue(newTestStore(t), d, staticOnline(false), QueueConfig{MaxRetries: 3})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, call); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// Given three failed passes
	for i := 0; i < 3; i++ {
		res, err := q.Process(ctx)
		if err != nil {
			t.Fatalf("Process() error = %v", err)
		}
		if res.Attempted != 1 || res.Failed != 1 {
			t.Errorf("pass %d = %+v", i, res)
		}
	}

	// Then the item is failed and kept for operators
	items, err := q.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(items) != 1 || items[0].Retries != 3 || !items[0].Failed() {
		t.Fatalf("items = %+v", items)
	}
	if items[0].LastError != "carrier unavailable" || items[0].LastAttemptAt == nil {
		t.Errorf("item = %+v", items[0])
	}

	// And a fourth pass does not attempt it
	res, err := q.Process(ctx)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Attempted != 0 || d.count() != 3 {
		t.Errorf("fourth pass = %+v, dispatch calls = %d", res, d.count())
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("Len() = %d, want 0", n)
	}
}

func TestCall_AttemptsBounded(t *testing.T) {
	d := &mockDispatcher{fail: true}
	q := NewQueue(newTestStore(t), d, staticOnline(true), QueueConfig{MaxRetries: 3})
	ctx := context.Background()

	resp, err := q.Call(ctx, call)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if resp.Dispatched || !resp.Queued || resp.ItemID == "" || resp.Error == "" {
		t.Errorf("response = %+v", resp)
	}

	for i := 0; i < 10; i++ {
		if _, err := q.Process(ctx); err != nil {
			t.Fatalf("Process() error = %v", err)
		}
	}
	if got := d.count(); got != 4 {
		t.Errorf("dispatch calls = %d, want maxRetries+1 = 4", got)
	}
}

func TestCall_OnlineDispatchesDirectly(t *testing.T) {
	d := &mockDispatcher{}
	q := NewQueue(newTestStore(t), d, staticOnline(true), QueueConfig{})

	resp, err := q.Call(context.Background(), call)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if !resp.Dispatched || resp.Queued {
		t.Errorf("response = %+v", resp)
	}
	if items, _ := q.List(context.Background()); len(items) != 0 {
		t.Errorf("items = %d, want none", len(items))
	}
}

func TestProcess_FIFOAndRecovery(t *testing.T) {
	d := &mockDispatcher{}
	q := NewQueue(newTestStore(t), d, staticOnline(false), QueueConfig{})
	ctx := context.Background()

	for _, phone := range []string{"+1", "+2", "+3"} {
		if _, err := q.Enqueue(ctx, types.CallRequest{ContactPhone: phone, Message: "help"}); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	d.setFail(true)
	q.Process(ctx)
	d.setFail(false)

	res, err := q.Process(ctx)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Dispatched != 3 {
		t.Errorf("result = %+v", res)
	}
	for i, want := range []string{"+1", "+2", "+3"} {
		if d.calls[3+i].ContactPhone != want {
			t.Errorf("call %d = %s, want %s", i, d.calls[3+i].ContactPhone, want)
		}
	}
}

func TestEnqueue_Full(t *testing.T) {
	q := NewQueue(newTestStore(t), &mockDispatcher{}, staticOnline(false), QueueConfig{MaxSize: 1})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, call); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := q.Enqueue(ctx, call); !errors.Is(err, ErrQueueFull) {
		t.Errorf("error = %v, want ErrQueueFull", err)
	}
}

func TestProcess_ConcurrentPassesDoNotDoubleDispatch(t *testing.T) {
	d := &mockDispatcher{}
	q := NewQueue(newTestStore(t), d, staticOnline(false), QueueConfig{})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := q.Enqueue(ctx, call); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Process(ctx)
		}()
	}
	wg.Wait()

	if d.count() != 5 {
		t.Errorf("dispatch calls = %d, want 5", d.count())
	}
}

// blockingDispatcher holds every dispatch until release is closed.
type blockingDispatcher struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingDispatcher) Dispatch(ctx context.Context, _ types.CallRequest) error {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return errors.New("carrier unavailable")
}

func TestCall_DoesNotWaitForRunningPass(t *testing.T) {
	d := &blockingDispatcher{started: make(chan struct{}), release: make(chan struct{})}
	q := NewQueue(newTestStore(t), d, staticOnline(false), QueueConfig{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, call); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	// Given a pass stuck on a slow dispatch
	passDone := make(chan struct{})
	go func() {
		defer close(passDone)
		q.Process(ctx)
	}()
	<-d.started

	// When a new call arrives
	callDone := make(chan error, 1)
	go func() {
		_, err := q.Call(ctx, call)
		callDone <- err
	}()

	// Then it is queued without waiting for the pass
	select {
	case err := <-callDone:
		if err != nil {
			t.Fatalf("Call() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Call() blocked behind a running Process pass")
	}
	close(d.release)
	<-passDone

	if n, _ := q.Len(ctx); n != 4 {
		t.Errorf("Len() = %d, want 4", n)
	}
}

func TestCall_FailedDirectAttemptRetriesBacklog(t *testing.T) {
	d := &mockDispatcher{}
	s := newTestStore(t)
	ctx := context.Background()

	// Given an item queued while offline
	offline := NewQueue(s, d, staticOnline(false), QueueConfig{})
	if _, err := offline.Enqueue(ctx, types.CallRequest{ContactPhone: "+1", Message: "help"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// When an online call's direct attempt fails but the carrier recovers
	q := NewQueue(s, &flakyDispatcher{inner: d, failures: 1}, staticOnline(true), QueueConfig{})
	resp, err := q.Call(ctx, types.CallRequest{ContactPhone: "+2", Message: "help"})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}

	// Then the backlog and the new call are dispatched in the same request
	if !resp.Dispatched || resp.ItemID == "" {
		t.Errorf("response = %+v, want dispatched from the queue", resp)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("Len() = %d, want 0", n)
	}
	if d.count() != 2 || d.calls[0].ContactPhone != "+1" || d.calls[1].ContactPhone != "+2" {
		t.Errorf("calls = %+v, want +1 then +2", d.calls)
	}
}

// flakyDispatcher fails the first failures calls, then delegates.
type flakyDispatcher struct {
	mu       sync.Mutex
	inner    Dispatcher
	failures int
}

func (f *flakyDispatcher) Dispatch(ctx context.Context, req types.CallRequest) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("carrier unavailable")
	}
	f.mu.Unlock()
	return f.inner.Dispatch(ctx, req)
}
