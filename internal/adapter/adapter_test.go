package adapter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kvoss/fleetline/internal/protocol"
)

// fakeBackend scripts responses and instruments concurrency.
type fakeBackend struct {
	mu        sync.Mutex
	sessions  int32
	calls     int32
	inflight  int32
	peak      int32
	delay     time.Duration
	failUntil int32 // calls up to this count return ErrRateLimited
	reply     func(call int32, msg protocol.Message) []Chunk
}

func (f *fakeBackend) CreateSession(ctx context.Context) (string, error) {
	n := atomic.AddInt32(&f.sessions, 1)
	return fmt.Sprintf("remote-%d", n), nil
}

func (f *fakeBackend) Send(ctx context.Context, sessionID string, msg protocol.Message) (<-chan Chunk, error) {
	call := atomic.AddInt32(&f.calls, 1)
	if call <= f.failUntil {
		return nil, ErrRateLimited
	}

	cur := atomic.AddInt32(&f.inflight, 1)
	for {
		peak := atomic.LoadInt32(&f.peak)
		if cur <= peak || atomic.CompareAndSwapInt32(&f.peak, peak, cur) {
			break
		}
	}

	ch := make(chan Chunk, 8)
	go func() {
		defer close(ch)
		defer atomic.AddInt32(&f.inflight, -1)
		if f.delay > 0 {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				return
			}
		}
		chunks := []Chunk{{Text: "ok"}, {Done: true}}
		if f.reply != nil {
			chunks = f.reply(call, msg)
		}
		for _, c := range chunks {
			ch <- c
		}
	}()
	return ch, nil
}

func testExecutor(b Backend, cfg Config) *Executor {
	return NewExecutor("billing", b, cfg, zap.NewNop())
}

func collect(ch <-chan protocol.Event) []protocol.Event {
	var out []protocol.Event
	for e := range ch {
		out = append(out, e)
	}
	return out
}

func newDispatchTask(id, ctxID, text string) *protocol.Task {
	task := protocol.NewTask(id, ctxID)
	task.Append(protocol.UserText(ctxID, text))
	return task
}

func TestDispatchDone(t *testing.T) {
	fb := &fakeBackend{reply: func(_ int32, _ protocol.Message) []Chunk {
		return []Chunk{
			{Text: "The invoice "},
			{Tool: "lookup", ToolOp: "started"},
			{Tool: "lookup", ToolOp: "completed"},
			{Text: "is paid in full."},
			{Done: true, Usage: &protocol.Usage{TotalTokens: 12}},
		}
	}}
	ex := testExecutor(fb, Config{})
	task := newDispatchTask("t1", "ctx1", "check invoice 42")

	events := collect(ex.Dispatch(context.Background(), task, DispatchOpts{}))

	last := events[len(events)-1]
	if last.Kind != protocol.EventDone {
		t.Fatalf("terminal event = %s, want done", last.Kind)
	}
	if last.FinalText != "The invoice is paid in full." {
		t.Errorf("final text = %q", last.FinalText)
	}
	if last.Usage == nil || last.Usage.TotalTokens != 12 {
		t.Errorf("usage = %+v", last.Usage)
	}

	var kinds []protocol.EventKind
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	want := []protocol.EventKind{
		protocol.EventTextDelta,
		protocol.EventToolCallStarted,
		protocol.EventToolCallCompleted,
		protocol.EventTextDelta,
		protocol.EventDone,
	}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}

	if task.State != protocol.StateCompleted {
		t.Errorf("task state = %s, want completed", task.State)
	}
	// Agent reply and usage metadata landed in history.
	if len(task.History) != 3 {
		t.Errorf("history length = %d, want 3 (user, agent text, usage data)", len(task.History))
	}
}

func TestSessionContinuityAndForceNew(t *testing.T) {
	fb := &fakeBackend{}
	ex := testExecutor(fb, Config{})

	collect(ex.Dispatch(context.Background(), newDispatchTask("t1", "ctx1", "a"), DispatchOpts{}))
	collect(ex.Dispatch(context.Background(), newDispatchTask("t2", "ctx1", "b"), DispatchOpts{}))
	if n := atomic.LoadInt32(&fb.sessions); n != 1 {
		t.Fatalf("sessions after two dispatches = %d, want 1 (reused)", n)
	}

	collect(ex.Dispatch(context.Background(), newDispatchTask("t3", "ctx2", "c"), DispatchOpts{}))
	if n := atomic.LoadInt32(&fb.sessions); n != 2 {
		t.Fatalf("sessions after new context = %d, want 2", n)
	}

	collect(ex.Dispatch(context.Background(), newDispatchTask("t4", "ctx1", "d"), DispatchOpts{ForceNewSession: true}))
	if n := atomic.LoadInt32(&fb.sessions); n != 3 {
		t.Fatalf("sessions after forced new = %d, want 3", n)
	}
}

func TestConcurrencySemaphore(t *testing.T) {
	fb := &fakeBackend{delay: 50 * time.Millisecond}
	ex := testExecutor(fb, Config{Concurrency: 3, RatePerMinute: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task := newDispatchTask(fmt.Sprintf("t%d", i), fmt.Sprintf("ctx%d", i), "go")
			collect(ex.Dispatch(context.Background(), task, DispatchOpts{}))
		}(i)
	}
	wg.Wait()

	if peak := atomic.LoadInt32(&fb.peak); peak > 3 {
		t.Fatalf("peak backend concurrency = %d, exceeds semaphore limit 3", peak)
	}
}

func TestRateLimitRetryThenSuccess(t *testing.T) {
	fb := &fakeBackend{failUntil: 2}
	ex := testExecutor(fb, Config{RetryBase: time.Millisecond, RetryCap: 4 * time.Millisecond})

	task := newDispatchTask("t1", "ctx1", "go")
	events := collect(ex.Dispatch(context.Background(), task, DispatchOpts{}))

	last := events[len(events)-1]
	if last.Kind != protocol.EventDone {
		t.Fatalf("terminal = %s, want done after retries", last.Kind)
	}
	if calls := atomic.LoadInt32(&fb.calls); calls != 3 {
		t.Errorf("backend calls = %d, want 3 (2 limited + 1 ok)", calls)
	}
}

func TestRateLimitRetriesExhausted(t *testing.T) {
	fb := &fakeBackend{failUntil: 100}
	ex := testExecutor(fb, Config{RetryBase: time.Millisecond, RetryCap: 2 * time.Millisecond, MaxRetries: 3})

	task := newDispatchTask("t1", "ctx1", "go")
	events := collect(ex.Dispatch(context.Background(), task, DispatchOpts{}))

	last := events[len(events)-1]
	if last.Kind != protocol.EventFailed {
		t.Fatalf("terminal = %s, want failed", last.Kind)
	}
	// Initial call plus three retries.
	if calls := atomic.LoadInt32(&fb.calls); calls != 4 {
		t.Errorf("backend calls = %d, want 4", calls)
	}
	if task.State != protocol.StateFailed {
		t.Errorf("task state = %s, want failed", task.State)
	}
}

func TestDispatchDetectsInputRequest(t *testing.T) {
	fb := &fakeBackend{reply: func(_ int32, _ protocol.Message) []Chunk {
		return []Chunk{
			{Text: "[[INPUT_NEEDED]]Confirm refund amount?[[/INPUT_NEEDED]]"},
			{Done: true},
		}
	}}
	ex := testExecutor(fb, Config{})
	task := newDispatchTask("t1", "ctx1", "refund order 9")

	events := collect(ex.Dispatch(context.Background(), task, DispatchOpts{}))
	last := events[len(events)-1]
	if last.Kind != protocol.EventInputRequested {
		t.Fatalf("terminal = %s, want input_requested", last.Kind)
	}
	if last.Question != "Confirm refund amount?" {
		t.Errorf("question = %q", last.Question)
	}
	if task.State != protocol.StateInputRequired {
		t.Errorf("task state = %s, want input_required", task.State)
	}

	pi, ok := ex.Pending().Get("ctx1")
	if !ok {
		t.Fatal("no pending input recorded")
	}
	if pi.Question != "Confirm refund amount?" {
		t.Errorf("pending question = %q", pi.Question)
	}

	if !ex.Resume("ctx1", protocol.UserText("ctx1", "yes")) {
		t.Error("resume failed")
	}
}

func TestCancelIdempotentOnTerminalTask(t *testing.T) {
	fb := &fakeBackend{}
	ex := testExecutor(fb, Config{})
	task := newDispatchTask("t1", "ctx1", "go")
	collect(ex.Dispatch(context.Background(), task, DispatchOpts{}))

	// Task completed; nothing pending, so cancel is a no-op, not an error.
	if ex.Cancel("ctx1") {
		t.Error("cancel of completed task reported work done")
	}
}

func TestDispatchContextCancelled(t *testing.T) {
	fb := &fakeBackend{delay: time.Second}
	ex := testExecutor(fb, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	task := newDispatchTask("t1", "ctx1", "go")
	events := collect(ex.Dispatch(ctx, task, DispatchOpts{}))
	last := events[len(events)-1]
	if last.Kind != protocol.EventFailed {
		t.Fatalf("terminal = %s, want failed on context cancel", last.Kind)
	}
}
