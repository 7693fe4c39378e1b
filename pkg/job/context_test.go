package job

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// callLog records the order cross-component calls happen in.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	l.calls = append(l.calls, name)
	l.mu.Unlock()
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) indexOf(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, c := range l.calls {
		if c == name {
			return i
		}
	}
	return -1
}

// fakeRoom implements Room without any transport.
type fakeRoom struct {
	calls    *callLog
	joinErr  error
	waitErr  error
	identity string

	mu         sync.Mutex
	joinCalls  int
	leaveCalls int

	events chan *Event
}

var _ Room = (*fakeRoom)(nil)

func newFakeRoom(calls *callLog) *fakeRoom {
	return &fakeRoom{
		calls:    calls,
		identity: "alice",
		events:   make(chan *Event, 16),
	}
}

func (f *fakeRoom) Join(ctx context.Context) error {
	f.mu.Lock()
	f.joinCalls++
	f.mu.Unlock()
	if f.calls != nil {
		f.calls.add("room.join")
	}
	return f.joinErr
}

func (f *fakeRoom) Leave() error {
	f.mu.Lock()
	f.leaveCalls++
	f.mu.Unlock()
	if f.calls != nil {
		f.calls.add("room.leave")
	}
	return nil
}

func (f *fakeRoom) WaitForParticipant(ctx context.Context, identity string) (string, error) {
	if f.calls != nil {
		f.calls.add("room.wait")
	}
	if f.waitErr != nil {
		return "", f.waitErr
	}
	return f.identity, nil
}

func (f *fakeRoom) OnAudioFrame(fn AudioFrameHandler)          {}
func (f *fakeRoom) AudioOutput() AudioOutput                   { return nil }
func (f *fakeRoom) Subscribe(topic string, fn DataHandler)     {}
func (f *fakeRoom) Publish(topic string, payload []byte) error { return nil }
func (f *fakeRoom) Events() <-chan *Event                      { return f.events }

func (f *fakeRoom) leaves() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leaveCalls
}

// fakeSession implements Session. Call end to simulate the session ending
// on its own.
type fakeSession struct {
	calls    *callLog
	startErr error

	mu      sync.Mutex
	started bool
	closed  int

	done chan struct{}
}

var _ Session = (*fakeSession)(nil)

func newFakeSession(calls *callLog) *fakeSession {
	return &fakeSession{calls: calls, done: make(chan struct{})}
}

func (s *fakeSession) Start(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	if s.calls != nil {
		s.calls.add("session.start")
	}
	return s.startErr
}

func (s *fakeSession) Done() <-chan struct{} { return s.done }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	if s.calls != nil {
		s.calls.add("session.close")
	}
	return nil
}

func (s *fakeSession) end() { close(s.done) }

func (s *fakeSession) wasStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *fakeSession) closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func newTestContext(t *testing.T, room Room) *JobContext {
	t.Helper()
	jc, err := NewContext(context.Background(), Config{
		Job:    Job{ID: "job-1", RoomName: "room-1"},
		Room:   room,
		Logger: discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	return jc
}

func TestNewContextRequiresRoom(t *testing.T) {
	_, err := NewContext(context.Background(), Config{Logger: discardLogger()})
	if err == nil {
		t.Fatal("expected error for missing room")
	}
}

func TestNewContextGeneratesJobID(t *testing.T) {
	jc, err := NewContext(context.Background(), Config{
		Job:    Job{RoomName: "room-1"},
		Room:   newFakeRoom(nil),
		Logger: discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	if jc.Job().ID == "" {
		t.Error("job ID should be generated when missing")
	}
}

func TestShutdownRunsCallbacksInOrder(t *testing.T) {
	jc := newTestContext(t, newFakeRoom(nil))

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"pipeline", "room", "agent"} {
		name := name
		jc.AddShutdownCallback(name, func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}

	jc.Shutdown("test")

	mu.Lock()
	defer mu.Unlock()
	want := []string{"pipeline", "room", "agent"}
	if len(order) != len(want) {
		t.Fatalf("expected %d callbacks, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("callback %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestShutdownIsolatesFailingCallbacks(t *testing.T) {
	jc := newTestContext(t, newFakeRoom(nil))

	var mu sync.Mutex
	var ran []string
	jc.AddShutdownCallback("panics", func(ctx context.Context) error {
		panic("callback exploded")
	})
	jc.AddShutdownCallback("errors", func(ctx context.Context) error {
		mu.Lock()
		ran = append(ran, "errors")
		mu.Unlock()
		return errors.New("cleanup failed")
	})
	jc.AddShutdownCallback("succeeds", func(ctx context.Context) error {
		mu.Lock()
		ran = append(ran, "succeeds")
		mu.Unlock()
		return nil
	})

	jc.Shutdown("test")

	mu.Lock()
	defer mu.Unlock()
	if len(ran) != 2 {
		t.Fatalf("expected 2 callbacks to run after the panic, got %d: %v", len(ran), ran)
	}
	if ran[0] != "errors" || ran[1] != "succeeds" {
		t.Errorf("unexpected callback order: %v", ran)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	room := newFakeRoom(nil)
	jc := newTestContext(t, room)

	var calls int
	var mu sync.Mutex
	jc.AddShutdownCallback("counter", func(ctx context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	jc.Shutdown("first")
	jc.Shutdown("second")
	jc.Shutdown("third")

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("expected 1 callback call, got %d", calls)
	}
	if room.leaves() != 1 {
		t.Errorf("expected 1 room leave, got %d", room.leaves())
	}
}

func TestShutdownConcurrent(t *testing.T) {
	jc := newTestContext(t, newFakeRoom(nil))

	var calls int
	var mu sync.Mutex
	jc.AddShutdownCallback("counter", func(ctx context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jc.Shutdown("concurrent")
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("expected 1 callback call, got %d", calls)
	}
}

func TestShutdownCancelsContextAndClosesDone(t *testing.T) {
	jc := newTestContext(t, newFakeRoom(nil))

	jc.Shutdown("test")

	select {
	case <-jc.Context().Done():
	default:
		t.Error("context should be canceled after shutdown")
	}
	select {
	case <-jc.Done():
	default:
		t.Error("Done should be closed after shutdown")
	}
	if !jc.ShuttingDown() {
		t.Error("ShuttingDown should report true")
	}
}

func TestAddCallbackAfterShutdownRunsImmediately(t *testing.T) {
	jc := newTestContext(t, newFakeRoom(nil))
	jc.Shutdown("test")

	called := false
	jc.AddShutdownCallback("late", func(ctx context.Context) error {
		called = true
		return nil
	})
	if !called {
		t.Error("callback registered after shutdown should run immediately")
	}
}

func TestRunUntilShutdownSessionEnds(t *testing.T) {
	calls := &callLog{}
	room := newFakeRoom(calls)
	session := newFakeSession(calls)
	jc := newTestContext(t, room)

	go func() {
		time.Sleep(20 * time.Millisecond)
		session.end()
	}()

	if err := jc.RunUntilShutdown(context.Background(), session, true); err != nil {
		t.Fatalf("RunUntilShutdown: %v", err)
	}

	got := calls.snapshot()
	want := []string{"room.join", "room.wait", "session.start", "session.close", "room.leave"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("call order mismatch:\n got %v\nwant %v", got, want)
	}
	if calls.indexOf("session.close") > calls.indexOf("room.leave") {
		t.Error("session must close before the room leaves")
	}
}

func TestRunUntilShutdownSkipsWait(t *testing.T) {
	calls := &callLog{}
	room := newFakeRoom(calls)
	session := newFakeSession(calls)
	jc := newTestContext(t, room)

	session.end()
	if err := jc.RunUntilShutdown(context.Background(), session, false); err != nil {
		t.Fatalf("RunUntilShutdown: %v", err)
	}
	if calls.indexOf("room.wait") != -1 {
		t.Error("WaitForParticipant should not be called when disabled")
	}
}

func TestRunUntilShutdownConnectError(t *testing.T) {
	room := newFakeRoom(nil)
	room.joinErr = errors.New("dial failed")
	session := newFakeSession(nil)
	jc := newTestContext(t, room)

	err := jc.RunUntilShutdown(context.Background(), session, false)
	if err == nil || !strings.Contains(err.Error(), "dial failed") {
		t.Fatalf("expected join error, got %v", err)
	}
	if session.wasStarted() {
		t.Error("session should not start when connect fails")
	}
	if room.leaves() != 1 {
		t.Errorf("room should still be left once, got %d", room.leaves())
	}
}

func TestRunUntilShutdownStartError(t *testing.T) {
	room := newFakeRoom(nil)
	session := newFakeSession(nil)
	session.startErr = errors.New("no providers")
	jc := newTestContext(t, room)

	err := jc.RunUntilShutdown(context.Background(), session, false)
	if err == nil || !strings.Contains(err.Error(), "no providers") {
		t.Fatalf("expected start error, got %v", err)
	}
	if session.closes() != 1 {
		t.Errorf("session should be closed once, got %d", session.closes())
	}
	if room.leaves() != 1 {
		t.Errorf("room should be left once, got %d", room.leaves())
	}
}

func TestRunUntilShutdownContextCanceled(t *testing.T) {
	room := newFakeRoom(nil)
	session := newFakeSession(nil)
	jc := newTestContext(t, room)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := jc.RunUntilShutdown(ctx, session, false)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if session.closes() != 1 {
		t.Errorf("session should be closed once, got %d", session.closes())
	}
	if room.leaves() != 1 {
		t.Errorf("room should be left once, got %d", room.leaves())
	}
}

func TestRunUntilShutdownExternalShutdown(t *testing.T) {
	room := newFakeRoom(nil)
	session := newFakeSession(nil)
	jc := newTestContext(t, room)

	go func() {
		time.Sleep(20 * time.Millisecond)
		jc.Shutdown("terminated by registry")
	}()

	if err := jc.RunUntilShutdown(context.Background(), session, false); err != nil {
		t.Fatalf("RunUntilShutdown: %v", err)
	}
	if session.closes() != 1 {
		t.Errorf("session should be closed once, got %d", session.closes())
	}
}
