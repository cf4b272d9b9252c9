package progress

import (
	"sync"
	"testing"
	"time"
)

func TestPublishAndSubscribe(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("run-1", 8)
	defer m.Unsubscribe("run-1", ch)

	m.Publish(Event{RunID: "run-1", Type: TypePlanning, Status: StatusStarted})

	select {
	case evt := <-ch:
		if evt.Type != TypePlanning || evt.Status != StatusStarted {
			t.Fatalf("unexpected event: %+v", evt)
		}
		if evt.Timestamp.IsZero() {
			t.Fatal("timestamp not set")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishNonBlockingWithSlowSubscriber(t *testing.T) {
	m := NewManager(16)
	ch := m.Subscribe("run-1", 1) // room for a single event
	defer m.Unsubscribe("run-1", ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			m.Publish(Event{RunID: "run-1", Type: TypeExecuting, Status: StatusCompleted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	m := NewManager(32)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Publishers hammer one run while subscribers connect and disconnect.
	// A subscriber leaving mid-publish must never panic the publisher.
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					m.Publish(Event{RunID: "run-1", Type: TypeExecuting, Status: StatusCompleted})
				}
			}
		}()
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				ch := m.Subscribe("run-1", 1)
				select {
				case <-ch:
				default:
				}
				m.Unsubscribe("run-1", ch)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	time.AfterFunc(100*time.Millisecond, func() { close(stop) })

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish/unsubscribe churn deadlocked")
	}
}

func TestReplaySince(t *testing.T) {
	m := NewManager(3)
	for i := 0; i < 5; i++ {
		m.Publish(Event{RunID: "run-1", Type: TypeAnalyzing})
	}

	// Ring holds the 3 newest events: seq 2,3,4.
	evs := m.ReplaySince("run-1", 0)
	if len(evs) != 3 || evs[0].Seq != 2 || evs[2].Seq != 4 {
		t.Fatalf("unexpected replay contents: %+v", evs)
	}

	evs = m.ReplaySince("run-1", 3)
	if len(evs) != 1 || evs[0].Seq != 4 {
		t.Fatalf("unexpected replay since 3: %+v", evs)
	}

	if got := m.ReplaySince("run-unknown", 0); got != nil {
		t.Fatalf("expected nil for unknown run, got %+v", got)
	}
}

func TestForget(t *testing.T) {
	m := NewManager(4)
	m.Publish(Event{RunID: "run-1", Type: TypeComplete})
	m.Forget("run-1")
	if got := m.ReplaySince("run-1", 0); got != nil {
		t.Fatalf("expected history dropped, got %+v", got)
	}
}
