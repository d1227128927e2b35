package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/rickgao/exchange-core/internal/model"
)

func TestBuffer_PushPop(t *testing.T) {
	buf := NewBuffer[int](10)

	for i := 0; i < 5; i++ {
		if !buf.Push(i) {
			t.Fatalf("Push(%d) returned false", i)
		}
	}

	if buf.Len() != 5 {
		t.Errorf("Len() = %d, want 5", buf.Len())
	}

	for i := 0; i < 5; i++ {
		val, ok := buf.TryPop()
		if !ok {
			t.Fatalf("TryPop() returned false for item %d", i)
		}
		if val != i {
			t.Errorf("popped %d, want %d", val, i)
		}
	}
}

func TestBuffer_GrowKeepsOrder(t *testing.T) {
	buf := NewBuffer[int](4)

	// Wrap the ring before growing.
	buf.Push(-1)
	buf.Push(-2)
	buf.TryPop()
	buf.TryPop()

	for i := 0; i < 100; i++ {
		buf.Push(i)
	}

	stats := buf.Stats()
	if stats.ResizeCount < 3 {
		t.Errorf("ResizeCount = %d, expected at least 3", stats.ResizeCount)
	}

	got := buf.Drain(0)
	if len(got) != 100 {
		t.Fatalf("Drain() returned %d items, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("item %d = %d, want %d", i, v, i)
		}
	}
}

func TestBuffer_DrainMax(t *testing.T) {
	buf := NewBuffer[int](8)
	for i := 0; i < 6; i++ {
		buf.Push(i)
	}

	if got := buf.Drain(4); len(got) != 4 {
		t.Errorf("Drain(4) returned %d items", len(got))
	}
	if buf.Len() != 2 {
		t.Errorf("Len() = %d, want 2", buf.Len())
	}
}

func TestBuffer_CloseWakesReaders(t *testing.T) {
	buf := NewBuffer[int](4)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := buf.Pop(); ok {
				t.Error("Pop() on closed empty buffer returned true")
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	buf.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("readers not woken by Close")
	}

	if buf.Push(1) {
		t.Error("Push() after Close returned true")
	}
}

func TestOutbox_PublishNext(t *testing.T) {
	ob := NewOutbox(2, nil)
	ob.Publish(
		model.Event{Type: model.EventProposed, RecordID: "r1"},
		model.Event{Type: model.EventAccepted, RecordID: "r1"},
	)

	if ob.Pending() != 2 {
		t.Fatalf("Pending() = %d, want 2", ob.Pending())
	}

	e, ok := ob.Next()
	if !ok || e.Type != model.EventProposed {
		t.Errorf("Next() = %v, %v, want proposed", e.Type, ok)
	}

	ob.Close()
	ob.Publish(model.Event{Type: model.EventSettled})
	if ob.Pending() != 1 {
		t.Errorf("Pending() after close = %d, want 1", ob.Pending())
	}
}
