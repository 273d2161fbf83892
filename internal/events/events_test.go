package events

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBus_DeliversInOrder(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var kinds []Kind
	b.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, e.Kind)
	})

	b.RunStarted()
	b.ModelCallStarted()
	b.ModelCallStreaming("hi", 2)
	b.RunCompleted(nil, time.Millisecond)

	want := []Kind{KindRunStarted, KindModelCallStarted, KindModelCallStreaming, KindRunCompleted}
	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != len(want) {
		t.Fatalf("got %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("index %d: got %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestBus_AssignsIncreasingSeq(t *testing.T) {
	b := New()
	var seqs []uint64
	b.Subscribe(func(e Event) { seqs = append(seqs, e.Seq) })

	b.RunStarted()
	b.RunStarted()
	b.RunStarted()

	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Errorf("expected increasing sequence, got %v", seqs)
		}
	}
}

func TestBus_ObserverPanicDoesNotStopOthers(t *testing.T) {
	b := New()
	fired := false
	b.Subscribe(func(e Event) { panic("boom") })
	b.Subscribe(func(e Event) { fired = true })

	b.RunStarted()

	if !fired {
		t.Error("expected second observer to still fire after first panicked")
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	count := 0
	unsub := b.Subscribe(func(e Event) { count++ })

	b.RunStarted()
	unsub()
	b.RunStarted()

	if count != 1 {
		t.Errorf("expected 1 delivery before unsubscribe, got %d", count)
	}
}

func TestBus_ToolFailedCarriesError(t *testing.T) {
	b := New()
	var got Event
	b.Subscribe(func(e Event) {
		if e.Kind == KindToolFailed {
			got = e
		}
	})

	wantErr := errors.New("boom")
	b.ToolFailed("call-1", "shell", wantErr, time.Millisecond)

	if got.Err != wantErr {
		t.Errorf("expected error to propagate, got %v", got.Err)
	}
	if got.ToolCallID != "call-1" || got.ToolName != "shell" {
		t.Errorf("unexpected tool identity on event: %+v", got)
	}
}
