package orchestrator

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func newTestQueue(player Player, maxFailures int) (*PlaybackQueue, chan Event) {
	events := make(chan Event, 64)
	q := NewPlaybackQueue(player, func(ev Event) { events <- ev }, maxFailures, nil)
	return q, events
}

func recvEvent(t *testing.T, events chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for playback event")
		return nil
	}
}

func TestPlaybackQueueFIFO(t *testing.T) {
	player := &MockPlayer{}
	q, events := newTestQueue(player, 1)

	for i, text := range []string{"one", "two", "three"} {
		q.Enqueue(&Segment{Text: text, Sequence: i})
	}

	for i := 0; i < 3; i++ {
		if q.PlayingCount() != 1 {
			t.Fatalf("Expected exactly one playing segment, got %d", q.PlayingCount())
		}
		started, ok := recvEvent(t, events).(PlaybackStarted)
		if !ok || started.Sequence != i {
			t.Fatalf("Expected start of segment %d, got %+v", i, started)
		}
		ended, ok := recvEvent(t, events).(PlaybackEnded)
		if !ok {
			t.Fatalf("Expected PlaybackEnded for segment %d", i)
		}
		if !q.HandleEnded(ended) {
			t.Fatalf("ended event for segment %d should be current", i)
		}
	}

	if !q.Idle() {
		t.Error("queue should be idle")
	}
	want := []string{"one", "two", "three"}
	if got := player.Played(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected play order %v, got %v", want, got)
	}
}

func TestPlaybackQueueFailFast(t *testing.T) {
	player := &MockPlayer{err: errors.New("device lost")}
	q, events := newTestQueue(player, 1)

	for i := 0; i < 4; i++ {
		q.Enqueue(&Segment{Text: "s", Sequence: i})
	}

	recvEvent(t, events) // started 0
	failed, ok := recvEvent(t, events).(PlaybackFailed)
	if !ok {
		t.Fatal("Expected PlaybackFailed")
	}
	handled, err := q.HandleFailed(failed)
	if !handled || err != nil {
		t.Fatalf("first failure should be skipped, got handled=%v err=%v", handled, err)
	}

	recvEvent(t, events) // started 1
	failed = recvEvent(t, events).(PlaybackFailed)
	handled, err = q.HandleFailed(failed)
	if !handled || !errors.Is(err, ErrPlayback) {
		t.Fatalf("second consecutive failure should clear the queue, got handled=%v err=%v", handled, err)
	}
	if !q.Idle() || q.Len() != 0 {
		t.Error("queue should be empty after giving up")
	}
}

func TestPlaybackQueueCancelAll(t *testing.T) {
	player := &MockPlayer{block: true}
	q, events := newTestQueue(player, 1)

	q.Enqueue(&Segment{Text: "first", Sequence: 0})
	second := &Segment{Text: "second", Sequence: 1}
	q.Enqueue(second)

	started := recvEvent(t, events).(PlaybackStarted)
	if !q.IsCurrent(started.Epoch, started.Sequence) {
		t.Fatal("started segment should be current")
	}

	if n := q.CancelAll(); n != 2 {
		t.Errorf("Expected 2 discarded segments, got %d", n)
	}
	if second.Status != SegmentCancelled {
		t.Errorf("queued segment should be cancelled, got %s", second.Status)
	}
	if !q.Idle() {
		t.Error("queue should be idle after CancelAll")
	}
	if q.HandleEnded(PlaybackEnded{Epoch: started.Epoch, Sequence: started.Sequence}) {
		t.Error("completion from before CancelAll must be stale")
	}
	if q.Epoch() != started.Epoch+1 {
		t.Errorf("Expected epoch to advance, got %d", q.Epoch())
	}

	player.mu.Lock()
	stops := player.stops
	player.mu.Unlock()
	if stops != 1 {
		t.Errorf("Expected player to be stopped once, got %d", stops)
	}

	select {
	case ev := <-events:
		t.Errorf("cancelled playback must not report, got %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSegmentStatusString(t *testing.T) {
	if SegmentPlaying.String() != "playing" || SegmentStatus(99).String() != "unknown" {
		t.Error("unexpected segment status names")
	}
}
