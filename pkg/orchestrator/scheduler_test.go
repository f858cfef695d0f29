package orchestrator

import (
	"testing"
	"time"
)

func TestPauseSchedulerTimeout(t *testing.T) {
	s := NewPauseScheduler(DefaultConfig(), NewFakeClock(time.Unix(0, 0)))

	if d := s.Timeout("I want to book a table."); d != 3*time.Second {
		t.Errorf("Expected 3s for a complete utterance, got %v", d)
	}
	if d := s.Timeout("I want to book"); d != 6*time.Second {
		t.Errorf("Expected 6s for an incomplete utterance, got %v", d)
	}
}

func TestPauseSchedulerExtension(t *testing.T) {
	s := NewPauseScheduler(DefaultConfig(), NewFakeClock(time.Unix(0, 0)))

	s.Timeout("I was")
	action, d := s.OnFire("I was")
	if action != PauseExtend || d != 5*time.Second {
		t.Fatalf("Expected a 5s extension for a short fragment, got %v %v", action, d)
	}
	if action, _ := s.OnFire("I was"); action != PauseFlush {
		t.Error("only one extension per utterance")
	}

	// a new fragment resets the extension
	s.Timeout("I was thinking")
	if action, _ := s.OnFire("I was thinking"); action != PauseExtend {
		t.Error("Expected a fresh extension after the utterance changed")
	}
}

func TestPauseSchedulerNoExtension(t *testing.T) {
	s := NewPauseScheduler(DefaultConfig(), NewFakeClock(time.Unix(0, 0)))

	tests := []string{
		"what time is it",
		"I would like to book a table for",
	}
	for _, text := range tests {
		s.Timeout(text)
		if action, _ := s.OnFire(text); action != PauseFlush {
			t.Errorf("Expected %q to flush without extension", text)
		}
	}
}

// Total silence before a flush is bounded by 3000, 6000 or 6000+5000 ms.
func TestPauseSchedulerTotalWait(t *testing.T) {
	cfg := DefaultConfig()
	texts := []string{
		"Hi.", "okay", "I was", "and then the", "could you", "tell me more about the menu",
		"thanks", "so", "I want to order a pizza with extra cheese",
	}
	for _, text := range texts {
		s := NewPauseScheduler(cfg, NewFakeClock(time.Unix(0, 0)))
		total := s.Timeout(text)
		for {
			action, d := s.OnFire(text)
			if action == PauseFlush {
				break
			}
			total += d
		}
		switch total {
		case 3 * time.Second, 6 * time.Second, 11 * time.Second:
		default:
			t.Errorf("unexpected total wait %v for %q", total, text)
		}
		if Classify(text) == Complete && total != 3*time.Second {
			t.Errorf("complete utterance %q waited %v", text, total)
		}
	}
}

func TestPauseSchedulerDuplicate(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	s := NewPauseScheduler(DefaultConfig(), clock)

	if s.IsDuplicate("yes") {
		t.Fatal("nothing sent yet, nothing can be a duplicate")
	}
	s.RecordSent("yes")

	clock.Advance(2 * time.Second)
	if !s.IsDuplicate("Yes.") {
		t.Error("Expected repeat within the window to be a duplicate")
	}
	if s.IsDuplicate("no") {
		t.Error("different text is never a duplicate")
	}

	clock.Advance(4 * time.Second)
	if s.IsDuplicate("yes") {
		t.Error("Expected repeat after the window to be sent")
	}

	s.RecordSent("yes")
	s.ForgetSent()
	if s.IsDuplicate("yes") {
		t.Error("forgotten message should not suppress a retry")
	}
}

func TestPauseSchedulerSuppressedSendKeepsWindow(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	s := NewPauseScheduler(DefaultConfig(), clock)
	s.RecordSent("yes")

	clock.Advance(4 * time.Second)
	if !s.IsDuplicate("yes") {
		t.Fatal("Expected duplicate")
	}
	// a suppressed send does not refresh the window
	clock.Advance(2 * time.Second)
	if s.IsDuplicate("yes") {
		t.Error("window must be measured from the last real send")
	}
	if last, at := s.LastSent(); last != "yes" || !at.Equal(time.Unix(0, 0)) {
		t.Errorf("unexpected last send %q at %v", last, at)
	}
}
