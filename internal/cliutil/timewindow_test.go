package cliutil

import "testing"

func TestTimeWindowFlagsWindow(t *testing.T) {
	f := &TimeWindowFlags{Since: "1s", Until: "3s"}
	start, end, err := f.Window(1000)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if start != 1000+1e9 {
		t.Errorf("start = %d, want %d", start, 1000+int64(1e9))
	}
	if end != 1000+3e9 {
		t.Errorf("end = %d, want %d", end, 1000+int64(3e9))
	}
	if !Contains(start, start, end) {
		t.Error("Contains should include the lower bound")
	}
	if Contains(end, start, end) {
		t.Error("Contains should exclude the upper bound")
	}
}

func TestTimeWindowFlagsOpenEnded(t *testing.T) {
	f := &TimeWindowFlags{}
	start, end, err := f.Window(42)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if start != 42 {
		t.Errorf("start = %d, want 42", start)
	}
	if !Contains(1<<62, start, end) {
		t.Error("an unset window should accept a far-future timestamp")
	}
}

func TestTimeWindowFlagsInvalidRange(t *testing.T) {
	f := &TimeWindowFlags{Since: "5s", Until: "1s"}
	if _, _, err := f.Window(0); err == nil {
		t.Error("expected an error when --until precedes --since")
	}
}

func TestTimeWindowFlagsBadDuration(t *testing.T) {
	f := &TimeWindowFlags{Since: "not-a-duration"}
	if _, _, err := f.Window(0); err == nil {
		t.Error("expected an error for an unparseable --since")
	}
}
