package fake

import "testing"

func TestCallRecorder_Record(t *testing.T) {
	var r CallRecorder

	r.record("Set", "scrollr/state", 1)
	r.record("Get", "scrollr/state")
	r.record("Set", "scrollr/state", 2)

	if got := len(r.Calls("")); got != 3 {
		t.Fatalf("all calls = %d, want 3", got)
	}
	sets := r.Calls("Set")
	if len(sets) != 2 {
		t.Fatalf("Set calls = %d, want 2", len(sets))
	}
	if sets[1].Args[1] != 2 {
		t.Errorf("second Set arg = %v, want 2", sets[1].Args[1])
	}
	if got := r.Count("Watch"); got != 0 {
		t.Errorf("Watch calls = %d, want 0", got)
	}
}

func TestCallRecorder_Reset(t *testing.T) {
	var r CallRecorder
	r.record("Get")
	r.Reset()
	if got := r.Count(""); got != 0 {
		t.Errorf("calls after Reset = %d, want 0", got)
	}
}
