package relay

import (
	"testing"
	"time"
)

func newTestRelay() *Relay {
	masters := []*Master{
		{Host: "a.example.com", Port: 8000, Mount: "/stream"},
		{Host: "b.example.com", Port: 8000, Mount: "/stream"},
		{Host: "c.example.com", Port: 8000, Mount: "/stream"},
	}
	return newRelay("/relay.mp3", masters, "", "", false, false, 30*time.Second, true)
}

func TestRelayNextMasterSkipsFlagged(t *testing.T) {
	r := newTestRelay()

	idx, m := r.nextMaster()
	if idx != 0 || m.Host != "a.example.com" {
		t.Fatalf("nextMaster() = (%d, %s), want (0, a.example.com)", idx, m.Host)
	}

	r.markSkip(0)
	idx, m = r.nextMaster()
	if idx != 1 || m.Host != "b.example.com" {
		t.Fatalf("nextMaster() after skipping 0 = (%d, %s), want (1, b.example.com)", idx, m.Host)
	}

	r.markSkip(1)
	r.markSkip(2)
	idx, _ = r.nextMaster()
	if idx != -1 {
		t.Fatalf("nextMaster() with all skipped = %d, want -1", idx)
	}
}

func TestRelayClearAllSkip(t *testing.T) {
	r := newTestRelay()
	r.markSkip(0)
	r.markSkip(1)
	r.markSkip(2)

	r.clearAllSkip()

	idx, _ := r.nextMaster()
	if idx != 0 {
		t.Fatalf("nextMaster() after clearAllSkip = %d, want 0", idx)
	}
}

func TestRelayStatusReportsInUseMaster(t *testing.T) {
	r := newTestRelay()
	r.setInUse(1)
	r.setState(StateConnected)

	st := r.Status()
	if st.Master != "b.example.com:8000/stream" {
		t.Errorf("Status().Master = %q, want %q", st.Master, "b.example.com:8000/stream")
	}
	if st.State != "connected" {
		t.Errorf("Status().State = %q, want %q", st.State, "connected")
	}
}

func TestRelayTakeNewDetailsClearsAfterOneRead(t *testing.T) {
	r := newTestRelay()
	replacement := newRelay("/relay.mp3", nil, "u", "p", true, false, time.Minute, true)

	r.mu.Lock()
	r.newDetails = replacement
	r.mu.Unlock()

	got := r.takeNewDetails()
	if got != replacement {
		t.Fatalf("takeNewDetails() = %v, want %v", got, replacement)
	}
	if got := r.takeNewDetails(); got != nil {
		t.Fatalf("second takeNewDetails() = %v, want nil", got)
	}
}

func TestRelayCleanupFlag(t *testing.T) {
	r := newTestRelay()
	if r.isCleanup() {
		t.Fatal("fresh relay should not be marked for cleanup")
	}
	r.setCleanup()
	if !r.isCleanup() {
		t.Fatal("relay should be marked for cleanup after setCleanup")
	}
}

func TestMastersDiffer(t *testing.T) {
	a := []*Master{{Host: "x", Port: 1, Mount: "/m"}}
	b := []*Master{{Host: "x", Port: 1, Mount: "/m"}}
	c := []*Master{{Host: "y", Port: 1, Mount: "/m"}}

	if mastersDiffer(a, b) {
		t.Error("identical master lists reported as differing")
	}
	if !mastersDiffer(a, c) {
		t.Error("different host not detected as differing")
	}
	if !mastersDiffer(a, nil) {
		t.Error("different length not detected as differing")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateInit, "init"},
		{StateStartup, "startup"},
		{StateConnected, "connected"},
		{StateTerminating, "terminating"},
		{StateRestart, "restart"},
		{StateDisabled, "disabled"},
		{StateDead, "dead"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
