package relay

import (
	"bufio"
	"strings"
	"testing"
	"time"

	"github.com/gocast/gocast/internal/config"
)

func TestParseStreamLineBasic(t *testing.T) {
	m := config.MasterPeerConfig{Host: "master.example.com", Port: 8000}

	rc, ok := parseStreamLine("/live.mp3,timeout=5,mp3metadata=1,on_demand=1", m)
	if !ok {
		t.Fatal("parseStreamLine returned ok=false for a valid line")
	}
	if rc.LocalMount != "/live.mp3" {
		t.Errorf("LocalMount = %q, want /live.mp3", rc.LocalMount)
	}
	if !rc.Mp3Metadata {
		t.Error("Mp3Metadata = false, want true")
	}
	if !rc.OnDemand {
		t.Error("OnDemand = false, want true")
	}
	if len(rc.Masters) != 1 {
		t.Fatalf("Masters len = %d, want 1", len(rc.Masters))
	}
	if rc.Masters[0].Timeout != 5*time.Second {
		t.Errorf("Masters[0].Timeout = %v, want 5s", rc.Masters[0].Timeout)
	}
	if rc.Masters[0].Host != "master.example.com" || rc.Masters[0].Port != 8000 {
		t.Errorf("Masters[0] host/port = %s:%d, want master.example.com:8000", rc.Masters[0].Host, rc.Masters[0].Port)
	}
}

func TestParseStreamLineMountQueryOverridesLocalMount(t *testing.T) {
	m := config.MasterPeerConfig{Host: "master.example.com", Port: 8000}

	rc, ok := parseStreamLine("/admin/streams?mount=/relayed.mp3,mp3metadata=1", m)
	if !ok {
		t.Fatal("parseStreamLine returned ok=false")
	}
	if rc.LocalMount != "/relayed.mp3" {
		t.Errorf("LocalMount = %q, want /relayed.mp3", rc.LocalMount)
	}
	if rc.Masters[0].Mount != "/admin/streams" {
		t.Errorf("Masters[0].Mount = %q, want /admin/streams", rc.Masters[0].Mount)
	}
}

func TestParseStreamLineIgnoresNonMountLines(t *testing.T) {
	m := config.MasterPeerConfig{Host: "master.example.com", Port: 8000}

	if _, ok := parseStreamLine("# a comment", m); ok {
		t.Error("comment line should not parse as a mount")
	}
	if _, ok := parseStreamLine("", m); ok {
		t.Error("empty line should not parse as a mount")
	}
}

func TestParseStreamLineDefaultTimeout(t *testing.T) {
	m := config.MasterPeerConfig{Host: "master.example.com", Port: 8000}

	rc, ok := parseStreamLine("/live.mp3", m)
	if !ok {
		t.Fatal("parseStreamLine returned ok=false")
	}
	if rc.Masters[0].Timeout != 4*time.Second {
		t.Errorf("default Timeout = %v, want 4s", rc.Masters[0].Timeout)
	}
}

func TestReadLineCappedTruncatesOverlongLine(t *testing.T) {
	longLine := strings.Repeat("x", maxPartialLine*3) + "\n" + "/next.mp3\n"
	br := bufio.NewReaderSize(strings.NewReader(longLine), 64)

	line, err := readLineCapped(br, maxPartialLine)
	if err != nil {
		t.Fatalf("first readLineCapped error: %v", err)
	}
	if len(line) != maxPartialLine {
		t.Errorf("truncated line length = %d, want %d", len(line), maxPartialLine)
	}

	line, err = readLineCapped(br, maxPartialLine)
	if err != nil {
		t.Fatalf("second readLineCapped error: %v", err)
	}
	if line != "/next.mp3" {
		t.Errorf("line after truncation = %q, want /next.mp3 (parser resynced on next newline)", line)
	}
}

func TestParseStreamListSkipsMalformedLines(t *testing.T) {
	body := "Mount list:\n/a.mp3,mp3metadata=1\n# comment\n/b.mp3,on_demand=1\n"
	m := config.MasterPeerConfig{Host: "h", Port: 8000}

	mounts, err := parseStreamList(strings.NewReader(body), m)
	if err != nil {
		t.Fatalf("parseStreamList error: %v", err)
	}
	if len(mounts) != 2 {
		t.Fatalf("parsed %d mounts, want 2", len(mounts))
	}
	if mounts[0].LocalMount != "/a.mp3" || mounts[1].LocalMount != "/b.mp3" {
		t.Errorf("mounts = %+v", mounts)
	}
}

func TestRedirectPeerRegistryTouchAndGC(t *testing.T) {
	p := NewMasterPoller(nil, time.Minute, nil)

	p.TouchRedirectPeer("slave1.example.com", 8000, time.Minute)
	peers := p.RedirectPeers()
	if len(peers) != 1 || peers[0] != "slave1.example.com:8000" {
		t.Fatalf("RedirectPeers() = %v, want one entry for slave1.example.com:8000", peers)
	}

	// A next_update already more than 10s in the past (spec.md §4.5's
	// GC threshold) must be dropped on the next GC pass.
	p.TouchRedirectPeer("slave1.example.com", 8000, -11*time.Second)
	p.gcRedirectPeers()
	if peers := p.RedirectPeers(); len(peers) != 0 {
		t.Errorf("RedirectPeers() after GC = %v, want empty", peers)
	}
}

func TestRedirectPeerRegistryRefreshPreventsGC(t *testing.T) {
	p := NewMasterPoller(nil, time.Minute, nil)

	p.TouchRedirectPeer("slave1.example.com", 8000, 24*time.Hour)
	p.gcRedirectPeers()
	if peers := p.RedirectPeers(); len(peers) != 1 {
		t.Errorf("RedirectPeers() after GC = %v, want the still-fresh entry retained", peers)
	}
}
