package relay

import (
	"testing"
	"time"

	"github.com/gocast/gocast/internal/config"
)

func TestMergeMountConfigCombinesMastersForSameLocalMount(t *testing.T) {
	acc := make(map[string]*config.RelayMountConfig)

	mergeMountConfig(acc, config.RelayMountConfig{
		LocalMount: "/live.mp3",
		Masters:    []config.RelayMasterEntry{{Host: "a", Port: 8000, Mount: "/live.mp3"}},
	})
	mergeMountConfig(acc, config.RelayMountConfig{
		LocalMount: "/live.mp3",
		Masters:    []config.RelayMasterEntry{{Host: "b", Port: 8000, Mount: "/live.mp3"}},
	})
	mergeMountConfig(acc, config.RelayMountConfig{
		LocalMount: "/other.mp3",
		Masters:    []config.RelayMasterEntry{{Host: "c", Port: 8000, Mount: "/other.mp3"}},
	})

	live, ok := acc["/live.mp3"]
	if !ok {
		t.Fatal("merged map missing /live.mp3")
	}
	if len(live.Masters) != 2 {
		t.Fatalf("/live.mp3 masters = %d, want 2", len(live.Masters))
	}
	if live.Masters[0].Host != "a" || live.Masters[1].Host != "b" {
		t.Errorf("/live.mp3 masters = %+v, want [a, b] in order", live.Masters)
	}

	if _, ok := acc["/other.mp3"]; !ok {
		t.Error("merged map missing /other.mp3")
	}
}

func TestToMasters(t *testing.T) {
	entries := []config.RelayMasterEntry{
		{Host: "a", Port: 8000, Mount: "/m", Bind: "0.0.0.0", Timeout: 5 * time.Second},
		{Host: "b", Port: 8001, Mount: "/m2"},
	}

	masters := toMasters(entries)
	if len(masters) != 2 {
		t.Fatalf("toMasters returned %d entries, want 2", len(masters))
	}
	if masters[0].Host != "a" || masters[0].Port != 8000 || masters[0].Timeout != 5*time.Second {
		t.Errorf("masters[0] = %+v", masters[0])
	}
	if masters[1].Host != "b" || masters[1].Mount != "/m2" {
		t.Errorf("masters[1] = %+v", masters[1])
	}
}
