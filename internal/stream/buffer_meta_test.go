package stream

import "testing"

func TestBufferMetaAtBlankBeforeAnyStamp(t *testing.T) {
	buf := NewBuffer(65536, 4096)
	buf.Write([]byte("no metadata yet"))

	meta := buf.MetaAt(0)
	if meta != BlankBroadcastMeta {
		t.Errorf("MetaAt before any stamp = %p, want BlankBroadcastMeta", meta)
	}
}

func TestBufferStampMetaAppliesFromWritePosition(t *testing.T) {
	buf := NewBuffer(65536, 4096)

	buf.Write([]byte("before"))
	preStampPos := buf.WritePos()

	m1 := &BroadcastMeta{StreamTitle: "first"}
	buf.StampMeta(m1)
	buf.Write([]byte("after"))

	if got := buf.MetaAt(preStampPos - 1); got != BlankBroadcastMeta {
		t.Errorf("MetaAt(%d) = %v, want BlankBroadcastMeta", preStampPos-1, got)
	}
	if got := buf.MetaAt(preStampPos); got != m1 {
		t.Errorf("MetaAt(%d) = %v, want m1", preStampPos, got)
	}
	if got := buf.MetaAt(buf.WritePos() - 1); got != m1 {
		t.Errorf("MetaAt(latest) = %v, want m1", got)
	}
}

func TestBufferMetaAtOrdersMultipleStamps(t *testing.T) {
	buf := NewBuffer(65536, 4096)

	m1 := &BroadcastMeta{StreamTitle: "one"}
	m2 := &BroadcastMeta{StreamTitle: "two"}
	m3 := &BroadcastMeta{StreamTitle: "three"}

	// A leading write keeps m1's stamp position distinct from the
	// buffer's initial position-0 blank stamps.
	buf.Write([]byte("z"))
	pos0 := buf.WritePos()

	buf.StampMeta(m1)
	buf.Write([]byte("aaaa"))
	pos1 := buf.WritePos()

	buf.StampMeta(m2)
	buf.Write([]byte("bbbb"))
	pos2 := buf.WritePos()

	buf.StampMeta(m3)
	buf.Write([]byte("cccc"))

	tests := []struct {
		pos  int64
		want *BroadcastMeta
	}{
		{pos0, m1},
		{pos1 - 1, m1},
		{pos1, m2},
		{pos2 - 1, m2},
		{pos2, m3},
	}
	for _, tt := range tests {
		if got := buf.MetaAt(tt.pos); got != tt.want {
			t.Errorf("MetaAt(%d) = %v, want %v", tt.pos, got, tt.want)
		}
	}
}

func TestBufferNextMetaStampAfter(t *testing.T) {
	buf := NewBuffer(65536, 4096)

	if next := buf.NextMetaStampAfter(0); next != -1 {
		t.Errorf("NextMetaStampAfter on empty history = %d, want -1", next)
	}

	buf.Write([]byte("aaaa"))
	stampPos := buf.WritePos()
	buf.StampMeta(&BroadcastMeta{StreamTitle: "x"})
	buf.Write([]byte("bbbb"))

	if next := buf.NextMetaStampAfter(0); next != stampPos {
		t.Errorf("NextMetaStampAfter(0) = %d, want %d", next, stampPos)
	}
	if next := buf.NextMetaStampAfter(stampPos); next != -1 {
		t.Errorf("NextMetaStampAfter(stampPos) = %d, want -1 (no stamp strictly after)", next)
	}
}

func TestBufferStampMetaCircularHistoryEvictsOldest(t *testing.T) {
	buf := NewBuffer(65536, 4096)

	var stamps []*BroadcastMeta
	for i := 0; i < 20; i++ {
		m := &BroadcastMeta{StreamTitle: string(rune('a' + i))}
		stamps = append(stamps, m)
		buf.StampMeta(m)
		buf.Write([]byte("x"))
	}

	// Only the last 16 stamps survive the circular history; the most
	// recent one must still resolve correctly.
	latest := buf.MetaAt(buf.WritePos() - 1)
	if latest != stamps[len(stamps)-1] {
		t.Errorf("MetaAt(latest) after wraparound = %v, want most recent stamp", latest)
	}
}
