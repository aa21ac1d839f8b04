package stream

import (
	"bytes"
	"testing"
)

func TestListenerSenderSendRawCapsPerTick(t *testing.T) {
	buf := NewBuffer(1<<20, 4096)
	sender := NewListenerSender(FramingRaw, 0)

	data := make([]byte, maxRawChunk+500)
	var out bytes.Buffer

	res, err := sender.Send(&out, buf, data, 0)
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if res.BytesConsumed != maxRawChunk {
		t.Errorf("BytesConsumed = %d, want %d", res.BytesConsumed, maxRawChunk)
	}
	if out.Len() != maxRawChunk {
		t.Errorf("wrote %d bytes, want %d", out.Len(), maxRawChunk)
	}
}

func TestListenerSenderSendRawNeverEmitsMetadata(t *testing.T) {
	buf := NewBuffer(1<<20, 4096)
	sender := NewListenerSender(FramingRaw, 100)

	builder := NewIcyMetaBuilder("")
	meta, err := builder.BuildUpdate("Song", "Artist", "", 44100, 128, true, false)
	if err != nil || meta == nil {
		t.Fatalf("BuildUpdate failed: %v", err)
	}
	buf.StampMeta(meta)
	buf.Write([]byte("audio-bytes"))

	var out bytes.Buffer
	if _, err := sender.Send(&out, buf, []byte("audio-bytes"), 0); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	if !bytes.Equal(out.Bytes(), []byte("audio-bytes")) {
		t.Errorf("raw framing altered payload: got %q", out.Bytes())
	}
}

func TestListenerSenderICYInterleavesAtInterval(t *testing.T) {
	buf := NewBuffer(1<<20, 4096)
	const interval = 4
	sender := NewListenerSender(FramingICY, interval)

	audio := []byte{1, 2, 3, 4}
	var out bytes.Buffer
	pos := int64(0)

	// First tick: sinceMetaBlock starts at 0, below the interval, so no
	// metadata byte precedes the first interval's worth of audio.
	res, err := sender.Send(&out, buf, audio, pos)
	if err != nil {
		t.Fatalf("Send 1 error: %v", err)
	}
	if res.BytesConsumed != 4 {
		t.Fatalf("Send 1 consumed %d, want 4", res.BytesConsumed)
	}
	if !bytes.Equal(out.Bytes(), audio) {
		t.Errorf("Send 1 wrote %v, want plain audio %v (no metadata due yet)", out.Bytes(), audio)
	}
	pos += int64(res.BytesConsumed)

	// Second tick: sinceMetaBlock has reached the interval, so a 1-byte
	// "no change" metadata marker (0x00) precedes the next interval's
	// audio.
	out.Reset()
	res, err = sender.Send(&out, buf, audio, pos)
	if err != nil {
		t.Fatalf("Send 2 error: %v", err)
	}
	if res.BytesConsumed != 4 {
		t.Fatalf("Send 2 consumed %d, want 4", res.BytesConsumed)
	}
	want := append([]byte{0x00}, audio...)
	if !bytes.Equal(out.Bytes(), want) {
		t.Errorf("Send 2 wrote %v, want %v", out.Bytes(), want)
	}
}

func TestListenerSenderICYEmitsFullBlockOnMetadataChange(t *testing.T) {
	buf := NewBuffer(1<<20, 4096)
	const interval = 4
	sender := NewListenerSender(FramingICY, interval)

	builder := NewIcyMetaBuilder("")
	meta, err := builder.BuildUpdate("New Song", "", "", 44100, 128, true, false)
	if err != nil || meta == nil {
		t.Fatalf("BuildUpdate failed: %v", err)
	}

	audio := []byte{1, 2, 3, 4}
	buf.Write(audio) // advance write position before stamping
	buf.StampMeta(meta)
	buf.Write(audio)

	var out bytes.Buffer
	// Drive sinceMetaBlock up to the interval first.
	if _, err := sender.Send(&out, buf, audio, 0); err != nil {
		t.Fatalf("priming Send error: %v", err)
	}

	out.Reset()
	res, err := sender.Send(&out, buf, audio, int64(len(audio)))
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if res.BytesConsumed != len(audio) {
		t.Fatalf("BytesConsumed = %d, want %d", res.BytesConsumed, len(audio))
	}
	if !bytes.HasPrefix(out.Bytes(), meta.ICY) {
		t.Errorf("expected output to start with the full ICY block %v, got %v", meta.ICY, out.Bytes())
	}
}

func TestListenerSenderIceblockLengthPrefix(t *testing.T) {
	buf := NewBuffer(1<<20, 4096)
	sender := NewListenerSender(FramingIceblock, 0)

	audio := []byte{0xAA, 0xBB, 0xCC}
	var out bytes.Buffer

	res, err := sender.Send(&out, buf, audio, 0)
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if res.BytesConsumed != len(audio) {
		t.Fatalf("BytesConsumed = %d, want %d", res.BytesConsumed, len(audio))
	}

	got := out.Bytes()
	if len(got) < 2 {
		t.Fatalf("output too short for a length prefix: %v", got)
	}
	length := int(got[0])<<8 | int(got[1])
	if length != len(audio) {
		t.Errorf("length prefix = %d, want %d", length, len(audio))
	}
	if !bytes.Equal(got[2:], audio) {
		t.Errorf("payload = %v, want %v", got[2:], audio)
	}
}

// stepWriter simulates a socket whose underlying Write calls can come
// back short (e.g. a full send buffer) without returning an error.
// Each entry in steps caps the corresponding Write call; calls beyond
// len(steps) are unlimited.
type stepWriter struct {
	out   bytes.Buffer
	steps []int
	calls int
}

func (w *stepWriter) Write(p []byte) (int, error) {
	n := len(p)
	if w.calls < len(w.steps) && w.steps[w.calls] < n {
		n = w.steps[w.calls]
	}
	w.calls++
	w.out.Write(p[:n])
	return n, nil
}

// TestListenerSenderIceblockResumesShortWriteInPayload covers the
// partial-write path where the length header reaches the wire in
// full but the write stops partway through the payload. A naive
// implementation re-derives a header for the unconsumed remainder on
// the next call, duplicating the bytes already sent and breaking the
// length-prefixed framing; the correct behavior is to resend exactly
// the buffered tail.
func TestListenerSenderIceblockResumesShortWriteInPayload(t *testing.T) {
	buf := NewBuffer(1<<20, 4096)
	sender := NewListenerSender(FramingIceblock, 0)

	audio := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE}
	w := &stepWriter{steps: []int{2, 2}} // header lands whole, payload stops after 2 bytes

	res1, err := sender.Send(w, buf, audio, 0)
	if err != nil {
		t.Fatalf("Send 1 error: %v", err)
	}
	if !res1.Partial {
		t.Fatalf("Send 1: want Partial=true for a short write, got false")
	}
	if res1.BytesConsumed != 2 {
		t.Fatalf("Send 1: BytesConsumed = %d, want 2", res1.BytesConsumed)
	}

	res2, err := sender.Send(w, buf, audio[res1.BytesConsumed:], int64(res1.BytesConsumed))
	if err != nil {
		t.Fatalf("Send 2 error: %v", err)
	}
	if res2.Partial {
		t.Fatalf("Send 2: want Partial=false once the tail flushes")
	}
	if res2.BytesConsumed != len(audio)-res1.BytesConsumed {
		t.Fatalf("Send 2: BytesConsumed = %d, want %d", res2.BytesConsumed, len(audio)-res1.BytesConsumed)
	}

	got := w.out.Bytes()
	if len(got) != 2+len(audio) {
		t.Fatalf("total output length = %d, want %d (no duplicated bytes)", len(got), 2+len(audio))
	}
	length := int(got[0])<<8 | int(got[1])
	if length != len(audio) {
		t.Errorf("length prefix = %d, want %d", length, len(audio))
	}
	if !bytes.Equal(got[2:], audio) {
		t.Errorf("reassembled payload = %v, want %v", got[2:], audio)
	}
}

func TestMetaBoundaryClipsAcrossStamp(t *testing.T) {
	buf := NewBuffer(1<<20, 4096)
	buf.Write(make([]byte, 10))
	stampPos := buf.WritePos()
	buf.StampMeta(&BroadcastMeta{StreamTitle: "x"})
	buf.Write(make([]byte, 10))

	chunk := make([]byte, 10)
	clipped := metaBoundary(buf, chunk, stampPos-5)
	if int64(len(clipped)) != 5 {
		t.Errorf("metaBoundary clipped to %d bytes, want 5 (up to the stamp)", len(clipped))
	}
}
