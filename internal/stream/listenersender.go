package stream

import (
	"io"
)

// Framing selects a ListenerSender's wire convention (spec.md §4.3).
type Framing int

const (
	// FramingRaw sends unmodified MPEG/AAC bytes.
	FramingRaw Framing = iota
	// FramingICY interleaves ICY metadata at a byte-exact interval.
	FramingICY
	// FramingIceblock length-prefixes every payload and prepends
	// metadata changes to the same frame.
	FramingIceblock
)

// maxRawChunk bounds a single raw-framing write per tick (spec.md
// §4.3 "Raw MPEG").
const maxRawChunk = 2900

// ListenerSender is the per-listener writer state machine: it tracks
// which of the three wire framings is in effect, the listener's ICY
// interval cadence, and partial-write resumption state so a short
// write never loses or duplicates bytes (spec.md §4.3, §5).
//
// Metadata is resolved per call from the mount's Buffer rather than
// carried on a per-block value: the buffer stamps each write position
// with the BroadcastMeta that was current when it was written
// (Buffer.StampMeta/MetaAt), so a listener reading from anywhere in
// the ring (burst-fill catch-up or live edge) always interleaves the
// metadata that was actually in effect for the bytes it is sending,
// preserving ordinal visibility even when two listeners are at very
// different read positions (spec.md §8 invariant on metadata
// monotonicity).
type ListenerSender struct {
	Framing Framing

	// Interval is the byte period between ICY metadata inserts; 0
	// disables interleaving even under FramingICY.
	Interval int

	sinceMetaBlock int
	inMetadata     bool
	metadataOffset int

	// associated is the metadata the listener last sent, compared by
	// pointer identity against the buffer's stamp at the listener's
	// position to detect a change (spec.md §9's identity-comparison
	// replacement for the RefBuf chain).
	associated *BroadcastMeta

	// iceblockResuming and iceblockTail carry a short-written iceblock
	// frame's unsent tail across Send calls. Once any byte of the
	// 2-byte length header has hit the wire, the frame's declared
	// length is fixed, so a later call must never re-derive a header
	// for a shrunk chunk; the exact remaining bytes are buffered
	// instead (spec.md §4.3 "metadata_offset tracks partial writes
	// across the whole vector").
	iceblockResuming bool
	iceblockTail     []byte
}

// NewListenerSender creates a sender for the given framing and ICY
// interval (ignored outside FramingICY).
func NewListenerSender(framing Framing, interval int) *ListenerSender {
	return &ListenerSender{
		Framing:    framing,
		Interval:   interval,
		associated: BlankBroadcastMeta,
	}
}

// SendResult reports how much of chunk was consumed (callers advance
// their buffer read cursor by BytesConsumed, even on a partial write)
// and whether the caller should reschedule for a partial write
// (spec.md §4.3, §7 Transient).
type SendResult struct {
	BytesConsumed int
	Partial       bool
}

// Send writes as much of chunk as this tick allows, choosing the
// framing path configured on the sender. chunk is raw, frame-aligned
// audio read from buf starting at chunkPos; buf supplies the metadata
// that applied when each byte of chunk was ingested.
func (s *ListenerSender) Send(w io.Writer, buf *Buffer, chunk []byte, chunkPos int64) (SendResult, error) {
	switch s.Framing {
	case FramingICY:
		return s.sendICY(w, buf, chunk, chunkPos)
	case FramingIceblock:
		return s.sendIceblock(w, buf, chunk, chunkPos)
	default:
		return s.sendRaw(w, chunk)
	}
}

// sendRaw implements "Raw MPEG (default)" (spec.md §4.3): up to
// min(len, 2900) bytes per tick, no metadata ever emitted.
func (s *ListenerSender) sendRaw(w io.Writer, chunk []byte) (SendResult, error) {
	n := len(chunk)
	if n > maxRawChunk {
		n = maxRawChunk
	}
	if n == 0 {
		return SendResult{}, nil
	}
	written, err := w.Write(chunk[:n])
	return SendResult{BytesConsumed: written, Partial: written < n}, err
}

// metaBoundary clips chunk so it never straddles a metadata stamp
// change: callers resend the remainder on the next tick, at which
// point the new stamp takes effect. This keeps one Send call's
// metadata decision unambiguous even though Buffer.MetaAt resolves
// per-byte.
func metaBoundary(buf *Buffer, chunk []byte, chunkPos int64) []byte {
	limit := chunkPos + int64(len(chunk))
	next := buf.NextMetaStampAfter(chunkPos)
	if next < 0 || next >= limit {
		return chunk
	}
	return chunk[:next-chunkPos]
}

// sendICY implements the ICY-interleaved framing (spec.md §4.3): a
// scatter/gather vector of [metadata?][audio] is assembled so the
// interval stays byte-exact even across partial writes.
func (s *ListenerSender) sendICY(w io.Writer, buf *Buffer, chunk []byte, chunkPos int64) (SendResult, error) {
	if s.Interval <= 0 {
		return s.sendRaw(w, chunk)
	}

	chunk = metaBoundary(buf, chunk, chunkPos)
	meta := buf.MetaAt(chunkPos)

	var vec [][]byte

	if s.inMetadata || s.sinceMetaBlock >= s.Interval {
		metaBytes := s.metadataBytesFor(meta)
		if s.metadataOffset < len(metaBytes) {
			vec = append(vec, metaBytes[s.metadataOffset:])
		}
	}

	audioRemaining := chunk
	audioBudget := s.Interval - s.sinceMetaBlock
	if !s.inMetadata && s.sinceMetaBlock >= s.Interval {
		audioBudget = s.Interval
	}
	if audioBudget < 0 {
		audioBudget = 0
	}
	if len(audioRemaining) > audioBudget {
		audioRemaining = audioRemaining[:audioBudget]
	}
	if len(audioRemaining) > 0 {
		vec = append(vec, audioRemaining)
	}

	total := 0
	for _, v := range vec {
		total += len(v)
	}
	if total == 0 {
		return SendResult{}, nil
	}

	written, err := writeVectored(w, vec)
	if err != nil {
		return SendResult{BytesConsumed: 0, Partial: true}, err
	}

	metaLen := 0
	if s.inMetadata || s.sinceMetaBlock >= s.Interval {
		metaLen = len(s.metadataBytesFor(meta)) - s.metadataOffset
		if metaLen < 0 {
			metaLen = 0
		}
	}

	if written < metaLen {
		// Partial send landed inside the metadata portion; no audio
		// bytes were consumed from chunk this tick.
		s.inMetadata = true
		s.metadataOffset += written
		return SendResult{BytesConsumed: 0, Partial: true}, nil
	}

	audioWritten := written - metaLen
	if s.inMetadata || metaLen > 0 {
		s.inMetadata = false
		s.metadataOffset = 0
		s.associated = meta
		s.sinceMetaBlock = audioWritten
	} else {
		s.sinceMetaBlock += audioWritten
	}

	partial := written < total
	return SendResult{BytesConsumed: audioWritten, Partial: partial}, nil
}

// metadataBytesFor returns the bytes to interleave: the length-
// prefixed ICY block if metadata changed since the listener's last
// send, else a single 0-byte "no change" sentinel (spec.md §4.3).
func (s *ListenerSender) metadataBytesFor(meta *BroadcastMeta) []byte {
	if meta != s.associated {
		return meta.ICY
	}
	return []byte{0}
}

// sendIceblock implements the iceblock framing (spec.md §4.3): every
// payload is 2-byte length prefixed; metadata changes are prepended
// from the chain's iceblock hop.
//
// Once a frame's length header starts going out, its declared length
// is fixed on the wire: a later call must resend exactly the unsent
// tail, never a freshly derived header for a shrunk chunk. A short
// write landing inside the header or payload is therefore handed off
// to resumeIceblockFrame rather than retried from offset 0.
func (s *ListenerSender) sendIceblock(w io.Writer, buf *Buffer, chunk []byte, chunkPos int64) (SendResult, error) {
	if s.iceblockResuming {
		return s.resumeIceblockFrame(w, chunk)
	}

	chunk = metaBoundary(buf, chunk, chunkPos)
	meta := buf.MetaAt(chunkPos)

	var vec [][]byte

	changed := meta != s.associated || s.metadataOffset > 0
	if changed {
		iceblock := meta.Iceblock
		if s.metadataOffset < len(iceblock) {
			vec = append(vec, iceblock[s.metadataOffset:])
		}
	}

	header := encodeLengthPrefix(len(chunk))
	vec = append(vec, header, chunk)

	total := 0
	for _, v := range vec {
		total += len(v)
	}
	if total == 0 {
		return SendResult{}, nil
	}

	written, err := writeVectored(w, vec)
	if err != nil {
		return SendResult{BytesConsumed: 0, Partial: true}, err
	}

	metaLen := 0
	if changed {
		metaLen = len(meta.Iceblock) - s.metadataOffset
	}

	if written < metaLen {
		// Still inside the metadata portion; no frame bytes went out.
		s.metadataOffset += written
		return SendResult{BytesConsumed: 0, Partial: true}, nil
	}

	s.metadataOffset = 0
	s.associated = meta

	frameWritten := written - metaLen
	frameTotal := len(header) + len(chunk)
	if frameWritten >= frameTotal {
		return SendResult{BytesConsumed: len(chunk), Partial: false}, nil
	}

	frame := make([]byte, 0, frameTotal-frameWritten)
	frame = append(frame, header...)
	frame = append(frame, chunk...)
	s.iceblockTail = frame[frameWritten:]
	s.iceblockResuming = true

	payloadWritten := frameWritten - len(header)
	if payloadWritten < 0 {
		payloadWritten = 0
	}
	return SendResult{BytesConsumed: payloadWritten, Partial: true}, nil
}

// resumeIceblockFrame flushes what remains of a frame whose header
// already reached the wire. chunk is the caller's remaining audio for
// this frame, which by construction is exactly as long as the
// non-header portion of iceblockTail; no header or metadata is
// re-derived.
func (s *ListenerSender) resumeIceblockFrame(w io.Writer, chunk []byte) (SendResult, error) {
	written, err := w.Write(s.iceblockTail)
	s.iceblockTail = s.iceblockTail[written:]
	if err != nil {
		return SendResult{BytesConsumed: 0, Partial: true}, err
	}
	if len(s.iceblockTail) > 0 {
		return SendResult{BytesConsumed: 0, Partial: true}, nil
	}

	s.iceblockResuming = false
	return SendResult{BytesConsumed: len(chunk), Partial: false}, nil
}

func encodeLengthPrefix(n int) []byte {
	return []byte{byte(n >> 8), byte(n)}
}

// writeVectored submits vec as one gathered write when w supports it,
// falling back to sequential writes with partial-write bookkeeping
// otherwise (spec.md §9 "Scatter/gather writes").
func writeVectored(w io.Writer, vec [][]byte) (int, error) {
	total := 0
	for _, v := range vec {
		n, err := w.Write(v)
		total += n
		if err != nil {
			return total, err
		}
		if n < len(v) {
			return total, nil
		}
	}
	return total, nil
}
