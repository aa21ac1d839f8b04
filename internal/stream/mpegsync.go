package stream

import (
	"bytes"

	"github.com/dmulholl/mp3lib"
)

// DefaultMaxUnprocessed is the conservative "probably not MPEG" cutoff
// for trailing bytes that don't resolve into a complete frame. Sources
// that legitimately need a larger window can raise it per-mount via
// MountConfig.MaxUnprocessedBytes.
const DefaultMaxUnprocessed = 8000

// MpegSync is a stateful MPEG frame resynchronizer. One instance is
// kept per mount's ingest path, owned by that mount's Mp3State.
type MpegSync struct {
	// MaxUnprocessed bounds how many trailing unparsed bytes
	// CompleteFrames tolerates before reporting frame-sync failure.
	MaxUnprocessed int

	Layer      int
	Channels   int
	SampleRate int
	BitRate    int
	Frames     int64
}

// NewMpegSync creates a resynchronizer with the given trailing-byte
// tolerance. maxUnprocessed <= 0 uses DefaultMaxUnprocessed.
func NewMpegSync(maxUnprocessed int) *MpegSync {
	if maxUnprocessed <= 0 {
		maxUnprocessed = DefaultMaxUnprocessed
	}
	return &MpegSync{MaxUnprocessed: maxUnprocessed}
}

// CompleteFrames walks buf frame by frame using mp3lib's header parser,
// updating BitRate, SampleRate and the frame count as it goes (Layer
// and Channels are not set here). It
// returns the number of trailing bytes that do not form a complete
// frame ("unprocessed"), or -1 if those trailing bytes exceed
// MaxUnprocessed — the caller's cue to tear the source down per
// spec.md §4.1's frame validation policy.
func (s *MpegSync) CompleteFrames(buf []byte) int {
	r := bytes.NewReader(buf)
	consumed := 0

	for {
		frame := mp3lib.NextFrame(r)
		if frame == nil {
			break
		}
		consumed += len(frame.RawBytes)
		s.Frames++
		s.BitRate = frame.BitRate
		s.SampleRate = frame.SamplingRate
	}

	unprocessed := len(buf) - consumed
	if unprocessed > s.MaxUnprocessed {
		return -1
	}
	return unprocessed
}

// Reset clears accumulated codec parameters without losing the
// configured MaxUnprocessed tolerance.
func (s *MpegSync) Reset() {
	s.Layer = 0
	s.Channels = 0
	s.SampleRate = 0
	s.BitRate = 0
	s.Frames = 0
}
