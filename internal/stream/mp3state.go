package stream

import (
	"errors"
	"fmt"
)

// ErrFrameSync is returned when MpegSync cannot resynchronize within
// MaxUnprocessed bytes (spec.md §4.1 frame validation policy,
// §7 FrameSync error kind).
var ErrFrameSync = errors.New("stream: mpeg frame resync failed")

// DefaultQueueBlockSize is the target input block size ingest reads
// are sized to, matching one network MTU (spec.md §3 Mp3State).
const DefaultQueueBlockSize = 1400

// IngestedBlock is one payload block produced by Mp3State.Feed, with
// the broadcast metadata that was current when it was packaged
// (spec.md §4.1 "Metadata attachment").
type IngestedBlock struct {
	Data        []byte
	Meta        *BroadcastMeta
	SyncAligned bool
}

// Mp3State is the per-mount ingest state machine: it reads upstream
// bytes, strips inline ICY metadata when present, validates MPEG frame
// alignment, and republishes the current "now playing" metadata
// whenever the upstream announces new tags (spec.md §3, §4.1).
type Mp3State struct {
	// Interval is the ICY metadata period in bytes advertised to
	// listeners (default 16000, spec.md §3).
	Interval int

	// InlineMetadataInterval is the ICY period announced by the
	// upstream; 0 means the upstream carries no inline metadata.
	InlineMetadataInterval int

	// QueueBlockSize is the target input block size.
	QueueBlockSize int

	Charset string

	Meta    *MetaHolder
	builder *IcyMetaBuilder
	sync    *MpegSync

	offset int
	inMeta bool
	metaBuf      []byte
	metaExpected int

	carry []byte

	SampleRate int
	Bitrate    int
	Stereo     bool
	CodecIsAAC bool

	urlTitle  string
	urlArtist string
	inlineURL string
}

// NewMp3State creates ingest state for one mount.
func NewMp3State(inlineMetadataInterval, listenerInterval, maxUnprocessed int, charset string) *Mp3State {
	if listenerInterval <= 0 {
		listenerInterval = 16000
	}
	return &Mp3State{
		Interval:               listenerInterval,
		InlineMetadataInterval: inlineMetadataInterval,
		QueueBlockSize:         DefaultQueueBlockSize,
		Charset:                charset,
		Meta:                   NewMetaHolder(),
		builder:                NewIcyMetaBuilder(charset),
		sync:                   NewMpegSync(maxUnprocessed),
	}
}

// SetTag publishes operator-set metadata immediately, bypassing inline
// parsing (spec.md §4.2 "operator-set via set_tag"). charsetUTF8
// selects whether the supplied strings are already UTF-8.
func (s *Mp3State) SetTag(title, artist, url string, charsetUTF8 bool) error {
	s.builder.Convert = !charsetUTF8
	meta, err := s.builder.BuildUpdate(title, artist, url, s.SampleRate, s.Bitrate, s.Stereo, s.CodecIsAAC)
	if err != nil {
		return err
	}
	if meta != nil {
		s.Meta.Store(meta)
	}
	return nil
}

// Feed ingests one chunk of raw upstream bytes (spec.md §4.1 "Block
// packaging"). It strips inline ICY metadata if configured, validates
// MPEG frame alignment on the result, and returns a frame-aligned
// payload block tagged with the metadata in effect at the time it was
// packaged. A short read that leaves a partial frame or a partial
// inline metadata block simply carries state to the next call — Feed
// returns a nil block with a nil error in that case.
func (s *Mp3State) Feed(chunk []byte) (*IngestedBlock, error) {
	var audio []byte
	if s.InlineMetadataInterval > 0 {
		var err error
		audio, err = s.stripInline(chunk)
		if err != nil {
			return nil, err
		}
	} else {
		audio = chunk
	}

	if len(audio) == 0 && len(s.carry) == 0 {
		return nil, nil
	}

	combined := append(s.carry, audio...)
	unprocessed := s.sync.CompleteFrames(combined)
	if unprocessed < 0 {
		return nil, fmt.Errorf("%w: %d bytes unresolved (max %d)", ErrFrameSync, len(combined), s.sync.MaxUnprocessed)
	}

	payloadLen := len(combined) - unprocessed
	if payloadLen <= 0 {
		// Nothing frame-complete yet; keep everything as carry-over.
		s.carry = append([]byte(nil), combined...)
		return nil, nil
	}

	payload := make([]byte, payloadLen)
	copy(payload, combined[:payloadLen])

	if unprocessed > 0 {
		tail := make([]byte, unprocessed)
		copy(tail, combined[payloadLen:])
		s.carry = tail
	} else {
		s.carry = nil
	}

	return &IngestedBlock{
		Data:        payload,
		Meta:        s.Meta.Load(),
		SyncAligned: true,
	}, nil
}

// stripInline implements spec.md §4.1's inline metadata filter: audio
// bytes up to Interval pass through untouched; the ICY block that
// follows is parsed and excised from the stream entirely.
func (s *Mp3State) stripInline(chunk []byte) ([]byte, error) {
	out := make([]byte, 0, len(chunk))
	i := 0
	for i < len(chunk) {
		if s.inMeta {
			need := s.metaExpected - len(s.metaBuf)
			take := len(chunk) - i
			if take > need {
				take = need
			}
			s.metaBuf = append(s.metaBuf, chunk[i:i+take]...)
			i += take
			if len(s.metaBuf) >= s.metaExpected {
				if err := s.completeMetaBlock(); err != nil {
					return nil, err
				}
			}
			continue
		}

		if s.offset >= s.InlineMetadataInterval {
			l := int(chunk[i])
			i++
			if l == 0 {
				s.offset = 0
				continue
			}
			s.metaExpected = 1 + l*icyBlockUnit
			s.metaBuf = make([]byte, 0, s.metaExpected)
			s.metaBuf = append(s.metaBuf, byte(l))
			s.inMeta = true
			if len(s.metaBuf) >= s.metaExpected {
				if err := s.completeMetaBlock(); err != nil {
					return nil, err
				}
			}
			continue
		}

		avail := s.InlineMetadataInterval - s.offset
		take := len(chunk) - i
		if take > avail {
			take = avail
		}
		out = append(out, chunk[i:i+take]...)
		i += take
		s.offset += take
	}
	return out, nil
}

// completeMetaBlock parses a fully-accumulated inline ICY block, mints
// a fresh broadcast metadata triple if the tags changed, and resets
// the accumulator (spec.md §4.1 "Once complete").
func (s *Mp3State) completeMetaBlock() error {
	title, url, err := s.builder.ParseInlineBlock(s.metaBuf)
	if err != nil {
		s.inMeta = false
		s.metaBuf = nil
		s.metaExpected = 0
		s.offset = 0
		return err
	}

	if s.metaBuf[0] != 0 {
		if title != "" {
			s.urlTitle = title
		}
		if url != "" {
			s.inlineURL = url
		}
		meta, err := s.builder.BuildUpdate(s.urlTitle, s.urlArtist, s.inlineURL, s.SampleRate, s.Bitrate, s.Stereo, s.CodecIsAAC)
		if err != nil {
			return err
		}
		if meta != nil {
			s.Meta.Store(meta)
		}
	}

	s.inMeta = false
	s.metaBuf = nil
	s.metaExpected = 0
	s.offset = 0
	return nil
}
