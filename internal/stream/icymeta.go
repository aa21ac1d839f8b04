package stream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// ErrInlineMetaParse is returned when an inline ICY metadata block
// fails validation (spec.md §4.2, §7 InputParse).
var ErrInlineMetaParse = errors.New("stream: malformed inline ICY metadata block")

const (
	// icyBlockUnit is the granularity ICY metadata blocks are padded
	// to: the declared length byte counts 16-byte units.
	icyBlockUnit = 16

	// maxFLVMetaSize and maxIceblockSize bound the side-band blocks
	// built alongside the ICY block (spec.md §4.2 step 3).
	maxFLVMetaSize  = 4000
	maxIceblockSize = 4096

	flvAudioCodecMP3 = 2
	flvAudioCodecAAC = 10
)

// IcyMetaBuilder parses inline Shoutcast-ICY metadata blocks and
// constructs the next broadcast metadata triple (ICY, FLV, iceblock)
// for a mount. One instance is owned per-mount by Mp3State.
type IcyMetaBuilder struct {
	mu sync.Mutex

	// Charset is the encoding inline tags are declared in before
	// conversion to UTF-8 (spec.md §4.2 "Charset conversion").
	Charset string

	// Convert selects whether inbound bytes need transcoding (tri-state
	// in spec.md's Mp3State.update_metadata: none / convert-from-charset
	// / already-utf8). When false, bytes are treated as UTF-8 already.
	Convert bool

	lastTitle string
	lastURL   string
}

// NewIcyMetaBuilder creates a builder for the given source charset.
func NewIcyMetaBuilder(charset string) *IcyMetaBuilder {
	if charset == "" {
		charset = "ISO8859-1"
	}
	return &IcyMetaBuilder{Charset: charset, Convert: true}
}

// ParseInlineBlock validates and parses a raw inline ICY metadata
// block (the length byte plus the declared 16*L bytes) per spec.md
// §4.2. It returns the StreamTitle/StreamUrl values found, or
// ErrInlineMetaParse if the block is malformed. A length byte of 0
// means "no change, no payload" and yields two empty strings with no
// error.
func (b *IcyMetaBuilder) ParseInlineBlock(block []byte) (title, url string, err error) {
	if len(block) == 0 {
		return "", "", ErrInlineMetaParse
	}
	l := int(block[0])
	if l == 0 {
		return "", "", nil
	}
	declared := l * icyBlockUnit
	if len(block) < 1+declared {
		return "", "", ErrInlineMetaParse
	}
	body := block[1 : 1+declared]
	return parseIcyTags(body)
}

// parseIcyTags splits a semicolon-terminated, quote-delimited
// key='value' stream. Unknown tokens are skipped to the next ';'.
func parseIcyTags(body []byte) (title, url string, err error) {
	// Body is null-padded on the right; trim before tokenizing.
	body = bytes.TrimRight(body, "\x00")
	s := string(body)

	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(s[:eq])
		rest := s[eq+1:]
		if len(rest) == 0 || rest[0] != '\'' {
			// Not a quoted value we understand; skip to next ';'.
			if semi := strings.IndexByte(rest, ';'); semi >= 0 {
				s = rest[semi+1:]
				continue
			}
			break
		}
		rest = rest[1:]
		end := strings.Index(rest, "';")
		if end < 0 {
			return "", "", ErrInlineMetaParse
		}
		value := rest[:end]
		s = rest[end+2:]

		switch key {
		case "StreamTitle":
			title = value
		case "StreamUrl":
			url = value
		}
	}
	return title, url, nil
}

// BuildUpdate constructs a new BroadcastMeta from the supplied tags
// and codec hint (spec.md §4.2 steps 1-3). title/artist/url may be
// empty; empty fields are omitted from the formatted body. codecIsAAC
// selects the FLV audiocodecid (2=MP3, 10=AAC).
func (b *IcyMetaBuilder) BuildUpdate(title, artist, url string, sampleRate, bitrate int, stereo, codecIsAAC bool) (*BroadcastMeta, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	title = b.maybeConvert(title)
	artist = b.maybeConvert(artist)
	url = b.maybeConvert(url)

	streamTitle := title
	if artist != "" && title != "" {
		streamTitle = artist + " - " + title
	} else if artist != "" {
		streamTitle = artist
	}

	if streamTitle == b.lastTitle && url == b.lastURL {
		// Equal-to-previous is a no-op per spec.md §4.2.
		return nil, nil
	}
	b.lastTitle = streamTitle
	b.lastURL = url

	body := formatIcyBody(streamTitle, url)
	icy, err := packIcyBlock(body)
	if err != nil {
		return nil, err
	}

	codecID := flvAudioCodecMP3
	if codecIsAAC {
		codecID = flvAudioCodecAAC
	}
	flv := buildFLVMetaTag(title, artist, url, sampleRate, bitrate, stereo, codecID)
	iceblock := buildIceblock(streamTitle, url)

	return &BroadcastMeta{
		ICY:         icy,
		FLV:         flv,
		Iceblock:    iceblock,
		StreamTitle: streamTitle,
		StreamURL:   url,
	}, nil
}

func (b *IcyMetaBuilder) maybeConvert(s string) string {
	if s == "" || !b.Convert {
		return s
	}
	enc := charsetEncoding(b.Charset)
	if enc == nil {
		return s
	}
	out, _, err := transform.String(enc.NewDecoder(), s)
	if err != nil {
		return s
	}
	return out
}

func charsetEncoding(name string) encoding.Encoding {
	switch strings.ToUpper(strings.ReplaceAll(name, "-", "")) {
	case "ISO88591", "LATIN1":
		return charmap.ISO8859_1
	case "UTF8", "":
		return nil
	default:
		return charmap.ISO8859_1
	}
}

// formatIcyBody renders "StreamTitle='...';StreamUrl='...';",
// omitting absent fields, per spec.md §4.2 step 2.
func formatIcyBody(title, url string) string {
	var sb strings.Builder
	if title != "" {
		sb.WriteString("StreamTitle='")
		sb.WriteString(escapeIcyQuote(title))
		sb.WriteString("';")
	}
	if url != "" {
		sb.WriteString("StreamUrl='")
		sb.WriteString(escapeIcyQuote(url))
		sb.WriteString("';")
	}
	return sb.String()
}

func escapeIcyQuote(s string) string {
	return strings.ReplaceAll(s, "'", "")
}

// packIcyBlock allocates a length-byte-prefixed, 16-byte-aligned ICY
// block per spec.md §4.2 step 1: size 16*ceil((L-1)/16)+1, zeroed,
// first byte = length-in-16-byte-units.
func packIcyBlock(body string) ([]byte, error) {
	if len(body) > 255*icyBlockUnit {
		return nil, fmt.Errorf("stream: icy metadata body too large (%d bytes)", len(body))
	}
	units := (len(body) + icyBlockUnit - 1) / icyBlockUnit
	if len(body) == 0 {
		units = 0
	}
	block := make([]byte, 1+units*icyBlockUnit)
	block[0] = byte(units)
	copy(block[1:], body)
	return block, nil
}

// buildFLVMetaTag renders a minimal onMetaData ScriptData-style tag
// body (spec.md §4.2 step 3, §6). The FLV repackager itself is out of
// scope; this only produces the metadata side-band the chain contract
// promises.
func buildFLVMetaTag(title, artist, url string, sampleRate, bitrate int, stereo bool, codecID int) []byte {
	var sb strings.Builder
	sb.WriteString("onMetaData")
	writeFLVString(&sb, "title", title)
	writeFLVString(&sb, "artist", artist)
	writeFLVString(&sb, "URL", url)
	sb.WriteString("stereo=")
	sb.WriteString(strconv.FormatBool(stereo))
	sb.WriteString(";audiosamplerate=")
	sb.WriteString(strconv.Itoa(sampleRate))
	sb.WriteString(";audiodatarate=")
	sb.WriteString(strconv.Itoa(bitrate))
	sb.WriteString(";audiocodecid=")
	sb.WriteString(strconv.Itoa(codecID))
	sb.WriteString(";")

	out := []byte(sb.String())
	if len(out) > maxFLVMetaSize {
		out = out[:maxFLVMetaSize]
	}
	return out
}

func writeFLVString(sb *strings.Builder, key, value string) {
	if value == "" {
		return
	}
	sb.WriteString(";")
	sb.WriteString(key)
	sb.WriteString("=")
	sb.WriteString(value)
}

// buildIceblock renders the newline-separated key/value iceblock body,
// 2-byte big-endian length prefixed with the sentinel top bit of the
// high byte set, per spec.md §4.2 step 3.
func buildIceblock(title, url string) []byte {
	var body bytes.Buffer
	if title != "" {
		fmt.Fprintf(&body, "StreamTitle=%s\n", title)
	}
	if url != "" {
		fmt.Fprintf(&body, "StreamUrl=%s\n", url)
	}

	payload := body.Bytes()
	if len(payload) > maxIceblockSize-2 {
		payload = payload[:maxIceblockSize-2]
	}

	out := make([]byte, 2+len(payload))
	length := uint16(len(payload))
	out[0] = byte(length>>8) | 0x80
	out[1] = byte(length)
	copy(out[2:], payload)
	return out
}

// ReadInlineBlock reads one complete inline ICY block from r, given
// the already-read length byte, returning the 16*L body bytes. Used
// when Mp3State needs to pull the remainder of a block that started
// in a previous read.
func ReadInlineBlock(r io.Reader, lengthByte byte) ([]byte, error) {
	l := int(lengthByte)
	if l == 0 {
		return nil, nil
	}
	body := make([]byte, l*icyBlockUnit)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("stream: reading inline icy block: %w", err)
	}
	return body, nil
}
