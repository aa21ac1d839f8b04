package stream

import "sync/atomic"

// BroadcastMeta bundles one metadata update for a mount: the ICY
// block, the FLV onMetaData tag, and the iceblock body all travel
// together as a single value (spec.md §3, §9), rather than as three
// reference-counted side-band blocks linked by pointer. Listeners
// compare the *BroadcastMeta they last sent against the one stamped
// at their read position in the mount's buffer (Buffer.MetaAt) by
// identity; a changed pointer means fresh metadata,
// with no refcounting or chain walk required.
type BroadcastMeta struct {
	// ICY is the raw ICY metadata block: length byte followed by
	// 16*L bytes of "key='value';" pairs, null-padded.
	ICY []byte

	// FLV is the onMetaData ScriptData tag body for WANTS_FLV
	// listeners (spec.md §4.2 step 3, §6).
	FLV []byte

	// Iceblock is the 2-byte-length-prefixed key/value body for
	// iceblock-framed listeners.
	Iceblock []byte

	StreamTitle string
	StreamURL   string
}

// BlankBroadcastMeta is the process-wide "no metadata yet" singleton.
// It is never mutated; listeners may compare against it by identity
// exactly like any other *BroadcastMeta.
var BlankBroadcastMeta = &BroadcastMeta{
	ICY: []byte{0},
}

// MetaHolder atomically holds the current broadcast metadata for one
// mount. The source thread is the only writer; listeners only read.
type MetaHolder struct {
	current atomic.Pointer[BroadcastMeta]
}

// NewMetaHolder creates a holder initialized to the blank singleton.
func NewMetaHolder() *MetaHolder {
	h := &MetaHolder{}
	h.current.Store(BlankBroadcastMeta)
	return h
}

// Load returns the current broadcast metadata.
func (h *MetaHolder) Load() *BroadcastMeta {
	return h.current.Load()
}

// Store atomically replaces the current broadcast metadata. There is
// nothing to release: BroadcastMeta has no refcount, and the garbage
// collector reclaims the superseded value once the last listener
// holding a reference to it moves on.
func (h *MetaHolder) Store(m *BroadcastMeta) {
	h.current.Store(m)
}
