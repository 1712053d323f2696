// Package midibuf implements the fixed-capacity MIDI event buffer and the
// time-ordered multi-source merger that every RT-path component in calfbox
// shares.
package midibuf

import "fmt"

// MaxEventBytes is the maximum payload size of a single MIDI event; calfbox
// never deals with sysex in the RT path, so 3 bytes (status + 2 data) covers
// every channel-voice message.
const MaxEventBytes = 3

// Event is a single MIDI message timestamped relative to the start of the
// buffer it lives in.
type Event struct {
	TimeSamples uint32
	Size        uint8
	Bytes       [MaxEventBytes]byte
}

// NewEvent builds an Event from raw status/data bytes.
func NewEvent(timeSamples uint32, bytes ...byte) Event {
	var e Event
	e.TimeSamples = timeSamples
	e.Size = uint8(len(bytes))
	copy(e.Bytes[:], bytes)
	return e
}

// Status returns the event's status byte, or 0 if empty.
func (e Event) Status() byte {
	if e.Size == 0 {
		return 0
	}
	return e.Bytes[0]
}

// Channel returns the low nibble of the status byte.
func (e Event) Channel() int { return int(e.Status() & 0x0F) }

// IsNoteOn reports whether the event is a note-on with non-zero velocity.
func (e Event) IsNoteOn() bool {
	return e.Size == 3 && e.Bytes[0]&0xF0 == 0x90 && e.Bytes[2] > 0
}

// IsNoteOff reports whether the event is a note-off, or a note-on with zero
// velocity (the standard "running status" note-off idiom).
func (e Event) IsNoteOff() bool {
	if e.Size != 3 {
		return false
	}
	top := e.Bytes[0] & 0xF0
	if top == 0x80 {
		return true
	}
	return top == 0x90 && e.Bytes[2] == 0
}

// Note returns the event's note number (data byte 1), valid only for
// note-on/note-off events.
func (e Event) Note() int { return int(e.Bytes[1]) }

// Buffer is a fixed-capacity, append-only, time-ordered event list. It is
// cleared at the start of every process callback and filled monotonically
// within it — readers never observe a partial write because WriteEvent only
// ever appends past the current length.
type Buffer struct {
	events []Event
	cap    int
}

// NewBuffer allocates a Buffer with room for capacity events.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{events: make([]Event, 0, capacity), cap: capacity}
}

// Clear empties the buffer for the next callback.
func (b *Buffer) Clear() { b.events = b.events[:0] }

// Count returns the number of events currently stored.
func (b *Buffer) Count() int { return len(b.events) }

// Cap returns the configured capacity.
func (b *Buffer) Cap() int { return b.cap }

// Event returns the i-th event.
func (b *Buffer) Event(i int) Event { return b.events[i] }

// Events exposes the underlying slice read-only.
func (b *Buffer) Events() []Event { return b.events }

// CanStore reports whether an event of size bytes still fits.
func (b *Buffer) CanStore(size int) bool {
	_ = size
	return len(b.events) < b.cap
}

// WriteEvent appends an event, rejecting it on overflow. The buffer does
// not enforce non-decreasing time itself — callers (patterns, mergers) are
// required to supply events in non-decreasing time order; this keeps
// WriteEvent allocation-free and branch-light on the RT path.
func (b *Buffer) WriteEvent(e Event) error {
	if len(b.events) >= b.cap {
		return fmt.Errorf("midibuf: overflow at capacity %d", b.cap)
	}
	b.events = append(b.events, e)
	return nil
}

// WriteRaw is a convenience wrapper around WriteEvent for inline bytes.
func (b *Buffer) WriteRaw(timeSamples uint32, bytes ...byte) error {
	return b.WriteEvent(NewEvent(timeSamples, bytes...))
}

// Merger performs a k-way, time-ordered merge of a connected set of source
// buffers into a destination buffer. The source set is
// mutated only from the RT thread (here: only by the goroutine that also
// calls RenderTo), so no locking is required around the slice itself.
type Merger struct {
	sources []*Buffer
	pos     []int // per-source read cursor, reused across RenderTo calls
}

// NewMerger returns an empty merger.
func NewMerger() *Merger { return &Merger{} }

// Connect adds src to the merger's source set. Must only be called from the
// RT goroutine (normally via an rtcmd.Command).
func (m *Merger) Connect(src *Buffer) {
	for _, s := range m.sources {
		if s == src {
			return
		}
	}
	m.sources = append(m.sources, src)
	m.pos = append(m.pos, 0)
}

// Disconnect removes src from the merger's source set. Must only be called
// from the RT goroutine.
func (m *Merger) Disconnect(src *Buffer) {
	for i, s := range m.sources {
		if s == src {
			m.sources = append(m.sources[:i], m.sources[i+1:]...)
			m.pos = m.pos[:len(m.sources)]
			return
		}
	}
}

// Sources returns the currently connected source buffers.
func (m *Merger) Sources() []*Buffer { return m.sources }

// RenderTo drains all connected sources into dst, preserving global
// non-decreasing time order across sources. It is a straightforward k-way
// merge by cursor (sources are individually already time-ordered); ties keep
// the original per-source order stable by always preferring the
// lowest-indexed source first.
func (m *Merger) RenderTo(dst *Buffer) {
	n := len(m.sources)
	if n == 0 {
		return
	}
	pos := m.pos[:n]
	for i := range pos {
		pos[i] = 0
	}
	for {
		best := -1
		var bestTime uint32
		for i, src := range m.sources {
			if pos[i] >= src.Count() {
				continue
			}
			t := src.Event(pos[i]).TimeSamples
			if best == -1 || t < bestTime {
				best = i
				bestTime = t
			}
		}
		if best == -1 {
			return
		}
		ev := m.sources[best].Event(pos[best])
		pos[best]++
		if err := dst.WriteEvent(ev); err != nil {
			return
		}
	}
}
