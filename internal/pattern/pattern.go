// Package pattern implements the immutable note-event Pattern, its
// refcounted PatternPlayback wrapper (sorted note index + presence
// bitmask), and ClipPlayback, the cursor-based emitter over a half-open
// sample window.
package pattern

import (
	"sort"

	"github.com/schollz/calfbox/internal/midibuf"
)

// Pattern is an immutable, PPQN-time-sorted list of MIDI events plus the
// PPQN position where the pattern is considered to loop.
type Pattern struct {
	Events      []midibuf.Event // Event.TimeSamples field is reused to hold PPQN time here
	LoopEndPPQN int32
}

// noteKey orders events the way calfbox's note_compare_fn does: first by
// (channel, note), then by time, giving a stable sort usable for binary
// search of "what was the last on/off before time t for this note".
type noteKey struct {
	channel, note int
	time          int64
	index         int // original playback-events index, for IsNoteActiveAt lookups
}

// PatternPlayback is a refcounted, render-ready view of a Pattern: a copy of
// its events plus a (channel,note,time)-sorted index and a per-channel
// notes-present bitmask, matching cbox_midi_pattern_playback in seq.c.
type PatternPlayback struct {
	events    []midibuf.Event
	noteIndex []noteKey
	// NotePresent is a 16-bit mask: bit c set means channel c has at least
	// one note-on event in this pattern.
	NotePresent uint16

	refCount int32
}

// NewPatternPlayback builds a playback view from an immutable Pattern,
// mirroring cbox_midi_pattern_playback_new.
func NewPatternPlayback(p *Pattern) *PatternPlayback {
	pb := &PatternPlayback{
		events:   append([]midibuf.Event(nil), p.Events...),
		refCount: 1,
	}
	for i, ev := range pb.events {
		if ev.Size != 3 {
			continue
		}
		top := ev.Bytes[0] & 0xE0
		if top != 0x80 { // only note-on/note-off status bytes (0x80-0x9F)
			continue
		}
		key := noteKey{
			channel: ev.Channel(),
			note:    ev.Note(),
			time:    int64(ev.TimeSamples), // PPQN time, see field reuse note above
			index:   i,
		}
		pb.noteIndex = append(pb.noteIndex, key)
		if ev.IsNoteOn() {
			pb.NotePresent |= 1 << uint(key.channel)
		}
	}
	sort.Slice(pb.noteIndex, func(i, j int) bool {
		a, b := pb.noteIndex[i], pb.noteIndex[j]
		if a.channel != b.channel {
			return a.channel < b.channel
		}
		if a.note != b.note {
			return a.note < b.note
		}
		return a.time < b.time
	})
	return pb
}

// Ref increments the reference count.
func (pb *PatternPlayback) Ref() { pb.refCount++ }

// Unref decrements the reference count; callers should drop all further use
// of pb once it reaches zero.
func (pb *PatternPlayback) Unref() int32 {
	pb.refCount--
	return pb.refCount
}

// Events returns the playback's copy of the pattern's events, still keyed
// in PPQN time via TimeSamples.
func (pb *PatternPlayback) Events() []midibuf.Event { return pb.events }

// IsNoteActiveAt answers the stuck-note protocol's "actually sustained" test:
// binary-search the sorted (channel,note,time) index for the latest event
// at or before relTimePPQN on (channel,note); the note is sustained iff that
// event is a note-on with non-zero velocity.
func (pb *PatternPlayback) IsNoteActiveAt(relTimePPQN int64, channel, note int) bool {
	lo, hi := 0, len(pb.noteIndex)
	for lo < hi {
		mid := (lo + hi) / 2
		k := pb.noteIndex[mid]
		if k.channel < channel || (k.channel == channel && (k.note < note || (k.note == note && k.time <= relTimePPQN))) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	// lo now points just past the last matching (channel,note,time<=rel) entry.
	if lo == 0 {
		return false
	}
	prev := pb.noteIndex[lo-1]
	if prev.channel != channel || prev.note != note {
		return false
	}
	ev := pb.events[prev.index]
	return ev.IsNoteOn()
}

// seekIndexByPPQN returns the index of the first event whose PPQN time is
// >= target, via binary search (events are sorted by time within the
// pattern).
func (pb *PatternPlayback) seekIndexByPPQN(target int64) int {
	return sort.Search(len(pb.events), func(i int) bool {
		return int64(pb.events[i].TimeSamples) >= target
	})
}

// ClipPlayback is the cursor-based emitter of one TrackItem's pattern over
// the callback's half-open sample window, matching
// cbox_midi_clip_playback_* in seq.c.
type ClipPlayback struct {
	Pattern *PatternPlayback

	pos int // index into Pattern.events

	ItemStartPPQN int64
	OffsetPPQN    int64
	MinTimePPQN   int64

	StartTimeSamples int64
	EndTimeSamples   int64
	RelTimeSamples   int64

	// ppqnToSamples converts a PPQN time to samples under the tempo active
	// for this clip; supplied by the owning TrackPlayback since clips don't
	// own a Master reference themselves.
	ppqnToSamples func(ppqn int64) int64
}

// SetPattern (re)arms the clip to a new item, matching
// cbox_midi_clip_playback_set_pattern.
func (c *ClipPlayback) SetPattern(p *PatternPlayback, startSamples, endSamples, itemStartPPQN, offsetPPQN int64, ppqnToSamples func(int64) int64) {
	c.Pattern = p
	c.pos = 0
	c.RelTimeSamples = 0
	c.StartTimeSamples = startSamples
	c.EndTimeSamples = endSamples
	c.ItemStartPPQN = itemStartPPQN
	c.OffsetPPQN = offsetPPQN
	c.MinTimePPQN = offsetPPQN
	c.ppqnToSamples = ppqnToSamples
}

// SeekPPQN positions the cursor at the first event at or after
// target+offset, and sets MinTimePPQN to minTimePPQN to suppress
// re-emission of anything before it.
func (c *ClipPlayback) SeekPPQN(targetPPQN, minTimePPQN int64) {
	c.pos = c.Pattern.seekIndexByPPQN(targetPPQN + c.OffsetPPQN)
	c.RelTimeSamples = c.ppqnToSamples(targetPPQN) - (c.StartTimeSamples - c.ppqnToSamples(c.ItemStartPPQN))
	c.MinTimePPQN = minTimePPQN
}

// SeekSamples positions the cursor via a linear scan against converted
// event times (acceptable: patterns are short).
func (c *ClipPlayback) SeekSamples(targetSamples, minTimePPQN int64) {
	events := c.Pattern.events
	i := 0
	for ; i < len(events); i++ {
		evPPQN := int64(events[i].TimeSamples) - c.OffsetPPQN + c.ItemStartPPQN
		if c.ppqnToSamples(evPPQN) >= targetSamples {
			break
		}
	}
	c.pos = i
	c.RelTimeSamples = targetSamples - c.StartTimeSamples
	c.MinTimePPQN = minTimePPQN
}

// Render emits events from the clip's pattern that land in the window
// [offset, offset+nsamples) of dst, relative to the clip's own time base,
// honoring MinTimePPQN to avoid re-emitting events before a seek
// boundary (events exactly at MinTimePPQN are emitted). If mute is true no events are written, but the cursor still
// advances so playback position stays consistent.
func (c *ClipPlayback) Render(dst *midibuf.Buffer, offset uint32, nsamples uint32, mute bool) {
	curTimeSamples := c.StartTimeSamples + c.RelTimeSamples
	endTimeSamples := c.EndTimeSamples
	if windowEnd := curTimeSamples + int64(nsamples); endTimeSamples > windowEnd {
		endTimeSamples = windowEnd
	}

	for c.pos < len(c.Pattern.events) {
		src := c.Pattern.events[c.pos]
		effectivePPQN := int64(src.TimeSamples) - c.OffsetPPQN + c.ItemStartPPQN
		if effectivePPQN < c.MinTimePPQN {
			c.pos++
			continue
		}
		eventTimeSamples := c.ppqnToSamples(effectivePPQN)
		if eventTimeSamples >= endTimeSamples {
			break
		}
		var t int64
		if eventTimeSamples >= curTimeSamples {
			t = eventTimeSamples - curTimeSamples
		}
		if !mute {
			e := src
			e.TimeSamples = uint32(int64(offset) + t)
			_ = dst.WriteEvent(e)
		}
		c.pos++
	}
	c.RelTimeSamples += int64(nsamples)
}

// Done reports whether the clip has emitted every event in its pattern.
func (c *ClipPlayback) Done() bool { return c.pos >= len(c.Pattern.events) }
