// Package track implements the authoring-time Track/TrackItem list, its
// compilation into a TrackPlayback, and the TrackPlayback render loop.
package track

import (
	"github.com/schollz/calfbox/internal/midibuf"
	"github.com/schollz/calfbox/internal/object"
	"github.com/schollz/calfbox/internal/pattern"
)

// Item is one placement of a pattern on a Track at authoring time.
type Item struct {
	TimePPQN   int64
	Pattern    *pattern.Pattern
	OffsetPPQN int64
	LengthPPQN int64
}

// Track is the authoring-time, ordered list of clip placements plus an
// optional external MIDI output and a generation counter bumped on every
// structural edit (so compiled TrackPlaybacks can detect staleness).
type Track struct {
	UUID               object.UUID
	Name               string
	Items              []Item
	ExternalOutputUUID *object.UUID
	Generation         uint32
	Mute               bool
}

// NewTrack allocates an empty, named track with a fresh identity.
func NewTrack(name string) *Track {
	return &Track{UUID: object.NewUUID(), Name: name}
}

// AddItem appends an item and bumps Generation.
func (t *Track) AddItem(it Item) {
	t.Items = append(t.Items, it)
	t.Generation++
}

// PPQNToSamples is supplied by the owning SongPlayback's tempo map; it lets
// TrackPlayback and ClipPlayback convert PPQN positions to samples without
// depending on the song package (which depends on track, not vice versa).
type PPQNToSamples func(ppqn int64) int64

// playbackItem is one compiled clip placement: a resolved PatternPlayback
// plus its post-overlap-resolution PPQN bounds.
type playbackItem struct {
	TimePPQN   int64
	Pattern    *pattern.PatternPlayback
	OffsetPPQN int64
	LengthPPQN int64
}

// Playback is the compiled, render-ready form of a Track.
type Playback struct {
	TrackUUID  object.UUID
	Name       string
	Generation uint32
	Mute       bool

	items []playbackItem
	pos   int

	clip pattern.ClipPlayback

	ActiveNotes ActiveNotes
	Output      *midibuf.Buffer

	externalOutputUUID *object.UUID

	ppqnToSamples PPQNToSamples

	// stateCopied marks that this playback's ActiveNotes were already
	// inherited by a newer Playback during a swap. InheritActiveNotes sets
	// it but does not check it, so a later inheritance from the same
	// playback copies the bitmask again.
	stateCopied bool
}

// getPatternPlayback looks up (or creates) the PatternPlayback for p in the
// supplied cache, mirroring cbox_song_playback_get_pattern's refcounted
// cache semantics.
func getPatternPlayback(cache map[*pattern.Pattern]*pattern.PatternPlayback, p *pattern.Pattern) *pattern.PatternPlayback {
	if pb, ok := cache[p]; ok {
		pb.Ref()
		return pb
	}
	pb := pattern.NewPatternPlayback(p)
	cache[p] = pb
	return pb
}

// Compile builds a Playback from a Track, resolving pattern references
// through patternCache and applying the overlap rule: an earlier item wins
// for its entire length; a fully-contained later item is dropped; a
// partially-overlapping later item is clipped to start where the earlier
// item ends. This is a direct port of
// cbox_track_playback_new_from_track's "safe" watermark algorithm.
func Compile(t *Track, patternCache map[*pattern.Pattern]*pattern.PatternPlayback, ppqnToSamples PPQNToSamples) *Playback {
	pb := &Playback{
		TrackUUID:          t.UUID,
		Name:               t.Name,
		Generation:         t.Generation,
		Mute:               t.Mute,
		Output:             midibuf.NewBuffer(256),
		externalOutputUUID: t.ExternalOutputUUID,
		ppqnToSamples:      ppqnToSamples,
	}

	var safe int64
	for _, item := range t.Items {
		pp := getPatternPlayback(patternCache, item.Pattern)
		switch {
		case item.TimePPQN >= safe:
			pb.items = append(pb.items, playbackItem{
				TimePPQN:   item.TimePPQN,
				Pattern:    pp,
				OffsetPPQN: item.OffsetPPQN,
				LengthPPQN: item.LengthPPQN,
			})
			safe = item.TimePPQN + item.LengthPPQN
		case item.TimePPQN+item.LengthPPQN > safe:
			// Partially overlapping: clip to start where the earlier item ends.
			cut := safe - item.TimePPQN
			pb.items = append(pb.items, playbackItem{
				TimePPQN:   safe,
				Pattern:    pp,
				OffsetPPQN: item.OffsetPPQN + cut,
				LengthPPQN: item.LengthPPQN - cut,
			})
			safe = item.TimePPQN + item.LengthPPQN
		default:
			// Fully contained in the previous item: dropped. The cache ref we
			// just took is released immediately since this item never plays.
			pp.Unref()
		}
	}

	pb.startItem(0, true, 0)
	return pb
}

// InheritActiveNotes copies old's ActiveNotes bitmask into pb (the "apply
// old state" step of a playback swap) and marks old as having had its state
// copied, which StateCopied reports.
func (pb *Playback) InheritActiveNotes(old *Playback) {
	if old == nil {
		return
	}
	pb.ActiveNotes = old.ActiveNotes.Copy()
	old.stateCopied = true
}

// StateCopied reports whether this playback's active notes were already
// inherited by a replacement.
func (pb *Playback) StateCopied() bool { return pb.stateCopied }

// ReleaseMasked emits Note-Offs for the bits set in mask into pb's own
// output buffer, clearing them from both mask and pb's ActiveNotes. Returns
// false (call-again-later) if the output buffer fills up before every bit
// in mask is released.
func (pb *Playback) ReleaseMasked(mask *ActiveNotes) bool {
	return pb.ActiveNotes.ReleaseMasked(pb.Output, 0, mask)
}

// ConfirmStuckNotes narrows an inherited ActiveNotes bitmask down to the
// notes that are genuinely stuck: anything actually sustained by the
// currently-armed clip at newPosPPQN is cleared. This is a direct port of
// cbox_track_confirm_stuck_notes.
func (pb *Playback) ConfirmStuckNotes(stuck *ActiveNotes, newPosPPQN int64) {
	if stuck.ChannelsActive == 0 {
		return
	}
	pos := 0
	for pos < len(pb.items) && pb.items[pos].TimePPQN+pb.items[pos].LengthPPQN < newPosPPQN {
		pos++
	}
	if pos >= len(pb.items) {
		return // past the end of the track: everything stuck stays stuck
	}
	item := pb.items[pos]
	relPPQN := newPosPPQN - item.TimePPQN
	if relPPQN >= item.LengthPPQN {
		return
	}
	relPPQN += item.OffsetPPQN

	for ch := 0; ch < 16; ch++ {
		if stuck.ChannelsActive&(1<<uint(ch)) == 0 {
			continue
		}
		anyLeft := false
		for g := 0; g < 4; g++ {
			group := stuck.Notes[ch][g]
			if group == 0 {
				continue
			}
			for bit := 0; bit < 32; bit++ {
				if group&(1<<uint(bit)) == 0 {
					continue
				}
				note := g*32 + bit
				if item.Pattern.IsNoteActiveAt(relPPQN, ch, note) {
					group &^= 1 << uint(bit)
				} else {
					anyLeft = true
				}
			}
			stuck.Notes[ch][g] = group
		}
		if !anyLeft {
			stuck.ChannelsActive &^= 1 << uint(ch)
		}
	}
}

// startItem arms the clip at pb.pos to begin emitting from time (PPQN if
// isPPQN, else samples), suppressing emission of anything before
// minTimePPQN. Mirrors cbox_track_playback_start_item.
func (pb *Playback) startItem(t int64, isPPQN bool, minTimePPQN int64) {
	if pb.pos >= len(pb.items) {
		return
	}
	cur := pb.items[pb.pos]
	startPPQN, endPPQN := cur.TimePPQN, cur.TimePPQN+cur.LengthPPQN
	startSamples := pb.ppqnToSamples(startPPQN)
	endSamples := pb.ppqnToSamples(endPPQN)

	pb.clip.SetPattern(cur.Pattern, startSamples, endSamples, cur.TimePPQN, cur.OffsetPPQN, pb.ppqnToSamples)

	var timePPQN, timeSamples int64
	if isPPQN {
		timePPQN = t
		timeSamples = pb.ppqnToSamples(timePPQN)
	} else {
		timeSamples = t
	}

	if isPPQN {
		// SeekPPQN takes a clip-relative tick; SeekSamples takes an
		// absolute sample position.
		if timePPQN < startPPQN {
			pb.clip.SeekPPQN(0, minTimePPQN)
		} else {
			pb.clip.SeekPPQN(timePPQN-startPPQN, minTimePPQN)
		}
	} else {
		if timeSamples < startSamples {
			pb.clip.SeekSamples(startSamples, minTimePPQN)
		} else {
			pb.clip.SeekSamples(timeSamples, minTimePPQN)
		}
	}
}

// SeekPPQN repositions the whole playback (cursor + armed clip) to
// timePPQN, suppressing re-emission of anything before minTimePPQN.
func (pb *Playback) SeekPPQN(timePPQN, minTimePPQN int64) {
	pb.pos = 0
	for pb.pos < len(pb.items) && pb.items[pb.pos].TimePPQN+pb.items[pb.pos].LengthPPQN < timePPQN {
		pb.pos++
	}
	pb.startItem(timePPQN, true, minTimePPQN)
}

// SeekSamples repositions the whole playback to timeSamples.
func (pb *Playback) SeekSamples(timeSamples int64) {
	pb.pos = 0
	for pb.pos < len(pb.items) && pb.ppqnToSamples(pb.items[pb.pos].TimePPQN+pb.items[pb.pos].LengthPPQN) < timeSamples {
		pb.pos++
	}
	if pb.pos < len(pb.items) {
		minTimePPQN := int64(0) // caller (SongPlayback) owns samples_to_ppqn for min_time_ppqn precision
		pb.startItem(timeSamples, false, minTimePPQN)
	}
}

// Render renders the callback window [songPosSamples, songPosSamples+n)
// into pb.Output: mute release, advance-past-finished-items, gap handling,
// cross-boundary split, full-window render. minTimePPQN is the owning
// song's re-emission guard; any clip re-armed mid-window inherits it so a
// seek or loop wrap earlier in the same callback can't replay boundary
// events.
func (pb *Playback) Render(songPosSamples int64, nsamples uint32, minTimePPQN int64) {
	if pb.Mute {
		pb.ActiveNotes.Release(pb.Output, 0)
		return
	}

	var rpos uint32
	offset := uint32(0)
	for rpos < nsamples && pb.pos < len(pb.items) {
		cur := pb.items[pb.pos]
		curSegmentEndSamples := pb.ppqnToSamples(cur.TimePPQN + cur.LengthPPQN)

		// Item already entirely behind the render position (e.g. the song
		// advanced past it while this track was muted): skip it.
		if curSegmentEndSamples <= songPosSamples+int64(rpos) {
			pb.pos++
			pb.startItem(songPosSamples+int64(rpos), false, minTimePPQN)
			continue
		}

		rend := nsamples

		// Gap before the current item.
		if songPosSamples+int64(rpos) < pb.clip.StartTimeSamples {
			spaceSamples := pb.clip.StartTimeSamples - (songPosSamples + int64(rpos))
			if spaceSamples >= int64(rend-rpos) {
				return
			}
			rpos += uint32(spaceSamples)
			offset += uint32(spaceSamples)
		}

		renderEndSamples := songPosSamples + int64(rend)
		if renderEndSamples > curSegmentEndSamples {
			rend = uint32(curSegmentEndSamples - songPosSamples)
			pb.renderAndAccumulate(offset, rend-rpos)
			pb.pos++
			pb.startItem(curSegmentEndSamples, false, minTimePPQN)
		} else {
			pb.renderAndAccumulate(offset, rend-rpos)
		}
		offset += rend - rpos
		rpos = rend
	}
}

// renderAndAccumulate renders the armed clip and folds every emitted event
// into the active-notes bitmask.
func (pb *Playback) renderAndAccumulate(offset, n uint32) {
	before := pb.Output.Count()
	pb.clip.Render(pb.Output, offset, n, false)
	for _, e := range pb.Output.Events()[before:] {
		pb.ActiveNotes.Accumulate(e)
	}
}

// ItemCount exposes the compiled item count, mostly for tests.
func (pb *Playback) ItemCount() int { return len(pb.items) }

// ObjectUUID implements object.Identifiable, so a Playback can be registered
// in an object.Document and addressed remotely by UUID (e.g. the OSC route
// "/song/track/mute", whose first argument is the track UUID).
func (pb *Playback) ObjectUUID() object.UUID { return pb.TrackUUID }

// SetMute toggles this track's mute state at runtime, the target of the
// UUID-addressed OSC mute command.
func (pb *Playback) SetMute(mute bool) { pb.Mute = mute }

// ExternalOutputUUID returns the optional external output this playback
// should route its buffer to, if any.
func (pb *Playback) ExternalOutputUUID() *object.UUID { return pb.externalOutputUUID }
