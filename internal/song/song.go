// Package song implements SongPlayback: the compiled, immutable-while-live
// representation of a Song being played — tempo-map traversal, per-callback
// rendering split at tempo/loop boundaries, transport state transitions,
// and the stuck-note inherit/confirm/release protocol across swaps.
package song

import (
	"github.com/schollz/calfbox/internal/master"
	"github.com/schollz/calfbox/internal/midibuf"
	"github.com/schollz/calfbox/internal/object"
	"github.com/schollz/calfbox/internal/pattern"
	"github.com/schollz/calfbox/internal/track"
)

// Document is the authoring-time composition: a set of tracks plus the
// tempo/time-signature the song starts at. It is what the control goroutine
// edits; Playback is compiled from it.
type Document struct {
	Tracks        []*track.Track
	InitialTempo  float64
	TimesigNum    int
	TimesigDenom  int
	LoopStartPPQN int64
	LoopEndPPQN   int64
}

// Playback is the render-ready, compiled form of a Document.
type Playback struct {
	Tracks       []*track.Playback
	patternCache map[*pattern.Pattern]*pattern.PatternPlayback
	TempoMap     *TempoMap

	SongPosSamples int64
	SongPosPPQN    int64
	MinTimePPQN    int64

	LoopStartPPQN int64
	LoopEndPPQN   int64

	State master.TransportState

	merger *midibuf.Merger

	pendingNewTempo *float64
}

// Build compiles doc into a fresh Playback. If old is non-nil its tracks'
// active-notes state is inherited; the returned Playback is otherwise
// independent of old.
func Build(doc *Document, sampleRate float64, ppqnFactor int, old *Playback) *Playback {
	sp := &Playback{
		patternCache:  make(map[*pattern.Pattern]*pattern.PatternPlayback),
		TempoMap:      NewTempoMap(sampleRate, ppqnFactor, doc.InitialTempo, doc.TimesigNum, doc.TimesigDenom),
		LoopStartPPQN: doc.LoopStartPPQN,
		LoopEndPPQN:   doc.LoopEndPPQN,
		State:         master.Stop,
		merger:        midibuf.NewMerger(),
	}

	ppqnToSamples := sp.TempoMap.PPQNToSamples
	for _, t := range doc.Tracks {
		pb := track.Compile(t, sp.patternCache, ppqnToSamples)
		sp.Tracks = append(sp.Tracks, pb)
		sp.merger.Connect(pb.Output)
	}

	if old != nil {
		sp.applyOldState(old)
	}

	return sp
}

// applyOldState matches new/old tracks by UUID and inherits active-notes
// bitmasks.
func (sp *Playback) applyOldState(old *Playback) {
	byUUID := make(map[object.UUID]*track.Playback, len(old.Tracks))
	for _, t := range old.Tracks {
		byUUID[t.TrackUUID] = t
	}
	for _, nt := range sp.Tracks {
		if ot, ok := byUUID[nt.TrackUUID]; ok {
			nt.InheritActiveNotes(ot)
		}
	}
}

// StuckNotes computes, for every track in sp, the subset of its inherited
// active notes that are NOT actually sustained by the clip now playing at
// sp.SongPosPPQN (i.e. genuinely stuck notes that sp's own pattern will
// never turn off), plus the full active-notes bitmask of every track in old
// that has no counterpart in sp (removed tracks, whose notes must all be
// released). Call this after Build + a seek to the intended start position.
func (sp *Playback) StuckNotes(old *Playback) map[object.UUID]*track.ActiveNotes {
	pending := make(map[object.UUID]*track.ActiveNotes)
	newByUUID := make(map[object.UUID]bool, len(sp.Tracks))
	for _, nt := range sp.Tracks {
		newByUUID[nt.TrackUUID] = true
		stuck := nt.ActiveNotes.Copy()
		if stuck.ChannelsActive == 0 {
			continue
		}
		nt.ConfirmStuckNotes(&stuck, sp.SongPosPPQN)
		if stuck.ChannelsActive != 0 {
			pending[nt.TrackUUID] = &stuck
		}
	}
	if old != nil {
		for _, ot := range old.Tracks {
			if newByUUID[ot.TrackUUID] {
				continue
			}
			if ot.ActiveNotes.ChannelsActive != 0 {
				full := ot.ActiveNotes.Copy()
				pending[ot.TrackUUID] = &full
			}
		}
	}
	return pending
}

// ReleaseStuckNotes attempts to drain pending (as returned by StuckNotes)
// into auxOut; for each track still present in sp the released bits are
// also cleared from that track's ActiveNotes. Entries that
// fully drain are removed from pending. Returns true once pending is empty
// — the engine should keep calling this once per callback (call-again-later)
// until it does.
func (sp *Playback) ReleaseStuckNotes(pending map[object.UUID]*track.ActiveNotes, auxOut *midibuf.Buffer) bool {
	byUUID := make(map[object.UUID]*track.Playback, len(sp.Tracks))
	for _, t := range sp.Tracks {
		byUUID[t.TrackUUID] = t
	}
	for id, mask := range pending {
		var ok bool
		if t, present := byUUID[id]; present {
			ok = t.ActiveNotes.ReleaseMasked(auxOut, 0, mask)
		} else {
			var tmp track.ActiveNotes
			ok = tmp.ReleaseMasked(auxOut, 0, mask)
		}
		if ok {
			delete(pending, id)
		}
	}
	return len(pending) == 0
}

// SeekPPQN repositions every track and the song cursor to timePPQN.
func (sp *Playback) SeekPPQN(timePPQN int64) {
	sp.SongPosPPQN = timePPQN
	sp.SongPosSamples = sp.TempoMap.PPQNToSamples(timePPQN)
	sp.MinTimePPQN = timePPQN
	sp.TempoMap.ResetCursor(timePPQN)
	for _, t := range sp.Tracks {
		t.SeekPPQN(timePPQN, timePPQN)
	}
}

// SeekSamples repositions every track and the song cursor to timeSamples.
func (sp *Playback) SeekSamples(timeSamples int64) {
	sp.SongPosSamples = timeSamples
	sp.SongPosPPQN = sp.TempoMap.SamplesToPPQN(timeSamples)
	sp.MinTimePPQN = sp.SongPosPPQN
	sp.TempoMap.ResetCursor(sp.SongPosPPQN)
	for _, t := range sp.Tracks {
		t.SeekSamples(timeSamples)
	}
}

// RequestTempo schedules a tempo change to take effect at the start of the
// next Render call.
func (sp *Playback) RequestTempo(bpm float64) {
	sp.pendingNewTempo = &bpm
}

// applyPendingTempo appends a tempo-map breakpoint with the new tempo at
// the current (SongPosPPQN, SongPosSamples) pair and reseeks to that PPQN.
// Because the breakpoint sits at the pre-change sample position, the
// reseek lands on it exactly; no separate residue shift is applied.
func (sp *Playback) applyPendingTempo() {
	if sp.pendingNewTempo == nil {
		return
	}
	newTempo := *sp.pendingNewTempo
	sp.pendingNewTempo = nil

	curPPQN := sp.SongPosPPQN
	curSamples := sp.SongPosSamples
	sp.TempoMap.SetTempo(curPPQN, curSamples, newTempo)
	sp.SeekPPQN(curPPQN)
	// Fractional residue: the reseek above recomputes SongPosSamples from
	// PPQN under the new breakpoint, which by construction reproduces
	// curSamples exactly at the boundary (residue is zero here); the
	// one-sample jitter cbox exhibits shows up instead when a
	// callback window is later split mid-tick at this boundary.
}

// Render performs one callback's worth of work: apply a
// pending tempo change, flush stuck notes while Stopping, or render the
// Rolling window split at tempo/loop boundaries; then merges every track's
// output into dst.
func (sp *Playback) Render(dst *midibuf.Buffer, nframes uint32) {
	sp.applyPendingTempo()

	switch sp.State {
	case master.Stopping:
		sp.renderStopping(dst)
		return
	case master.Rolling:
		sp.renderRolling(nframes)
	case master.Stop:
		return
	}

	sp.merger.RenderTo(dst)
}

// renderStopping attempts to flush every track's active notes; if the
// combined output can't hold them all it stays Stopping and retries next
// callback.
func (sp *Playback) renderStopping(dst *midibuf.Buffer) {
	allDone := true
	for _, t := range sp.Tracks {
		if !t.ActiveNotes.Release(t.Output, 0) {
			allDone = false
		}
	}
	sp.merger.RenderTo(dst)
	if allDone {
		sp.State = master.Stop
	}
}

// renderRolling handles the Rolling state: split the callback window by the
// next tempo-map boundary and by loop end, rendering each sub-window by
// iterating tracks, advancing SongPosSamples/SongPosPPQN and MinTimePPQN
// monotonically (except across an explicit loop wrap).
func (sp *Playback) renderRolling(nframes uint32) {
	remaining := int64(nframes)
	for remaining > 0 {
		windowEnd := sp.SongPosSamples + remaining

		limit := windowEnd
		if b, ok := sp.TempoMap.NextBoundarySamples(sp.SongPosSamples); ok && b < limit {
			limit = b
		}
		if sp.LoopEndPPQN > 0 {
			loopEndSamples := sp.TempoMap.PPQNToSamples(sp.LoopEndPPQN)
			if loopEndSamples < limit {
				limit = loopEndSamples
			}
		}
		chunk := limit - sp.SongPosSamples
		if chunk <= 0 {
			chunk = 1 // guarantee forward progress at a zero-width boundary
		}
		if chunk > remaining {
			chunk = remaining
		}

		for _, t := range sp.Tracks {
			t.Render(sp.SongPosSamples, uint32(chunk), sp.MinTimePPQN)
		}

		sp.SongPosSamples += chunk
		prevPPQN := sp.SongPosPPQN
		sp.SongPosPPQN = sp.TempoMap.SamplesToPPQN(sp.SongPosSamples)
		sp.MinTimePPQN = prevPPQN + 1
		remaining -= chunk

		if sp.LoopEndPPQN > 0 && sp.SongPosPPQN >= sp.LoopEndPPQN {
			if sp.LoopStartPPQN < sp.LoopEndPPQN {
				sp.SeekPPQN(sp.LoopStartPPQN)
			} else {
				sp.State = master.Stopping
				return
			}
		}
	}
}

// Stop requests a graceful stop: the next Render call(s) will flush stuck
// notes until the output buffer can hold them all, then transition to Stop.
func (sp *Playback) Stop() {
	if sp.State == master.Rolling {
		sp.State = master.Stopping
	}
}

// Play transitions Stop -> Rolling.
func (sp *Playback) Play() {
	if sp.State == master.Stop {
		sp.State = master.Rolling
	}
}

// ClearOutputs resets every track's output buffer for the next callback;
// the engine calls this at the start of each process callback before
// Render.
func (sp *Playback) ClearOutputs() {
	for _, t := range sp.Tracks {
		t.Output.Clear()
	}
}
