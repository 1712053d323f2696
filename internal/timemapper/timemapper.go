// Package timemapper implements the late-scheduling sample-to-PPQN mapper:
// given a free-running sample counter (as kept by a host
// I/O layer independent of the engine's own callback-relative clock), map
// it to musical time for an RT voice that was armed slightly behind the
// current callback.
package timemapper

import (
	"github.com/schollz/calfbox/internal/master"
	"github.com/schollz/calfbox/internal/song"
)

// Sentinel is returned when the requested counter can't be resolved to
// musical time (too far ahead/behind the current callback window).
const Sentinel = ^uint32(0)

// musicalTimeBit marks a returned value as PPQN (musical) time rather than
// raw sample time; maxRelFrames bounds how far ahead of the io counter a
// request may be resolved (2^20 frames).
const (
	musicalTimeBit = uint32(1) << 31
	maxRelFrames   = int64(1) << 20
)

// IOClock is the free-running counter the host I/O layer advances every
// callback, independent of the engine's own sample position.
type IOClock struct {
	FreeRunningFrameCounter int64
}

// Map resolves counter (a value of the same free-running clock as
// io.FreeRunningFrameCounter) to either raw sample time (high bit clear) or
// PPQN musical time (high bit set). sp may be nil (no
// song loaded), which is treated as transport Stop.
func Map(io *IOClock, sp *song.Playback, counter uint32) uint32 {
	if sp == nil || sp.State != master.Rolling {
		return counter &^ musicalTimeBit
	}

	rel := int64(counter) - io.FreeRunningFrameCounter
	if rel < 0 || rel >= maxRelFrames {
		return Sentinel
	}

	absSamples := sp.SongPosSamples + rel
	if sp.LoopEndPPQN > sp.LoopStartPPQN {
		loopEndSamples := sp.TempoMap.PPQNToSamples(sp.LoopEndPPQN)
		loopStartSamples := sp.TempoMap.PPQNToSamples(sp.LoopStartPPQN)
		if absSamples >= loopEndSamples && loopEndSamples > loopStartSamples {
			absSamples = loopStartSamples + (absSamples-loopEndSamples)%(loopEndSamples-loopStartSamples)
		}
	}

	ppqn := sp.TempoMap.SamplesToPPQN(absSamples)
	return uint32(ppqn) | musicalTimeBit
}

// IsMusicalTime reports whether a Map result encodes PPQN time.
func IsMusicalTime(v uint32) bool { return v != Sentinel && v&musicalTimeBit != 0 }

// Value strips the tag bit, returning the raw sample or PPQN payload.
func Value(v uint32) uint32 { return v &^ musicalTimeBit }
