package timemapper

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/schollz/calfbox/internal/master"
	"github.com/schollz/calfbox/internal/midibuf"
	"github.com/schollz/calfbox/internal/pattern"
	"github.com/schollz/calfbox/internal/song"
	"github.com/schollz/calfbox/internal/track"
)

func shortClickPattern() *pattern.Pattern {
	return &pattern.Pattern{
		Events: []midibuf.Event{
			midibuf.NewEvent(0, 0x90, 24, 0x7F),
			midibuf.NewEvent(12, 0x80, 24, 0),
		},
		LoopEndPPQN: 24,
	}
}

func newStoppedPlayback() *song.Playback {
	doc := &song.Document{InitialTempo: 120, TimesigNum: 4, TimesigDenom: 4}
	return song.Build(doc, 44100, 48, nil)
}

func TestMapNilSongReturnsRawSampleTime(t *testing.T) {
	io := &IOClock{FreeRunningFrameCounter: 1000}
	v := Map(io, nil, 1500)
	assert.False(t, IsMusicalTime(v))
	assert.Equal(t, uint32(1500), Value(v))
}

func TestMapStoppedSongReturnsRawSampleTime(t *testing.T) {
	io := &IOClock{FreeRunningFrameCounter: 1000}
	sp := newStoppedPlayback()
	v := Map(io, sp, 1500)
	assert.False(t, IsMusicalTime(v))
}

func TestMapRollingSongReturnsMusicalTime(t *testing.T) {
	sp := newStoppedPlayback()
	sp.Play()
	io := &IOClock{FreeRunningFrameCounter: 1000}

	v := Map(io, sp, 1000)
	assert.True(t, IsMusicalTime(v))
	assert.Equal(t, uint32(0), Value(v), "counter at the io cursor maps to the song's current ppqn (0)")
}

func TestMapOutOfRangeReturnsSentinel(t *testing.T) {
	sp := newStoppedPlayback()
	sp.Play()
	io := &IOClock{FreeRunningFrameCounter: 1000}

	assert.Equal(t, Sentinel, Map(io, sp, 500), "counter behind the io cursor is unresolvable")
	assert.Equal(t, Sentinel, Map(io, sp, uint32(1000+maxRelFrames)), "counter too far ahead is unresolvable")
}

// TestMapWrapsAcrossLoopBoundary checks that a counter resolving past the
// loop end is folded back into [LoopStartPPQN, LoopEndPPQN), matching the
// song's own loop-wrap semantics (the same reduction the song applies, on the
// time mapper's independent traversal).
func TestMapWrapsAcrossLoopBoundary(t *testing.T) {
	p := shortClickPattern()
	tr := track.NewTrack("t")
	tr.AddItem(track.Item{TimePPQN: 0, Pattern: p, OffsetPPQN: 0, LengthPPQN: 24})
	doc := &song.Document{
		Tracks: []*track.Track{tr}, InitialTempo: 120, TimesigNum: 4, TimesigDenom: 4,
		LoopStartPPQN: 0, LoopEndPPQN: 24,
	}
	sp := song.Build(doc, 44100, 48, nil)
	sp.Play()

	io := &IOClock{FreeRunningFrameCounter: 0}
	// One loop is 24 ticks * 459.375 samples/tick = 11025 samples; ask for
	// a counter well past one full loop.
	v := Map(io, sp, 11025+100)
	assert.True(t, IsMusicalTime(v))
	assert.Less(t, Value(v), uint32(24))
}

func TestTransportGateMatchesState(t *testing.T) {
	sp := newStoppedPlayback()
	assert.Equal(t, master.Stop, sp.State)
	io := &IOClock{}
	assert.False(t, IsMusicalTime(Map(io, sp, 0)))
}
