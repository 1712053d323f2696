package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schollz/calfbox/internal/midibuf"
)

func samplesPerPPQN() func(int64) int64 {
	// 120 BPM, 48 ppqn, 44100 srate => 459.375 samples/tick
	return func(ppqn int64) int64 {
		return int64(float64(ppqn) * 459.375)
	}
}

func metronomePattern() *Pattern {
	return &Pattern{
		Events: []midibuf.Event{
			midibuf.NewEvent(0, 0x90, 24, 0x7F),
			midibuf.NewEvent(48, 0x80, 24, 0),
			midibuf.NewEvent(96, 0x90, 26, 0x7F),
			midibuf.NewEvent(144, 0x80, 26, 0),
		},
		LoopEndPPQN: 192,
	}
}

func TestIsNoteActiveAt(t *testing.T) {
	p := metronomePattern()
	pb := NewPatternPlayback(p)

	assert.False(t, pb.IsNoteActiveAt(-1, 0, 24))
	assert.True(t, pb.IsNoteActiveAt(0, 0, 24))
	assert.True(t, pb.IsNoteActiveAt(47, 0, 24))
	assert.False(t, pb.IsNoteActiveAt(48, 0, 24))
	assert.False(t, pb.IsNoteActiveAt(1000, 0, 24))
}

func TestPatternPlaybackRefcount(t *testing.T) {
	p := metronomePattern()
	pb := NewPatternPlayback(p)
	pb.Ref()
	assert.EqualValues(t, 2, pb.refCount)
	assert.EqualValues(t, 1, pb.Unref())
}

// TestClipPlaybackHalfOpenWindow verifies events land in
// [cur, cur+nframes) and nothing outside it is emitted in one call.
func TestClipPlaybackHalfOpenWindow(t *testing.T) {
	p := metronomePattern()
	pb := NewPatternPlayback(p)
	ppqnToSamples := samplesPerPPQN()

	var clip ClipPlayback
	end := ppqnToSamples(192)
	clip.SetPattern(pb, 0, end, 0, 0, ppqnToSamples)

	dst := midibuf.NewBuffer(16)
	// First event at ppqn 0 => sample 0; second at ppqn 48 => sample 22050.
	clip.Render(dst, 0, 512, false)
	require.Equal(t, 1, dst.Count(), "only the first event should land in [0,512)")
	assert.Equal(t, byte(0x90), dst.Event(0).Bytes[0])
	assert.Equal(t, byte(24), dst.Event(0).Bytes[1])
}

// TestClipPlaybackSeekSuppressesReemission checks the seek guarantee:
// after seeking to t_ppqn, no event with effective PPQN time < t_ppqn is
// emitted subsequently.
func TestClipPlaybackSeekSuppressesReemission(t *testing.T) {
	p := &Pattern{
		Events: []midibuf.Event{
			midibuf.NewEvent(0, 0x90, 60, 0x7F),
			midibuf.NewEvent(96, 0x80, 60, 0),
		},
		LoopEndPPQN: 96,
	}
	pb := NewPatternPlayback(p)
	ppqnToSamples := samplesPerPPQN()

	// End the clip well past the last event so the half-open window never
	// clips the boundary event itself.
	var clip ClipPlayback
	clip.SetPattern(pb, 0, ppqnToSamples(200), 0, 0, ppqnToSamples)

	// Render through ppqn 48 first (so we've "heard" the note-on).
	clip.Render(midibuf.NewBuffer(16), 0, uint32(ppqnToSamples(48)), false)

	// Now seek back to ppqn 0 with MinTimePPQN=48: the note-on at ppqn 0
	// must not be re-emitted.
	clip.SeekPPQN(0, 48)
	dst := midibuf.NewBuffer(16)
	clip.Render(dst, 0, uint32(ppqnToSamples(100)), false)
	require.Equal(t, 1, dst.Count())
	assert.Equal(t, byte(0x80), dst.Event(0).Bytes[0])
}
