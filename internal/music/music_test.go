package music

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMidiToNoteNameKnownPitches(t *testing.T) {
	cases := map[int]string{
		60:  "c-4", // middle C
		61:  "c#4",
		21:  "a-0", // A0
		0:   "c-1",
		12:  "c-0",
		127: "g-9",
		1:   "c#1",
		13:  "c#0",
		25:  "c#1",
		24:  "c-1",
		36:  "c-2",
		48:  "c-3",
		72:  "c-5",
	}
	for note, want := range cases {
		assert.Equal(t, want, MidiToNoteName(note), "note %d", note)
	}
}

func TestMidiToNoteNameOctave4Chromatic(t *testing.T) {
	want := []string{"c-4", "c#4", "d-4", "d#4", "e-4", "f-4", "f#4", "g-4", "g#4", "a-4", "a#4", "b-4"}
	for i, name := range want {
		assert.Equal(t, name, MidiToNoteName(60+i))
	}
}

func TestMidiToNoteNameOutOfRange(t *testing.T) {
	for _, note := range []int{-1, -100, 128, 200} {
		assert.Equal(t, "---", MidiToNoteName(note))
	}
}

func TestMidiToNoteNameAlwaysThreeChars(t *testing.T) {
	for i := 0; i <= 127; i++ {
		assert.Len(t, MidiToNoteName(i), 3)
	}
}
