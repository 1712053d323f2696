// Package music renders MIDI note numbers as the fixed-width note names
// calfbox's status view and OSC logging use when reporting what a track's
// ActiveNotes bitmask is currently sustaining.
package music

import "fmt"

// noteLetters is indexed by (midiNote % 12); sharpNote reports whether the
// entry also needs the "#" suffix calfbox's 3-character note names use.
var noteLetters = [12]byte{'c', 'c', 'd', 'd', 'e', 'f', 'f', 'g', 'g', 'a', 'a', 'b'}
var sharpNote = [12]bool{false, true, false, true, false, false, true, false, true, false, true, false}

// MidiToNoteName renders a MIDI note number (0-127) as a fixed-width,
// 3-character name: a letter, then either "#" (sharp) or "-" (natural) as
// a separator, then the octave, where MIDI note 60 (middle C) is octave 4
// and octave numbering follows the scientific-pitch convention (MIDI note
// 12 is octave 0). Out-of-range input renders as "---" so callers building
// a fixed-width status column never need to pad the result themselves.
func MidiToNoteName(midiNote int) string {
	if midiNote < 0 || midiNote > 127 {
		return "---"
	}

	octave := midiNote/12 - 1
	displayOctave := octave
	if displayOctave < 0 {
		displayOctave = -displayOctave
	}

	sep := byte('-')
	if sharpNote[midiNote%12] {
		sep = '#'
	}

	return fmt.Sprintf("%c%c%d", noteLetters[midiNote%12], sep, displayOctave)
}
