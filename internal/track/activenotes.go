package track

import (
	"fmt"

	"github.com/schollz/calfbox/internal/midibuf"
	"github.com/schollz/calfbox/internal/music"
)

// ActiveNotes is the 16-channel x 128-note "what's currently sounding"
// bitmask (cbox_midi_playback_active_notes). Each channel's 128 notes are
// packed into four uint32 groups, the same notes[16][4] layout cbox uses.
type ActiveNotes struct {
	ChannelsActive uint16
	Notes          [16][4]uint32
}

// Accumulate folds a note-on/note-off event into the bitmask: a note-on
// with non-zero velocity sets the bit, a note-off (or zero-velocity
// note-on) clears it. When a channel's last bit clears, the channel drops
// out of ChannelsActive.
func (a *ActiveNotes) Accumulate(e midibuf.Event) {
	if e.Size != 3 {
		return
	}
	top := e.Bytes[0] & 0xE0
	if top != 0x80 {
		return
	}
	ch := e.Channel()
	note := e.Note()
	group, bit := note>>5, uint32(1)<<uint(note&0x1F)
	if e.IsNoteOn() {
		a.ChannelsActive |= 1 << uint(ch)
		a.Notes[ch][group] |= bit
	} else {
		if a.Notes[ch][group]&bit != 0 {
			a.Notes[ch][group] &^= bit
			if a.Notes[ch][0] == 0 && a.Notes[ch][1] == 0 && a.Notes[ch][2] == 0 && a.Notes[ch][3] == 0 {
				a.ChannelsActive &^= 1 << uint(ch)
			}
		}
	}
}

// ReleaseMasked emits Note-Offs only for the bits set in mask (a subset of
// a, typically the confirmed-stuck notes computed by ConfirmStuckNotes),
// clearing each released bit from both mask and a as it succeeds. It
// returns false the moment dst runs out of room, leaving whatever bits
// remain in mask for the caller to retry on a later callback — the
// call-again-later contract.
func (a *ActiveNotes) ReleaseMasked(dst *midibuf.Buffer, atSample uint32, mask *ActiveNotes) bool {
	if mask.ChannelsActive == 0 {
		return true
	}
	for ch := 0; ch < 16; ch++ {
		if mask.ChannelsActive&(1<<uint(ch)) == 0 {
			continue
		}
		for g := 0; g < 4; g++ {
			group := mask.Notes[ch][g]
			if group == 0 {
				continue
			}
			for bit := 0; bit < 32; bit++ {
				if group&(1<<uint(bit)) == 0 {
					continue
				}
				if !dst.CanStore(3) {
					mask.Notes[ch][g] = group
					return false
				}
				note := g*32 + bit
				_ = dst.WriteRaw(atSample, 0x80|byte(ch), byte(note), 0)
				group &^= 1 << uint(bit)
				a.Notes[ch][g] &^= 1 << uint(bit)
			}
			mask.Notes[ch][g] = group
		}
		if mask.Notes[ch][0] == 0 && mask.Notes[ch][1] == 0 && mask.Notes[ch][2] == 0 && mask.Notes[ch][3] == 0 {
			mask.ChannelsActive &^= 1 << uint(ch)
		}
		if a.Notes[ch][0] == 0 && a.Notes[ch][1] == 0 && a.Notes[ch][2] == 0 && a.Notes[ch][3] == 0 {
			a.ChannelsActive &^= 1 << uint(ch)
		}
	}
	return true
}

// Names renders every currently-set bit as "chN:note-name" (e.g. "ch0:c-4"),
// using music.MidiToNoteName the way a status/monitor view would display
// what a track is currently sustaining.
func (a ActiveNotes) Names() []string {
	var out []string
	for ch := 0; ch < 16; ch++ {
		if a.ChannelsActive&(1<<uint(ch)) == 0 {
			continue
		}
		for group := 0; group < 4; group++ {
			mask := a.Notes[ch][group]
			for bit := 0; bit < 32; bit++ {
				if mask&(1<<uint(bit)) == 0 {
					continue
				}
				note := group*32 + bit
				out = append(out, fmt.Sprintf("ch%d:%s", ch, music.MidiToNoteName(note)))
			}
		}
	}
	return out
}

// Copy returns a value copy (ActiveNotes is small and loop-friendly, but
// explicit for readability at call sites that need an independent bitmask
// to mutate, e.g. the stuck-note confirmation pass).
func (a ActiveNotes) Copy() ActiveNotes { return a }

// Release emits a Note-Off for every currently-set bit into dst, clearing
// the bitmask as it goes. It returns false if dst ran out of room partway
// through — the caller (the RT command path) must treat that as
// call-again-later and retry on the next callback.
func (a *ActiveNotes) Release(dst *midibuf.Buffer, atSample uint32) bool {
	if a.ChannelsActive == 0 {
		return true
	}
	for ch := 0; ch < 16; ch++ {
		if a.ChannelsActive&(1<<uint(ch)) == 0 {
			continue
		}
		for group := 0; group < 4; group++ {
			mask := a.Notes[ch][group]
			if mask == 0 {
				continue
			}
			for bit := 0; bit < 32; bit++ {
				if mask&(1<<uint(bit)) == 0 {
					continue
				}
				note := group*32 + bit
				if !dst.CanStore(3) {
					a.Notes[ch][group] = mask
					return false
				}
				_ = dst.WriteRaw(atSample, 0x80|byte(ch), byte(note), 0)
				mask &^= 1 << uint(bit)
			}
			a.Notes[ch][group] = mask
		}
		if a.Notes[ch][0] == 0 && a.Notes[ch][1] == 0 && a.Notes[ch][2] == 0 && a.Notes[ch][3] == 0 {
			a.ChannelsActive &^= 1 << uint(ch)
		}
	}
	return true
}
