// Package scene implements the Layers->Instruments->Modules graph: MIDI
// routing from the scene's input merger to instruments, and per-voice
// audio rendering in fixed-size sub-blocks.
//
// The DSP algorithms a real Module runs live outside this core; Module is an
// interface so a real synth/sampler engine can be plugged in without
// touching the scene graph or the Engine's process callback.
package scene

import (
	"github.com/schollz/calfbox/internal/midibuf"
	"github.com/schollz/calfbox/internal/object"
)

// BlockSize is CBOX_BLOCK_SIZE: audio/instrument processing always happens
// in whole blocks of this many frames, with any remainder handled as one
// short final block.
const BlockSize = 32

// Module is the minimal surface the scene graph needs from a synth or
// sampler engine. Both methods are called once per BlockSize sub-block:
// ProcessEvents delivers the MIDI events due by that sub-block (nil when
// there are none), then RenderBlock renders exactly one sub-block of audio
// into out (out[0]=left, out[1]=right, each len(out[c]) == frames).
type Module interface {
	ProcessEvents(events []midibuf.Event)
	RenderBlock(out [2][]float32, frames int)
}

// Instrument owns a Module; the channel and note range it listens on is set
// by the Layer that binds it.
type Instrument struct {
	UUID   object.UUID
	Name   string
	Module Module

	pending []midibuf.Event // this sub-block's routed events, reused across blocks
}

// ObjectUUID implements object.Identifiable.
func (i *Instrument) ObjectUUID() object.UUID { return i.UUID }

// NewInstrument wires a fresh identity around an existing Module.
func NewInstrument(name string, module Module) *Instrument {
	return &Instrument{UUID: object.NewUUID(), Name: name, Module: module}
}

// Layer maps a MIDI channel/note range (with transpose) from the scene's
// merged input to one Instrument.
type Layer struct {
	Channel    int // -1 means "any channel"
	NoteLow    int
	NoteHigh   int
	Transpose  int
	Instrument *Instrument
}

func (l *Layer) matches(e midibuf.Event) bool {
	if e.Size != 3 {
		return false
	}
	top := e.Bytes[0] & 0xF0
	if top != 0x80 && top != 0x90 {
		return false
	}
	if l.Channel >= 0 && e.Channel() != l.Channel {
		return false
	}
	note := e.Note()
	return note >= l.NoteLow && note <= l.NoteHigh
}

func (l *Layer) transposeEvent(e midibuf.Event) midibuf.Event {
	if l.Transpose == 0 {
		return e
	}
	note := int(e.Bytes[1]) + l.Transpose
	if note < 0 {
		note = 0
	}
	if note > 127 {
		note = 127
	}
	e.Bytes[1] = byte(note)
	return e
}

// Scene owns the input merger (aux+host+song, connected by the Engine) and
// the Layer list routing merged MIDI to Instruments.
type Scene struct {
	UUID        object.UUID
	InputMerger *midibuf.Merger
	Layers      []Layer
	mergedInput *midibuf.Buffer
	instruments []*Instrument // distinct instruments across layers, in layer order
}

// ObjectUUID implements object.Identifiable.
func (s *Scene) ObjectUUID() object.UUID { return s.UUID }

// New allocates a Scene with its own input merger and a scratch buffer
// sized for mergedCapacity events per callback.
func New(mergedCapacity int) *Scene {
	return &Scene{
		UUID:        object.NewUUID(),
		InputMerger: midibuf.NewMerger(),
		mergedInput: midibuf.NewBuffer(mergedCapacity),
	}
}

// AddLayer appends a routing layer.
func (s *Scene) AddLayer(l Layer) {
	s.Layers = append(s.Layers, l)
	if l.Instrument == nil {
		return
	}
	for _, inst := range s.instruments {
		if inst == l.Instrument {
			return
		}
	}
	s.instruments = append(s.instruments, l.Instrument)
}

// Render merges the scene's connected MIDI sources, then walks the
// callback in BlockSize sub-blocks (plus one short remainder block):
// events due at or before a sub-block's start are routed and delivered to
// their instruments, then every instrument renders that sub-block of
// audio. Interleaving event delivery with the block walk preserves each
// event's timing across the Module boundary, the same cursor-and-
// highwatermark walk as cbox's main_process.
// out[0]/out[1] must each have length >= nframes.
func (s *Scene) Render(nframes int, out [2][]float32) {
	s.mergedInput.Clear()
	s.InputMerger.RenderTo(s.mergedInput)

	events := s.mergedInput.Events()
	curEvent := 0
	highwatermark := uint32(0)

	for off := 0; off < nframes; off += BlockSize {
		n := BlockSize
		if off+n > nframes {
			n = nframes - off
		}

		for _, inst := range s.instruments {
			inst.pending = inst.pending[:0]
		}
		if uint32(off) >= highwatermark {
			for curEvent < len(events) {
				e := events[curEvent]
				if e.TimeSamples > uint32(off) {
					highwatermark = e.TimeSamples
					break
				}
				for i := range s.Layers {
					l := &s.Layers[i]
					if l.Instrument == nil || !l.matches(e) {
						continue
					}
					l.Instrument.pending = append(l.Instrument.pending, l.transposeEvent(e))
				}
				curEvent++
			}
		}

		var left, right [BlockSize]float32
		blockOut := [2][]float32{left[:n], right[:n]}
		for _, inst := range s.instruments {
			if len(inst.pending) == 0 {
				inst.Module.ProcessEvents(nil)
			} else {
				inst.Module.ProcessEvents(inst.pending)
			}
			inst.Module.RenderBlock(blockOut, n)
			for i := 0; i < n; i++ {
				out[0][off+i] += blockOut[0][i]
				out[1][off+i] += blockOut[1][i]
			}
		}
	}
}
