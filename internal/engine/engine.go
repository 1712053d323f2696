// Package engine implements the Engine: the owner of the current Scene and
// SongPlayback, the per-callback process loop, the appsink MIDI capture
// double buffer, and the RT-command-mediated scene/song swap with its
// stuck-note release protocol.
package engine

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/schollz/calfbox/internal/master"
	"github.com/schollz/calfbox/internal/midibuf"
	"github.com/schollz/calfbox/internal/object"
	"github.com/schollz/calfbox/internal/prefetch"
	"github.com/schollz/calfbox/internal/rtcmd"
	"github.com/schollz/calfbox/internal/scene"
	"github.com/schollz/calfbox/internal/song"
	"github.com/schollz/calfbox/internal/track"
)

// MasterEffect is the optional whole-mix post-processor applied after scene
// rendering. Like scene.Module, its DSP is out of
// scope for the core; this is the interface the engine drives.
type MasterEffect interface {
	ProcessBlock(in, out [2][]float32, frames int)
}

const (
	hostBufCapacity = 1024
	appsinkCapacity = 1024
	songBufCapacity = 1024
	auxBufCapacity  = 256
)

// Engine is the top-level owner: everything else hangs off it in a tree.
type Engine struct {
	Master   *master.Master
	Queue    *rtcmd.Queue
	Doc      *object.Document
	Prefetch *prefetch.Stack

	scene  *scene.Scene
	songPB *song.Playback
	effect MasterEffect

	auxBuf  *midibuf.Buffer
	hostBuf *midibuf.Buffer
	songBuf *midibuf.Buffer

	appsink        [2]*midibuf.Buffer
	currentAppsink int32 // atomic index, flipped only via an RT command

	pendingRelease map[object.UUID]*track.ActiveNotes
	oldSongPB      *song.Playback // retained until pendingRelease drains
}

// New constructs an Engine over the given Master.
func New(m *master.Master) *Engine {
	e := &Engine{
		Master:  m,
		Queue:   rtcmd.NewQueue(64),
		Doc:     object.NewDocument(),
		auxBuf:  midibuf.NewBuffer(auxBufCapacity),
		hostBuf: midibuf.NewBuffer(hostBufCapacity),
		songBuf: midibuf.NewBuffer(songBufCapacity),
	}
	e.appsink[0] = midibuf.NewBuffer(appsinkCapacity)
	e.appsink[1] = midibuf.NewBuffer(appsinkCapacity)
	return e
}

// Scene returns the currently active scene, or nil.
func (e *Engine) Scene() *scene.Scene { return e.scene }

// SongPlayback returns the currently active song playback, or nil.
func (e *Engine) SongPlayback() *song.Playback { return e.songPB }

// SetScene installs scene as the active scene via the RT command queue,
// (dis)connecting its input merger from the engine's aux/host/song buffers
// exactly as cbox_engine_set_scene does. Blocks until installed.
func (e *Engine) SetScene(sc *scene.Scene) {
	e.Queue.EnqueueAndWait(rtcmd.NewSync(func() (rtcmd.Result, int) {
		if sc == e.scene {
			return rtcmd.Done, 1
		}
		if sc != nil {
			sc.InputMerger.Connect(e.auxBuf)
			sc.InputMerger.Connect(e.hostBuf)
			sc.InputMerger.Connect(e.songBuf)
		}
		if e.scene != nil {
			e.scene.InputMerger.Disconnect(e.auxBuf)
			e.scene.InputMerger.Disconnect(e.hostBuf)
			e.scene.InputMerger.Disconnect(e.songBuf)
		}
		e.scene = sc
		return rtcmd.Done, 5
	}))
}

// SetEffect installs (or clears, if nil) the master effect via the RT
// command queue.
func (e *Engine) SetEffect(fx MasterEffect) {
	e.Queue.EnqueueAndWait(rtcmd.NewSync(func() (rtcmd.Result, int) {
		e.effect = fx
		return rtcmd.Done, 1
	}))
}

// InstallSongPlayback replaces the active SongPlayback with newPB, running
// the full stuck-note protocol: newPB has already inherited
// active-notes bitmasks from the outgoing playback (song.Build does this
// when given `old`); this call computes which of those are genuinely
// stuck, releases them (retrying across callbacks if the output buffer is
// full), then performs the swap. newTimePPQN of -1 means "reseek to the
// position the old song was at", mirroring
// cbox_engine_set_song_playback's sample-then-PPQN tie-break.
func (e *Engine) InstallSongPlayback(newPB *song.Playback, newTimePPQN int64) {
	e.Queue.EnqueueAndWait(rtcmd.NewSync(func() (rtcmd.Result, int) {
		old := e.songPB

		if e.pendingRelease == nil {
			switch {
			case newTimePPQN >= 0:
				newPB.SeekPPQN(newTimePPQN)
			case old != nil:
				newPB.SeekSamples(old.SongPosSamples)
				// If the sample-based reseek lands on a PPQN position more
				// than one tick away from where the old song was (a tempo
				// change happened somewhere before this point), reseek by
				// PPQN instead. This exact tie-break, including its
				// one-tick tolerance, mirrors cbox_engine_set_song_playback.
				diff := newPB.SongPosPPQN - old.SongPosPPQN
				if diff < 0 {
					diff = -diff
				}
				if diff > 1 {
					newPB.SeekPPQN(old.SongPosPPQN)
				}
			default:
				newPB.SeekPPQN(0)
			}
			if old != nil {
				e.pendingRelease = newPB.StuckNotes(old)
				e.oldSongPB = old
			}
		}

		if len(e.pendingRelease) > 0 {
			if !newPB.ReleaseStuckNotes(e.pendingRelease, e.auxBuf) {
				return rtcmd.CallAgainLater, 10
			}
		}

		if old != nil {
			newPB.State = old.State
			for _, t := range old.Tracks {
				e.Doc.Unregister(t.ObjectUUID())
			}
		}
		for _, t := range newPB.Tracks {
			e.Doc.Register(t)
		}

		e.songPB = newPB
		e.pendingRelease = nil
		e.oldSongPB = nil
		return rtcmd.Done, 20
	}))
}

// LookupTrack finds a playing track by UUID through the Document registry,
// for the OSC route "/song/track/mute", whose first argument is the track
// UUID.
func (e *Engine) LookupTrack(id object.UUID) (*track.Playback, bool) {
	obj, ok := e.Doc.Lookup(id)
	if !ok {
		return nil, false
	}
	t, ok := obj.(*track.Playback)
	return t, ok
}

// ingestHostInput copies host-delivered MIDI into hostBuf and, losslessly
// up to capacity, into the current appsink buffer, matching
// cbox_engine_process's "copy MIDI input to the app-sink with no timing
// information" step. Events that don't fit are dropped, never retried.
func (e *Engine) ingestHostInput(hostIn []midibuf.Event) {
	for _, ev := range hostIn {
		if err := e.hostBuf.WriteEvent(ev); err != nil {
			log.Printf("[ENGINE] host input buffer overflow, dropping event")
			break
		}
	}
	idx := atomic.LoadInt32(&e.currentAppsink)
	appsink := e.appsink[idx]
	for _, ev := range hostIn {
		if !appsink.CanStore(int(ev.Size)) {
			break
		}
		_ = appsink.WriteEvent(ev)
	}
}

// GetInputMIDIData returns the previously-current appsink buffer and flips
// the live index, matching cbox_engine_get_input_midi_data_. The flip is
// itself scheduled as an RT command so it only ever happens on the RT
// goroutine.
func (e *Engine) GetInputMIDIData() *midibuf.Buffer {
	idx := atomic.LoadInt32(&e.currentAppsink)
	if e.appsink[idx].Count() == 0 {
		return nil
	}
	var ret *midibuf.Buffer
	e.Queue.EnqueueAndWait(rtcmd.NewSync(func() (rtcmd.Result, int) {
		cur := atomic.LoadInt32(&e.currentAppsink)
		if e.appsink[cur].Count() == 0 {
			return rtcmd.Done, 1
		}
		ret = e.appsink[cur]
		next := 1 - cur
		e.appsink[next].Clear()
		atomic.StoreInt32(&e.currentAppsink, next)
		return rtcmd.Done, 2
	}))
	return ret
}

// Process runs one audio callback: drain the RT queue, render song MIDI,
// render the scene's audio, post-process with the master effect. This is
// the RT goroutine's sole entry point and must never block.
func (e *Engine) Process(nframes int, hostIn []midibuf.Event, out [2][]float32) {
	e.auxBuf.Clear()
	e.hostBuf.Clear()
	e.songBuf.Clear()

	e.ingestHostInput(hostIn)

	e.Queue.Drain()

	if e.scene != nil && e.songPB != nil {
		e.songPB.ClearOutputs()
		e.songPB.Render(e.songBuf, uint32(nframes))
	}

	if e.scene != nil {
		e.scene.Render(nframes, out)
	}

	if e.effect != nil {
		for off := 0; off < nframes; off += scene.BlockSize {
			n := scene.BlockSize
			if off+n > nframes {
				n = nframes - off
			}
			in := [2][]float32{out[0][off : off+n], out[1][off : off+n]}
			var left, right [scene.BlockSize]float32
			blockOut := [2][]float32{left[:n], right[:n]}
			e.effect.ProcessBlock(in, blockOut, n)
			copy(out[0][off:off+n], blockOut[0])
			copy(out[1][off:off+n], blockOut[1])
		}
	}

	// Mirror the active playback's transport into the shared Master, so
	// non-RT readers (status view, OSC queries) see a coherent snapshot
	// written only ever by this goroutine.
	if e.songPB != nil {
		e.Master.State = e.songPB.State
		e.Master.Tempo = e.songPB.TempoMap.TempoAt(e.songPB.SongPosPPQN)
		e.Master.SongPosSamples = e.songPB.SongPosSamples
		e.Master.SongPosPPQN = e.songPB.SongPosPPQN
	}
}

// callbackPeriod returns how long one nframes-sample callback represents at
// the master's sample rate, for use as the RT-goroutine-standin ticker
// interval.
func (e *Engine) callbackPeriod(nframes int) time.Duration {
	seconds := float64(nframes) / e.Master.SampleRate
	return time.Duration(seconds * float64(time.Second))
}

// Run drives the per-callback loop: on every tick of
// a ticker standing in for the host's audio callback, it pulls host MIDI
// input, calls Process, and hands the rendered audio and any RT-injected
// MIDI (stuck-note releases, SendEventTo traffic) to the caller's sinks. It
// blocks until ctx is done, and is the RT goroutine's only entry point. A
// real host would call Process directly from its own callback thread
// instead of this ticker.
//
// pullInput and sendOutput may be nil, for hosts that only want one
// direction wired (e.g. playback-only, with no MIDI output device).
func (e *Engine) Run(ctx context.Context, nframes int, pullInput func() []midibuf.Event, sendOutput func(midibuf.Event)) {
	ticker := time.NewTicker(e.callbackPeriod(nframes))
	defer ticker.Stop()

	left := make([]float32, nframes)
	right := make([]float32, nframes)
	out := [2][]float32{left, right}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var hostIn []midibuf.Event
			if pullInput != nil {
				hostIn = pullInput()
			}
			for i := range left {
				left[i] = 0
				right[i] = 0
			}
			e.Process(nframes, hostIn, out)
			if sendOutput != nil {
				for _, ev := range e.DrainSongOutput() {
					sendOutput(ev)
				}
				for _, ev := range e.DrainAuxOutput() {
					sendOutput(ev)
				}
			}
		}
	}
}

// DrainAuxOutput returns a copy of the RT-injected events (stuck-note
// releases, SendEventTo traffic) this callback placed in the aux bus, for a
// host's Run loop to forward to a physical MIDI output in addition to the
// internal scene routing Process already did. Must be called between one
// Process call and the next, since Process clears the aux bus at the top of
// the following callback.
func (e *Engine) DrainAuxOutput() []midibuf.Event {
	events := e.auxBuf.Events()
	out := make([]midibuf.Event, len(events))
	copy(out, events)
	return out
}

// DrainSongOutput returns a copy of the song MIDI this callback rendered,
// for a host forwarding sequencer output to a physical MIDI device. Same
// between-callbacks contract as DrainAuxOutput.
func (e *Engine) DrainSongOutput() []midibuf.Event {
	events := e.songBuf.Events()
	out := make([]midibuf.Event, len(events))
	copy(out, events)
	return out
}

// SendEventTo injects a MIDI event from the control thread into the aux
// buffer, for use by the OSC `/send_event_to` command surface. The write is
// itself wrapped in a synchronous RT command, so it happens on the RT
// goroutine during the next Drain, and this call blocks until it has run.
func (e *Engine) SendEventTo(ev midibuf.Event) {
	e.Queue.EnqueueAndWait(rtcmd.NewSync(func() (rtcmd.Result, int) {
		if err := e.auxBuf.WriteEvent(ev); err != nil {
			log.Printf("[ENGINE] aux buffer overflow, dropping injected event")
		}
		return rtcmd.Done, 1
	}))
}
