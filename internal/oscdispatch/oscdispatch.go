// Package oscdispatch implements the OSC command surface:
// `/master/...`, `/rt/...`, `/song/...`
// (including the UUID-addressed `/song/track/mute`), `/send_event_to`,
// `/update_playback`, served over github.com/hypebeast/go-osc.
//
// Every handler here that mutates live state is expressed as an RT command
// with prepare/execute/cleanup; this package's
// job is purely address routing and argument decoding, not state mutation
// — every state-mutating handler below ends by enqueuing exactly one
// rtcmd.Command (for /send_event_to, inside Engine.SendEventTo), while
// /rt/harvest and /update_playback only run HarvestCleanups.
package oscdispatch

import (
	"fmt"
	"log"

	"github.com/hypebeast/go-osc/osc"

	"github.com/schollz/calfbox/internal/engine"
	"github.com/schollz/calfbox/internal/midibuf"
	"github.com/schollz/calfbox/internal/object"
	"github.com/schollz/calfbox/internal/rtcmd"
)

// Server owns an OSC UDP server and routes every known address onto the
// supplied Engine.
type Server struct {
	engine *engine.Engine
	srv    *osc.Server
	disp   *osc.StandardDispatcher
}

// NewServer builds a dispatcher listening on addr (e.g. "127.0.0.1:9999")
// and wires the standard calfbox command surface onto eng.
func NewServer(addr string, eng *engine.Engine) *Server {
	s := &Server{
		engine: eng,
		disp:   osc.NewStandardDispatcher(),
	}
	s.srv = &osc.Server{Addr: addr, Dispatcher: s.disp}
	s.registerRoutes()
	return s
}

// ListenAndServe blocks serving OSC messages until the process exits or the
// underlying connection errors.
func (s *Server) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *Server) registerRoutes() {
	s.handle("/master/set_tempo", s.handleSetTempo)
	s.handle("/master/play", s.handlePlay)
	s.handle("/master/stop", s.handleStop)
	s.handle("/send_event_to", s.handleSendEventTo)
	s.handle("/rt/harvest", s.handleHarvest)
	s.handle("/song/seek", s.handleSongSeek)
	s.handle("/update_playback", s.handleUpdatePlayback)
	s.handle("/song/track/mute", s.handleTrackMute)
}

func (s *Server) handle(address string, fn func(msg *osc.Message)) {
	if err := s.disp.AddMsgHandler(address, fn); err != nil {
		log.Printf("[OSCDISPATCH] register %s: %v", address, err)
	}
}

// handleSetTempo expects a single float32 bpm argument, schedules the
// tempo change via whichever SongPlayback is currently installed, and is
// itself dispatched as an RT command.
func (s *Server) handleSetTempo(msg *osc.Message) {
	bpm, err := floatArg(msg, 0)
	if err != nil {
		log.Printf("[OSCDISPATCH] /master/set_tempo: %v", err)
		return
	}
	s.engine.Queue.EnqueueAndWait(rtcmd.NewSync(func() (rtcmd.Result, int) {
		if sp := s.engine.SongPlayback(); sp != nil {
			sp.RequestTempo(bpm)
		}
		return rtcmd.Done, 1
	}))
}

func (s *Server) handlePlay(msg *osc.Message) {
	s.engine.Queue.EnqueueAndWait(rtcmd.NewSync(func() (rtcmd.Result, int) {
		if sp := s.engine.SongPlayback(); sp != nil {
			sp.Play()
		}
		return rtcmd.Done, 1
	}))
}

func (s *Server) handleStop(msg *osc.Message) {
	s.engine.Queue.EnqueueAndWait(rtcmd.NewSync(func() (rtcmd.Result, int) {
		if sp := s.engine.SongPlayback(); sp != nil {
			sp.Stop()
		}
		return rtcmd.Done, 1
	}))
}

// handleSendEventTo implements `/send_event_to <status, data1, data2>`;
// the output_uuid routing argument is not modeled in this
// core (external-output binding lives in internal/midiio), so only the
// raw MIDI bytes are forwarded into the engine's aux buffer.
func (s *Server) handleSendEventTo(msg *osc.Message) {
	if len(msg.Arguments) < 2 {
		log.Printf("[OSCDISPATCH] /send_event_to: expected >=2 args, got %d", len(msg.Arguments))
		return
	}
	status, err := intArg(msg, 0)
	if err != nil {
		log.Printf("[OSCDISPATCH] /send_event_to: %v", err)
		return
	}
	data := []byte{byte(status)}
	for i := 1; i < len(msg.Arguments) && i < 3; i++ {
		v, err := intArg(msg, i)
		if err != nil {
			continue
		}
		data = append(data, byte(v))
	}
	s.engine.SendEventTo(midibuf.NewEvent(0, data...))
}

// handleHarvest runs the control thread's cleanup-harvest tick; a real
// host calls this from its own ~1ms poll, exposed here over
// OSC mainly for test/debug drivers.
func (s *Server) handleHarvest(msg *osc.Message) {
	s.engine.Queue.HarvestCleanups()
}

// handleSongSeek implements `/song/seek <ppqn>`: a synchronous jump to an
// absolute tick position on whichever SongPlayback is installed, matching
// the transport's SeekPPQN behavior.
func (s *Server) handleSongSeek(msg *osc.Message) {
	ppqn, err := intArg(msg, 0)
	if err != nil {
		log.Printf("[OSCDISPATCH] /song/seek: %v", err)
		return
	}
	s.engine.Queue.EnqueueAndWait(rtcmd.NewSync(func() (rtcmd.Result, int) {
		if sp := s.engine.SongPlayback(); sp != nil {
			sp.SeekPPQN(ppqn)
		}
		return rtcmd.Done, 1
	}))
}

// handleUpdatePlayback is a no-argument poke that only runs HarvestCleanups,
// so any pending swap's cleanup runs promptly. It needs no transport
// refresh: Engine.Process already copies the installed SongPlayback's
// transport state into Master on every callback.
func (s *Server) handleUpdatePlayback(msg *osc.Message) {
	s.engine.Queue.HarvestCleanups()
}

// handleTrackMute implements `/song/track/mute <uuid-string> <0|1>`: looks
// the track up by UUID through the engine's Document registry rather than by position in
// SongPlayback.Tracks, so a remote controller can target a track whose index
// it doesn't know.
func (s *Server) handleTrackMute(msg *osc.Message) {
	if len(msg.Arguments) < 2 {
		log.Printf("[OSCDISPATCH] /song/track/mute: expected 2 args, got %d", len(msg.Arguments))
		return
	}
	idStr, ok := msg.Arguments[0].(string)
	if !ok {
		log.Printf("[OSCDISPATCH] /song/track/mute: argument 0 is not a string: %T", msg.Arguments[0])
		return
	}
	id, err := object.ParseUUID(idStr)
	if err != nil {
		log.Printf("[OSCDISPATCH] /song/track/mute: %v", err)
		return
	}
	mute, err := intArg(msg, 1)
	if err != nil {
		log.Printf("[OSCDISPATCH] /song/track/mute: %v", err)
		return
	}
	s.engine.Queue.EnqueueAndWait(rtcmd.NewSync(func() (rtcmd.Result, int) {
		if t, ok := s.engine.LookupTrack(id); ok {
			t.SetMute(mute != 0)
		}
		return rtcmd.Done, 1
	}))
}

func floatArg(msg *osc.Message, i int) (float64, error) {
	if i >= len(msg.Arguments) {
		return 0, fmt.Errorf("missing argument %d", i)
	}
	switch v := msg.Arguments[i].(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case int32:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("argument %d is not numeric: %T", i, v)
	}
}

func intArg(msg *osc.Message, i int) (int64, error) {
	if i >= len(msg.Arguments) {
		return 0, fmt.Errorf("missing argument %d", i)
	}
	switch v := msg.Arguments[i].(type) {
	case int32:
		return int64(v), nil
	case float32:
		return int64(v), nil
	case float64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("argument %d is not numeric: %T", i, v)
	}
}
