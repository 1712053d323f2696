// Package midiio binds the engine's abstract host I/O boundary to a real
// MIDI device using gitlab.com/gomidi/midi/v2 with the rtmididrv backend.
//
// The core engine never imports this package; a host process wires In and
// Out into its own process-callback driver.
package midiio

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"github.com/schollz/calfbox/internal/midibuf"
)

// OutDevices lists the names of available MIDI output ports.
func OutDevices() []string {
	var names []string
	for _, out := range midi.GetOutPorts() {
		names = append(names, out.String())
	}
	return names
}

// InDevices lists the names of available MIDI input ports.
func InDevices() []string {
	var names []string
	for _, in := range midi.GetInPorts() {
		names = append(names, in.String())
	}
	return names
}

func findByName(name string, candidates []string) (string, error) {
	words := strings.Fields(name)
	if len(words) > 3 {
		words = words[:3]
	}
	truncated := strings.Join(words, " ")
	for _, n := range candidates {
		if strings.EqualFold(n, truncated) {
			return n, nil
		}
	}
	for _, n := range candidates {
		if strings.HasPrefix(strings.ToLower(n), strings.ToLower(truncated)) {
			return n, nil
		}
	}
	for _, n := range candidates {
		if strings.Contains(strings.ToLower(n), strings.ToLower(truncated)) {
			return n, nil
		}
	}
	return "", fmt.Errorf("no MIDI device matching %q", name)
}

// Out is a single opened MIDI output port. Send is guarded by a mutex;
// cmd/calfboxd calls it from Engine.Run's loop after each Process call, to
// forward the song and aux output of that callback.
type Out struct {
	mu   sync.Mutex
	name string
	port drivers.Out
}

// OpenOut opens the output port whose name best matches name.
func OpenOut(name string) (*Out, error) {
	found, err := findByName(name, OutDevices())
	if err != nil {
		return nil, err
	}
	port, err := midi.FindOutPort(found)
	if err != nil {
		return nil, fmt.Errorf("find out port %q: %w", found, err)
	}
	if err := port.Open(); err != nil {
		return nil, fmt.Errorf("open out port %q: %w", found, err)
	}
	return &Out{name: found, port: port}, nil
}

// Send writes a single raw MIDI event's bytes to the port.
func (o *Out) Send(e midibuf.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.port.Send(e.Bytes[:e.Size]); err != nil {
		log.Printf("[MIDIIO] send to %s: %v", o.name, err)
		return err
	}
	return nil
}

// Close closes the underlying port.
func (o *Out) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.port.Close()
}

// In is a single opened MIDI input port, feeding raw host input into a
// channel the engine's host-side driver reads once per callback to build
// the `hostIn` slice Engine.Process expects.
type In struct {
	port   drivers.In
	stopFn func()
	events chan midibuf.Event
}

// OpenIn opens the input port whose name best matches name and begins
// listening; every received event is stamped with time 0 and the gomidi
// arrival timestamp is ignored, since gomidi does not expose
// sample-accurate host timing — the engine
// treats every host-delivered event as arriving at time_samples=0 within
// the callback it's drained in.
func OpenIn(name string) (*In, error) {
	found, err := findByName(name, InDevices())
	if err != nil {
		return nil, err
	}
	port, err := midi.FindInPort(found)
	if err != nil {
		return nil, fmt.Errorf("find in port %q: %w", found, err)
	}
	in := &In{port: port, events: make(chan midibuf.Event, 256)}
	stop, err := midi.ListenTo(port, func(msg midi.Message, timestampms int32) {
		data := msg.Bytes()
		if len(data) == 0 || len(data) > midibuf.MaxEventBytes {
			return
		}
		ev := midibuf.NewEvent(0, data...)
		select {
		case in.events <- ev:
		default:
			log.Printf("[MIDIIO] input queue full, dropping event from %s", found)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("listen on in port %q: %w", found, err)
	}
	in.stopFn = stop
	return in, nil
}

// Drain returns every event received since the last Drain call, for the
// host driver to hand to Engine.Process as that callback's hostIn.
func (in *In) Drain() []midibuf.Event {
	var out []midibuf.Event
	for {
		select {
		case e := <-in.events:
			out = append(out, e)
		default:
			return out
		}
	}
}

// Close stops listening and closes the port.
func (in *In) Close() error {
	if in.stopFn != nil {
		in.stopFn()
	}
	return in.port.Close()
}
