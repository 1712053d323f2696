// calfboxd is the CLI host binding the engine, MIDI I/O, OSC command
// surface, and status TUI together.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/schollz/calfbox/internal/engine"
	"github.com/schollz/calfbox/internal/master"
	"github.com/schollz/calfbox/internal/midibuf"
	"github.com/schollz/calfbox/internal/midiio"
	"github.com/schollz/calfbox/internal/oscdispatch"
	"github.com/schollz/calfbox/internal/persist"
	"github.com/schollz/calfbox/internal/prefetch"
	"github.com/schollz/calfbox/internal/scene"
	"github.com/schollz/calfbox/internal/song"
	"github.com/schollz/calfbox/internal/status"
)

const (
	callbackFrames     = 256
	cleanupInterval    = time.Millisecond
	prefetchPipes      = 4
	prefetchRingLen    = 1 << 16
	sceneMergeCapacity = 1024
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		sampleRate  float64
		ppqnFactor  int
		oscAddr     string
		songFile    string
		midiInName  string
		midiOutName string
	)

	root := &cobra.Command{
		Use:   "calfboxd",
		Short: "calfbox RT engine host",
		RunE: func(cmd *cobra.Command, args []string) error {
			m := master.New(sampleRate, ppqnFactor)
			eng := engine.New(m)
			eng.Prefetch = prefetch.NewStack(prefetchPipes, prefetchRingLen)
			defer eng.Prefetch.Close()

			var pullInput func() []midibuf.Event
			var sendOutput func(midibuf.Event)

			if midiInName != "" {
				in, err := midiio.OpenIn(midiInName)
				if err != nil {
					return fmt.Errorf("open midi in %q: %w", midiInName, err)
				}
				defer in.Close()
				pullInput = in.Drain
			}
			if midiOutName != "" {
				out, err := midiio.OpenOut(midiOutName)
				if err != nil {
					return fmt.Errorf("open midi out %q: %w", midiOutName, err)
				}
				defer out.Close()
				sendOutput = func(ev midibuf.Event) {
					if err := out.Send(ev); err != nil {
						fmt.Fprintf(os.Stderr, "[CALFBOXD] midi out: %v\n", err)
					}
				}
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			// The RT goroutine and the cleanup harvester must be running
			// before any EnqueueAndWait-based setup call below, or that
			// call would wait on a queue nobody drains.
			go eng.Run(ctx, callbackFrames, pullInput, sendOutput)

			go func() {
				ticker := time.NewTicker(cleanupInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						eng.Queue.HarvestCleanups()
					}
				}
			}()

			sc := scene.New(sceneMergeCapacity)
			eng.SetScene(sc)

			if songFile != "" {
				doc, err := persist.Load(songFile)
				if err != nil {
					return fmt.Errorf("load song: %w", err)
				}
				sp := song.Build(doc, sampleRate, ppqnFactor, nil)
				eng.InstallSongPlayback(sp, 0)
			}

			oscSrv := oscdispatch.NewServer(oscAddr, eng)
			go func() {
				if err := oscSrv.ListenAndServe(); err != nil {
					fmt.Fprintf(os.Stderr, "[CALFBOXD] osc server: %v\n", err)
				}
			}()

			return status.Run(eng, 200*time.Millisecond)
		},
	}

	root.Flags().Float64Var(&sampleRate, "sample-rate", 48000, "audio sample rate in Hz")
	root.Flags().IntVar(&ppqnFactor, "ppqn", master.DefaultPPQNFactor, "pulses per quarter note")
	root.Flags().StringVar(&oscAddr, "osc-addr", "127.0.0.1:9999", "OSC listen address")
	root.Flags().StringVar(&songFile, "song", "", "gzip+JSON song document to load at startup")
	root.Flags().StringVar(&midiInName, "midi-in", "", "MIDI input device name (substring match)")
	root.Flags().StringVar(&midiOutName, "midi-out", "", "MIDI output device name (substring match)")

	return root
}
