// Package persist saves and loads a song.Document to/from a gzip-compressed
// JSON file, with a debounced autosave wrapper for editors that save on
// every change.
//
// Persistence is deliberately outside the core: the engine never imports
// this package.
package persist

import (
	"compress/gzip"
	"fmt"
	"os"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/schollz/calfbox/internal/song"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// trackJSON/itemJSON/documentJSON mirror track.Track/song.Document but with
// exported, stable field names safe to persist independent of in-memory
// layout; object.UUID marshals as its string form.
type documentJSON struct {
	Tracks        []trackJSON `json:"tracks"`
	InitialTempo  float64     `json:"initial_tempo"`
	TimesigNum    int         `json:"timesig_num"`
	TimesigDenom  int         `json:"timesig_denom"`
	LoopStartPPQN int64       `json:"loop_start_ppqn"`
	LoopEndPPQN   int64       `json:"loop_end_ppqn"`
}

type trackJSON struct {
	UUID  string     `json:"uuid"`
	Name  string     `json:"name"`
	Mute  bool       `json:"mute"`
	Items []itemJSON `json:"items"`
}

type itemJSON struct {
	TimePPQN     int64       `json:"time_ppqn"`
	OffsetPPQN   int64       `json:"offset_ppqn"`
	LengthPPQN   int64       `json:"length_ppqn"`
	PatternEvent []eventJSON `json:"pattern_events"`
	LoopEndPPQN  int32       `json:"loop_end_ppqn"`
}

type eventJSON struct {
	TimePPQN uint32 `json:"time_ppqn"`
	Bytes    []byte `json:"bytes"`
}

// Store wraps a save path with its autosave debounce state.
type Store struct {
	mu           sync.Mutex
	timer        *time.Timer
	debounceTime time.Duration
	path         string
}

// NewStore returns a Store that saves to path, debouncing AutoSave calls by
// the given duration.
func NewStore(path string, debounce time.Duration) *Store {
	return &Store{path: path, debounceTime: debounce}
}

// AutoSave schedules a debounced save of doc: repeated calls within the
// debounce window collapse into a single save of the latest doc.
func (s *Store) AutoSave(doc *song.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounceTime, func() {
		if err := s.Save(doc); err != nil {
			fmt.Fprintf(os.Stderr, "[PERSIST] autosave failed: %v\n", err)
		}
	})
}

// Save writes doc to the store's path as gzip-compressed JSON.
func (s *Store) Save(doc *song.Document) error {
	dj := toDocumentJSON(doc)
	data, err := jsonAPI.Marshal(dj)
	if err != nil {
		return fmt.Errorf("persist: marshal: %w", err)
	}

	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("persist: create %s: %w", s.path, err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	if _, err := gz.Write(data); err != nil {
		gz.Close()
		return fmt.Errorf("persist: write: %w", err)
	}
	return gz.Close()
}

// Load reads a gzip-compressed JSON document back from path.
func Load(path string) (*song.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("persist: open %s: %w", path, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("persist: gzip reader: %w", err)
	}
	defer gz.Close()

	var dj documentJSON
	dec := jsonAPI.NewDecoder(gz)
	if err := dec.Decode(&dj); err != nil {
		return nil, fmt.Errorf("persist: decode: %w", err)
	}
	return fromDocumentJSON(dj), nil
}
