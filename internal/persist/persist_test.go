package persist

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schollz/calfbox/internal/midibuf"
	"github.com/schollz/calfbox/internal/pattern"
	"github.com/schollz/calfbox/internal/song"
	"github.com/schollz/calfbox/internal/track"
)

func sampleDoc() *song.Document {
	p := &pattern.Pattern{
		Events: []midibuf.Event{
			midibuf.NewEvent(0, 0x90, 60, 0x7F),
			midibuf.NewEvent(24, 0x80, 60, 0),
		},
		LoopEndPPQN: 48,
	}
	tr := track.NewTrack("lead")
	tr.AddItem(track.Item{TimePPQN: 0, Pattern: p, OffsetPPQN: 0, LengthPPQN: 48})
	return &song.Document{
		Tracks: []*track.Track{tr}, InitialTempo: 128, TimesigNum: 3, TimesigDenom: 4,
		LoopStartPPQN: 0, LoopEndPPQN: 48,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "song.cbx.gz")

	doc := sampleDoc()
	store := NewStore(path, 0)
	require.NoError(t, store.Save(doc))

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, doc.InitialTempo, loaded.InitialTempo)
	assert.Equal(t, doc.TimesigNum, loaded.TimesigNum)
	assert.Equal(t, doc.TimesigDenom, loaded.TimesigDenom)
	assert.Equal(t, doc.LoopStartPPQN, loaded.LoopStartPPQN)
	assert.Equal(t, doc.LoopEndPPQN, loaded.LoopEndPPQN)

	require.Len(t, loaded.Tracks, 1)
	assert.Equal(t, doc.Tracks[0].UUID, loaded.Tracks[0].UUID, "identity must survive a round trip for stuck-note matching")
	assert.Equal(t, "lead", loaded.Tracks[0].Name)
	require.Len(t, loaded.Tracks[0].Items, 1)
	assert.Equal(t, int64(48), loaded.Tracks[0].Items[0].LengthPPQN)
	require.Len(t, loaded.Tracks[0].Items[0].Pattern.Events, 2)
	assert.Equal(t, byte(0x90), loaded.Tracks[0].Items[0].Pattern.Events[0].Bytes[0])
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/song.cbx.gz")
	assert.Error(t, err)
}
