package persist

import (
	"github.com/schollz/calfbox/internal/midibuf"
	"github.com/schollz/calfbox/internal/object"
	"github.com/schollz/calfbox/internal/pattern"
	"github.com/schollz/calfbox/internal/song"
	"github.com/schollz/calfbox/internal/track"
)

func toDocumentJSON(doc *song.Document) documentJSON {
	dj := documentJSON{
		InitialTempo:  doc.InitialTempo,
		TimesigNum:    doc.TimesigNum,
		TimesigDenom:  doc.TimesigDenom,
		LoopStartPPQN: doc.LoopStartPPQN,
		LoopEndPPQN:   doc.LoopEndPPQN,
	}
	for _, t := range doc.Tracks {
		dj.Tracks = append(dj.Tracks, toTrackJSON(t))
	}
	return dj
}

func toTrackJSON(t *track.Track) trackJSON {
	tj := trackJSON{UUID: t.UUID.String(), Name: t.Name, Mute: t.Mute}
	for _, it := range t.Items {
		ij := itemJSON{
			TimePPQN:    it.TimePPQN,
			OffsetPPQN:  it.OffsetPPQN,
			LengthPPQN:  it.LengthPPQN,
			LoopEndPPQN: it.Pattern.LoopEndPPQN,
		}
		for _, e := range it.Pattern.Events {
			ij.PatternEvent = append(ij.PatternEvent, eventJSON{
				TimePPQN: e.TimeSamples, // Pattern reuses TimeSamples to carry PPQN time
				Bytes:    append([]byte(nil), e.Bytes[:e.Size]...),
			})
		}
		tj.Items = append(tj.Items, ij)
	}
	return tj
}

func fromDocumentJSON(dj documentJSON) *song.Document {
	doc := &song.Document{
		InitialTempo:  dj.InitialTempo,
		TimesigNum:    dj.TimesigNum,
		TimesigDenom:  dj.TimesigDenom,
		LoopStartPPQN: dj.LoopStartPPQN,
		LoopEndPPQN:   dj.LoopEndPPQN,
	}
	for _, tj := range dj.Tracks {
		doc.Tracks = append(doc.Tracks, fromTrackJSON(tj))
	}
	return doc
}

func fromTrackJSON(tj trackJSON) *track.Track {
	t := &track.Track{UUID: parseUUID(tj.UUID), Name: tj.Name, Mute: tj.Mute}
	for _, ij := range tj.Items {
		pat := &pattern.Pattern{LoopEndPPQN: ij.LoopEndPPQN}
		for _, ej := range ij.PatternEvent {
			pat.Events = append(pat.Events, midibuf.NewEvent(ej.TimePPQN, ej.Bytes...))
		}
		t.AddItem(track.Item{
			TimePPQN:   ij.TimePPQN,
			OffsetPPQN: ij.OffsetPPQN,
			LengthPPQN: ij.LengthPPQN,
			Pattern:    pat,
		})
	}
	return t
}

// parseUUID restores a persisted identity rather than minting a fresh one,
// so reloaded tracks still match up with any live playback's stuck-note
// inheritance by UUID.
func parseUUID(s string) object.UUID {
	u, err := object.ParseUUID(s)
	if err != nil {
		return object.NewUUID()
	}
	return u
}
