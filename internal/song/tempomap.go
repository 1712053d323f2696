package song

// TempoMapItem is one tempo-map breakpoint: a tempo
// change taking effect at a given PPQN/sample position.
type TempoMapItem struct {
	TimePPQN     int64
	TimeSamples  int64
	Tempo        float64
	TimesigNum   int
	TimesigDenom int
}

// TempoMap is a strictly-increasing-in-both-axes sequence of breakpoints.
// items[0] is always {0,0,initialTempo}.
type TempoMap struct {
	items      []TempoMapItem
	ppqnFactor int
	sampleRate float64
	pos        int // traversal cursor cache for the monotone render path
}

// NewTempoMap builds a map with a single initial breakpoint.
func NewTempoMap(sampleRate float64, ppqnFactor int, initialTempo float64, num, denom int) *TempoMap {
	return &TempoMap{
		items: []TempoMapItem{{
			TimePPQN: 0, TimeSamples: 0, Tempo: initialTempo, TimesigNum: num, TimesigDenom: denom,
		}},
		ppqnFactor: ppqnFactor,
		sampleRate: sampleRate,
	}
}

// Items exposes the breakpoints read-only.
func (tm *TempoMap) Items() []TempoMapItem { return tm.items }

func (tm *TempoMap) samplesPerTick(tempo float64) float64 {
	return 60.0 * tm.sampleRate / (tempo * float64(tm.ppqnFactor))
}

// findItemForPPQN returns the index of the tempo-map item whose TimePPQN is
// the largest one <= ppqn. Tie-break at an exact boundary: the later tempo
// applies, which falls out naturally from "largest <=".
func (tm *TempoMap) findItemForPPQN(ppqn int64) int {
	lo, hi := 0, len(tm.items)
	for lo < hi {
		mid := (lo + hi) / 2
		if tm.items[mid].TimePPQN <= ppqn {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return 0
	}
	return lo - 1
}

// PPQNToSamples converts an absolute PPQN position to an absolute sample
// position via linear interpolation from the active tempo-map breakpoint.
func (tm *TempoMap) PPQNToSamples(ppqn int64) int64 {
	idx := tm.findItemForPPQN(ppqn)
	item := tm.items[idx]
	delta := float64(ppqn-item.TimePPQN) * tm.samplesPerTick(item.Tempo)
	return item.TimeSamples + int64(delta)
}

// findItemForSamples mirrors findItemForPPQN but keyed on TimeSamples.
func (tm *TempoMap) findItemForSamples(samples int64) int {
	lo, hi := 0, len(tm.items)
	for lo < hi {
		mid := (lo + hi) / 2
		if tm.items[mid].TimeSamples <= samples {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return 0
	}
	return lo - 1
}

// SamplesToPPQN is the inverse of PPQNToSamples.
func (tm *TempoMap) SamplesToPPQN(samples int64) int64 {
	idx := tm.findItemForSamples(samples)
	item := tm.items[idx]
	delta := float64(samples-item.TimeSamples) / tm.samplesPerTick(item.Tempo)
	return item.TimePPQN + int64(delta)
}

// TempoAt returns the tempo in effect at ppqn.
func (tm *TempoMap) TempoAt(ppqn int64) float64 {
	return tm.items[tm.findItemForPPQN(ppqn)].Tempo
}

// ResetCursor rewinds the cached monotone-traversal position to the
// breakpoint covering ppqn. Called on every explicit seek.
func (tm *TempoMap) ResetCursor(ppqn int64) {
	tm.pos = tm.findItemForPPQN(ppqn)
}

// NextBoundarySamples returns the sample position of the next tempo-map
// breakpoint after the cached cursor, advancing the cursor if the
// position passed it; the second result is false (with a zero position) if
// there is none. This is the cached
// "tempo_map_pos" traversal used by the render path to avoid a fresh binary
// search every callback.
func (tm *TempoMap) NextBoundarySamples(curSamples int64) (int64, bool) {
	for tm.pos+1 < len(tm.items) && tm.items[tm.pos+1].TimeSamples <= curSamples {
		tm.pos++
	}
	if tm.pos+1 >= len(tm.items) {
		return 0, false
	}
	return tm.items[tm.pos+1].TimeSamples, true
}

// SetTempo appends a new breakpoint at curPPQN/curSamples with the new
// tempo, matching SongPlayback.set_tempo: record the
// current PPQN position, then the new breakpoint starts exactly there.
func (tm *TempoMap) SetTempo(curPPQN, curSamples int64, newTempo float64) {
	last := tm.items[len(tm.items)-1]
	tm.items = append(tm.items, TempoMapItem{
		TimePPQN: curPPQN, TimeSamples: curSamples, Tempo: newTempo,
		TimesigNum: last.TimesigNum, TimesigDenom: last.TimesigDenom,
	})
}
