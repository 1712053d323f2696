// Package master holds the transport clock: sample rate, tempo, time
// signature, and the PPQN<->sample conversion used everywhere the engine
// needs to relate musical time to audio time.
package master

// TransportState is the Master's play state.
type TransportState int

const (
	// Stop: transport is idle, no Note-Offs pending.
	Stop TransportState = iota
	// Rolling: transport is advancing song position every callback.
	Rolling
	// Stopping: a stop was requested; the engine keeps rendering until all
	// stuck notes have been flushed, then transitions to Stop.
	Stopping
)

func (s TransportState) String() string {
	switch s {
	case Stop:
		return "stop"
	case Rolling:
		return "rolling"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// DefaultPPQNFactor is the common calfbox tick resolution.
const DefaultPPQNFactor = 96

// Master is the engine's shared time-base. Fields are only ever mutated
// from the RT goroutine, or swapped in as a whole replacement via rtcmd.
type Master struct {
	SampleRate     float64
	Tempo          float64 // BPM
	TimesigNum     int
	TimesigDenom   int
	PPQNFactor     int
	State          TransportState
	SongPosSamples int64
	SongPosPPQN    int64
	// PendingNewTempo, when non-nil, is applied and cleared by the next
	// SongPlayback render pass.
	PendingNewTempo *float64
}

// New returns a Master initialized to 120 BPM, 4/4, the given sample rate.
func New(sampleRate float64, ppqnFactor int) *Master {
	if ppqnFactor <= 0 {
		ppqnFactor = DefaultPPQNFactor
	}
	return &Master{
		SampleRate:   sampleRate,
		Tempo:        120,
		TimesigNum:   4,
		TimesigDenom: 4,
		PPQNFactor:   ppqnFactor,
		State:        Stop,
	}
}

// SamplesPerPPQNTick returns how many samples one PPQN tick lasts at the
// given tempo: 60 * srate / (tempo * ppqn_factor).
func (m *Master) SamplesPerPPQNTick(tempo float64) float64 {
	return 60.0 * m.SampleRate / (tempo * float64(m.PPQNFactor))
}

// PPQNToSamples converts an absolute PPQN time to an absolute sample count
// given a single fixed tempo (no tempo map). Used for pattern-local
// conversions where the tempo is already resolved by the caller.
func (m *Master) PPQNToSamples(ppqn int64) int64 {
	return int64(float64(ppqn) * m.SamplesPerPPQNTick(m.Tempo))
}

// SamplesToPPQN is the inverse of PPQNToSamples under a single fixed tempo.
func (m *Master) SamplesToPPQN(samples int64) int64 {
	spt := m.SamplesPerPPQNTick(m.Tempo)
	if spt == 0 {
		return 0
	}
	return int64(float64(samples) / spt)
}
