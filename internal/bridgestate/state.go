// Package bridgestate holds the single process-wide record shared by every
// component of the tempo/phase bridge: connection handle, last-known Link
// tempo and peer count, outstanding probe correlators, sync mode and target
// tempo. It is updated exclusively through compare-and-swap, mirroring the
// teacher daemon's single *State guarded by one mutex (mpdgolinger.go's
// `state = &State{...}` and its `state.mu`-guarded mutators) — generalized
// here to a lock-free atom because spec.md §5 calls for CAS-updated
// snapshots rather than a held lock.
package bridgestate

import (
	"sync/atomic"
)

// SyncMode is the sync-mode state machine's current mode (C7).
type SyncMode int

const (
	SyncOff SyncMode = iota
	SyncPassive
	SyncFull
)

func (m SyncMode) String() string {
	switch m {
	case SyncOff:
		return "off"
	case SyncPassive:
		return "passive"
	case SyncFull:
		return "full"
	default:
		return "unknown"
	}
}

// Connection is present iff the bridge currently owns a live socket to the
// Link daemon.
type Connection struct {
	RunID int64
}

// BeatProbe correlates an outstanding `beat-at-time` query with its
// eventual response, by the microsecond timestamp sent in the request.
type BeatProbe struct {
	WhenUs     int64
	BeatNumber int
	HasBeat    bool
}

// PlaybackSnapshot is the subset of the DJ-Link engine's playback position
// the aligner needs to remember at the moment a phase probe was sent.
type PlaybackSnapshot struct {
	BeatPhase      float64
	BarPhase       float64
	BeatIntervalMs float64
	BarIntervalMs  float64
}

// PhaseProbe correlates an outstanding `phase-at-time` query with the
// DJ-Link snapshot captured when it was issued.
type PhaseProbe struct {
	WhenUs   int64
	Snapshot PlaybackSnapshot
}

// ClientState is the single coherent record described in spec.md §3.
// Every field is read-only once a *ClientState is published; mutation means
// building a new value and swapping it in via Atom.Update.
type ClientState struct {
	Port      int
	LatencyMs int
	SyncMode  SyncMode
	BarAlign  bool

	Connected  bool
	Connection Connection
	LastRunID  int64

	LinkBPMKnown   bool
	LinkBPM        float64
	LinkPeersKnown bool
	LinkPeers      int

	TargetBPMSet bool
	TargetBPM    float64

	BeatProbeSet bool
	BeatProbe    BeatProbe

	PhaseProbeSet bool
	PhaseProbe    PhaseProbe
}

// Defaults match spec.md §6: port 17000, latency 1 ms, bar_align false,
// sync_mode off.
func Defaults() ClientState {
	return ClientState{
		Port:      17000,
		LatencyMs: 1,
		SyncMode:  SyncOff,
		BarAlign:  false,
	}
}

// Atom is the process-wide CAS cell holding the current ClientState, the
// generalization of the teacher's `state = &State{...}` singleton.
type Atom struct {
	v atomic.Pointer[ClientState]
}

// NewAtom seeds the atom with the given initial state.
func NewAtom(initial ClientState) *Atom {
	a := &Atom{}
	a.v.Store(&initial)
	return a
}

// Load returns the current snapshot. Safe to call from any goroutine.
func (a *Atom) Load() ClientState {
	return *a.v.Load()
}

// Update atomically applies fn to the current snapshot and retries on
// contention, returning the snapshot that was finally installed. fn must be
// a pure function of its input; it may be called more than once.
func (a *Atom) Update(fn func(ClientState) ClientState) ClientState {
	for {
		old := a.v.Load()
		next := fn(*old)
		if a.v.CompareAndSwap(old, &next) {
			return next
		}
	}
}

// View is the subset of ClientState exposed to status listeners and the
// public engine API (spec.md §4.7 and §6, "the public state view").
type View struct {
	Port           int
	LatencyMs      int
	SyncMode       SyncMode
	BarAlign       bool
	Running        bool
	LinkBPM        float64
	LinkBPMKnown   bool
	LinkPeers      int
	LinkPeersKnown bool
	TargetBPM      float64
	TargetBPMSet   bool
}

// Snapshot projects a ClientState into its public View.
func Snapshot(s ClientState) View {
	return View{
		Port:           s.Port,
		LatencyMs:      s.LatencyMs,
		SyncMode:       s.SyncMode,
		BarAlign:       s.BarAlign,
		Running:        s.Connected,
		LinkBPM:        s.LinkBPM,
		LinkBPMKnown:   s.LinkBPMKnown,
		LinkPeers:      s.LinkPeers,
		LinkPeersKnown: s.LinkPeersKnown,
		TargetBPM:      s.TargetBPM,
		TargetBPMSet:   s.TargetBPMSet,
	}
}
