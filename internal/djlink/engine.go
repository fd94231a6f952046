// Package djlink describes the external collaborator named "DJ-Link engine"
// in spec.md §6: the component (out of scope for this repository) that
// discovers a Pioneer Pro DJ Link network, becomes a virtual participant on
// it, and exposes master-tempo announcements, beat packets and a playback
// position clock. This package only carries the interfaces the core engine
// consumes — no discovery, no packet decoding.
//
// The interface shape is grounded on other_examples/DatanoiseTV-abletonlink-go's
// Ableton Link wrapper (CaptureAppSessionState/BeatAtTime/SetTempo/
// ForceBeatAtTime/SetIsPlaying/SetNumPeersCallback naming), adapted from
// "talks to Ableton Link" to "talks to a DJ-Link virtual participant" since
// that is the side of the bridge this repository's core actually drives.
package djlink

// PlaybackPosition is an immutable snapshot (or live view) of the virtual
// participant's position on the DJ-Link timeline.
type PlaybackPosition interface {
	BeatPhase() float64
	BarPhase() float64
	BeatIntervalMs() float64
	BarIntervalMs() float64
}

// Beat is one beat packet observed on the DJ-Link network.
type Beat struct {
	TimestampNs   int64
	BeatWithinBar int
	IsTempoMaster bool
}

// MasterListener is the three-method interface spec.md §9 calls out as
// "an interface-satisfying object injected into the DJ-Link engine." C7
// implements it with a small adapter that forwards into the engine's public
// API (see internal/syncmode).
type MasterListener interface {
	MasterChanged()
	TempoChanged(bpm float64)
	NewBeat(b Beat)
}

// Engine is the DJ-Link engine surface the core consumes, per spec.md §6.
type Engine interface {
	IsRunning() bool
	IsSendingStatus() bool
	IsTempoMaster() bool
	IsSynced() bool

	SetSynced(bool)
	SetTempo(bpm float64)
	SetPlaying(bool)
	BecomeTempoMaster()

	PlaybackPositionNow() PlaybackPosition
	AdjustPlaybackPosition(msDelta int64)

	AddMasterListener(MasterListener)
	RemoveMasterListener(MasterListener)

	MasterTempo() float64

	// ClosestDelta maps x to the shortest signed representative of x modulo
	// 1, in [-0.5, 0.5) — spec.md §6's "closest delta" utility.
	ClosestDelta(x float64) float64
}
