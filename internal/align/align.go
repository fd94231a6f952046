// Package align implements the Beat/Phase Aligner (C6): on each beat probe
// response and each phase probe response, decide whether and how much to
// nudge the Link timeline (beats) or the DJ-Link virtual participant
// (phase) to keep the two clock domains on a shared grid, per spec.md §4.5.
//
// The probe/response correlation-by-timestamp style is grounded on the
// teacher's MPDtags/tryParsedLookup request-then-match-the-reply pattern in
// mpdgolinger.go; the actual beat/bar-rotation and phase-safety arithmetic
// has no teacher analog and is taken directly from spec.md §4.5 and its
// worked boundary cases in §8.
package align

import (
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"linkbridge/internal/bridgestate"
	"linkbridge/internal/djlink"
	"linkbridge/internal/protocol"
)

// beatSkewThreshold is just above expected packet jitter (spec.md §4.5):
// 1/60 beat, compared strictly.
const beatSkewThreshold = 1.0 / 60.0

// Sender writes one already-encoded command line to the Link daemon socket.
type Sender interface {
	Send(line string) error
}

// Aligner ties the shared state, the DJ-Link engine and the daemon sender
// together to implement beat and phase alignment.
type Aligner struct {
	Atom   *bridgestate.Atom
	Engine djlink.Engine
	Sender Sender
	Log    *logrus.Logger

	// NowMicros returns the current monotonic time in microseconds; a field
	// so tests can inject a fake clock. Defaults to a real clock if nil at
	// construction time via New.
	NowMicros func() int64
}

// New returns an Aligner. When nowMicros is nil, NowMicros is wired to the
// system clock in microseconds.
func New(atom *bridgestate.Atom, engine djlink.Engine, sender Sender, log *logrus.Logger, nowMicros func() int64) *Aligner {
	if nowMicros == nil {
		nowMicros = func() int64 { return time.Now().UnixMicro() }
	}
	return &Aligner{Atom: atom, Engine: engine, Sender: sender, Log: log, NowMicros: nowMicros}
}

// BeatAtTime issues a `beat-at-time` probe for timeUs, adjusted for the
// configured latency, optionally correlated with a bar position via
// beatNumber (spec.md §4.5 "Beat probe").
func (a *Aligner) BeatAtTime(timeUs int64, beatNumber int, hasBeatNumber bool) error {
	s := a.Atom.Load()
	adjusted := timeUs - int64(s.LatencyMs)*1000

	a.Atom.Update(func(s bridgestate.ClientState) bridgestate.ClientState {
		s.BeatProbeSet = true
		s.BeatProbe = bridgestate.BeatProbe{WhenUs: adjusted, BeatNumber: beatNumber, HasBeat: hasBeatNumber}
		return s
	})
	return a.send(protocol.EncodeBeatAtTime(adjusted))
}

// HandleBeatResponse processes a decoded `beat-at-time {beat, when}` event
// (spec.md §4.5 "Beat response").
func (a *Aligner) HandleBeatResponse(beat float64, when int64) error {
	s := a.Atom.Load()

	raw := int64(math.Round(beat))
	skew := beat - float64(raw)

	var candidate int64
	matched := s.BeatProbeSet && s.BeatProbe.WhenUs == when && s.BeatProbe.HasBeat
	if matched {
		barSkew := int64(s.BeatProbe.BeatNumber-1) - mod4(raw)
		if barSkew <= -2 {
			barSkew += 4
		}
		candidate = raw + barSkew
	} else {
		candidate = raw
	}
	if candidate < 0 {
		candidate += 4
	}
	targetBeat := candidate

	if math.Abs(skew) > beatSkewThreshold || targetBeat != raw {
		return a.send(protocol.EncodeForceBeatAtTime(targetBeat, when))
	}
	return nil
}

// mod4 is beat mod 4 with a non-negative result, matching "raw mod 4" used
// against a beat-within-bar index in [0,3].
func mod4(raw int64) int64 {
	m := raw % 4
	if m < 0 {
		m += 4
	}
	return m
}

// AlignPioneerPhaseToAbleton issues a `phase-at-time` probe, capturing the
// current DJ-Link playback-position snapshot to compare against the
// response (spec.md §4.5 "Phase probe").
func (a *Aligner) AlignPioneerPhaseToAbleton() error {
	if a.Engine == nil {
		return nil
	}
	s := a.Atom.Load()
	nowUs := a.NowMicros() + int64(s.LatencyMs)*1000
	pos := a.Engine.PlaybackPositionNow()
	snap := bridgestate.PlaybackSnapshot{
		BeatPhase:      pos.BeatPhase(),
		BarPhase:       pos.BarPhase(),
		BeatIntervalMs: pos.BeatIntervalMs(),
		BarIntervalMs:  pos.BarIntervalMs(),
	}

	a.Atom.Update(func(s bridgestate.ClientState) bridgestate.ClientState {
		s.PhaseProbeSet = true
		s.PhaseProbe = bridgestate.PhaseProbe{WhenUs: nowUs, Snapshot: snap}
		return s
	})
	return a.send(protocol.EncodePhaseAtTime(nowUs))
}

// HandlePhaseResponse processes a decoded `phase-at-time {phase, when}`
// event (spec.md §4.5 "Phase response"). Stale responses (when mismatch)
// are silently dropped, per spec.md §7.
func (a *Aligner) HandlePhaseResponse(phase float64, when int64) {
	s := a.Atom.Load()
	if !s.PhaseProbeSet || s.PhaseProbe.WhenUs != when {
		if a.Log != nil {
			a.Log.WithFields(logrus.Fields{"when": when}).Warn("dropping stale phase-at-time response")
		}
		return
	}
	if a.Engine == nil {
		return
	}
	snap := s.PhaseProbe.Snapshot
	barAlign := s.BarAlign

	var desired, actual, interval float64
	if barAlign {
		desired = phase / 4.0
		actual = snap.BarPhase
		interval = snap.BarIntervalMs
	} else {
		desired = phase - math.Floor(phase)
		actual = snap.BeatPhase
		interval = snap.BeatIntervalMs
	}
	delta := a.Engine.ClosestDelta(desired - actual)
	msDelta := int64(math.Floor(delta * interval))

	if msDelta == 0 {
		return
	}

	beatPhaseNow := a.Engine.PlaybackPositionNow().BeatPhase()
	beatDelta := delta
	if barAlign {
		beatDelta = delta * 4.0
	}
	if beatDelta > 0 {
		beatDelta += 0.1
	}

	sameBeat := math.Floor(beatPhaseNow+beatDelta) == 0
	clearlyAudible := math.Abs(beatDelta) > 0.2

	if sameBeat || clearlyAudible {
		a.Engine.AdjustPlaybackPosition(msDelta)
	}
}

func (a *Aligner) send(line string) error {
	if a.Sender == nil {
		return nil
	}
	return a.Sender.Send(line)
}
