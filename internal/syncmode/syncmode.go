// Package syncmode implements the Sync-Mode State Machine (C7): validating
// transitions between off/passive/full against DJ-Link engine state, and
// wiring/unwiring the tempo-tie relationships between the two timelines, per
// spec.md §4.6.
//
// The validation-then-transition shape (reject with a domain error if
// preconditions are not met, otherwise mutate state and fire the
// subscribe/unsubscribe side effects) is grounded on
// _examples/SiwaNetwork-TimeCard-Mini/tc-sync/internal/clockselect's
// Election.Select pattern of gating a state change on source availability
// before committing to it, generalized from "pick a clock source" to "pick
// a sync relationship."
package syncmode

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"linkbridge/internal/bridgestate"
	"linkbridge/internal/djlink"
	"linkbridge/internal/protocol"
	"linkbridge/internal/tempo"
)

// ErrInvalidState is raised when a mode transition's preconditions are not
// met (spec.md §7's "Configuration misuse").
var ErrInvalidState = errors.New("invalid state")

// Sender writes one already-encoded command line to the Link daemon socket.
type Sender interface {
	Send(line string) error
}

// Machine owns the sync-mode transitions and the master-listener adapter
// injected into the DJ-Link engine.
type Machine struct {
	Atom    *bridgestate.Atom
	Engine  djlink.Engine
	Tempo   *tempo.Controller
	Aligner phaseAligner
	Sender  Sender
	Log     *logrus.Logger

	listener *masterListener
}

// phaseAligner is the subset of *align.Aligner the state machine drives
// directly, kept as an interface so tests can substitute a counting double
// (see syncmode_test.go).
type phaseAligner interface {
	AlignPioneerPhaseToAbleton() error
	BeatAtTime(timeUs int64, beatNumber int, hasBeatNumber bool) error
}

// New returns a Machine with its master-listener adapter constructed but
// not yet registered with the engine.
func New(atom *bridgestate.Atom, engine djlink.Engine, t *tempo.Controller, a phaseAligner, sender Sender, log *logrus.Logger) *Machine {
	m := &Machine{Atom: atom, Engine: engine, Tempo: t, Aligner: a, Sender: sender, Log: log}
	m.listener = &masterListener{m: m}
	return m
}

// SetSyncMode validates and applies a transition to mode (spec.md §4.6).
func (m *Machine) SetSyncMode(mode bridgestate.SyncMode) error {
	s := m.Atom.Load()
	current := s.SyncMode
	if current == mode {
		return nil // idempotent: spec.md §8 property 7
	}

	if mode != bridgestate.SyncOff {
		if m.Engine == nil || !m.Engine.IsRunning() {
			return errors.Wrap(ErrInvalidState, "DJ-Link engine is not running")
		}
	}
	if mode == bridgestate.SyncFull {
		if !m.Engine.IsSendingStatus() {
			return errors.Wrap(ErrInvalidState, "DJ-Link virtual participant is not emitting status")
		}
	}

	m.Atom.Update(func(s bridgestate.ClientState) bridgestate.ClientState {
		s.SyncMode = mode
		return s
	})

	if current == bridgestate.SyncOff && mode != bridgestate.SyncOff {
		m.Engine.AddMasterListener(m.listener)
		if err := m.syncLink(m.Engine.IsSynced()); err != nil {
			return err
		}
		if mode == bridgestate.SyncFull && m.Engine.IsTempoMaster() {
			return m.tiePioneerToAbleton()
		}
		return nil
	}

	if mode == bridgestate.SyncOff {
		m.freeAbletonFromPioneer()
		m.freePioneerFromAbleton()
	}
	return nil
}

// SyncLink reflects flag into the virtual participant's synced state, per
// spec.md §4.6 ("sync_link(flag)" external command).
func (m *Machine) SyncLink(flag bool) error { return m.syncLink(flag) }

func (m *Machine) syncLink(flag bool) error {
	m.Engine.SetSynced(flag)
	s := m.Atom.Load()
	if s.SyncMode == bridgestate.SyncOff || m.Engine.IsTempoMaster() {
		return nil
	}
	if flag {
		return m.tieAbletonToPioneer()
	}
	m.freeAbletonFromPioneer()
	return nil
}

// LinkMaster implements spec.md §4.6's "link_master(flag)" external
// command: in full mode, tie or free pioneer<->ableton accordingly.
func (m *Machine) LinkMaster(flag bool) error {
	s := m.Atom.Load()
	if s.SyncMode != bridgestate.SyncFull {
		return nil
	}
	if flag {
		return m.tiePioneerToAbleton()
	}
	m.freePioneerFromAbleton()
	return nil
}

// tieAbletonToPioneer registers the master listener and immediately pushes
// the current master tempo through it (spec.md §4.6).
func (m *Machine) tieAbletonToPioneer() error {
	m.Engine.AddMasterListener(m.listener)
	bpm := m.Engine.MasterTempo()
	if tempo.ValidTempo(bpm) {
		return m.Tempo.LockTempo(bpm)
	}
	return m.Tempo.UnlockTempo()
}

// freeAbletonFromPioneer unregisters the master listener and unlocks tempo.
func (m *Machine) freeAbletonFromPioneer() {
	m.Engine.RemoveMasterListener(m.listener)
	_ = m.Tempo.UnlockTempo()
}

// tiePioneerToAbleton is only meaningful in full mode (spec.md §4.6).
func (m *Machine) tiePioneerToAbleton() error {
	m.freeAbletonFromPioneer()
	if err := m.Aligner.AlignPioneerPhaseToAbleton(); err != nil {
		return errors.Wrap(err, "aligning pioneer phase to ableton")
	}
	s := m.Atom.Load()
	if s.LinkBPMKnown {
		m.Engine.SetTempo(s.LinkBPM)
	}
	m.Engine.BecomeTempoMaster()
	m.Engine.SetPlaying(true)

	// Handoff guard: the former master may have perturbed the tempo during
	// the handover, so force a fresh status push shortly after (spec.md
	// §4.6, scenario S6: "~1 ms later a status line on the wire").
	go func() {
		time.Sleep(time.Millisecond)
		if m.Sender == nil {
			return
		}
		if err := m.Sender.Send(protocol.EncodeStatus()); err != nil && m.Log != nil {
			m.Log.WithError(err).Warn("handoff status re-probe failed")
		}
	}()
	return nil
}

// freePioneerFromAbleton stops the virtual participant and, if still
// supposed to be synced under the current mode, re-ties ableton to pioneer.
func (m *Machine) freePioneerFromAbleton() {
	m.Engine.SetPlaying(false)
	s := m.Atom.Load()
	if (s.SyncMode == bridgestate.SyncPassive || s.SyncMode == bridgestate.SyncFull) && m.Engine.IsSynced() {
		_ = m.tieAbletonToPioneer()
	}
}

// masterListener adapts djlink.MasterListener onto the state machine, per
// spec.md §9 ("a small adapter that forwards into the engine's public
// API").
type masterListener struct {
	m *Machine
}

func (l *masterListener) MasterChanged() {
	// spec.md §4.6: "master-device-change carries no action."
}

func (l *masterListener) TempoChanged(bpm float64) {
	if tempo.ValidTempo(bpm) {
		_ = l.m.Tempo.LockTempo(bpm)
	} else {
		_ = l.m.Tempo.UnlockTempo()
	}
}

func (l *masterListener) NewBeat(b djlink.Beat) {
	if !b.IsTempoMaster || l.m.Engine == nil || !l.m.Engine.IsRunning() {
		return
	}
	s := l.m.Atom.Load()
	timeUs := b.TimestampNs / 1000
	if s.BarAlign {
		_ = l.m.Aligner.BeatAtTime(timeUs, b.BeatWithinBar, true)
	} else {
		_ = l.m.Aligner.BeatAtTime(timeUs, 0, false)
	}
}
