// Package tempo implements the Tempo Controller (C5): keeping the Link
// session and the DJ-Link virtual participant at the same tempo, either by
// pushing a locked target tempo into Link or by pulling Link's own tempo
// into the virtual participant when it is the DJ-Link tempo master.
//
// The push/pull branching and the "only resend if the delta exceeds a small
// epsilon" guard are grounded on the teacher's setRandom/mpdPlayPause style
// in mpdgolinger.go: small idempotent setters that compare against the
// currently-known state before issuing a command, so repeated calls with
// the same value are free.
package tempo

import (
	"math"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"linkbridge/internal/bridgestate"
	"linkbridge/internal/djlink"
	"linkbridge/internal/listeners"
	"linkbridge/internal/protocol"
)

// ErrInvalidArgument is raised when a caller supplies a tempo outside the
// valid range (spec.md §7's "Configuration misuse").
var ErrInvalidArgument = errors.New("invalid argument")

// Sender writes one already-encoded command line to the Link daemon socket.
type Sender interface {
	Send(line string) error
}

// ValidTempo implements spec.md §4.4's strict predicate: 20.0 < bpm < 999.0.
func ValidTempo(bpm float64) bool {
	return bpm > 20.0 && bpm < 999.0
}

// Controller wires the tempo push/pull logic to a shared atom, the DJ-Link
// engine, a daemon sender and the status listener registry.
type Controller struct {
	Atom   *bridgestate.Atom
	Engine djlink.Engine
	Sender Sender
	Status *listeners.Registries
	Log    *logrus.Logger
}

// LockTempo validates bpm, stores it as target_bpm, notifies status
// listeners, and runs the controller (spec.md §4.4).
func (c *Controller) LockTempo(bpm float64) error {
	if !ValidTempo(bpm) {
		return errors.Wrapf(ErrInvalidArgument, "tempo %v out of range (20, 999)", bpm)
	}
	c.Atom.Update(func(s bridgestate.ClientState) bridgestate.ClientState {
		s.TargetBPMSet = true
		s.TargetBPM = bpm
		return s
	})
	c.notifyStatus()
	return c.Run()
}

// UnlockTempo clears target_bpm and notifies status listeners (spec.md §4.4).
func (c *Controller) UnlockTempo() error {
	c.Atom.Update(func(s bridgestate.ClientState) bridgestate.ClientState {
		s.TargetBPMSet = false
		s.TargetBPM = 0
		return s
	})
	c.notifyStatus()
	return nil
}

// SetLinkTempo sends `bpm <bpm>` iff it differs from the last-known Link
// tempo by more than 0.005 (spec.md §4.4).
func (c *Controller) SetLinkTempo(bpm float64) error {
	s := c.Atom.Load()
	if s.LinkBPMKnown && math.Abs(bpm-s.LinkBPM) <= 0.005 {
		return nil
	}
	return c.send(protocol.EncodeBPM(bpm))
}

// Run is invoked after every status message and after LockTempo/UnlockTempo
// (spec.md §4.4): if target_bpm is set and diverges from link_bpm by more
// than 1e-5, push it; otherwise, if the virtual participant is tempo master
// and link_bpm is known and positive, pull link_bpm into it.
func (c *Controller) Run() error {
	s := c.Atom.Load()
	if s.TargetBPMSet {
		if !s.LinkBPMKnown || math.Abs(s.LinkBPM-s.TargetBPM) > 1e-5 {
			return c.send(protocol.EncodeBPM(s.TargetBPM))
		}
		return nil
	}
	if c.Engine != nil && c.Engine.IsTempoMaster() && s.LinkBPMKnown && s.LinkBPM > 0 {
		c.Engine.SetTempo(s.LinkBPM)
	}
	return nil
}

func (c *Controller) send(line string) error {
	if c.Sender == nil {
		return errors.New("tempo controller: no sender configured")
	}
	if err := c.Sender.Send(line); err != nil {
		return errors.Wrap(err, "sending tempo command")
	}
	return nil
}

func (c *Controller) notifyStatus() {
	if c.Status == nil {
		return
	}
	s := c.Atom.Load()
	v := bridgestate.Snapshot(s)
	c.Status.NotifyStatus(c.Log, listeners.StatusView{
		Port:           v.Port,
		LatencyMs:      v.LatencyMs,
		SyncMode:       v.SyncMode.String(),
		BarAlign:       v.BarAlign,
		Running:        v.Running,
		LinkBPM:        v.LinkBPM,
		LinkBPMKnown:   v.LinkBPMKnown,
		LinkPeers:      v.LinkPeers,
		LinkPeersKnown: v.LinkPeersKnown,
		TargetBPM:      v.TargetBPM,
		TargetBPMSet:   v.TargetBPMSet,
	})
}
