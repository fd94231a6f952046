// Package engine composes the Shared State (C1), Protocol Codec (C2),
// Connection Supervisor/Read Loop (C3/C4), Tempo Controller (C5),
// Beat/Phase Aligner (C6), Sync-Mode State Machine (C7) and Listener
// Registries (C8) into the single Public Engine API spec.md §6 describes
// for the host application.
//
// The "one struct holding every subsystem, exposing thin public methods
// that validate and then delegate" shape mirrors the teacher's top-level
// mpdgolinger.go: a package-level `state` plus free functions
// (mpdDo/setRandom/mpdPlayPause) that validate arguments before touching
// MPD — generalized here into a single *Bridge receiver instead of package
// globals, since this module is split across many packages.
package engine

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"linkbridge/internal/align"
	"linkbridge/internal/bridgestate"
	"linkbridge/internal/carabiner"
	"linkbridge/internal/djlink"
	"linkbridge/internal/listeners"
	"linkbridge/internal/protocol"
	"linkbridge/internal/syncmode"
	"linkbridge/internal/tempo"
)

// ErrInvalidState is raised for configuration misuse that depends on
// connection state, e.g. changing the port while connected (spec.md §7).
var ErrInvalidState = errors.New("invalid state")

// ErrInvalidArgument is raised for out-of-range arguments (spec.md §7). It
// is the tempo package's sentinel, so LockTempo's range error matches it
// under errors.Is.
var ErrInvalidArgument = tempo.ErrInvalidArgument

// Bridge is the public engine API exposed to the host application.
type Bridge struct {
	atom      *bridgestate.Atom
	log       *logrus.Logger
	listeners *listeners.Registries

	client  *carabiner.Client
	tempo   *tempo.Controller
	aligner *align.Aligner
	machine *syncmode.Machine

	engine djlink.Engine
}

// Options configures a new Bridge.
type Options struct {
	DJLink djlink.Engine
	Log    *logrus.Logger
	// NowMicros is injectable for tests; defaults to time.Now-derived
	// microseconds.
	NowMicros func() int64
}

// New constructs a Bridge wired to defaults (port 17000, latency 1ms,
// bar_align false, sync_mode off), per spec.md §6.
func New(opts Options) *Bridge {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	now := opts.NowMicros
	if now == nil {
		now = func() int64 { return time.Now().UnixMicro() }
	}

	atom := bridgestate.NewAtom(bridgestate.Defaults())
	reg := listeners.New()

	client := &carabiner.Client{Atom: atom, Log: log, Listen: reg}
	tctl := &tempo.Controller{Atom: atom, Engine: opts.DJLink, Sender: client, Status: reg, Log: log}
	aligner := align.New(atom, opts.DJLink, client, log, now)
	machine := syncmode.New(atom, opts.DJLink, tctl, aligner, client, log)

	client.Handlers = carabiner.EventHandlers{
		OnStatus: func(bpm float64, peers int) {
			_ = tctl.Run()
			reg.NotifyStatus(log, snapshotView(atom))
		},
		OnBeatResponse: func(beat float64, when int64) {
			if err := aligner.HandleBeatResponse(beat, when); err != nil {
				log.WithError(err).Warn("beat response handling failed")
			}
		},
		OnPhaseResponse: func(phase float64, when int64) {
			aligner.HandlePhaseResponse(phase, when)
		},
		OnVersion: func(v string) {
			if v == "1.1.0" {
				reg.NotifyVersion(log, "Link daemon version "+v+" confirmed")
			} else {
				reg.NotifyVersion(log, "Link daemon reported unsupported version: "+v)
			}
		},
		OnUnsupported: func(symbol string) {
			log.WithField("symbol", symbol).Warn("unsupported Link daemon message")
		},
	}

	return &Bridge{
		atom:      atom,
		log:       log,
		listeners: reg,
		client:    client,
		tempo:     tctl,
		aligner:   aligner,
		machine:   machine,
		engine:    opts.DJLink,
	}
}

func snapshotView(atom *bridgestate.Atom) listeners.StatusView {
	v := bridgestate.Snapshot(atom.Load())
	return listeners.StatusView{
		Port: v.Port, LatencyMs: v.LatencyMs, SyncMode: v.SyncMode.String(), BarAlign: v.BarAlign,
		Running: v.Running, LinkBPM: v.LinkBPM, LinkBPMKnown: v.LinkBPMKnown,
		LinkPeers: v.LinkPeers, LinkPeersKnown: v.LinkPeersKnown,
		TargetBPM: v.TargetBPM, TargetBPMSet: v.TargetBPMSet,
	}
}

// --- Introspection ---

// State returns the current public state view (spec.md §6 "state()").
func (b *Bridge) State() bridgestate.View { return bridgestate.Snapshot(b.atom.Load()) }

// Active reports whether the bridge currently owns a live connection
// (spec.md §6 "active?").
func (b *Bridge) Active() bool { return b.atom.Load().Connected }

// SyncEnabled reports whether sync_mode is not off (spec.md §6 "sync_enabled?").
func (b *Bridge) SyncEnabled() bool { return b.atom.Load().SyncMode != bridgestate.SyncOff }

// ValidTempo reports spec.md §4.4's strict tempo predicate.
func (b *Bridge) ValidTempo(bpm float64) bool { return tempo.ValidTempo(bpm) }

// --- Configuration (pre-connect where applicable) ---

// SetCarabinerPort sets the Link daemon TCP port; rejected while connected
// (spec.md §6).
func (b *Bridge) SetCarabinerPort(port int) error {
	if b.Active() {
		return errors.Wrap(ErrInvalidState, "cannot change port while connected")
	}
	b.atom.Update(func(s bridgestate.ClientState) bridgestate.ClientState {
		s.Port = port
		return s
	})
	return nil
}

// SetLatency sets the estimated beat-packet latency in milliseconds.
func (b *Bridge) SetLatency(ms int) error {
	b.atom.Update(func(s bridgestate.ClientState) bridgestate.ClientState {
		s.LatencyMs = ms
		return s
	})
	return nil
}

// SetSyncBars sets bar_align.
func (b *Bridge) SetSyncBars(on bool) error {
	b.atom.Update(func(s bridgestate.ClientState) bridgestate.ClientState {
		s.BarAlign = on
		return s
	})
	return nil
}

// --- Lifecycle ---

// Connect implements spec.md §6 "connect(failure_fn)".
func (b *Bridge) Connect(failFn func(msg string)) bool {
	return b.client.Connect(carabiner.FailureFunc(failFn))
}

// Disconnect implements spec.md §6 "disconnect()".
func (b *Bridge) Disconnect() { b.client.Disconnect() }

// --- Sync control ---

func (b *Bridge) SetSyncMode(mode bridgestate.SyncMode) error { return b.machine.SetSyncMode(mode) }
func (b *Bridge) SyncLink(flag bool) error                    { return b.machine.SyncLink(flag) }
func (b *Bridge) LinkMaster(flag bool) error                  { return b.machine.LinkMaster(flag) }

// --- Tempo control ---

func (b *Bridge) LockTempo(bpm float64) error    { return b.tempo.LockTempo(bpm) }
func (b *Bridge) UnlockTempo() error             { return b.tempo.UnlockTempo() }
func (b *Bridge) SetLinkTempo(bpm float64) error { return b.tempo.SetLinkTempo(bpm) }

// --- Beat control ---

// BeatAtTime implements spec.md §6 "beat_at_time(time_us, optional beat_number)".
func (b *Bridge) BeatAtTime(timeUs int64, beatNumber int, hasBeatNumber bool) error {
	return b.aligner.BeatAtTime(timeUs, beatNumber, hasBeatNumber)
}

// StartTransport sends start-playing, defaulting timeUs to now if absent.
func (b *Bridge) StartTransport(timeUs int64, hasTime bool) error {
	if !hasTime {
		timeUs = time.Now().UnixMicro()
	}
	return b.client.Send(protocol.EncodeStartPlaying(timeUs))
}

// StopTransport sends stop-playing, defaulting timeUs to now if absent.
func (b *Bridge) StopTransport(timeUs int64, hasTime bool) error {
	if !hasTime {
		timeUs = time.Now().UnixMicro()
	}
	return b.client.Send(protocol.EncodeStopPlaying(timeUs))
}

// --- Subscriptions ---

func (b *Bridge) AddStatusListener(handle any, fn listeners.StatusFunc) any {
	return b.listeners.Status.Add(handle, fn)
}
func (b *Bridge) RemoveStatusListener(handle any) { b.listeners.Status.Remove(handle) }

func (b *Bridge) AddVersionListener(handle any, fn listeners.VersionFunc) any {
	return b.listeners.Version.Add(handle, fn)
}
func (b *Bridge) RemoveVersionListener(handle any) { b.listeners.Version.Remove(handle) }

func (b *Bridge) AddDisconnectionListener(handle any, fn listeners.DisconnectFunc) any {
	return b.listeners.Disconnection.Add(handle, fn)
}
func (b *Bridge) RemoveDisconnectionListener(handle any) { b.listeners.Disconnection.Remove(handle) }
