package syncmode

import (
	"sync"
	"testing"
	"time"

	"linkbridge/internal/bridgestate"
	"linkbridge/internal/djlink"
	"linkbridge/internal/tempo"
)

// recordingSender is shared between the synchronous SetSyncMode call and
// the asynchronous handoff-status goroutine, so it guards its lines with a
// mutex rather than the bare slice internal/tempo and internal/align's test
// doubles use for single-goroutine access.
type recordingSender struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingSender) Send(line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	return nil
}

func (r *recordingSender) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

type countingAligner struct {
	alignCalls int
	beatCalls  int
}

func (c *countingAligner) AlignPioneerPhaseToAbleton() error { c.alignCalls++; return nil }
func (c *countingAligner) BeatAtTime(int64, int, bool) error { c.beatCalls++; return nil }

func newMachine(t *testing.T) (*Machine, *bridgestate.Atom, *djlink.FakeEngine, *countingAligner, *recordingSender) {
	t.Helper()
	atom := bridgestate.NewAtom(bridgestate.Defaults())
	eng := djlink.NewFakeEngine()
	sender := &recordingSender{}
	tc := &tempo.Controller{Atom: atom, Engine: eng, Sender: sender}
	al := &countingAligner{}
	m := New(atom, eng, tc, al, sender, nil)
	return m, atom, eng, al, sender
}

func TestSetSyncModeRejectsWhenEngineNotRunning(t *testing.T) {
	m, _, eng, _, _ := newMachine(t)
	eng.SetRunning(false)
	if err := m.SetSyncMode(bridgestate.SyncPassive); err == nil {
		t.Fatalf("expected rejection when DJ-Link engine is not running")
	}
}

func TestSetSyncModeFullRequiresSendingStatus(t *testing.T) {
	m, _, eng, _, _ := newMachine(t)
	eng.SetRunning(true)
	eng.SetSendingStatus(false)
	if err := m.SetSyncMode(bridgestate.SyncFull); err == nil {
		t.Fatalf("expected rejection when virtual participant is not emitting status")
	}
}

// TestSetSyncModeIdempotent covers spec.md §8 round-trip property 7:
// set_sync_mode(m); set_sync_mode(m) is equivalent to set_sync_mode(m) alone.
func TestSetSyncModeIdempotent(t *testing.T) {
	m, atom, eng, _, _ := newMachine(t)
	eng.SetRunning(true)

	if err := m.SetSyncMode(bridgestate.SyncPassive); err != nil {
		t.Fatalf("first SetSyncMode: %v", err)
	}
	listenersAfterFirst := len(eng.Listeners())

	if err := m.SetSyncMode(bridgestate.SyncPassive); err != nil {
		t.Fatalf("second SetSyncMode: %v", err)
	}
	listenersAfterSecond := len(eng.Listeners())

	if listenersAfterFirst != listenersAfterSecond {
		t.Fatalf("expected no extra master-listener registrations, got %d then %d", listenersAfterFirst, listenersAfterSecond)
	}
	if atom.Load().SyncMode != bridgestate.SyncPassive {
		t.Fatalf("expected mode to remain passive")
	}
}

func TestSetSyncModeFullTiesWhenAlreadyTempoMaster(t *testing.T) {
	m, _, eng, al, _ := newMachine(t)
	eng.SetRunning(true)
	eng.SetSendingStatus(true)
	eng.BecomeTempoMaster()

	if err := m.SetSyncMode(bridgestate.SyncFull); err != nil {
		t.Fatalf("SetSyncMode(full): %v", err)
	}
	if al.alignCalls != 1 {
		t.Fatalf("expected tie_pioneer_to_ableton to align phase once, got %d calls", al.alignCalls)
	}
	if len(eng.PlayingSets) == 0 || !eng.PlayingSets[len(eng.PlayingSets)-1] {
		t.Fatalf("expected virtual participant to be set playing, got %v", eng.PlayingSets)
	}
}

// TestTiePioneerToAbletonSendsHandoffStatus covers spec.md §4.6/§8 scenario
// S6: ~1 ms after tie_pioneer_to_ableton, a status line must go out on the
// wire so the new master's tempo is re-confirmed after the handover.
func TestTiePioneerToAbletonSendsHandoffStatus(t *testing.T) {
	m, _, eng, _, sender := newMachine(t)
	eng.SetRunning(true)
	eng.SetSendingStatus(true)
	eng.BecomeTempoMaster()

	if err := m.SetSyncMode(bridgestate.SyncFull); err != nil {
		t.Fatalf("SetSyncMode(full): %v", err)
	}

	deadline := time.After(time.Second)
	for {
		found := false
		for _, line := range sender.Lines() {
			if line == "status" {
				found = true
			}
		}
		if found {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected a status line on the wire within 1s of the handoff, got %v", sender.Lines())
		case <-time.After(time.Millisecond):
		}
	}
}

func TestSetSyncModeOffFreesBothDirections(t *testing.T) {
	m, _, eng, _, _ := newMachine(t)
	eng.SetRunning(true)
	if err := m.SetSyncMode(bridgestate.SyncPassive); err != nil {
		t.Fatalf("SetSyncMode(passive): %v", err)
	}
	if err := m.SetSyncMode(bridgestate.SyncOff); err != nil {
		t.Fatalf("SetSyncMode(off): %v", err)
	}
	if len(eng.Listeners()) != 0 {
		t.Fatalf("expected master listener to be unregistered on entering off")
	}
	if len(eng.PlayingSets) == 0 || eng.PlayingSets[len(eng.PlayingSets)-1] {
		t.Fatalf("expected virtual participant to be set not-playing on entering off, got %v", eng.PlayingSets)
	}
}

func TestMasterListenerNewBeatOnlyWhenTempoMaster(t *testing.T) {
	m, _, eng, al, _ := newMachine(t)
	eng.SetRunning(true)
	eng.SetSynced(true)
	if err := m.SetSyncMode(bridgestate.SyncPassive); err != nil {
		t.Fatalf("SetSyncMode(passive): %v", err)
	}
	ls := eng.Listeners()
	if len(ls) != 1 {
		t.Fatalf("expected exactly one registered master listener, got %d", len(ls))
	}
	ls[0].NewBeat(djlink.Beat{TimestampNs: 1_000_000_000, BeatWithinBar: 2, IsTempoMaster: false})
	if al.beatCalls != 0 {
		t.Fatalf("expected no beat_at_time call for a non-master beat packet")
	}
	ls[0].NewBeat(djlink.Beat{TimestampNs: 1_000_000_000, BeatWithinBar: 2, IsTempoMaster: true})
	if al.beatCalls != 1 {
		t.Fatalf("expected one beat_at_time call for a master beat packet")
	}
}
