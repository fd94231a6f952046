package carabiner

import (
	"net"
	"testing"
	"time"

	"linkbridge/internal/bridgestate"
	"linkbridge/internal/listeners"
	"linkbridge/internal/protocol"
)

func TestConnectFailsWhenDaemonIsUnreachable(t *testing.T) {
	// A freshly-closed listener's port is refused immediately.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	atom := bridgestate.NewAtom(bridgestate.Defaults())
	atom.Update(func(s bridgestate.ClientState) bridgestate.ClientState { s.Port = port; return s })
	c := &Client{Atom: atom}

	var gotMsg string
	ok := c.Connect(func(msg string) { gotMsg = msg })
	if ok {
		t.Fatalf("expected Connect to fail against a closed port")
	}
	if gotMsg == "" {
		t.Fatalf("expected failure_fn to be invoked with a message")
	}
	if atom.Load().Connected {
		t.Fatalf("state must not report Connected after a failed dial")
	}
}

func TestConnectPublishesConnectionAndIsIdempotentWhileConnected(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	atom := bridgestate.NewAtom(bridgestate.Defaults())
	atom.Update(func(s bridgestate.ClientState) bridgestate.ClientState { s.Port = port; return s })
	c := &Client{Atom: atom, Listen: listeners.New()}

	if ok := c.Connect(nil); !ok {
		t.Fatalf("expected Connect to succeed")
	}

	select {
	case conn := <-accepted:
		defer conn.Close()
	case <-time.After(time.Second):
		t.Fatalf("daemon never observed an incoming connection")
	}

	s := atom.Load()
	if !s.Connected {
		t.Fatalf("expected Connected=true after a successful dial")
	}
	firstRunID := s.Connection.RunID
	if firstRunID == 0 {
		t.Fatalf("expected a nonzero run_id to be assigned")
	}

	// spec.md §4.2: connect() on an already-connected client is a no-op.
	if ok := c.Connect(nil); !ok {
		t.Fatalf("expected the idempotent re-Connect to report success")
	}
	if atom.Load().Connection.RunID != firstRunID {
		t.Fatalf("expected run_id to be unchanged by a no-op reconnect")
	}

	c.Disconnect()
	if atom.Load().Connected {
		t.Fatalf("expected Connected=false immediately after Disconnect")
	}
}

func TestSendWithoutConnectionReturnsError(t *testing.T) {
	c := &Client{Atom: bridgestate.NewAtom(bridgestate.Defaults())}
	if err := c.Send(protocol.EncodeVersion()); err == nil {
		t.Fatalf("expected Send to fail with no connection")
	}
}

func TestSendWritesLFTerminatedLine(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	c := &Client{Atom: bridgestate.NewAtom(bridgestate.Defaults())}
	c.setConn(client)

	done := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := server.Read(buf)
		done <- string(buf[:n])
	}()

	if err := c.Send("version"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-done:
		if got != "version\n" {
			t.Fatalf("expected LF-terminated line, got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for write")
	}
}

func TestDispatchStatusUpdatesStateAndFiresHandler(t *testing.T) {
	atom := bridgestate.NewAtom(bridgestate.Defaults())
	var gotBPM float64
	var gotPeers int
	c := &Client{
		Atom: atom,
		Handlers: EventHandlers{
			OnStatus: func(bpm float64, peers int) { gotBPM = bpm; gotPeers = peers },
		},
	}
	c.dispatch(protocol.Event{Kind: protocol.EventStatus, BPM: 126.3, Peers: 4})

	s := atom.Load()
	if !s.LinkBPMKnown || s.LinkBPM != 126.3 || !s.LinkPeersKnown || s.LinkPeers != 4 {
		t.Fatalf("unexpected state after status dispatch: %+v", s)
	}
	if gotBPM != 126.3 || gotPeers != 4 {
		t.Fatalf("expected OnStatus handler to fire with the decoded fields")
	}
}

func TestWatchdogDisconnectsWhenNoStatusArrives(t *testing.T) {
	atom := bridgestate.NewAtom(bridgestate.Defaults())
	runID := atom.Update(func(s bridgestate.ClientState) bridgestate.ClientState {
		s.Connected = true
		s.LastRunID = 1
		s.Connection = bridgestate.Connection{RunID: 1}
		return s
	}).Connection.RunID

	c := &Client{Atom: atom}
	var gotMsg string
	c.watchdog(runID, func(msg string) { gotMsg = msg })

	if gotMsg == "" {
		t.Fatalf("expected the watchdog to report a failure when status never arrived")
	}
	if atom.Load().Connected {
		t.Fatalf("expected the watchdog to disconnect on a missing status")
	}
}

func TestWatchdogIsNoopAfterStaleRunID(t *testing.T) {
	atom := bridgestate.NewAtom(bridgestate.Defaults())
	atom.Update(func(s bridgestate.ClientState) bridgestate.ClientState {
		s.Connected = true
		s.Connection = bridgestate.Connection{RunID: 2}
		return s
	})
	c := &Client{Atom: atom}
	called := false
	c.watchdog(1, func(string) { called = true })
	if called {
		t.Fatalf("expected a stale run_id to make the watchdog a no-op")
	}
}
