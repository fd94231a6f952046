// Package carabiner implements the Connection Supervisor (C3) and Read
// Loop (C4): opening and closing the TCP session to the Link daemon,
// spawning the read loop and watchdog, and publishing (dis)connection
// events, per spec.md §4.2–§4.3.
//
// The reconnect-supervisor/watchdog-goroutine/run-id-staleness shape is
// grounded on the teacher's daemonSupervisor + runIdleLoop pair in
// mpdgolinger.go: daemonSupervisor dials, spawns the idle loop, and on
// failure sleeps and retries, while the idle loop itself watches a
// `shutdown` channel to know when to stop. Here the analogous "stale task"
// signal is the run_id check spec.md §3 and §4.3 specify explicitly,
// instead of a single process-wide shutdown channel, because multiple
// connect/disconnect cycles can happen within one process lifetime.
package carabiner

import (
	"bufio"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"linkbridge/internal/bridgestate"
	"linkbridge/internal/listeners"
	"linkbridge/internal/protocol"
)

const (
	connectTimeout = 5 * time.Second
	readTimeout    = 2 * time.Second
	watchdogDelay  = 1 * time.Second
	readBufSize    = 1024
)

// FailureFunc is invoked with a human-readable message whenever connect
// fails to establish or sustain a session, per spec.md §4.2. It is never
// allowed to propagate a panic into the supervisor.
type FailureFunc func(msg string)

// EventHandlers are the callbacks the read loop dispatches decoded
// protocol events to. They live in internal/engine, which composes the
// tempo controller, aligner and listener registries.
type EventHandlers struct {
	OnStatus        func(bpm float64, peers int)
	OnBeatResponse  func(beat float64, when int64)
	OnPhaseResponse func(phase float64, when int64)
	OnVersion       func(versionString string)
	OnUnsupported   func(symbol string)
}

// Client owns the TCP session to the Link daemon.
type Client struct {
	Atom     *bridgestate.Atom
	Log      *logrus.Logger
	Handlers EventHandlers
	Listen   *listeners.Registries

	connMu sync.RWMutex
	conn   net.Conn
}

// Connect implements spec.md §4.2's `connect(failure_fn)`.
func (c *Client) Connect(failFn FailureFunc) bool {
	s := c.Atom.Load()
	if s.Connected {
		return true
	}

	addr := net.JoinHostPort("127.0.0.1", itoa(s.Port))
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		safeFail(c.Log, failFn, "Unable to connect to Link daemon: "+err.Error())
		return false
	}

	runID := c.Atom.Update(func(s bridgestate.ClientState) bridgestate.ClientState {
		s.LastRunID++
		s.Connected = true
		s.Connection = bridgestate.Connection{RunID: s.LastRunID}
		return s
	}).Connection.RunID

	c.setConn(conn)

	go c.readLoop(conn, runID)
	go c.watchdog(runID, failFn)

	return true
}

// Disconnect implements spec.md §4.2's `disconnect()`: cooperative teardown
// — clear the connection record; the read loop observes the mismatch on its
// next timeout tick and terminates and closes the socket.
func (c *Client) Disconnect() {
	c.Atom.Update(func(s bridgestate.ClientState) bridgestate.ClientState {
		s.Connected = false
		s.LinkBPMKnown = false
		s.LinkPeersKnown = false
		return s
	})
}

// Send writes one LF-terminated command line to the socket of the most
// recent successful Connect, read from the Client's mutex-guarded conn
// field. There is no write lock; each line is a single Write call.
func (c *Client) Send(line string) error {
	conn := c.getConn()
	if conn == nil {
		return errors.New("carabiner: not connected")
	}
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		return errors.Wrap(err, "writing to Link daemon")
	}
	return nil
}

func (c *Client) watchdog(runID int64, failFn FailureFunc) {
	time.Sleep(watchdogDelay)
	s := c.Atom.Load()
	if s.Connection.RunID != runID || !s.Connected {
		return // already torn down; no-op per spec.md §5.
	}
	if !s.LinkBPMKnown {
		safeFail(c.Log, failFn, "Did not receive status from Link daemon within 1s")
		c.Disconnect()
		return
	}
	_ = c.Send(protocol.EncodeVersion())
	_ = c.Send(protocol.EncodeEnableStartStopSync())
}

func (c *Client) readLoop(conn net.Conn, runID int64) {
	defer conn.Close()

	reader := bufio.NewReaderSize(conn, readBufSize)
	var pending []byte
	unexpected := false

loop:
	for {
		s := c.Atom.Load()
		if s.Connection.RunID != runID || !s.Connected {
			break loop // local shutdown, clean per spec.md §4.3.
		}

		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		buf := make([]byte, readBufSize)
		n, err := reader.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue loop
			}
			if n == 0 {
				unexpected = true
				break loop
			}
			if c.Log != nil {
				c.Log.WithError(err).Warn("carabiner read error; continuing")
			}
			continue loop
		}
		if n == 0 {
			unexpected = true
			break loop
		}

		pending = append(pending, buf[:n]...)
		events, remainder, decErr := protocol.Decode(pending)
		if decErr != nil {
			if c.Log != nil {
				c.Log.WithError(decErr).Warn("carabiner decode error")
			}
			pending = nil
			continue loop
		}
		pending = remainder
		for _, ev := range events {
			c.dispatch(ev)
		}
	}

	s := c.Atom.Load()
	if s.Connection.RunID == runID {
		c.Atom.Update(func(s bridgestate.ClientState) bridgestate.ClientState {
			if s.Connection.RunID == runID {
				s.Connected = false
				s.LinkBPMKnown = false
				s.LinkPeersKnown = false
			}
			return s
		})
	}

	if c.Listen != nil {
		c.Listen.NotifyDisconnection(c.Log, unexpected)
	}
}

func (c *Client) dispatch(ev protocol.Event) {
	switch ev.Kind {
	case protocol.EventStatus:
		c.Atom.Update(func(s bridgestate.ClientState) bridgestate.ClientState {
			s.LinkBPMKnown = true
			s.LinkBPM = ev.BPM
			s.LinkPeersKnown = true
			s.LinkPeers = ev.Peers
			return s
		})
		if c.Handlers.OnStatus != nil {
			c.Handlers.OnStatus(ev.BPM, ev.Peers)
		}
	case protocol.EventBeatAtTime:
		if c.Handlers.OnBeatResponse != nil {
			c.Handlers.OnBeatResponse(ev.Beat, ev.When)
		}
	case protocol.EventPhaseAtTime:
		if c.Handlers.OnPhaseResponse != nil {
			c.Handlers.OnPhaseResponse(ev.Phase, ev.When)
		}
	case protocol.EventVersion:
		if c.Handlers.OnVersion != nil {
			c.Handlers.OnVersion(ev.VersionString)
		}
	case protocol.EventUnsupported:
		if c.Handlers.OnUnsupported != nil {
			c.Handlers.OnUnsupported(ev.UnsupportedSymbol)
		}
	}
}

func (c *Client) setConn(conn net.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Client) getConn() net.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

func safeFail(log *logrus.Logger, fn FailureFunc, msg string) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			if log != nil {
				log.WithField("panic", r).Warn("failure_fn panicked; swallowed")
			}
		}
	}()
	fn(msg)
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
