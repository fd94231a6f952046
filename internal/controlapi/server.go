// Package controlapi is the JSON-over-WebSocket control surface exposed by
// the host application's `serve` command. It is not part of the core
// engine spec.md §1 describes — it is the minimal "host application"
// surface spec.md places out of scope for the core but that this
// repository still needs to be a runnable daemon.
//
// The verb-dispatch shape (accept a WebSocket connection, read one JSON
// object per message, look up a "cmd" field, reply with one JSON object) is
// lifted directly from the teacher's wsHandler/verbProcessorJSON pair in
// mpdgolinger.go, generalized from mpdgolinger's bespoke verb set to the
// bridge's public engine API.
package controlapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"linkbridge/internal/bridgestate"
	"linkbridge/internal/engine"
)

// Server exposes a *engine.Bridge over a JSON/WebSocket control channel.
type Server struct {
	Bridge *engine.Bridge
	Log    *logrus.Logger
}

// Handler returns the http.Handler to mount at the control-plane listen
// address.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.Log.WithError(err).Warn("controlapi: accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		reply := s.dispatch(data)
		out, _ := json.Marshal(reply)
		if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
			return
		}
	}
}

// Request is one control-plane command.
type Request struct {
	Cmd  string          `json:"cmd"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Response is one control-plane reply.
type Response struct {
	OK    bool              `json:"ok"`
	Error string            `json:"error,omitempty"`
	State *bridgestate.View `json:"state,omitempty"`
}

func (s *Server) dispatch(data []byte) Response {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Response{OK: false, Error: "malformed request: " + err.Error()}
	}

	switch req.Cmd {
	case "status":
		v := s.Bridge.State()
		return Response{OK: true, State: &v}

	case "lock-tempo":
		var args struct {
			BPM float64 `json:"bpm"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return Response{OK: false, Error: "missing bpm"}
		}
		if err := s.Bridge.LockTempo(args.BPM); err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		return Response{OK: true}

	case "unlock-tempo":
		if err := s.Bridge.UnlockTempo(); err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		return Response{OK: true}

	case "set-sync-mode":
		var args struct {
			Mode string `json:"mode"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return Response{OK: false, Error: "missing mode"}
		}
		mode, ok := parseMode(args.Mode)
		if !ok {
			return Response{OK: false, Error: "unknown sync mode: " + args.Mode}
		}
		if err := s.Bridge.SetSyncMode(mode); err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		return Response{OK: true}

	case "connect":
		ok := s.Bridge.Connect(func(msg string) {
			s.Log.WithField("reason", msg).Warn("controlapi: connect failed")
		})
		return Response{OK: ok}

	case "disconnect":
		s.Bridge.Disconnect()
		return Response{OK: true}

	default:
		return Response{OK: false, Error: "unsupported cmd: " + req.Cmd}
	}
}

func parseMode(s string) (bridgestate.SyncMode, bool) {
	switch s {
	case "off":
		return bridgestate.SyncOff, true
	case "passive":
		return bridgestate.SyncPassive, true
	case "full":
		return bridgestate.SyncFull, true
	default:
		return 0, false
	}
}

// DialAndExchange is the client-side helper used by the thin `lock-tempo`
// and `status` CLI subcommands (see cmd/linkbridge) to send exactly one
// request and read exactly one reply, mirroring
// _examples/scgolang-oscsync/cmd/pulses.go's "thin client of the serve
// command" shape.
func DialAndExchange(ctx context.Context, addr string, req Request) (Response, error) {
	conn, _, err := websocket.Dial(ctx, "ws://"+addr+"/", nil)
	if err != nil {
		return Response{}, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	if err := conn.Write(ctx, websocket.MessageText, body); err != nil {
		return Response{}, err
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}
