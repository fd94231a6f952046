// Package protocol implements the Link daemon's line-oriented textual wire
// format (spec.md §4.1): ASCII commands out, one LF-terminated line at a
// time, and a stream of `symbol {:key value ...}` messages in, possibly
// several per TCP read. The shape — encode small command structs to text,
// decode a byte buffer into zero or more typed events, tolerate odd
// whitespace — follows the teacher's `convert2json`/`MPDtags` attribute
// parsing in mpdgolinger.go, generalized from MPD's `key: value` lines to
// Carabiner's `:key value` map literals.
package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Quantum is the number of beats per bar used in every beat/phase query;
// spec.md §4.1 fixes it at 4.0 to match Pioneer DJ bar conventions.
const Quantum = 4.0

// EncodeVersion returns the `version` probe command.
func EncodeVersion() string { return "version" }

// EncodeBPM returns the `bpm <float>` command that sets the session tempo.
func EncodeBPM(bpm float64) string {
	return fmt.Sprintf("bpm %s", formatFloat(bpm))
}

// EncodeBeatAtTime returns the `beat-at-time <time_us> <quantum>` query.
func EncodeBeatAtTime(timeUs int64) string {
	return fmt.Sprintf("beat-at-time %d %s", timeUs, formatFloat(Quantum))
}

// EncodePhaseAtTime returns the `phase-at-time <time_us> <quantum>` query.
func EncodePhaseAtTime(timeUs int64) string {
	return fmt.Sprintf("phase-at-time %d %s", timeUs, formatFloat(Quantum))
}

// EncodeForceBeatAtTime returns the `force-beat-at-time <beat> <time_us>
// <quantum>` command used to shift the Link timeline onto a given beat.
func EncodeForceBeatAtTime(beat, timeUs int64) string {
	return fmt.Sprintf("force-beat-at-time %d %d %s", beat, timeUs, formatFloat(Quantum))
}

// EncodeStartPlaying returns the `start-playing <time_us>` command.
func EncodeStartPlaying(timeUs int64) string {
	return fmt.Sprintf("start-playing %d", timeUs)
}

// EncodeStopPlaying returns the `stop-playing <time_us>` command.
func EncodeStopPlaying(timeUs int64) string {
	return fmt.Sprintf("stop-playing %d", timeUs)
}

// EncodeEnableStartStopSync returns the `enable-start-stop-sync` command.
func EncodeEnableStartStopSync() string { return "enable-start-stop-sync" }

// EncodeStatus returns the `status` command that forces a status push.
func EncodeStatus() string { return "status" }

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// EventKind discriminates the inbound message types the codec can produce.
type EventKind int

const (
	EventStatus EventKind = iota
	EventBeatAtTime
	EventPhaseAtTime
	EventVersion
	EventUnsupported
)

// Event is one decoded inbound message: a symbol plus its map-literal
// payload, typed by EventKind.
type Event struct {
	Kind EventKind

	// EventStatus
	BPM   float64
	Peers int

	// EventBeatAtTime
	Beat float64
	When int64

	// EventPhaseAtTime
	Phase float64
	// When (shared with EventBeatAtTime above)

	// EventVersion
	VersionString string

	// EventUnsupported
	UnsupportedSymbol string
}

// Decode parses zero or more `(symbol, map)` messages out of buf, returning
// the decoded events and the trailing bytes that did not form a complete
// message (to be prepended to the next read). Unknown opening
// symbols are reported as EventUnsupported rather than an error, per
// spec.md §4.1 ("Unknown opening symbols are logged and skipped").
func Decode(buf []byte) (events []Event, remainder []byte, err error) {
	rest := string(buf)
	for {
		rest = strings.TrimLeft(rest, " \t\r\n")
		if rest == "" {
			return events, nil, nil
		}
		sym, payload, tail, ok := splitMessage(rest)
		if !ok {
			// Incomplete message (e.g. an opening `{` with no matching `}`
			// yet); keep it for the next read.
			return events, []byte(rest), nil
		}
		ev, decErr := decodeOne(sym, payload)
		if decErr != nil {
			return events, nil, decErr
		}
		events = append(events, ev)
		rest = tail
	}
}

// splitMessage pulls one `symbol` or `symbol {...}` or `symbol "..."` token
// off the front of s, tolerating arbitrary whitespace between tokens, and
// returns the remaining unparsed text.
func splitMessage(s string) (symbol, payload, rest string, ok bool) {
	i := 0
	for i < len(s) && !isSpace(s[i]) && s[i] != '{' {
		i++
	}
	symbol = s[:i]
	if symbol == "" {
		return "", "", s, false
	}
	rest = strings.TrimLeft(s[i:], " \t\r\n")

	switch {
	case strings.HasPrefix(rest, "{"):
		end := strings.IndexByte(rest, '}')
		if end < 0 {
			return "", "", s, false
		}
		payload = rest[1:end]
		rest = rest[end+1:]
	case strings.HasPrefix(rest, `"`):
		end := strings.IndexByte(rest[1:], '"')
		if end < 0 {
			return "", "", s, false
		}
		payload = rest[1 : 1+end]
		rest = rest[1+end+1:]
	default:
		// Symbol followed by neither a map nor a string, e.g.
		// "unsupported version": the rest of the line is the payload.
		end := strings.IndexAny(rest, "\n")
		if end < 0 {
			payload = strings.TrimSpace(rest)
			rest = ""
		} else {
			payload = strings.TrimSpace(rest[:end])
			rest = rest[end+1:]
		}
	}
	return symbol, payload, rest, true
}

func isSpace(b byte) bool { return b == ' ' || b == '\t' || b == '\r' || b == '\n' }

func decodeOne(symbol, payload string) (Event, error) {
	switch symbol {
	case "status":
		m, err := parseMap(payload)
		if err != nil {
			return Event{}, errors.Wrap(err, "parsing status payload")
		}
		bpm, _ := m.float("bpm")
		peers, _ := m.int("peers")
		return Event{Kind: EventStatus, BPM: bpm, Peers: peers}, nil
	case "beat-at-time":
		m, err := parseMap(payload)
		if err != nil {
			return Event{}, errors.Wrap(err, "parsing beat-at-time payload")
		}
		beat, _ := m.float("beat")
		when, _ := m.int64("when")
		return Event{Kind: EventBeatAtTime, Beat: beat, When: when}, nil
	case "phase-at-time":
		m, err := parseMap(payload)
		if err != nil {
			return Event{}, errors.Wrap(err, "parsing phase-at-time payload")
		}
		phase, _ := m.float("phase")
		when, _ := m.int64("when")
		return Event{Kind: EventPhaseAtTime, Phase: phase, When: when}, nil
	case "version":
		return Event{Kind: EventVersion, VersionString: strings.Trim(payload, `" `)}, nil
	case "unsupported":
		return Event{Kind: EventUnsupported, UnsupportedSymbol: strings.TrimSpace(payload)}, nil
	default:
		return Event{Kind: EventUnsupported, UnsupportedSymbol: symbol}, nil
	}
}

// attrMap is a parsed `:key value` map literal.
type attrMap map[string]string

func parseMap(payload string) (attrMap, error) {
	m := attrMap{}
	fields := strings.Fields(payload)
	i := 0
	for i < len(fields) {
		key := fields[i]
		if !strings.HasPrefix(key, ":") {
			return nil, errors.Errorf("expected :key, got %q", key)
		}
		key = strings.TrimPrefix(key, ":")
		if i+1 >= len(fields) {
			return nil, errors.Errorf("missing value for key %q", key)
		}
		m[key] = fields[i+1]
		i += 2
	}
	return m, nil
}

func (m attrMap) float(key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	return f, err == nil
}

func (m attrMap) int(key string) (int, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

func (m attrMap) int64(key string) (int64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return n, err == nil
}
