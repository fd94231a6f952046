// Package listeners implements the three independent subscriber registries
// named in spec.md §4.7: status, daemon-version and disconnection
// listeners. Add/remove are idempotent, one faulty callback never prevents
// the others from firing, and every registry is an immutable-set-replacement
// under CAS per spec.md §5 ("Callback registries use the same discipline
// over an immutable-set-replacement pattern") — the generalization of the
// teacher's single `allowed` lookup-map-as-set idiom in mpdgolinger.go to a
// lock-free, CAS-swapped slice of callbacks.
//
// spec.md §9's first Open Question flags the source's version-listener set
// as dereferencing an atom-wrapped set rather than the set itself — "a
// latent bug that would raise when the function is called." Registry
// dereferences its snapshot before iterating and is not susceptible to it.
package listeners

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// StatusView is the argument delivered to status listeners: the subset of
// ClientState visible via the public state view (spec.md §4.7).
type StatusView struct {
	Port           int
	LatencyMs      int
	SyncMode       string
	BarAlign       bool
	Running        bool
	LinkBPM        float64
	LinkBPMKnown   bool
	LinkPeers      int
	LinkPeersKnown bool
	TargetBPM      float64
	TargetBPMSet   bool
}

// StatusFunc is a status-listener callback.
type StatusFunc func(StatusView)

// VersionFunc is a version-listener callback; msg is a human-readable
// explanation string (spec.md §4.7).
type VersionFunc func(msg string)

// DisconnectFunc is a disconnection-listener callback; peerClosed is true
// if the remote end closed first (spec.md §4.7).
type DisconnectFunc func(peerClosed bool)

// Registry is a generic, idempotent, CAS-swapped set of callbacks of type T,
// shared by the three listener kinds below. Entries are keyed by an opaque
// handle compared with ==; the callbacks themselves are never compared,
// since Go funcs are not comparable, so callers pass a handle they keep to
// later Remove.
type Registry[T any] struct {
	v atomic.Pointer[[]entry[T]]
}

type entry[T any] struct {
	handle any
	fn     T
}

// NewRegistry returns an empty Registry.
func NewRegistry[T any]() *Registry[T] {
	r := &Registry[T]{}
	empty := []entry[T]{}
	r.v.Store(&empty)
	return r
}

// Add registers fn under handle and returns handle. Adding the same handle
// twice replaces its callback rather than duplicating it (idempotent).
func (r *Registry[T]) Add(handle any, fn T) any {
	for {
		old := r.v.Load()
		next := make([]entry[T], 0, len(*old)+1)
		replaced := false
		for _, e := range *old {
			if e.handle == handle {
				next = append(next, entry[T]{handle, fn})
				replaced = true
				continue
			}
			next = append(next, e)
		}
		if !replaced {
			next = append(next, entry[T]{handle, fn})
		}
		if r.v.CompareAndSwap(old, &next) {
			return handle
		}
	}
}

// Remove unregisters the callback under handle. Removing an unknown handle
// is a no-op (idempotent).
func (r *Registry[T]) Remove(handle any) {
	for {
		old := r.v.Load()
		next := make([]entry[T], 0, len(*old))
		for _, e := range *old {
			if e.handle != handle {
				next = append(next, e)
			}
		}
		if r.v.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Each invokes fn for every currently-registered callback, isolating panics
// so one faulty listener cannot prevent the others from running.
func (r *Registry[T]) Each(log *logrus.Logger, fn func(T)) {
	snapshot := *r.v.Load()
	for _, e := range snapshot {
		callOne(log, e.fn, fn)
	}
}

func callOne[T any](log *logrus.Logger, cb T, fn func(T)) {
	defer func() {
		if r := recover(); r != nil {
			if log != nil {
				log.WithField("panic", r).Warn("listener panicked; continuing")
			}
		}
	}()
	fn(cb)
}

// Registries bundles the three listener kinds the engine exposes.
type Registries struct {
	Status        *Registry[StatusFunc]
	Version       *Registry[VersionFunc]
	Disconnection *Registry[DisconnectFunc]
}

// New returns an empty set of all three registries.
func New() *Registries {
	return &Registries{
		Status:        NewRegistry[StatusFunc](),
		Version:       NewRegistry[VersionFunc](),
		Disconnection: NewRegistry[DisconnectFunc](),
	}
}

// NotifyStatus fires every status listener with v.
func (r *Registries) NotifyStatus(log *logrus.Logger, v StatusView) {
	r.Status.Each(log, func(f StatusFunc) { f(v) })
}

// NotifyVersion fires every version listener with msg.
func (r *Registries) NotifyVersion(log *logrus.Logger, msg string) {
	r.Version.Each(log, func(f VersionFunc) { f(msg) })
}

// NotifyDisconnection fires every disconnection listener once per session end.
func (r *Registries) NotifyDisconnection(log *logrus.Logger, peerClosed bool) {
	r.Disconnection.Each(log, func(f DisconnectFunc) { f(peerClosed) })
}
