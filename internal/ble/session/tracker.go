package session

import (
	"log/slog"
	"sync"

	"github.com/chaz8081/bleframework/internal/ble"
	"github.com/chaz8081/bleframework/internal/ble/gate"
)

// Tracker is the ble.Handler registered with the stack. It logs every
// notification, remembers the most recent live connection and forwards the
// notification to the gate.
type Tracker struct {
	gate *gate.Gate
	log  *slog.Logger

	mu           sync.Mutex
	current      ble.Conn
	onDisconnect []func(ble.Conn)
}

var _ ble.Handler = (*Tracker)(nil)

// NewTracker creates a tracker feeding g.
func NewTracker(g *gate.Gate, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{gate: g, log: log}
}

// Current returns the most recent live connection, or nil.
func (t *Tracker) Current() ble.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// OnDisconnect registers fn to run for every confirmed disconnection,
// before the gate is notified.
func (t *Tracker) OnDisconnect(fn func(ble.Conn)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = append(t.onDisconnect, fn)
}

func (t *Tracker) Connected(c ble.Conn, reason ble.Reason) {
	if reason != ble.ReasonSuccess {
		t.log.Warn("[SESSION] failed to connect", "peer", c.Dst(), "reason", reason, "code", uint8(reason))
	} else {
		t.log.Info("[SESSION] connected", "peer", c.Dst(), "role", c.Role())
		t.mu.Lock()
		t.current = c
		t.mu.Unlock()
	}
	t.gate.Notify(gate.Event{Kind: gate.Connected, Conn: c, Reason: reason})
}

func (t *Tracker) Disconnected(c ble.Conn, reason ble.Reason) {
	t.log.Info("[SESSION] disconnected", "peer", c.Dst(), "role", c.Role(), "reason", reason, "code", uint8(reason))
	t.mu.Lock()
	if t.current == c {
		t.current = nil
	}
	hooks := append([]func(ble.Conn){}, t.onDisconnect...)
	t.mu.Unlock()

	for _, fn := range hooks {
		fn(c)
	}
	t.gate.Notify(gate.Event{Kind: gate.Disconnected, Conn: c, Reason: reason})
}

func (t *Tracker) SecurityChanged(c ble.Conn, level ble.SecurityLevel, err ble.SecurityErr) {
	if err != ble.SecurityErrSuccess {
		t.log.Warn("[SESSION] security failed", "peer", c.Dst(), "level", level, "reason", err, "code", uint8(err))
	} else {
		t.log.Info("[SESSION] security changed", "peer", c.Dst(), "level", level)
	}
	t.gate.Notify(gate.Event{Kind: gate.Security, Conn: c, Level: level, SecErr: err})
}

func (t *Tracker) PairingComplete(c ble.Conn, bonded bool) {
	if bonded {
		t.log.Info("[SESSION] bonded", "peer", c.Dst())
		return
	}
	t.log.Info("[SESSION] paired", "peer", c.Dst())
}
