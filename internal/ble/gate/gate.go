// Package gate turns asynchronous link-layer notifications into one-shot
// blocking waits for sequential code.
//
// A wait must be armed before the request that triggers its notification is
// issued. The gate does not enforce this; a notification that arrives while
// no wait of its kind is armed is dropped.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chaz8081/bleframework/internal/ble"
)

// Kind selects one of the wait points.
type Kind int

const (
	Connected Kind = iota
	Disconnected
	Security
	numKinds
)

func (k Kind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Security:
		return "security"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ErrAlreadyArmed is returned when a wait of the same kind is outstanding.
var ErrAlreadyArmed = errors.New("gate: wait already armed")

// Event is one notification released through the gate.
type Event struct {
	Kind   Kind
	Conn   ble.Conn
	Reason ble.Reason
	Level  ble.SecurityLevel
	SecErr ble.SecurityErr
}

// Gate holds at most one armed wait per kind.
type Gate struct {
	mu    sync.Mutex
	slots [numKinds]*Wait
}

// New returns a gate with nothing armed.
func New() *Gate {
	return &Gate{}
}

// Wait is a single armed wait point.
type Wait struct {
	g    *Gate
	kind Kind
	ch   chan Event
}

// Arm readies a wait of kind k.
func (g *Gate) Arm(k Kind) (*Wait, error) {
	if k < 0 || k >= numKinds {
		return nil, fmt.Errorf("gate: unknown kind %d", int(k))
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.slots[k] != nil {
		return nil, fmt.Errorf("gate: arm %s: %w", k, ErrAlreadyArmed)
	}
	w := &Wait{g: g, kind: k, ch: make(chan Event, 1)}
	g.slots[k] = w
	return w, nil
}

// Armed reports whether a wait of kind k is outstanding.
func (g *Gate) Armed(k Kind) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.slots[k] != nil
}

// Notify releases the armed wait of ev.Kind, if any, and disarms it.
// It reports whether a waiter received the event.
func (g *Gate) Notify(ev Event) bool {
	if ev.Kind < 0 || ev.Kind >= numKinds {
		return false
	}
	g.mu.Lock()
	w := g.slots[ev.Kind]
	g.slots[ev.Kind] = nil
	g.mu.Unlock()
	if w == nil {
		return false
	}
	w.ch <- ev
	return true
}

// Wait blocks until the notification arrives or ctx is done. A wait
// returns at most one event; on ctx expiry it is disarmed.
func (w *Wait) Wait(ctx context.Context) (Event, error) {
	select {
	case ev := <-w.ch:
		return ev, nil
	case <-ctx.Done():
		w.Disarm()
		// the notification may have raced the cancellation
		select {
		case ev := <-w.ch:
			return ev, nil
		default:
		}
		return Event{}, fmt.Errorf("gate: wait %s: %w", w.kind, ctx.Err())
	}
}

// Disarm withdraws the wait if it is still armed. Safe to call more than once.
func (w *Wait) Disarm() {
	w.g.mu.Lock()
	defer w.g.mu.Unlock()
	if w.g.slots[w.kind] == w {
		w.g.slots[w.kind] = nil
	}
}
