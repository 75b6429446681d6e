package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chaz8081/bleframework/internal/ble"
)

func TestNotifyReleasesArmedWait(t *testing.T) {
	g := New()
	w, err := g.Arm(Connected)
	if err != nil {
		t.Fatalf("Arm() error = %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		g.Notify(Event{Kind: Connected, Reason: ble.ReasonSuccess})
	}()

	ev, err := w.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if ev.Kind != Connected {
		t.Errorf("Kind = %v, want connected", ev.Kind)
	}
	if g.Armed(Connected) {
		t.Error("wait should be disarmed after delivery")
	}
}

func TestNotifyWithoutWaiterIsDropped(t *testing.T) {
	g := New()
	if g.Notify(Event{Kind: Disconnected}) {
		t.Fatal("Notify() with no waiter reported delivery")
	}

	// a later wait must not see the earlier notification
	w, err := g.Arm(Disconnected)
	if err != nil {
		t.Fatalf("Arm() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := w.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want deadline exceeded", err)
	}
}

func TestArmTwiceFails(t *testing.T) {
	g := New()
	if _, err := g.Arm(Security); err != nil {
		t.Fatalf("Arm() error = %v", err)
	}
	if _, err := g.Arm(Security); !errors.Is(err, ErrAlreadyArmed) {
		t.Errorf("second Arm() error = %v, want ErrAlreadyArmed", err)
	}
	// other kinds are independent
	if _, err := g.Arm(Connected); err != nil {
		t.Errorf("Arm(Connected) error = %v", err)
	}
}

func TestDisarmFreesSlot(t *testing.T) {
	g := New()
	w, _ := g.Arm(Connected)
	w.Disarm()
	w.Disarm()
	if g.Armed(Connected) {
		t.Fatal("slot still armed after Disarm()")
	}
	if g.Notify(Event{Kind: Connected}) {
		t.Error("disarmed wait should not receive events")
	}
	if _, err := g.Arm(Connected); err != nil {
		t.Errorf("Arm() after Disarm() error = %v", err)
	}
}

func TestWaitCancelledDisarms(t *testing.T) {
	g := New()
	w, _ := g.Arm(Security)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := w.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait() error = %v, want canceled", err)
	}
	if g.Armed(Security) {
		t.Error("cancelled wait left its slot armed")
	}
}

func TestStaleDisarmDoesNotClearNewWait(t *testing.T) {
	g := New()
	old, _ := g.Arm(Connected)
	g.Notify(Event{Kind: Connected})
	fresh, _ := g.Arm(Connected)
	old.Disarm()
	if !g.Armed(Connected) {
		t.Fatal("Disarm() on a consumed wait cleared a newer one")
	}
	fresh.Disarm()
}
