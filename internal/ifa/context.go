// Package ifa implements the identity-fragmentation attack: the identity
// vault, the four attack stages and their composite run, the role selector
// and the downgrade toggles.
package ifa

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chaz8081/bleframework/internal/ble"
	"github.com/chaz8081/bleframework/internal/ble/gate"
	"github.com/chaz8081/bleframework/internal/ble/session"
	"github.com/chaz8081/bleframework/internal/metrics"
)

// Options configures an attack context.
type Options struct {
	// ID is the local identity the attack manipulates.
	ID      uint8
	Role    Role
	Session session.Options
	// LoopInterval is the minimum spacing between stage 2 connects.
	LoopInterval time.Duration
	// StepSettle is the pause between the restore steps of stage 3.
	StepSettle time.Duration
	// ReloadSettle is the pause between stage 3 and stage 4 of a composite run.
	ReloadSettle time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

// DefaultOptions returns the timings of the reference firmware.
func DefaultOptions() Options {
	return Options{
		Role:         Central,
		Session:      session.DefaultOptions(),
		StepSettle:   200 * time.Millisecond,
		ReloadSettle: 3 * time.Second,
	}
}

// Context owns everything one attack needs across stage invocations: the
// event gate, the session manager and the vault. Invocations are serialized.
type Context struct {
	stack    ble.Stack
	opts     Options
	log      *slog.Logger
	metrics  *metrics.Recorder
	gate     *gate.Gate
	tracker  *session.Tracker
	sessions *session.Manager
	vault    *Vault
	limiter  *rate.Limiter

	run sync.Mutex // held for the duration of a stage

	mu       sync.Mutex
	role     Role
	settings Settings
}

// New wires a context to stack and registers its handler.
func New(stack ble.Stack, opts Options) *Context {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Role == nil {
		opts.Role = Central
	}
	if opts.Session.Logger == nil {
		opts.Session.Logger = opts.Logger
	}

	g := gate.New()
	tr := session.NewTracker(g, opts.Logger)
	stack.SetHandler(tr)

	limit := rate.Inf
	if opts.LoopInterval > 0 {
		limit = rate.Every(opts.LoopInterval)
	}

	return &Context{
		stack:    stack,
		opts:     opts,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		gate:     g,
		tracker:  tr,
		sessions: session.NewManager(stack, stack, g, tr, opts.ID, opts.Session),
		vault:    NewVault(stack, stack, opts.ID, opts.Logger),
		limiter:  rate.NewLimiter(limit, 1),
		role:     opts.Role,
		settings: DefaultSettings(),
	}
}

// Stack returns the underlying stack.
func (c *Context) Stack() ble.Stack { return c.stack }

// Sessions returns the session manager.
func (c *Context) Sessions() *session.Manager { return c.sessions }

// Tracker returns the connection tracker.
func (c *Context) Tracker() *session.Tracker { return c.tracker }

// Vault returns the identity vault. Callers outside a stage must not use it
// concurrently with one; see Lock.
func (c *Context) Vault() *Vault { return c.vault }

// ID returns the identity id the context manipulates.
func (c *Context) ID() uint8 { return c.opts.ID }

// Lock serializes an operator command with running stages.
func (c *Context) Lock() { c.run.Lock() }

// Unlock releases Lock.
func (c *Context) Unlock() { c.run.Unlock() }

// Role returns the current role.
func (c *Context) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// SetRole switches the role for subsequent stages.
func (c *Context) SetRole(r Role) {
	c.mu.Lock()
	c.role = r
	c.mu.Unlock()
	c.log.Info("[IFA] role set", "role", r.Name())
}

// Settings returns the current downgrade toggles.
func (c *Context) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// SetKeySize parses and applies the key-size floor. On any error the floor
// is left unchanged.
func (c *Context) SetKeySize(s string) (int, error) {
	n, err := ParseKeySize(s)
	if err != nil {
		return 0, err
	}
	if err := c.stack.SetMinEncKeySize(n); err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.settings.KeySize = n
	c.mu.Unlock()
	c.log.Info("[IFA] encryption key size set", "key_size", n)
	return n, nil
}

// SetSCDowngrade applies the secure-connections downgrade toggle.
func (c *Context) SetSCDowngrade(on bool) error {
	if err := c.stack.SetSCDowngrade(on); err != nil {
		return err
	}
	c.mu.Lock()
	c.settings.SCDowngrade = on
	c.mu.Unlock()
	c.log.Info("[IFA] secure connections downgrade set", "enabled", on)
	return nil
}

// ResetIdentity resets the identity to a fresh random value.
func (c *Context) ResetIdentity(id uint8) error {
	if err := resetIdentity(c.stack, id, nil); err != nil {
		return err
	}
	c.metrics.Reset()
	return nil
}

func (c *Context) invoke(name string, fn func(r *runner)) (*Report, error) {
	c.run.Lock()
	defer c.run.Unlock()

	r := newRunner(name, c.Role().Name(), c.log, c.metrics)
	fn(r)
	rep := r.finish()
	return rep, rep.Err()
}

func (c *Context) connect(ctx context.Context, peer ble.Address) (*session.Session, error) {
	s, err := c.Role().Open(ctx, c.sessions, peer)
	c.metrics.Connect(err)
	return s, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
