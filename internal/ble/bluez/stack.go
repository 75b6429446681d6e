//go:build linux

// Package bluez drives a real adapter: links through tinygo bluetooth,
// pairing and bond management through the BlueZ D-Bus API, and settings
// reload by restarting bluetooth.service through systemd. BlueZ offers no
// runtime control of the local identity or the pairing policy; those
// operations return ble.ErrNotSupported.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	sdbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/bleframework/internal/ble"
)

const (
	bluezBus          = "org.bluez"
	bluezAdapter1     = "org.bluez.Adapter1"
	bluezDevice1      = "org.bluez.Device1"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"

	bluetoothUnit = "bluetooth.service"
)

// Options configures the BlueZ stack.
type Options struct {
	Adapter    string // hci0
	StorageDir string
	// PairTimeout bounds a Device1.Pair call.
	PairTimeout time.Duration
	// RestartTimeout bounds the bluetooth.service restart of LoadSettings.
	RestartTimeout time.Duration
	Logger         *slog.Logger
}

// DefaultOptions returns the settings for hci0.
func DefaultOptions() Options {
	return Options{
		Adapter:        "hci0",
		StorageDir:     DefaultStorageDir,
		PairTimeout:    30 * time.Second,
		RestartTimeout: 15 * time.Second,
	}
}

type conn struct {
	dst  ble.Address
	role ble.ConnRole

	mu     sync.Mutex
	device *bluetooth.Device
	up     bool
	closed bool
	local  bool // we asked for the disconnect
}

func (c *conn) Dst() ble.Address   { return c.dst }
func (c *conn) Role() ble.ConnRole { return c.role }

// Stack is a ble.Stack backed by BlueZ.
type Stack struct {
	opts    Options
	log     *slog.Logger
	adapter *bluetooth.Adapter
	bus     *dbus.Conn
	keys    keyStore

	mu       sync.Mutex
	handler  ble.Handler
	conns    map[bluetooth.MAC]*conn
	adv      *bluetooth.Advertisement
	handlers bool

	events chan func()
	done   chan struct{}
	once   sync.Once
}

var _ ble.Stack = (*Stack)(nil)

// New connects to the system bus. The adapter is not touched until Enable.
func New(opts Options) (*Stack, error) {
	def := DefaultOptions()
	if opts.Adapter == "" {
		opts.Adapter = def.Adapter
	}
	if opts.StorageDir == "" {
		opts.StorageDir = def.StorageDir
	}
	if opts.PairTimeout <= 0 {
		opts.PairTimeout = def.PairTimeout
	}
	if opts.RestartTimeout <= 0 {
		opts.RestartTimeout = def.RestartTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect to system bus: %w", err)
	}
	s := &Stack{
		opts:    opts,
		log:     opts.Logger,
		adapter: bluetooth.NewAdapter(opts.Adapter),
		bus:     bus,
		keys:    keyStore{root: opts.StorageDir},
		conns:   make(map[bluetooth.MAC]*conn),
		events:  make(chan func(), 256),
		done:    make(chan struct{}),
	}
	go s.dispatch()
	return s, nil
}

// Close stops event delivery. The shared system bus stays open.
func (s *Stack) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *Stack) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.events:
			fn()
		}
	}
}

func (s *Stack) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.done:
	}
}

func (s *Stack) h() ble.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

func (s *Stack) SetHandler(h ble.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *Stack) adapterPath() dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + s.opts.Adapter)
}

func (s *Stack) setPowered(on bool) error {
	obj := s.bus.Object(bluezBus, s.adapterPath())
	if err := obj.SetProperty(bluezAdapter1+".Powered", dbus.MakeVariant(on)); err != nil {
		return fmt.Errorf("bluez: set powered %t: %w", on, err)
	}
	return nil
}

// --- controller ---

func (s *Stack) Enable() error {
	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("bluez: enable adapter: %w", err)
	}
	if err := s.setPowered(true); err != nil {
		return err
	}
	s.mu.Lock()
	install := !s.handlers
	s.handlers = true
	s.mu.Unlock()
	if install {
		s.adapter.SetConnectHandler(s.onConnect)
	}
	s.log.Info("[BLUEZ] adapter enabled", "adapter", s.opts.Adapter)
	return nil
}

func (s *Stack) Disable() error {
	if err := s.setPowered(false); err != nil {
		return err
	}
	s.mu.Lock()
	var dropped []*conn
	for mac, c := range s.conns {
		dropped = append(dropped, c)
		delete(s.conns, mac)
	}
	s.mu.Unlock()
	for _, c := range dropped {
		s.closed(c, ble.ReasonLocalHostTerminated)
	}
	s.log.Info("[BLUEZ] adapter powered off", "adapter", s.opts.Adapter)
	return nil
}

// LoadSettings restarts bluetoothd so it rereads identities and keys from
// its storage directory, then powers the adapter back on.
func (s *Stack) LoadSettings() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.RestartTimeout)
	defer cancel()

	sd, err := sdbus.NewWithContext(ctx)
	if err != nil {
		return fmt.Errorf("bluez: connect to systemd: %w", err)
	}
	defer sd.Close()

	result := make(chan string, 1)
	if _, err := sd.RestartUnitContext(ctx, bluetoothUnit, "replace", result); err != nil {
		return fmt.Errorf("bluez: restart %s: %w", bluetoothUnit, err)
	}
	select {
	case r := <-result:
		if r != "done" {
			return fmt.Errorf("bluez: restart %s: %s", bluetoothUnit, r)
		}
	case <-ctx.Done():
		return fmt.Errorf("bluez: restart %s: %w", bluetoothUnit, ctx.Err())
	}

	// bluetoothd needs a moment to register the adapter again.
	var perr error
	for i := 0; i < 10; i++ {
		if perr = s.setPowered(true); perr == nil {
			break
		}
		time.Sleep(300 * time.Millisecond)
	}
	if perr != nil {
		return perr
	}
	s.log.Info("[BLUEZ] bluetoothd restarted, settings reloaded")
	return nil
}

// --- identities ---

func (s *Stack) ResetIdentity(uint8, *ble.Identity) error {
	return fmt.Errorf("bluez: reset identity: %w", ble.ErrNotSupported)
}

// InvalidateRPA is a no-op: bluetoothd rotates its private address itself.
func (s *Stack) InvalidateRPA() {}

func (s *Stack) localAddress() (ble.Address, error) {
	obj := s.bus.Object(bluezBus, s.adapterPath())
	v, err := obj.GetProperty(bluezAdapter1 + ".Address")
	if err != nil {
		return ble.Address{}, fmt.Errorf("bluez: read adapter address: %w", err)
	}
	mac, _ := v.Value().(string)
	typ := "public"
	if t, err := obj.GetProperty(bluezAdapter1 + ".AddressType"); err == nil {
		if ts, ok := t.Value().(string); ok {
			typ = ts
		}
	}
	return ble.ParseAddress(mac, typ)
}

func (s *Stack) Identity(id uint8) (ble.Identity, error) {
	if id != 0 {
		return ble.Identity{}, fmt.Errorf("bluez: identity %d: %w", id, ble.ErrNotSupported)
	}
	addr, err := s.localAddress()
	if err != nil {
		return ble.Identity{}, err
	}
	irk, _ := s.keys.localIRK(addr)
	return ble.Identity{ID: id, Addr: addr, IRK: irk}, nil
}

// --- pairing policy ---

func (s *Stack) SetMinEncKeySize(int) error {
	return fmt.Errorf("bluez: set key size: %w", ble.ErrNotSupported)
}

func (s *Stack) SetSCDowngrade(bool) error {
	return fmt.Errorf("bluez: secure connections downgrade: %w", ble.ErrNotSupported)
}

func isNotFound(err error) bool {
	return strings.HasSuffix(errorName(err), ".DoesNotExist") || errors.Is(err, ErrNoKeys)
}
