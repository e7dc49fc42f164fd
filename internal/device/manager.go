// Package device finds cartridges on the serial bus, identifies them and
// keeps one link per connected cartridge.
package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gg-glitch-88/cartlink/internal/serialstate"
	"github.com/gg-glitch-88/cartlink/internal/store"
	"github.com/gg-glitch-88/cartlink/internal/transport"
)

// ErrUnknownDevice is returned for ids the manager has not seen.
var ErrUnknownDevice = errors.New("unknown device")

const unidentifiedPrefix = "Unidentified"

// Cart describes a cartridge.
type Cart struct {
	DeviceID     string `json:"deviceId"`
	Name         string `json:"name"`
	Port         string `json:"port"`
	FwVersion    string `json:"fwVersion"`
	Compatible   bool   `json:"compatible"`
	Minimal      bool   `json:"minimal"`
	SDAvailable  bool   `json:"sdAvailable"`
	USBAvailable bool   `json:"usbAvailable"`
}

// Device is a cartridge and the link that drives it.
type Device struct {
	Cart Cart
	Link *serialstate.Context
}

// LinkFactory builds the transport for port. inUse reports ports held by
// other cartridges so reconnect scans can skip them.
type LinkFactory func(port string, inUse func(string) bool) serialstate.Link

// CartStore persists cartridges between runs.
type CartStore interface {
	UpsertCart(c *store.Cart) error
}

// SerialLinks returns a LinkFactory opening real serial ports. Each link
// polls for ports appearing and disappearing until it is disposed.
func SerialLinks(cfg transport.Config, alerts Alerter, history transport.PortHistory, log *zap.Logger) LinkFactory {
	gate := NewVersionGate(alerts, log)
	return func(port string, inUse func(string) bool) serialstate.Link {
		c := cfg
		c.Port = port
		opts := []transport.Option{
			transport.WithVersionChecker(gate),
			transport.WithPortFilter(inUse),
		}
		if alerts != nil {
			opts = append(opts, transport.WithAlerter(alerts))
		}
		if history != nil {
			opts = append(opts, transport.WithPortHistory(history))
		}
		s := transport.NewSerial(c, log, opts...)
		s.StartPortPoll(context.Background())
		return s
	}
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithCartStore persists every identified cartridge.
func WithCartStore(s CartStore) ManagerOption { return func(m *Manager) { m.carts = s } }

// WithHistory remembers the ports cartridges were found on.
func WithHistory(h transport.PortHistory) ManagerOption { return func(m *Manager) { m.history = h } }

// WithReconnectWait sets how long a reconnect attempt waits for the banner.
func WithReconnectWait(d time.Duration) ManagerOption { return func(m *Manager) { m.wait = d } }

// Manager tracks connected and known-but-disconnected cartridges. It
// resolves device ids to links for the command pipeline and reconnects
// links after a cartridge reboots.
type Manager struct {
	finder  *Finder
	newLink LinkFactory
	tagger  *Tagger
	carts   CartStore
	history transport.PortHistory
	wait    time.Duration
	log     *zap.Logger

	mu           sync.RWMutex
	connected    map[string]*Device
	disconnected map[string]*Device
	pending      map[string]*Device // keyed by port while being identified
}

// NewManager returns a Manager. Call SetCommands before Discover so new
// cartridges can be tagged.
func NewManager(finder *Finder, newLink LinkFactory, log *zap.Logger, opts ...ManagerOption) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		finder:       finder,
		newLink:      newLink,
		wait:         DefaultAnswerWait,
		log:          log.Named("devices"),
		connected:    make(map[string]*Device),
		disconnected: make(map[string]*Device),
		pending:      make(map[string]*Device),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetCommands wires the dispatcher used to read and write cart tags.
func (m *Manager) SetCommands(cmds Commands) {
	m.tagger = NewTagger(cmds, m.log)
}

// ── Discovery ─────────────────────────────────────────────────────────────

// Discover drops every current link, scans for cartridges and identifies
// them. With autoConnect false only cartridges that were connected before
// stay connected; the rest are closed and kept as disconnected.
func (m *Manager) Discover(ctx context.Context, autoConnect bool) ([]Cart, error) {
	m.mu.Lock()
	previous := make(map[string]bool, len(m.connected))
	old := make([]*Device, 0, len(m.connected))
	for id, d := range m.connected {
		previous[id] = true
		old = append(old, d)
	}
	m.connected = make(map[string]*Device)
	m.mu.Unlock()

	for _, d := range old {
		d.Link.Dispose()
	}

	candidates, err := m.finder.Discover(ctx)
	if err != nil {
		m.log.Error("device discovery failed", zap.Error(err))
		return nil, fmt.Errorf("device: discover: %w", err)
	}

	var (
		found        []Cart
		unidentified int
	)
	for _, p := range candidates {
		d, err := m.attach(p)
		if err != nil {
			m.log.Warn("unable to open cartridge port", zap.String("port", p.Port), zap.Error(err))
			continue
		}
		id := m.identify(ctx, d)
		if id == "" {
			id = fmt.Sprintf("%s[%d]", unidentifiedPrefix, unidentified)
			unidentified++
		}

		m.mu.Lock()
		d.Cart.DeviceID = id
		cart := d.Cart
		delete(m.pending, p.Port)
		_, dup := m.connected[id]
		stale := m.disconnected[id]
		if !dup {
			if autoConnect || previous[id] {
				m.connected[id] = d
				delete(m.disconnected, id)
			} else {
				m.disconnected[id] = d
			}
		}
		m.mu.Unlock()

		if dup {
			m.log.Warn("device already listed, skipping duplicate", zap.String("device", id), zap.String("port", p.Port))
			d.Link.Dispose()
			continue
		}
		if stale != nil {
			stale.Link.Dispose()
		}
		if !autoConnect && !previous[id] {
			if err := d.Link.Close(); err != nil {
				m.log.Warn("close", zap.String("device", id), zap.Error(err))
			}
		}
		m.persist(cart)
		found = append(found, cart)
	}
	m.log.Info("devices found", zap.Int("count", len(found)))
	return found, nil
}

func (m *Manager) attach(p Candidate) (*Device, error) {
	d := &Device{Cart: Cart{
		Name:       "Unnamed",
		Port:       p.Port,
		FwVersion:  p.Info.Version,
		Compatible: p.Info.Compatible,
		Minimal:    p.Info.Minimal,
	}}
	d.Link = serialstate.New(m.newLink(p.Port, m.inUseBy(d)), m.log)
	d.Link.TransitionTo(serialstate.Connectable)
	if err := d.Link.Open(); err != nil {
		d.Link.Dispose()
		return nil, err
	}
	m.mu.Lock()
	m.pending[p.Port] = d
	m.mu.Unlock()
	return d, nil
}

func (m *Manager) identify(ctx context.Context, d *Device) string {
	if m.tagger == nil {
		return ""
	}
	id, sd, usb := m.tagger.Identify(ctx, d.Cart.Port)
	m.mu.Lock()
	d.Cart.SDAvailable = sd.Available
	d.Cart.USBAvailable = usb.Available
	m.mu.Unlock()
	return id
}

// ── Lookup ────────────────────────────────────────────────────────────────

// Resolve returns the link for id. Cartridges being identified resolve by
// port name, and an empty id resolves when exactly one cartridge is
// connected.
func (m *Manager) Resolve(id string) (*serialstate.Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d := m.lookup(id); d != nil {
		return d.Link, nil
	}
	return nil, fmt.Errorf("device: resolve %q: %w", id, ErrUnknownDevice)
}

// lookup must be called with mu held.
func (m *Manager) lookup(id string) *Device {
	if d, ok := m.connected[id]; ok {
		return d
	}
	if d, ok := m.pending[id]; ok {
		return d
	}
	if id == "" && len(m.connected) == 1 {
		for _, d := range m.connected {
			return d
		}
	}
	return nil
}

// Get returns a connected cartridge.
func (m *Manager) Get(id string) (Cart, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.connected[id]
	if !ok {
		return Cart{}, false
	}
	return d.Cart, true
}

// Connected lists connected cartridges ordered by id.
func (m *Manager) Connected() []Cart {
	return m.list(func() map[string]*Device { return m.connected })
}

// Disconnected lists known cartridges whose port is closed.
func (m *Manager) Disconnected() []Cart {
	return m.list(func() map[string]*Device { return m.disconnected })
}

// list reads the map returned by group under the lock; Discover swaps the
// maps out.
func (m *Manager) list(group func() map[string]*Device) []Cart {
	m.mu.RLock()
	from := group()
	out := make([]Cart, 0, len(from))
	for _, d := range from {
		out = append(out, d.Cart)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Links returns every connected device's link keyed by id.
func (m *Manager) Links() map[string]*serialstate.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*serialstate.Context, len(m.connected))
	for id, d := range m.connected {
		out[id] = d.Link
	}
	return out
}

// ── Connection control ────────────────────────────────────────────────────

// Connect reopens a disconnected cartridge.
func (m *Manager) Connect(id string) (Cart, error) {
	m.mu.RLock()
	if d, ok := m.connected[id]; ok {
		m.mu.RUnlock()
		return d.Cart, nil
	}
	d, ok := m.disconnected[id]
	m.mu.RUnlock()
	if !ok {
		return Cart{}, fmt.Errorf("device: connect %q: %w", id, ErrUnknownDevice)
	}

	if err := d.Link.Open(); err != nil {
		return Cart{}, fmt.Errorf("device: connect %q: %w", id, err)
	}
	m.mu.Lock()
	delete(m.disconnected, id)
	m.connected[id] = d
	m.mu.Unlock()
	m.log.Info("device connected", zap.String("device", id), zap.String("port", d.Link.Port()))
	return d.Cart, nil
}

// Disconnect closes a cartridge's port and keeps it as known.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	d, ok := m.connected[id]
	if ok {
		delete(m.connected, id)
		m.disconnected[id] = d
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("device: disconnect %q: %w", id, ErrUnknownDevice)
	}
	if err := d.Link.Close(); err != nil {
		return fmt.Errorf("device: disconnect %q: %w", id, err)
	}
	m.log.Info("device disconnected", zap.String("device", id))
	return nil
}

// Reconnect finds the cartridge again after it rebooted, trying its last
// port first and skipping ports other cartridges hold.
func (m *Manager) Reconnect(_ context.Context, id string, link *serialstate.Context) error {
	m.mu.RLock()
	d := m.lookup(id)
	m.mu.RUnlock()
	if d == nil {
		return fmt.Errorf("device: reconnect %q: %w", id, ErrUnknownDevice)
	}

	if err := link.EnsureConnection(m.wait); err != nil {
		m.log.Error("could not reconnect, check your devices and try reconnecting",
			zap.String("device", id), zap.Error(err))
		return fmt.Errorf("device: reconnect %q: %w", id, err)
	}

	m.mu.Lock()
	d.Cart.Port = link.Port()
	cart := d.Cart
	m.mu.Unlock()
	if cart.DeviceID != "" {
		m.persist(cart)
	}
	return nil
}

// Dispose closes every link.
func (m *Manager) Dispose() {
	m.mu.Lock()
	var all []*Device
	for _, group := range []map[string]*Device{m.connected, m.disconnected, m.pending} {
		for _, d := range group {
			all = append(all, d)
		}
	}
	m.connected = make(map[string]*Device)
	m.disconnected = make(map[string]*Device)
	m.pending = make(map[string]*Device)
	m.mu.Unlock()

	for _, d := range all {
		d.Link.Dispose()
	}
}

// ── internal ──────────────────────────────────────────────────────────────

func (m *Manager) inUseBy(self *Device) func(string) bool {
	return func(port string) bool {
		m.mu.RLock()
		defer m.mu.RUnlock()
		for _, group := range []map[string]*Device{m.connected, m.pending} {
			for _, d := range group {
				if d != self && d.Cart.Port == port {
					return true
				}
			}
		}
		return false
	}
}

func (m *Manager) persist(c Cart) {
	if m.history != nil {
		m.history.Remember(c.Port)
	}
	if m.carts == nil {
		return
	}
	err := m.carts.UpsertCart(&store.Cart{
		DeviceID:     c.DeviceID,
		Name:         c.Name,
		Port:         c.Port,
		FwVersion:    c.FwVersion,
		Minimal:      c.Minimal,
		SDAvailable:  c.SDAvailable,
		USBAvailable: c.USBAvailable,
	})
	if err != nil {
		m.log.Warn("unable to store cart", zap.String("device", c.DeviceID), zap.Error(err))
	}
}
