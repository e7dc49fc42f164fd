// Package gateway runs the engine as a service: it keeps cartridges
// discovered, mirrors their connection state and alerts onto an event
// bus, and serves a read-only monitor over HTTP and websocket.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gg-glitch-88/cartlink/internal/config"
	"github.com/gg-glitch-88/cartlink/internal/device"
	"github.com/gg-glitch-88/cartlink/internal/serialstate"
)

const (
	shutdownTimeout          = 10 * time.Second
	defaultDiscoveryInterval = 5 * time.Second
)

// Devices is the part of device.Manager the gateway drives.
type Devices interface {
	CartLister
	Discover(ctx context.Context, autoConnect bool) ([]device.Cart, error)
	Links() map[string]*serialstate.Context
}

// Gateway is the central application service.
type Gateway struct {
	cfg     *config.Config
	devices Devices
	bus     *EventBus
	log     *zap.Logger
	server  *http.Server

	mu      sync.Mutex
	addr    net.Addr
	watched map[*serialstate.Context]struct{}
	wg      sync.WaitGroup
}

// New constructs a Gateway without starting it. launches may be nil.
func New(cfg *config.Config, devices Devices, bus *EventBus, launches LaunchLister, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	g := &Gateway{
		cfg:     cfg,
		devices: devices,
		bus:     bus,
		log:     log.Named("gateway"),
		watched: make(map[*serialstate.Context]struct{}),
	}
	if cfg.Monitor.Enabled {
		g.server = &http.Server{
			Addr:              cfg.Monitor.ListenAddr,
			Handler:           NewMonitor(devices, launches, bus, log),
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
	}
	return g
}

// Start runs discovery and the monitor until ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	var ln net.Listener
	if g.server != nil {
		var err error
		ln, err = net.Listen("tcp", g.cfg.Monitor.ListenAddr)
		if err != nil {
			return fmt.Errorf("gateway: listen %s: %w", g.cfg.Monitor.ListenAddr, err)
		}
		g.mu.Lock()
		g.addr = ln.Addr()
		g.mu.Unlock()
		g.log.Info("monitor listening", zap.String("addr", ln.Addr().String()))
	}

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return g.discoveryLoop(ctx) })
	if ln != nil {
		grp.Go(func() error { return g.serve(ctx, ln) })
	}
	return grp.Wait()
}

// Addr is the monitor's bound address once Start has begun listening.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addr
}

func (g *Gateway) serve(ctx context.Context, ln net.Listener) error {
	srvErr := make(chan error, 1)
	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		g.log.Info("context cancelled, shutting down monitor")
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return g.server.Shutdown(shutCtx)
	case err := <-srvErr:
		return fmt.Errorf("gateway: serve: %w", err)
	}
}

// ── Discovery ─────────────────────────────────────────────────────────────

// discoveryLoop scans once at startup and again every DiscoveryInterval
// while no cartridge is connected.
func (g *Gateway) discoveryLoop(ctx context.Context) error {
	defer g.wg.Wait()

	interval := g.cfg.Serial.DiscoveryInterval
	if interval <= 0 {
		interval = defaultDiscoveryInterval
	}
	g.discover(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if len(g.devices.Connected()) == 0 {
				g.discover(ctx)
				continue
			}
			g.watchLinks(ctx)
		}
	}
}

func (g *Gateway) discover(ctx context.Context) {
	carts, err := g.devices.Discover(ctx, g.cfg.Serial.AutoConnect)
	if err != nil {
		if ctx.Err() == nil {
			g.log.Warn("discovery failed", zap.Error(err))
		}
		return
	}
	if len(carts) == 0 {
		g.log.Debug("no cartridge found")
	}
	g.bus.Publish(Event{Type: EventDevices, Data: carts})
	g.watchLinks(ctx)
}

// watchLinks starts forwarding state changes for links not yet watched.
// Discovery replaces links, so this runs after every scan.
func (g *Gateway) watchLinks(ctx context.Context) {
	for id, link := range g.devices.Links() {
		g.mu.Lock()
		_, seen := g.watched[link]
		if !seen {
			g.watched[link] = struct{}{}
		}
		g.mu.Unlock()
		if seen {
			continue
		}

		states, unsub := link.Subscribe()
		g.wg.Add(1)
		go g.forward(ctx, id, link, states, unsub)
	}
}

func (g *Gateway) forward(ctx context.Context, id string, link *serialstate.Context, states <-chan serialstate.State, unsub func()) {
	defer g.wg.Done()
	defer func() {
		unsub()
		g.mu.Lock()
		delete(g.watched, link)
		g.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-states:
			if !ok {
				return
			}
			g.bus.PublishState(StateChange{Device: id, Port: link.Port(), State: s.String()})
		}
	}
}
