// Package commands implements the cartridge operations: directory listing,
// file transfer, launch and playback control. Every operation runs through
// the pipeline, so callers always get a Result and never touch the link
// directly.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gg-glitch-88/cartlink/internal/pipeline"
	"github.com/gg-glitch-88/cartlink/internal/protocol"
	"github.com/gg-glitch-88/cartlink/internal/serialstate"
	"github.com/gg-glitch-88/cartlink/internal/transport"
)

// Options tunes command timing. Zero fields take the defaults.
type Options struct {
	AckTimeout        time.Duration
	ListingTimeout    time.Duration
	TransferTimeout   time.Duration
	ChunkSize         int
	DuplicateDrain    time.Duration
	RetryLimit        int
	RetryBackoff      time.Duration
	PollInterval      time.Duration
	PollIterations    int
	ReconnectDelay    time.Duration
	ReconnectAttempts int
	// LargeFileThreshold is the size from which a launch needs a second
	// reconnect because the cartridge takes longer to boot it.
	LargeFileThreshold int64
	SpeedAttempts      int
	SpeedDelay         time.Duration
	PingWait           time.Duration
}

// DefaultOptions mirrors the timing the firmware expects.
func DefaultOptions() Options {
	return Options{
		AckTimeout:         protocol.DefaultAckTimeout,
		ListingTimeout:     10 * time.Second,
		TransferTimeout:    30 * time.Second,
		ChunkSize:          protocol.DefaultChunkSize,
		DuplicateDrain:     500 * time.Millisecond,
		RetryLimit:         3,
		RetryBackoff:       time.Second,
		PollInterval:       25 * time.Millisecond,
		PollIterations:     40,
		ReconnectDelay:     4 * time.Second,
		ReconnectAttempts:  3,
		LargeFileThreshold: 575000,
		SpeedAttempts:      5,
		SpeedDelay:         100 * time.Millisecond,
		PingWait:           200 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	setDur := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setDur(&o.AckTimeout, d.AckTimeout)
	setDur(&o.ListingTimeout, d.ListingTimeout)
	setDur(&o.TransferTimeout, d.TransferTimeout)
	setInt(&o.ChunkSize, d.ChunkSize)
	setDur(&o.DuplicateDrain, d.DuplicateDrain)
	setInt(&o.RetryLimit, d.RetryLimit)
	setDur(&o.RetryBackoff, d.RetryBackoff)
	setDur(&o.PollInterval, d.PollInterval)
	setInt(&o.PollIterations, d.PollIterations)
	setDur(&o.ReconnectDelay, d.ReconnectDelay)
	setInt(&o.ReconnectAttempts, d.ReconnectAttempts)
	if o.LargeFileThreshold <= 0 {
		o.LargeFileThreshold = d.LargeFileThreshold
	}
	setInt(&o.SpeedAttempts, d.SpeedAttempts)
	setDur(&o.SpeedDelay, d.SpeedDelay)
	setDur(&o.PingWait, d.PingWait)
	return o
}

// Reconnector brings a device's link back after the cartridge rebooted,
// possibly on a different port.
type Reconnector interface {
	Reconnect(ctx context.Context, deviceID string, link *serialstate.Context) error
}

// ensureReconnector re-scans ports through the link itself.
type ensureReconnector struct{ wait time.Duration }

func (r ensureReconnector) Reconnect(_ context.Context, _ string, link *serialstate.Context) error {
	return link.EnsureConnection(r.wait)
}

// Dispatcher exposes one method per cartridge command.
type Dispatcher struct {
	pipe      *pipeline.Pipeline
	opts      Options
	alerts    pipeline.Alerter
	reconnect Reconnector
	log       *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithReconnector replaces the default port re-scan.
func WithReconnector(r Reconnector) Option {
	return func(d *Dispatcher) { d.reconnect = r }
}

// WithSleep replaces the delay used between retries.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) { d.sleep = fn }
}

// NewDispatcher builds a Dispatcher on pipe. alerts may be nil.
func NewDispatcher(pipe *pipeline.Pipeline, opts Options, alerts pipeline.Alerter, log *zap.Logger, options ...Option) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if alerts == nil {
		alerts = nopAlerter{}
	}
	opts = opts.withDefaults()
	d := &Dispatcher{
		pipe:      pipe,
		opts:      opts,
		alerts:    alerts,
		reconnect: ensureReconnector{wait: opts.PingWait},
		log:       log.Named("commands"),
		sleep:     sleepCtx,
	}
	for _, o := range options {
		o(d)
	}
	return d
}

func (d *Dispatcher) codec(link *serialstate.Context) *protocol.Codec {
	return protocol.NewCodec(link, protocol.Options{
		AckTimeout: d.opts.AckTimeout,
		ChunkSize:  d.opts.ChunkSize,
	}, d.log)
}

// reconnectLink retries the reconnector, waiting ReconnectDelay before
// each try. It returns how many tries were made.
func (d *Dispatcher) reconnectLink(ctx context.Context, deviceID string, link *serialstate.Context) (int, error) {
	var err error
	for i := 1; i <= d.opts.ReconnectAttempts; i++ {
		if serr := d.sleep(ctx, d.opts.ReconnectDelay); serr != nil {
			return i - 1, serr
		}
		if err = d.reconnect.Reconnect(ctx, deviceID, link); err == nil {
			d.log.Info("reconnected", zap.String("device", deviceID), zap.Int("attempt", i))
			return i, nil
		}
		d.log.Warn("reconnect failed", zap.String("device", deviceID), zap.Int("attempt", i), zap.Error(err))
	}
	return d.opts.ReconnectAttempts, fmt.Errorf("commands: reconnect after %d attempts: %w", d.opts.ReconnectAttempts, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isPortClosed(err error) bool {
	return errors.Is(err, transport.ErrPortClosed) ||
		strings.Contains(strings.ToLower(err.Error()), "port is closed")
}

type nopAlerter struct{}

func (nopAlerter) Publish(string) {}
