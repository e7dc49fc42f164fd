// Command cartlink talks to a TeensyROM cartridge over USB serial. Without
// flags it runs as a service that keeps cartridges connected and serves a
// state monitor; -ls and -launch run one command against the first
// cartridge found and exit.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gg-glitch-88/cartlink/internal/adapters"
	"github.com/gg-glitch-88/cartlink/internal/commands"
	"github.com/gg-glitch-88/cartlink/internal/config"
	"github.com/gg-glitch-88/cartlink/internal/device"
	"github.com/gg-glitch-88/cartlink/internal/gateway"
	"github.com/gg-glitch-88/cartlink/internal/listing"
	"github.com/gg-glitch-88/cartlink/internal/logger"
	"github.com/gg-glitch-88/cartlink/internal/pipeline"
	"github.com/gg-glitch-88/cartlink/internal/protocol"
	"github.com/gg-glitch-88/cartlink/internal/store"
	"github.com/gg-glitch-88/cartlink/internal/transport"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "", "path to cartlink.toml")
		listPath   = pflag.String("ls", "", "list a directory on the first cartridge found and exit")
		launchPath = pflag.String("launch", "", "launch a file on the first cartridge found and exit")
		storage    = pflag.String("storage", "", "storage for -ls and -launch (sd, usb); defaults to storage.default")
	)
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cartlink: %v\n", err)
		os.Exit(1)
	}

	bus := gateway.NewEventBus()
	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}, bus.LogHook(zapcore.WarnLevel))
	if err != nil {
		fmt.Fprintf(os.Stderr, "cartlink: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, bus, log, *listPath, *launchPath, *storage)
	stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("cartlink stopped", zap.Error(err))
		log.Sync() //nolint:errcheck
		os.Exit(1)
	}
	log.Sync() //nolint:errcheck
}

func run(ctx context.Context, cfg *config.Config, bus *gateway.EventBus, log *zap.Logger, listPath, launchPath, storageName string) error {
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.Migrate(db); err != nil {
		return err
	}

	e := build(cfg, db, bus, log)
	defer e.manager.Dispose()

	if listPath == "" && launchPath == "" {
		log.Info("cartlink starting",
			zap.String("store", cfg.Store.Path),
			zap.Bool("monitor", cfg.Monitor.Enabled),
			zap.Bool("auto_connect", cfg.Serial.AutoConnect),
		)
		return gateway.New(cfg, e.manager, bus, db, log).Start(ctx)
	}

	if storageName == "" {
		storageName = cfg.Storage.Default
	}
	storage, err := protocol.ParseStorage(storageName)
	if err != nil {
		return err
	}
	carts, err := e.manager.Discover(ctx, true)
	if err != nil {
		return err
	}
	if len(carts) == 0 {
		return errors.New("no cartridge found")
	}
	id := carts[0].DeviceID
	log.Info("using cartridge", zap.String("device", id), zap.String("port", carts[0].Port))

	if listPath != "" {
		return e.list(ctx, id, storage, listPath)
	}
	return e.launch(ctx, id, storage, launchPath)
}

// engine is the wired command stack.
type engine struct {
	manager *device.Manager
	disp    *commands.Dispatcher
	player  *gateway.Player
}

func build(cfg *config.Config, db *store.DB, bus *gateway.EventBus, log *zap.Logger) *engine {
	var alerts device.Alerter = adapters.NewLogAlerts(log)
	if cfg.Monitor.Enabled {
		alerts = gateway.NewAlerts(bus, log)
	}

	var ports transport.PortHistory = adapters.NewMemoryPorts()
	if cfg.Serial.KnownPortsFirst {
		ports = adapters.NewStorePorts(db, log)
	}

	finderOpts := []device.FinderOption{device.WithAnswerWait(cfg.Serial.ReadTimeout)}
	if cfg.Serial.Port != "" {
		only := cfg.Serial.Port
		finderOpts = append(finderOpts, device.WithPorts(
			func() ([]string, error) { return []string{only}, nil },
			transport.OpenSerial,
		))
	}
	finder := device.NewFinder(cfg.Serial.BaudRate, log, finderOpts...)

	links := device.SerialLinks(transport.Config{
		BaudRate:            cfg.Serial.BaudRate,
		HealthCheckInterval: cfg.Serial.HealthCheckInterval,
		VerifyWait:          cfg.Serial.ReadTimeout,
		Verify:              cfg.Serial.Verify,
	}, alerts, ports, log)

	manager := device.NewManager(finder, links, log,
		device.WithCartStore(db),
		device.WithHistory(ports),
		device.WithReconnectWait(cfg.Serial.ReadTimeout),
	)

	opts := commands.DefaultOptions()
	opts.AckTimeout = cfg.Protocol.AckTimeout
	opts.ListingTimeout = cfg.Protocol.ListingTimeout
	opts.ChunkSize = cfg.Protocol.ChunkSize
	opts.RetryLimit = cfg.Transfer.RetryLimit
	opts.RetryBackoff = cfg.Transfer.RetryBackoff
	opts.PollInterval = cfg.Launch.PollInterval
	opts.PollIterations = cfg.Launch.PollIterations
	opts.ReconnectDelay = cfg.Launch.ReconnectDelay
	opts.ReconnectAttempts = cfg.Launch.ReconnectAttempts
	opts.LargeFileThreshold = cfg.Launch.LargeFileThreshold
	opts.PingWait = cfg.Serial.ReadTimeout

	pipe := pipeline.New(manager, alerts, log)
	disp := commands.NewDispatcher(pipe, opts, alerts, log, commands.WithReconnector(manager))
	manager.SetCommands(disp)

	return &engine{
		manager: manager,
		disp:    disp,
		player:  gateway.NewPlayer(disp, db, bus, log),
	}
}

func (e *engine) list(ctx context.Context, id string, storage protocol.StorageType, dir string) error {
	res := e.disp.GetDirectory(ctx, commands.GetDirectory{Device: id, Storage: storage, Path: dir})
	if !res.Success {
		return fmt.Errorf("list %s: %s", dir, res.Error)
	}
	for _, d := range res.Listing.Directories {
		fmt.Printf("%s/\n", d.Path)
	}
	for _, f := range res.Listing.Files {
		fmt.Printf("%-8s %10d  %s\n", f.Type, f.Size, f.Path)
	}
	return nil
}

// launch looks the file up in its directory first so the launch knows its
// size.
func (e *engine) launch(ctx context.Context, id string, storage protocol.StorageType, file string) error {
	dir := e.disp.GetDirectory(ctx, commands.GetDirectory{Device: id, Storage: storage, Path: path.Dir(file)})
	if !dir.Success {
		return fmt.Errorf("launch %s: %s", file, dir.Error)
	}
	var (
		item  listing.FileEntry
		found bool
	)
	for _, f := range dir.Listing.Files {
		if f.Path == file {
			item, found = f, true
			break
		}
	}
	if !found {
		return fmt.Errorf("launch %s: file not found", file)
	}

	res := e.player.Launch(ctx, id, storage, item)
	if !res.Success {
		return fmt.Errorf("launch %s: %s", file, res.Error)
	}
	fmt.Printf("%s: %s\n", file, res.Outcome)
	if res.Unconfirmed {
		fmt.Println("the cartridge did not confirm the launch")
	}
	return nil
}
