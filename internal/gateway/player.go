package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gg-glitch-88/cartlink/internal/commands"
	"github.com/gg-glitch-88/cartlink/internal/history"
	"github.com/gg-glitch-88/cartlink/internal/listing"
	"github.com/gg-glitch-88/cartlink/internal/protocol"
	"github.com/gg-glitch-88/cartlink/internal/store"
)

// Launcher starts files on a cartridge. *commands.Dispatcher satisfies it.
type Launcher interface {
	LaunchFile(ctx context.Context, req commands.LaunchFile) commands.LaunchResult
}

// LaunchLog records launches. *store.DB satisfies it.
type LaunchLog interface {
	RecordLaunch(l *store.Launch) error
}

// LaunchEvent is published after every launch attempt.
type LaunchEvent struct {
	Device      string           `json:"device"`
	Storage     string           `json:"storage"`
	Path        string           `json:"path"`
	Type        listing.FileType `json:"type"`
	Outcome     string           `json:"outcome"`
	Success     bool             `json:"success"`
	Unconfirmed bool             `json:"unconfirmed"`
	Error       string           `json:"error,omitempty"`
}

// Player launches files and keeps one history per cartridge so callers
// can step back and forth through what was played.
type Player struct {
	launcher Launcher
	launches LaunchLog
	bus      *EventBus
	log      *zap.Logger

	mu        sync.Mutex
	histories map[string]*history.History
}

// NewPlayer returns a Player. launches and bus may be nil.
func NewPlayer(launcher Launcher, launches LaunchLog, bus *EventBus, log *zap.Logger) *Player {
	if log == nil {
		log = zap.NewNop()
	}
	return &Player{
		launcher:  launcher,
		launches:  launches,
		bus:       bus,
		log:       log.Named("player"),
		histories: make(map[string]*history.History),
	}
}

// Launch starts item and, when it ran, makes it the newest history entry.
func (p *Player) Launch(ctx context.Context, device string, storage protocol.StorageType, item listing.FileEntry) commands.LaunchResult {
	res := p.launch(ctx, device, storage, item)
	if res.Success {
		p.History(device).Add(item)
	}
	return res
}

// Previous relaunches the history entry before the cursor. It reports
// false when there is none.
func (p *Player) Previous(ctx context.Context, device string, storage protocol.StorageType, types ...listing.FileType) (commands.LaunchResult, bool) {
	item, ok := p.History(device).Previous(types...)
	if !ok {
		return commands.LaunchResult{}, false
	}
	return p.replay(ctx, device, storage, item), true
}

// Next relaunches the history entry after the cursor.
func (p *Player) Next(ctx context.Context, device string, storage protocol.StorageType, types ...listing.FileType) (commands.LaunchResult, bool) {
	item, ok := p.History(device).Next(types...)
	if !ok {
		return commands.LaunchResult{}, false
	}
	return p.replay(ctx, device, storage, item), true
}

// History returns device's history, creating it on first use.
func (p *Player) History(device string) *history.History {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.histories[device]
	if !ok {
		h = history.New()
		p.histories[device] = h
	}
	return h
}

// replay launches an entry already in history. Files that vanished from
// the cartridge are dropped from it.
func (p *Player) replay(ctx context.Context, device string, storage protocol.StorageType, item listing.FileEntry) commands.LaunchResult {
	res := p.launch(ctx, device, storage, item)
	if res.Code == protocol.CodeFileNotFound {
		p.History(device).Remove(item)
	}
	return res
}

func (p *Player) launch(ctx context.Context, device string, storage protocol.StorageType, item listing.FileEntry) commands.LaunchResult {
	if item.Type == "" {
		item.Type = listing.TypeOf(item.Path)
	}
	res := p.launcher.LaunchFile(ctx, commands.LaunchFile{Device: device, Storage: storage, Item: item})

	if p.launches != nil {
		err := p.launches.RecordLaunch(&store.Launch{
			DeviceID:   device,
			Storage:    string(storage),
			Path:       item.Path,
			FileType:   string(item.Type),
			Outcome:    res.Outcome.String(),
			LaunchedAt: time.Now().UTC(),
		})
		if err != nil {
			p.log.Warn("could not record launch", zap.String("path", item.Path), zap.Error(err))
		}
	}
	if p.bus != nil {
		p.bus.Publish(Event{Type: EventLaunch, Data: LaunchEvent{
			Device:      device,
			Storage:     string(storage),
			Path:        item.Path,
			Type:        item.Type,
			Outcome:     outcome,
			Success:     res.Success,
			Unconfirmed: res.Unconfirmed,
			Error:       res.Error,
		}})
	}
	p.log.Info("launched",
		zap.String("device", device),
		zap.String("path", item.Path),
		zap.String("outcome", outcome),
		zap.Bool("success", res.Success),
	)
	return res
}
