package device

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gg-glitch-88/cartlink/internal/commands"
	"github.com/gg-glitch-88/cartlink/internal/pipeline"
	"github.com/gg-glitch-88/cartlink/internal/protocol"
)

const (
	tagName = "cart-tag.txt"
	tagPath = "/" + tagName
)

// Commands is the subset of the dispatcher the tagger drives.
type Commands interface {
	Ping(ctx context.Context, req commands.Ping) commands.PingResult
	ResetC64(ctx context.Context, req commands.ResetC64) pipeline.Result
	GetFile(ctx context.Context, req commands.GetFile) commands.FileResult
	SaveFiles(ctx context.Context, req commands.SaveFiles) commands.SaveFilesResult
}

// Tag is the identity file stored at the root of each storage.
type Tag struct {
	DeviceID string `json:"DeviceId"`
}

// StorageTag is the outcome of tagging one storage.
type StorageTag struct {
	Storage   protocol.StorageType
	Available bool
	DeviceID  string
}

// Tagger reads or writes the identity file that tells cartridges apart.
type Tagger struct {
	cmds  Commands
	log   *zap.Logger
	newID func() string
}

// NewTagger returns a Tagger driving cmds.
func NewTagger(cmds Commands, log *zap.Logger) *Tagger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tagger{cmds: cmds, log: log.Named("tagger"), newID: NewDeviceID}
}

// NewDeviceID returns a random, file-name-safe identifier.
func NewDeviceID() string {
	sum := sha256.Sum256([]byte(uuid.NewString()))
	return hex.EncodeToString(sum[:8])
}

// EnsureTag returns the device id stored on storage, creating the tag when
// it is missing or unreadable. device is the key the dispatcher resolves
// the link by.
func (t *Tagger) EnsureTag(ctx context.Context, device string, storage protocol.StorageType) StorageTag {
	ping := t.cmds.Ping(ctx, commands.Ping{Device: device})
	if strings.Contains(strings.ToLower(ping.Response), "busy") {
		t.cmds.ResetC64(ctx, commands.ResetC64{Device: device})
	}

	got := t.cmds.GetFile(ctx, commands.GetFile{Device: device, Storage: storage, Path: tagPath})
	switch {
	case got.Code == protocol.CodeStorageUnavailable:
		t.log.Warn("storage is unavailable", zap.String("storage", string(storage)))
		return StorageTag{Storage: storage}
	case got.Code == protocol.CodeFileNotFound:
		t.log.Warn("no cart tag found", zap.String("storage", string(storage)))
	case got.Success:
		var tag Tag
		if err := json.Unmarshal(got.Data, &tag); err == nil && tag.DeviceID != "" {
			return StorageTag{Storage: storage, Available: true, DeviceID: tag.DeviceID}
		}
		t.log.Warn("unreadable cart tag, replacing it", zap.String("storage", string(storage)))
	default:
		t.log.Warn("failed to read cart tag", zap.String("storage", string(storage)), zap.String("error", got.Error))
	}

	id := t.newID()
	buf, err := json.Marshal(Tag{DeviceID: id})
	if err != nil {
		t.log.Error("unable to encode cart tag, skipping storage", zap.Error(err))
		return StorageTag{Storage: storage}
	}
	item, err := commands.NewFileTransferItem(buf, tagName, "/", storage)
	if err != nil {
		t.log.Error("unable to build cart tag transfer", zap.Error(err))
		return StorageTag{Storage: storage}
	}
	saved := t.cmds.SaveFiles(ctx, commands.SaveFiles{Device: device, Files: []*commands.FileTransferItem{item}})
	if !saved.Success {
		t.log.Error("failed to save cart tag", zap.String("storage", string(storage)), zap.String("error", saved.Error))
		return StorageTag{Storage: storage}
	}
	t.log.Info("tagged cartridge", zap.String("storage", string(storage)), zap.String("device_id", id))
	return StorageTag{Storage: storage, Available: true, DeviceID: id}
}

// Identify tags both storages and picks the device id, preferring SD.
// An empty id means neither storage could hold a tag.
func (t *Tagger) Identify(ctx context.Context, device string) (id string, sd, usb StorageTag) {
	sd = t.EnsureTag(ctx, device, protocol.StorageSD)
	usb = t.EnsureTag(ctx, device, protocol.StorageUSB)
	id = sd.DeviceID
	if id == "" {
		id = usb.DeviceID
	}
	return id, sd, usb
}
