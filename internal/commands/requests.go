package commands

import (
	"go.uber.org/zap"

	"github.com/gg-glitch-88/cartlink/internal/listing"
	"github.com/gg-glitch-88/cartlink/internal/pipeline"
	"github.com/gg-glitch-88/cartlink/internal/protocol"
)

// ── Requests ──────────────────────────────────────────────────────────────

type GetDirectory struct {
	Device  string
	Storage protocol.StorageType
	Path    string
}

func (r GetDirectory) CommandName() string { return "GetDirectory" }
func (r GetDirectory) DeviceID() string    { return r.Device }
func (r GetDirectory) LogFields() []zap.Field {
	return []zap.Field{zap.String("storage", string(r.Storage)), zap.String("path", r.Path)}
}

// GetDirectoryRecursive walks Path and every directory below it.
type GetDirectoryRecursive struct {
	Device  string
	Storage protocol.StorageType
	Path    string
}

func (r GetDirectoryRecursive) CommandName() string { return "GetDirectoryRecursive" }
func (r GetDirectoryRecursive) DeviceID() string    { return r.Device }
func (r GetDirectoryRecursive) LogFields() []zap.Field {
	return []zap.Field{zap.String("storage", string(r.Storage)), zap.String("path", r.Path)}
}

type GetFile struct {
	Device  string
	Storage protocol.StorageType
	Path    string
}

func (r GetFile) CommandName() string { return "GetFile" }
func (r GetFile) DeviceID() string    { return r.Device }
func (r GetFile) LogFields() []zap.Field {
	return []zap.Field{zap.String("storage", string(r.Storage)), zap.String("path", r.Path)}
}

type SaveFiles struct {
	Device string
	Files  []*FileTransferItem
}

func (r SaveFiles) CommandName() string { return "SaveFiles" }
func (r SaveFiles) DeviceID() string    { return r.Device }
func (r SaveFiles) LogFields() []zap.Field {
	return []zap.Field{zap.Int("files", len(r.Files))}
}

type DeleteFile struct {
	Device  string
	Storage protocol.StorageType
	Path    string
}

func (r DeleteFile) CommandName() string { return "DeleteFile" }
func (r DeleteFile) DeviceID() string    { return r.Device }
func (r DeleteFile) LogFields() []zap.Field {
	return []zap.Field{zap.String("storage", string(r.Storage)), zap.String("path", r.Path)}
}

type LaunchFile struct {
	Device  string
	Storage protocol.StorageType
	Item    listing.FileEntry
}

func (r LaunchFile) CommandName() string { return "LaunchFile" }
func (r LaunchFile) DeviceID() string    { return r.Device }
func (r LaunchFile) LogFields() []zap.Field {
	return []zap.Field{
		zap.String("storage", string(r.Storage)),
		zap.String("path", r.Item.Path),
		zap.Int64("size", r.Item.Size),
	}
}

type SetMusicSpeed struct {
	Device string
	Speed  float64
	Curve  SpeedCurve
}

func (r SetMusicSpeed) CommandName() string { return "SetMusicSpeed" }
func (r SetMusicSpeed) DeviceID() string    { return r.Device }
func (r SetMusicSpeed) LogFields() []zap.Field {
	return []zap.Field{zap.Float64("speed", r.Speed), zap.Stringer("curve", r.Curve)}
}

type Ping struct {
	Device string
}

func (r Ping) CommandName() string    { return "Ping" }
func (r Ping) DeviceID() string       { return r.Device }
func (r Ping) LogFields() []zap.Field { return nil }

type ResetC64 struct {
	Device string
}

func (r ResetC64) CommandName() string    { return "ResetC64" }
func (r ResetC64) DeviceID() string       { return r.Device }
func (r ResetC64) LogFields() []zap.Field { return nil }

type PauseMusic struct {
	Device string
}

func (r PauseMusic) CommandName() string    { return "PauseMusic" }
func (r PauseMusic) DeviceID() string       { return r.Device }
func (r PauseMusic) LogFields() []zap.Field { return nil }

// ── Results ───────────────────────────────────────────────────────────────

type DirectoryResult struct {
	pipeline.Result
	Listing *listing.DirectoryListing `json:"listing,omitempty"`
	// Warnings lists fragments that could not be decoded.
	Warnings []string `json:"warnings,omitempty"`
}

type RecursiveResult struct {
	pipeline.Result
	Listings []*listing.DirectoryListing `json:"listings,omitempty"`
}

type FileResult struct {
	pipeline.Result
	Data []byte `json:"-"`
}

type SaveFilesResult struct {
	pipeline.Result
	Successful []*FileTransferItem `json:"-"`
	Failed     []*FileTransferItem `json:"-"`
}

// LaunchOutcome classifies how the cartridge reacted to a launch.
type LaunchOutcome int

const (
	LaunchSuccess LaunchOutcome = iota
	LaunchSidError
	LaunchProgramError
	LaunchNoResponse
	LaunchDisconnected
	// LaunchFailed means the command itself failed before the cartridge
	// reported an outcome.
	LaunchFailed
)

func (o LaunchOutcome) String() string {
	switch o {
	case LaunchSuccess:
		return "Success"
	case LaunchSidError:
		return "SidError"
	case LaunchProgramError:
		return "ProgramError"
	case LaunchNoResponse:
		return "NoResponse"
	case LaunchDisconnected:
		return "Disconnected"
	case LaunchFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

type LaunchResult struct {
	pipeline.Result
	Outcome LaunchOutcome `json:"outcome"`
	// Unconfirmed is set when the cartridge sent no signal at all and the
	// launch was assumed to have worked.
	Unconfirmed bool `json:"unconfirmed"`
	Reconnects  int  `json:"reconnects"`
}

type PingResult struct {
	pipeline.Result
	Response string `json:"response"`
}
