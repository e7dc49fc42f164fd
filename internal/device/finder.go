package device

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gg-glitch-88/cartlink/internal/protocol"
	"github.com/gg-glitch-88/cartlink/internal/transport"
)

// DefaultAnswerWait is how long a queried port gets to answer the version
// check.
const DefaultAnswerWait = 200 * time.Millisecond

const answerReadSlice = 10 * time.Millisecond

// Candidate is one port that answered like a cartridge.
type Candidate struct {
	Port     string
	Response string
	Info     VersionInfo
}

// Finder scans attached serial ports for cartridges.
type Finder struct {
	list transport.Lister
	open transport.Opener
	baud int
	wait time.Duration
	log  *zap.Logger
}

// FinderOption customises a Finder.
type FinderOption func(*Finder)

// WithPorts replaces the OS port enumerator and opener.
func WithPorts(list transport.Lister, open transport.Opener) FinderOption {
	return func(f *Finder) { f.list, f.open = list, open }
}

// WithAnswerWait changes how long each port is given to answer.
func WithAnswerWait(d time.Duration) FinderOption {
	return func(f *Finder) { f.wait = d }
}

// NewFinder returns a Finder using go.bug.st/serial by default.
func NewFinder(baud int, log *zap.Logger, opts ...FinderOption) *Finder {
	if log == nil {
		log = zap.NewNop()
	}
	f := &Finder{
		list: transport.ListPorts,
		open: transport.OpenSerial,
		baud: baud,
		wait: DefaultAnswerWait,
		log:  log.Named("finder"),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Discover queries every attached port, skipping those in skip, and returns
// the ones that answered. Ports that cannot be opened are logged and
// skipped. Each queried port is closed again before Discover returns.
func (f *Finder) Discover(ctx context.Context, skip ...string) ([]Candidate, error) {
	ports, err := f.list()
	if err != nil {
		return nil, err
	}
	busy := make(map[string]bool, len(skip))
	for _, s := range skip {
		busy[s] = true
	}

	var found []Candidate
	for _, name := range ports {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		if busy[name] {
			continue
		}
		resp, err := f.query(name)
		if err != nil {
			f.log.Warn("unable to connect", zap.String("port", name), zap.Error(err))
			continue
		}
		info := VersionCheck(resp)
		if !info.IsCart {
			f.log.Debug("not a cartridge", zap.String("port", name))
			continue
		}
		f.log.Info("found cartridge",
			zap.String("port", name),
			zap.String("version", info.Version),
			zap.Bool("minimal", info.Minimal),
			zap.Bool("busy", info.Busy),
		)
		found = append(found, Candidate{Port: name, Response: resp, Info: info})
	}
	return found, nil
}

func (f *Finder) query(name string) (string, error) {
	p, err := f.open(name, f.baud)
	if err != nil {
		return "", err
	}
	defer p.Close() //nolint:errcheck

	p.ResetInputBuffer() //nolint:errcheck
	if _, err := p.Write([]byte{protocol.VersionCheck}); err != nil {
		return "", err
	}

	var sb strings.Builder
	buf := make([]byte, 256)
	deadline := time.Now().Add(f.wait)
	for time.Now().Before(deadline) {
		if err := p.SetReadTimeout(answerReadSlice); err != nil {
			return sb.String(), err
		}
		n, err := p.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			return sb.String(), err
		}
	}
	return sb.String(), nil
}
