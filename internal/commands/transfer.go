package commands

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/gg-glitch-88/cartlink/internal/listing"
	"github.com/gg-glitch-88/cartlink/internal/protocol"
)

const (
	loadAttempts = 5
	loadDelay    = 200 * time.Millisecond
)

// FileTransferItem is a file ready to be sent to the cartridge. Its
// checksum is computed once from the buffer and cannot drift from it.
type FileTransferItem struct {
	name     string
	source   string
	target   string
	storage  protocol.StorageType
	buf      []byte
	checksum uint16
}

// NewFileTransferItem wraps buf as name inside targetDir.
func NewFileTransferItem(buf []byte, name, targetDir string, storage protocol.StorageType) (*FileTransferItem, error) {
	if len(buf) == 0 {
		return nil, errors.New("commands: transfer item: empty buffer")
	}
	if name == "" {
		return nil, errors.New("commands: transfer item: empty name")
	}
	return &FileTransferItem{
		name:     name,
		target:   path.Join("/", targetDir, name),
		storage:  storage,
		buf:      buf,
		checksum: protocol.Checksum(buf),
	}, nil
}

// LoadFileTransferItem reads src from disk. Reads are retried because
// files dropped into a watched folder are often still being written.
func LoadFileTransferItem(src, targetDir string, storage protocol.StorageType) (*FileTransferItem, error) {
	var (
		buf []byte
		err error
	)
	for attempt := 1; attempt <= loadAttempts; attempt++ {
		buf, err = os.ReadFile(src)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			break
		}
		if attempt < loadAttempts {
			time.Sleep(loadDelay)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("commands: read %s: %w", src, err)
	}
	item, err := NewFileTransferItem(buf, filepath.Base(src), targetDir, storage)
	if err != nil {
		return nil, err
	}
	item.source = src
	return item, nil
}

func (f *FileTransferItem) Name() string                        { return f.name }
func (f *FileTransferItem) SourcePath() string                  { return f.source }
func (f *FileTransferItem) TargetPath() string                  { return f.target }
func (f *FileTransferItem) TargetStorage() protocol.StorageType { return f.storage }
func (f *FileTransferItem) Buffer() []byte                      { return f.buf }
func (f *FileTransferItem) StreamLength() uint32                { return uint32(len(f.buf)) }
func (f *FileTransferItem) Checksum() uint16                    { return f.checksum }
func (f *FileTransferItem) Type() listing.FileType              { return listing.TypeOf(f.name) }
