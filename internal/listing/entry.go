// Package listing reads and decodes the directory listing stream the
// cartridge sends in reply to a list request.
package listing

import (
	"path"
	"strings"
	"time"
)

// FileType is derived from a file's extension.
type FileType string

const (
	TypeSid     FileType = "sid"
	TypeCrt     FileType = "crt"
	TypePrg     FileType = "prg"
	TypeP00     FileType = "p00"
	TypeHex     FileType = "hex"
	TypeKla     FileType = "kla"
	TypeKoa     FileType = "koa"
	TypeArt     FileType = "art"
	TypeAas     FileType = "aas"
	TypeHpi     FileType = "hpi"
	TypeSeq     FileType = "seq"
	TypeTxt     FileType = "txt"
	TypeD64     FileType = "d64"
	TypeZip     FileType = "zip"
	TypeUnknown FileType = "unknown"
)

var knownTypes = map[string]FileType{
	".sid": TypeSid, ".crt": TypeCrt, ".prg": TypePrg, ".p00": TypeP00,
	".hex": TypeHex, ".kla": TypeKla, ".koa": TypeKoa, ".art": TypeArt,
	".aas": TypeAas, ".hpi": TypeHpi, ".seq": TypeSeq, ".txt": TypeTxt,
	".d64": TypeD64, ".zip": TypeZip,
}

// TypeOf classifies p by its extension, case-insensitively.
func TypeOf(p string) FileType {
	if t, ok := knownTypes[strings.ToLower(path.Ext(p))]; ok {
		return t
	}
	return TypeUnknown
}

// IsImage reports whether t is a picture format the cartridge displays
// without running code.
func (t FileType) IsImage() bool {
	switch t {
	case TypeKla, TypeKoa, TypeArt, TypeAas, TypeHpi:
		return true
	}
	return false
}

// IsHex reports whether t is a firmware image.
func (t FileType) IsHex() bool { return t == TypeHex }

// DirectoryEntry is a sub-directory in a listing.
type DirectoryEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Meta holds enrichment that collaborators attach after listing. The
// listing itself never fills it.
type Meta struct {
	Title      string        `json:"title,omitempty"`
	Creator    string        `json:"creator,omitempty"`
	SongLength time.Duration `json:"song_length,omitempty"`
	SubTunes   int           `json:"sub_tunes,omitempty"`
}

// FileEntry is a file in a listing.
type FileEntry struct {
	Name string   `json:"name"`
	Path string   `json:"path"`
	Size int64    `json:"size"`
	Type FileType `json:"type"`
	Meta Meta     `json:"meta"`
}

// DirectoryListing is the content of one directory.
type DirectoryListing struct {
	Path        string           `json:"path"`
	Directories []DirectoryEntry `json:"directories"`
	Files       []FileEntry      `json:"files"`
}
