package listing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gg-glitch-88/cartlink/internal/protocol"
)

const (
	dirOpen   = "[Dir]"
	dirClose  = "[/Dir]"
	fileOpen  = "[File]"
	fileClose = "[/File]"
)

// wireDir and wireFile mirror the JSON the firmware prints.
type wireDir struct {
	Name string `json:"Name"`
	Path string `json:"Path"`
}

type wireFile struct {
	Name string `json:"Name"`
	Path string `json:"Path"`
	Size int64  `json:"Size"`
}

// Parse decodes a raw listing stream. A trailing EndDirectoryList or Fail
// token is trimmed. Fragments that cannot be decoded are skipped and
// returned as warnings; they never abort the listing.
func Parse(raw []byte) (*DirectoryListing, []error) {
	raw = trimTerminator(raw)
	text := strings.ReplaceAll(string(bytes.ToValidUTF8(raw, []byte("�"))), fileClose, dirClose)

	out := &DirectoryListing{
		Directories: []DirectoryEntry{},
		Files:       []FileEntry{},
	}
	var warnings []error
	for _, frag := range strings.Split(text, dirClose) {
		frag = strings.TrimSpace(frag)
		if frag == "" {
			continue
		}
		switch {
		case strings.HasPrefix(frag, dirOpen):
			var d wireDir
			if err := json.Unmarshal([]byte(frag[len(dirOpen):]), &d); err != nil {
				warnings = append(warnings, fmt.Errorf("listing: directory fragment %q: %w", frag, err))
				continue
			}
			out.Directories = append(out.Directories, DirectoryEntry{
				Name: d.Name,
				Path: normalize(d.Path),
			})
		case strings.HasPrefix(frag, fileOpen):
			var f wireFile
			if err := json.Unmarshal([]byte(frag[len(fileOpen):]), &f); err != nil {
				warnings = append(warnings, fmt.Errorf("listing: file fragment %q: %w", frag, err))
				continue
			}
			p := normalize(f.Path)
			out.Files = append(out.Files, FileEntry{
				Name: f.Name,
				Path: p,
				Size: f.Size,
				Type: TypeOf(p),
			})
		default:
			warnings = append(warnings, fmt.Errorf("listing: unrecognised fragment %q", frag))
		}
	}
	return out, warnings
}

// Encode renders l the way the firmware streams it, terminated by
// EndDirectoryList.
func Encode(l *DirectoryListing) []byte {
	var b bytes.Buffer
	for _, d := range l.Directories {
		js, _ := json.Marshal(wireDir{Name: d.Name, Path: d.Path})
		b.WriteString(dirOpen)
		b.Write(js)
		b.WriteString(dirClose)
	}
	for _, f := range l.Files {
		js, _ := json.Marshal(wireFile{Name: f.Name, Path: f.Path, Size: f.Size})
		b.WriteString(fileOpen)
		b.Write(js)
		b.WriteString(fileClose)
	}
	b.Write(protocol.TokenEndDirectoryList.Bytes())
	return b.Bytes()
}

// normalize collapses the doubled separators the firmware emits to save
// memory when joining paths.
func normalize(p string) string {
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	return p
}

func trimTerminator(raw []byte) []byte {
	if len(raw) < 2 {
		return raw
	}
	switch protocol.TokenFrom(raw[len(raw)-2:]) {
	case protocol.TokenEndDirectoryList, protocol.TokenFail:
		return raw[:len(raw)-2]
	}
	return raw
}
