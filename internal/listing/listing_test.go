package listing_test

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gg-glitch-88/cartlink/internal/devicetest"
	"github.com/gg-glitch-88/cartlink/internal/listing"
	"github.com/gg-glitch-88/cartlink/internal/protocol"
)

func sample(dirs, files int) *listing.DirectoryListing {
	l := &listing.DirectoryListing{}
	for i := 0; i < dirs; i++ {
		l.Directories = append(l.Directories, listing.DirectoryEntry{
			Name: fmt.Sprintf("dir%d", i),
			Path: fmt.Sprintf("/music/dir%d", i),
		})
	}
	for i := 0; i < files; i++ {
		l.Files = append(l.Files, listing.FileEntry{
			Name: fmt.Sprintf("tune%d.sid", i),
			Path: fmt.Sprintf("/music/tune%d.sid", i),
			Size: int64(1000 + i),
		})
	}
	return l
}

// doubleSeparators mimics the firmware's path joining quirk.
func doubleSeparators(l *listing.DirectoryListing) *listing.DirectoryListing {
	out := &listing.DirectoryListing{}
	for _, d := range l.Directories {
		d.Path = strings.ReplaceAll(d.Path, "/", "//")
		out.Directories = append(out.Directories, d)
	}
	for _, f := range l.Files {
		f.Path = strings.ReplaceAll(f.Path, "/", "//")
		out.Files = append(out.Files, f)
	}
	return out
}

func TestParse_RoundTrip(t *testing.T) {
	for _, tc := range []struct{ dirs, files int }{{0, 0}, {1, 0}, {0, 3}, {4, 7}, {25, 120}} {
		for _, doubled := range []bool{false, true} {
			t.Run(fmt.Sprintf("%dd_%df_doubled=%v", tc.dirs, tc.files, doubled), func(t *testing.T) {
				want := sample(tc.dirs, tc.files)
				src := want
				if doubled {
					src = doubleSeparators(want)
				}

				got, warnings := listing.Parse(listing.Encode(src))
				assert.Empty(t, warnings)
				require.Len(t, got.Directories, tc.dirs)
				require.Len(t, got.Files, tc.files)
				for i, d := range want.Directories {
					assert.Equal(t, d, got.Directories[i])
				}
				for i, f := range want.Files {
					assert.Equal(t, f.Path, got.Files[i].Path)
					assert.Equal(t, f.Size, got.Files[i].Size)
					assert.Equal(t, listing.TypeSid, got.Files[i].Type)
				}
			})
		}
	}
}

func TestParse_SkipsMalformedFragments(t *testing.T) {
	raw := []byte(`[Dir]{"Name":"games","Path":"/games"}[/Dir]` +
		`[File]{"Name":"broken",[/File]` +
		`[File]{"Name":"a.prg","Path":"/a.prg","Size":42}[/File]` +
		`garbage[/Dir]`)
	raw = append(raw, protocol.TokenEndDirectoryList.Bytes()...)

	got, warnings := listing.Parse(raw)
	assert.Len(t, warnings, 2)
	require.Len(t, got.Directories, 1)
	require.Len(t, got.Files, 1)
	assert.Equal(t, "/games", got.Directories[0].Path)
	assert.Equal(t, listing.TypePrg, got.Files[0].Type)
	assert.Equal(t, int64(42), got.Files[0].Size)
}

func TestParse_Empty(t *testing.T) {
	got, warnings := listing.Parse(protocol.TokenEndDirectoryList.Bytes())
	assert.Empty(t, warnings)
	assert.Empty(t, got.Directories)
	assert.Empty(t, got.Files)
}

func TestTypeOf(t *testing.T) {
	tests := []struct {
		path string
		want listing.FileType
	}{
		{"/music/Comic_Bakery.sid", listing.TypeSid},
		{"/games/LODE.PRG", listing.TypePrg},
		{"/fw/teensy.hex", listing.TypeHex},
		{"/art/pic.KOA", listing.TypeKoa},
		{"/readme", listing.TypeUnknown},
		{"/x.bin", listing.TypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, listing.TypeOf(tt.path))
		})
	}
	assert.True(t, listing.TypeKla.IsImage())
	assert.False(t, listing.TypeSid.IsImage())
	assert.True(t, listing.TypeHex.IsHex())
}

func codecFor(dev *devicetest.Device) *protocol.Codec {
	return protocol.NewCodec(dev, protocol.Options{AckTimeout: 50 * time.Millisecond}, nil)
}

func TestReceive(t *testing.T) {
	body := listing.Encode(sample(2, 3))
	tests := []struct {
		name  string
		reply []byte
		check func(t *testing.T, raw []byte, err error)
	}{
		{
			name:  "complete listing",
			reply: devicetest.Join(devicetest.Tok(protocol.TokenStartDirectoryList), body),
			check: func(t *testing.T, raw []byte, err error) {
				require.NoError(t, err)
				got, _ := listing.Parse(raw)
				assert.Len(t, got.Directories, 2)
				assert.Len(t, got.Files, 3)
			},
		},
		{
			name:  "fail instead of start",
			reply: devicetest.Fail("Error 3: USB not available"),
			check: func(t *testing.T, _ []byte, err error) {
				assert.Equal(t, protocol.CodeStorageUnavailable, protocol.CodeOf(err))
			},
		},
		{
			name:  "unexpected start token",
			reply: devicetest.Ack(),
			check: func(t *testing.T, _ []byte, err error) {
				var ue *protocol.UnexpectedTokenError
				assert.ErrorAs(t, err, &ue)
			},
		},
		{
			name: "fail mid stream",
			reply: devicetest.Join(devicetest.Tok(protocol.TokenStartDirectoryList),
				[]byte("Error 5"), devicetest.Tok(protocol.TokenFail)),
			check: func(t *testing.T, _ []byte, err error) {
				assert.Equal(t, protocol.CodeFileOpen, protocol.CodeOf(err))
			},
		},
		{
			name: "timeout keeps partial buffer",
			reply: devicetest.Join(devicetest.Tok(protocol.TokenStartDirectoryList),
				[]byte(`[Dir]{"Name":"a","Path":"/a"}[/Dir]`)),
			check: func(t *testing.T, _ []byte, err error) {
				var te *protocol.TimeoutError
				require.ErrorAs(t, err, &te)
				assert.ErrorIs(t, err, protocol.ErrTimeout)
				assert.Contains(t, string(te.Partial), `"Path":"/a"`)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := devicetest.New("COM1", devicetest.Step{
				Expect: devicetest.Tok(protocol.TokenListDirectory),
				Reply:  tt.reply,
			})
			c := codecFor(dev)
			require.NoError(t, c.SendToken(protocol.TokenListDirectory))
			raw, err := listing.Receive(c, 50*time.Millisecond, 60*time.Millisecond)
			tt.check(t, raw, err)
		})
	}
}
