package protocol_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gg-glitch-88/cartlink/internal/protocol"
)

func TestTokenBytes_RoundTrip(t *testing.T) {
	for _, tok := range []protocol.Token{
		protocol.TokenAck, protocol.TokenFail, protocol.TokenListDirectory,
		protocol.TokenEndDirectoryList, protocol.TokenGoodSID,
	} {
		t.Run(tok.String(), func(t *testing.T) {
			b := tok.Bytes()
			require.Len(t, b, 2)
			assert.Equal(t, byte(uint16(tok)>>8), b[0])
			assert.Equal(t, tok, protocol.TokenFrom(b))
		})
	}
}

func TestTokenFrom_Short(t *testing.T) {
	assert.Equal(t, protocol.TokenUnknown, protocol.TokenFrom([]byte{0x64}))
}

func TestFindTokens_EmbeddedInText(t *testing.T) {
	buf := append([]byte("Loading SID"), protocol.TokenGoodSID.Bytes()...)
	buf = append(buf, " done"...)
	assert.Equal(t, []protocol.Token{protocol.TokenGoodSID}, protocol.FindTokens(buf))
	assert.True(t, protocol.ContainsToken(buf, protocol.TokenGoodSID))
	assert.False(t, protocol.ContainsToken(buf, protocol.TokenBadSID))
}

func TestParseStorage(t *testing.T) {
	s, err := protocol.ParseStorage("USB")
	require.NoError(t, err)
	assert.Equal(t, protocol.StorageUSB, s)
	assert.Equal(t, byte(0), s.Selector())
	assert.Equal(t, byte(1), protocol.StorageSD.Selector())

	_, err = protocol.ParseStorage("floppy")
	assert.Error(t, err)
}

func TestChecksum(t *testing.T) {
	assert.Equal(t, uint16(0), protocol.Checksum(nil))
	assert.Equal(t, uint16(6), protocol.Checksum([]byte{1, 2, 3}))
	// 300 bytes of 0xFF overflow 16 bits: 300*255 = 76500 = 0x12AD4.
	assert.Equal(t, uint16(0x2AD4), protocol.Checksum(bytesOf(0xFF, 300)))
}

func TestChecksum_Properties(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		buf := make([]byte, 1+r.Intn(4096))
		r.Read(buf)

		sum := protocol.Checksum(buf)
		assert.Equal(t, sum, protocol.Checksum(buf), "checksum must be deterministic")

		idx := r.Intn(len(buf))
		mutated := append([]byte(nil), buf...)
		mutated[idx] ^= byte(1 + r.Intn(255))
		assert.NotEqual(t, sum, protocol.Checksum(mutated), "single byte change must alter the sum")
	}
}

func TestErrorCodeFrom(t *testing.T) {
	tests := []struct {
		msg  string
		want protocol.ErrorCode
	}{
		{"Error 1: bad storage", protocol.CodeStorageParam},
		{"Error 2", protocol.CodePathParam},
		{"USB Error 3: storage unavailable", protocol.CodeStorageUnavailable},
		{"Error 4", protocol.CodeFileNotFound},
		{"Error 5", protocol.CodeFileOpen},
		{"something odd", protocol.CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, protocol.ErrorCodeFrom(tt.msg))
		})
	}
}

func bytesOf(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}
