// Package protocol implements the cartridge wire protocol: 16-bit tokens,
// acknowledgement handshakes, fixed-width integers, null-terminated paths
// and chunked bulk transfers.
package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Token is a 16-bit opcode or signal exchanged with the cartridge.
// Tokens travel most significant byte first.
type Token uint16

const (
	TokenUnknown Token = 0

	// Operations sent by the host.
	TokenSendFile            Token = 0x64BB
	TokenGetFile             Token = 0x64B0
	TokenDeleteFile          Token = 0x64CF
	TokenListDirectory       Token = 0x64DD
	TokenLaunchFile          Token = 0x6444
	TokenPing                Token = 0x6455
	TokenResetC64            Token = 0x64EE
	TokenPauseMusic          Token = 0x6466
	TokenSetMusicSpeedLinear Token = 0x6499
	TokenSetMusicSpeedLog    Token = 0x649A

	// Signals sent by the device.
	TokenAck                Token = 0x64CC
	TokenFail               Token = 0x9B7F
	TokenRetryLaunch        Token = 0x9B7E
	TokenGoodSID            Token = 0x9B81
	TokenBadSID             Token = 0x9B80
	TokenStartDirectoryList Token = 0x5A5A
	TokenEndDirectoryList   Token = 0xA5A5
)

// VersionCheck is the single byte that asks the firmware to print its banner.
const VersionCheck byte = 0x55

// Bytes returns the wire encoding of t.
func (t Token) Bytes() []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(t))
	return b
}

// TokenFrom decodes the first two bytes of b.
func TokenFrom(b []byte) Token {
	if len(b) < 2 {
		return TokenUnknown
	}
	return Token(binary.BigEndian.Uint16(b))
}

func (t Token) String() string {
	switch t {
	case TokenSendFile:
		return "SendFile"
	case TokenGetFile:
		return "GetFile"
	case TokenDeleteFile:
		return "DeleteFile"
	case TokenListDirectory:
		return "ListDirectory"
	case TokenLaunchFile:
		return "LaunchFile"
	case TokenPing:
		return "Ping"
	case TokenResetC64:
		return "ResetC64"
	case TokenPauseMusic:
		return "PauseMusic"
	case TokenSetMusicSpeedLinear:
		return "SetMusicSpeedLinear"
	case TokenSetMusicSpeedLog:
		return "SetMusicSpeedLog"
	case TokenAck:
		return "Ack"
	case TokenFail:
		return "Fail"
	case TokenRetryLaunch:
		return "RetryLaunch"
	case TokenGoodSID:
		return "GoodSID"
	case TokenBadSID:
		return "BadSID"
	case TokenStartDirectoryList:
		return "StartDirectoryList"
	case TokenEndDirectoryList:
		return "EndDirectoryList"
	default:
		return fmt.Sprintf("Unknown(0x%04X)", uint16(t))
	}
}

// signals are the device tokens that may appear embedded in free text.
var signals = []Token{
	TokenAck, TokenFail, TokenRetryLaunch, TokenGoodSID, TokenBadSID,
	TokenStartDirectoryList, TokenEndDirectoryList,
}

// FindTokens scans buf at every byte offset and returns the device signal
// tokens it contains, in order of appearance.
func FindTokens(buf []byte) []Token {
	var found []Token
	for i := 0; i+1 < len(buf); i++ {
		t := TokenFrom(buf[i:])
		for _, s := range signals {
			if t == s {
				found = append(found, t)
				break
			}
		}
	}
	return found
}

// ContainsToken reports whether want occurs anywhere in buf.
func ContainsToken(buf []byte, want Token) bool {
	for _, t := range FindTokens(buf) {
		if t == want {
			return true
		}
	}
	return false
}

// ── Storage ───────────────────────────────────────────────────────────────

// StorageType selects the physical medium a command targets.
type StorageType string

const (
	StorageSD  StorageType = "sd"
	StorageUSB StorageType = "usb"
)

// Selector is the one-byte storage selector sent on the wire.
func (s StorageType) Selector() byte {
	if s == StorageUSB {
		return 0
	}
	return 1
}

// ParseStorage accepts "sd" or "usb" in any case.
func ParseStorage(s string) (StorageType, error) {
	switch StorageType(strings.ToLower(s)) {
	case StorageSD:
		return StorageSD, nil
	case StorageUSB:
		return StorageUSB, nil
	}
	return "", fmt.Errorf("protocol: unknown storage %q", s)
}
