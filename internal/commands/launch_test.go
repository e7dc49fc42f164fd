package commands_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gg-glitch-88/cartlink/internal/commands"
	"github.com/gg-glitch-88/cartlink/internal/devicetest"
	"github.com/gg-glitch-88/cartlink/internal/listing"
	"github.com/gg-glitch-88/cartlink/internal/protocol"
	"github.com/gg-glitch-88/cartlink/internal/transport"
)

func entry(p string, size int64) listing.FileEntry {
	return listing.FileEntry{Name: p[1:], Path: p, Size: size, Type: listing.TypeOf(p)}
}

func launchSteps(p string, afterAck []byte) []devicetest.Step {
	return []devicetest.Step{
		{Expect: tok(protocol.TokenLaunchFile), Reply: ack()},
		{Expect: devicetest.Path(protocol.StorageSD, p), Reply: join(ack(), afterAck)},
	}
}

func TestLaunchFile_Classification(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		reply       []byte
		want        commands.LaunchOutcome
		wantOK      bool
		unconfirmed bool
	}{
		{
			name:   "good sid",
			path:   "/music/a.sid",
			reply:  join([]byte("Loading SID"), tok(protocol.TokenGoodSID)),
			want:   commands.LaunchSuccess,
			wantOK: true,
		},
		{
			name:  "bad sid",
			path:  "/music/b.sid",
			reply: join([]byte("Loading SID"), tok(protocol.TokenBadSID)),
			want:  commands.LaunchSidError,
		},
		{
			name:   "io handler loaded",
			path:   "/games/c.crt",
			reply:  []byte("Loading IO handler: MIDI\r\n"),
			want:   commands.LaunchSuccess,
			wantOK: true,
		},
		{
			name:  "not enough room",
			path:  "/games/d.prg",
			reply: []byte("Loading IO handler: TeensyROM\r\nNot enough room\r\n"),
			want:  commands.LaunchProgramError,
		},
		{
			name:  "unsupported hardware",
			path:  "/games/e.crt",
			reply: []byte("Unsupported HW Type: 60"),
			want:  commands.LaunchProgramError,
		},
		{
			name:        "silence is assumed success",
			path:        "/games/f.prg",
			want:        commands.LaunchSuccess,
			wantOK:      true,
			unconfirmed: true,
		},
		{
			name:   "hex never polls",
			path:   "/fw/update.hex",
			reply:  []byte("Not enough room"),
			want:   commands.LaunchSuccess,
			wantOK: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, launchSteps(tt.path, tt.reply)...)

			res := h.disp.LaunchFile(t.Context(), commands.LaunchFile{Storage: protocol.StorageSD, Item: entry(tt.path, 4096)})

			assert.Equal(t, tt.want, res.Outcome)
			assert.Equal(t, tt.wantOK, res.Success, res.Error)
			assert.Equal(t, tt.unconfirmed, res.Unconfirmed)
			assert.Zero(t, res.Reconnects)
			h.done(t)
		})
	}
}

func TestLaunchFile_RetryLaunchReconnects(t *testing.T) {
	const p = "/music/retry.sid"
	steps := []devicetest.Step{{Expect: tok(protocol.TokenLaunchFile), Reply: tok(protocol.TokenRetryLaunch)}}
	steps = append(steps, launchSteps(p, tok(protocol.TokenGoodSID))...)
	h := newHarness(t, steps...)
	h.dev.EnsureErrs = []error{errors.New("no cartridge on COM5")}

	res := h.disp.LaunchFile(t.Context(), commands.LaunchFile{Storage: protocol.StorageSD, Item: entry(p, 8000)})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, commands.LaunchSuccess, res.Outcome)
	assert.Equal(t, 2, res.Reconnects)
	assert.LessOrEqual(t, h.dev.EnsureCalls(), 3)
	assert.Equal(t, []string{commands.MsgRetryLaunch}, h.alerts.all())
	h.done(t)
}

func TestLaunchFile_RetryLaunchLargeFileReconnectsTwice(t *testing.T) {
	const p = "/games/big.crt"
	steps := []devicetest.Step{{Expect: tok(protocol.TokenLaunchFile), Reply: tok(protocol.TokenRetryLaunch)}}
	steps = append(steps, launchSteps(p, nil)...)
	h := newHarness(t, steps...)
	h.dev.ReconnectReply = []byte("Loading IO handler: TeensyROM\r\nLoading IO handler: EasyFlash\r\n")

	res := h.disp.LaunchFile(t.Context(), commands.LaunchFile{Storage: protocol.StorageSD, Item: entry(p, 600000)})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, 2, res.Reconnects)
	assert.Equal(t, 2, h.dev.EnsureCalls())
	h.done(t)
}

func TestLaunchFile_ReconnectGivesUp(t *testing.T) {
	h := newHarness(t, devicetest.Step{Expect: tok(protocol.TokenLaunchFile), Reply: tok(protocol.TokenRetryLaunch)})
	down := errors.New("no cartridge")
	h.dev.EnsureErrs = []error{down, down, down, down}

	res := h.disp.LaunchFile(t.Context(), commands.LaunchFile{Storage: protocol.StorageSD, Item: entry("/x.prg", 10)})

	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, down)
	assert.Equal(t, 3, h.dev.EnsureCalls())
	assert.Equal(t, 3, res.Reconnects)
	assert.Len(t, h.sleeps.all(), 3)
	h.done(t)
}

func TestLaunchFile_DisconnectDuringPoll(t *testing.T) {
	const p = "/games/huge.crt"
	h := newHarness(t,
		devicetest.Step{Expect: tok(protocol.TokenLaunchFile), Reply: ack()},
		devicetest.Step{Expect: devicetest.Path(protocol.StorageSD, p), Reply: ack(), ReadErr: transport.ErrPortClosed},
	)
	h.dev.ReconnectReply = tok(protocol.TokenGoodSID)

	res := h.disp.LaunchFile(t.Context(), commands.LaunchFile{Storage: protocol.StorageSD, Item: entry(p, 575000)})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, commands.LaunchSuccess, res.Outcome)
	assert.Equal(t, 1, res.Reconnects)
	assert.Equal(t, []string{commands.MsgLargeLaunch}, h.alerts.all())
	h.done(t)
}

func TestLaunchFile_FailAck(t *testing.T) {
	h := newHarness(t,
		devicetest.Step{Expect: tok(protocol.TokenLaunchFile), Reply: ack()},
		devicetest.Step{Expect: devicetest.Path(protocol.StorageSD, "/gone.prg"), Reply: fail("Error 4")},
	)
	res := h.disp.LaunchFile(t.Context(), commands.LaunchFile{Storage: protocol.StorageSD, Item: entry("/gone.prg", 10)})
	assert.False(t, res.Success)
	assert.Equal(t, protocol.CodeFileNotFound, res.Code)
	assert.Equal(t, commands.LaunchFailed, res.Outcome)
	assert.Equal(t, "Failed", res.Outcome.String())
	h.done(t)
}
