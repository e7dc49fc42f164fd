package commands

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/gg-glitch-88/cartlink/internal/pipeline"
	"github.com/gg-glitch-88/cartlink/internal/protocol"
	"github.com/gg-glitch-88/cartlink/internal/serialstate"
)

// SpeedCurve selects how the player maps a speed value to a tempo.
type SpeedCurve int

const (
	CurveLinear SpeedCurve = iota
	CurveLog
)

func (c SpeedCurve) String() string {
	if c == CurveLog {
		return "log"
	}
	return "linear"
}

// Speed limits per curve, in percent.
const (
	LinearSpeedMin = -68.0
	LinearSpeedMax = 128.0
	LogSpeedMin    = -99.0
	LogSpeedMax    = 99.0
)

func (c SpeedCurve) bounds() (float64, float64) {
	if c == CurveLog {
		return LogSpeedMin, LogSpeedMax
	}
	return LinearSpeedMin, LinearSpeedMax
}

func (c SpeedCurve) token() protocol.Token {
	if c == CurveLog {
		return protocol.TokenSetMusicSpeedLog
	}
	return protocol.TokenSetMusicSpeedLinear
}

// ScaleSpeed converts a percentage to the signed hundredths the firmware
// reads.
func ScaleSpeed(speed float64) int16 {
	return int16(math.Round(speed * 100))
}

// SpeedError is returned when the cartridge rejected every attempt to set
// the music speed. It is passed through the pipeline untranslated so a
// caller sweeping the speed can run its own retry policy.
type SpeedError struct {
	Speed    float64
	Curve    SpeedCurve
	Attempts int
	Err      error
}

func (e *SpeedError) Error() string {
	return fmt.Sprintf("commands: set %s music speed %.2f failed after %d attempts: %v",
		e.Curve, e.Speed, e.Attempts, e.Err)
}

func (e *SpeedError) Unwrap() error { return e.Err }
func (e *SpeedError) Bypass() bool  { return true }

// SetMusicSpeed changes the playback speed of the running SID. It fails
// fast while another command holds the link.
func (d *Dispatcher) SetMusicSpeed(ctx context.Context, req SetMusicSpeed) pipeline.Result {
	return d.pipe.Run(ctx, req, pipeline.FailFast, func(ctx context.Context, link *serialstate.Context) error {
		lo, hi := req.Curve.bounds()
		if req.Speed < lo || req.Speed > hi || math.IsNaN(req.Speed) {
			return fmt.Errorf("commands: speed %.2f outside %s range [%g, %g]", req.Speed, req.Curve, lo, hi)
		}
		scaled := ScaleSpeed(req.Speed)

		c := d.codec(link)
		var err error
		for attempt := 1; attempt <= d.opts.SpeedAttempts; attempt++ {
			if err = d.sendSpeed(c, req.Curve, scaled); err == nil {
				return nil
			}
			d.log.Debug("set music speed failed", zap.Int("attempt", attempt), zap.Error(err))
			if attempt == d.opts.SpeedAttempts {
				break
			}
			if serr := d.sleep(ctx, d.opts.SpeedDelay); serr != nil {
				return serr
			}
			_ = c.ClearBuffers()
		}
		return &SpeedError{Speed: req.Speed, Curve: req.Curve, Attempts: d.opts.SpeedAttempts, Err: err}
	})
}

func (d *Dispatcher) sendSpeed(c *protocol.Codec, curve SpeedCurve, scaled int16) error {
	if err := c.SendToken(curve.token()); err != nil {
		return err
	}
	if err := c.SendInt16(scaled); err != nil {
		return err
	}
	return c.ExpectAck()
}

// Ping asks the cartridge to identify itself.
func (d *Dispatcher) Ping(ctx context.Context, req Ping) PingResult {
	var out PingResult
	out.Result = d.pipe.Run(ctx, req, pipeline.FailFast, func(_ context.Context, link *serialstate.Context) error {
		c := d.codec(link)
		if err := c.ClearBuffers(); err != nil {
			return err
		}
		if err := c.SendToken(protocol.TokenPing); err != nil {
			return err
		}
		out.Response = c.DrainString(d.opts.PingWait)
		lower := strings.ToLower(out.Response)
		if !strings.Contains(lower, "teensyrom") && !strings.Contains(lower, "busy") {
			return fmt.Errorf("commands: ping: unexpected reply %q", out.Response)
		}
		return nil
	})
	return out
}

// ResetC64 resets the host computer.
func (d *Dispatcher) ResetC64(ctx context.Context, req ResetC64) pipeline.Result {
	return d.pipe.Run(ctx, req, pipeline.Wait, func(_ context.Context, link *serialstate.Context) error {
		c := d.codec(link)
		if err := c.ClearBuffers(); err != nil {
			return err
		}
		if err := c.SendToken(protocol.TokenResetC64); err != nil {
			return err
		}
		return c.ExpectAck()
	})
}

// PauseMusic toggles playback of the running SID.
func (d *Dispatcher) PauseMusic(ctx context.Context, req PauseMusic) pipeline.Result {
	return d.pipe.Run(ctx, req, pipeline.Wait, func(_ context.Context, link *serialstate.Context) error {
		c := d.codec(link)
		if err := c.SendToken(protocol.TokenPauseMusic); err != nil {
			return err
		}
		return c.ExpectAck()
	})
}
