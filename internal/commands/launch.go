package commands

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/gg-glitch-88/cartlink/internal/pipeline"
	"github.com/gg-glitch-88/cartlink/internal/protocol"
	"github.com/gg-glitch-88/cartlink/internal/serialstate"
)

const (
	MsgLargeLaunch = "Detected a large file launch. A reconnection will occur."
	MsgRetryLaunch = "Detected launch retry request from TeensyROM. A reconnection will occur."

	ioHandlerBanner = "Loading IO handler: TeensyROM"
	ioHandlerPrefix = "loading io handler:"
)

var programErrors = []string{"not enough room", "unsupported hw type"}

// launchRun carries state across the phases of one launch.
type launchRun struct {
	req        LaunchFile
	link       *serialstate.Context
	codec      *protocol.Codec
	reconnects int
}

// LaunchFile starts a file on the cartridge and classifies the reaction.
// A RetryLaunch reply means the cartridge is rebooting into another mode;
// the link is re-established and the launch sent again.
func (d *Dispatcher) LaunchFile(ctx context.Context, req LaunchFile) LaunchResult {
	var (
		out        LaunchResult
		unconfirm  bool
		reconnects int
	)
	outcome := LaunchFailed
	out.Result = d.pipe.Run(ctx, req, pipeline.Wait, func(ctx context.Context, link *serialstate.Context) error {
		run := &launchRun{req: req, link: link, codec: d.codec(link)}
		defer func() { reconnects = run.reconnects }()

		ack, err := d.attemptLaunch(run)
		if err != nil {
			return err
		}
		switch ack {
		case protocol.TokenRetryLaunch:
			outcome, unconfirm, err = d.launchRetried(ctx, run)
		default:
			outcome, unconfirm, err = d.launchAcked(ctx, run)
		}
		return err
	})
	out.Outcome = outcome
	out.Unconfirmed = unconfirm
	out.Reconnects = reconnects
	if out.Success && !outcome.succeeded() {
		out.Success = false
		out.Error = outcome.message(req.Item.Name)
	}
	if unconfirm {
		d.log.Warn("launch not confirmed by device, assuming success", zap.String("path", req.Item.Path))
	}
	return out
}

func (d *Dispatcher) attemptLaunch(run *launchRun) (protocol.Token, error) {
	c := run.codec
	if err := c.ClearBuffers(); err != nil {
		return protocol.TokenUnknown, err
	}
	if err := c.SendToken(protocol.TokenLaunchFile); err != nil {
		return protocol.TokenUnknown, err
	}
	ack, err := c.ReadAck()
	if err != nil {
		return ack, err
	}
	if ack == protocol.TokenRetryLaunch {
		d.log.Info("device requested launch retry", zap.String("path", run.req.Item.Path))
		return ack, nil
	}
	if err := c.SendPath(run.req.Storage, run.req.Item.Path); err != nil {
		return protocol.TokenUnknown, err
	}
	return c.ReadAck()
}

func (d *Dispatcher) launchAcked(ctx context.Context, run *launchRun) (LaunchOutcome, bool, error) {
	if t := run.req.Item.Type; t.IsHex() || t.IsImage() {
		return LaunchSuccess, false, nil
	}
	outcome, exhausted, err := d.poll(run)
	if err != nil || outcome != LaunchDisconnected {
		return outcome, exhausted, err
	}

	if run.req.Item.Size >= d.opts.LargeFileThreshold {
		d.alerts.Publish(MsgLargeLaunch)
	}
	if err := d.relink(ctx, run); err != nil {
		return LaunchDisconnected, false, err
	}
	return d.finalPoll(run)
}

func (d *Dispatcher) launchRetried(ctx context.Context, run *launchRun) (LaunchOutcome, bool, error) {
	d.alerts.Publish(MsgRetryLaunch)
	if err := d.relink(ctx, run); err != nil {
		return LaunchDisconnected, false, err
	}
	if _, err := d.attemptLaunch(run); err != nil {
		return LaunchNoResponse, false, fmt.Errorf("commands: resend launch: %w", err)
	}
	if run.req.Item.Size >= d.opts.LargeFileThreshold {
		d.log.Info("large file retry, reconnecting again", zap.Int64("size", run.req.Item.Size))
		if err := d.relink(ctx, run); err != nil {
			return LaunchDisconnected, false, err
		}
	}
	return d.finalPoll(run)
}

func (d *Dispatcher) relink(ctx context.Context, run *launchRun) error {
	n, err := d.reconnectLink(ctx, run.req.Device, run.link)
	run.reconnects += n
	return err
}

// finalPoll treats a second disconnect as success: the cartridge has
// already rebooted into the launched program.
func (d *Dispatcher) finalPoll(run *launchRun) (LaunchOutcome, bool, error) {
	outcome, exhausted, err := d.poll(run)
	if outcome == LaunchDisconnected {
		return LaunchSuccess, true, nil
	}
	return outcome, exhausted, err
}

// poll reads the device's reaction in short slices. When nothing
// recognisable arrives before the window closes the launch is assumed to
// have worked and exhausted is true.
func (d *Dispatcher) poll(run *launchRun) (outcome LaunchOutcome, exhausted bool, err error) {
	var seen []byte
	for i := 0; i < d.opts.PollIterations; i++ {
		b, rerr := run.link.ReadAvailable(d.opts.PollInterval)
		if rerr != nil {
			if isPortClosed(rerr) {
				d.log.Info("device disconnected during launch", zap.String("path", run.req.Item.Path))
				return LaunchDisconnected, false, nil
			}
			return LaunchNoResponse, false, rerr
		}
		seen = append(seen, b...)
		if o := d.classify(seen); o != LaunchNoResponse {
			return o, false, nil
		}
	}
	return LaunchSuccess, true, nil
}

func (d *Dispatcher) classify(resp []byte) LaunchOutcome {
	text := strings.ReplaceAll(string(resp), ioHandlerBanner, "")
	lower := strings.ToLower(text)
	tokens := protocol.FindTokens(resp)

	has := func(want protocol.Token) bool {
		for _, t := range tokens {
			if t == want {
				return true
			}
		}
		return false
	}
	switch {
	case has(protocol.TokenGoodSID):
		d.log.Info("good sid", zap.String("source", "device"), zap.Binary("response", resp))
		return LaunchSuccess
	case has(protocol.TokenBadSID):
		d.log.Error("sid failed to launch", zap.String("source", "device"), zap.String("response", text))
		return LaunchSidError
	case strings.Contains(lower, ioHandlerPrefix):
		d.log.Info("io handler loaded", zap.String("source", "device"), zap.String("response", text))
		return LaunchSuccess
	}
	for _, e := range programErrors {
		if strings.Contains(lower, e) {
			d.log.Error("program failed to launch", zap.String("source", "device"), zap.String("response", text))
			return LaunchProgramError
		}
	}
	return LaunchNoResponse
}

func (o LaunchOutcome) succeeded() bool {
	return o == LaunchSuccess || o == LaunchDisconnected
}

func (o LaunchOutcome) message(name string) string {
	switch o {
	case LaunchSidError:
		return fmt.Sprintf("%s could not be played", name)
	case LaunchProgramError:
		return fmt.Sprintf("%s could not be launched", name)
	default:
		return fmt.Sprintf("no response from the cartridge while launching %s", name)
	}
}
