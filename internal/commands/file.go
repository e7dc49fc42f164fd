package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gg-glitch-88/cartlink/internal/pipeline"
	"github.com/gg-glitch-88/cartlink/internal/protocol"
	"github.com/gg-glitch-88/cartlink/internal/serialstate"
)

// maxFileSize bounds the length a device may announce for GetFile.
const maxFileSize = 64 << 20

const fileExists = "file already exists"

// GetFile downloads a file and validates it against the checksum the
// device announced. A mismatch fails the command; it is never retried.
func (d *Dispatcher) GetFile(ctx context.Context, req GetFile) FileResult {
	var out FileResult
	out.Result = d.pipe.Run(ctx, req, pipeline.Wait, func(_ context.Context, link *serialstate.Context) error {
		c := d.codec(link)
		if err := c.ClearBuffers(); err != nil {
			return err
		}
		if err := c.SendToken(protocol.TokenGetFile); err != nil {
			return err
		}
		if err := c.ExpectAck(); err != nil {
			return err
		}
		if err := c.SendPath(req.Storage, req.Path); err != nil {
			return err
		}
		if err := c.ExpectAck(); err != nil {
			return err
		}

		length, err := c.ReadUint(4, d.opts.AckTimeout)
		if err != nil {
			return fmt.Errorf("commands: read file length: %w", err)
		}
		if length > maxFileSize {
			return fmt.Errorf("commands: announced file size %d exceeds %d bytes", length, maxFileSize)
		}
		want, err := c.ReadUint(4, d.opts.AckTimeout)
		if err != nil {
			return fmt.Errorf("commands: read checksum: %w", err)
		}
		buf, err := c.ReadFull(int(length), d.opts.TransferTimeout)
		if err != nil {
			return fmt.Errorf("commands: read file body: %w", err)
		}
		if err := c.ExpectAck(); err != nil {
			return err
		}

		if got := protocol.Checksum(buf); uint32(got) != want&0xFFFF {
			d.log.Error("checksum mismatch",
				zap.String("path", req.Path),
				zap.Uint32("announced", want),
				zap.Uint16("computed", got),
			)
			return protocol.ErrChecksumMismatch
		}
		out.Data = buf
		return nil
	})
	return out
}

// SaveFiles sends each file independently. A file that keeps failing is
// reported in Failed while the rest of the batch carries on.
func (d *Dispatcher) SaveFiles(ctx context.Context, req SaveFiles) SaveFilesResult {
	var out SaveFilesResult
	out.Result = d.pipe.Run(ctx, req, pipeline.Wait, func(ctx context.Context, link *serialstate.Context) error {
		c := d.codec(link)
		d.log.Info("saving files", zap.Int("count", len(req.Files)))
		for _, f := range req.Files {
			if err := d.saveFile(ctx, c, f); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				d.log.Error("save failed",
					zap.String("path", f.TargetPath()),
					zap.Int("attempts", d.opts.RetryLimit),
					zap.Error(err),
				)
				out.Failed = append(out.Failed, f)
				continue
			}
			d.log.Info("save succeeded", zap.String("path", f.TargetPath()))
			out.Successful = append(out.Successful, f)
		}
		return nil
	})
	if out.Success && len(out.Failed) > 0 {
		out.Success = false
		out.Error = fmt.Sprintf("%d of %d file(s) could not be saved", len(out.Failed), len(req.Files))
	}
	return out
}

// saveFile runs the send handshake up to RetryLimit times. When the
// device reports the file already exists, the remote copy is deleted and
// the send repeated; a successful delete does not use up an attempt.
func (d *Dispatcher) saveFile(ctx context.Context, c *protocol.Codec, f *FileTransferItem) error {
	var (
		attempt int
		deletes int
		lastErr error
	)
	for attempt < d.opts.RetryLimit {
		err := d.sendOnce(c, f)
		if err == nil {
			return nil
		}
		lastErr = err

		drained := c.DrainString(d.opts.DuplicateDrain)
		if isDuplicate(err, drained) && deletes < d.opts.RetryLimit {
			deletes++
			d.log.Warn("file already exists, overwriting", zap.String("path", f.TargetPath()))
			if derr := d.deleteRemote(c, f.TargetStorage(), f.TargetPath()); derr != nil {
				d.log.Error("delete failed", zap.String("path", f.TargetPath()), zap.Error(derr))
				attempt++
			}
			continue
		}

		attempt++
		if attempt >= d.opts.RetryLimit {
			break
		}
		wait := d.opts.RetryBackoff * time.Duration(attempt)
		d.log.Warn("save retry",
			zap.String("path", f.TargetPath()),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		if err := d.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return lastErr
}

func (d *Dispatcher) sendOnce(c *protocol.Codec, f *FileTransferItem) error {
	if err := c.ClearBuffers(); err != nil {
		return err
	}
	if err := c.SendToken(protocol.TokenSendFile); err != nil {
		return err
	}
	if err := c.ExpectAck(); err != nil {
		return err
	}
	if err := c.SendUint(f.StreamLength(), 4); err != nil {
		return err
	}
	if err := c.SendUint(uint32(f.Checksum()), 2); err != nil {
		return err
	}
	if err := c.SendPath(f.TargetStorage(), f.TargetPath()); err != nil {
		return err
	}
	if err := c.ExpectAck(); err != nil {
		return err
	}
	if err := c.ClearBuffers(); err != nil {
		return err
	}
	if err := c.WriteChunked(f.Buffer()); err != nil {
		return err
	}
	return c.ExpectAck()
}

func isDuplicate(err error, drained string) bool {
	if strings.Contains(strings.ToLower(drained), fileExists) {
		return true
	}
	var de *protocol.DeviceError
	if errors.As(err, &de) && strings.Contains(strings.ToLower(de.Message), fileExists) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), fileExists)
}

// DeleteFile removes a file from the cartridge.
func (d *Dispatcher) DeleteFile(ctx context.Context, req DeleteFile) pipeline.Result {
	return d.pipe.Run(ctx, req, pipeline.Wait, func(_ context.Context, link *serialstate.Context) error {
		return d.deleteRemote(d.codec(link), req.Storage, req.Path)
	})
}

func (d *Dispatcher) deleteRemote(c *protocol.Codec, storage protocol.StorageType, path string) error {
	if err := c.ClearBuffers(); err != nil {
		return err
	}
	if err := c.SendToken(protocol.TokenDeleteFile); err != nil {
		return err
	}
	if err := c.ExpectAck(); err != nil {
		return err
	}
	if err := c.SendPath(storage, path); err != nil {
		return err
	}
	return c.ExpectAck()
}
