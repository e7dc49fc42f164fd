package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gg-glitch-88/cartlink/internal/serialstate"
)

const (
	MsgBusy         = "The cartridge is busy with another operation. Try again in a moment."
	MsgPortClosed   = "The serial port is closed. Check the connection to the cartridge."
	MsgNotConnected = "The cartridge is not connected."
)

// Error is a failure translated for the user. Err keeps the cause.
type Error struct {
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }
func (e *Error) Unwrap() error { return e.Err }

// bypasser is implemented by errors whose callers run their own retry
// loop and need them untranslated.
type bypasser interface {
	Bypass() bool
}

// Exception translates failures into user-facing messages. Busy failures
// are also published as alerts. Errors that opt out through Bypass pass
// through unchanged.
func Exception(alerts Alerter, log *zap.Logger) Behavior {
	return func(next Step) Step {
		return func(ctx context.Context, call *Call) (err error) {
			defer func() {
				if err == nil {
					return
				}
				var b bypasser
				if errors.As(err, &b) && b.Bypass() {
					return
				}
				var pe *Error
				if errors.As(err, &pe) {
					return
				}
				err = translate(err, call, alerts, log)
			}()
			return next(ctx, call)
		}
	}
}

func translate(err error, call *Call, alerts Alerter, log *zap.Logger) error {
	switch {
	case errors.Is(err, serialstate.ErrBusy):
		log.Error("device busy",
			zap.String("command", call.Request.CommandName()),
			zap.String("device", call.Request.DeviceID()),
		)
		alerts.Publish(MsgBusy)
		return &Error{Message: MsgBusy, Err: err}
	case strings.Contains(strings.ToLower(err.Error()), "port is closed"):
		return &Error{Message: MsgPortClosed, Err: err}
	case strings.Contains(err.Error(), serialstate.ErrNotPermitted.Error()):
		return &Error{Message: MsgNotConnected, Err: err}
	}
	return err
}

// Logging records the request, how long it ran and how it ended.
func Logging(log *zap.Logger) Behavior {
	return func(next Step) Step {
		return func(ctx context.Context, call *Call) error {
			name := call.Request.CommandName()
			fields := append([]zap.Field{
				zap.String("command", name),
				zap.String("device", call.Request.DeviceID()),
				zap.String("source", "internal"),
			}, call.Request.LogFields()...)
			log.Info(name+" started", fields...)

			start := time.Now()
			err := next(ctx, call)
			elapsed := zap.Duration("elapsed", time.Since(start))

			if err != nil {
				log.Error(name+" failed", zap.String("command", name), elapsed, zap.Error(err))
				return err
			}
			log.Info(name+" completed", zap.String("command", name), elapsed)
			return nil
		}
	}
}

// Serial resolves the device link, takes it into Busy according to the
// call's policy and holds it for the rest of the chain. The health check
// is paused and background reading stopped until the call returns,
// successfully or not.
func Serial(resolver Resolver) Behavior {
	return func(next Step) Step {
		return func(ctx context.Context, call *Call) error {
			link, err := resolver.Resolve(call.Request.DeviceID())
			if err != nil {
				return fmt.Errorf("pipeline: resolve device: %w", err)
			}
			if err := link.Acquire(ctx, call.Policy == Wait); err != nil {
				return err
			}
			defer func() {
				_ = link.Unlock()
				link.Release()
				_ = link.StartHealthCheck()
			}()

			if err := link.StopHealthCheck(); err != nil {
				return err
			}
			if err := link.Lock(); err != nil {
				return err
			}
			call.Link = link
			return next(ctx, call)
		}
	}
}

// SingleDevice resolves every request to one link.
type SingleDevice struct {
	Link *serialstate.Context
}

func (s SingleDevice) Resolve(string) (*serialstate.Context, error) {
	if s.Link == nil {
		return nil, errors.New("pipeline: no device configured")
	}
	return s.Link, nil
}
