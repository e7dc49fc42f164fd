// Package pipeline runs every device command through a fixed chain of
// behaviors: error translation, logging, and exclusive use of the link.
package pipeline

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/gg-glitch-88/cartlink/internal/protocol"
	"github.com/gg-glitch-88/cartlink/internal/serialstate"
)

// Policy chooses how a command reacts to a link that is already Busy.
type Policy int

const (
	// FailFast returns serialstate.ErrBusy immediately.
	FailFast Policy = iota
	// Wait queues behind the running command.
	Wait
)

func (p Policy) String() string {
	if p == Wait {
		return "wait"
	}
	return "fail_fast"
}

// Request is what every command carries into the pipeline.
type Request interface {
	CommandName() string
	// DeviceID selects the link; empty means the default device.
	DeviceID() string
	// LogFields lists the request fields worth logging.
	LogFields() []zap.Field
}

// Alerter receives short user-facing messages.
type Alerter interface {
	Publish(msg string)
}

// Resolver finds the state machine owning a device's link.
type Resolver interface {
	Resolve(deviceID string) (*serialstate.Context, error)
}

// Call is one command execution as it travels through the chain.
type Call struct {
	Request Request
	Policy  Policy
	// Link is set by the Serial behavior before the handler runs.
	Link *serialstate.Context
}

// Step runs a call.
type Step func(ctx context.Context, call *Call) error

// Behavior wraps a step.
type Behavior func(next Step) Step

// Chain wraps step in behaviors; the first behavior is the outermost.
func Chain(step Step, behaviors ...Behavior) Step {
	for i := len(behaviors) - 1; i >= 0; i-- {
		step = behaviors[i](step)
	}
	return step
}

// Handler is the command body. It owns the link for its whole run.
type Handler func(ctx context.Context, link *serialstate.Context) error

// Result is the outcome every command reports.
type Result struct {
	Success bool               `json:"success"`
	Error   string             `json:"error,omitempty"`
	Code    protocol.ErrorCode `json:"code"`
	// Err keeps the underlying error for errors.As; it is not serialised.
	Err error `json:"-"`
}

// Succeeded is the zero-error Result.
func Succeeded() Result { return Result{Success: true} }

// Failed builds a Result from err.
func Failed(err error) Result {
	if err == nil {
		return Succeeded()
	}
	r := Result{Error: err.Error(), Code: protocol.CodeOf(err), Err: err}
	var pe *Error
	if errors.As(err, &pe) {
		r.Error = pe.Message
		r.Err = pe.Err
	}
	return r
}

// Pipeline is the chain shared by all commands.
type Pipeline struct {
	resolver Resolver
	alerts   Alerter
	log      *zap.Logger
}

// New builds a Pipeline. alerts may be nil.
func New(resolver Resolver, alerts Alerter, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	if alerts == nil {
		alerts = nopAlerter{}
	}
	return &Pipeline{resolver: resolver, alerts: alerts, log: log.Named("pipeline")}
}

// Run executes fn for req through Exception, Logging and Serial, in that
// order, and folds the outcome into a Result.
func (p *Pipeline) Run(ctx context.Context, req Request, policy Policy, fn Handler) Result {
	step := Chain(
		func(ctx context.Context, call *Call) error { return fn(ctx, call.Link) },
		Exception(p.alerts, p.log),
		Logging(p.log),
		Serial(p.resolver),
	)
	return Failed(step(ctx, &Call{Request: req, Policy: policy}))
}

type nopAlerter struct{}

func (nopAlerter) Publish(string) {}
