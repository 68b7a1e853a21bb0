// Package tools provides a registry of named operations that agents can
// invoke during a run, plus the built-in workload data tools.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"optiq/pkg/logx"
)

// ErrUnknownTool is returned when dispatching an unregistered operation.
var ErrUnknownTool = errors.New("unknown tool")

// Status values for tool results.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Result is the outcome of a tool invocation.
type Result struct {
	Payload any    `json:"payload,omitempty"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// HandlerFunc executes one tool operation.
type HandlerFunc func(ctx context.Context, params map[string]any) (any, error)

// Dispatcher maps operation names to handlers. Construct one per process
// and inject it into the agents that need tool access.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	logger   *logx.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		logger:   logx.NewLogger("tools"),
	}
}

// Register adds a handler for name, replacing any existing registration.
func (d *Dispatcher) Register(name string, handler HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = handler
}

// Names returns the registered operation names.
func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for n := range d.handlers {
		names = append(names, n)
	}
	return names
}

// Dispatch invokes the named operation. Unknown names return ErrUnknownTool;
// handler panics are recovered into errors so one bad tool cannot take down
// a pipeline run.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, params map[string]any) (result Result, err error) {
	d.mu.RLock()
	handler, ok := d.handlers[name]
	d.mu.RUnlock()
	if !ok {
		return Result{Status: StatusError, Error: fmt.Sprintf("unknown tool %q", name)},
			fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool %s panicked: %v", name, r)
			err = fmt.Errorf("tool %s panicked: %v", name, r)
			result = Result{Status: StatusError, Error: err.Error()}
		}
	}()

	payload, err := handler(ctx, params)
	if err != nil {
		return Result{Status: StatusError, Error: err.Error()}, err
	}
	return Result{Status: StatusOK, Payload: payload}, nil
}
