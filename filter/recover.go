package filter

import (
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/fxsml/filterbus/pipe"
	"github.com/fxsml/filterbus/probe"
)

// RecoveryError is returned in place of a panic caught by the recover
// filter.
type RecoveryError struct {
	PanicValue any
	StackTrace string
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("filterbus: recovered from panic: %v", e.PanicValue)
}

// Unwrap exposes a panic value of type error to errors.Is and errors.As.
func (e *RecoveryError) Unwrap() error {
	if err, ok := e.PanicValue.(error); ok {
		return err
	}
	return nil
}

// Recover turns a panic further down the pipe into a *RecoveryError.
type Recover[C pipe.Context] struct {
	panics atomic.Int64
}

// NewRecover creates a recover filter.
func NewRecover[C pipe.Context]() *Recover[C] {
	return new(Recover[C])
}

func (f *Recover[C]) Send(c C, next pipe.Pipe[C]) (err error) {
	defer func() {
		v := recover()
		if v == nil {
			return
		}
		f.panics.Add(1)
		err = &RecoveryError{PanicValue: v, StackTrace: string(debug.Stack())}
	}()
	return next.Send(c)
}

func (f *Recover[C]) Probe(ctx probe.Context) {
	probe.FilterScope(ctx, "recover").Add("recovered", f.panics.Load())
}

// UseRecover adds a recover filter.
func UseRecover[C pipe.Context](cfg *pipe.Configurator[C]) error {
	return cfg.UseFilter(NewRecover[C]())
}
