package bus

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxsml/filterbus/pipe"
	"github.com/fxsml/filterbus/probe"
)

// Activity is a step of a routing slip. Execute returns a log that
// Compensate receives to undo the step.
type Activity[A, L any] interface {
	Execute(c *ExecuteContext, args A) (L, error)
	Compensate(c *CompensateContext, log L) error
}

type activityBinding struct {
	name       string
	argsType   reflect.Type
	logType    reflect.Type
	execute    func(c *ExecuteContext) error
	compensate func(c *CompensateContext) error
}

// RegisterActivity registers a named activity. Registering the same name
// twice is a configuration error.
func RegisterActivity[A, L any](c *Configurator, name string, a Activity[A, L]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.activities {
		if b.name == name {
			c.results = append(c.results, pipe.Failuref("activities."+name, "registered more than once"))
			return
		}
	}
	if name == "" || a == nil {
		c.results = append(c.results, pipe.Failuref("activities", "name and activity must be set"))
		return
	}
	c.activities = append(c.activities, &activityBinding{
		name:     name,
		argsType: reflect.TypeFor[A](),
		logType:  reflect.TypeFor[L](),
		execute: func(c *ExecuteContext) error {
			args, ok := c.Arguments().(A)
			if !ok {
				return fmt.Errorf("%w: %s expects %v, got %T", ErrInvalidArguments, name, reflect.TypeFor[A](), c.Arguments())
			}
			log, err := a.Execute(c, args)
			if err != nil {
				return err
			}
			c.Completed(log)
			return nil
		},
		compensate: func(c *CompensateContext) error {
			log, ok := c.Log().(L)
			if !ok {
				return fmt.Errorf("%w: %s expects log %v, got %T", ErrInvalidArguments, name, reflect.TypeFor[L](), c.Log())
			}
			return a.Compensate(c, log)
		},
	})
}

type executeDispatch struct {
	activities map[string]*activityBinding
	order      []string
}

func (d *executeDispatch) Send(c *ExecuteContext, next pipe.Pipe[*ExecuteContext]) error {
	b, ok := d.activities[c.Activity]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownActivity, c.Activity)
	}
	if err := b.execute(c); err != nil {
		return err
	}
	return next.Send(c)
}

func (d *executeDispatch) Probe(ctx probe.Context) {
	s := probe.FilterScope(ctx, "activities")
	for _, name := range d.order {
		b := d.activities[name]
		s.CreateScope("activity").Set(map[string]any{
			"name":      name,
			"arguments": b.argsType.String(),
			"log":       b.logType.String(),
		})
	}
}

type compensateDispatch struct {
	activities map[string]*activityBinding
}

func (d *compensateDispatch) Send(c *CompensateContext, next pipe.Pipe[*CompensateContext]) error {
	b, ok := d.activities[c.Activity]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownActivity, c.Activity)
	}
	if err := b.compensate(c); err != nil {
		return err
	}
	return next.Send(c)
}

func (d *compensateDispatch) Probe(ctx probe.Context) {
	probe.FilterScope(ctx, "activities").Add("count", len(d.activities))
}

// Step is a single activity invocation of an itinerary.
type Step struct {
	Activity  string
	Arguments any
}

// ItineraryError reports the failed step of an itinerary and any
// compensation failures.
type ItineraryError struct {
	Step         int
	Activity     string
	Err          error
	Compensation error
}

func (e *ItineraryError) Error() string {
	msg := fmt.Sprintf("bus: itinerary step %d (%s) faulted: %v", e.Step, e.Activity, e.Err)
	if e.Compensation != nil {
		msg += fmt.Sprintf("; compensation: %v", e.Compensation)
	}
	return msg
}

func (e *ItineraryError) Unwrap() []error {
	if e.Compensation == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Compensation}
}

type completedStep struct {
	activity string
	log      any
}

// RunItinerary executes steps in order. When a step faults, every
// completed step is compensated in reverse order and an *ItineraryError is
// returned.
func (b *Bus) RunItinerary(ctx context.Context, steps ...Step) error {
	completed := make([]completedStep, 0, len(steps))
	for i, step := range steps {
		log, err := b.Execute(ctx, step.Activity, step.Arguments)
		if err != nil {
			ierr := &ItineraryError{Step: i, Activity: step.Activity, Err: err}
			var errs []error
			for j := len(completed) - 1; j >= 0; j-- {
				// compensation runs even when ctx was cancelled
				cctx := context.WithoutCancel(ctx)
				if cerr := b.Compensate(cctx, completed[j].activity, completed[j].log); cerr != nil {
					errs = append(errs, fmt.Errorf("compensate %s: %w", completed[j].activity, cerr))
				}
			}
			ierr.Compensation = errors.Join(errs...)
			return ierr
		}
		completed = append(completed, completedStep{activity: step.Activity, log: log})
	}
	return nil
}
