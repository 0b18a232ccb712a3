package events

import (
	"errors"
	"fmt"

	"github.com/jnesss/eventstrace/types"
)

// Dispatcher routes decoded records to one callback per event variant. A
// nil callback ignores its variant. Records with an unknown type reach
// OnUnknown undecoded.
type Dispatcher struct {
	OnFork       func(*types.ProcessForkEvent) error
	OnExec       func(*types.ProcessExecEvent) error
	OnExit       func(*types.ProcessExitEvent) error
	OnSetsid     func(*types.ProcessSetsidEvent) error
	OnFileDelete func(*types.FileDeleteEvent) error
	OnNetwork    func(*types.NetworkEvent) error
	OnUnknown    func(Record) error
}

// Handle is a Handler.
func (d *Dispatcher) Handle(rec Record) error {
	evt, err := rec.Decode()
	if errors.Is(err, types.ErrUnknownEventType) {
		if d.OnUnknown != nil {
			return d.OnUnknown(rec)
		}
		return nil
	}
	if err != nil {
		return err
	}

	switch e := evt.(type) {
	case *types.ProcessForkEvent:
		return call(d.OnFork, e)
	case *types.ProcessExecEvent:
		return call(d.OnExec, e)
	case *types.ProcessExitEvent:
		return call(d.OnExit, e)
	case *types.ProcessSetsidEvent:
		return call(d.OnSetsid, e)
	case *types.FileDeleteEvent:
		return call(d.OnFileDelete, e)
	case *types.NetworkEvent:
		return call(d.OnNetwork, e)
	default:
		return fmt.Errorf("events: no route for %T", evt)
	}
}

func call[T any](fn func(T) error, evt T) error {
	if fn == nil {
		return nil
	}
	return fn(evt)
}
