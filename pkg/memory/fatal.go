package memory

import (
	"github.com/cockroachdb/errors"
)

// Phase names the collector activity that failed
type Phase string

const (
	PhaseAllocation      Phase = "allocation"
	PhaseBarrier         Phase = "write barrier"
	PhaseStackScan       Phase = "stack scan"
	PhaseSweep           Phase = "zct sweep"
	PhaseCycleCollection Phase = "cycle collection"
)

// FatalError is an unrecoverable heap failure. The collector never returns
// it to the mutator; it is handed to Config.OnFatal and then raised as a
// panic.
type FatalError struct {
	Phase Phase
	Err   error
}

func (e *FatalError) Error() string {
	return "fatal heap error during " + string(e.Phase) + ": " + e.Err.Error()
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err carries a FatalError and returns it.
func IsFatal(err error) (*FatalError, bool) {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// fatal reports err for phase and never returns.
func (h *HeapManager) fatal(phase Phase, err error) {
	fe := &FatalError{Phase: phase, Err: err}
	h.log.Error("fatal heap error", "phase", string(phase), "err", err)
	if h.cfg.OnFatal != nil {
		h.cfg.OnFatal(fe)
	}
	panic(fe)
}

func (h *HeapManager) fatalf(phase Phase, format string, args ...interface{}) {
	h.fatal(phase, errors.Newf(format, args...))
}

// runFinalizer invokes the finalizer of c, treating an error or a panic as
// fatal for the given phase.
func (h *HeapManager) runFinalizer(c cellPtr, phase Phase) {
	td := h.typeOf(c)
	if td.Finalizer == nil {
		return
	}
	obj := payloadOf(c)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				if fe, ok := r.(*FatalError); ok {
					panic(fe)
				}
				err = errors.Newf("finalizer panicked: %v", r)
			}
		}()
		return td.Finalizer(h, obj)
	}()
	if err != nil {
		h.fatal(phase, errors.Wrapf(err, "finalizer of %s at %#x", td.Name, obj))
	}
	h.stats.FinalizersRun++
}
