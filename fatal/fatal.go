// Package fatal handles the "abort the process" branch of spec.md §7's
// error taxonomy: a panic inside a logical-journal apply callback, or any
// other fatal consistency violation, leaves the state machine inconsistent
// with the log, and recovery is possible only via a clean restart.
package fatal

import (
	"os"
	"sync"

	"github.com/clusterd/raftjournal/rjlog"
)

// exit is indirected so tests can observe an abort without killing the test
// binary.
var (
	mu   sync.Mutex
	exit = os.Exit
)

// SetExitFunc overrides the function called by Abort. Intended for tests
// only; production code should leave this at its default (os.Exit).
func SetExitFunc(fn func(code int)) (restore func()) {
	mu.Lock()
	prev := exit
	exit = fn
	mu.Unlock()
	return func() {
		mu.Lock()
		exit = prev
		mu.Unlock()
	}
}

// Abort logs err at Critical level and terminates the process. Call this
// exactly where spec.md §7 calls for aborting: a failed apply callback, a
// failed snapshot install, or an engine report of diverging state.
func Abort(log *rjlog.Logger, err error) {
	if log != nil {
		log.Crit().Err(err).Log("fatal consistency violation, aborting process")
	}
	mu.Lock()
	fn := exit
	mu.Unlock()
	fn(1)
}

// Recover turns a recovered panic into a call to Abort, for use in a
// deferred statement wrapping a logical-journal apply callback.
func Recover(log *rjlog.Logger) {
	if r := recover(); r != nil {
		Abort(log, asError(r))
	}
}

func asError(r any) error {
	if e, ok := r.(error); ok {
		return e
	}
	return panicError{v: r}
}

type panicError struct{ v any }

func (p panicError) Error() string { return "panic: " + toString(p.v) }

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if e, ok := v.(error); ok {
		return e.Error()
	}
	return "non-error panic value"
}
