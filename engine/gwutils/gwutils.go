package gwutils

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/xiaonanln/gostate/engine/gwlog"
)

// RunPanicless calls a function panic-freely
func RunPanicless(f func()) (paniced bool) {
	defer func() {
		err := recover()
		if err != nil {
			gwlog.TraceError("%v panic: %v", f, err)
			paniced = true
		}
	}()

	f()
	return
}

// CatchPanic calls a function and converts a panic into the returned error
//
// Errors raised by panic(err) are returned as they are so that callers can inspect them with errors.Cause
func CatchPanic(f func() error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if e, ok := r.(error); ok {
			err = e
		} else {
			err = errors.New(fmt.Sprint(r))
		}
	}()

	return f()
}
