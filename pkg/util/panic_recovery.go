package util

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
)

// PanicHandler provides centralized panic recovery and logging
type PanicHandler struct {
	logger *logrus.Logger
}

// NewPanicHandler creates a new panic handler
func NewPanicHandler(logger *logrus.Logger) *PanicHandler {
	return &PanicHandler{
		logger: logger,
	}
}

// Recover recovers from panics and logs them. It must be deferred directly.
func (ph *PanicHandler) Recover(component string) {
	if r := recover(); r != nil {
		ph.log(component, r)
	}
}

// RecoverWithCallback recovers from panics and executes a callback
func (ph *PanicHandler) RecoverWithCallback(component string, callback func(interface{})) {
	if r := recover(); r != nil {
		ph.log(component, r)
		if callback == nil {
			return
		}

		// Protect the callback itself from panics
		defer func() {
			if cbPanic := recover(); cbPanic != nil {
				ph.logger.WithFields(logrus.Fields{
					"component":      component,
					"callback_panic": cbPanic,
				}).Error("Panic in panic recovery callback")
			}
		}()
		callback(r)
	}
}

// SafeGo starts a goroutine with panic recovery
func (ph *PanicHandler) SafeGo(component string, fn func()) {
	go func() {
		defer ph.Recover(component)
		fn()
	}()
}

func (ph *PanicHandler) log(component string, value interface{}) {
	ph.logger.WithFields(logrus.Fields{
		"component":   component,
		"panic_value": value,
		"caller":      panicCaller(),
		"stack_trace": string(debug.Stack()),
	}).Error("Panic recovered")
}

// panicCaller locates the frame that panicked, skipping the runtime and this file
func panicCaller() string {
	pc := make([]uintptr, 16)
	n := runtime.Callers(4, pc)
	frames := runtime.CallersFrames(pc[:n])
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !strings.HasPrefix(frame.Function, "runtime.") {
			return fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function)
		}
		if !more {
			return ""
		}
	}
}
