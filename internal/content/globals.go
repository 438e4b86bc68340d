package content

import (
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// setupGlobals configures the page's global scope.
func (v *View) setupGlobals() {
	vm := v.vm

	// Remove host module globals
	_ = vm.Set("require", goja.Undefined())
	_ = vm.Set("process", goja.Undefined())
	_ = vm.Set("module", goja.Undefined())
	_ = vm.Set("exports", goja.Undefined())

	global := vm.GlobalObject()
	_ = vm.Set("window", global)
	_ = vm.Set("self", global)

	console := vm.NewObject()
	for _, level := range []string{"log", "debug", "info", "warn", "error"} {
		_ = console.Set(level, v.makeConsoleFunc(level))
	}
	_ = vm.Set("console", console)

	_ = vm.Set("setTimeout", v.setTimeout)
	_ = vm.Set("clearTimeout", v.clearTimeout)
}

// makeConsoleFunc routes console output to the view's logger.
func (v *View) makeConsoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if !v.config.EnableConsole {
			return goja.Undefined()
		}

		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		msg := strings.Join(parts, " ")

		switch level {
		case "debug":
			v.logger.Debug(msg, zap.String("source", "console"))
		case "warn":
			v.logger.Warn(msg, zap.String("source", "console"))
		case "error":
			v.logger.Error(msg, zap.String("source", "console"))
		default:
			v.logger.Info(msg, zap.String("source", "console"))
		}
		return goja.Undefined()
	}
}

// setTimeout schedules fn on a later turn of the loop. Timers die with the
// runtime that created them.
func (v *View) setTimeout(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(v.vm.NewTypeError("setTimeout: callback is not a function"))
	}

	delay := call.Argument(1).ToInteger()
	if delay < 0 {
		delay = 0
	}
	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = append(args, call.Arguments[2:]...)
	}

	v.nextTimer++
	timerID := v.nextTimer
	generation := v.generation.Load()

	v.timers[timerID] = time.AfterFunc(time.Duration(delay)*time.Millisecond, func() {
		_ = v.enqueue(func() {
			if v.generation.Load() != generation {
				return
			}
			if _, live := v.timers[timerID]; !live {
				return
			}
			delete(v.timers, timerID)
			v.call("timer", fn, args...)
		})
	})
	return v.vm.ToValue(timerID)
}

func (v *View) clearTimeout(call goja.FunctionCall) goja.Value {
	timerID := call.Argument(0).ToInteger()
	if t, ok := v.timers[timerID]; ok {
		t.Stop()
		delete(v.timers, timerID)
	}
	return goja.Undefined()
}
