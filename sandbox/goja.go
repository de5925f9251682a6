package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/isdmx/codeguard/lang"
)

// BackendGoja is the name of the in-process JavaScript backend.
const BackendGoja = "goja"

const maxTimerCallbacks = 1000

var (
	errNetworkDisabled  = errors.New("network access is disabled in the sandbox")
	errContextDestroyed = errors.New("sandbox context destroyed")
)

// blockedGlobals are removed from every fresh runtime.
var blockedGlobals = []string{
	"eval",
	"Function",
	"require",
	"module",
	"exports",
	"process",
	"importScripts",
	"Worker",
	"SharedWorker",
	"localStorage",
	"sessionStorage",
	"indexedDB",
	"location",
	"navigator",
	"open",
}

// hardeningScripts close the routes back to a code-compiling constructor.
// Each runs separately so a syntax the engine lacks only skips that step.
var hardeningScripts = []string{
	`Object.defineProperty(Function.prototype, "constructor", {value: undefined, writable: false, configurable: false});`,
	`Object.defineProperty(Object.getPrototypeOf(function*(){}), "constructor", {value: undefined, writable: false, configurable: false});`,
	`Object.defineProperty(Object.getPrototypeOf(async function(){}), "constructor", {value: undefined, writable: false, configurable: false});`,
}

// GojaBackend runs JavaScript, and TypeScript after type stripping, in a
// fresh goja runtime per context.
type GojaBackend struct {
	logger *zap.Logger
}

// NewGojaBackend creates the in-process JavaScript backend.
func NewGojaBackend(logger *zap.Logger) *GojaBackend {
	return &GojaBackend{logger: logger}
}

// Name implements Backend.
func (*GojaBackend) Name() string {
	return BackendGoja
}

// Supports implements Backend.
func (*GojaBackend) Supports(l lang.Language) bool {
	return l == lang.JavaScript || l == lang.TypeScript
}

// NewContext implements Backend.
func (b *GojaBackend) NewContext(spec ContextSpec) IsolatedContext {
	if spec.Instrumentation == nil {
		spec.Instrumentation = noInstrumentation{}
	}
	return &gojaContext{logger: b.logger, spec: spec}
}

type timer struct {
	id    int64
	delay int64
	seq   int
	fn    goja.Callable
	args  []goja.Value
}

type gojaContext struct {
	logger *zap.Logger
	spec   ContextSpec

	mu        sync.Mutex
	vm        *goja.Runtime
	destroyed bool

	stdout    bytes.Buffer
	stderr    bytes.Buffer
	outWriter *limitedWriter
	errWriter *limitedWriter
	inputs    []string
	timers    []*timer
	nextTimer int64
	stringify goja.Callable
}

func (c *gojaContext) Create(_ context.Context) error {
	vm := goja.New()
	if c.spec.MaxCallDepth > 0 {
		vm.SetMaxCallStackSize(c.spec.MaxCallDepth)
	}

	for _, script := range hardeningScripts {
		if _, err := vm.RunString(script); err != nil {
			c.logger.Debug("skipping runtime hardening step", zap.Error(err))
		}
	}
	global := vm.GlobalObject()
	for _, name := range blockedGlobals {
		if err := global.Delete(name); err != nil {
			return fmt.Errorf("failed to remove global %s: %w", name, err)
		}
	}

	limit := c.spec.Limits.MaxOutputSize
	if limit <= 0 {
		limit = DefaultMaxOutputSize
	}
	c.outWriter = &limitedWriter{w: &c.stdout, remaining: limit}
	c.errWriter = &limitedWriter{w: &c.stderr, remaining: limit}
	c.inputs = append([]string(nil), c.spec.Inputs...)

	if json := vm.Get("JSON"); json != nil {
		if fn, ok := goja.AssertFunction(json.ToObject(vm).Get("stringify")); ok {
			c.stringify = fn
		}
	}

	if err := c.install(vm); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return errContextDestroyed
	}
	c.vm = vm
	return nil
}

func (c *gojaContext) install(vm *goja.Runtime) error {
	console := vm.NewObject()
	for name, w := range map[string]*limitedWriter{
		"log":   c.outWriter,
		"info":  c.outWriter,
		"debug": c.outWriter,
		"warn":  c.errWriter,
		"error": c.errWriter,
	} {
		if err := console.Set(name, c.printer(w)); err != nil {
			return err
		}
	}

	inputFn := func(call goja.FunctionCall) goja.Value {
		if len(c.inputs) == 0 {
			return goja.Null()
		}
		next := c.inputs[0]
		c.inputs = c.inputs[1:]
		return vm.ToValue(next)
	}

	bindings := map[string]any{
		"console":        console,
		"print":          c.printer(c.outWriter),
		"input":          inputFn,
		"prompt":         inputFn,
		"fetch":          c.fetch(vm),
		"XMLHttpRequest": c.xmlHTTPRequest(vm),
		"WebSocket":      c.webSocket(vm),
		"document":       c.document(vm),
		"setTimeout":     c.setTimer(vm),
		"setInterval":    c.setTimer(vm),
		"clearTimeout":   c.clearTimer,
		"clearInterval":  c.clearTimer,
		"window":         vm.GlobalObject(),
		"self":           vm.GlobalObject(),
	}
	for name, value := range bindings {
		if err := vm.Set(name, value); err != nil {
			return fmt.Errorf("failed to install global %s: %w", name, err)
		}
	}
	return nil
}

func (c *gojaContext) printer(w *limitedWriter) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = c.format(arg)
		}
		_, _ = w.Write([]byte(strings.Join(parts, " ") + "\n"))
		return goja.Undefined()
	}
}

// format renders objects and arrays as JSON and everything else as its
// JavaScript string form.
func (c *gojaContext) format(v goja.Value) string {
	obj, ok := v.(*goja.Object)
	if !ok || c.stringify == nil {
		return v.String()
	}
	if _, isFn := goja.AssertFunction(v); isFn || obj.ClassName() == "Error" {
		return v.String()
	}
	out, err := c.stringify(goja.Undefined(), obj)
	if err != nil || out == nil || goja.IsUndefined(out) {
		return v.String()
	}
	return out.String()
}

func (c *gojaContext) fetch(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		c.spec.Instrumentation.NetworkCall(call.Argument(0).String())
		panic(vm.NewGoError(errNetworkDisabled))
	}
}

func (c *gojaContext) xmlHTTPRequest(vm *goja.Runtime) func(goja.ConstructorCall) *goja.Object {
	return func(call goja.ConstructorCall) *goja.Object {
		target := ""
		_ = call.This.Set("open", func(fc goja.FunctionCall) goja.Value {
			target = fc.Argument(1).String()
			return goja.Undefined()
		})
		_ = call.This.Set("setRequestHeader", func(goja.FunctionCall) goja.Value {
			return goja.Undefined()
		})
		_ = call.This.Set("send", func(goja.FunctionCall) goja.Value {
			c.spec.Instrumentation.NetworkCall(target)
			panic(vm.NewGoError(errNetworkDisabled))
		})
		return nil
	}
}

func (c *gojaContext) webSocket(vm *goja.Runtime) func(goja.ConstructorCall) *goja.Object {
	return func(call goja.ConstructorCall) *goja.Object {
		c.spec.Instrumentation.NetworkCall(call.Argument(0).String())
		panic(vm.NewGoError(errNetworkDisabled))
	}
}

// document is a minimal DOM stub. Mutating methods report to the
// instrumentation and otherwise do nothing.
func (c *gojaContext) document(vm *goja.Runtime) *goja.Object {
	doc := vm.NewObject()
	element := func(tag string) *goja.Object {
		el := vm.NewObject()
		_ = el.Set("tagName", strings.ToUpper(tag))
		_ = el.Set("textContent", "")
		for _, op := range []string{"appendChild", "removeChild", "insertBefore", "replaceChild", "setAttribute", "removeAttribute", "remove"} {
			op := op
			_ = el.Set(op, func(call goja.FunctionCall) goja.Value {
				c.spec.Instrumentation.DOMMutation(op)
				return call.Argument(0)
			})
		}
		return el
	}
	nothing := func(goja.FunctionCall) goja.Value { return goja.Null() }

	_ = doc.Set("createElement", func(call goja.FunctionCall) goja.Value {
		return element(call.Argument(0).String())
	})
	_ = doc.Set("createTextNode", func(call goja.FunctionCall) goja.Value {
		node := vm.NewObject()
		_ = node.Set("textContent", call.Argument(0).String())
		return node
	})
	_ = doc.Set("getElementById", nothing)
	_ = doc.Set("querySelector", nothing)
	_ = doc.Set("querySelectorAll", func(goja.FunctionCall) goja.Value { return vm.NewArray() })
	for _, op := range []string{"write", "writeln"} {
		op := op
		_ = doc.Set(op, func(goja.FunctionCall) goja.Value {
			c.spec.Instrumentation.DOMMutation(op)
			return goja.Undefined()
		})
	}
	_ = doc.Set("body", element("body"))
	_ = doc.Set("head", element("head"))
	_ = doc.Set("title", "")
	return doc
}

// setTimer queues a callback. Queued callbacks run in delay order once the
// main script finishes; string callbacks are refused.
func (c *gojaContext) setTimer(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("timers only accept functions in the sandbox"))
		}
		if len(c.timers) >= maxTimerCallbacks {
			panic(vm.NewTypeError("too many pending timers"))
		}
		c.nextTimer++
		var args []goja.Value
		if len(call.Arguments) > 2 {
			args = append(args, call.Arguments[2:]...)
		}
		c.timers = append(c.timers, &timer{
			id:    c.nextTimer,
			delay: call.Argument(1).ToInteger(),
			seq:   int(c.nextTimer),
			fn:    fn,
			args:  args,
		})
		return vm.ToValue(c.nextTimer)
	}
}

func (c *gojaContext) clearTimer(call goja.FunctionCall) goja.Value {
	id := call.Argument(0).ToInteger()
	for i, t := range c.timers {
		if t.id == id {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			break
		}
	}
	return goja.Undefined()
}

func (c *gojaContext) drainTimers() error {
	for ran := 0; len(c.timers) > 0; ran++ {
		if ran >= maxTimerCallbacks {
			return fmt.Errorf("too many timer callbacks")
		}
		sort.SliceStable(c.timers, func(i, j int) bool {
			if c.timers[i].delay != c.timers[j].delay {
				return c.timers[i].delay < c.timers[j].delay
			}
			return c.timers[i].seq < c.timers[j].seq
		})
		next := c.timers[0]
		c.timers = c.timers[1:]
		if _, err := next.fn(goja.Undefined(), next.args...); err != nil {
			return err
		}
	}
	return nil
}

func (c *gojaContext) Run(ctx context.Context, code string, timeout time.Duration) (Output, error) {
	c.mu.Lock()
	vm := c.vm
	c.mu.Unlock()
	if vm == nil {
		return Output{}, errContextDestroyed
	}

	if c.spec.Language == lang.TypeScript {
		js, err := transpileTypeScript(code)
		if err != nil {
			return Output{}, err
		}
		code = js
	}

	if timeout > 0 {
		t := time.AfterFunc(timeout, func() { vm.Interrupt(ErrTimeout) })
		defer t.Stop()
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	start := time.Now()
	_, err := vm.RunString(code)
	if err == nil {
		err = c.drainTimers()
	}

	out := Output{
		Stdout:    c.stdout.String(),
		Stderr:    c.stderr.String(),
		CPUTime:   time.Since(start),
		Truncated: c.outWriter.truncated || c.errWriter.truncated,
	}
	if err != nil {
		out.ExitCode = 1
		return out, classifyScriptError(err, c.spec.MaxCallDepth)
	}
	return out, nil
}

// classifyScriptError maps a goja failure to a sandbox error. A stack
// overflow carries no JavaScript value, so its message is built here.
func classifyScriptError(err error, maxDepth int) error {
	var overflow *goja.StackOverflowError
	if errors.As(err, &overflow) {
		return fmt.Errorf("%w: RangeError: maximum call stack size exceeded (limit %d calls)", ErrCallDepthExceeded, maxDepth)
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			return cause
		}
		return fmt.Errorf("execution interrupted: %v", interrupted.Value())
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		return errors.New(firstLine(exception.Value().String()))
	}
	return err
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func (c *gojaContext) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vm != nil {
		c.vm.Interrupt(errContextDestroyed)
	}
	c.vm = nil
	c.destroyed = true
	return nil
}
