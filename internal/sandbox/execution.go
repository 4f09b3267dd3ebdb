package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"chronos/internal/domain"
)

// lookupExport finds the guest entry point after the code has run.
const lookupExport = `(function () {
  var m = typeof module !== 'undefined' ? module.exports : undefined;
  if (typeof m === 'function') return m;
  if (m && typeof m.default === 'function') return m.default;
  if (typeof exports !== 'undefined' && exports && typeof exports.default === 'function') return exports.default;
  if (typeof run === 'function') return run;
  return undefined;
})()`

// execution is the state of one run. Fields other than guard and the
// bridge belong to the runtime goroutine.
type execution struct {
	ctx    context.Context
	rt     *Runtime
	in     Input
	env    map[string]string
	vm     *goja.Runtime
	loop   *loop
	bridge *bridge
	guard  *guard
	mem    *meter

	ctxObj *goja.Object
	logs   []string
	state  map[string]any

	timerSeq int
	timers   map[int]*time.Timer
}

func newExecution(ctx context.Context, rt *Runtime, cfg Config, in Input, limits domain.Limits, mem *meter) *execution {
	e := &execution{
		ctx:    ctx,
		rt:     rt,
		in:     in,
		env:    rt.env(cfg.EnvAllowlist),
		vm:     goja.New(),
		loop:   newLoop(),
		guard:  newGuard(limits, cfg),
		mem:    mem,
		state:  copyState(in.State),
		timers: map[int]*time.Timer{},
	}
	e.bridge = newBridge(bridgeSize, e.loop, e.handle)
	return e
}

func copyState(src map[string]any) map[string]any {
	out := map[string]any{}
	if len(src) == 0 {
		return out
	}
	raw, err := json.Marshal(src)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}

func stateSize(m map[string]any) int {
	raw, _ := json.Marshal(m)
	return len(raw)
}

func (e *execution) run() (Output, error) {
	if err := e.install(); err != nil {
		return Output{}, err
	}
	if err := e.mem.charge(len(e.in.Code) + len(e.in.Params) + stateSize(e.state)); err != nil {
		return Output{}, err
	}
	if _, err := e.vm.RunScript("function.js", e.in.Code); err != nil {
		return Output{}, scriptError(err)
	}
	v, err := e.vm.RunString(lookupExport)
	if err != nil {
		return Output{}, scriptError(err)
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return Output{}, ErrNoExport
	}
	ret, err := fn(goja.Undefined(), e.ctxObj)
	if err != nil {
		return Output{}, scriptError(err)
	}
	if ret != nil {
		if p, ok := ret.Export().(*goja.Promise); ok {
			if err := e.await(p); err != nil {
				return Output{}, err
			}
			if p.State() == goja.PromiseStateRejected {
				return Output{}, errors.New(valueMessage(p.Result()))
			}
		}
	}
	return Output{Logs: e.logs, State: e.state}, nil
}

// await runs posted jobs until p settles or the run ends.
func (e *execution) await(p *goja.Promise) error {
	for p.State() == goja.PromiseStatePending {
		select {
		case <-e.ctx.Done():
			return e.ctx.Err()
		case <-e.loop.wake:
			for _, job := range e.loop.drain() {
				job()
			}
		}
	}
	return nil
}

// teardown runs after the runtime goroutine has returned.
func (e *execution) teardown() int {
	e.loop.close()
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	return e.bridge.abandon()
}

func scriptError(err error) error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return errors.New(valueMessage(ex.Value()))
	}
	return err
}

// valueMessage is the message of a thrown Error, or the value as a string.
func valueMessage(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "Execution error"
	}
	if obj, ok := v.(*goja.Object); ok {
		if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) && m.String() != "" {
			return m.String()
		}
	}
	return v.String()
}

func (e *execution) install() error {
	vm := e.vm
	freeze, ok := goja.AssertFunction(vm.Get("Object").ToObject(vm).Get("freeze"))
	if !ok {
		return errors.New("Object.freeze unavailable")
	}
	frozen := func(o *goja.Object) *goja.Object {
		_, _ = freeze(goja.Undefined(), o)
		return o
	}

	httpObj := vm.NewObject()
	for _, m := range []string{"get", "delete"} {
		method := m
		_ = httpObj.Set(method, func(call goja.FunctionCall) goja.Value {
			return e.httpCall(method, call.Argument(0), nil, call.Argument(1))
		})
	}
	for _, m := range []string{"post", "put", "patch"} {
		method := m
		_ = httpObj.Set(method, func(call goja.FunctionCall) goja.Value {
			return e.httpCall(method, call.Argument(0), call.Argument(1), call.Argument(2))
		})
	}

	msgObj := vm.NewObject()
	_ = msgObj.Set("send", e.messageSend)

	stateObj := vm.NewObject()
	_ = stateObj.Set("get", func(call goja.FunctionCall) goja.Value {
		if v, ok := e.state[call.Argument(0).String()]; ok {
			return vm.ToValue(v)
		}
		return goja.Undefined()
	})
	_ = stateObj.Set("set", e.stateSet)

	console := vm.NewObject()
	for _, name := range []string{"log", "info", "warn", "error"} {
		_ = console.Set(name, e.pushLog)
	}

	ctxObj := vm.NewObject()
	_ = ctxObj.Set("http", frozen(httpObj))
	_ = ctxObj.Set("message", frozen(msgObj))
	_ = ctxObj.Set("state", frozen(stateObj))
	_ = ctxObj.Set("log", e.pushLog)
	_ = ctxObj.Set("sleep", e.sleep)
	_ = ctxObj.Set("env", func(call goja.FunctionCall) goja.Value {
		if v, ok := e.env[call.Argument(0).String()]; ok {
			return vm.ToValue(v)
		}
		return goja.Undefined()
	})
	_ = ctxObj.Set("params", vm.ToValue(decodeParams(e.in.Params)))
	e.ctxObj = frozen(ctxObj)

	module := vm.NewObject()
	exports := vm.NewObject()
	_ = module.Set("exports", exports)
	for name, v := range map[string]any{
		"ctx":          e.ctxObj,
		"console":      frozen(console),
		"module":       module,
		"exports":      exports,
		"setTimeout":   e.setTimeout,
		"clearTimeout": e.clearTimeout,
	} {
		if err := vm.Set(name, v); err != nil {
			return fmt.Errorf("install %s: %w", name, err)
		}
	}
	return nil
}

func decodeParams(raw json.RawMessage) any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil || v == nil {
		return map[string]any{}
	}
	return v
}

func (e *execution) pushLog(call goja.FunctionCall) goja.Value {
	if len(e.logs) >= maxLogEntries {
		return goja.Undefined()
	}
	parts := make([]string, len(call.Arguments))
	for i, a := range call.Arguments {
		parts[i] = a.String()
	}
	line := truncate(strings.Join(parts, " "), maxLogLength)
	if e.mem.charge(len(line)) != nil {
		return goja.Undefined()
	}
	e.logs = append(e.logs, line)
	return goja.Undefined()
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func (e *execution) stateSet(call goja.FunctionCall) goja.Value {
	key := call.Argument(0).String()
	raw, err := json.Marshal(call.Argument(1).Export())
	if err != nil || len(raw) > maxStateBytes {
		panic(e.vm.NewGoError(ErrStateTooLarge))
	}
	if err := e.mem.charge(len(key) + len(raw)); err != nil {
		panic(e.vm.NewGoError(err))
	}
	var v any
	_ = json.Unmarshal(raw, &v)
	e.state[key] = v
	return goja.Undefined()
}

func (e *execution) sleep(call goja.FunctionCall) goja.Value {
	p, resolve, _ := e.vm.NewPromise()
	e.after(call.Argument(0), func() { resolve(goja.Undefined()) })
	return e.vm.ToValue(p)
}

func (e *execution) setTimeout(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(e.vm.NewTypeError("setTimeout callback is not a function"))
	}
	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = append(args, call.Arguments[2:]...)
	}
	id := e.after(call.Argument(1), func() { _, _ = fn(goja.Undefined(), args...) })
	return e.vm.ToValue(id)
}

func (e *execution) clearTimeout(call goja.FunctionCall) goja.Value {
	id := int(call.Argument(0).ToInteger())
	if t, ok := e.timers[id]; ok {
		t.Stop()
		delete(e.timers, id)
	}
	return goja.Undefined()
}

// after schedules job on the loop once ms elapse.
func (e *execution) after(ms goja.Value, job func()) int {
	d := time.Duration(0)
	if ms != nil && !goja.IsUndefined(ms) {
		if n := ms.ToInteger(); n > 0 {
			d = time.Duration(n) * time.Millisecond
		}
	}
	e.timerSeq++
	id := e.timerSeq
	e.timers[id] = time.AfterFunc(d, func() {
		e.loop.post(func() {
			if _, live := e.timers[id]; !live {
				return
			}
			delete(e.timers, id)
			job()
		})
	})
	return id
}

func (e *execution) httpCall(method string, urlV, body, opts goja.Value) goja.Value {
	call := &HTTPCall{Method: strings.ToUpper(method), URL: urlV.String(), Body: exportValue(body)}
	if o, ok := exportValue(opts).(map[string]any); ok {
		if h, ok := o["headers"].(map[string]any); ok {
			call.Headers = make(map[string]string, len(h))
			for k, v := range h {
				call.Headers[k] = fmt.Sprint(v)
			}
		}
	}
	return e.request(Request{ID: uuid.NewString(), Kind: KindHTTP, HTTP: call})
}

func (e *execution) messageSend(call goja.FunctionCall) goja.Value {
	arg := call.Argument(0)
	if goja.IsUndefined(arg) || goja.IsNull(arg) {
		panic(e.vm.NewTypeError("message.send expects {to, text}"))
	}
	obj := arg.ToObject(e.vm)
	msg := &MessageCall{To: stringOf(obj.Get("to")), Text: stringOf(obj.Get("text")), ChannelID: stringOf(obj.Get("channelId"))}
	return e.request(Request{ID: uuid.NewString(), Kind: KindMessage, Message: msg})
}

// request sends req over the bridge and returns the promise it settles.
func (e *execution) request(req Request) goja.Value {
	p, resolve, reject := e.vm.NewPromise()
	err := e.bridge.call(e.ctx, req, func(resp Response) {
		if resp.OK {
			resolve(resp.Result)
			return
		}
		reject(e.vm.NewGoError(errors.New(resp.Error)))
	})
	if err != nil {
		reject(e.vm.NewGoError(err))
	}
	return e.vm.ToValue(p)
}

func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

func stringOf(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

// handle runs on the dispatcher goroutine and must not touch the VM.
func (e *execution) handle(ctx context.Context, req Request) Response {
	var (
		res any
		err error
	)
	switch {
	case req.Kind == KindHTTP && req.HTTP != nil:
		res, err = e.doHTTP(ctx, req.HTTP)
	case req.Kind == KindMessage && req.Message != nil:
		res, err = e.doMessage(ctx, req.Message)
	default:
		err = fmt.Errorf("unsupported request kind %q", req.Kind)
	}
	if err != nil {
		return Response{Error: err.Error()}
	}
	return Response{OK: true, Result: res}
}

func (e *execution) doHTTP(ctx context.Context, c *HTTPCall) (any, error) {
	if err := e.guard.admitHTTP(c.URL); err != nil {
		return nil, err
	}
	method := c.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if c.Body != nil {
		raw, err := json.Marshal(c.Body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.URL, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	// Every redirect hop passes the same quota, allowlist and rate checks
	// as the first request.
	var hopErr error
	client := &http.Client{
		Transport: e.rt.transport,
		CheckRedirect: func(next *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				hopErr = fmt.Errorf("stopped after %d redirects", maxRedirects)
			} else {
				hopErr = e.guard.admitHTTP(next.URL.String())
			}
			return hopErr
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		if hopErr != nil {
			return nil, hopErr
		}
		return nil, err
	}
	defer resp.Body.Close()
	limit := int64(maxBodyBytes)
	if rem := e.mem.remaining(); rem >= 0 && rem < limit {
		limit = rem + 1
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, err
	}
	if err := e.mem.charge(len(raw)); err != nil {
		return nil, err
	}
	return map[string]any{"status": resp.StatusCode, "data": decodeBody(raw)}, nil
}

func (e *execution) doMessage(ctx context.Context, m *MessageCall) (any, error) {
	if err := e.guard.countMessage(); err != nil {
		return nil, err
	}
	channelID := firstNonEmpty(m.ChannelID, e.in.JobChannelID, e.in.FunctionChannelID)
	if channelID == "" {
		return nil, ErrNoChannel
	}
	if e.rt.channels == nil {
		return nil, fmt.Errorf("Channel %s not found", channelID)
	}
	ch, err := e.rt.channels.GetChannel(ctx, channelID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("Channel %s not found", channelID)
	}
	if err != nil {
		return nil, err
	}
	if err := e.guard.checkRecipient(m.To); err != nil {
		return nil, err
	}
	if err := e.guard.allow(); err != nil {
		return nil, err
	}
	client, err := e.rt.msgs.For(ch)
	if err != nil {
		return nil, err
	}
	resp, err := client.SendText(ctx, ch.Session(), m.To, m.Text)
	if err != nil {
		return nil, err
	}
	if err := e.mem.charge(len(resp.Data)); err != nil {
		return nil, err
	}
	return map[string]any{"status": resp.Status, "data": decodeBody(resp.Data)}, nil
}

// decodeBody returns parsed JSON, or the raw text when it is not JSON.
func decodeBody(raw []byte) any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return v
	}
	return string(raw)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
