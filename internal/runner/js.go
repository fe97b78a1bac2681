package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/criteo/newman-server/internal/collection"
	"github.com/dop251/goja"
	"pkt.systems/pslog"
)

// itemRun carries the state scripts observe while one item executes.
type itemRun struct {
	ctx        context.Context
	logger     pslog.Base
	scopes     *scopes
	item       *collection.Item
	request    *collection.Request
	response   *collection.Response
	iteration  int
	iterations int
	data       map[string]any
	assertions []Assertion
}

type pendingTimer struct {
	id   int64
	at   time.Time
	fn   goja.Callable
	args []goja.Value
}

// sandbox is a single script evaluation. Every script gets its own runtime;
// state is shared between scripts only through itemRun.
type sandbox struct {
	vm         *goja.Runtime
	run        *itemRun
	event      string
	timers     []*pendingTimer
	nextTimer  int64
	tests      *goja.Object
	requestObj *goja.Object
}

// runScript evaluates script for event ("prerequest" or "test"). Scheduled
// timers are drained before returning. Context cancellation interrupts the
// runtime.
func runScript(run *itemRun, event string, script collection.Script) error {
	sb := &sandbox{vm: goja.New(), run: run, event: event}
	sb.install()
	stop := context.AfterFunc(run.ctx, func() { sb.vm.Interrupt(run.ctx.Err()) })
	defer stop()

	_, err := sb.vm.RunString(script.Source())
	if err == nil {
		err = sb.drainTimers()
	}
	switch event {
	case "prerequest":
		sb.applyRequest()
	case "test":
		sb.collectLegacyTests()
	}
	return err
}

func (sb *sandbox) install() {
	vm := sb.vm
	sc := sb.run.scopes
	pm := vm.NewObject()
	_ = pm.Set("test", sb.testFunction())
	_ = pm.Set("expect", expectFactory(vm))
	_ = pm.Set("environment", sb.scopeObject(sc.environment))
	_ = pm.Set("collectionVariables", sb.scopeObject(sc.collection))
	_ = pm.Set("globals", sb.scopeObject(sc.globals))
	_ = pm.Set("variables", sb.variablesObject())
	_ = pm.Set("iterationData", sb.iterationDataObject())
	_ = pm.Set("info", sb.infoObject())
	_ = pm.Set("request", sb.requestObject())
	if sb.run.response != nil {
		_ = pm.Set("response", sb.responseObject())
	}
	_ = vm.Set("pm", pm)
	_ = vm.Set("console", sb.consoleObject())
	_ = vm.Set("setTimeout", sb.setTimeout)
	_ = vm.Set("clearTimeout", sb.clearTimeout)
	sb.installLegacy()
}

func (sb *sandbox) testFunction() *goja.Object {
	vm := sb.vm
	define := func(skipped bool) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			a := Assertion{Assertion: call.Argument(0).String(), Skipped: skipped}
			fn, ok := goja.AssertFunction(call.Argument(1))
			if !skipped && ok {
				done := vm.ToValue(func(goja.FunctionCall) goja.Value { return goja.Undefined() })
				if _, err := fn(goja.Undefined(), done); err != nil {
					info := errorInfo(err)
					info.Test = a.Assertion
					info.Index = len(sb.run.assertions)
					a.Error = &info
				}
			}
			sb.run.assertions = append(sb.run.assertions, a)
			return goja.Undefined()
		}
	}
	test := vm.ToValue(define(false)).(*goja.Object)
	_ = test.Set("skip", define(true))
	return test
}

func (sb *sandbox) scopeObject(sc *scope) *goja.Object {
	vm := sb.vm
	obj := vm.NewObject()
	_ = obj.Set("get", func(call goja.FunctionCall) goja.Value {
		if v, ok := sc.get(call.Argument(0).String()); ok {
			return vm.ToValue(v)
		}
		return goja.Undefined()
	})
	_ = obj.Set("set", func(call goja.FunctionCall) goja.Value {
		sc.set(call.Argument(0).String(), jsString(call.Argument(1)))
		return goja.Undefined()
	})
	_ = obj.Set("has", func(call goja.FunctionCall) goja.Value {
		_, ok := sc.get(call.Argument(0).String())
		return vm.ToValue(ok)
	})
	_ = obj.Set("unset", func(call goja.FunctionCall) goja.Value {
		sc.unset(call.Argument(0).String())
		return goja.Undefined()
	})
	_ = obj.Set("clear", func(goja.FunctionCall) goja.Value {
		sc.clear()
		return goja.Undefined()
	})
	_ = obj.Set("toObject", func(goja.FunctionCall) goja.Value {
		return mustJSValue(vm, sc.toMap())
	})
	_ = obj.Set("replaceIn", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(sb.run.scopes.expand(call.Argument(0).String()))
	})
	return obj
}

func (sb *sandbox) variablesObject() *goja.Object {
	vm := sb.vm
	sc := sb.run.scopes
	obj := sb.scopeObject(sc.local)
	_ = obj.Set("get", func(call goja.FunctionCall) goja.Value {
		if v, ok := sc.get(call.Argument(0).String()); ok {
			return vm.ToValue(v)
		}
		return goja.Undefined()
	})
	_ = obj.Set("has", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(sc.has(call.Argument(0).String()))
	})
	_ = obj.Set("toObject", func(goja.FunctionCall) goja.Value {
		merged := map[string]any{}
		chain := sc.chain()
		for i := len(chain) - 1; i >= 0; i-- {
			for k, v := range chain[i].toMap() {
				merged[k] = v
			}
		}
		return mustJSValue(vm, merged)
	})
	return obj
}

func (sb *sandbox) iterationDataObject() *goja.Object {
	vm := sb.vm
	data := sb.run.data
	if data == nil {
		data = map[string]any{}
	}
	obj := vm.NewObject()
	_ = obj.Set("get", func(call goja.FunctionCall) goja.Value {
		val, ok := data[call.Argument(0).String()]
		if !ok {
			return goja.Undefined()
		}
		return mustJSValue(vm, val)
	})
	_ = obj.Set("has", func(call goja.FunctionCall) goja.Value {
		_, ok := data[call.Argument(0).String()]
		return vm.ToValue(ok)
	})
	_ = obj.Set("toObject", func(goja.FunctionCall) goja.Value {
		return mustJSValue(vm, data)
	})
	_ = obj.Set("toJSON", func(goja.FunctionCall) goja.Value {
		return mustJSValue(vm, data)
	})
	_ = obj.Set("unset", func(call goja.FunctionCall) goja.Value {
		key := call.Argument(0).String()
		delete(data, key)
		sb.run.scopes.data.unset(key)
		return goja.Undefined()
	})
	return obj
}

func (sb *sandbox) infoObject() *goja.Object {
	obj := sb.vm.NewObject()
	_ = obj.Set("eventName", sb.event)
	_ = obj.Set("iteration", sb.run.iteration)
	_ = obj.Set("iterationCount", sb.run.iterations)
	_ = obj.Set("requestName", sb.run.item.Name)
	_ = obj.Set("requestId", sb.run.item.ID)
	return obj
}

func (sb *sandbox) requestObject() *goja.Object {
	vm := sb.vm
	req := sb.run.request
	obj := vm.NewObject()
	_ = obj.Set("url", req.URL.String())
	_ = obj.Set("method", req.Verb())
	_ = obj.Set("name", sb.run.item.Name)
	_ = obj.Set("id", sb.run.item.ID)

	headers := vm.NewObject()
	_ = headers.Set("get", func(call goja.FunctionCall) goja.Value {
		if v, ok := req.HeaderValue(call.Argument(0).String()); ok {
			return vm.ToValue(v)
		}
		return goja.Undefined()
	})
	_ = headers.Set("has", func(call goja.FunctionCall) goja.Value {
		_, ok := req.HeaderValue(call.Argument(0).String())
		return vm.ToValue(ok)
	})
	_ = headers.Set("add", func(call goja.FunctionCall) goja.Value {
		if h, ok := headerFromArg(call.Argument(0)); ok {
			req.Header = append(req.Header, h)
		}
		return goja.Undefined()
	})
	_ = headers.Set("upsert", func(call goja.FunctionCall) goja.Value {
		h, ok := headerFromArg(call.Argument(0))
		if !ok {
			return goja.Undefined()
		}
		for i := range req.Header {
			if strings.EqualFold(req.Header[i].Key, h.Key) {
				req.Header[i].Value = h.Value
				req.Header[i].Disabled = false
				return goja.Undefined()
			}
		}
		req.Header = append(req.Header, h)
		return goja.Undefined()
	})
	_ = headers.Set("remove", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		req.Header = slices.DeleteFunc(req.Header, func(h collection.Header) bool {
			return strings.EqualFold(h.Key, name)
		})
		return goja.Undefined()
	})
	_ = headers.Set("toObject", func(goja.FunctionCall) goja.Value {
		out := map[string]any{}
		for _, h := range req.Header {
			if !h.Disabled {
				out[h.Key] = h.Value
			}
		}
		return mustJSValue(vm, out)
	})
	_ = obj.Set("headers", headers)

	if req.Body != nil {
		body := vm.NewObject()
		_ = body.Set("mode", req.Body.Mode)
		_ = body.Set("raw", req.Body.Raw)
		raw := req.Body.Raw
		_ = body.Set("toString", func(goja.FunctionCall) goja.Value { return vm.ToValue(raw) })
		_ = obj.Set("body", body)
	}
	sb.requestObj = obj
	return obj
}

// applyRequest copies url and method edits made by a pre-request script back
// onto the request about to be sent.
func (sb *sandbox) applyRequest() {
	if sb.requestObj == nil {
		return
	}
	req := sb.run.request
	if v := sb.requestObj.Get("url"); v != nil && !goja.IsUndefined(v) {
		if u := v.String(); u != "" && u != req.URL.String() {
			req.URL = collection.URL{Raw: normalizeURL(u)}
		}
	}
	if v := sb.requestObj.Get("method"); v != nil && !goja.IsUndefined(v) {
		if m := strings.ToUpper(v.String()); m != "" {
			req.Method = m
		}
	}
}

func headerFromArg(v goja.Value) (collection.Header, bool) {
	if obj, ok := v.(*goja.Object); ok {
		key := obj.Get("key")
		if key == nil || goja.IsUndefined(key) {
			return collection.Header{}, false
		}
		h := collection.Header{Key: key.String()}
		if val := obj.Get("value"); val != nil && !goja.IsUndefined(val) {
			h.Value = val.String()
		}
		return h, true
	}
	k, val, ok := strings.Cut(v.String(), ":")
	if !ok {
		return collection.Header{}, false
	}
	return collection.Header{Key: strings.TrimSpace(k), Value: strings.TrimSpace(val)}, true
}

func (sb *sandbox) responseObject() *goja.Object {
	vm := sb.vm
	resp := sb.run.response
	obj := vm.NewObject()
	_ = obj.Set("code", resp.Code)
	_ = obj.Set("status", resp.Status)
	_ = obj.Set("responseTime", resp.ResponseTime)
	_ = obj.Set("responseSize", resp.ResponseSize)

	headers := vm.NewObject()
	_ = headers.Set("get", func(call goja.FunctionCall) goja.Value {
		if v, ok := resp.HeaderValue(call.Argument(0).String()); ok {
			return vm.ToValue(v)
		}
		return goja.Undefined()
	})
	_ = headers.Set("has", func(call goja.FunctionCall) goja.Value {
		_, ok := resp.HeaderValue(call.Argument(0).String())
		return vm.ToValue(ok)
	})
	_ = headers.Set("toObject", func(goja.FunctionCall) goja.Value {
		out := map[string]any{}
		for _, h := range resp.Header {
			out[strings.ToLower(h.Key)] = h.Value
		}
		return mustJSValue(vm, out)
	})
	_ = obj.Set("headers", headers)

	body := resp.Body
	_ = obj.Set("text", func(goja.FunctionCall) goja.Value { return vm.ToValue(body) })
	_ = obj.Set("json", func(goja.FunctionCall) goja.Value {
		v, err := jsonParse(vm, body)
		if err != nil {
			panic(err)
		}
		return v
	})

	to := sb.responseAssertions(false)
	_ = to.Set("not", sb.responseAssertions(true))
	_ = obj.Set("to", to)
	return obj
}

// responseAssertions builds pm.response.to.{have,be}.
func (sb *sandbox) responseAssertions(neg bool) *goja.Object {
	vm := sb.vm
	resp := sb.run.response
	verdict := func(ok bool, msg string) {
		if neg {
			ok = !ok
			msg = strings.Replace(msg, " to ", " to not ", 1)
		}
		if !ok {
			panic(assertionError(vm, msg))
		}
	}
	to := vm.NewObject()
	have := vm.NewObject()
	be := vm.NewObject()
	_ = to.Set("have", have)
	_ = to.Set("be", be)

	_ = have.Set("status", func(call goja.FunctionCall) goja.Value {
		want := call.Argument(0)
		if s, ok := want.Export().(string); ok {
			verdict(strings.EqualFold(resp.Status, s), fmt.Sprintf("expected response to have status reason '%s' but got '%s'", s, resp.Status))
			return goja.Undefined()
		}
		verdict(int64(resp.Code) == want.ToInteger(), fmt.Sprintf("expected response to have status code %d but got %d", want.ToInteger(), resp.Code))
		return goja.Undefined()
	})
	_ = have.Set("header", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		got, ok := resp.HeaderValue(name)
		if len(call.Arguments) > 1 {
			want := call.Arguments[1].String()
			verdict(ok && got == want, fmt.Sprintf("expected response to have header '%s' with value '%s'", name, want))
			return goja.Undefined()
		}
		verdict(ok, fmt.Sprintf("expected response to have header '%s'", name))
		return goja.Undefined()
	})
	_ = have.Set("body", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			verdict(resp.Body != "", "expected response to have body")
			return goja.Undefined()
		}
		want := call.Arguments[0].String()
		verdict(resp.Body == want, fmt.Sprintf("expected response body to equal '%s'", want))
		return goja.Undefined()
	})
	_ = have.Set("jsonBody", func(call goja.FunctionCall) goja.Value {
		parsed, err := jsonParse(vm, resp.Body)
		if err != nil || len(call.Arguments) == 0 {
			verdict(err == nil, "expected response to have a valid json body")
			return goja.Undefined()
		}
		obj, _ := parsed.(*goja.Object)
		key := call.Arguments[0].String()
		var got goja.Value
		if obj != nil {
			got = obj.Get(key)
		}
		if len(call.Arguments) > 1 {
			verdict(got != nil && jsonEqual(got, call.Arguments[1]), fmt.Sprintf("expected response json body to have property '%s' of %s", key, inspect(call.Arguments[1])))
			return goja.Undefined()
		}
		verdict(got != nil && !goja.IsUndefined(got), fmt.Sprintf("expected response json body to have property '%s'", key))
		return goja.Undefined()
	})

	classes := []struct {
		name string
		ok   func(code int) bool
	}{
		{"ok", func(c int) bool { return c == 200 }},
		{"success", func(c int) bool { return c >= 200 && c < 300 }},
		{"accepted", func(c int) bool { return c == 202 }},
		{"badRequest", func(c int) bool { return c == 400 }},
		{"unauthorized", func(c int) bool { return c == 401 }},
		{"forbidden", func(c int) bool { return c == 403 }},
		{"notFound", func(c int) bool { return c == 404 }},
		{"rateLimited", func(c int) bool { return c == 429 }},
		{"error", func(c int) bool { return c >= 400 }},
		{"clientError", func(c int) bool { return c >= 400 && c < 500 }},
		{"serverError", func(c int) bool { return c >= 500 }},
	}
	for _, cl := range classes {
		defineGetter(vm, be, cl.name, func() goja.Value {
			verdict(cl.ok(resp.Code), fmt.Sprintf("expected response to be %s but got status %d", cl.name, resp.Code))
			return goja.Undefined()
		})
	}
	defineGetter(vm, be, "json", func() goja.Value {
		_, err := jsonParse(vm, resp.Body)
		verdict(err == nil, "expected response to be json")
		return goja.Undefined()
	})
	return to
}

func (sb *sandbox) consoleObject() *goja.Object {
	obj := sb.vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		_ = obj.Set(level, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				if s, ok := arg.Export().(string); ok {
					parts[i] = s
					continue
				}
				parts[i] = inspect(arg)
			}
			if sb.run.logger != nil {
				sb.run.logger.Debug("script.console", "level", level, "item", sb.run.item.Name, "event", sb.event, "msg", strings.Join(parts, " "))
			}
			return goja.Undefined()
		})
	}
	return obj
}

func (sb *sandbox) setTimeout(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(sb.vm.NewTypeError("setTimeout expects a function"))
	}
	delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = call.Arguments[2:]
	}
	sb.nextTimer++
	sb.timers = append(sb.timers, &pendingTimer{id: sb.nextTimer, at: time.Now().Add(delay), fn: fn, args: args})
	return sb.vm.ToValue(sb.nextTimer)
}

func (sb *sandbox) clearTimeout(call goja.FunctionCall) goja.Value {
	id := call.Argument(0).ToInteger()
	sb.timers = slices.DeleteFunc(sb.timers, func(t *pendingTimer) bool { return t.id == id })
	return goja.Undefined()
}

// drainTimers fires scheduled callbacks in due order, waiting for each
// deadline unless the run context ends first.
func (sb *sandbox) drainTimers() error {
	ctx := sb.run.ctx
	for len(sb.timers) > 0 {
		next := 0
		for i, t := range sb.timers {
			if t.at.Before(sb.timers[next].at) {
				next = i
			}
		}
		t := sb.timers[next]
		sb.timers = slices.Delete(sb.timers, next, next+1)
		if wait := time.Until(t.at); wait > 0 {
			tm := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				tm.Stop()
				return ctx.Err()
			case <-tm.C:
			}
		}
		if _, err := t.fn(goja.Undefined(), t.args...); err != nil {
			return err
		}
	}
	return nil
}

// installLegacy exposes the pre-pm sandbox globals older collections rely on.
func (sb *sandbox) installLegacy() {
	vm := sb.vm
	run := sb.run
	sb.tests = vm.NewObject()
	_ = vm.Set("tests", sb.tests)
	_ = vm.Set("environment", mustJSValue(vm, run.scopes.environment.toMap()))
	_ = vm.Set("globals", mustJSValue(vm, run.scopes.globals.toMap()))
	_ = vm.Set("data", mustJSValue(vm, run.data))
	_ = vm.Set("iteration", run.iteration)

	postman := vm.NewObject()
	setter := func(sc *scope) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			sc.set(call.Argument(0).String(), jsString(call.Argument(1)))
			return goja.Undefined()
		}
	}
	getter := func(sc *scope) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			if v, ok := sc.get(call.Argument(0).String()); ok {
				return vm.ToValue(v)
			}
			return goja.Undefined()
		}
	}
	clearer := func(sc *scope) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			sc.unset(call.Argument(0).String())
			return goja.Undefined()
		}
	}
	_ = postman.Set("setEnvironmentVariable", setter(run.scopes.environment))
	_ = postman.Set("getEnvironmentVariable", getter(run.scopes.environment))
	_ = postman.Set("clearEnvironmentVariable", clearer(run.scopes.environment))
	_ = postman.Set("setGlobalVariable", setter(run.scopes.globals))
	_ = postman.Set("getGlobalVariable", getter(run.scopes.globals))
	_ = postman.Set("clearGlobalVariable", clearer(run.scopes.globals))
	_ = vm.Set("postman", postman)

	if resp := run.response; resp != nil {
		_ = vm.Set("responseBody", resp.Body)
		_ = vm.Set("responseTime", resp.ResponseTime)
		code := vm.NewObject()
		_ = code.Set("code", resp.Code)
		_ = code.Set("name", resp.Status)
		_ = code.Set("detail", resp.Status)
		_ = vm.Set("responseCode", code)
		headers := map[string]any{}
		for _, h := range resp.Header {
			headers[h.Key] = h.Value
		}
		_ = vm.Set("responseHeaders", mustJSValue(vm, headers))
	}
}

// collectLegacyTests turns tests["name"] = bool entries into assertions.
func (sb *sandbox) collectLegacyTests() {
	if sb.tests == nil {
		return
	}
	for _, k := range sb.tests.Keys() {
		a := Assertion{Assertion: k}
		if !sb.tests.Get(k).ToBoolean() {
			a.Error = &ErrorInfo{
				Name:    "AssertionError",
				Message: fmt.Sprintf("expected '%s' to be truthy", k),
				Test:    k,
				Index:   len(sb.run.assertions),
			}
		}
		sb.run.assertions = append(sb.run.assertions, a)
	}
}

func defineGetter(vm *goja.Runtime, obj *goja.Object, name string, fn func() goja.Value) {
	get := vm.ToValue(func(goja.FunctionCall) goja.Value { return fn() })
	_ = obj.DefineAccessorProperty(name, get, nil, goja.FLAG_TRUE, goja.FLAG_FALSE)
}

// toJSValue marshals a Go value to JSON and re-parses it inside goja, ensuring
// native JS strings/arrays/objects (so methods like .match exist).
func toJSValue(vm *goja.Runtime, v any) (goja.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonParse(vm, string(b))
}

func mustJSValue(vm *goja.Runtime, v any) goja.Value {
	if jsVal, err := toJSValue(vm, v); err == nil {
		return jsVal
	}
	return vm.ToValue(v)
}

func jsonParse(vm *goja.Runtime, text string) (goja.Value, error) {
	jsonObj := vm.Get("JSON").ToObject(vm)
	parseFn, ok := goja.AssertFunction(jsonObj.Get("parse"))
	if !ok {
		return nil, fmt.Errorf("JSON.parse missing")
	}
	return parseFn(jsonObj, vm.ToValue(text))
}

// jsString renders a script value the way variable scopes store it.
func jsString(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	if obj, ok := v.(*goja.Object); ok {
		switch obj.ClassName() {
		case "String", "Number", "Boolean":
			return obj.String()
		}
		if b, err := json.Marshal(obj.Export()); err == nil {
			return string(b)
		}
	}
	return v.String()
}

// errorInfo converts a script error into its summary form.
func errorInfo(err error) ErrorInfo {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		if obj, ok := ex.Value().(*goja.Object); ok {
			info := ErrorInfo{Name: "Error", Message: obj.String()}
			if n := obj.Get("name"); n != nil && !goja.IsUndefined(n) {
				info.Name = n.String()
			}
			if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
				info.Message = m.String()
			}
			return info
		}
		return ErrorInfo{Name: "Error", Message: ex.Value().String()}
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return ErrorInfo{Name: "Error", Message: "script interrupted: " + interrupted.String()}
	}
	return ErrorInfo{Name: "Error", Message: err.Error()}
}
