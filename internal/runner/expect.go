package runner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/dop251/goja"
)

// chainWords are language chains that only return the same assertion.
var chainWords = []string{
	"to", "be", "been", "is", "that", "which", "and", "has", "have", "with",
	"at", "of", "same", "does", "still", "also", "all", "any", "own", "itself",
}

// check is one assertion attempt. Matchers fill desc for the failure message
// and may replace next to move the chain onto a different subject.
type check struct {
	vm     *goja.Runtime
	actual goja.Value
	args   []goja.Value
	deep   bool
	desc   string
	next   goja.Value
}

func (c *check) arg(i int) goja.Value {
	if i < len(c.args) {
		return c.args[i]
	}
	return goja.Undefined()
}

type matcher func(c *check) bool

// expectMethods are assertions invoked with arguments: expect(x).to.equal(y).
var expectMethods = map[string]matcher{
	"equal":       matchEqual,
	"equals":      matchEqual,
	"eq":          matchEqual,
	"eql":         matchDeepEqual,
	"eqls":        matchDeepEqual,
	"above":       compareNumber("be above", func(a, b float64) bool { return a > b }),
	"gt":          compareNumber("be above", func(a, b float64) bool { return a > b }),
	"greaterThan": compareNumber("be above", func(a, b float64) bool { return a > b }),
	"below":       compareNumber("be below", func(a, b float64) bool { return a < b }),
	"lt":          compareNumber("be below", func(a, b float64) bool { return a < b }),
	"lessThan":    compareNumber("be below", func(a, b float64) bool { return a < b }),
	"least":       compareNumber("be at least", func(a, b float64) bool { return a >= b }),
	"gte":         compareNumber("be at least", func(a, b float64) bool { return a >= b }),
	"most":        compareNumber("be at most", func(a, b float64) bool { return a <= b }),
	"lte":         compareNumber("be at most", func(a, b float64) bool { return a <= b }),
	"within":      matchWithin,
	"include":     matchInclude,
	"includes":    matchInclude,
	"contain":     matchInclude,
	"contains":    matchInclude,
	"string":      matchInclude,
	"a":           matchType,
	"an":          matchType,
	"property":    matchProperty,
	"length":      matchLength,
	"lengthOf":    matchLength,
	"match":       matchRegexp,
	"matches":     matchRegexp,
	"oneOf":       matchOneOf,
	"keys":        matchKeys,
	"key":         matchKeys,
	"satisfy":     matchSatisfy,
}

// expectProperties are assertions triggered by property access: expect(x).to.be.true.
var expectProperties = map[string]matcher{
	"ok":        func(c *check) bool { c.desc = "be truthy"; return c.actual.ToBoolean() },
	"true":      func(c *check) bool { c.desc = "be true"; return c.actual.StrictEquals(c.vm.ToValue(true)) },
	"false":     func(c *check) bool { c.desc = "be false"; return c.actual.StrictEquals(c.vm.ToValue(false)) },
	"null":      func(c *check) bool { c.desc = "be null"; return goja.IsNull(c.actual) },
	"undefined": func(c *check) bool { c.desc = "be undefined"; return goja.IsUndefined(c.actual) },
	"NaN":       func(c *check) bool { c.desc = "be NaN"; return math.IsNaN(c.actual.ToFloat()) },
	"exist": func(c *check) bool {
		c.desc = "exist"
		return !(c.actual == nil || goja.IsUndefined(c.actual) || goja.IsNull(c.actual))
	},
	"empty": func(c *check) bool {
		c.desc = "be empty"
		if obj, ok := c.actual.(*goja.Object); ok && obj.ClassName() == "Object" {
			return len(obj.Keys()) == 0
		}
		return lengthOfValue(c.actual) == 0
	},
}

// expectation builds pm.expect chains for a runtime.
type expectation struct {
	vm *goja.Runtime
}

type chainState struct {
	neg  bool
	deep bool
}

func expectFactory(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	e := &expectation{vm: vm}
	return func(call goja.FunctionCall) goja.Value {
		return e.chain(call.Argument(0), chainState{})
	}
}

func (e *expectation) chain(actual goja.Value, st chainState) *goja.Object {
	vm := e.vm
	obj := vm.NewObject()
	for _, w := range chainWords {
		defineGetter(vm, obj, w, func() goja.Value { return e.chain(actual, st) })
	}
	defineGetter(vm, obj, "not", func() goja.Value {
		return e.chain(actual, chainState{neg: !st.neg, deep: st.deep})
	})
	defineGetter(vm, obj, "deep", func() goja.Value {
		return e.chain(actual, chainState{neg: st.neg, deep: true})
	})
	for name, fn := range expectProperties {
		defineGetter(vm, obj, name, func() goja.Value {
			e.assert(fn, actual, nil, st)
			return e.chain(actual, st)
		})
	}
	for name, fn := range expectMethods {
		_ = obj.Set(name, func(call goja.FunctionCall) goja.Value {
			next := e.assert(fn, actual, call.Arguments, st)
			return e.chain(next, st)
		})
	}
	return obj
}

// assert runs the matcher and throws an AssertionError on mismatch. It
// returns the subject the chain continues with.
func (e *expectation) assert(fn matcher, actual goja.Value, args []goja.Value, st chainState) goja.Value {
	if actual == nil {
		actual = goja.Undefined()
	}
	c := &check{vm: e.vm, actual: actual, args: args, deep: st.deep}
	ok := fn(c)
	if st.neg {
		ok = !ok
	}
	if !ok {
		not := ""
		if st.neg {
			not = "not "
		}
		panic(assertionError(e.vm, fmt.Sprintf("expected %s to %s%s", inspect(actual), not, c.desc)))
	}
	if c.next != nil && !st.neg {
		return c.next
	}
	return actual
}

// assertionError builds a JS Error named AssertionError.
func assertionError(vm *goja.Runtime, msg string) *goja.Object {
	obj, err := vm.New(vm.Get("Error"), vm.ToValue(msg))
	if err != nil {
		return vm.NewGoError(fmt.Errorf("%s", msg))
	}
	_ = obj.Set("name", "AssertionError")
	return obj
}

func matchEqual(c *check) bool {
	want := c.arg(0)
	if c.deep {
		c.desc = "deep equal " + inspect(want)
		return jsonEqual(c.actual, want)
	}
	c.desc = "equal " + inspect(want)
	return c.actual.StrictEquals(want)
}

func matchDeepEqual(c *check) bool {
	want := c.arg(0)
	c.desc = "deeply equal " + inspect(want)
	return jsonEqual(c.actual, want)
}

func compareNumber(verb string, cmp func(a, b float64) bool) matcher {
	return func(c *check) bool {
		want := c.arg(0).ToFloat()
		c.desc = fmt.Sprintf("%s %v", verb, want)
		return cmp(c.actual.ToFloat(), want)
	}
}

func matchWithin(c *check) bool {
	lo, hi := c.arg(0).ToFloat(), c.arg(1).ToFloat()
	c.desc = fmt.Sprintf("be within %v..%v", lo, hi)
	v := c.actual.ToFloat()
	return v >= lo && v <= hi
}

func matchInclude(c *check) bool {
	target := c.arg(0)
	c.desc = "include " + inspect(target)
	if s, ok := c.actual.Export().(string); ok {
		return strings.Contains(s, target.String())
	}
	obj, ok := c.actual.(*goja.Object)
	if !ok {
		return false
	}
	if obj.ClassName() == "Array" {
		n := obj.Get("length").ToInteger()
		for i := range n {
			item := obj.Get(fmt.Sprint(i))
			if item.StrictEquals(target) || (c.deep && jsonEqual(item, target)) {
				return true
			}
		}
		return false
	}
	sub, ok := target.(*goja.Object)
	if !ok {
		return false
	}
	for _, k := range sub.Keys() {
		got := obj.Get(k)
		if got == nil || !(got.StrictEquals(sub.Get(k)) || jsonEqual(got, sub.Get(k))) {
			return false
		}
	}
	return true
}

func matchType(c *check) bool {
	want := strings.ToLower(c.arg(0).String())
	c.desc = "be a " + want
	return jsType(c.actual) == want
}

func jsType(v goja.Value) string {
	switch {
	case v == nil || goja.IsUndefined(v):
		return "undefined"
	case goja.IsNull(v):
		return "null"
	}
	if obj, ok := v.(*goja.Object); ok {
		if _, fn := goja.AssertFunction(obj); fn {
			return "function"
		}
		switch obj.ClassName() {
		case "Array":
			return "array"
		case "RegExp":
			return "regexp"
		case "String":
			return "string"
		case "Number":
			return "number"
		case "Boolean":
			return "boolean"
		}
		return "object"
	}
	switch v.Export().(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case int64, float64:
		return "number"
	}
	return "object"
}

func matchProperty(c *check) bool {
	name := c.arg(0).String()
	c.desc = fmt.Sprintf("have property '%s'", name)
	obj, ok := c.actual.(*goja.Object)
	if !ok {
		return false
	}
	prop := obj.Get(name)
	if prop == nil {
		return false
	}
	c.next = prop
	if len(c.args) > 1 {
		want := c.args[1]
		c.desc += " of " + inspect(want)
		if c.deep {
			return jsonEqual(prop, want)
		}
		return prop.StrictEquals(want)
	}
	return true
}

func matchLength(c *check) bool {
	want := c.arg(0).ToInteger()
	c.desc = fmt.Sprintf("have length %d", want)
	return lengthOfValue(c.actual) == want
}

func matchRegexp(c *check) bool {
	re, ok := c.arg(0).(*goja.Object)
	c.desc = "match " + c.arg(0).String()
	if !ok {
		return false
	}
	test, ok := goja.AssertFunction(re.Get("test"))
	if !ok {
		return false
	}
	res, err := test(re, c.vm.ToValue(c.actual.String()))
	return err == nil && res.ToBoolean()
}

func matchOneOf(c *check) bool {
	list := c.arg(0)
	c.desc = "be one of " + inspect(list)
	obj, ok := list.(*goja.Object)
	if !ok {
		return false
	}
	n := obj.Get("length").ToInteger()
	for i := range n {
		if obj.Get(fmt.Sprint(i)).StrictEquals(c.actual) {
			return true
		}
	}
	return false
}

func matchKeys(c *check) bool {
	var want []string
	for _, a := range c.args {
		if obj, ok := a.(*goja.Object); ok && obj.ClassName() == "Array" {
			n := obj.Get("length").ToInteger()
			for i := range n {
				want = append(want, obj.Get(fmt.Sprint(i)).String())
			}
			continue
		}
		want = append(want, a.String())
	}
	c.desc = "have keys " + strings.Join(want, ", ")
	obj, ok := c.actual.(*goja.Object)
	if !ok {
		return false
	}
	for _, k := range want {
		if v := obj.Get(k); v == nil {
			return false
		}
	}
	return true
}

func matchSatisfy(c *check) bool {
	c.desc = "satisfy the given predicate"
	fn, ok := goja.AssertFunction(c.arg(0))
	if !ok {
		return false
	}
	res, err := fn(goja.Undefined(), c.actual)
	return err == nil && res.ToBoolean()
}

// lengthOfValue returns len for strings/arrays/objects with length property.
func lengthOfValue(v goja.Value) int64 {
	if v == nil || goja.IsNull(v) || goja.IsUndefined(v) {
		return 0
	}
	switch val := v.Export().(type) {
	case string:
		return int64(len([]rune(val)))
	case []any:
		return int64(len(val))
	}
	if obj, ok := v.(*goja.Object); ok {
		if l := obj.Get("length"); l != nil && !goja.IsUndefined(l) && !goja.IsNull(l) {
			return l.ToInteger()
		}
	}
	return 0
}

func jsonEqual(a, b goja.Value) bool {
	if a == nil || b == nil {
		return a == b
	}
	ja, errA := json.Marshal(a.Export())
	jb, errB := json.Marshal(b.Export())
	if errA != nil || errB != nil {
		return a.StrictEquals(b)
	}
	return bytes.Equal(ja, jb)
}

// inspect renders a value for assertion messages.
func inspect(v goja.Value) string {
	switch {
	case v == nil || goja.IsUndefined(v):
		return "undefined"
	case goja.IsNull(v):
		return "null"
	}
	if obj, ok := v.(*goja.Object); ok {
		if _, fn := goja.AssertFunction(obj); fn {
			return "[Function]"
		}
		if obj.ClassName() == "RegExp" {
			return obj.String()
		}
		if b, err := json.Marshal(obj.Export()); err == nil {
			return string(b)
		}
		return obj.String()
	}
	if s, ok := v.Export().(string); ok {
		return "'" + s + "'"
	}
	return v.String()
}
