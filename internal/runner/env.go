package runner

import (
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/criteo/newman-server/internal/collection"
	"github.com/google/uuid"
)

// varPattern matches {{name}} placeholders.
var varPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// scope is an insertion-ordered string map.
type scope struct {
	keys []string
	vals map[string]string
}

func newScope() *scope {
	return &scope{vals: map[string]string{}}
}

func scopeFromVariables(vars []collection.Variable) *scope {
	s := newScope()
	for _, v := range vars {
		if v.Active() {
			s.set(v.Key, v.String())
		}
	}
	return s
}

func scopeFromMap(m map[string]string) *scope {
	s := newScope()
	for k, v := range m {
		s.set(k, v)
	}
	return s
}

func (s *scope) get(key string) (string, bool) {
	if s == nil {
		return "", false
	}
	v, ok := s.vals[key]
	return v, ok
}

func (s *scope) set(key, val string) {
	if _, ok := s.vals[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.vals[key] = val
}

func (s *scope) unset(key string) {
	if _, ok := s.vals[key]; !ok {
		return
	}
	delete(s.vals, key)
	for i, k := range s.keys {
		if k == key {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}
}

func (s *scope) clear() {
	s.keys = nil
	s.vals = map[string]string{}
}

func (s *scope) toMap() map[string]any {
	out := make(map[string]any, len(s.keys))
	for _, k := range s.keys {
		out[k] = s.vals[k]
	}
	return out
}

func (s *scope) variables() []collection.Variable {
	out := make([]collection.Variable, 0, len(s.keys))
	enabled := true
	for _, k := range s.keys {
		out = append(out, collection.Variable{Key: k, Value: s.vals[k], Type: "any", Enabled: &enabled})
	}
	return out
}

// scopes resolves variables with Postman precedence:
// local > iteration data > environment > collection > globals.
type scopes struct {
	globals     *scope
	collection  *scope
	environment *scope
	data        *scope
	local       *scope
}

func (s *scopes) chain() []*scope {
	return []*scope{s.local, s.data, s.environment, s.collection, s.globals}
}

func (s *scopes) get(key string) (string, bool) {
	if v, ok := dynamicValue(key); ok {
		return v, true
	}
	for _, sc := range s.chain() {
		if v, ok := sc.get(key); ok {
			return v, true
		}
	}
	return "", false
}

func (s *scopes) has(key string) bool {
	for _, sc := range s.chain() {
		if _, ok := sc.get(key); ok {
			return true
		}
	}
	return false
}

// expand substitutes placeholders, leaving unknown ones untouched. Values may
// reference other variables, so expansion repeats a bounded number of times.
func (s *scopes) expand(in string) string {
	out := in
	for range 5 {
		if !strings.Contains(out, "{{") {
			return out
		}
		next := varPattern.ReplaceAllStringFunc(out, func(match string) string {
			name := varPattern.FindStringSubmatch(match)[1]
			if v, ok := s.get(name); ok {
				return v
			}
			return match
		})
		if next == out {
			return out
		}
		out = next
	}
	return out
}

func dynamicValue(name string) (string, bool) {
	switch name {
	case "$guid", "$randomUUID":
		return uuid.NewString(), true
	case "$timestamp":
		return strconv.FormatInt(time.Now().Unix(), 10), true
	case "$isoTimestamp":
		return time.Now().UTC().Format("2006-01-02T15:04:05.000Z"), true
	case "$randomInt":
		return strconv.Itoa(rand.IntN(1001)), true
	}
	return "", false
}
