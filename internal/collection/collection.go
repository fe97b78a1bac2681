// Package collection models the Postman collection, environment and
// iteration data documents accepted by the server, and the richer item,
// request and response objects the reporters render from.
package collection

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Collection is a Postman collection (schema v2.0 or v2.1).
type Collection struct {
	Info     Info       `json:"info"`
	Item     []*Item    `json:"item,omitempty"`
	Event    []Event    `json:"event,omitempty"`
	Variable []Variable `json:"variable,omitempty"`
	Auth     *Auth      `json:"auth,omitempty"`
}

// Info holds collection metadata.
type Info struct {
	PostmanID   string `json:"_postman_id,omitempty"`
	Name        string `json:"name"`
	Schema      string `json:"schema,omitempty"`
	Description any    `json:"description,omitempty"`
}

// Item is either a folder (it has child items) or a request.
type Item struct {
	ID       string   `json:"id,omitempty"`
	Name     string   `json:"name"`
	Item     []*Item  `json:"item,omitempty"`
	Request  *Request `json:"request,omitempty"`
	Event    []Event  `json:"event,omitempty"`
	Auth     *Auth    `json:"auth,omitempty"`
	Disabled bool     `json:"disabled,omitempty"`

	parent     *Item
	collection *Collection
}

// Event binds a script to a lifecycle phase ("prerequest" or "test").
type Event struct {
	Listen   string `json:"listen"`
	Script   Script `json:"script"`
	Disabled bool   `json:"disabled,omitempty"`
}

// Script is a piece of JavaScript executed by the engine.
type Script struct {
	ID   string     `json:"id,omitempty"`
	Type string     `json:"type,omitempty"`
	Exec StringList `json:"exec,omitempty"`
}

// Source returns the script body.
func (s Script) Source() string {
	return strings.Join(s.Exec, "\n")
}

// Variable is a key/value pair used by collection variables and environments.
type Variable struct {
	Key      string `json:"key"`
	Value    any    `json:"value"`
	Type     string `json:"type,omitempty"`
	Enabled  *bool  `json:"enabled,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
}

// Active reports whether the variable participates in resolution.
func (v Variable) Active() bool {
	if v.Disabled {
		return false
	}
	return v.Enabled == nil || *v.Enabled
}

// String renders the variable value the way it is substituted into requests.
func (v Variable) String() string {
	return Stringify(v.Value)
}

// Auth describes request authentication.
type Auth struct {
	Type   string      `json:"type"`
	Basic  []Parameter `json:"basic,omitempty"`
	Bearer []Parameter `json:"bearer,omitempty"`
	APIKey []Parameter `json:"apikey,omitempty"`
}

// Param returns the value of a named auth attribute for the active auth type.
func (a *Auth) Param(name string) string {
	if a == nil {
		return ""
	}
	var params []Parameter
	switch a.Type {
	case "basic":
		params = a.Basic
	case "bearer":
		params = a.Bearer
	case "apikey":
		params = a.APIKey
	}
	for _, p := range params {
		if p.Key == name {
			return Stringify(p.Value)
		}
	}
	return ""
}

// Parameter is a typed key/value pair inside auth definitions.
type Parameter struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
	Type  string `json:"type,omitempty"`
}

// StringList decodes either a single string or an array of strings.
type StringList []string

// UnmarshalJSON accepts "a" as well as ["a", "b"].
func (s *StringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = nil
		return nil
	}
	if data[0] == '"' {
		var one string
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*s = StringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ErrNotObject is returned when a document is not a JSON object.
var ErrNotObject = errors.New("document must be a JSON object")

// Parse decodes a collection document. A nil collection and no error are
// returned for empty or null input.
func Parse(data []byte) (*Collection, error) {
	if isBlank(data) {
		return nil, nil
	}
	if !isObject(data) {
		return nil, fmt.Errorf("collection: %w", ErrNotObject)
	}
	var c Collection
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("collection: %w", err)
	}
	c.Link()
	return &c, nil
}

// IsEmpty reports whether the document carries neither metadata nor items,
// which is what a degenerate `{}` collection decodes to.
func (c *Collection) IsEmpty() bool {
	return c == nil || (c.Info.Name == "" && c.Info.PostmanID == "" && len(c.Item) == 0)
}

// Link wires parent pointers through the item tree.
func (c *Collection) Link() {
	if c == nil {
		return
	}
	for _, it := range c.Item {
		it.attach(c, nil)
	}
}

// Requests flattens the item tree depth-first, returning request items in
// document order. Disabled items, their children and items without a
// request are skipped.
func (c *Collection) Requests() []*Item {
	if c == nil {
		return nil
	}
	var out []*Item
	var walk func(items []*Item)
	walk = func(items []*Item) {
		for _, it := range items {
			if it == nil || it.Disabled {
				continue
			}
			if it.IsFolder() {
				walk(it.Item)
				continue
			}
			if it.Request != nil {
				out = append(out, it)
			}
		}
	}
	walk(c.Item)
	return out
}

// Find looks up an item by id, falling back to the first item with the same name.
func (c *Collection) Find(id, name string) *Item {
	if c == nil {
		return nil
	}
	var byName *Item
	var walk func(items []*Item) *Item
	walk = func(items []*Item) *Item {
		for _, it := range items {
			if it == nil {
				continue
			}
			if id != "" && it.ID == id {
				return it
			}
			if byName == nil && name != "" && it.Name == name {
				byName = it
			}
			if found := walk(it.Item); found != nil {
				return found
			}
		}
		return nil
	}
	if found := walk(c.Item); found != nil {
		return found
	}
	return byName
}

func (i *Item) attach(c *Collection, parent *Item) {
	i.collection = c
	i.parent = parent
	for _, child := range i.Item {
		if child != nil {
			child.attach(c, i)
		}
	}
}

// IsFolder reports whether the item groups other items.
func (i *Item) IsFolder() bool {
	return i.Request == nil && i.Item != nil
}

// Parent returns the enclosing folder, or nil at the collection root.
func (i *Item) Parent() *Item { return i.parent }

// Collection returns the collection the item belongs to, if linked.
func (i *Item) Collection() *Collection { return i.collection }

// SetParent attaches a standalone item to a collection. When the collection
// contains an item with the same id (or name) that item's folder ancestry is
// adopted, otherwise the item hangs directly off the collection root.
func (i *Item) SetParent(c *Collection) {
	i.collection = c
	i.parent = nil
	if found := c.Find(i.ID, i.Name); found != nil && found != i {
		i.parent = found.parent
	}
}

// Path returns the folder names leading to the item, ending with its own name.
func (i *Item) Path() []string {
	var names []string
	for cur := i; cur != nil; cur = cur.parent {
		names = append([]string{cur.Name}, names...)
	}
	return names
}

// Events returns the scripts bound to listen, inherited from the collection
// and enclosing folders first, in the order Postman runs them.
func (i *Item) Events(listen string) []Script {
	var chain []*Item
	for cur := i; cur != nil; cur = cur.parent {
		chain = append([]*Item{cur}, chain...)
	}
	var out []Script
	if i.collection != nil {
		out = appendScripts(out, i.collection.Event, listen)
	}
	for _, it := range chain {
		out = appendScripts(out, it.Event, listen)
	}
	return out
}

// EffectiveAuth walks up the tree to find the auth that applies to the item.
func (i *Item) EffectiveAuth() *Auth {
	if i.Request != nil && i.Request.Auth != nil {
		return i.Request.Auth
	}
	for cur := i; cur != nil; cur = cur.parent {
		if cur.Auth != nil {
			return cur.Auth
		}
	}
	if i.collection != nil {
		return i.collection.Auth
	}
	return nil
}

func appendScripts(out []Script, events []Event, listen string) []Script {
	for _, ev := range events {
		if ev.Disabled || ev.Listen != listen {
			continue
		}
		if strings.TrimSpace(ev.Script.Source()) == "" {
			continue
		}
		out = append(out, ev.Script)
	}
	return out
}

// ParseItem decodes a single item document.
func ParseItem(data []byte) (*Item, error) {
	if isBlank(data) {
		return nil, nil
	}
	var it Item
	if err := json.Unmarshal(data, &it); err != nil {
		return nil, fmt.Errorf("item: %w", err)
	}
	for _, child := range it.Item {
		if child != nil {
			child.attach(nil, &it)
		}
	}
	return &it, nil
}

// Stringify renders a decoded JSON value as the text Postman substitutes.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool, float64, int, int64, json.Number:
		return fmt.Sprint(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

func isBlank(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func isObject(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
