package collection

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Request describes the HTTP call of an item.
type Request struct {
	Method      string   `json:"method,omitempty"`
	URL         URL      `json:"url"`
	Header      []Header `json:"header,omitempty"`
	Body        *Body    `json:"body,omitempty"`
	Auth        *Auth    `json:"auth,omitempty"`
	Description any      `json:"description,omitempty"`
}

type requestAlias Request

// UnmarshalJSON accepts the shorthand form where a request is just a URL string.
func (r *Request) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		*r = Request{Method: "GET", URL: URL{Raw: raw}}
		return nil
	}
	var alias requestAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*r = Request(alias)
	return nil
}

// Verb returns the upper-cased method, defaulting to GET.
func (r *Request) Verb() string {
	if r == nil || strings.TrimSpace(r.Method) == "" {
		return "GET"
	}
	return strings.ToUpper(strings.TrimSpace(r.Method))
}

// HeaderValue returns the first enabled header matching name (case-insensitive).
func (r *Request) HeaderValue(name string) (string, bool) {
	if r == nil {
		return "", false
	}
	for _, h := range r.Header {
		if !h.Disabled && strings.EqualFold(h.Key, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Clone returns a deep-enough copy for the engine to resolve variables into.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.Header = append([]Header(nil), r.Header...)
	out.URL.Host = append(StringList(nil), r.URL.Host...)
	out.URL.Path = append(StringList(nil), r.URL.Path...)
	out.URL.Query = append([]QueryParam(nil), r.URL.Query...)
	if r.Body != nil {
		b := *r.Body
		b.URLEncoded = append([]FormParam(nil), r.Body.URLEncoded...)
		b.FormData = append([]FormParam(nil), r.Body.FormData...)
		out.Body = &b
	}
	return &out
}

// ParseRequest decodes a single request document.
func ParseRequest(data []byte) (*Request, error) {
	if isBlank(data) {
		return nil, nil
	}
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	return &r, nil
}

// Header is a request or response header.
type Header struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Disabled bool   `json:"disabled,omitempty"`
}

// URL is either a raw string or a structured Postman URL object.
type URL struct {
	Raw      string       `json:"raw,omitempty"`
	Protocol string       `json:"protocol,omitempty"`
	Host     StringList   `json:"host,omitempty"`
	Port     string       `json:"port,omitempty"`
	Path     StringList   `json:"path,omitempty"`
	Query    []QueryParam `json:"query,omitempty"`
	Variable []Variable   `json:"variable,omitempty"`
}

type urlAlias URL

// UnmarshalJSON accepts both "https://host/path" and the object form.
func (u *URL) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		*u = URL{Raw: raw}
		return nil
	}
	var alias urlAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*u = URL(alias)
	return nil
}

// String returns the raw URL, rebuilding it from its parts when raw is absent.
func (u URL) String() string {
	if u.Raw != "" {
		return u.Raw
	}
	var b strings.Builder
	if u.Protocol != "" {
		b.WriteString(u.Protocol)
		b.WriteString("://")
	}
	b.WriteString(strings.Join(u.Host, "."))
	if u.Port != "" {
		b.WriteString(":")
		b.WriteString(u.Port)
	}
	if len(u.Path) > 0 {
		b.WriteString("/")
		b.WriteString(strings.Join(u.Path, "/"))
	}
	var pairs []string
	for _, q := range u.Query {
		if q.Disabled {
			continue
		}
		pairs = append(pairs, url.QueryEscape(q.Key)+"="+url.QueryEscape(q.Value))
	}
	if len(pairs) > 0 {
		b.WriteString("?")
		b.WriteString(strings.Join(pairs, "&"))
	}
	return b.String()
}

// QueryParam is a single query string entry.
type QueryParam struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Disabled bool   `json:"disabled,omitempty"`
}

// Body is the request payload.
type Body struct {
	Mode       string       `json:"mode,omitempty"` // raw, urlencoded, formdata, graphql, file
	Raw        string       `json:"raw,omitempty"`
	URLEncoded []FormParam  `json:"urlencoded,omitempty"`
	FormData   []FormParam  `json:"formdata,omitempty"`
	GraphQL    *GraphQL     `json:"graphql,omitempty"`
	Options    *BodyOptions `json:"options,omitempty"`
	Disabled   bool         `json:"disabled,omitempty"`
}

// Language returns the declared raw body language (json, xml, text, ...).
func (b *Body) Language() string {
	if b == nil || b.Options == nil || b.Options.Raw == nil {
		return ""
	}
	return strings.ToLower(b.Options.Raw.Language)
}

// FormParam is an urlencoded or multipart field.
type FormParam struct {
	Key         string `json:"key"`
	Value       string `json:"value,omitempty"`
	Type        string `json:"type,omitempty"` // text or file
	Src         any    `json:"src,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Disabled    bool   `json:"disabled,omitempty"`
}

// GraphQL is the payload of graphql body mode.
type GraphQL struct {
	Query     string `json:"query"`
	Variables string `json:"variables,omitempty"`
}

// BodyOptions carries mode-specific options.
type BodyOptions struct {
	Raw *RawOptions `json:"raw,omitempty"`
}

// RawOptions declares the language of a raw body.
type RawOptions struct {
	Language string `json:"language,omitempty"`
}
