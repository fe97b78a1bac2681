package collection

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Response is a recorded HTTP response as it appears in a run summary.
type Response struct {
	ID           string   `json:"id,omitempty"`
	Status       string   `json:"status,omitempty"`
	Code         int      `json:"code"`
	Header       []Header `json:"header,omitempty"`
	Body         string   `json:"body,omitempty"`
	ResponseTime int64    `json:"responseTime"`
	ResponseSize int      `json:"responseSize"`
}

type responseAlias Response

type responseWire struct {
	responseAlias
	Stream *bufferStream `json:"stream,omitempty"`
}

// bufferStream is how Node serialises a Buffer: {"type":"Buffer","data":[...]}.
type bufferStream struct {
	Type string `json:"type"`
	Data []byte `json:"-"`
}

func (b *bufferStream) UnmarshalJSON(data []byte) error {
	var wire struct {
		Type string `json:"type"`
		Data []int  `json:"data"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	b.Type = wire.Type
	b.Data = make([]byte, len(wire.Data))
	for i, v := range wire.Data {
		b.Data[i] = byte(v)
	}
	return nil
}

// UnmarshalJSON accepts responses that carry their payload as a Buffer stream
// instead of a body string.
func (r *Response) UnmarshalJSON(data []byte) error {
	var wire responseWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*r = Response(wire.responseAlias)
	if r.Body == "" && wire.Stream != nil {
		r.Body = string(wire.Stream.Data)
	}
	if r.ResponseSize == 0 {
		r.ResponseSize = len(r.Body)
	}
	return nil
}

// HeaderValue returns the first header matching name (case-insensitive).
func (r *Response) HeaderValue(name string) (string, bool) {
	if r == nil {
		return "", false
	}
	for _, h := range r.Header {
		if strings.EqualFold(h.Key, name) {
			return h.Value, true
		}
	}
	return "", false
}

// PrettyBody indents JSON bodies and returns anything else unchanged.
func (r *Response) PrettyBody() string {
	if r == nil {
		return ""
	}
	trimmed := strings.TrimSpace(r.Body)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return r.Body
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(trimmed), "", "  "); err != nil {
		return r.Body
	}
	return buf.String()
}

// ParseResponse decodes a single response document.
func ParseResponse(data []byte) (*Response, error) {
	if isBlank(data) {
		return nil, nil
	}
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("response: %w", err)
	}
	return &r, nil
}
