// Package reporter renders run summaries into the downloadable report
// formats: an htmlextra-style HTML page and newman-style JUnit XML.
package reporter

import (
	"fmt"
	"io"
	"strings"

	"github.com/criteo/newman-server/internal/collection"
	"github.com/criteo/newman-server/internal/runner"
)

// Kind identifies a file report format.
type Kind string

const (
	HTML  Kind = "html"
	JUnit Kind = "junit"
)

// ParseKind maps a format name to a report kind.
func ParseKind(s string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case HTML:
		return HTML, true
	case JUnit:
		return JUnit, true
	}
	return "", false
}

// Extension is the artifact file extension without the dot.
func (k Kind) Extension() string {
	if k == JUnit {
		return "xml"
	}
	return "html"
}

// Prefix is the artifact file name prefix.
func (k Kind) Prefix() string {
	if k == JUnit {
		return "junitResults"
	}
	return "htmlResults"
}

// ContentType is the MIME type the artifact is served with.
func (k Kind) ContentType() string {
	if k == JUnit {
		return "application/xml"
	}
	return "text/html; charset=utf-8"
}

// Write renders sum in the kind's format.
func (k Kind) Write(w io.Writer, sum *runner.Summary) error {
	switch k {
	case HTML:
		return WriteHTML(w, sum)
	case JUnit:
		return WriteJUnit(w, sum)
	}
	return fmt.Errorf("unknown report kind %q", string(k))
}

// Reporter adapts the kind to the engine's export hook.
func (k Kind) Reporter() runner.Reporter {
	return k.Write
}

var sensitiveHeaders = map[string]struct{}{
	"authorization":       {},
	"proxy-authorization": {},
	"cookie":              {},
	"set-cookie":          {},
}

// maskHeaders copies headers, hiding credential values.
func maskHeaders(in []collection.Header) []collection.Header {
	out := make([]collection.Header, 0, len(in))
	for _, h := range in {
		if h.Disabled {
			continue
		}
		if _, ok := sensitiveHeaders[strings.ToLower(h.Key)]; ok {
			h.Value = "********"
		}
		out = append(out, h)
	}
	return out
}

func itemPath(exec runner.Execution) []string {
	if exec.Item == nil {
		return nil
	}
	return exec.Item.Path()
}

func itemName(exec runner.Execution) string {
	if exec.Item == nil {
		return "(unnamed request)"
	}
	return exec.Item.Name
}

func itemID(exec runner.Execution) string {
	if exec.Item == nil {
		return ""
	}
	return exec.Item.ID
}
