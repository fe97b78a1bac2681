// Package convert renders HTML reports from JSON run summaries produced
// earlier, by this server or by newman itself.
package convert

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/criteo/newman-server/internal/collection"
	"github.com/criteo/newman-server/internal/reporter"
	"github.com/criteo/newman-server/internal/runner"
)

// MalformedSummaryError means the document is not a run summary.
type MalformedSummaryError struct {
	Reason string
}

func (e *MalformedSummaryError) Error() string {
	return "malformed summary: " + e.Reason
}

func malformed(format string, args ...any) error {
	return &MalformedSummaryError{Reason: fmt.Sprintf(format, args...)}
}

type summaryWire struct {
	Collection  json.RawMessage `json:"collection"`
	Environment json.RawMessage `json:"environment"`
	Run         json.RawMessage `json:"run"`
}

type runWire struct {
	Stats      json.RawMessage   `json:"stats"`
	Timings    json.RawMessage   `json:"timings"`
	Transfers  json.RawMessage   `json:"transfers"`
	Failures   json.RawMessage   `json:"failures"`
	Error      *runner.ErrorInfo `json:"error"`
	Executions []json.RawMessage `json:"executions"`
}

type executionWire struct {
	ID           string             `json:"id"`
	Cursor       runner.Cursor      `json:"cursor"`
	Item         json.RawMessage    `json:"item"`
	Request      json.RawMessage    `json:"request"`
	Response     json.RawMessage    `json:"response"`
	Assertions   []runner.Assertion `json:"assertions"`
	RequestError *runner.ErrorInfo  `json:"requestError"`
}

// Summary decodes a JSON run summary and upgrades its loose parts into the
// collection model: every execution item is attached to the collection so
// its folder path can be shown, and requests and responses are decoded into
// their typed forms. Substructures that are absent stay absent.
func Summary(data []byte) (*runner.Summary, error) {
	var wire summaryWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, malformed("%v", err)
	}
	if isNull(wire.Collection) {
		return nil, malformed("collection is missing")
	}
	if isNull(wire.Run) {
		return nil, malformed("run is missing")
	}
	var run runWire
	if err := json.Unmarshal(wire.Run, &run); err != nil {
		return nil, malformed("run: %v", err)
	}
	if isNull(run.Stats) {
		return nil, malformed("run.stats is missing")
	}
	if run.Executions == nil {
		return nil, malformed("run.executions is missing")
	}

	coll, err := collection.Parse(wire.Collection)
	if err != nil {
		return nil, malformed("%v", err)
	}
	env, err := collection.ParseEnvironment(wire.Environment)
	if err != nil {
		return nil, malformed("%v", err)
	}

	sum := &runner.Summary{Collection: coll, Environment: env}
	if err := json.Unmarshal(run.Stats, &sum.Run.Stats); err != nil {
		return nil, malformed("run.stats: %v", err)
	}
	// Timings, transfers and failures are optional but must decode when present.
	optional := []struct {
		name string
		raw  json.RawMessage
		dst  any
	}{
		{"run.timings", run.Timings, &sum.Run.Timings},
		{"run.transfers", run.Transfers, &sum.Run.Transfers},
		{"run.failures", run.Failures, &sum.Run.Failures},
	}
	for _, part := range optional {
		if isNull(part.raw) {
			continue
		}
		if err := json.Unmarshal(part.raw, part.dst); err != nil {
			return nil, malformed("%s: %v", part.name, err)
		}
	}
	sum.Run.Error = run.Error

	sum.Run.Executions = make([]runner.Execution, 0, len(run.Executions))
	for i, raw := range run.Executions {
		exec, err := upgradeExecution(raw, coll)
		if err != nil {
			return nil, malformed("run.executions[%d]: %v", i, err)
		}
		sum.Run.Executions = append(sum.Run.Executions, exec)
	}
	return sum, nil
}

func upgradeExecution(raw json.RawMessage, coll *collection.Collection) (runner.Execution, error) {
	var wire executionWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return runner.Execution{}, err
	}
	exec := runner.Execution{
		ID:           wire.ID,
		Cursor:       wire.Cursor,
		Assertions:   wire.Assertions,
		RequestError: wire.RequestError,
	}
	item, err := collection.ParseItem(wire.Item)
	if err != nil {
		return exec, err
	}
	if item != nil {
		item.SetParent(coll)
		exec.Item = item
	}
	if exec.Request, err = collection.ParseRequest(wire.Request); err != nil {
		return exec, err
	}
	if exec.Response, err = collection.ParseResponse(wire.Response); err != nil {
		return exec, err
	}
	return exec, nil
}

// RenderHTML converts a JSON run summary into the HTML report.
func RenderHTML(summary []byte) ([]byte, error) {
	sum, err := Summary(summary)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := reporter.HTML.Write(&buf, sum); err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	return buf.Bytes(), nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
