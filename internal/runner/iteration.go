package runner

import (
	"encoding/json"
	"fmt"
	"maps"

	"github.com/criteo/newman-server/internal/collection"
)

type iterationSpec struct {
	vars map[string]string
	data map[string]any
}

// buildIterations resolves the iteration plan from the iteration data
// document. Without data a single empty iteration is returned.
func buildIterations(raw json.RawMessage) ([]iterationSpec, error) {
	rows, err := collection.ParseIterationData(raw)
	if err != nil {
		return nil, fmt.Errorf("iteration data: %w", err)
	}
	if len(rows) == 0 {
		return []iterationSpec{{vars: map[string]string{}, data: map[string]any{}}}, nil
	}
	out := make([]iterationSpec, 0, len(rows))
	for _, row := range rows {
		strs := map[string]string{}
		for k, v := range row {
			strs[k] = collection.Stringify(v)
		}
		out = append(out, iterationSpec{vars: strs, data: cloneAnyMap(row)})
	}
	return out, nil
}

func cloneAnyMap(in map[string]any) map[string]any {
	out := map[string]any{}
	maps.Copy(out, in)
	return out
}
