package workflow

import (
	"encoding/json"
	"strings"

	"github.com/relaycore/relayd/pkg/model"
)

// resolveInputs computes the string-valued arguments for step's
// inputTemplate against outputs, a stepId -> output map collected from
// completed predecessors. A variable whose step output is missing,
// unparsable, or whose dot-separated path doesn't resolve yields an empty
// string rather than an error.
func resolveInputs(step model.Step, outputs map[string]json.RawMessage) map[string]any {
	resolved := make(map[string]any, len(step.InputTemplate))
	for key, value := range step.InputTemplate {
		switch value.Kind {
		case model.InputLiteral:
			resolved[key] = value.Literal
		case model.InputVariable:
			resolved[key] = extractJSONPath(outputs[value.StepID], value.JSONPath)
		default:
			resolved[key] = ""
		}
	}
	return resolved
}

// extractJSONPath walks a dot-separated path ("a.b.c") through the decoded
// JSON value in raw, returning its string form. Non-string leaves are
// rendered via their JSON encoding; any failure to parse or navigate
// yields "".
func extractJSONPath(raw json.RawMessage, path string) string {
	if len(raw) == 0 {
		return ""
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return ""
	}

	current := data
	if strings.TrimSpace(path) != "" {
		for _, segment := range strings.Split(path, ".") {
			obj, ok := current.(map[string]any)
			if !ok {
				return ""
			}
			current, ok = obj[segment]
			if !ok {
				return ""
			}
		}
	}

	switch v := current.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
