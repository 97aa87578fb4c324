package supervisor

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/mindmapper/claudebridge/internal/events"
)

// Classify reports whether line is a structured JSON value. Structured lines
// return events.ProgressTypeJSON with the decoded value; everything else
// returns events.ProgressTypeText with the line unchanged.
//
// Numbers decode to json.Number so 64-bit integers keep every digit.
func Classify(line string) (string, any) {
	if !gjson.Valid(line) {
		return events.ProgressTypeText, line
	}
	return events.ProgressTypeJSON, decode(gjson.Parse(line))
}

func decode(result gjson.Result) any {
	switch result.Type {
	case gjson.Null:
		return nil
	case gjson.False:
		return false
	case gjson.True:
		return true
	case gjson.Number:
		return json.Number(result.Raw)
	case gjson.String:
		return result.String()
	}

	if result.IsArray() {
		out := make([]any, 0)
		result.ForEach(func(_, value gjson.Result) bool {
			out = append(out, decode(value))
			return true
		})
		return out
	}
	out := make(map[string]any)
	result.ForEach(func(key, value gjson.Result) bool {
		out[key.String()] = decode(value)
		return true
	})
	return out
}
